// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package log

import golog "log"

// gologOutputter is the default outputter. It writes messages at the
// Info level and above through Go's standard logger, which callers
// configure with the standard log package.
type gologOutputter struct{}

func (gologOutputter) Level() Level { return Info }

func (gologOutputter) Output(calldepth int, level Level, s string) error {
	if level > Info {
		return nil
	}
	return golog.Output(calldepth+1, s)
}
