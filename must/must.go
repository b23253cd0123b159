// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package must asserts the internal invariants of durable logs and
// their users: an affinity counter underflow, a commit id that wrapped,
// a slot access outside the log. A violated invariant interrupts
// execution instead of returning an error.
package must

import (
	"fmt"

	"github.com/rachit173/prontoer/log"
)

// Func reports a violated invariant and interrupts execution. It is
// passed the call depth of the caller of the must function, for use in
// annotating the message. Replace Func before any assertion may run.
//
// By default, Func logs the message at the Error level and panics with
// it.
var Func func(int, ...interface{}) = func(depth int, v ...interface{}) {
	s := fmt.Sprint(v...)
	_ = log.Output(depth+1, log.Error, s)
	panic(s)
}

// Truef calls Func with a message formatted in the manner of
// fmt.Sprintf unless ok is true.
func Truef(ok bool, format string, v ...interface{}) {
	if ok {
		return
	}
	Func(2, fmt.Sprintf(format, v...))
}
