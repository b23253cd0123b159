// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package errors

import "fmt"

// CleanUp is defer-able syntactic sugar that calls f and reports an error, if any,
// to *err. Pass the caller's named return error. Example usage:
//
//	func openLog(path string) (_ *Log, err error) {
//		f, err := os.Open(path)
//		if err != nil { ... }
//		defer errors.CleanUp(f.Close, &err)
//		...
//	}
//
// If the caller returns with its own error, any error from cleanUp will be chained.
func CleanUp(cleanUp func() error, dst *error) {
	err := cleanUp()
	if err == nil {
		return
	}
	if *dst == nil {
		*dst = err
		return
	}
	// *dst may already have a meaningful cause, so the cleanup error is
	// only noted in the message.
	*dst = E(*dst, fmt.Sprintf("second error in cleanup: %v", err))
}
