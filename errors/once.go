// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package errors

import (
	"sync"
	"sync/atomic"
)

// Once captures at most one error. Errors are safely set across
// multiple goroutines; a worker uses it to remember the first failure
// reported by its persister.
//
// A zero Once is ready to use.
type Once struct {
	mu  sync.Mutex
	err atomic.Pointer[error]
}

// Err returns the first non-nil error passed to Set.
func (e *Once) Err() error {
	p := e.err.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Set sets this instance's error to err. Only the first error
// is set; subsequent calls are ignored.
func (e *Once) Set(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	if e.err.Load() == nil {
		e.err.Store(&err)
	}
	e.mu.Unlock()
}
