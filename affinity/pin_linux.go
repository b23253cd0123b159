// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package affinity

import (
	"runtime"

	"github.com/rachit173/prontoer/errors"
	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its OS thread and binds that
// thread to hardware thread hwID. The returned function restores the
// thread's previous CPU mask and unlocks it; it must be called from
// the same goroutine.
func Pin(hwID int) (unpin func(), err error) {
	runtime.LockOSThread()
	var old, set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.E("sched_getaffinity", err)
	}
	set.Zero()
	set.Set(hwID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.E(errors.Unavailable, "pin to hardware thread", err)
	}
	return func() {
		_ = unix.SchedSetaffinity(0, &old)
		runtime.UnlockOSThread()
	}, nil
}
