// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package object

import "github.com/rachit173/prontoer/pmem"

// SetPublish replaces the function that publishes appended slots and
// returns a function that restores it.
func SetPublish(fn func(pmem.Slot) error) (restore func()) {
	saved := publish
	publish = fn
	return func() { publish = saved }
}
