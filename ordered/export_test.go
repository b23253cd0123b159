// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package ordered

import "github.com/biogo/store/llrb"

// SlotOf returns the offset of the slot mapped to key.
func (x *index) SlotOf(key uint64) (uint64, bool) {
	return x.lookup(key)
}

// Uncommitted returns the keys whose mapped slot is not committed.
func (x *index) Uncommitted() []uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var keys []uint64
	x.tree.Do(func(c llrb.Comparable) bool {
		e := c.(entry)
		if !x.obj.Slot(e.off).Committed() {
			keys = append(keys, e.key)
		}
		return false
	})
	return keys
}
