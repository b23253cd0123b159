// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package object

import (
	"sync"

	"github.com/rachit173/prontoer/must"
	"github.com/willf/bitset"
)

// FreeSlots is a first-in, first-out pool of reusable slot offsets.
// An offset is held at most once, however many times it is added.
// Thread safe.
type FreeSlots struct {
	head, slotSize uint64

	mu     sync.Mutex
	queue  []uint64
	member bitset.BitSet
}

// NewFreeSlots returns an empty pool for slots of slotSize bytes
// starting at offset head.
func NewFreeSlots(head, slotSize uint64) *FreeSlots {
	must.Truef(slotSize > 0, "object: zero slot size")
	return &FreeSlots{head: head, slotSize: slotSize}
}

func (f *FreeSlots) index(off uint64) uint {
	must.Truef(off >= f.head && (off-f.head)%f.slotSize == 0,
		"object: offset %d is not a slot boundary (head %d, slot size %d)", off, f.head, f.slotSize)
	return uint((off - f.head) / f.slotSize)
}

// Add adds the slot at offset off to the pool. It reports whether the
// offset was added; an offset already in the pool is not queued again.
func (f *FreeSlots) Add(off uint64) bool {
	i := f.index(off)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.member.Test(i) {
		return false
	}
	f.member.Set(i)
	f.queue = append(f.queue, off)
	return true
}

// Take removes and returns the oldest offset in the pool.
func (f *FreeSlots) Take() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return 0, false
	}
	off := f.queue[0]
	f.queue[0] = 0
	f.queue = f.queue[1:]
	if len(f.queue) == 0 {
		f.queue = nil
	}
	f.member.Clear(f.index(off))
	return off, true
}

// Contains tells whether off is in the pool.
func (f *FreeSlots) Contains(off uint64) bool {
	i := f.index(off)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.member.Test(i)
}

// Len returns the number of offsets in the pool.
func (f *FreeSlots) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
