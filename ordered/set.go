// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package ordered

import (
	"github.com/google/uuid"
	"github.com/rachit173/prontoer/handoff"
	"github.com/rachit173/prontoer/pmem"
	"github.com/rachit173/prontoer/worker"
)

// keySize is the payload size of a set entry.
const keySize = 8

// Set is a persistent ordered set of uint64 keys. Each key occupies
// one slot holding the key word. Set is safe for concurrent use.
type Set struct {
	index
}

// OpenSet opens the set with the provided id, creating it if its log
// does not exist, and recovers its contents.
func OpenSet(opts Options, id uuid.UUID) (*Set, error) {
	s := new(Set)
	if err := s.open(opts, id, pmem.SlotSize(keySize), s); err != nil {
		return nil, err
	}
	return s, nil
}

// Insert adds key to the set. Inserting a key that is present does
// nothing.
func (s *Set) Insert(w *worker.Worker, key uint64) error {
	if s.Contains(key) {
		return nil
	}
	return s.insert(w, key, nil)
}

// Contains tells whether key is in the set.
func (s *Set) Contains(key uint64) bool {
	_, ok := s.lookup(key)
	return ok
}

// Erase removes key from the set.
func (s *Set) Erase(w *worker.Worker, key uint64) error {
	return s.erase(w, key)
}

// Len returns the number of keys in the set.
func (s *Set) Len() int { return s.len() }

// Ascend calls fn for each key in increasing order until fn returns
// false.
func (s *Set) Ascend(fn func(key uint64) bool) {
	s.ascend(0, 0, true, func(key uint64, _ pmem.Slot) bool { return fn(key) })
}

// AscendRange calls fn for each key in [from, to) in increasing order
// until fn returns false.
func (s *Set) AscendRange(from, to uint64, fn func(key uint64) bool) {
	s.ascend(from, to, false, func(key uint64, _ pmem.Slot) bool { return fn(key) })
}

// Encode implements object.Container.
func (s *Set) Encode(slot pmem.Slot, args handoff.Args) error {
	slot.SetWord(0, args.Words[0])
	return nil
}

// Replay implements object.Container.
func (s *Set) Replay(tag handoff.Tag, slot pmem.Slot, dryRun bool) (int, error) {
	if dryRun {
		return keySize, nil
	}
	if err := s.replay(tag, slot); err != nil {
		return 0, err
	}
	return keySize, nil
}
