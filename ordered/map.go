// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package ordered

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/handoff"
	"github.com/rachit173/prontoer/pmem"
	"github.com/rachit173/prontoer/worker"
)

// Map entries hold the key and the value length in their first two
// payload words, followed by the value.
const (
	mapKeyWord = iota
	mapLenWord
	mapValueOffset = 16
)

// Map is a persistent ordered map from uint64 keys to byte values of
// bounded size. Each key occupies one slot. Map is safe for
// concurrent use.
type Map struct {
	index
	maxValueSize int
}

// OpenMap opens the map with the provided id, creating it if its log
// does not exist, and recovers its contents. Values may be at most
// maxValueSize bytes. A map must be reopened with the same maximum
// value size it was created with.
func OpenMap(opts Options, id uuid.UUID, maxValueSize int) (*Map, error) {
	if maxValueSize < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("ordered: negative value size %d", maxValueSize))
	}
	m := &Map{maxValueSize: maxValueSize}
	if err := m.open(opts, id, MapSlotSize(maxValueSize), m); err != nil {
		return nil, err
	}
	return m, nil
}

// MapSlotSize returns the slot size of maps with the provided maximum
// value size.
func MapSlotSize(maxValueSize int) uint64 {
	return pmem.SlotSize(mapValueOffset + maxValueSize)
}

// MaxValueSize returns the maximum size of the map's values.
func (m *Map) MaxValueSize() int { return m.maxValueSize }

// Insert maps key to value, replacing any previous value. The value is
// copied into the log.
func (m *Map) Insert(w *worker.Worker, key uint64, value []byte) error {
	if len(value) > m.maxValueSize {
		return errors.E(errors.Invalid,
			fmt.Sprintf("ordered: value of %d bytes exceeds maximum %d", len(value), m.maxValueSize))
	}
	return m.insert(w, key, value)
}

// Get returns a copy of the value of key.
func (m *Map) Get(key uint64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, ok := m.lookupLocked(key)
	if !ok {
		return nil, false
	}
	view := m.value(m.obj.Slot(off))
	value := make([]byte, len(view))
	copy(value, view)
	return value, true
}

// Erase removes key from the map.
func (m *Map) Erase(w *worker.Worker, key uint64) error {
	return m.erase(w, key)
}

// Len returns the number of keys in the map.
func (m *Map) Len() int { return m.len() }

// Ascend calls fn for each key and its value in increasing key order
// until fn returns false. The value is valid only during the call and
// must not be modified.
func (m *Map) Ascend(fn func(key uint64, value []byte) bool) {
	m.ascend(0, 0, true, func(key uint64, slot pmem.Slot) bool {
		return fn(key, m.value(slot))
	})
}

// AscendRange is like Ascend, restricted to keys in [from, to).
func (m *Map) AscendRange(from, to uint64, fn func(key uint64, value []byte) bool) {
	m.ascend(from, to, false, func(key uint64, slot pmem.Slot) bool {
		return fn(key, m.value(slot))
	})
}

func (m *Map) value(slot pmem.Slot) []byte {
	return slot.Bytes(mapValueOffset, slot.Word(mapLenWord))
}

// Encode implements object.Container.
func (m *Map) Encode(slot pmem.Slot, args handoff.Args) error {
	if len(args.Payload) > m.maxValueSize {
		return errors.E(errors.Invalid,
			fmt.Sprintf("ordered: value of %d bytes exceeds maximum %d", len(args.Payload), m.maxValueSize))
	}
	slot.SetWord(mapKeyWord, args.Words[0])
	slot.SetWord(mapLenWord, uint64(len(args.Payload)))
	slot.WriteBytes(mapValueOffset, args.Payload)
	return nil
}

// Replay implements object.Container.
func (m *Map) Replay(tag handoff.Tag, slot pmem.Slot, dryRun bool) (int, error) {
	n := slot.Word(mapLenWord)
	if n > uint64(m.maxValueSize) {
		return 0, errors.E(errors.Integrity, errors.Fatal,
			fmt.Sprintf("ordered: slot %d: value length %d exceeds maximum %d", slot.Offset(), n, m.maxValueSize))
	}
	if !dryRun {
		if err := m.replay(tag, slot); err != nil {
			return 0, err
		}
	}
	return mapValueOffset + int(n), nil
}
