// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package ordered implements persistent ordered containers: a set of
// uint64 keys and a map from uint64 keys to byte values. Each
// container keeps an ordered volatile index from keys to the offsets
// of their log slots. Mutations are posted to the calling worker's
// persister, which appends them to the log while the worker updates
// the index; the worker then commits the entry. On open, the index is
// rebuilt by replaying the log.
//
// Reads never touch the persister. Mutations are made through a
// *worker.Worker and must be issued from the function passed to
// worker.Runtime.Run.
package ordered

import (
	"fmt"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/google/uuid"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/handoff"
	"github.com/rachit173/prontoer/object"
	"github.com/rachit173/prontoer/pmem"
	"github.com/rachit173/prontoer/worker"
)

type entry struct {
	key, off uint64
}

func (e entry) Compare(c llrb.Comparable) int {
	other := c.(entry).key
	switch {
	case e.key < other:
		return -1
	case e.key > other:
		return 1
	}
	return 0
}

// index is the volatile state shared by Set and Map: the object, and
// a tree from keys to slot offsets. Slots referenced by the tree are
// invalidated only under the write lock, so they are stable while the
// read lock is held.
type index struct {
	obj *object.Object

	mu   sync.RWMutex
	tree llrb.Tree
}

func (x *index) open(opts Options, id uuid.UUID, slotSize uint64, c object.Container) error {
	obj, err := object.Open(opts.object(), id, slotSize, c)
	if err != nil {
		return err
	}
	x.obj = obj
	if _, err := obj.Recover(); err != nil {
		_ = obj.Close()
		return err
	}
	return nil
}

func (x *index) lookupLocked(key uint64) (uint64, bool) {
	e := x.tree.Get(entry{key: key})
	if e == nil {
		return 0, false
	}
	return e.(entry).off, true
}

func (x *index) lookup(key uint64) (uint64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.lookupLocked(key)
}

// insert logs an insert of key with the provided payload and maps the
// key to the new slot. A slot previously mapped to key is invalidated.
// The append is posted before the lock is taken so that the persister
// writes the slot while the worker waits for the lock.
func (x *index) insert(w *worker.Worker, key uint64, payload []byte) error {
	if err := w.LogInsert(x.obj, key, payload); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	off, err := w.LogInsertWait(x.obj)
	if err != nil {
		return err
	}
	prev, ok := x.lookupLocked(key)
	x.tree.Insert(entry{key, off})
	if !ok {
		return nil
	}
	if err := w.LogRemove(x.obj, prev); err != nil {
		return err
	}
	return w.LogRemoveWait()
}

// erase logs the invalidation of key's slot and removes the key.
// Erasing an absent key does nothing. If the invalidation fails, the
// key stays mapped.
func (x *index) erase(w *worker.Worker, key uint64) error {
	if _, ok := x.lookup(key); !ok {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	// The key may have been erased or remapped since the lookup.
	off, ok := x.lookupLocked(key)
	if !ok {
		return nil
	}
	if err := w.LogRemove(x.obj, off); err != nil {
		return err
	}
	x.tree.Delete(entry{key: key})
	if err := w.LogRemoveWait(); err != nil {
		x.tree.Insert(entry{key, off})
		return err
	}
	return nil
}

// replay maps the key in the first word of slot to the slot. If the
// key is already mapped, the entry with the smaller commit id is
// discarded.
func (x *index) replay(tag handoff.Tag, slot pmem.Slot) error {
	if tag != handoff.Insert {
		return errors.E(errors.UnknownTag, errors.Fatal,
			fmt.Sprintf("object %s: slot %d: no replay for %v", x.obj.ID(), slot.Offset(), tag))
	}
	key := slot.Word(0)
	x.mu.Lock()
	defer x.mu.Unlock()
	if prev, ok := x.lookupLocked(key); ok {
		if x.obj.Slot(prev).CommitID() > slot.CommitID() {
			return x.obj.Discard(slot.Offset())
		}
		if err := x.obj.Discard(prev); err != nil {
			return err
		}
	}
	x.tree.Insert(entry{key, slot.Offset()})
	return nil
}

func (x *index) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.tree.Len()
}

// ascend calls fn with each key in [from, to) and its slot, in key
// order, until fn returns false. The read lock is held throughout.
func (x *index) ascend(from, to uint64, all bool, fn func(key uint64, slot pmem.Slot) bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	op := func(c llrb.Comparable) bool {
		e := c.(entry)
		return !fn(e.key, x.obj.Slot(e.off))
	}
	if all {
		x.tree.Do(op)
		return
	}
	if from < to {
		x.tree.DoRange(op, entry{key: from}, entry{key: to})
	}
}

// ID returns the id of the container's object.
func (x *index) ID() uuid.UUID { return x.obj.ID() }

// Object returns the container's persistent object.
func (x *index) Object() *object.Object { return x.obj }

// Close closes the container's log. The container must not be used
// afterwards.
func (x *index) Close() error {
	return x.obj.Close()
}
