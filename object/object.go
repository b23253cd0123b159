// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package object implements the persistent object base shared by the
// containers in this module. An Object owns one durable log of
// fixed-size slots and the pool of slots freed by invalidation. It
// serves the operations posted by workers (see package handoff) and
// rebuilds a container's volatile state from the log on open.
//
// An object is identified by a UUID; its log lives at
// <dir>/<id>.log and is guarded against use by other processes with
// an advisory lock at <dir>/<id>.log.lock. The lock file also records
// the slot size the log was written with. Whether the log file exists
// decides between recovering an existing object and creating a new
// one.
//
// An error of Fatal severity from the log stops the object: every
// later operation returns that error.
package object

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/flock"
	"github.com/rachit173/prontoer/handoff"
	"github.com/rachit173/prontoer/log"
	"github.com/rachit173/prontoer/pmem"
)

// Options configures the log of an object.
type Options struct {
	// Dir is the directory holding log files.
	Dir string
	// Capacity is the size of a newly created log, in bytes.
	Capacity uint64
	// Sync is the flush strategy of the log.
	Sync pmem.SyncMode
}

// A Container encodes the operations of a persistent container into
// slots and replays them into its volatile state.
type Container interface {
	// Encode writes the payload of an insert operation into slot. The
	// slot's commit id and magic words are managed by the object.
	Encode(slot pmem.Slot, args handoff.Args) error
	// Replay applies the entry in slot to the container's volatile
	// state and returns the number of payload bytes it consumed. With
	// dryRun set, Replay only decodes the entry. Replay returns an
	// error of kind UnknownTag for operations it does not implement.
	Replay(tag handoff.Tag, slot pmem.Slot, dryRun bool) (int, error)
}

// Object is a persistent object. Log runs on persisters and Commit on
// workers; both are safe for concurrent use.
type Object struct {
	id        uuid.UUID
	log       *pmem.Log
	lock      *flock.T
	slotSize  uint64
	container Container
	free      *FreeSlots
	logger    log.Prefix
	created   bool

	recovering bool
	stats      RecoveryStats

	failed errors.Once

	closeOnce sync.Once
	closeErr  error
}

// Open opens the object with the provided id, creating its log if it
// does not exist. Slots are slotSize bytes, a multiple of the cache
// line. The caller should call Recover before serving operations.
func Open(opts Options, id uuid.UUID, slotSize uint64, c Container) (_ *Object, err error) {
	if opts.Dir == "" {
		return nil, errors.E(errors.Invalid, "object: no log directory configured")
	}
	if slotSize < pmem.SlotHeaderSize || slotSize%pmem.CacheLine != 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("object: bad slot size %d", slotSize))
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, errors.E("object: create log directory", err)
	}
	o := &Object{
		id:        id,
		slotSize:  slotSize,
		container: c,
		free:      NewFreeSlots(pmem.HeaderSize, slotSize),
		logger:    log.Prefixed(id.String()),
	}
	path := pmem.Path(opts.Dir, id)
	lockPath := LockPath(opts.Dir, id)
	o.lock = flock.New(lockPath)
	if err := o.lock.TryLock(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = o.lock.Unlock()
		}
	}()
	popts := pmem.Options{Sync: opts.Sync}
	if pmem.Exists(opts.Dir, id) {
		o.log, err = pmem.Open(opts.Dir, id, popts)
	} else {
		if opts.Capacity < pmem.HeaderSize+slotSize {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("object: capacity %d cannot hold a slot of %d bytes", opts.Capacity, slotSize))
		}
		o.log, err = pmem.Create(opts.Dir, id, opts.Capacity, popts)
		o.created = true
	}
	if err != nil {
		return nil, err
	}
	if err = o.checkGeometry(lockPath); err != nil {
		_ = o.log.Close()
		return nil, err
	}
	if o.created {
		o.logger.Printf("created log %s (%d bytes)", path, o.log.Capacity())
	} else {
		o.logger.Printf("opened log %s (%d bytes, tail %d)", path, o.log.Capacity(), o.log.Tail())
	}
	return o, nil
}

// ID returns the object's id.
func (o *Object) ID() uuid.UUID { return o.id }

// Created tells whether Open created a new log.
func (o *Object) Created() bool { return o.created }

// SlotSize returns the size of the object's slots.
func (o *Object) SlotSize() uint64 { return o.slotSize }

// Durable returns the object's log.
func (o *Object) Durable() *pmem.Log { return o.log }

// FreeSlots returns the object's pool of free slots.
func (o *Object) FreeSlots() *FreeSlots { return o.free }

// Slot returns a view of the slot at offset off.
func (o *Object) Slot(off uint64) pmem.Slot {
	return o.log.Slot(off, o.slotSize)
}

// Err returns the fatal error that stopped the object, if any.
func (o *Object) Err() error { return o.failed.Err() }

// fail stops the object if err is fatal. It returns err.
func (o *Object) fail(err error) error {
	if err == nil || !errors.IsFatal(err) {
		return err
	}
	// Callers may chain err into their own errors, which rewrites its
	// kind; keep a copy.
	saved := err
	if e, ok := err.(*errors.Error); ok {
		c := *e
		saved = &c
	}
	if o.failed.Err() == nil {
		o.logger.Errorf("stopped: %v", err)
	}
	o.failed.Set(saved)
	return err
}

// Log performs an operation posted by a worker. It implements
// handoff.Target.
func (o *Object) Log(tag handoff.Tag, args handoff.Args) (uint64, error) {
	if err := o.failed.Err(); err != nil {
		return 0, err
	}
	var (
		off uint64
		err error
	)
	switch tag {
	case handoff.Insert:
		off, err = o.Append(args)
	case handoff.Remove:
		off, err = o.Invalidate(args.Words[0])
	default:
		err = errors.E(errors.UnknownTag, errors.Fatal, fmt.Sprintf("object %s: cannot log %v", o.id, tag))
	}
	return off, o.fail(err)
}

// Append writes an insert entry into a free slot, or a newly reserved
// one if none is free, and publishes it. The entry is uncommitted
// until Commit is called with the returned offset.
func (o *Object) Append(args handoff.Args) (uint64, error) {
	off, reused := o.free.Take()
	if !reused {
		var err error
		if off, err = o.log.Reserve(o.slotSize); err != nil {
			return 0, err
		}
	}
	slot := o.Slot(off)
	if reused {
		if err := slot.Reset(); err != nil {
			return 0, err
		}
	}
	if err := o.container.Encode(slot, args); err != nil {
		// The slot is not published; return it to the pool.
		o.free.Add(off)
		return 0, err
	}
	if err := publish(slot); err != nil {
		// The magic word may be set in memory; clear it so that recovery
		// does not roll the entry forward.
		if _, cerr := slot.ClearMagic(); cerr != nil {
			o.logger.Errorf("slot %d: clear magic after failed publish: %v", off, cerr)
		}
		o.free.Add(off)
		return 0, err
	}
	return off, nil
}

var publish = pmem.Slot.Publish

// Invalidate durably marks the slot at off as free and adds it to the
// free pool. Invalidating a slot that is already invalid has no
// effect.
func (o *Object) Invalidate(off uint64) (uint64, error) {
	cleared, err := o.Slot(off).ClearMagic()
	if err != nil {
		return off, err
	}
	if cleared {
		o.free.Add(off)
	}
	return off, nil
}

// Commit commits the entry at off. It implements handoff.Target.
func (o *Object) Commit(off uint64) (uint64, error) {
	if err := o.failed.Err(); err != nil {
		return 0, err
	}
	id, err := o.log.Commit(off)
	return id, o.fail(err)
}

// Close closes the object's log and releases its lock. Close is
// idempotent.
func (o *Object) Close() error {
	o.closeOnce.Do(func() {
		o.closeErr = o.log.Close()
		if err := o.lock.Unlock(); o.closeErr == nil {
			o.closeErr = err
		}
	})
	return o.closeErr
}
