// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package handoff implements the single-producer, single-consumer
// channel between a worker and its persister. The worker posts an
// operation descriptor and continues with volatile work while the
// persister, spinning on a sibling hardware thread, appends the
// operation to the target's log. The worker later waits for the
// append to land and commits it.
//
// The channel uses no blocking primitives. A descriptor's fields are
// written before its tag is stored, and the persister's results are
// written before it clears the tag; the atomic tag store and load
// order these accesses. Both sides busy-wait with an occasional
// runtime.Gosched, and neither wait has a timeout: a persister that
// stops serving blocks its worker forever.
package handoff

import (
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/must"
	"golang.org/x/sys/cpu"
)

// Tag identifies the operation carried by a descriptor.
type Tag uint64

const (
	// None marks an idle descriptor.
	None Tag = 0
	// Insert appends a new entry.
	Insert Tag = 1
	// Remove invalidates the entry at the offset in Args.Words[0].
	Remove Tag = 2
	// Terminate stops the persister.
	Terminate Tag = ^Tag(0)
)

func (t Tag) String() string {
	switch t {
	case None:
		return "none"
	case Insert:
		return "insert"
	case Remove:
		return "remove"
	case Terminate:
		return "terminate"
	}
	return "tag(" + strconv.FormatUint(uint64(t), 10) + ")"
}

// MaxActiveTxs is the maximum nesting depth of a channel.
const MaxActiveTxs = 15

// spinYield is the number of idle polls between calls to
// runtime.Gosched.
const spinYield = 1 << 10

// Args are the arguments of an operation.
type Args struct {
	Words   [4]uint64
	Payload []byte
}

// Target is a persistent object that operations are posted to.
type Target interface {
	// Log performs the operation on the persister and returns the
	// offset of the affected slot.
	Log(tag Tag, args Args) (uint64, error)
	// Commit durably commits the slot at offset. It is called by the
	// worker once the persister's append is visible.
	Commit(offset uint64) (uint64, error)
}

type descriptor struct {
	_      cpu.CacheLinePad
	tag    uint64
	target Target
	args   Args
	err    error
	_      cpu.CacheLinePad
}

// Channel connects one worker to one persister. The worker methods
// (Notify, Wait, Terminate) must only be called from the worker; Serve
// runs on the persister.
//
// Alongside the descriptors, a channel keeps the transaction stack: the
// slot offset of each outstanding operation, indexed by its depth. An
// entry is zero until the persister has performed the operation.
type Channel struct {
	descs [MaxActiveTxs]descriptor
	stack [MaxActiveTxs]atomic.Uint64
	depth atomic.Int32
	sync  bool
}

// New returns a channel that is served by a persister running Serve.
func New() *Channel {
	return new(Channel)
}

// NewSync returns a channel that performs operations inline in Notify,
// without a persister.
func NewSync() *Channel {
	return &Channel{sync: true}
}

// Synchronous tells whether the channel dispatches inline.
func (c *Channel) Synchronous() bool { return c.sync }

// Depth returns the number of operations posted and not yet waited for.
func (c *Channel) Depth() int { return int(c.depth.Load()) }

// Offset returns the offset recorded on the transaction stack for the
// innermost outstanding operation, or 0 if there is none or the
// persister has not performed it yet.
func (c *Channel) Offset() uint64 {
	depth := c.depth.Load()
	if depth == 0 {
		return 0
	}
	return c.stack[depth-1].Load()
}

// Notify posts an operation on target. Operations may not be nested:
// Notify returns an error of kind NotSupported if a previous operation
// has not been waited for.
func (c *Channel) Notify(target Target, tag Tag, args Args) error {
	must.Truef(tag != None && tag != Terminate, "handoff: cannot notify tag %v", tag)
	depth := c.depth.Load()
	if depth >= 1 {
		return errors.E(errors.NotSupported, "nested transactions")
	}
	d := &c.descs[depth]
	d.target = target
	d.args = args
	d.err = nil
	c.stack[depth].Store(0)
	c.depth.Store(depth + 1)
	if c.sync {
		var off uint64
		off, d.err = target.Log(tag, args)
		c.stack[depth].Store(off)
		return nil
	}
	atomic.StoreUint64(&d.tag, uint64(tag))
	return nil
}

// Wait waits for the most recently posted operation to be performed
// and returns the offset the persister recorded on the transaction
// stack.
func (c *Channel) Wait() (uint64, error) {
	depth := c.depth.Load()
	must.Truef(depth > 0, "handoff: wait without a posted operation")
	d := &c.descs[depth-1]
	for i := 1; atomic.LoadUint64(&d.tag) != 0; i++ {
		if i%spinYield == 0 {
			runtime.Gosched()
		}
	}
	off, err := c.stack[depth-1].Swap(0), d.err
	d.target = nil
	d.args = Args{}
	d.err = nil
	c.depth.Store(depth - 1)
	return off, err
}

// Terminate asks the persister to exit. There must be no outstanding
// operations.
func (c *Channel) Terminate() {
	must.Truef(c.depth.Load() == 0, "handoff: terminate with %d outstanding operations", c.depth.Load())
	if c.sync {
		return
	}
	atomic.StoreUint64(&c.descs[0].tag, uint64(Terminate))
}

// Serve runs the persister loop until Terminate is called. Serve
// returns immediately for synchronous channels.
func (c *Channel) Serve() {
	if c.sync {
		return
	}
	for i := 1; ; i++ {
		active := c.depth.Load() - 1
		if active < 0 {
			active = 0
		}
		d := &c.descs[active]
		tag := Tag(atomic.LoadUint64(&d.tag))
		switch {
		case tag == None:
			if i%spinYield == 0 {
				runtime.Gosched()
			}
			continue
		case tag == Terminate:
			atomic.StoreUint64(&d.tag, 0)
			return
		case active > 0:
			d.err = errors.E(errors.NotSupported, "nested transactions")
		default:
			var off uint64
			off, d.err = d.target.Log(tag, d.args)
			c.stack[active].Store(off)
		}
		atomic.StoreUint64(&d.tag, 0)
		i = 0
	}
}
