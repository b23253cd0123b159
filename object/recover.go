// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package object

import (
	"fmt"

	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/handoff"
	"github.com/rachit173/prontoer/log"
	"github.com/rachit173/prontoer/pmem"
)

// RecoveryStats summarizes a pass over an object's log.
type RecoveryStats struct {
	// Slots is the number of slots between head and tail.
	Slots int
	// Live is the number of slots holding live entries afterwards.
	Live int
	// Free is the number of slots in the free pool afterwards.
	Free int
	// RolledForward is the number of appended but uncommitted entries
	// that were committed.
	RolledForward int
	// Duplicates is the number of entries discarded because a later
	// entry for the same key was live.
	Duplicates int
}

func (s RecoveryStats) String() string {
	return fmt.Sprintf("slots:%d live:%d free:%d rolled-forward:%d duplicates:%d",
		s.Slots, s.Live, s.Free, s.RolledForward, s.Duplicates)
}

// Recover rebuilds the container's volatile state from the log. Slots
// are visited in offset order from head to tail: invalid slots are
// added to the free pool and live slots are replayed as inserts. A
// live slot that was never committed is committed before it is
// replayed, so that it supersedes any older entry for the same key.
//
// Replay order is physical, not commit order. Containers resolve
// repeated keys by keeping the entry with the larger commit id and
// passing the other to Discard.
//
// An error from Replay stops recovery. Such errors are fatal: the
// object must not serve operations.
func (o *Object) Recover() (RecoveryStats, error) {
	o.stats = RecoveryStats{}
	o.recovering = true
	defer func() { o.recovering = false }()
	var (
		err   error
		debug = log.At(log.Debug)
	)
	o.log.Slots(o.slotSize, func(slot pmem.Slot) bool {
		o.stats.Slots++
		if !slot.Valid() {
			o.free.Add(slot.Offset())
			if debug {
				o.logger.Debugf("slot %d: free", slot.Offset())
			}
			return true
		}
		if slot.CommitID() == 0 {
			if _, err = o.log.Commit(slot.Offset()); err != nil {
				return false
			}
			o.stats.RolledForward++
			if debug {
				o.logger.Debugf("slot %d: rolled forward to commit %d", slot.Offset(), slot.CommitID())
			}
		}
		if _, err = o.container.Replay(handoff.Insert, slot, false); err != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("object %s: replay slot %d", o.id, slot.Offset()), err)
			return false
		}
		return true
	})
	o.stats.Free = o.free.Len()
	o.stats.Live = o.stats.Slots - o.stats.Free
	if err != nil {
		o.logger.Errorf("recovery failed: %v", err)
		return o.stats, o.fail(err)
	}
	o.logger.Printf("recovered: %s", o.stats)
	return o.stats, nil
}

// Discard invalidates the live slot at off during recovery because a
// newer entry supersedes it.
func (o *Object) Discard(off uint64) error {
	if _, err := o.Invalidate(off); err != nil {
		return err
	}
	if o.recovering {
		o.stats.Duplicates++
	}
	return nil
}

// Stats returns the statistics of the last call to Recover.
func (o *Object) Stats() RecoveryStats {
	return o.stats
}

// Check decodes every live entry in the log without changing the log
// or the container's state. It returns the same statistics as Recover
// would, except that duplicates are not detected.
func (o *Object) Check() (RecoveryStats, error) {
	var (
		stats RecoveryStats
		err   error
	)
	o.log.Slots(o.slotSize, func(slot pmem.Slot) bool {
		stats.Slots++
		if !slot.Valid() {
			stats.Free++
			return true
		}
		stats.Live++
		if slot.CommitID() == 0 {
			stats.RolledForward++
		}
		if _, err = o.container.Replay(handoff.Insert, slot, true); err != nil {
			err = errors.E(fmt.Sprintf("object %s: decode slot %d", o.id, slot.Offset()), err)
			return false
		}
		return true
	})
	return stats, err
}
