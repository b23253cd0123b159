// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pmem

import (
	"sync/atomic"

	"github.com/rachit173/prontoer/must"
)

// SlotSize returns the size of a slot holding a payload of n bytes:
// the slot header plus the payload, rounded up to a cache line.
func SlotSize(n int) uint64 {
	must.Truef(n >= 0, "pmem: negative payload size %d", n)
	size := uint64(SlotHeaderSize + n)
	return (size + CacheLine - 1) &^ (CacheLine - 1)
}

// Slot is a view of one slot in a log. Slots are small values and are
// passed by value.
type Slot struct {
	log  *Log
	off  uint64
	size uint64
}

// Slot returns a view of the slot of the given size at offset off.
func (l *Log) Slot(off, size uint64) Slot {
	must.Truef(off >= HeaderSize && off%CacheLine == 0, "pmem: bad slot offset %d", off)
	must.Truef(size >= SlotHeaderSize, "pmem: bad slot size %d", size)
	l.check(off, size)
	return Slot{l, off, size}
}

// Offset returns the offset of the slot in its log.
func (s Slot) Offset() uint64 { return s.off }

// Size returns the total size of the slot.
func (s Slot) Size() uint64 { return s.size }

// CommitID returns the slot's commit id; zero if it is uncommitted.
func (s Slot) CommitID() uint64 { return s.log.word(s.off) }

// Magic returns the slot's magic word.
func (s Slot) Magic() uint64 { return s.log.word(s.off + 8) }

// Valid tells whether the slot holds a live entry.
func (s Slot) Valid() bool { return s.Magic() == Magic }

// Committed tells whether the slot holds a committed live entry.
func (s Slot) Committed() bool { return s.Valid() && s.CommitID() != 0 }

// PayloadSize returns the number of payload bytes in the slot.
func (s Slot) PayloadSize() uint64 { return s.size - SlotHeaderSize }

// Word returns the i'th 8-byte word of the payload.
func (s Slot) Word(i int) uint64 {
	return s.log.word(s.wordOff(i))
}

// SetWord sets the i'th 8-byte word of the payload. The word is not
// durable until the slot is flushed.
func (s Slot) SetWord(i int, v uint64) {
	s.log.setWord(s.wordOff(i), v)
}

// Bytes returns n payload bytes starting at payload offset from. The
// returned slice aliases the log and must not be retained past Close.
func (s Slot) Bytes(from, n uint64) []byte {
	must.Truef(from+n <= s.PayloadSize() && from+n >= from, "pmem: payload range [%d, %d) outside slot", from, from+n)
	start := s.off + SlotHeaderSize + from
	return s.log.data[start : start+n : start+n]
}

// WriteBytes copies p into the payload at payload offset from.
func (s Slot) WriteBytes(from uint64, p []byte) {
	copy(s.Bytes(from, uint64(len(p))), p)
}

// Reset prepares the slot for reuse: the commit id is zeroed and made
// durable, so that a crash during rewrite leaves an entry that is
// either invalid or uncommitted.
func (s Slot) Reset() error {
	s.log.setWord(s.off, 0)
	return s.log.PersistWord(s.off)
}

// Publish flushes the payload and then durably marks the slot live.
func (s Slot) Publish() error {
	if err := s.log.Flush(s.off+SlotHeaderSize, s.PayloadSize()); err != nil {
		return err
	}
	s.log.setWord(s.off+8, Magic)
	return s.log.PersistWord(s.off + 8)
}

// ClearMagic atomically marks a live slot invalid and makes the change
// durable. It reports whether this call performed the transition;
// clearing an already invalid slot returns false.
func (s Slot) ClearMagic() (bool, error) {
	if !atomic.CompareAndSwapUint64(s.log.wordPtr(s.off+8), Magic, 0) {
		return false, nil
	}
	return true, s.log.PersistWord(s.off + 8)
}

func (s Slot) wordOff(i int) uint64 {
	off := uint64(SlotHeaderSize + 8*i)
	must.Truef(i >= 0 && off+8 <= s.size, "pmem: word %d outside slot of size %d", i, s.size)
	return s.off + off
}
