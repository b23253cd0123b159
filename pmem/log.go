// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pmem implements durable, append-only logs of fixed-size
// slots backed by a memory-mapped file. A log begins with a one
// cache-line header:
//
//	off  field
//	0    capacity (total file size in bytes)
//	8    head (offset of the first slot; always HeaderSize)
//	16   tail (next append offset)
//	24   last commit id
//	32   snapshot lock (reserved; cleared on open)
//	40   integrity check: capacity ^ head ^ id[0:8] ^ id[8:16]
//	48   object id (16 bytes)
//
// Each slot is laid out as [commit id][magic][payload] and occupies a
// whole number of cache lines. A slot is live when its magic word
// equals Magic; a live slot whose commit id is zero was appended but
// not yet committed.
//
// Words are stored in the host's native byte order, which is little
// endian on every platform the package supports.
//
// Durability is achieved by ordering: data is written and flushed
// before the single word that publishes it (the tail, a magic word or
// a commit id) is written and flushed.
package pmem

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/log"
	"github.com/rachit173/prontoer/must"
	"golang.org/x/sys/unix"
)

const (
	// CacheLine is the unit of slot allocation.
	CacheLine = 64
	// HeaderSize is the size of the log header, and thus the head
	// offset of every log.
	HeaderSize = CacheLine
	// SlotHeaderSize is the size of a slot's commit id and magic words.
	SlotHeaderSize = 16
	// Magic marks a live slot ("RedoLogE").
	Magic uint64 = 0x5265646F4C6F6745
	// MaxCommitID is the sentinel value that the commit counter may
	// never reach.
	MaxCommitID = ^uint64(0)
)

// Header word offsets.
const (
	offCapacity     = 0
	offHead         = 8
	offTail         = 16
	offLastCommit   = 24
	offSnapshotLock = 32
	offIntegrity    = 40
	offID           = 48
)

// SyncMode determines how writes are made durable.
type SyncMode int

const (
	// SyncMsync flushes written ranges with msync(2). This is the default.
	SyncMsync SyncMode = iota
	// SyncNone relies on the shared mapping alone. Data survives a
	// process crash but not a power failure.
	SyncNone
)

// String returns the profile name of the sync mode.
func (m SyncMode) String() string {
	switch m {
	case SyncMsync:
		return "msync"
	case SyncNone:
		return "none"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode parses a sync mode name as returned by SyncMode.String.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "msync", "":
		return SyncMsync, nil
	case "none":
		return SyncNone, nil
	}
	return SyncMsync, errors.E(errors.Invalid, fmt.Sprintf("unknown sync mode %q", s))
}

// Options configures how a log is opened.
type Options struct {
	// Sync is the flush strategy.
	Sync SyncMode
	// ReadOnly maps the log without write access. Mutating operations
	// on a read-only log fail.
	ReadOnly bool
}

// Header is a snapshot of a log's header.
type Header struct {
	Capacity     uint64
	Head         uint64
	Tail         uint64
	LastCommit   uint64
	SnapshotLock uint64
	Integrity    uint64
	ID           uuid.UUID
}

// Log is a memory-mapped durable log. Reserve, Commit and the slot
// operations are safe for concurrent use.
type Log struct {
	id       uuid.UUID
	path     string
	file     *os.File
	data     []byte
	sync     SyncMode
	readOnly bool

	closeOnce sync.Once
	closeErr  error
}

// Path returns the path of the log file for object id in dir.
func Path(dir string, id uuid.UUID) string {
	return filepath.Join(dir, id.String()+".log")
}

// Exists tells whether a log file for object id exists in dir.
func Exists(dir string, id uuid.UUID) bool {
	_, err := os.Stat(Path(dir, id))
	return err == nil
}

func integrity(capacity, head uint64, id uuid.UUID) uint64 {
	var lo, hi uint64
	for i := 0; i < 8; i++ {
		lo |= uint64(id[i]) << (8 * i)
		hi |= uint64(id[8+i]) << (8 * i)
	}
	return capacity ^ head ^ lo ^ hi
}

// Create creates a new log with the provided capacity (the total
// file size, header included) for object id in dir. It returns an
// error of kind Exists if the log is already present.
func Create(dir string, id uuid.UUID, capacity uint64, opts Options) (_ *Log, err error) {
	if capacity < HeaderSize || capacity%CacheLine != 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("log capacity %d must be a positive multiple of %d", capacity, CacheLine))
	}
	if opts.ReadOnly {
		return nil, errors.E(errors.Invalid, "cannot create a read-only log")
	}
	path := Path(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.E("create log", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()
	if err = f.Truncate(int64(capacity)); err != nil {
		return nil, errors.E("truncate log", path, err)
	}
	l, err := mapLog(f, path, id, capacity, opts)
	if err != nil {
		return nil, err
	}
	l.setWord(offCapacity, capacity)
	l.setWord(offHead, HeaderSize)
	l.setWord(offTail, HeaderSize)
	l.setWord(offLastCommit, 0)
	l.setWord(offSnapshotLock, 0)
	copy(l.data[offID:offID+16], id[:])
	l.setWord(offIntegrity, integrity(capacity, HeaderSize, id))
	if err = l.Flush(0, HeaderSize); err != nil {
		_ = unix.Munmap(l.data)
		return nil, err
	}
	log.Debug.Printf("pmem: created %s (%d bytes)", path, capacity)
	return l, nil
}

// Open opens the existing log for object id in dir. It returns an
// error of kind NotExist if there is no such log, and a fatal error of
// kind Integrity if the header does not describe this log.
func Open(dir string, id uuid.UUID, opts Options) (_ *Log, err error) {
	path := Path(dir, id)
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.E("open log", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.E("stat log", path, err)
	}
	size := uint64(info.Size())
	if size < HeaderSize {
		return nil, errors.E(errors.Integrity, errors.Fatal, fmt.Sprintf("log %s: file too small (%d bytes)", path, size))
	}
	l, err := mapLog(f, path, id, size, opts)
	if err != nil {
		return nil, err
	}
	if err = l.verify(); err != nil {
		_ = unix.Munmap(l.data)
		return nil, err
	}
	if !opts.ReadOnly && l.word(offSnapshotLock) != 0 {
		l.setWord(offSnapshotLock, 0)
		if err = l.PersistWord(offSnapshotLock); err != nil {
			_ = unix.Munmap(l.data)
			return nil, err
		}
	}
	return l, nil
}

func mapLog(f *os.File, path string, id uuid.UUID, size uint64, opts Options) (*Log, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if opts.ReadOnly {
		prot = unix.PROT_READ
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.E("mmap log", path, err)
	}
	return &Log{
		id:       id,
		path:     path,
		file:     f,
		data:     data,
		sync:     opts.Sync,
		readOnly: opts.ReadOnly,
	}, nil
}

func (l *Log) verify() error {
	h := l.Header()
	bad := func(msg string) error {
		return errors.E(errors.Integrity, errors.Fatal, fmt.Sprintf("log %s: %s", l.path, msg))
	}
	switch {
	case h.Capacity != uint64(len(l.data)):
		return bad(fmt.Sprintf("capacity %d does not match file size %d", h.Capacity, len(l.data)))
	case h.Head != HeaderSize:
		return bad(fmt.Sprintf("bad head offset %d", h.Head))
	case h.Integrity != integrity(h.Capacity, h.Head, h.ID):
		return bad("integrity check failed")
	case !bytes.Equal(h.ID[:], l.id[:]):
		return bad(fmt.Sprintf("log belongs to object %s", h.ID))
	case h.Tail < h.Head || h.Tail > h.Capacity:
		return bad(fmt.Sprintf("tail %d outside [%d, %d]", h.Tail, h.Head, h.Capacity))
	case h.LastCommit == MaxCommitID:
		return bad("commit counter exhausted")
	}
	return nil
}

// ID returns the object id of the log.
func (l *Log) ID() uuid.UUID { return l.id }

// Path returns the path of the log file.
func (l *Log) Path() string { return l.path }

// Header returns a snapshot of the log header.
func (l *Log) Header() Header {
	h := Header{
		Capacity:     l.word(offCapacity),
		Head:         l.word(offHead),
		Tail:         l.word(offTail),
		LastCommit:   l.word(offLastCommit),
		SnapshotLock: l.word(offSnapshotLock),
		Integrity:    l.word(offIntegrity),
	}
	copy(h.ID[:], l.data[offID:offID+16])
	return h
}

// Head returns the offset of the first slot.
func (l *Log) Head() uint64 { return l.word(offHead) }

// Tail returns the offset at which the next slot will be reserved.
func (l *Log) Tail() uint64 { return l.word(offTail) }

// Capacity returns the total size of the log.
func (l *Log) Capacity() uint64 { return l.word(offCapacity) }

// LastCommit returns the most recently issued commit id.
func (l *Log) LastCommit() uint64 { return l.word(offLastCommit) }

// Reserve atomically reserves size bytes at the tail of the log and
// returns their offset. The new tail is persisted before Reserve
// returns. Reserve returns a fatal error of kind LogFull if the log
// cannot hold size more bytes; the tail is left unchanged.
func (l *Log) Reserve(size uint64) (uint64, error) {
	if l.readOnly {
		return 0, errors.E(errors.NotSupported, "reserve on read-only log", l.path)
	}
	capacity := l.Capacity()
	tail := l.wordPtr(offTail)
	for {
		off := atomic.LoadUint64(tail)
		if off+size > capacity || off+size < off {
			return 0, errors.E(errors.LogFull, errors.Fatal,
				fmt.Sprintf("log %s: cannot reserve %d bytes at offset %d (capacity %d)", l.path, size, off, capacity))
		}
		if atomic.CompareAndSwapUint64(tail, off, off+size) {
			return off, l.PersistWord(offTail)
		}
	}
}

// Write copies p into the log at offset off. The data is not durable
// until it is flushed.
func (l *Log) Write(off uint64, p []byte) {
	l.check(off, uint64(len(p)))
	copy(l.data[off:], p)
}

// Flush makes the n bytes at offset off durable.
func (l *Log) Flush(off, n uint64) error {
	if l.sync == SyncNone || l.readOnly || n == 0 {
		return nil
	}
	l.check(off, n)
	pageSize := uint64(os.Getpagesize())
	start := off &^ (pageSize - 1)
	end := off + n
	if err := unix.Msync(l.data[start:end], unix.MS_SYNC); err != nil {
		return errors.E("msync", l.path, err)
	}
	return nil
}

// PersistWord makes the 8-byte word at offset off durable.
func (l *Log) PersistWord(off uint64) error {
	return l.Flush(off, 8)
}

// Commit issues the next commit id and durably stores it in the
// commit word of the slot at offset. Commit ids are strictly
// increasing across the lifetime of the log.
func (l *Log) Commit(offset uint64) (uint64, error) {
	if l.readOnly {
		return 0, errors.E(errors.NotSupported, "commit on read-only log", l.path)
	}
	l.check(offset, SlotHeaderSize)
	must.Truef(offset >= HeaderSize, "pmem: commit of header offset %d", offset)
	id := atomic.AddUint64(l.wordPtr(offLastCommit), 1)
	must.Truef(id != MaxCommitID && id != 0, "pmem: %s: commit counter exhausted", l.path)
	if err := l.PersistWord(offLastCommit); err != nil {
		return 0, err
	}
	atomic.StoreUint64(l.wordPtr(offset), id)
	if err := l.PersistWord(offset); err != nil {
		return 0, err
	}
	return id, nil
}

// Slots calls fn for each slot of the given size between the head and
// the tail of the log, in offset order, until fn returns false.
func (l *Log) Slots(size uint64, fn func(Slot) bool) {
	must.Truef(size >= SlotHeaderSize && size%CacheLine == 0, "pmem: bad slot size %d", size)
	tail := l.Tail()
	for off := l.Head(); off+size <= tail; off += size {
		if !fn(l.Slot(off, size)) {
			return
		}
	}
}

// Close unmaps and closes the log. Close is idempotent.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		if !l.readOnly && l.sync == SyncMsync {
			if err := unix.Msync(l.data, unix.MS_SYNC); err != nil {
				l.closeErr = errors.E("msync", l.path, err)
			}
		}
		if err := unix.Munmap(l.data); err != nil && l.closeErr == nil {
			l.closeErr = errors.E("munmap", l.path, err)
		}
		l.data = nil
		if err := l.file.Close(); err != nil && l.closeErr == nil {
			l.closeErr = errors.E("close", l.path, err)
		}
	})
	return l.closeErr
}

func (l *Log) check(off, n uint64) {
	must.Truef(off+n <= uint64(len(l.data)) && off+n >= off,
		"pmem: %s: access [%d, %d) outside log of size %d", l.path, off, off+n, len(l.data))
}

func (l *Log) wordPtr(off uint64) *uint64 {
	l.check(off, 8)
	must.Truef(off%8 == 0, "pmem: unaligned word offset %d", off)
	return (*uint64)(unsafe.Pointer(&l.data[off]))
}

func (l *Log) word(off uint64) uint64 {
	return atomic.LoadUint64(l.wordPtr(off))
}

func (l *Log) setWord(off, v uint64) {
	atomic.StoreUint64(l.wordPtr(off), v)
}
