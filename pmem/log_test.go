// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pmem_test

import (
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/pmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var syncModes = []pmem.SyncMode{pmem.SyncMsync, pmem.SyncNone}

func TestCreateOpen(t *testing.T) {
	for _, mode := range syncModes {
		t.Run(mode.String(), func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t, "", "pmem")
			defer cleanup()
			id := uuid.New()
			opts := pmem.Options{Sync: mode}

			expect.False(t, pmem.Exists(dir, id))
			l, err := pmem.Create(dir, id, 4096, opts)
			require.NoError(t, err)
			expect.True(t, pmem.Exists(dir, id))
			expect.EQ(t, l.Path(), pmem.Path(dir, id))
			h := l.Header()
			expect.EQ(t, h.Capacity, uint64(4096))
			expect.EQ(t, h.Head, uint64(pmem.HeaderSize))
			expect.EQ(t, h.Tail, uint64(pmem.HeaderSize))
			expect.EQ(t, h.LastCommit, uint64(0))
			expect.EQ(t, h.ID, id)

			off, err := l.Reserve(64)
			require.NoError(t, err)
			expect.EQ(t, off, uint64(pmem.HeaderSize))
			s := l.Slot(off, 64)
			s.SetWord(0, 42)
			require.NoError(t, s.Publish())
			cid, err := l.Commit(off)
			require.NoError(t, err)
			expect.EQ(t, cid, uint64(1))
			require.NoError(t, l.Close())
			require.NoError(t, l.Close())

			_, err = pmem.Create(dir, id, 4096, opts)
			expect.True(t, errors.Is(errors.Exists, err), "%v", err)

			l, err = pmem.Open(dir, id, opts)
			require.NoError(t, err)
			defer l.Close()
			expect.EQ(t, l.Tail(), uint64(pmem.HeaderSize+64))
			expect.EQ(t, l.LastCommit(), uint64(1))
			s = l.Slot(pmem.HeaderSize, 64)
			expect.True(t, s.Committed())
			expect.EQ(t, s.CommitID(), uint64(1))
			expect.EQ(t, s.Word(0), uint64(42))
		})
	}
}

func TestOpenMissing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pmem")
	defer cleanup()
	_, err := pmem.Open(dir, uuid.New(), pmem.Options{})
	expect.True(t, errors.Is(errors.NotExist, err), "%v", err)
}

func TestCreateInvalidCapacity(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pmem")
	defer cleanup()
	for _, capacity := range []uint64{0, 32, 100} {
		_, err := pmem.Create(dir, uuid.New(), capacity, pmem.Options{})
		expect.True(t, errors.Is(errors.Invalid, err), "capacity %d: %v", capacity, err)
	}
}

func TestOpenIntegrity(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pmem")
	defer cleanup()
	id := uuid.New()
	l, err := pmem.Create(dir, id, 4096, pmem.Options{Sync: pmem.SyncNone})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Corrupt the head word.
	f, err := os.OpenFile(pmem.Path(dir, id), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x80}, 8)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = pmem.Open(dir, id, pmem.Options{})
	expect.True(t, errors.Is(errors.Integrity, err), "%v", err)
	expect.True(t, errors.IsFatal(err))

	// A log renamed to another object's id is rejected.
	other := uuid.New()
	l, err = pmem.Create(dir, other, 4096, pmem.Options{Sync: pmem.SyncNone})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	stranger := uuid.New()
	require.NoError(t, os.Rename(pmem.Path(dir, other), pmem.Path(dir, stranger)))
	_, err = pmem.Open(dir, stranger, pmem.Options{})
	expect.True(t, errors.Is(errors.Integrity, err), "%v", err)
}

func TestLogFull(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pmem")
	defer cleanup()
	l, err := pmem.Create(dir, uuid.New(), pmem.HeaderSize+3*64, pmem.Options{Sync: pmem.SyncNone})
	require.NoError(t, err)
	defer l.Close()
	for i := 0; i < 3; i++ {
		_, err := l.Reserve(64)
		require.NoError(t, err)
	}
	_, err = l.Reserve(64)
	assert.True(t, errors.Is(errors.LogFull, err), "%v", err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, l.Capacity(), l.Tail())
}

func TestConcurrentReserve(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pmem")
	defer cleanup()
	const (
		n        = 8
		perRoute = 50
	)
	l, err := pmem.Create(dir, uuid.New(), pmem.HeaderSize+n*perRoute*64, pmem.Options{Sync: pmem.SyncNone})
	require.NoError(t, err)
	defer l.Close()

	var (
		mu   sync.Mutex
		offs []uint64
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perRoute; j++ {
				off, err := l.Reserve(64)
				if err != nil {
					t.Error(err)
					return
				}
				cid, err := l.Commit(off)
				if err != nil || cid == 0 {
					t.Errorf("commit %d: %v", cid, err)
				}
				mu.Lock()
				offs = append(offs, off)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	require.Len(t, offs, n*perRoute)
	for i, off := range offs {
		require.Equal(t, uint64(pmem.HeaderSize+i*64), off)
	}
	assert.Equal(t, uint64(n*perRoute), l.LastCommit())
	_, err = l.Reserve(64)
	assert.True(t, errors.Is(errors.LogFull, err))
}

func TestReadOnly(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pmem")
	defer cleanup()
	id := uuid.New()
	l, err := pmem.Create(dir, id, 4096, pmem.Options{Sync: pmem.SyncNone})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = pmem.Open(dir, id, pmem.Options{ReadOnly: true})
	require.NoError(t, err)
	defer l.Close()
	_, err = l.Reserve(64)
	assert.True(t, errors.Is(errors.NotSupported, err), "%v", err)
	_, err = l.Commit(pmem.HeaderSize)
	assert.True(t, errors.Is(errors.NotSupported, err), "%v", err)
	assert.Equal(t, id, l.Header().ID)
}

func TestParseSyncMode(t *testing.T) {
	for _, mode := range syncModes {
		got, err := pmem.ParseSyncMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
	_, err := pmem.ParseSyncMode("fsync")
	assert.True(t, errors.Is(errors.Invalid, err))
}
