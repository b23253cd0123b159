// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package worker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rachit173/prontoer/affinity"
	"github.com/rachit173/prontoer/config"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/handoff"
	"github.com/rachit173/prontoer/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type target struct {
	mu      sync.Mutex
	inserts []uint64
	removes []uint64
	commits []uint64
	next    uint64
}

func (t *target) Log(tag handoff.Tag, args handoff.Args) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch tag {
	case handoff.Insert:
		t.inserts = append(t.inserts, args.Words[0])
		t.next += 64
		return t.next, nil
	case handoff.Remove:
		t.removes = append(t.removes, args.Words[0])
		return args.Words[0], nil
	}
	return 0, errors.E(errors.UnknownTag, errors.Fatal, tag.String())
}

func (t *target) Commit(off uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits = append(t.commits, off)
	return uint64(len(t.commits)), nil
}

func watchdog(t *testing.T, fn func()) {
	t.Helper()
	timer := time.AfterFunc(30*time.Second, func() {
		panic(t.Name() + ": worker did not complete")
	})
	defer timer.Stop()
	fn()
}

func newRuntime(t *testing.T, nthreads int, opts worker.Options) *worker.Runtime {
	t.Helper()
	var topo affinity.Topology
	for i := 0; i < nthreads; i++ {
		topo = append(topo, affinity.HWThread{Core: i / 2, ID: i})
	}
	alloc, err := affinity.New(topo, affinity.Options{})
	require.NoError(t, err)
	return worker.New(alloc, opts)
}

func idle(t *testing.T, r *worker.Runtime) {
	t.Helper()
	for _, n := range r.Allocator().Tenants() {
		assert.Equal(t, 0, n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Close(ctx))
}

func TestRun(t *testing.T) {
	for _, synchronous := range []bool{false, true} {
		t.Run(fmt.Sprint("synchronous=", synchronous), func(t *testing.T) {
			watchdog(t, func() {
				r := newRuntime(t, 2, worker.Options{Synchronous: synchronous})
				tg := new(target)
				err := r.Run(func(w *worker.Worker) error {
					assert.Equal(t, 1, w.ID())
					assert.Equal(t, 0, w.Persister())
					for key := uint64(1); key <= 10; key++ {
						if err := w.LogInsert(tg, key, []byte("v")); err != nil {
							return err
						}
						assert.Equal(t, 1, w.Pending())
						off, err := w.LogInsertWait(tg)
						if err != nil {
							return err
						}
						assert.Equal(t, key*64, off)
					}
					if err := w.LogRemove(tg, 128); err != nil {
						return err
					}
					return w.LogRemoveWait()
				})
				require.NoError(t, err)
				assert.Len(t, tg.inserts, 10)
				assert.Len(t, tg.commits, 10)
				assert.Equal(t, []uint64{128}, tg.removes)
				idle(t, r)
			})
		})
	}
}

func TestRunError(t *testing.T) {
	watchdog(t, func() {
		r := newRuntime(t, 2, worker.Options{})
		err := r.Run(func(w *worker.Worker) error {
			return errors.E(errors.Invalid, "bad request")
		})
		assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
		idle(t, r)
	})
}

func TestRunOutstanding(t *testing.T) {
	watchdog(t, func() {
		r := newRuntime(t, 2, worker.Options{})
		tg := new(target)
		err := r.Run(func(w *worker.Worker) error {
			return w.LogInsert(tg, 7, nil)
		})
		assert.True(t, errors.Is(errors.Precondition, err), "%v", err)
		// The operation was still performed.
		assert.Equal(t, []uint64{7}, tg.inserts)
		assert.Empty(t, tg.commits)
		idle(t, r)
	})
}

func TestRunPanic(t *testing.T) {
	watchdog(t, func() {
		r := newRuntime(t, 2, worker.Options{})
		tg := new(target)
		assert.PanicsWithValue(t, "boom", func() {
			_ = r.Run(func(w *worker.Worker) error {
				if err := w.LogInsert(tg, 1, nil); err != nil {
					return err
				}
				panic("boom")
			})
		})
		idle(t, r)
	})
}

func TestConcurrentRuns(t *testing.T) {
	watchdog(t, func() {
		const nworker = 8
		r := newRuntime(t, 4, worker.Options{})
		tg := new(target)
		var wg sync.WaitGroup
		errs := make([]error, nworker)
		for i := 0; i < nworker; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = r.Run(func(w *worker.Worker) error {
					for j := 0; j < 100; j++ {
						if err := w.LogInsert(tg, uint64(i), nil); err != nil {
							return err
						}
						if _, err := w.LogInsertWait(tg); err != nil {
							return err
						}
					}
					return nil
				})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.Len(t, tg.commits, nworker*100)
		idle(t, r)
	})
}

func TestCloseTimeout(t *testing.T) {
	watchdog(t, func() {
		r := newRuntime(t, 2, worker.Options{Synchronous: true})
		started, release := make(chan struct{}), make(chan struct{})
		done := make(chan error)
		go func() {
			done <- r.Run(func(*worker.Worker) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := r.Close(ctx)
		assert.True(t, errors.Is(errors.Timeout, err), "%v", err)
		close(release)
		require.NoError(t, <-done)
		idle(t, r)
	})
}

func TestConfig(t *testing.T) {
	profile := config.New()
	require.NoError(t, profile.Set("prontoer/runtime.pin", "false"))
	var r *worker.Runtime
	err := profile.Instance("prontoer/runtime", &r)
	if errors.Is(errors.Unavailable, err) {
		t.Skipf("no topology: %v", err)
	}
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.NotEmpty(t, r.Allocator().Pairs())
}
