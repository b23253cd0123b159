// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package worker runs application workers, each paired with a
// persister that appends the worker's operations to persistent
// objects. A Runtime allocates a pair of sibling hardware threads to
// every worker; the persister spins on one of them while the worker
// runs on the other.
package worker

import (
	"context"
	"fmt"

	"github.com/rachit173/prontoer/affinity"
	"github.com/rachit173/prontoer/config"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/handoff"
	"github.com/rachit173/prontoer/log"
)

func init() {
	config.Register("prontoer/runtime", func(constr *config.Constructor) {
		pin := constr.Bool("pin", true, "pin workers and persisters to their hardware threads")
		sync := constr.Bool("synchronous", false, "perform operations inline on the worker, without persisters")
		spread := constr.Bool("spread-siblings", false, "pair threads of different cores instead of hyperthread siblings")
		constr.Doc = "the worker runtime"
		constr.New = func() (interface{}, error) {
			topo, err := affinity.Discover(context.Background())
			if err != nil {
				return nil, err
			}
			alloc, err := affinity.New(topo, affinity.Options{SpreadSiblings: *spread})
			if err != nil {
				return nil, err
			}
			return New(alloc, Options{Pin: *pin, Synchronous: *sync}), nil
		}
	})
}

// Options configures a Runtime.
type Options struct {
	// Pin binds workers and persisters to their hardware threads.
	Pin bool
	// Synchronous performs operations inline in the worker; no
	// persister goroutines are started.
	Synchronous bool
}

// Runtime runs workers on hardware thread pairs handed out by an
// allocator.
type Runtime struct {
	alloc *affinity.Allocator
	opts  Options
}

// New returns a runtime allocating thread pairs from alloc.
func New(alloc *affinity.Allocator, opts Options) *Runtime {
	return &Runtime{alloc: alloc, opts: opts}
}

// Allocator returns the runtime's allocator.
func (r *Runtime) Allocator() *affinity.Allocator { return r.alloc }

// Run runs fn on a new worker and returns its error. The worker's
// persister is started before fn and stopped after it returns; the
// pair's hardware threads are released on every path. If fn panics,
// Run cleans up and then panics with the same value.
//
// Operations that fn posted and did not wait for are waited for after
// fn returns; Run then fails with an error of kind Precondition.
func (r *Runtime) Run(fn func(*Worker) error) error {
	a, b := r.alloc.AllocatePair()
	defer r.alloc.Release(a)
	w := &Worker{id: b, persister: a}
	if r.opts.Synchronous {
		w.ch = handoff.NewSync()
	} else {
		w.ch = handoff.New()
	}

	persisterDone := make(chan struct{})
	go func() {
		defer close(persisterDone)
		if r.opts.Pin && !r.opts.Synchronous {
			defer r.pin(a, "persister")()
		}
		w.ch.Serve()
	}()

	var (
		errs     errors.Once
		panicked interface{}
		done     = make(chan struct{})
	)
	go func() {
		defer close(done)
		defer func() {
			panicked = recover()
		}()
		if r.opts.Pin {
			defer r.pin(b, "worker")()
		}
		errs.Set(fn(w))
	}()
	<-done

	if n := w.ch.Depth(); n > 0 {
		for w.ch.Depth() > 0 {
			_, err := w.ch.Wait()
			errs.Set(err)
		}
		if panicked == nil {
			errs.Set(errors.E(errors.Precondition, fmt.Sprintf("worker %d: returned with %d outstanding operations", b, n)))
		}
	}
	w.ch.Terminate()
	<-persisterDone
	if panicked != nil {
		panic(panicked)
	}
	return errs.Err()
}

func (r *Runtime) pin(hwID int, role string) (unpin func()) {
	unpin, err := affinity.Pin(hwID)
	if err != nil {
		level := log.Error
		if errors.Is(errors.NotSupported, err) {
			level = log.Debug
		}
		level.Printf("worker: %s running unpinned: hardware thread %d: %v", role, hwID, err)
		return func() {}
	}
	return unpin
}

// Close waits for all running workers to finish, or until ctx is
// done.
func (r *Runtime) Close(ctx context.Context) error {
	return r.alloc.Finalize(ctx)
}

// Worker posts operations to persistent objects. Its methods must
// only be called from the function passed to Run.
type Worker struct {
	ch            *handoff.Channel
	id, persister int
}

// ID returns the hardware thread the worker runs on.
func (w *Worker) ID() int { return w.id }

// Persister returns the hardware thread of the worker's persister.
func (w *Worker) Persister() int { return w.persister }

// Pending returns the number of posted operations not yet waited for.
func (w *Worker) Pending() int { return w.ch.Depth() }

// LogInsert posts the insertion of key with the provided payload into
// t. The payload must not be modified until LogInsertWait returns.
func (w *Worker) LogInsert(t handoff.Target, key uint64, payload []byte) error {
	return w.ch.Notify(t, handoff.Insert, handoff.Args{Words: [4]uint64{key}, Payload: payload})
}

// LogInsertWait waits for the insertion posted by LogInsert and
// commits it. It returns the offset of the new entry.
func (w *Worker) LogInsertWait(t handoff.Target) (uint64, error) {
	off, err := w.ch.Wait()
	if err != nil {
		return 0, err
	}
	if _, err := t.Commit(off); err != nil {
		return 0, err
	}
	return off, nil
}

// LogRemove posts the invalidation of the entry at offset off in t.
func (w *Worker) LogRemove(t handoff.Target, off uint64) error {
	return w.ch.Notify(t, handoff.Remove, handoff.Args{Words: [4]uint64{off}})
}

// LogRemoveWait waits for the invalidation posted by LogRemove.
func (w *Worker) LogRemoveWait() error {
	_, err := w.ch.Wait()
	return err
}
