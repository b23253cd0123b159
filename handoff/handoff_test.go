// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package handoff_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/handoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	tag  handoff.Tag
	args handoff.Args
}

// fakeTarget hands out increasing offsets and records every call.
type fakeTarget struct {
	mu      sync.Mutex
	calls   []call
	commits []uint64
	next    uint64
	fail    bool
}

func (f *fakeTarget) Log(tag handoff.Tag, args handoff.Args) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{tag, args})
	if f.fail {
		return 0, errors.E(errors.LogFull, errors.Fatal, "fake log is full")
	}
	f.next += 64
	return f.next, nil
}

func (f *fakeTarget) Commit(off uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, off)
	return uint64(len(f.commits)), nil
}

// watchdog runs fn and crashes the test binary if it does not
// complete in time. The handoff protocol has no timeouts of its own,
// so a broken persister would otherwise hang the test.
func watchdog(t *testing.T, fn func()) {
	t.Helper()
	timer := time.AfterFunc(30*time.Second, func() {
		panic(t.Name() + ": handoff did not complete: persister stalled")
	})
	defer timer.Stop()
	fn()
}

func serve(c *handoff.Channel) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Serve()
	}()
	return func() { <-done }
}

func TestHandoff(t *testing.T) {
	watchdog(t, func() {
		c := handoff.New()
		wait := serve(c)
		target := new(fakeTarget)
		for i := 0; i < 100; i++ {
			args := handoff.Args{Words: [4]uint64{uint64(i)}, Payload: []byte{byte(i)}}
			require.NoError(t, c.Notify(target, handoff.Insert, args))
			assert.Equal(t, 1, c.Depth())
			off, err := c.Wait()
			require.NoError(t, err)
			assert.Equal(t, uint64(64*(i+1)), off)
			assert.Equal(t, 0, c.Depth())
		}
		require.NoError(t, c.Notify(target, handoff.Remove, handoff.Args{Words: [4]uint64{128}}))
		_, err := c.Wait()
		require.NoError(t, err)
		c.Terminate()
		wait()

		require.Len(t, target.calls, 101)
		for i, call := range target.calls[:100] {
			assert.Equal(t, handoff.Insert, call.tag)
			assert.Equal(t, uint64(i), call.args.Words[0])
			assert.Equal(t, []byte{byte(i)}, call.args.Payload)
		}
		assert.Equal(t, handoff.Remove, target.calls[100].tag)
		assert.Equal(t, uint64(128), target.calls[100].args.Words[0])
		// The persister never commits.
		assert.Empty(t, target.commits)
	})
}

func TestHandoffError(t *testing.T) {
	watchdog(t, func() {
		c := handoff.New()
		wait := serve(c)
		defer wait()
		defer c.Terminate()
		target := &fakeTarget{fail: true}
		require.NoError(t, c.Notify(target, handoff.Insert, handoff.Args{}))
		_, err := c.Wait()
		assert.True(t, errors.Is(errors.LogFull, err), "%v", err)

		// The channel remains usable after a failed operation.
		target.mu.Lock()
		target.fail = false
		target.mu.Unlock()
		require.NoError(t, c.Notify(target, handoff.Insert, handoff.Args{}))
		off, err := c.Wait()
		require.NoError(t, err)
		assert.Equal(t, uint64(64), off)
	})
}

func TestNested(t *testing.T) {
	for _, c := range []*handoff.Channel{handoff.New(), handoff.NewSync()} {
		watchdog(t, func() {
			wait := serve(c)
			target := new(fakeTarget)
			require.NoError(t, c.Notify(target, handoff.Insert, handoff.Args{}))
			err := c.Notify(target, handoff.Insert, handoff.Args{})
			assert.True(t, errors.Is(errors.NotSupported, err), "%v", err)
			_, err = c.Wait()
			require.NoError(t, err)
			c.Terminate()
			wait()
			assert.Len(t, target.calls, 1)
		})
	}
}

func TestSync(t *testing.T) {
	c := handoff.NewSync()
	require.True(t, c.Synchronous())
	target := new(fakeTarget)
	require.NoError(t, c.Notify(target, handoff.Insert, handoff.Args{Words: [4]uint64{7}}))
	// The operation has already run.
	require.Len(t, target.calls, 1)
	off, err := c.Wait()
	require.NoError(t, err)
	assert.Equal(t, uint64(64), off)
	c.Terminate()
	c.Serve()
}

func TestOffsetStack(t *testing.T) {
	c := handoff.NewSync()
	target := new(fakeTarget)
	assert.Equal(t, uint64(0), c.Offset())
	require.NoError(t, c.Notify(target, handoff.Insert, handoff.Args{}))
	assert.Equal(t, uint64(64), c.Offset())
	off, err := c.Wait()
	require.NoError(t, err)
	assert.Equal(t, uint64(64), off)
	assert.Equal(t, uint64(0), c.Offset())

	// A failed operation leaves no offset on the stack.
	target.fail = true
	require.NoError(t, c.Notify(target, handoff.Insert, handoff.Args{}))
	assert.Equal(t, uint64(0), c.Offset())
	off, err = c.Wait()
	assert.True(t, errors.Is(errors.LogFull, err), "%v", err)
	assert.Equal(t, uint64(0), off)

	watchdog(t, func() {
		c := handoff.New()
		wait := serve(c)
		target := new(fakeTarget)
		for i := 1; i <= 3; i++ {
			require.NoError(t, c.Notify(target, handoff.Insert, handoff.Args{}))
			off, err := c.Wait()
			require.NoError(t, err)
			assert.Equal(t, uint64(64*i), off)
			assert.Equal(t, uint64(0), c.Offset())
		}
		c.Terminate()
		wait()
	})
}

func TestRestartAfterTerminate(t *testing.T) {
	watchdog(t, func() {
		c := handoff.New()
		target := new(fakeTarget)
		for round := 0; round < 3; round++ {
			wait := serve(c)
			require.NoError(t, c.Notify(target, handoff.Insert, handoff.Args{}))
			_, err := c.Wait()
			require.NoError(t, err)
			c.Terminate()
			wait()
		}
		assert.Len(t, target.calls, 3)
	})
}

func TestMisuse(t *testing.T) {
	c := handoff.NewSync()
	assert.Panics(t, func() { c.Wait() })
	assert.Panics(t, func() { c.Notify(new(fakeTarget), handoff.Terminate, handoff.Args{}) })
	require.NoError(t, c.Notify(new(fakeTarget), handoff.Insert, handoff.Args{}))
	assert.Panics(t, func() { c.Terminate() })
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "insert", handoff.Insert.String())
	assert.Equal(t, "remove", handoff.Remove.String())
	assert.Equal(t, "terminate", handoff.Terminate.String())
	assert.Equal(t, "tag(7)", handoff.Tag(7).String())
}
