// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build !windows
// +build !windows

// Package flock implements a simple POSIX file-based advisory lock.
// A persistent object holds one beside its log file so that two
// processes never map the same log for writing.
package flock

import (
	"context"
	"sync"

	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/log"
	"golang.org/x/sys/unix"
)

// T is an advisory lock on a path.
type T struct {
	name string
	fd   int
	mu   sync.Mutex
}

// New creates an object that locks the given path. The file is
// created on first lock if it does not exist.
func New(path string) *T {
	return &T{name: path}
}

// Lock locks the file, blocking until the lock is acquired or ctx is
// done. Iff Lock() returns nil, the caller must call Unlock() later.
func (f *T) Lock(ctx context.Context) (err error) {
	reqCh := make(chan func() error, 2)
	doneCh := make(chan error, 2)
	go func() {
		var err error
		for req := range reqCh {
			if err == nil {
				err = req()
			}
			doneCh <- err
		}
	}()
	reqCh <- f.doLock
	select {
	case <-ctx.Done():
		reqCh <- f.doUnlock
		err = errors.E(ctx.Err(), "lock", f.name)
	case err = <-doneCh:
	}
	close(reqCh)
	return err
}

// TryLock attempts to lock the file without blocking. It returns an
// error of kind Precondition if another process holds the lock.
func (f *T) TryLock() error {
	f.mu.Lock()
	fd, err := unix.Open(f.name, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0666)
	if err != nil {
		f.mu.Unlock()
		return errors.E("open lock", f.name, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		f.mu.Unlock()
		if err == unix.EWOULDBLOCK {
			return errors.E(errors.Precondition, "log", f.name, "is locked by another process")
		}
		return errors.E("flock", f.name, err)
	}
	f.fd = fd
	return nil
}

// Unlock unlocks the file.
func (f *T) Unlock() error {
	return f.doUnlock()
}

func (f *T) doLock() error {
	f.mu.Lock() // Serialize the lock within one process.

	var err error
	f.fd, err = unix.Open(f.name, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0666)
	if err != nil {
		f.mu.Unlock()
		return errors.E("open lock", f.name, err)
	}
	err = unix.Flock(f.fd, unix.LOCK_EX|unix.LOCK_NB)
	for err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		log.Printf("waiting for lock %s", f.name)
		err = unix.Flock(f.fd, unix.LOCK_EX)
	}
	if err != nil {
		_ = unix.Close(f.fd)
		f.mu.Unlock()
		return errors.E("flock", f.name, err)
	}
	return nil
}

func (f *T) doUnlock() error {
	err := unix.Flock(f.fd, unix.LOCK_UN)
	if err := unix.Close(f.fd); err != nil {
		log.Error.Printf("close %s: %v", f.name, err)
	}
	f.mu.Unlock()
	return err
}
