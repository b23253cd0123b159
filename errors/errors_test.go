// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors_test

import (
	"context"
	goerrors "errors"
	"os"
	"testing"

	"github.com/rachit173/prontoer/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	_, err := os.Open("/dev/notexist")
	e1 := errors.E(errors.NotExist, "opening log", err)
	if got, want := e1.Error(), "opening log: resource does not exist: open /dev/notexist: no such file or directory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	e2 := errors.E(err)
	if got, want := e2.Error(), "resource does not exist: open /dev/notexist: no such file or directory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	for _, e := range []error{e1, e2} {
		if !errors.Is(errors.NotExist, e) {
			t.Errorf("error %v should be NotExist", e)
		}
	}
}

func TestErrorChaining(t *testing.T) {
	err := errors.E(errors.LogFull, errors.Fatal, "reserve 64 bytes")
	err = errors.E("insert key 42", err)
	if got, want := err.Error(), "insert key 42: log is full (fatal):\n\treserve 64 bytes"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !errors.Is(errors.LogFull, err) {
		t.Errorf("error %v should be LogFull", err)
	}
	if !errors.IsFatal(err) {
		t.Errorf("error %v should be fatal", err)
	}
}

func TestClassify(t *testing.T) {
	for _, c := range []struct {
		err  error
		kind errors.Kind
	}{
		{errors.E(os.ErrExist), errors.Exists},
		{errors.E(os.ErrNotExist), errors.NotExist},
		{errors.E(context.Canceled), errors.Canceled},
		{errors.E(context.DeadlineExceeded), errors.Timeout},
		{errors.E("plain"), errors.Other},
	} {
		if got, want := errors.Recover(c.err).Kind, c.kind; got != want {
			t.Errorf("%v: got %v, want %v", c.err, got, want)
		}
	}
}

func TestStdlibUnwrap(t *testing.T) {
	cause := goerrors.New("cause")
	err := errors.E(errors.Integrity, "bad header", cause)
	assert.True(t, goerrors.Is(err, cause))
	assert.False(t, errors.IsFatal(err))
}

func TestMatch(t *testing.T) {
	err := errors.E(errors.UnknownTag, errors.Fatal, "replay tag 7")
	assert.True(t, errors.Match(errors.E(errors.UnknownTag), err))
	assert.False(t, errors.Match(errors.E(errors.LogFull), err))
	assert.True(t, errors.Match(errors.E(errors.Fatal), err))
}

func TestOnce(t *testing.T) {
	var e errors.Once
	require.NoError(t, e.Err())
	e.Set(nil)
	require.NoError(t, e.Err())
	e.Set(errors.New("first"))
	e.Set(errors.New("second"))
	require.EqualError(t, e.Err(), "first")
}

func TestCleanUp(t *testing.T) {
	closeErr := errors.New("close failed")
	got := func() (err error) {
		defer errors.CleanUp(func() error { return closeErr }, &err)
		return nil
	}()
	assert.Equal(t, closeErr, got)

	got = func() (err error) {
		defer errors.CleanUp(func() error { return closeErr }, &err)
		return errors.E(errors.Invalid, "bad capacity")
	}()
	assert.True(t, errors.Is(errors.Invalid, got))
	assert.Contains(t, got.Error(), "close failed")

	got = func() (err error) {
		defer errors.CleanUp(func() error { return nil }, &err)
		return nil
	}()
	assert.NoError(t, got)
}
