// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cmdutil_test

import (
	"bytes"
	"runtime"
	"strings"
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/rachit173/prontoer/cmdutil"
	"github.com/rachit173/prontoer/errors"
	"github.com/stretchr/testify/require"
	"v.io/x/lib/cmdline"
)

func TestShutdownOrder(t *testing.T) {
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		cmdutil.RegisterShutdown(func() error {
			order = append(order, i)
			if i == 1 {
				return errors.E(errors.Integrity, "close failed")
			}
			return nil
		})
	}
	err := cmdutil.RunShutdown()
	expect.True(t, errors.Is(errors.Integrity, err))
	expect.EQ(t, order, []int{2, 1, 0})
	// Callbacks run once.
	expect.NoError(t, cmdutil.RunShutdown())
}

func TestRunner(t *testing.T) {
	closed := false
	cmd := &cmdline.Command{
		Name:  "test",
		Short: "test command",
		Runner: cmdutil.RunnerFunc(func(env *cmdline.Env, args []string) error {
			cmdutil.RegisterShutdown(func() error {
				closed = true
				return nil
			})
			return nil
		}),
	}
	var stdout, stderr bytes.Buffer
	env := &cmdline.Env{Stdout: &stdout, Stderr: &stderr}
	require.NoError(t, cmdline.ParseAndRun(cmd, env, nil))
	expect.True(t, closed)
}

func TestVersion(t *testing.T) {
	v := cmdutil.Version("prontoer")
	expect.True(t, strings.HasPrefix(v, "prontoer/(missing) ("))
	expect.HasSubstr(t, v, runtime.Version())

	var stdout bytes.Buffer
	env := &cmdline.Env{Stdout: &stdout, Stderr: new(bytes.Buffer)}
	require.NoError(t, cmdline.ParseAndRun(cmdutil.CreateVersionCommand("version", "prontoer"), env, nil))
	expect.EQ(t, strings.TrimSpace(stdout.String()), v)
}
