// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package cmdutil provides the common setup of prontoer command line
// tools: vlog-backed logging, an optional gops diagnostics agent and
// shutdown callbacks that release persistent objects before exit.
package cmdutil

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/gops/agent"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/log"
	"v.io/x/lib/cmdline"
	"v.io/x/lib/vlog"
)

var (
	runnerOnce sync.Once

	shutdownMu sync.Mutex
	shutdowns  []func() error
)

// RunnerFunc is an adapter that turns regular functions into
// cmdline.Runners.
type RunnerFunc func(*cmdline.Env, []string) error

// Run implements cmdline.Runner. On first use it configures vlog
// from its flags and routes package log through it, and starts the
// gops agent if the GOPS environment variable is set. After f returns
// it runs the registered shutdown callbacks and flushes the log.
func (f RunnerFunc) Run(env *cmdline.Env, args []string) error {
	runnerOnce.Do(func() {
		vlog.ConfigureLibraryLoggerFromFlags()
		log.SetOutputter(VlogOutputter{})
		if _, ok := os.LookupEnv("GOPS"); ok {
			if err := agent.Listen(agent.Options{}); err != nil {
				log.Error.Printf("gops agent: %v", err)
			}
		}
	})
	err := f(env, args)
	if serr := RunShutdown(); err == nil {
		err = serr
	}
	vlog.FlushLog()
	return err
}

// RegisterShutdown registers a function to run when the current
// command finishes, such as closing a persistent object. Callbacks run
// in the reverse order of registration.
func RegisterShutdown(fn func() error) {
	shutdownMu.Lock()
	shutdowns = append(shutdowns, fn)
	shutdownMu.Unlock()
}

// RunShutdown runs the registered shutdown callbacks and returns the
// first error among them.
func RunShutdown() error {
	shutdownMu.Lock()
	fns := shutdowns
	shutdowns = nil
	shutdownMu.Unlock()
	var once errors.Once
	for i := len(fns) - 1; i >= 0; i-- {
		once.Set(fns[i]())
	}
	return once.Err()
}

// Fatalf prints the message to stderr, without prefix or timestamp,
// flushes the log and exits.
func Fatalf(format string, args ...interface{}) {
	m := fmt.Sprintf(format, args...)
	fmt.Fprint(os.Stderr, strings.TrimSuffix(m, "\n")+"\n")
	_ = RunShutdown()
	vlog.FlushLog()
	os.Exit(1)
}

// VlogOutputter is a log.Outputter backed by vlog.
type VlogOutputter struct{}

// Level implements log.Outputter.
func (VlogOutputter) Level() log.Level {
	if vlog.V(1) {
		return log.Debug
	}
	return log.Info
}

// Output implements log.Outputter. A vlog depth of 0 names the
// caller of the vlog function, so calldepth is passed unchanged.
func (VlogOutputter) Output(calldepth int, level log.Level, s string) error {
	switch level {
	case log.Off:
	case log.Error:
		vlog.ErrorDepth(calldepth, s)
	case log.Info:
		vlog.InfoDepth(calldepth, s)
	default:
		vlog.VI(vlog.Level(level)).InfoDepth(calldepth, s)
	}
	return nil
}
