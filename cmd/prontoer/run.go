// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rachit173/prontoer/cmdutil"
	"github.com/rachit173/prontoer/config"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/log"
	"github.com/rachit173/prontoer/ordered"
	"github.com/rachit173/prontoer/worker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"v.io/x/lib/cmdline"
)

// defaultName names the map used when no -id is given.
const defaultName = "persistent_map"

var (
	workersFlag int
	opsFlag     string
	rateFlag    float64
	idFlag      string
)

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Runner: cmdutil.RunnerFunc(runRun),
		Name:   "run",
		Short:  "Apply operation traces to a persistent map",
		Long: `
Run opens (or creates and recovers) a persistent map and applies one
operation trace per worker to it. Worker i reads its trace from the
file <ops><i>; without -ops, every worker runs a built-in workload on
key 42. Trace lines are "i key [value]", "r key" or "g key"; keys that
are not decimal numbers are hashed.
`,
	}
	cmd.Flags.IntVar(&workersFlag, "workers", 2, "number of workers")
	cmd.Flags.StringVar(&opsFlag, "ops", "", "prefix of the per-worker trace files")
	cmd.Flags.Float64Var(&rateFlag, "rate", 0, "maximum mutations per second across workers; 0 is unlimited")
	cmd.Flags.StringVar(&idFlag, "id", "", "id of the map; defaults to an id derived from "+defaultName)
	return cmd
}

func mapID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(defaultName)), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.E(errors.Invalid, "bad map id", s, err)
	}
	return id, nil
}

func runRun(env *cmdline.Env, args []string) error {
	if len(args) != 0 {
		return env.UsageErrorf("run: unexpected arguments")
	}
	if workersFlag < 1 {
		return env.UsageErrorf("run: -workers must be positive")
	}
	if err := config.ProcessFlags(); err != nil {
		return err
	}
	id, err := mapID(idFlag)
	if err != nil {
		return err
	}
	traces := make([][]op, workersFlag)
	for i := range traces {
		if opsFlag == "" {
			traces[i] = demoTrace()
			continue
		}
		if traces[i], err = readTrace(fmt.Sprint(opsFlag, i)); err != nil {
			return err
		}
	}

	opts, err := ordered.DefaultOptions()
	if err != nil {
		return err
	}
	var rt *worker.Runtime
	if err := config.Instance("prontoer/runtime", &rt); err != nil {
		return err
	}
	start := time.Now()
	m, err := ordered.OpenMap(opts, id, opts.ValueSize)
	if err != nil {
		return err
	}
	cmdutil.RegisterShutdown(m.Close)
	log.Printf("map %s: opened with %d keys in %s (%s)", id, m.Len(), time.Since(start), m.Object().Stats())

	limit := rate.Inf
	if rateFlag > 0 {
		limit = rate.Limit(rateFlag)
	}
	var (
		limiter = rate.NewLimiter(limit, 1)
		mu      sync.Mutex
	)
	g, ctx := errgroup.WithContext(context.Background())
	start = time.Now()
	for i, trace := range traces {
		i, trace := i, trace
		g.Go(func() error {
			return rt.Run(func(w *worker.Worker) error {
				return execute(ctx, w, m, trace, limiter, func(s string) {
					mu.Lock()
					fmt.Fprintf(env.Stdout, "worker %d: %s\n", i, s)
					mu.Unlock()
				})
			})
		})
	}
	err = g.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := rt.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	log.Printf("map %s: %d workers done in %s; %d keys", id, len(traces), time.Since(start), m.Len())
	return nil
}
