// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/rachit173/prontoer/cmdutil"
	"github.com/rachit173/prontoer/config"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/flock"
	"github.com/rachit173/prontoer/object"
	"github.com/rachit173/prontoer/ordered"
	"github.com/rachit173/prontoer/pmem"
	"v.io/x/lib/cmdline"
)

const logSuffix = ".log"

var (
	slotSizeFlag int
	slotsFlag    bool
	waitFlag     time.Duration
	patternFlag  string
)

func newCmdInspect() *cmdline.Command {
	cmd := &cmdline.Command{
		Runner:   cmdutil.RunnerFunc(runInspect),
		Name:     "inspect",
		Short:    "Print the header and slots of a log",
		ArgsName: "<path>",
		Long: `
Inspect opens a log read-only and prints its header and a summary of
its slots. It first takes the log's lock, waiting up to -wait for a
process using the log to release it. Slots are walked with the slot
size recorded for the log; logs without a record use the map slot
size for the configured prontoer/log value size. -slot-size overrides
both.
`,
	}
	cmd.Flags.IntVar(&slotSizeFlag, "slot-size", 0, "slot size in bytes")
	cmd.Flags.BoolVar(&slotsFlag, "slots", false, "print every slot")
	cmd.Flags.DurationVar(&waitFlag, "wait", 10*time.Second, "how long to wait for the log's lock")
	return cmd
}

func newCmdLs() *cmdline.Command {
	cmd := &cmdline.Command{
		Runner: cmdutil.RunnerFunc(runLs),
		Name:   "ls",
		Short:  "List the logs in the configured directory",
	}
	cmd.Flags.StringVar(&patternFlag, "pattern", "*", "glob matched against object ids; see https://github.com/gobwas/glob")
	return cmd
}

// parseLogPath returns the directory and object id of the log file at
// path.
func parseLogPath(path string) (string, uuid.UUID, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, logSuffix) {
		return "", uuid.Nil, errors.E(errors.Invalid, path, "not a log file")
	}
	id, err := uuid.Parse(strings.TrimSuffix(base, logSuffix))
	if err != nil {
		return "", uuid.Nil, errors.E(errors.Invalid, path, "not a log file", err)
	}
	return filepath.Dir(path), id, nil
}

func runInspect(env *cmdline.Env, args []string) error {
	if len(args) != 1 {
		return env.UsageErrorf("inspect: expected one log path")
	}
	if err := config.ProcessFlags(); err != nil {
		return err
	}
	dir, id, err := parseLogPath(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFlag)
	defer cancel()
	return inspectPath(ctx, env.Stdout, dir, id, uint64(slotSizeFlag), slotsFlag)
}

// inspectPath inspects the log of object id in dir while holding its
// lock. A zero slotSize selects the recorded or configured slot size.
func inspectPath(ctx context.Context, w io.Writer, dir string, id uuid.UUID, slotSize uint64, all bool) (err error) {
	lock := flock.New(object.LockPath(dir, id))
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer errors.CleanUp(lock.Unlock, &err)
	if slotSize == 0 {
		recorded, ok, err := object.RecordedSlotSize(dir, id)
		if err != nil {
			return err
		}
		if ok {
			slotSize = recorded
		} else {
			opts, err := ordered.DefaultOptions()
			if err != nil {
				return err
			}
			slotSize = ordered.MapSlotSize(opts.ValueSize)
		}
	}
	l, err := pmem.Open(dir, id, pmem.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer errors.CleanUp(l.Close, &err)
	return inspect(w, l, slotSize, all)
}

func inspect(w io.Writer, l *pmem.Log, slotSize uint64, all bool) error {
	if slotSize < pmem.SlotHeaderSize || slotSize%pmem.CacheLine != 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("bad slot size %d", slotSize))
	}
	h := l.Header()
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", h.ID)
	fmt.Fprintf(tw, "capacity\t%d\n", h.Capacity)
	fmt.Fprintf(tw, "head\t%d\n", h.Head)
	fmt.Fprintf(tw, "tail\t%d\n", h.Tail)
	fmt.Fprintf(tw, "last commit\t%d\n", h.LastCommit)
	if (h.Tail-h.Head)%slotSize != 0 {
		fmt.Fprintf(tw, "warning\tlog size %d is not a multiple of slot size %d\n", h.Tail-h.Head, slotSize)
	}
	var live, uncommitted, free int
	l.Slots(slotSize, func(s pmem.Slot) bool {
		state := "free"
		switch {
		case s.Committed():
			live++
			state = "live"
		case s.Valid():
			uncommitted++
			state = "uncommitted"
		default:
			free++
		}
		if all {
			fmt.Fprintf(tw, "slot %d\t%s\tcommit %d\tkey %d\n", s.Offset(), state, s.CommitID(), s.Word(0))
		}
		return true
	})
	fmt.Fprintf(tw, "slots\t%d live, %d uncommitted, %d free\n", live, uncommitted, free)
	return tw.Flush()
}

func runLs(env *cmdline.Env, args []string) error {
	if len(args) != 0 {
		return env.UsageErrorf("ls: unexpected arguments")
	}
	if err := config.ProcessFlags(); err != nil {
		return err
	}
	opts, err := ordered.DefaultOptions()
	if err != nil {
		return err
	}
	return ls(env.Stdout, opts.Dir, patternFlag)
}

func ls(w io.Writer, dir, pattern string) error {
	m, err := glob.Compile(pattern)
	if err != nil {
		return errors.E(errors.Invalid, "bad pattern", pattern, err)
	}
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		return errors.E("ls", dir, err)
	}
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		_, id, err := parseLogPath(info.Name())
		if err != nil || !m.Match(id.String()) {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", id, info.Size(), info.ModTime().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
