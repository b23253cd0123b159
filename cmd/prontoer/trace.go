// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/ordered"
	"github.com/rachit173/prontoer/worker"
	"golang.org/x/time/rate"
)

type opKind int

const (
	opGet opKind = iota
	opInsert
	opRemove
)

type op struct {
	kind  opKind
	key   uint64
	value []byte
}

// parseKey returns s as a decimal key, or the hash of s if it is not
// a number.
func parseKey(s string) uint64 {
	if k, err := strconv.ParseUint(s, 10, 64); err == nil {
		return k
	}
	return xxhash.Sum64String(s)
}

// parseTrace reads a worker trace. Each line is one of
//
//	i <key> [value]
//	r <key>
//	g <key>
//
// Blank lines and lines starting with '#' are ignored.
func parseTrace(r io.Reader) ([]op, error) {
	var (
		ops  []op
		scan = bufio.NewScanner(r)
		line = 0
	)
	for scan.Scan() {
		line++
		text := strings.TrimSpace(scan.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		fields := strings.SplitN(text, " ", 3)
		if len(fields) < 2 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("line %d: missing key: %q", line, text))
		}
		o := op{key: parseKey(fields[1])}
		switch fields[0] {
		case "i":
			o.kind = opInsert
			if len(fields) == 3 {
				o.value = []byte(fields[2])
			} else {
				o.value = []byte{}
			}
		case "r":
			o.kind = opRemove
		case "g":
			o.kind = opGet
		default:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("line %d: unknown operation %q", line, fields[0]))
		}
		if o.kind != opInsert && len(fields) == 3 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("line %d: unexpected value: %q", line, text))
		}
		ops = append(ops, o)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

func readTrace(path string) (ops []op, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E("trace", path, err)
	}
	defer errors.CleanUp(f.Close, &err)
	ops, err = parseTrace(f)
	if err != nil {
		return nil, errors.E("trace", path, err)
	}
	return ops, nil
}

// demoTrace exercises a single key through an insert, erase and
// reinsert.
func demoTrace() []op {
	return []op{
		{kind: opGet, key: 42},
		{kind: opInsert, key: 42, value: []byte("DATA1")},
		{kind: opGet, key: 42},
		{kind: opRemove, key: 42},
		{kind: opGet, key: 42},
		{kind: opInsert, key: 42, value: []byte("DATA2")},
		{kind: opGet, key: 42},
	}
}

// execute applies ops to m on worker w, reporting each result through
// report. The limiter paces mutations.
func execute(ctx context.Context, w *worker.Worker, m *ordered.Map, ops []op, limiter *rate.Limiter, report func(string)) error {
	for _, o := range ops {
		if o.kind != opGet {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		switch o.kind {
		case opInsert:
			if err := m.Insert(w, o.key, o.value); err != nil {
				return err
			}
			report(fmt.Sprintf("inserted %d", o.key))
		case opRemove:
			if err := m.Erase(w, o.key); err != nil {
				return err
			}
			report(fmt.Sprintf("removed %d", o.key))
		case opGet:
			if v, ok := m.Get(o.key); ok {
				report(fmt.Sprintf("got %d: %s", o.key, v))
			} else {
				report(fmt.Sprintf("key %d not found", o.key))
			}
		}
	}
	return nil
}
