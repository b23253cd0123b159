// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package ordered

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rachit173/prontoer/config"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/object"
	"github.com/rachit173/prontoer/pmem"
)

const (
	defaultCapacity  = 64 << 20
	defaultValueSize = 100
)

func init() {
	config.Register("prontoer/log", func(constr *config.Constructor) {
		dir := constr.String("dir", filepath.Join(os.TempDir(), "prontoer"), "directory holding object logs")
		capacity := constr.Int("capacity", defaultCapacity, "size of newly created logs, in bytes")
		sync := constr.String("sync", pmem.SyncMsync.String(), `log flush strategy: "msync" or "none"`)
		valueSize := constr.Int("value-size", defaultValueSize, "maximum value size of maps, in bytes")
		constr.Doc = "persistent object logs"
		constr.New = func() (interface{}, error) {
			mode, err := pmem.ParseSyncMode(*sync)
			if err != nil {
				return nil, err
			}
			if *capacity <= 0 || *valueSize < 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("prontoer/log: bad capacity %d or value size %d", *capacity, *valueSize))
			}
			return Options{
				Dir:       *dir,
				Capacity:  uint64(*capacity),
				Sync:      mode,
				ValueSize: *valueSize,
			}, nil
		}
	})
}

// Options configures the logs of persistent containers.
type Options struct {
	// Dir is the directory holding the logs.
	Dir string
	// Capacity is the size of a newly created log, in bytes. It must
	// be a multiple of 64.
	Capacity uint64
	// Sync is the flush strategy of the logs.
	Sync pmem.SyncMode
	// ValueSize is the maximum value size of maps opened with
	// the options by the prontoer command.
	ValueSize int
}

// DefaultOptions returns the options configured in the application
// profile's prontoer/log instance.
func DefaultOptions() (Options, error) {
	var opts Options
	err := config.Instance("prontoer/log", &opts)
	return opts, err
}

func (o Options) object() object.Options {
	return object.Options{Dir: o.Dir, Capacity: o.Capacity, Sync: o.Sync}
}
