// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package object

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/pmem"
)

const geometryFormat = "slot-size %d\n"

// LockPath returns the path of the lock file guarding the log of
// object id in dir.
func LockPath(dir string, id uuid.UUID) string {
	return pmem.Path(dir, id) + ".lock"
}

// RecordedSlotSize returns the slot size recorded for the log of
// object id in dir. It returns false if no slot size is recorded.
func RecordedSlotSize(dir string, id uuid.UUID) (uint64, bool, error) {
	return readSlotSize(LockPath(dir, id))
}

func readSlotSize(path string) (uint64, bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.E("read lock file", path, err)
	}
	line := strings.TrimSpace(string(b))
	if line == "" {
		return 0, false, nil
	}
	var size uint64
	if _, err := fmt.Sscanf(line, strings.TrimSpace(geometryFormat), &size); err != nil {
		return 0, false, errors.E(errors.Integrity, errors.Fatal, fmt.Sprintf("lock file %s: bad slot size record %q", path, line), err)
	}
	return size, true, nil
}

func writeSlotSize(path string, size uint64) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return errors.E("write lock file", path, err)
	}
	defer errors.CleanUp(f.Close, &err)
	if _, err = fmt.Fprintf(f, geometryFormat, size); err != nil {
		return errors.E("write lock file", path, err)
	}
	if err = f.Sync(); err != nil {
		return errors.E("sync lock file", path, err)
	}
	return nil
}

// checkGeometry verifies that the log was written with the object's
// slot size, and records the slot size if none is recorded yet. Logs
// without a record must still hold a whole number of slots.
func (o *Object) checkGeometry(lockPath string) error {
	recorded, ok, err := readSlotSize(lockPath)
	if err != nil {
		return err
	}
	if ok && recorded != o.slotSize {
		return errors.E(errors.Integrity, errors.Fatal,
			fmt.Sprintf("object %s: log was written with %d-byte slots, opened with %d-byte slots", o.id, recorded, o.slotSize))
	}
	if used := o.log.Tail() - o.log.Head(); used%o.slotSize != 0 {
		return errors.E(errors.Integrity, errors.Fatal,
			fmt.Sprintf("object %s: %d bytes of slots is not a multiple of the slot size %d", o.id, used, o.slotSize))
	}
	if ok {
		return nil
	}
	return writeSlotSize(lockPath, o.slotSize)
}
