// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command prontoer drives and inspects persistent ordered maps.
//
// The run subcommand opens a map and applies per-worker operation
// traces to it, each worker paired with a persister. The inspect
// subcommand prints the header and slots of a log file, and ls lists
// the logs in the configured directory.
//
// Log and runtime parameters are set through the prontoer/log and
// prontoer/runtime profile instances:
//
//	prontoer -set prontoer/log.dir=/mnt/pmem0 -set prontoer/runtime.pin=false run -workers 4
package main

import (
	"regexp"

	"github.com/rachit173/prontoer/cmdutil"
	"github.com/rachit173/prontoer/config"
	"v.io/x/lib/cmdline"
)

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "prontoer",
		Short:    "Drive and inspect persistent ordered maps",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdRun(),
			newCmdInspect(),
			newCmdLs(),
			cmdutil.CreateVersionCommand("version", "prontoer"),
		},
	}
}

func main() {
	config.RegisterFlags("", "")
	cmdline.HideGlobalFlagsExcept(regexp.MustCompile(`^(profile|set|profiledump|v|log_dir|logtostderr)$`))
	cmdline.Main(newCmdRoot())
}
