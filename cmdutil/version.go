// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cmdutil

import (
	"fmt"
	"runtime"

	"v.io/x/lib/cmdline"
)

var (
	version = "(missing)"
	tags    = ""
)

// Version returns the version string of the binary:
//
//	<prefix>/<version> (<tag1>; <tag2>; ...)
//
// The version and tags are set at build time using something like:
//
//	go build -ldflags \
//	 "-X github.com/rachit173/prontoer/cmdutil.version=$version \
//	  -X github.com/rachit173/prontoer/cmdutil.tags=$tags"
func Version(prefix string) string {
	t := fmt.Sprintf("os=%s; arch=%s; %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
	if tags != "" {
		t = tags + "; " + t
	}
	return fmt.Sprintf("%s/%v (%v)", prefix, version, t)
}

// CreateVersionCommand creates a subcommand that prints the binary's
// version.
func CreateVersionCommand(name, prefix string) *cmdline.Command {
	return &cmdline.Command{
		Runner: RunnerFunc(func(env *cmdline.Env, _ []string) error {
			_, err := fmt.Fprintln(env.Stdout, Version(prefix))
			return err
		}),
		Name:  name,
		Short: "Display version information",
	}
}
