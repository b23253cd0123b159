// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rachit173/prontoer/errors"
)

type listFlag struct {
	defaultValue string
	values       *[]string
	needEqual    bool
}

func (l *listFlag) String() string { return l.defaultValue }

func (l *listFlag) Set(value string) error {
	if l.needEqual && !strings.Contains(value, "=") {
		return fmt.Errorf("invalid flag value %s: missing '='", value)
	}
	*l.values = append(*l.values, value)
	return nil
}

// RegisterFlags registers a set of flags on the provided FlagSet.
// These flags configure the profile when ProcessFlags is called
// (after flag parsing). The flags are:
//
//	-profile path
//		Parses and loads the profile at the given path. This flag may be
//		repeated, loading each profile in turn. If no -profile flags are
//		specified, then the provided default path is loaded instead, if
//		it exists.
//
//	-set key=value
//		Sets the value of the named parameter. See Profile.Set for
//		details. This flag may be repeated.
//
//	-profiledump
//		Writes the profile (after processing the above flags) to standard
//		error and exits.
//
// The flag names are prefixed with the provided prefix.
func (p *Profile) RegisterFlags(fs *flag.FlagSet, prefix string, defaultProfilePath string) {
	p.flagDefaultPath = defaultProfilePath
	fs.Var(&listFlag{p.flagDefaultPath, &p.flagPaths, false}, prefix+"profile", "load the profile at the provided path; may be repeated")
	fs.Var(&listFlag{"", &p.flagParams, true}, prefix+"set", "set a profile parameter; may be repeated")
	fs.BoolVar(&p.flagDump, prefix+"profiledump", false, "dump the profile to stderr and exit")
}

// ProcessFlags processes the flags as registered by RegisterFlags,
// and is documented by that method.
func (p *Profile) ProcessFlags() error {
	paths := p.flagPaths
	if len(paths) == 0 && p.flagDefaultPath != "" {
		if _, err := os.Stat(p.flagDefaultPath); err == nil {
			paths = []string{p.flagDefaultPath}
		}
	}
	for _, path := range paths {
		if err := p.parseFile(path); err != nil {
			return err
		}
	}
	for _, param := range p.flagParams {
		elems := strings.SplitN(param, "=", 2)
		if err := p.Set(elems[0], elems[1]); err != nil {
			return err
		}
	}
	if p.flagDump {
		_ = p.PrintTo(os.Stderr)
		os.Exit(1)
	}
	return nil
}

func (p *Profile) parseFile(path string) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return errors.E("profile", path, err)
	}
	defer errors.CleanUp(f.Close, &err)
	return p.Parse(f)
}

// RegisterFlags registers the default profile on flag.CommandLine
// with the provided prefix. See Profile.RegisterFlags for details.
func RegisterFlags(prefix string, defaultProfilePath string) {
	Application().RegisterFlags(flag.CommandLine, prefix, defaultProfilePath)
}

// ProcessFlags processes the flags as registered by RegisterFlags.
func ProcessFlags() error {
	return Application().ProcessFlags()
}
