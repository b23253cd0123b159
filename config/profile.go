// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config configures the persistent objects and runtimes of a
// prontoer binary. A configuration managed by package config is
// called a profile. Packages declare named, global instances through
// Register; a profile assigns values to their parameters and
// constructs the configured values on demand.
//
// # Profile syntax
//
// A profile contains a set of clauses. Clauses are interpreted in
// order, top-to-bottom, and later clauses override earlier ones, so a
// user profile may be loaded on top of a base profile. A parameter
// is set by the directive param:
//
//	param prontoer/log capacity = 67108864
//
// Parameters for the same instance may be grouped:
//
//	param prontoer/log (
//		dir = "/mnt/pmem0/prontoer"
//		sync = "none"
//	)
//
// Values are integers, strings and booleans. The instance directive
// derives a new instance from an existing one, inheriting the
// parameters it does not override:
//
//	instance prontoer/fastlog prontoer/log (
//		sync = "none"
//	)
//
// # Customization through flags
//
// Profile parameters may be adjusted with -set flags naming the
// dot-separated path to the parameter:
//
//	$ prontoer -set prontoer/log.dir=/mnt/pmem0 -set prontoer/runtime.pin=false run
package config

import (
	"fmt"
	"io"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/log"
)

// Profile stores a set of parameters and configures instances based
// on these. Each Profile maintains its own set of instances. Most
// users should use the package-level functions that operate on the
// default profile.
type Profile struct {
	// The following are used by the flag registration and
	// handling mechanism.
	flagDefaultPath string
	flagPaths       []string
	flagParams      []string
	flagDump        bool

	globals map[string]func(*Constructor)

	mu      sync.Mutex
	clauses map[string]*clause
	cached  map[string]interface{}
}

// New creates and returns a new profile, installing all currently
// registered global instances with their default parameter values.
// Instances registered after a call to New are not reflected in the
// returned profile.
func New() *Profile {
	p := &Profile{
		globals: make(map[string]func(*Constructor)),
		clauses: make(map[string]*clause),
		cached:  make(map[string]interface{}),
	}
	globalsMu.Lock()
	for name, configure := range globals {
		p.globals[name] = configure
	}
	globalsMu.Unlock()
	for name, configure := range p.globals {
		constr := newConstructor()
		configure(constr)
		c := &clause{name: name, params: make(map[string]interface{})}
		for pname, param := range constr.params {
			c.params[pname] = param.Interface()
		}
		p.clauses[name] = c
	}
	return p
}

// Set sets the value of the parameter at the provided path to the
// provided value, which is interpreted according to the type of the
// parameter. The path is an instance name and a parameter name
// separated by a dot. A path without a dot derives the named instance
// from the instance given by value.
func (p *Profile) Set(path string, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		p.clauses[path] = &clause{name: path, parent: value, params: make(map[string]interface{})}
		return nil
	}
	name, key := path[:i], path[i+1:]
	c := p.clauses[name]
	if c == nil {
		return errors.E(errors.NotExist, path, "instance not found")
	}
	cur, ok := p.lookupLocked(name, key)
	if !ok {
		return errors.E(errors.NotExist, path, "no such parameter")
	}
	switch cur.(type) {
	case string:
		c.params[key] = value
	case bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("param %s is a bool, but could not parse %s into bool", path, value), err)
		}
		c.params[key] = v
	case int:
		v, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("param %s is an int, but could not parse %s into int", path, value), err)
		}
		c.params[key] = int(v)
	default:
		panic(fmt.Sprintf("%T", cur))
	}
	p.cached = make(map[string]interface{})
	return nil
}

// Get returns the value of the configured parameter at the provided
// dot-separated path, formatted in profile syntax.
func (p *Profile) Get(path string) (value string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "", false
	}
	v, ok := p.lookupLocked(path[:i], path[i+1:])
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%#v", v), true
}

func (p *Profile) lookupLocked(name, key string) (interface{}, bool) {
	// Bound the walk in case of a derivation cycle.
	c := p.clauses[name]
	for hops := 0; c != nil && hops <= len(p.clauses); hops++ {
		if v, ok := c.params[key]; ok {
			return v, true
		}
		if c.parent == "" {
			break
		}
		c = p.clauses[c.parent]
	}
	return nil, false
}

// Parse parses a profile from the provided reader into p. On
// success, the clauses in r are merged into p, overriding existing
// values.
func (p *Profile) Parse(r io.Reader) error {
	clauses, err := parse(r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, c := range clauses {
		if prev := p.clauses[name]; prev != nil {
			prev.merge(c)
		} else {
			p.clauses[name] = c
		}
	}
	p.cached = make(map[string]interface{})
	return nil
}

// Instance retrieves the named instance from this profile into the
// pointer ptr. Its parameters are resolved through any chain of
// derived instances and the underlying global is constructed with
// them. Instance panics if ptr is not a pointer. If the instance's
// type is not assignable to *ptr, an error including the caller's
// source location is returned. Instances are cached and are only
// constructed the first time they are requested.
func (p *Profile) Instance(name string, ptr interface{}) error {
	ptrv := reflect.ValueOf(ptr)
	if ptrv.Kind() != reflect.Ptr {
		panic("config.Instance: not a pointer")
	}
	_, file, line, _ := runtime.Caller(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.cached[name]
	if !ok {
		var err error
		if v, err = p.constructLocked(name); err != nil {
			return err
		}
		p.cached[name] = v
	}
	val := reflect.ValueOf(v)
	if !val.Type().AssignableTo(ptrv.Elem().Type()) {
		return errors.E(errors.Invalid, fmt.Sprintf("%s:%d: %s: instance type %s not assignable to provided type %s",
			file, line, name, val.Type(), ptrv.Type()))
	}
	ptrv.Elem().Set(val)
	return nil
}

func (p *Profile) constructLocked(name string) (interface{}, error) {
	c := p.clauses[name]
	if c == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("no instance named %q", name))
	}
	resolved := make(map[string]interface{})
	seen := map[string]bool{}
	for {
		if seen[c.name] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("instance %q: derivation cycle", name))
		}
		seen[c.name] = true
		for k, v := range c.params {
			if _, ok := resolved[k]; !ok {
				resolved[k] = v
			}
		}
		if c.parent == "" {
			break
		}
		parent := p.clauses[c.parent]
		if parent == nil {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("no such instance: %q", c.parent))
		}
		c = parent
	}
	configure := p.globals[c.name]
	if configure == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("missing global instance: %q", c.name))
	}
	constr := newConstructor()
	configure(constr)
	for pname, val := range resolved {
		param := constr.params[pname]
		if param == nil {
			log.Debug.Printf("config: %s: ignoring unknown parameter %s", name, pname)
			continue
		}
		if !param.set(val) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s.%s: wrong parameter type: expected %s, got %T",
				name, pname, param.ptr.Elem().Type(), val))
		}
	}
	return constr.New()
}

// PrintTo writes the profile to w in profile syntax.
func (p *Profile) PrintTo(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.clauses))
	for name := range p.clauses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := p.clauses[name]
		if len(c.params) == 0 && c.parent == "" {
			continue
		}
		var docs map[string]string
		if configure := p.globals[name]; configure != nil {
			constr := newConstructor()
			configure(constr)
			docs = make(map[string]string)
			for pname, param := range constr.params {
				docs[pname] = param.help
			}
		}
		if _, err := fmt.Fprintln(w, c.String(docs)); err != nil {
			return err
		}
	}
	return nil
}

var (
	defaultInit     sync.Once
	defaultInstance *Profile
)

// Application returns the default application profile. It is
// created on first use, so it should not be called during package
// initialization.
func Application() *Profile {
	defaultInit.Do(func() {
		defaultInstance = New()
	})
	return defaultInstance
}

// Parse parses the profile in reader r into the default
// profile. See Profile.Parse for more details.
func Parse(r io.Reader) error {
	return Application().Parse(r)
}

// Instance retrieves the instance with the provided name into the
// provided pointer from the default profile. See Profile.Instance for
// more details.
func Instance(name string, ptr interface{}) error {
	return Application().Instance(name, ptr)
}

// Set sets the value of the parameter named by the provided path on
// the default profile. See Profile.Set for more details.
func Set(path, value string) error {
	return Application().Set(path, value)
}

// Get retrieves the value of the parameter named by the provided path
// on the default profile.
func Get(path string) (value string, ok bool) {
	return Application().Get(path)
}
