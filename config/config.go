// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"reflect"
	"runtime"
	"sync"
)

var (
	globalsMu sync.Mutex
	globals   = make(map[string]func(*Constructor))
)

// Register registers a global instance and later invokes the
// provided function whenever a profile constructs it. Register
// panics if multiple instances are registered with the same name.
// Instances should be registered in package init functions, and the
// configure function must define Constructor.New. For example, the
// following registers an instance with a single parameter, n:
//
//	config.Register("prontoer/test", func(constr *config.Constructor) {
//		n := constr.Int("n", 32, "the number configured")
//		constr.New = func() (interface{}, error) {
//			return *n, nil
//		}
//		constr.Doc = "a customizable integer"
//	})
func Register(name string, configure func(*Constructor)) {
	globalsMu.Lock()
	defer globalsMu.Unlock()
	if globals[name] != nil {
		panic("config.Register: instance with name " + name + " has already been registered")
	}
	globals[name] = configure
}

// Constructor defines the parameters of a global instance and how
// its value is built from them.
type Constructor struct {
	// New instantiates the value provided by this instance, after
	// the registered parameters have been populated.
	New func() (interface{}, error)

	// Doc is a string describing the instance.
	Doc string

	params map[string]*param
}

func newConstructor() *Constructor {
	return &Constructor{params: make(map[string]*param)}
}

// Int registers an integer parameter with a default value. The returned
// pointer points to its value.
func (c *Constructor) Int(name string, value int, help string) *int {
	p := new(int)
	c.IntVar(p, name, value, help)
	return p
}

// IntVar registers an integer parameter with a default value. The parameter's
// value is written to the location pointed to by ptr.
func (c *Constructor) IntVar(ptr *int, name string, value int, help string) {
	*ptr = value
	c.define(name, help).ptr = reflect.ValueOf(ptr)
}

// String registers a string parameter with a default value. The returned pointer
// points to its value.
func (c *Constructor) String(name string, value string, help string) *string {
	p := new(string)
	c.StringVar(p, name, value, help)
	return p
}

// StringVar registers a string parameter with a default value. The parameter's
// value is written to the location pointed to by ptr.
func (c *Constructor) StringVar(ptr *string, name string, value string, help string) {
	*ptr = value
	c.define(name, help).ptr = reflect.ValueOf(ptr)
}

// Bool registers a boolean parameter with a default value. The returned pointer
// points to its value.
func (c *Constructor) Bool(name string, value bool, help string) *bool {
	p := new(bool)
	c.BoolVar(p, name, value, help)
	return p
}

// BoolVar registers a boolean parameter with a default value. The parameter's
// value is written to the location pointed to by ptr.
func (c *Constructor) BoolVar(ptr *bool, name string, value bool, help string) {
	*ptr = value
	c.define(name, help).ptr = reflect.ValueOf(ptr)
}

func (c *Constructor) define(name string, help string) *param {
	if c.params[name] != nil {
		panic("config: parameter " + name + " already defined")
	}
	p := &param{help: help}
	_, p.file, p.line, _ = runtime.Caller(2)
	c.params[name] = p
	return p
}

// A param is a typed parameter. ptr is a pointer to an int, string
// or bool.
type param struct {
	help string
	file string
	line int
	ptr  reflect.Value
}

// Interface returns the current value of the parameter.
func (p *param) Interface() interface{} {
	return p.ptr.Elem().Interface()
}

func (p *param) set(v interface{}) bool {
	val := reflect.ValueOf(v)
	if val.Type() != p.ptr.Elem().Type() {
		return false
	}
	p.ptr.Elem().Set(val)
	return true
}
