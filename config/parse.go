// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/scanner"
	"unicode"

	"github.com/rachit173/prontoer/errors"
)

// A clause stores the parsed configuration of one instance.
type clause struct {
	// name is the global name of the instance.
	name string
	// parent is the instance from which this one is derived, if any.
	parent string
	// params holds values of type int, string or bool.
	params map[string]interface{}
}

func (c *clause) merge(other *clause) {
	if other.parent != "" {
		c.parent = other.parent
	}
	if c.params == nil {
		c.params = make(map[string]interface{})
	}
	for k, v := range other.params {
		c.params[k] = v
	}
}

// String renders the clause in profile syntax. Docs optionally
// provides documentation for the parameters.
func (c *clause) String(docs map[string]string) string {
	var b strings.Builder
	if c.parent == "" {
		fmt.Fprintf(&b, "param %s (\n", c.name)
	} else {
		fmt.Fprintf(&b, "instance %s %s (\n", c.name, c.parent)
	}
	keys := make([]string, 0, len(c.params))
	for k := range c.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\t%s = %#v", k, c.params[k])
		if docs[k] != "" {
			b.WriteString(" // ")
			b.WriteString(docs[k])
		}
		b.WriteString("\n")
	}
	b.WriteString(")\n")
	return b.String()
}

// parser implements the profile grammar:
//
//	toplevel:
//		clause
//		clause ';' toplevel
//		<eof>
//
//	clause:
//		'param' ident assign
//		'param' ident assignlist
//		'instance' ident ident
//		'instance' ident ident assignlist
//
//	assign:
//		ident '=' value
//
//	assignlist:
//		'(' assign { ';' assign } ')'
//
//	value:
//		'true' | 'false' | integer | string
//
// Newlines following identifiers, literals and closing parentheses
// are treated as semicolons.
type parser struct {
	scanner scanner.Scanner
	errors  []string

	insertion bool
	scanned   rune
}

func parse(r io.Reader) (map[string]*clause, error) {
	var p parser
	p.scanner.Init(r)
	p.scanner.Whitespace &= ^uint64(1 << '\n')
	p.scanner.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanStrings |
		scanner.ScanRawStrings | scanner.ScanComments | scanner.SkipComments
	p.scanner.IsIdentRune = func(ch rune, i int) bool {
		return unicode.IsLetter(ch) || (unicode.IsDigit(ch) || ch == '_' || ch == '/' || ch == '-') && i > 0
	}
	if named, ok := r.(interface{ Name() string }); ok {
		p.scanner.Position.Filename = named.Name()
	}
	p.scanner.Error = func(s *scanner.Scanner, msg string) {
		p.errorf("%s", msg)
	}
	clauses := make(map[string]*clause)
	if p.toplevel(clauses) && len(p.errors) == 0 {
		return clauses, nil
	}
	return nil, errors.E(errors.Invalid, "parse error:", strings.Join(p.errors, "\n"))
}

func (p *parser) toplevel(clauses map[string]*clause) bool {
	for {
		switch tok := p.next(); tok {
		case scanner.EOF:
			return true
		case ';':
		case scanner.Ident:
			var c *clause
			switch p.text() {
			case "param":
				c = p.clause(false)
			case "instance":
				c = p.clause(true)
			default:
				p.errorf("unrecognized toplevel clause: %s", p.text())
			}
			if c == nil {
				return false
			}
			if prev := clauses[c.name]; prev != nil {
				prev.merge(c)
			} else {
				clauses[c.name] = c
			}
		default:
			p.errorf("unexpected: %s", scanner.TokenString(tok))
			return false
		}
	}
}

func (p *parser) clause(derived bool) *clause {
	if p.next() != scanner.Ident {
		p.errorf("expected identifier")
		return nil
	}
	c := &clause{name: p.text(), params: make(map[string]interface{})}
	if derived {
		if p.next() != scanner.Ident {
			p.errorf("expected parent instance")
			return nil
		}
		c.parent = p.text()
	}
	switch tok := p.peek(); {
	case tok == '(':
		p.next()
		for {
			switch p.peek() {
			case ';':
				p.next()
			case ')':
				p.next()
				return c
			default:
				if !p.assign(c) {
					return nil
				}
			}
		}
	case tok == scanner.Ident && !derived:
		if !p.assign(c) {
			return nil
		}
	case derived:
	default:
		p.next()
		p.errorf("unexpected: %s", scanner.TokenString(tok))
		return nil
	}
	return c
}

func (p *parser) assign(c *clause) bool {
	if p.next() != scanner.Ident {
		p.errorf("expected identifier")
		return false
	}
	key := p.text()
	if p.next() != '=' {
		p.errorf(`expected "="`)
		return false
	}
	switch p.next() {
	case scanner.Ident:
		switch p.text() {
		case "true":
			c.params[key] = true
		case "false":
			c.params[key] = false
		default:
			p.errorf("%s: not a value: %s", key, p.text())
			return false
		}
	case scanner.Int:
		v, err := strconv.ParseInt(p.text(), 0, 64)
		if err != nil {
			p.errorf("could not parse integer: %v", err)
			return false
		}
		c.params[key] = int(v)
	case scanner.String, scanner.RawString:
		v, err := strconv.Unquote(p.text())
		if err != nil {
			p.errorf("could not parse string: %v", err)
			return false
		}
		c.params[key] = v
	default:
		p.errorf("%s: not a value", key)
		return false
	}
	return true
}

// insertionToks defines the sets of tokens after which
// a newline is taken as a semicolon.
var insertionToks = map[rune]bool{
	scanner.Ident:     true,
	scanner.String:    true,
	scanner.RawString: true,
	scanner.Int:       true,
	')':               true,
}

func (p *parser) next() rune {
	tok := p.peek()
	p.insertion = insertionToks[tok]
	p.scanned = 0
	return tok
}

func (p *parser) peek() rune {
	if p.scanned == 0 {
		p.scanned = p.scanner.Scan()
	}
	if p.scanned == '\n' {
		if p.insertion {
			return ';'
		}
		p.scanned = 0
		return p.peek()
	}
	return p.scanned
}

func (p *parser) text() string {
	return p.scanner.TokenText()
}

func (p *parser) errorf(format string, args ...interface{}) {
	p.errors = append(p.errors, fmt.Sprintf("%s: %s", p.scanner.Position, fmt.Sprintf(format, args...)))
}
