// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package log provides simple level logging for durable logs, their
// worker/persister pairs and the containers built on them. Log output
// is implemented by an outputter, which by default sends messages at
// the Info level and above to Go's logging package. The prontoer
// command installs a vlog outputter so that library and command output
// are unified.
package log

import "fmt"

// An Outputter provides a destination for leveled log output.
type Outputter interface {
	// Level returns the level at which the outputter is accepting
	// messages.
	Level() Level

	// Output writes the provided message to the outputter at the
	// provided calldepth and level. The message is dropped by
	// the outputter if it is not logging at the desired level.
	Output(calldepth int, level Level, s string) error
}

var out Outputter = gologOutputter{}

// SetOutputter provides a new outputter for use in the log package.
// SetOutputter should not be called concurrently with any log
// output, and is thus suitable to be called only upon program
// initialization. SetOutputter returns the old outputter.
func SetOutputter(newOut Outputter) Outputter {
	old := out
	out = newOut
	return old
}

// At returns whether the logger is currently logging at the provided level.
func At(level Level) bool {
	return level <= out.Level()
}

// Output outputs a log message to the current outputter at the provided
// level and call depth.
func Output(calldepth int, level Level, s string) error {
	return out.Output(calldepth+1, level, s)
}

// A Level is a log verbosity level. Increasing levels decrease in
// priority and (usually) increase in verbosity: if the outputter is
// logging at level L, then all messages with level M <= L are
// outputted.
type Level int

const (
	// Off never outputs messages.
	Off = Level(-3)
	// Error outputs error messages.
	Error = Level(-2)
	// Info outputs informational messages. This is the standard
	// logging level.
	Info = Level(0)
	// Debug outputs messages intended for debugging and development,
	// such as per-slot recovery decisions.
	Debug = Level(1)
)

// String returns the string representation of the level l.
func (l Level) String() string {
	switch l {
	case Off:
		return "off"
	case Error:
		return "error"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		if l < 0 {
			panic("invalid log level")
		}
		return fmt.Sprintf("debug%d", l)
	}
}

// ParseLevel returns the level named by s, one of "off", "error",
// "info" or "debug".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "off":
		return Off, nil
	case "error":
		return Error, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	}
	return Off, fmt.Errorf("invalid log level %q", s)
}

// Print formats a message in the manner of fmt.Sprint and outputs it
// at level l to the current outputter.
func (l Level) Print(v ...interface{}) {
	if At(l) {
		out.Output(2, l, fmt.Sprint(v...))
	}
}

// Printf formats a message in the manner of fmt.Sprintf and outputs
// it at level l to the current outputter.
func (l Level) Printf(format string, v ...interface{}) {
	if At(l) {
		out.Output(2, l, fmt.Sprintf(format, v...))
	}
}

// Print formats a message in the manner of fmt.Sprint
// and outputs it at the Info level to the current outputter.
func Print(v ...interface{}) {
	if At(Info) {
		out.Output(2, Info, fmt.Sprint(v...))
	}
}

// Printf formats a message in the manner of fmt.Sprintf
// and outputs it at the Info level to the current outputter.
func Printf(format string, v ...interface{}) {
	if At(Info) {
		out.Output(2, Info, fmt.Sprintf(format, v...))
	}
}

// Prefix is a logger that tags every message with a fixed prefix,
// typically the short form of a persistent object's id.
type Prefix string

// Prefixed returns a Prefix logger for the object named id. Only the
// first 8 characters of id are used.
func Prefixed(id string) Prefix {
	if len(id) > 8 {
		id = id[:8]
	}
	return Prefix("[" + id + "] ")
}

// Printf outputs a prefixed message at the Info level.
func (p Prefix) Printf(format string, v ...interface{}) {
	if At(Info) {
		out.Output(2, Info, string(p)+fmt.Sprintf(format, v...))
	}
}

// Debugf outputs a prefixed message at the Debug level.
func (p Prefix) Debugf(format string, v ...interface{}) {
	if At(Debug) {
		out.Output(2, Debug, string(p)+fmt.Sprintf(format, v...))
	}
}

// Errorf outputs a prefixed message at the Error level.
func (p Prefix) Errorf(format string, v ...interface{}) {
	if At(Error) {
		out.Output(2, Error, string(p)+fmt.Sprintf(format, v...))
	}
}
