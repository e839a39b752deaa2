// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// A nil *Logger is usable; it drops debug and verbose output and sends
// the rest to stdout or stderr.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	out     io.Writer
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
}

func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stdout, os.Stderr, verbose, debug)
}

// NewLoggerTo is like NewLogger, but regular output goes to out and
// everything else goes to diag.
func NewLoggerTo(out, diag io.Writer, verbose, debug bool) *Logger {
	l := &Logger{out: out, warning: diag, err: diag}
	if verbose {
		l.verbose = diag
	}
	if debug {
		l.debug = diag
	}
	return l
}

func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil {
		fmt.Print(format(2, f, args...))
		return
	}
	l.write(l.out, f, args...)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil || l.debug == nil {
		return
	}
	l.write(l.debug, f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil || l.verbose == nil {
		return
	}
	l.write(l.verbose, f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(2, f, args...))
		return
	}
	l.write(l.warning, f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(2, f, args...))
		return
	}
	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.write(l.err, f, args...)
}

// Fatal reports the message and exits the process. Only the command
// line tool should call it; library code returns errors.
func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(2, f, args...))
		os.Exit(1)
	}
	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.write(l.err, f, args...)
	os.Exit(1)
}

func (l *Logger) write(w io.Writer, f string, args ...interface{}) {
	s := format(3, f, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(w, s)
}

// format prefixes the message with the file and line of the caller skip
// frames up the stack.
func format(skip int, f string, args ...interface{}) string {
	_, fn, line, _ := runtime.Caller(skip)
	// Last two components of the path
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-25s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
