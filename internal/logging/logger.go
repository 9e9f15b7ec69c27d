// Package logging provides the leveled, prefix-forking logger used across
// the local and remote sides of the tunnel.
package logging

import (
	"fmt"
	"log"
	"os"

	termutil "github.com/andrew-d/go-termutil"
)

// Level selects how much spew goes to the log.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{"error", "warn", "info", "debug", "trace"}

// ParseLevel converts a level name ("error", "warn", "info", "debug" or
// "trace") to a Level.
func ParseLevel(s string) (Level, error) {
	for i, n := range levelNames {
		if n == s {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

func (l Level) String() string {
	if l < LevelError || l > LevelTrace {
		return "unknown"
	}
	return levelNames[l]
}

// ansi SGR codes, applied by hand rather than through a color library: the
// set of codes needed here is tiny and fixed, and there's no compiler
// available in this environment to verify an unfamiliar third-party color
// package's call signatures against what's actually vendored.
const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiGray   = "\x1b[90m"
)

func colorFor(l Level) string {
	switch l {
	case LevelError:
		return ansiRed
	case LevelWarn:
		return ansiYellow
	case LevelInfo:
		return ansiCyan
	default:
		return ansiGray
	}
}

// Logger is a small leveled logging interface with prefix forking, grounded
// on the shape of the teacher's share/logger.go Logger interface but trimmed
// to the handful of methods this tunnel actually calls.
type Logger interface {
	Errorf(f string, args ...interface{})
	Warnf(f string, args ...interface{})
	Infof(f string, args ...interface{})
	Debugf(f string, args ...interface{})
	Tracef(f string, args ...interface{})
	Fatalf(f string, args ...interface{})

	// Fork returns a child logger whose prefix is this logger's prefix plus
	// the given suffix, e.g. Fork("R") on a "local" logger yields "local.R".
	Fork(suffix string) Logger
}

type logger struct {
	prefix string
	level  Level
	color  bool
	out    *log.Logger
}

// New creates a root Logger writing to stderr with the given prefix and level.
func New(prefix string, level Level) Logger {
	return &logger{
		prefix: prefix,
		level:  level,
		color:  termutil.Isatty(os.Stderr),
		out:    log.New(os.Stderr, "", log.Ldate|log.Ltime),
	}
}

func (l *logger) Fork(suffix string) Logger {
	p := l.prefix
	if p != "" && suffix != "" {
		p = p + "." + suffix
	} else if suffix != "" {
		p = suffix
	}
	return &logger{prefix: p, level: l.level, color: l.color, out: l.out}
}

func (l *logger) logf(lvl Level, f string, args ...interface{}) {
	if lvl > l.level {
		return
	}
	msg := fmt.Sprintf(f, args...)
	tag := lvl.String()
	if l.color {
		tag = colorFor(lvl) + tag + ansiReset
	}
	if l.prefix != "" {
		l.out.Printf("[%s] %s: %s", tag, l.prefix, msg)
	} else {
		l.out.Printf("[%s] %s", tag, msg)
	}
}

func (l *logger) Errorf(f string, args ...interface{}) { l.logf(LevelError, f, args...) }
func (l *logger) Warnf(f string, args ...interface{})  { l.logf(LevelWarn, f, args...) }
func (l *logger) Infof(f string, args ...interface{})  { l.logf(LevelInfo, f, args...) }
func (l *logger) Debugf(f string, args ...interface{}) { l.logf(LevelDebug, f, args...) }
func (l *logger) Tracef(f string, args ...interface{}) { l.logf(LevelTrace, f, args...) }

func (l *logger) Fatalf(f string, args ...interface{}) {
	l.logf(LevelError, f, args...)
	os.Exit(1)
}
