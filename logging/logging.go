// Package logging provides the pluggable logger used across the module.
// Host applications (typically a GUI plugin shell) install their own
// implementation; the default writes to stderr.
package logging

import (
	"fmt"
	"os"
)

const (
	DebugLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var (
	// Level controls what the default logger emits.
	Level = InfoLevel

	// Log is the active logger. Replace it before creating a session to
	// route output elsewhere.
	Log Logger = &ConsoleLogger{}
)

type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// ConsoleLogger writes level-prefixed lines to stderr.
type ConsoleLogger struct{}

func (l *ConsoleLogger) Debugf(format string, v ...interface{}) {
	if Level <= DebugLevel {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", v...)
	}
}

func (l *ConsoleLogger) Infof(format string, v ...interface{}) {
	if Level <= InfoLevel {
		fmt.Fprintf(os.Stderr, "[INFO] "+format+"\n", v...)
	}
}

func (l *ConsoleLogger) Warnf(format string, v ...interface{}) {
	if Level <= WarnLevel {
		fmt.Fprintf(os.Stderr, "[WARN] "+format+"\n", v...)
	}
}

func (l *ConsoleLogger) Errorf(format string, v ...interface{}) {
	if Level <= ErrorLevel {
		fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", v...)
	}
}

// LogIfErr reports err through the active logger without interrupting the
// caller. Used for soft failures (cache contention, cleanup) that must not
// abort a filter operation.
func LogIfErr(err error, format string, v ...interface{}) {
	if err == nil {
		return
	}
	Log.Errorf(format+": %v", append(v, err)...)
}

// Truncate shortens long SQL/expressions for log lines.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
