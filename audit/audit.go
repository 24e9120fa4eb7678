// Package audit appends significant server events to the activity log,
// one line per event:
//
//	[YYYY-MM-DD HH:MM:SS] <event>
//
// The format is fixed for interop with existing log tooling; the structured
// development log is separate (zerolog).
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Log is an append-only activity sink. Writes are serialized by the
// underlying logger, so it is safe for concurrent use by all workers.
type Log struct {
	l    *logrus.Logger
	file *os.File
}

// Open creates (or appends to) the activity log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}

	l := logrus.New()
	l.SetOutput(f)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(bracketFormatter{})
	return &Log{l: l, file: f}, nil
}

// Discard returns a sink that drops every event; used in tests.
func Discard() *Log {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetFormatter(bracketFormatter{})
	return &Log{l: l}
}

// Eventf records one formatted event.
func (a *Log) Eventf(format string, args ...interface{}) {
	a.l.Infof(format, args...)
}

// Close flushes and closes the underlying file.
func (a *Log) Close() error {
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}

// bracketFormatter renders entries as "[timestamp] message\n".
type bracketFormatter struct{}

func (bracketFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", e.Time.Format("2006-01-02 15:04:05"), e.Message)), nil
}
