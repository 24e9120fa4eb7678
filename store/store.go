// Package store holds the file-backed persistent stores: accounts,
// friendships, groups and the private/group conversation logs.
//
// Every store serializes its operations behind its own mutex. Mutations that
// touch existing records rewrite the whole file to a sibling .tmp and rename
// it over the original, so readers never observe a torn record. Stores never
// call each other while holding their own lock.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Structured error kinds returned by stores. Handlers translate these into
// wire error codes; anything else maps to 500.
var (
	ErrInvalid     = errors.New("invalid fields")
	ErrExists      = errors.New("already exists")
	ErrNotFound    = errors.New("not found")
	ErrSelf        = errors.New("self-reference")
	ErrPermission  = errors.New("permission denied")
	ErrNotMember   = errors.New("not a member")
	ErrBadPassword = errors.New("bad password")
	ErrInactive    = errors.New("account disabled")
)

// readLines returns the file's lines without terminators. A missing file is
// an empty store, not an error.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	raw := strings.Split(string(data), "\n")
	lines := raw[:0]
	for _, l := range raw {
		l = strings.TrimSuffix(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// appendLine appends one record, creating the file if needed.
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rewriteLines replaces the file's contents via tmp+rename so that a crash
// mid-write leaves either the old or the new file, never a mix.
func rewriteLines(path string, lines []string) error {
	tmp := path + ".tmp"
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// touch creates the file if it does not exist yet.
func touch(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// counter is a persisted monotone id allocator. The file holds the next id
// to hand out; it is rewritten after every allocation so ids survive
// restarts. Callers must serialize access under their store mutex.
type counter struct {
	path string
	next int64
}

func loadCounter(path string) (*counter, error) {
	c := &counter{path: path, next: 1}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 1 {
		// Unreadable counter file: restart from 1 rather than refuse to boot.
		return c, nil
	}
	c.next = n
	return c, nil
}

// bump raises the next id to at least n+1. Used when recovering the counter
// from existing log records.
func (c *counter) bump(n int64) {
	if n >= c.next {
		c.next = n + 1
	}
}

// alloc hands out the next id and persists the counter before returning it.
func (c *counter) alloc() (int64, error) {
	id := c.next
	c.next++
	if err := os.WriteFile(c.path, []byte(strconv.FormatInt(c.next, 10)), 0o644); err != nil {
		c.next = id
		return 0, fmt.Errorf("persist counter %s: %w", filepath.Base(c.path), err)
	}
	return id, nil
}

// validPayload rejects content that would corrupt the line protocol or the
// on-disk record separator. Clients ship Base64 so this never fires for
// well-behaved traffic.
func validPayload(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, "| \r\n")
}
