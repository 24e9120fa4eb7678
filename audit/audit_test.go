package audit

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")

	l, err := Open(path)
	require.NoError(t, err)
	l.Eventf("server started on port %d", 8888)
	l.Eventf("user registered: %s (id=%d)", "alice", 1)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)

	re := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] `)
	require.Regexp(t, re, lines[0])
	require.True(t, strings.HasSuffix(lines[0], "server started on port 8888"))
	require.True(t, strings.HasSuffix(lines[1], "user registered: alice (id=1)"))
}

func TestLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")

	l, err := Open(path)
	require.NoError(t, err)
	l.Eventf("first run")
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	l.Eventf("second run")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "first run")
	require.Contains(t, string(data), "second run")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Eventf("dropped")
	require.NoError(t, l.Close())
}
