package wire

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// chunkReader yields the underlying data in fixed-size pieces to simulate a
// peer whose writes arrive fragmented.
type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestFramerSingleLine(t *testing.T) {
	f := NewFramer(strings.NewReader("PING 1\r\n"))

	line, err := f.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "PING 1", line)

	_, err = f.ReadLine()
	require.ErrorIs(t, err, io.EOF)
}

func TestFramerByteAtATime(t *testing.T) {
	r := &chunkReader{data: []byte("LOGIN 2 username=alice\r\nPING 3\r\n"), chunk: 1}
	f := NewFramer(r)

	line, err := f.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "LOGIN 2 username=alice", line)

	line, err = f.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "PING 3", line)
}

func TestFramerCoalescedLines(t *testing.T) {
	f := NewFramer(strings.NewReader("A 1\r\nB 2\r\nC 3\r\n"))

	for _, want := range []string{"A 1", "B 2", "C 3"} {
		line, err := f.ReadLine()
		require.NoError(t, err)
		require.Equal(t, want, line)
	}
	require.Zero(t, f.Buffered())
}

func TestFramerEmptyLine(t *testing.T) {
	f := NewFramer(strings.NewReader("\r\nPING 1\r\n"))

	line, err := f.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "", line)

	line, err = f.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "PING 1", line)
}

func TestFramerSplitTerminator(t *testing.T) {
	// CR in one segment, LF in the next.
	r := &chunkReader{data: []byte("PING 1\r\n"), chunk: 7}
	f := NewFramer(r)

	line, err := f.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "PING 1", line)
}

func TestFramerLineTooLong(t *testing.T) {
	data := strings.Repeat("x", MaxLineLen+1024)
	f := NewFramer(strings.NewReader(data))

	_, err := f.ReadLine()
	require.ErrorIs(t, err, ErrLineTooLong)
}

func TestFramerMaxLenTerminatedLineSurvives(t *testing.T) {
	// A line of exactly MaxLineLen bytes plus the terminator is still legal.
	data := strings.Repeat("x", MaxLineLen) + "\r\n"
	f := NewFramer(strings.NewReader(data))

	line, err := f.ReadLine()
	require.NoError(t, err)
	require.Len(t, line, MaxLineLen)
}

func TestFramerUnterminatedTail(t *testing.T) {
	f := NewFramer(strings.NewReader("PING 1\r\nPARTIAL"))

	line, err := f.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "PING 1", line)

	_, err = f.ReadLine()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
