package wire

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxLineLen bounds how many bytes may accumulate without a line
	// terminator before the stream is considered broken.
	MaxLineLen = 64 * 1024

	// readChunkSize is how much we ask the kernel for per read. Reads are
	// opportunistic: whatever arrives is appended and scanned for CRLF.
	readChunkSize = 512
)

// ErrLineTooLong is returned when a peer sends MaxLineLen bytes without a
// CRLF. The connection is unrecoverable at that point and must be closed.
var ErrLineTooLong = errors.New("wire: line exceeds maximum length")

var crlf = []byte("\r\n")

// Framer splits a byte stream into CRLF-terminated logical lines. It keeps
// an internal buffer so that lines arriving byte-at-a-time and several lines
// coalesced into one segment are both handled.
//
// A Framer is owned by exactly one reader goroutine and is not safe for
// concurrent use.
type Framer struct {
	r     io.Reader
	buf   bytes.Buffer
	chunk []byte
}

// NewFramer wraps an already-open stream.
func NewFramer(r io.Reader) *Framer {
	return &Framer{
		r:     r,
		chunk: make([]byte, readChunkSize),
	}
}

// ReadLine blocks until a complete line is available and returns it without
// the CRLF terminator.
//
// io.EOF means the peer closed the stream cleanly between lines. A close in
// the middle of an unterminated line yields io.ErrUnexpectedEOF. Once any
// error is returned the Framer must not be used again.
func (f *Framer) ReadLine() (string, error) {
	for {
		if line, ok := f.popLine(); ok {
			return line, nil
		}

		if f.buf.Len() > MaxLineLen {
			return "", ErrLineTooLong
		}

		n, err := f.r.Read(f.chunk)
		if n > 0 {
			f.buf.Write(f.chunk[:n])
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if f.buf.Len() == 0 {
				return "", io.EOF
			}
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
}

// Buffered reports how many bytes are waiting in the internal buffer.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

func (f *Framer) popLine() (string, bool) {
	i := bytes.Index(f.buf.Bytes(), crlf)
	if i < 0 {
		return "", false
	}
	line := string(f.buf.Next(i + len(crlf))[:i])
	return line, true
}
