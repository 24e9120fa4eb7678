package fakes

import (
	"io"
	"net"
	"testing"
)

// TCPConn is a net.Conn double whose stream ends are plugged with any
// reader/writer (pipes, buffers).
type TCPConn struct {
	net.Conn
	LAddr net.TCPAddr
	RAddr net.TCPAddr

	Reader io.Reader
	Writer io.Writer
}

func (c *TCPConn) LocalAddr() net.Addr {
	return &c.LAddr
}

func (c *TCPConn) RemoteAddr() net.Addr {
	return &c.RAddr
}

func (c *TCPConn) Read(p []byte) (n int, err error) {
	return c.Reader.Read(p)
}

func (c *TCPConn) Write(p []byte) (n int, err error) {
	return c.Writer.Write(p)
}

func (c *TCPConn) Close() error {
	return nil
}

func (c *TCPConn) TestReadConn(t testing.TB) []byte {
	buffer := make([]byte, 65355)
	n, err := c.Read(buffer)
	if err != nil {
		if err != io.EOF {
			t.Fatal(err)
		}
	}

	if n == 0 {
		t.Fatal("No byte received")
	}
	return buffer[:n]
}

func (c *TCPConn) TestWriteConn(t testing.TB, data []byte) {
	num, err := c.Write(data)

	if err != nil {
		t.Fatal(err)
	}

	if num != len(data) {
		t.Fatal("Data not fully written")
	}
}

func (c *TCPConn) TestRequest(t testing.TB, data []byte) []byte {
	c.TestWriteConn(t, data)
	return c.TestReadConn(t)
}

// TCPListener hands out queued fake connections.
type TCPListener struct {
	LAddr net.TCPAddr
	Conns chan *TCPConn
}

// Accept waits for and returns the next connection to the listener.
func (c *TCPListener) Accept() (net.Conn, error) {
	conn, ok := <-c.Conns
	if !ok {
		return nil, net.ErrClosed
	}
	return conn, nil
}

// Close closes the listener.
// Any blocked Accept operations will be unblocked and return errors.
func (c *TCPListener) Close() error {
	return nil
}

// Addr returns the listener's network address.
func (c *TCPListener) Addr() net.Addr {
	return &c.LAddr
}
