package linechat

import (
	"fmt"
	"net"
	"sync"
)

// Conn wraps a client connection. One worker goroutine owns the inbound
// side; the outbound side is shared, because any worker delivering a push
// writes on the recipient's socket. The write mutex keeps each frame
// atomic: a PUSH never interleaves mid-frame with a response.
type Conn struct {
	nc net.Conn

	wmu    sync.Mutex
	closed bool
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// WriteFrame writes one complete protocol frame (terminator included).
func (c *Conn) WriteFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed {
		return net.ErrClosed
	}
	n, err := c.nc.Write(frame)
	if err != nil {
		return fmt.Errorf("conn %s write err=%w", c.RemoteAddr(), err)
	}
	if n != len(frame) {
		return fmt.Errorf("conn %s short write %d/%d", c.RemoteAddr(), n, len(frame))
	}
	return nil
}

// Close shuts the socket down. Pushes racing with the close observe the
// closed flag and fail without touching the dead socket.
func (c *Conn) Close() error {
	c.wmu.Lock()
	c.closed = true
	c.wmu.Unlock()
	return c.nc.Close()
}

func (c *Conn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
