package linechat

import (
	"io"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/hoangnd/linechat/metrics"
)

// ServeWS accepts WebSocket connections on l and serves the same line
// protocol over text frames. Each upgraded socket is wrapped so that the
// regular per-connection worker sees a plain byte stream.
func (s *Server) ServeWS(l net.Listener) error {
	u := ws.Upgrader{}

	for {
		nc, err := l.Accept()
		if err != nil {
			s.log.Debug().Err(err).Msg("ws accept loop ended")
			return err
		}

		if _, err := u.Upgrade(nc); err != nil {
			s.log.Debug().Err(err).Str("raddr", nc.RemoteAddr().String()).Msg("ws upgrade failed")
			nc.Close()
			continue
		}

		metrics.ConnectionsAccepted.WithLabelValues("ws").Inc()
		go s.serveConn(newConn(newWSConn(nc)))
	}
}

// wsConn adapts an upgraded server-side WebSocket to net.Conn. Frame
// payloads are decoded into an internal buffer and handed out across as
// many Read calls as the caller needs, so payloads larger than the
// caller's buffer survive intact. Write emits a single text frame;
// server side never masks outgoing frames.
type wsConn struct {
	net.Conn
	reader *wsutil.Reader
	pend   []byte
}

func newWSConn(nc net.Conn) *wsConn {
	return &wsConn{
		Conn:   nc,
		reader: wsutil.NewReader(nc, ws.StateServerSide),
	}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for len(c.pend) == 0 {
		header, err := c.reader.NextFrame()
		if err != nil {
			return 0, err
		}
		if header.OpCode == ws.OpClose {
			return 0, io.EOF
		}
		if header.OpCode.IsControl() {
			if err := c.reader.Discard(); err != nil {
				return 0, err
			}
			continue
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(c.reader, data); err != nil {
			return 0, err
		}
		c.pend = data
	}

	n := copy(b, c.pend)
	c.pend = c.pend[n:]
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	frame := ws.NewFrame(ws.OpText, true, b)
	if err := ws.WriteFrame(c.Conn, frame); err != nil {
		return 0, err
	}
	return len(b), nil
}
