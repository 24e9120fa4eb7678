// Package linechat implements a multi-user TCP chat server speaking a
// line-based request/response protocol with asynchronous push delivery.
//
// Each accepted connection gets a dedicated worker goroutine that frames
// the stream into CRLF lines, dispatches verbs to handlers and writes the
// responses. Handlers may additionally emit PUSH frames on other
// connections, looked up through the session registry.
package linechat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hoangnd/linechat/audit"
	"github.com/hoangnd/linechat/metrics"
	"github.com/hoangnd/linechat/session"
	"github.com/hoangnd/linechat/store"
	"github.com/hoangnd/linechat/wire"
)

// Config carries the server's startup parameters. Zero values select the
// documented defaults.
type Config struct {
	// Port is the TCP listen port, all IPv4 interfaces.
	Port int `env:"LINECHAT_PORT"`
	// SessionTimeout is the idle session timeout in seconds.
	SessionTimeout int `env:"LINECHAT_SESSION_TIMEOUT"`
	// DataDir is where all persistent state lives.
	DataDir string `env:"LINECHAT_DATA_DIR"`
	// WSPort, when positive, enables the WebSocket listener carrying the
	// same protocol in text frames.
	WSPort int `env:"LINECHAT_WS_PORT"`
	// MetricsAddr, when set, serves /metrics and /health over HTTP.
	MetricsAddr string `env:"LINECHAT_METRICS_ADDR"`
	// Debug lowers the log level.
	Debug bool `env:"LINECHAT_DEBUG"`
}

func (c *Config) withDefaults() {
	if c.Port == 0 {
		c.Port = 8888
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 3600
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Server owns the stores, the session registry and the listeners.
type Server struct {
	cfg Config
	log zerolog.Logger

	accounts *store.Accounts
	friends  *store.Friends
	groups   *store.Groups
	pm       *store.PM
	gm       *store.GM
	sessions *session.Registry
	audit    *audit.Log

	handlers map[string]handlerFunc
}

// NewServer creates the data directory, opens every store and wires the
// verb router.
func NewServer(cfg Config) (*Server, error) {
	cfg.withDefaults()

	accounts, err := store.OpenAccounts(filepath.Join(cfg.DataDir, "users.db"))
	if err != nil {
		return nil, err
	}
	friends, err := store.OpenFriends(filepath.Join(cfg.DataDir, "friends.db"), accounts)
	if err != nil {
		return nil, err
	}
	groups, err := store.OpenGroups(
		filepath.Join(cfg.DataDir, "groups.db"),
		filepath.Join(cfg.DataDir, "group_members.db"),
		filepath.Join(cfg.DataDir, ".group_id"),
		accounts,
	)
	if err != nil {
		return nil, err
	}
	pm, err := store.OpenPM(filepath.Join(cfg.DataDir, "pm"), accounts)
	if err != nil {
		return nil, err
	}
	gm, err := store.OpenGM(filepath.Join(cfg.DataDir, "gm"), groups, accounts)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "server.log"))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		log:      log.Logger.With().Str("caller", "Server").Logger(),
		accounts: accounts,
		friends:  friends,
		groups:   groups,
		pm:       pm,
		gm:       gm,
		sessions: session.NewRegistry(time.Duration(cfg.SessionTimeout) * time.Second),
		audit:    auditLog,
	}
	s.registerHandlers()
	return s, nil
}

// ListenAndServe binds the TCP listener (and the WS listener when
// configured) and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	l, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.log.Info().
		Int("port", s.cfg.Port).
		Int("session_timeout", s.cfg.SessionTimeout).
		Msg("server listening")
	s.audit.Eventf("server started on port %d", s.cfg.Port)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})
	g.Go(func() error {
		err := s.Serve(l)
		if ctx.Err() != nil {
			// Listener closed by shutdown, not a failure.
			return nil
		}
		return err
	})

	if s.cfg.WSPort > 0 {
		wsAddr := fmt.Sprintf(":%d", s.cfg.WSPort)
		wl, err := net.Listen("tcp4", wsAddr)
		if err != nil {
			l.Close()
			return fmt.Errorf("listen ws %s: %w", wsAddr, err)
		}
		s.log.Info().Int("port", s.cfg.WSPort).Msg("websocket listening")
		g.Go(func() error {
			<-ctx.Done()
			return wl.Close()
		})
		g.Go(func() error {
			err := s.ServeWS(wl)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	s.audit.Eventf("server stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on l and spawns one worker per connection. It
// returns when the listener fails (normally: when it is closed).
func (s *Server) Serve(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			s.log.Debug().Err(err).Msg("accept loop ended")
			return err
		}
		metrics.ConnectionsAccepted.WithLabelValues("tcp").Inc()
		go s.serveConn(newConn(nc))
	}
}

// errCloseConn is returned by a handler when the worker must terminate
// after writing its response (DISCONNECT).
var errCloseConn = errors.New("close connection")

// serveConn is the per-connection worker: framer loop, dispatch, cleanup.
func (s *Server) serveConn(c *Conn) {
	metrics.ConnectionsOpen.Inc()
	s.log.Debug().Str("raddr", c.RemoteAddr()).Msg("new connection")

	defer func() {
		s.sessions.RemoveByConn(c)
		metrics.SessionsActive.Set(float64(s.sessions.Count()))
		c.Close()
		metrics.ConnectionsOpen.Dec()
		s.log.Debug().Str("raddr", c.RemoteAddr()).Msg("connection closed")
	}()

	fr := wire.NewFramer(c.nc)
	for {
		line, err := fr.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// Clean close between lines.
			case errors.Is(err, wire.ErrLineTooLong):
				// Oversize line: drop the connection without a response.
				s.log.Warn().Str("raddr", c.RemoteAddr()).Msg("line too long, closing")
			case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				s.log.Debug().Str("raddr", c.RemoteAddr()).Msg("connection dropped mid-line")
			default:
				s.log.Debug().Err(err).Str("raddr", c.RemoteAddr()).Msg("read error")
			}
			return
		}
		if line == "" {
			continue
		}
		if err := s.dispatch(c, line); err != nil {
			if !errors.Is(err, errCloseConn) {
				s.log.Debug().Err(err).Str("raddr", c.RemoteAddr()).Msg("write error, terminating worker")
			}
			return
		}
	}
}

// dispatch parses one line and routes it to its handler. The returned error
// is non-nil only when the worker must terminate.
func (s *Server) dispatch(c *Conn, line string) error {
	req, err := wire.ParseRequest(line)
	if err != nil {
		// Request id unknown; the protocol reserves 0 for this case.
		return s.respondErr(c, "0", 400, "bad_request")
	}

	metrics.Requests.WithLabelValues(req.Verb).Inc()

	h, ok := s.handlers[req.Verb]
	if !ok {
		return s.respondErr(c, req.ReqID, 404, "unknown_command")
	}
	return h(c, req)
}
