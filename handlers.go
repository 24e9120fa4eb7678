package linechat

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/hoangnd/linechat/metrics"
	"github.com/hoangnd/linechat/session"
	"github.com/hoangnd/linechat/store"
	"github.com/hoangnd/linechat/wire"
)

// handlerFunc services one parsed request on its originating connection.
// A non-nil return terminates the worker.
type handlerFunc func(c *Conn, req wire.Request) error

func (s *Server) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		"PING":       s.handlePing,
		"REGISTER":   s.handleRegister,
		"LOGIN":      s.handleLogin,
		"LOGOUT":     s.handleLogout,
		"WHOAMI":     s.handleWhoami,
		"DISCONNECT": s.handleDisconnect,

		"FRIEND_INVITE":  s.handleFriendInvite,
		"FRIEND_ACCEPT":  s.handleFriendAccept,
		"FRIEND_REJECT":  s.handleFriendReject,
		"FRIEND_PENDING": s.handleFriendPending,
		"FRIEND_LIST":    s.handleFriendList,
		"FRIEND_DELETE":  s.handleFriendDelete,

		"GROUP_CREATE":  s.handleGroupCreate,
		"GROUP_LIST":    s.handleGroupList,
		"GROUP_MEMBERS": s.handleGroupMembers,
		"GROUP_ADD":     s.handleGroupAdd,
		"GROUP_REMOVE":  s.handleGroupRemove,
		"GROUP_LEAVE":   s.handleGroupLeave,

		"PM_CHAT_START":    s.handlePMChatStart,
		"PM_CHAT_END":      s.handlePMChatEnd,
		"PM_SEND":          s.handlePMSend,
		"PM_HISTORY":       s.handlePMHistory,
		"PM_CONVERSATIONS": s.handlePMConversations,

		"GM_CHAT_START": s.handleGMChatStart,
		"GM_CHAT_END":   s.handleGMChatEnd,
		"GM_SEND":       s.handleGMSend,
		"GM_HISTORY":    s.handleGMHistory,
	}
}

// respondOK writes an OK frame on the originating connection.
func (s *Server) respondOK(c *Conn, reqID, payload string) error {
	metrics.Responses.WithLabelValues("ok").Inc()
	return c.WriteFrame(wire.OK(reqID, payload))
}

// respondErr writes an ERR frame on the originating connection.
func (s *Server) respondErr(c *Conn, reqID string, code int, message string) error {
	metrics.Responses.WithLabelValues(strconv.Itoa(code)).Inc()
	return c.WriteFrame(wire.Err(reqID, code, message))
}

// authenticate validates the request's token. On failure the 401 response
// has already been written and ok is false.
func (s *Server) authenticate(c *Conn, req wire.Request) (userID int, ok bool, err error) {
	token, has := req.Payload.Get("token")
	if !has {
		return 0, false, s.respondErr(c, req.ReqID, 400, "missing_fields")
	}
	userID, verr := s.sessions.Validate(token)
	if verr != nil {
		return 0, false, s.respondErr(c, req.ReqID, 401, "invalid_token")
	}
	return userID, true, nil
}

// fields extracts the named keys; on any missing key the 400 response has
// already been written and ok is false.
func (s *Server) fields(c *Conn, req wire.Request, keys ...string) (vals []string, ok bool, err error) {
	vals = make([]string, 0, len(keys))
	for _, k := range keys {
		v, has := req.Payload.Get(k)
		if !has {
			err := s.respondErr(c, req.ReqID, 400, "missing_fields")
			return nil, false, err
		}
		vals = append(vals, v)
	}
	return vals, true, nil
}

// internalErr maps an unexpected store failure to a 500.
func (s *Server) internalErr(c *Conn, req wire.Request, opErr error) error {
	s.log.Error().Err(opErr).Str("verb", req.Verb).Msg("internal error")
	return s.respondErr(c, req.ReqID, 500, "server_error")
}

func (s *Server) handlePing(c *Conn, req wire.Request) error {
	return s.respondOK(c, req.ReqID, "pong=1")
}

func (s *Server) handleRegister(c *Conn, req wire.Request) error {
	vals, ok, err := s.fields(c, req, "username", "password", "email")
	if !ok {
		return err
	}
	username, password, email := vals[0], vals[1], vals[2]

	userID, rerr := s.accounts.Register(username, password, email)
	switch {
	case rerr == nil:
		s.audit.Eventf("user registered: %s (id=%d)", username, userID)
		return s.respondOK(c, req.ReqID, fmt.Sprintf("user_id=%d", userID))
	case errors.Is(rerr, store.ErrExists):
		return s.respondErr(c, req.ReqID, 409, "username_exists")
	case errors.Is(rerr, store.ErrInvalid):
		return s.respondErr(c, req.ReqID, 422, "invalid_fields")
	default:
		return s.internalErr(c, req, rerr)
	}
}

func (s *Server) handleLogin(c *Conn, req wire.Request) error {
	vals, ok, err := s.fields(c, req, "username", "password")
	if !ok {
		return err
	}
	username, password := vals[0], vals[1]

	userID, aerr := s.accounts.Authenticate(username, password)
	if aerr != nil {
		switch {
		case errors.Is(aerr, store.ErrNotFound),
			errors.Is(aerr, store.ErrBadPassword),
			errors.Is(aerr, store.ErrInactive),
			errors.Is(aerr, store.ErrInvalid):
			return s.respondErr(c, req.ReqID, 401, "invalid_credentials")
		default:
			return s.internalErr(c, req, aerr)
		}
	}

	token, serr := s.sessions.Create(userID, c)
	if serr != nil {
		if errors.Is(serr, session.ErrAlreadyLoggedIn) {
			return s.respondErr(c, req.ReqID, 409, "already_logged_in")
		}
		return s.internalErr(c, req, serr)
	}
	metrics.SessionsActive.Set(float64(s.sessions.Count()))
	s.audit.Eventf("user logged in: %s (id=%d)", username, userID)
	return s.respondOK(c, req.ReqID, fmt.Sprintf("token=%s user_id=%d", token, userID))
}

func (s *Server) handleLogout(c *Conn, req wire.Request) error {
	vals, ok, err := s.fields(c, req, "token")
	if !ok {
		return err
	}
	if derr := s.sessions.Destroy(vals[0]); derr != nil {
		return s.respondErr(c, req.ReqID, 401, "invalid_token")
	}
	metrics.SessionsActive.Set(float64(s.sessions.Count()))
	s.audit.Eventf("user logged out")
	return s.respondOK(c, req.ReqID, "ok=1")
}

func (s *Server) handleWhoami(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	return s.respondOK(c, req.ReqID, fmt.Sprintf("user_id=%d", userID))
}

// handleDisconnect destroys the session when a token is supplied, confirms,
// and terminates the worker.
func (s *Server) handleDisconnect(c *Conn, req wire.Request) error {
	if token, has := req.Payload.Get("token"); has {
		if s.sessions.Destroy(token) == nil {
			metrics.SessionsActive.Set(float64(s.sessions.Count()))
		}
	}
	if err := s.respondOK(c, req.ReqID, "ok=1"); err != nil {
		return err
	}
	s.audit.Eventf("client disconnected")
	return errCloseConn
}
