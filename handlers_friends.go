package linechat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hoangnd/linechat/store"
	"github.com/hoangnd/linechat/wire"
)

func (s *Server) handleFriendInvite(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "username")
	if !ok {
		return err
	}
	target := vals[0]

	ierr := s.friends.Invite(userID, target)
	switch {
	case ierr == nil:
		s.audit.Eventf("friend invite: user %d -> %s", userID, target)
		return s.respondOK(c, req.ReqID, fmt.Sprintf("username=%s status=pending", target))
	case errors.Is(ierr, store.ErrSelf):
		return s.respondErr(c, req.ReqID, 422, "cannot_invite_self")
	case errors.Is(ierr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "user_not_found")
	case errors.Is(ierr, store.ErrExists):
		return s.respondErr(c, req.ReqID, 409, "already_friend_or_pending")
	default:
		return s.internalErr(c, req, ierr)
	}
}

func (s *Server) handleFriendAccept(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "username")
	if !ok {
		return err
	}
	from := vals[0]

	aerr := s.friends.Accept(userID, from)
	switch {
	case aerr == nil:
		s.audit.Eventf("friend accepted: user %d <- %s", userID, from)
		return s.respondOK(c, req.ReqID, fmt.Sprintf("username=%s status=accepted", from))
	case errors.Is(aerr, store.ErrSelf):
		return s.respondErr(c, req.ReqID, 422, "cannot_accept_self")
	case errors.Is(aerr, store.ErrExists):
		return s.respondErr(c, req.ReqID, 409, "already_friends")
	case errors.Is(aerr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "invite_not_found")
	default:
		return s.internalErr(c, req, aerr)
	}
}

func (s *Server) handleFriendReject(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "username")
	if !ok {
		return err
	}
	from := vals[0]

	rerr := s.friends.Reject(userID, from)
	switch {
	case rerr == nil:
		s.audit.Eventf("friend rejected: user %d <- %s", userID, from)
		return s.respondOK(c, req.ReqID, fmt.Sprintf("username=%s status=rejected", from))
	case errors.Is(rerr, store.ErrSelf):
		return s.respondErr(c, req.ReqID, 422, "cannot_reject_self")
	case errors.Is(rerr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "invite_not_found")
	default:
		return s.internalErr(c, req, rerr)
	}
}

func (s *Server) handleFriendPending(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	names, perr := s.friends.Pending(userID)
	if perr != nil {
		return s.internalErr(c, req, perr)
	}
	return s.respondOK(c, req.ReqID, "username="+strings.Join(names, ","))
}

func (s *Server) handleFriendList(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	list, lerr := s.friends.List(userID, s.sessions.IsOnline)
	if lerr != nil {
		return s.internalErr(c, req, lerr)
	}

	entries := make([]string, 0, len(list))
	for _, fs := range list {
		state := "offline"
		if fs.Online {
			state = "online"
		}
		entries = append(entries, fs.Username+":"+state)
	}
	return s.respondOK(c, req.ReqID, "username="+strings.Join(entries, ","))
}

func (s *Server) handleFriendDelete(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "username")
	if !ok {
		return err
	}
	target := vals[0]

	derr := s.friends.Delete(userID, target)
	switch {
	case derr == nil:
		s.audit.Eventf("friend deleted: user %d x %s", userID, target)
		return s.respondOK(c, req.ReqID, fmt.Sprintf("username=%s status=deleted", target))
	case errors.Is(derr, store.ErrSelf):
		return s.respondErr(c, req.ReqID, 422, "cannot_delete_self")
	case errors.Is(derr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "friend_not_found")
	default:
		return s.internalErr(c, req, derr)
	}
}
