package linechat

import (
	"errors"
	"fmt"

	"github.com/hoangnd/linechat/store"
	"github.com/hoangnd/linechat/wire"
)

func (s *Server) handleGMChatStart(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "group_id")
	if !ok {
		return err
	}
	gid, ok, err := s.groupID(c, req, vals[0])
	if !ok {
		return err
	}

	name, found := s.groups.Name(gid)
	if !found {
		return s.respondErr(c, req.ReqID, 404, "not_group_member")
	}
	me, _ := s.accounts.Username(userID)
	if !s.groups.IsMember(gid, me) {
		return s.respondErr(c, req.ReqID, 403, "not_group_member")
	}

	s.sessions.SetChatGroup(userID, gid)

	msgs, herr := s.gm.History(userID, gid, store.HistoryDefaultLimit)
	if herr != nil {
		return s.internalErr(c, req, herr)
	}
	return s.respondOK(c, req.ReqID,
		fmt.Sprintf("group_id=%d group_name=%s me=%s history=%s", gid, name, me, s.formatHistory(msgs)))
}

func (s *Server) handleGMChatEnd(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	s.sessions.SetChatGroup(userID, 0)
	return s.respondOK(c, req.ReqID, "status=chat_ended")
}

func (s *Server) handleGMSend(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "group_id", "content")
	if !ok {
		return err
	}
	gid, ok, err := s.groupID(c, req, vals[0])
	if !ok {
		return err
	}
	content := vals[1]

	msgID, serr := s.gm.Send(userID, gid, content)
	switch {
	case serr == nil:
	case errors.Is(serr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "not_group_member")
	case errors.Is(serr, store.ErrNotMember):
		return s.respondErr(c, req.ReqID, 403, "not_group_member")
	case errors.Is(serr, store.ErrInvalid):
		return s.respondErr(c, req.ReqID, 400, "bad_request")
	default:
		return s.internalErr(c, req, serr)
	}

	s.audit.Eventf("gm sent: user %d -> group %d (msg %d)", userID, gid, msgID)
	if werr := s.respondOK(c, req.ReqID,
		fmt.Sprintf("msg_id=%d status=sent", msgID)); werr != nil {
		return werr
	}
	s.pushGM(userID, gid, content, msgID)
	return nil
}

func (s *Server) handleGMHistory(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "group_id")
	if !ok {
		return err
	}
	gid, ok, err := s.groupID(c, req, vals[0])
	if !ok {
		return err
	}

	msgs, herr := s.gm.History(userID, gid, historyLimit(req))
	switch {
	case herr == nil:
		return s.respondOK(c, req.ReqID,
			fmt.Sprintf("group_id=%d messages=%s", gid, s.formatHistory(msgs)))
	case errors.Is(herr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "not_group_member")
	case errors.Is(herr, store.ErrNotMember):
		return s.respondErr(c, req.ReqID, 403, "not_group_member")
	default:
		return s.internalErr(c, req, herr)
	}
}
