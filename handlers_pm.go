package linechat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hoangnd/linechat/store"
	"github.com/hoangnd/linechat/wire"
)

// formatHistory renders messages as msg_id:from_username:payload:ts entries
// joined by commas. An empty history renders as the literal "empty", which
// is what deployed clients expect.
func (s *Server) formatHistory(msgs []store.Message) string {
	if len(msgs) == 0 {
		return "empty"
	}
	names := make(map[int]string, 2)
	entries := make([]string, 0, len(msgs))
	for _, m := range msgs {
		name, ok := names[m.FromID]
		if !ok {
			name, _ = s.accounts.Username(m.FromID)
			names[m.FromID] = name
		}
		entries = append(entries, fmt.Sprintf("%d:%s:%s:%d", m.ID, name, m.Payload, m.TS))
	}
	return strings.Join(entries, ",")
}

// historyLimit reads the optional limit field, falling back to the default
// on absence or garbage.
func historyLimit(req wire.Request) int {
	raw, ok := req.Payload.Get("limit")
	if !ok {
		return store.HistoryDefaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return store.HistoryDefaultLimit
	}
	return store.ClampHistoryLimit(n)
}

func (s *Server) handlePMChatStart(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "with")
	if !ok {
		return err
	}
	other := vals[0]

	otherID, found := s.accounts.UserID(other)
	if !found {
		return s.respondErr(c, req.ReqID, 404, "user_not_found")
	}

	me, _ := s.accounts.Username(userID)
	s.sessions.SetChatPartner(userID, otherID)

	if merr := s.pm.MarkRead(userID, other); merr != nil && !errors.Is(merr, store.ErrNotFound) {
		return s.internalErr(c, req, merr)
	}
	msgs, herr := s.pm.History(userID, other, store.HistoryDefaultLimit)
	if herr != nil {
		return s.internalErr(c, req, herr)
	}

	if werr := s.respondOK(c, req.ReqID,
		fmt.Sprintf("with=%s me=%s history=%s", other, me, s.formatHistory(msgs))); werr != nil {
		return werr
	}
	s.pushChatPresence(userID, otherID, true)
	return nil
}

func (s *Server) handlePMChatEnd(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}

	partnerID := s.sessions.ChatPartnerOf(userID)
	if partnerID != 0 {
		if name, found := s.accounts.Username(partnerID); found {
			// Best effort: leaving the chat view marks it read.
			_ = s.pm.MarkRead(userID, name)
		}
		s.sessions.SetChatPartner(userID, 0)
	}
	if err := s.respondOK(c, req.ReqID, "status=chat_ended"); err != nil {
		return err
	}
	if partnerID != 0 {
		s.pushChatPresence(userID, partnerID, false)
	}
	return nil
}

func (s *Server) handlePMSend(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "to", "content")
	if !ok {
		return err
	}
	to, content := vals[0], vals[1]

	msgID, serr := s.pm.Send(userID, to, content)
	switch {
	case serr == nil:
	case errors.Is(serr, store.ErrSelf):
		return s.respondErr(c, req.ReqID, 422, "cannot_send_to_self")
	case errors.Is(serr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "user_not_found")
	case errors.Is(serr, store.ErrInvalid):
		return s.respondErr(c, req.ReqID, 422, "invalid_fields")
	default:
		return s.internalErr(c, req, serr)
	}

	s.audit.Eventf("pm sent: user %d -> %s (msg %d)", userID, to, msgID)
	if werr := s.respondOK(c, req.ReqID,
		fmt.Sprintf("msg_id=%d to=%s status=sent", msgID, to)); werr != nil {
		return werr
	}
	s.pushPM(userID, to, content, msgID)
	return nil
}

func (s *Server) handlePMHistory(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "with")
	if !ok {
		return err
	}
	other := vals[0]

	msgs, herr := s.pm.History(userID, other, historyLimit(req))
	switch {
	case herr == nil:
		return s.respondOK(c, req.ReqID,
			fmt.Sprintf("with=%s messages=%s", other, s.formatHistory(msgs)))
	case errors.Is(herr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "user_not_found")
	default:
		return s.internalErr(c, req, herr)
	}
}

func (s *Server) handlePMConversations(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	convs, cerr := s.pm.Conversations(userID)
	if cerr != nil {
		return s.internalErr(c, req, cerr)
	}

	entries := make([]string, 0, len(convs))
	for _, conv := range convs {
		name, found := s.accounts.Username(conv.OtherID)
		if !found {
			continue
		}
		entries = append(entries, fmt.Sprintf("%s:%d", name, conv.Unread))
	}
	return s.respondOK(c, req.ReqID, "conversations="+strings.Join(entries, ","))
}
