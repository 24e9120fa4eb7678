package linechat

import (
	"fmt"
	"time"

	"github.com/hoangnd/linechat/metrics"
	"github.com/hoangnd/linechat/wire"
)

// Push delivery. All pushes are best-effort: a write failure on the target
// connection never fails the originating request, and a recipient whose
// connection died between lookup and write simply misses the frame (they
// recover via history).

// pushPM delivers a PM frame to the recipient if they are online and
// currently viewing the conversation with the sender.
func (s *Server) pushPM(fromID int, toUsername, content string, msgID int64) {
	fromName, ok := s.accounts.Username(fromID)
	if !ok {
		return
	}
	toID, ok := s.accounts.UserID(toUsername)
	if !ok {
		return
	}
	if !s.sessions.IsChattingWith(toID, fromID) {
		return
	}
	payload := fmt.Sprintf("from=%s content=%s msg_id=%d ts=%d",
		fromName, content, msgID, time.Now().Unix())
	s.deliver(toID, wire.PushPM, payload)
}

// pushChatPresence notifies the 1:1 partner that the user entered or left
// the conversation view, but only while the partner is viewing it too.
func (s *Server) pushChatPresence(userID, partnerID int, joined bool) {
	name, ok := s.accounts.Username(userID)
	if !ok {
		return
	}
	if !s.sessions.IsChattingWith(partnerID, userID) {
		return
	}
	subject := wire.PushLeave
	if joined {
		subject = wire.PushJoin
	}
	s.deliver(partnerID, subject, "user="+name)
}

// pushGM fans a GM frame out to every member of the group, sender
// excluded, that is currently in the group's chat mode.
func (s *Server) pushGM(fromID int, groupID int64, content string, msgID int64) {
	fromName, ok := s.accounts.Username(fromID)
	if !ok {
		return
	}
	payload := fmt.Sprintf("from=%s group_id=%d content=%s msg_id=%d ts=%d",
		fromName, groupID, content, msgID, time.Now().Unix())

	for _, memberID := range s.memberIDs(groupID) {
		if memberID == fromID {
			continue
		}
		if !s.sessions.IsInGroupChat(memberID, groupID) {
			continue
		}
		s.deliver(memberID, wire.PushGM, payload)
	}
}

// pushGroupJoin notifies group-chat-mode members that a user was added.
func (s *Server) pushGroupJoin(groupID int64, addedUsername string) {
	addedID, _ := s.accounts.UserID(addedUsername)
	payload := fmt.Sprintf("user=%s group_id=%d", addedUsername, groupID)

	for _, memberID := range s.memberIDs(groupID) {
		if memberID == addedID {
			continue
		}
		if !s.sessions.IsInGroupChat(memberID, groupID) {
			continue
		}
		s.deliver(memberID, wire.PushGMJoin, payload)
	}
}

// pushGroupLeave notifies group-chat-mode members that a user left or was
// removed. A removed user additionally receives GM_KICKED if they are in
// that group's chat mode themselves.
func (s *Server) pushGroupLeave(groupID int64, username string, kicked bool) {
	leftID, _ := s.accounts.UserID(username)
	payload := fmt.Sprintf("user=%s group_id=%d", username, groupID)

	for _, memberID := range s.memberIDs(groupID) {
		if memberID == leftID {
			continue
		}
		if !s.sessions.IsInGroupChat(memberID, groupID) {
			continue
		}
		s.deliver(memberID, wire.PushGMLeave, payload)
	}

	if kicked && leftID != 0 && s.sessions.IsInGroupChat(leftID, groupID) {
		s.deliver(leftID, wire.PushGMKicked, fmt.Sprintf("group_id=%d", groupID))
	}
}

// memberIDs resolves the group's membership to user ids. Resolution runs
// outside any store lock.
func (s *Server) memberIDs(groupID int64) []int {
	names, err := s.groups.MemberNames(groupID)
	if err != nil {
		s.log.Error().Err(err).Int64("group_id", groupID).Msg("member fan-out lookup")
		return nil
	}
	ids := make([]int, 0, len(names))
	for _, name := range names {
		if id, ok := s.accounts.UserID(name); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// deliver writes one push frame on the user's connection, if any.
func (s *Server) deliver(userID int, subject, payload string) {
	conn := s.sessions.ConnOf(userID)
	if conn == nil {
		metrics.Pushes.WithLabelValues(subject, "offline").Inc()
		return
	}
	if err := conn.WriteFrame(wire.Push(subject, payload)); err != nil {
		// Stale handle; cleanup happens when the worker notices.
		s.log.Debug().Err(err).Int("user_id", userID).Str("subject", subject).Msg("push dropped")
		metrics.Pushes.WithLabelValues(subject, "error").Inc()
		return
	}
	metrics.Pushes.WithLabelValues(subject, "sent").Inc()
}
