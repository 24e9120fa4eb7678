package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GM stores group conversations, one append-only log per group under dir,
// named by the group id. Record format:
//
//	msg_id|from_id|payload|ts
//
// There is no read flag and no conversations listing. The id counter is
// recovered at startup by scanning existing logs for the highest message id.
type GM struct {
	mu       sync.Mutex
	dir      string
	nextID   int64
	groups   *Groups
	accounts *Accounts
	log      zerolog.Logger
	now      func() time.Time
}

func OpenGM(dir string, groups *Groups, accounts *Accounts) (*GM, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gm dir: %w", err)
	}

	s := &GM{
		dir:      dir,
		nextID:   1,
		groups:   groups,
		accounts: accounts,
		log:      log.Logger.With().Str("caller", "store<gm>").Logger(),
		now:      time.Now,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan gm dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		if _, err := strconv.ParseInt(ent.Name(), 10, 64); err != nil {
			continue
		}
		msgs, err := s.loadGroupLocked(ent.Name())
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.ID >= s.nextID {
				s.nextID = m.ID + 1
			}
		}
	}
	return s, nil
}

// Send appends a message to the group's log. The group must exist and the
// sender must be a member.
func (s *GM) Send(fromID int, groupID int64, payload string) (int64, error) {
	from, ok := s.accounts.Username(fromID)
	if !ok {
		return 0, fmt.Errorf("gm: unknown sender %d", fromID)
	}
	if !validPayload(payload) {
		return 0, ErrInvalid
	}
	if !s.groups.Exists(groupID) {
		return 0, ErrNotFound
	}
	if !s.groups.IsMember(groupID, from) {
		return 0, ErrNotMember
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	m := Message{ID: id, FromID: fromID, Payload: payload, TS: s.now().Unix()}
	if err := appendLine(s.groupPath(groupID), formatGMRecord(m)); err != nil {
		s.log.Error().Err(err).Msg("append gm record")
		s.nextID = id
		return 0, err
	}
	return id, nil
}

// History returns up to limit messages of the group, most recent first.
// The caller must be a member.
func (s *GM) History(userID int, groupID int64, limit int) ([]Message, error) {
	me, ok := s.accounts.Username(userID)
	if !ok {
		return nil, fmt.Errorf("gm: unknown user %d", userID)
	}
	if !s.groups.Exists(groupID) {
		return nil, ErrNotFound
	}
	if !s.groups.IsMember(groupID, me) {
		return nil, ErrNotMember
	}
	limit = ClampHistoryLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.loadGroupLocked(strconv.FormatInt(groupID, 10))
	if err != nil {
		return nil, err
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *GM) groupPath(groupID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(groupID, 10))
}

func (s *GM) loadGroupLocked(name string) ([]Message, error) {
	lines, err := readLines(filepath.Join(s.dir, name))
	if err != nil {
		s.log.Error().Err(err).Msg("read gm log")
		return nil, err
	}
	msgs := make([]Message, 0, len(lines))
	for _, l := range lines {
		m, ok := parseGMRecord(l)
		if !ok {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func parseGMRecord(line string) (Message, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return Message{}, false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Message{}, false
	}
	from, err := strconv.Atoi(parts[1])
	if err != nil {
		return Message{}, false
	}
	ts, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Message{}, false
	}
	return Message{ID: id, FromID: from, Payload: parts[2], TS: ts}, true
}

func formatGMRecord(m Message) string {
	return fmt.Sprintf("%d|%d|%s|%d", m.ID, m.FromID, m.Payload, m.TS)
}
