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

// Message is one record of a conversation log.
type Message struct {
	ID      int64
	FromID  int
	Payload string
	TS      int64
	Read    bool
}

// Conversation summarizes one private conversation of a user.
type Conversation struct {
	OtherID int
	Unread  int
}

const (
	// HistoryDefaultLimit applies when a history request carries no limit.
	HistoryDefaultLimit = 50
	// HistoryMaxLimit caps any history request.
	HistoryMaxLimit = 100
)

// ClampHistoryLimit normalizes a requested history limit into [1, 100],
// substituting the default for zero or negative values.
func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return HistoryDefaultLimit
	}
	if limit > HistoryMaxLimit {
		return HistoryMaxLimit
	}
	return limit
}

// PM stores private conversations, one append-only log per unordered user
// pair under dir, named "<min_id>_<max_id>". Record format:
//
//	msg_id|from_id|payload|ts|read_flag
//
// Message ids come from a counter persisted in dir/.msg_id after every
// allocation; they stay unique across restarts.
type PM struct {
	mu       sync.Mutex
	dir      string
	ctr      *counter
	accounts *Accounts
	log      zerolog.Logger
	now      func() time.Time
}

func OpenPM(dir string, accounts *Accounts) (*PM, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pm dir: %w", err)
	}
	ctr, err := loadCounter(filepath.Join(dir, ".msg_id"))
	if err != nil {
		return nil, fmt.Errorf("pm msg id counter: %w", err)
	}
	return &PM{
		dir:      dir,
		ctr:      ctr,
		accounts: accounts,
		log:      log.Logger.With().Str("caller", "store<pm>").Logger(),
		now:      time.Now,
	}, nil
}

// Send appends a message to the pair's log and returns the allocated id.
// Push delivery is the caller's concern.
func (s *PM) Send(fromID int, toUsername, payload string) (int64, error) {
	from, ok := s.accounts.Username(fromID)
	if !ok {
		return 0, fmt.Errorf("pm: unknown sender %d", fromID)
	}
	if from == toUsername {
		return 0, ErrSelf
	}
	if !validPayload(payload) {
		return 0, ErrInvalid
	}
	toID, ok := s.accounts.ActiveUserID(toUsername)
	if !ok {
		return 0, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.ctr.alloc()
	if err != nil {
		s.log.Error().Err(err).Msg("allocate msg id")
		return 0, err
	}
	m := Message{ID: id, FromID: fromID, Payload: payload, TS: s.now().Unix()}
	if err := appendLine(s.pairPath(fromID, toID), formatPMRecord(m)); err != nil {
		s.log.Error().Err(err).Msg("append pm record")
		return 0, err
	}
	return id, nil
}

// History returns up to limit messages between the viewer and
// otherUsername, most recent first. A conversation that never happened is
// an empty history, not an error.
func (s *PM) History(viewerID int, otherUsername string, limit int) ([]Message, error) {
	otherID, ok := s.accounts.UserID(otherUsername)
	if !ok {
		return nil, ErrNotFound
	}
	limit = ClampHistoryLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.loadPairLocked(viewerID, otherID)
	if err != nil {
		return nil, err
	}

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	// Newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Conversations enumerates every conversation the user participates in,
// with the count of messages from the other side not yet marked read.
func (s *PM) Conversations(userID int) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error().Err(err).Msg("scan pm dir")
		return nil, err
	}

	var convs []Conversation
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		a, b, ok := parsePairName(ent.Name())
		if !ok {
			continue
		}
		otherID := 0
		switch userID {
		case a:
			otherID = b
		case b:
			otherID = a
		default:
			continue
		}

		msgs, err := s.loadPairLocked(userID, otherID)
		if err != nil {
			return nil, err
		}
		unread := 0
		for _, m := range msgs {
			if m.FromID == otherID && !m.Read {
				unread++
			}
		}
		convs = append(convs, Conversation{OtherID: otherID, Unread: unread})
	}
	return convs, nil
}

// MarkRead flags every message from otherUsername to the viewer as read.
// Idempotent; safe to re-run.
func (s *PM) MarkRead(viewerID int, otherUsername string) error {
	otherID, ok := s.accounts.UserID(otherUsername)
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pairPath(viewerID, otherID)
	msgs, err := s.loadPairLocked(viewerID, otherID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.FromID == otherID {
			m.Read = true
		}
		out = append(out, formatPMRecord(m))
	}
	if err := rewriteLines(path, out); err != nil {
		s.log.Error().Err(err).Msg("rewrite pm log")
		return err
	}
	return nil
}

func (s *PM) pairPath(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return filepath.Join(s.dir, fmt.Sprintf("%d_%d", a, b))
}

func (s *PM) loadPairLocked(a, b int) ([]Message, error) {
	lines, err := readLines(s.pairPath(a, b))
	if err != nil {
		s.log.Error().Err(err).Msg("read pm log")
		return nil, err
	}
	msgs := make([]Message, 0, len(lines))
	for _, l := range lines {
		m, ok := parsePMRecord(l)
		if !ok {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func parsePairName(name string) (a, b int, ok bool) {
	i := strings.IndexByte(name, '_')
	if i <= 0 || name[0] == '.' {
		return 0, 0, false
	}
	a, err := strconv.Atoi(name[:i])
	if err != nil {
		return 0, 0, false
	}
	b, err = strconv.Atoi(name[i+1:])
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}

func parsePMRecord(line string) (Message, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != 5 {
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
	return Message{ID: id, FromID: from, Payload: parts[2], TS: ts, Read: parts[4] == "1"}, true
}

func formatPMRecord(m Message) string {
	read := 0
	if m.Read {
		read = 1
	}
	return fmt.Sprintf("%d|%d|%s|%d|%d", m.ID, m.FromID, m.Payload, m.TS, read)
}
