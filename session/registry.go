// Package session tracks authenticated sessions: token to user to
// connection, plus the chat-mode hints push delivery is keyed on.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout is the idle timeout applied when the configured value is
// zero or negative.
const DefaultTimeout = 3600 * time.Second

// tokenAttempts bounds the regeneration loop on a token collision.
const tokenAttempts = 10

var (
	ErrAlreadyLoggedIn = errors.New("session: user already logged in")
	ErrNotFound        = errors.New("session: token not found")
	ErrExpired         = errors.New("session: token expired")
)

// errTokenExhausted reports that tokenAttempts generations in a row all
// collided with live sessions. With random 128-bit tokens this does not
// happen in practice; the login fails rather than touching the colliding
// session.
var errTokenExhausted = errors.New("session: could not generate unique token")

// Conn is the connection handle a session is bound to. The registry only
// borrows it: it may become invalid at any moment, and push writes on a
// stale handle are expected to fail silently at the caller.
type Conn interface {
	WriteFrame(frame []byte) error
}

// Session is one authenticated association of token, user and connection.
type Session struct {
	Token        string
	UserID       int
	Conn         Conn
	CreatedAt    time.Time
	LastActivity time.Time

	// Chat-mode hints; zero means none. Used solely to decide pushes.
	ChatPartner int
	ChatGroup   int64
}

// Registry is a growable session table with secondary indices by user id
// and connection handle. A single mutex guards all operations; expired
// sessions are reaped lazily on every call.
//
// Invariants: at most one session per user, at most one session per
// connection, tokens unique across active sessions.
type Registry struct {
	mu      sync.Mutex
	timeout time.Duration
	byToken map[string]*Session
	byUser  map[int]*Session
	byConn  map[Conn]*Session
	log     zerolog.Logger
	now     func() time.Time
	token   func() string
}

// NewRegistry creates a registry with the given idle timeout; zero or
// negative selects DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		timeout: timeout,
		byToken: make(map[string]*Session),
		byUser:  make(map[int]*Session),
		byConn:  make(map[Conn]*Session),
		log:     log.Logger.With().Str("caller", "sessions").Logger(),
		now:     time.Now,
		token:   newToken,
	}
}

// Create binds a new session for userID on conn and returns its token. Any
// previous session on the same connection is expired first; a session for
// the same user on another connection rejects the login.
func (r *Registry) Create(userID int, conn Conn) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapLocked()

	if old, ok := r.byConn[conn]; ok {
		r.dropLocked(old)
	}
	if _, ok := r.byUser[userID]; ok {
		return "", ErrAlreadyLoggedIn
	}

	var token string
	for i := 0; ; i++ {
		token = r.token()
		if _, dup := r.byToken[token]; !dup {
			break
		}
		if i+1 == tokenAttempts {
			return "", errTokenExhausted
		}
	}

	now := r.now()
	s := &Session{
		Token:        token,
		UserID:       userID,
		Conn:         conn,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.byToken[token] = s
	r.byUser[userID] = s
	r.byConn[conn] = s
	r.log.Debug().Int("user_id", userID).Msg("session created")
	return token, nil
}

// Validate resolves a token to its user id and refreshes the activity
// clock. An idle session past the timeout is evicted and reported expired.
func (r *Registry) Validate(token string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byToken[token]
	if !ok {
		return 0, ErrNotFound
	}
	now := r.now()
	if now.Sub(s.LastActivity) >= r.timeout {
		r.dropLocked(s)
		return 0, ErrExpired
	}
	s.LastActivity = now
	return s.UserID, nil
}

// Destroy ends the session explicitly (logout).
func (r *Registry) Destroy(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byToken[token]
	if !ok {
		return ErrNotFound
	}
	r.dropLocked(s)
	r.log.Debug().Int("user_id", s.UserID).Msg("session destroyed")
	return nil
}

// RemoveByConn invalidates every session bound to conn. Called by the
// connection worker on stream close or transport error.
func (r *Registry) RemoveByConn(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byConn[conn]; ok {
		r.dropLocked(s)
		r.log.Debug().Int("user_id", s.UserID).Msg("session removed with connection")
	}
}

// IsOnline reports whether the user has a live session.
func (r *Registry) IsOnline(userID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapLocked()

	_, ok := r.byUser[userID]
	return ok
}

// ConnOf returns the user's connection handle, or nil when offline.
func (r *Registry) ConnOf(userID int) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapLocked()

	if s, ok := r.byUser[userID]; ok {
		return s.Conn
	}
	return nil
}

// SetChatPartner records that the user is viewing the 1:1 conversation
// with partnerID; zero clears the hint.
func (r *Registry) SetChatPartner(userID int, partnerID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byUser[userID]; ok {
		s.ChatPartner = partnerID
	}
}

// ChatPartnerOf returns the user's current 1:1 chat partner, zero if none.
func (r *Registry) ChatPartnerOf(userID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byUser[userID]; ok {
		return s.ChatPartner
	}
	return 0
}

// IsChattingWith reports whether the user is in chat mode with partnerID.
func (r *Registry) IsChattingWith(userID int, partnerID int) bool {
	return partnerID != 0 && r.ChatPartnerOf(userID) == partnerID
}

// SetChatGroup records that the user is viewing groupID; zero clears it.
func (r *Registry) SetChatGroup(userID int, groupID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byUser[userID]; ok {
		s.ChatGroup = groupID
	}
}

// ChatGroupOf returns the group the user is viewing, zero if none.
func (r *Registry) ChatGroupOf(userID int) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byUser[userID]; ok {
		return s.ChatGroup
	}
	return 0
}

// IsInGroupChat reports whether the user is in chat mode for groupID.
func (r *Registry) IsInGroupChat(userID int, groupID int64) bool {
	return groupID != 0 && r.ChatGroupOf(userID) == groupID
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapLocked()

	return len(r.byToken)
}

func (r *Registry) reapLocked() {
	now := r.now()
	for _, s := range r.byToken {
		if now.Sub(s.LastActivity) >= r.timeout {
			r.dropLocked(s)
		}
	}
}

func (r *Registry) dropLocked(s *Session) {
	delete(r.byToken, s.Token)
	delete(r.byUser, s.UserID)
	if cur, ok := r.byConn[s.Conn]; ok && cur == s {
		delete(r.byConn, s.Conn)
	}
}

// newToken produces a 32-char alphanumeric token.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
