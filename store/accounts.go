package store

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Accounts is the user registry backed by users.db. One record per line:
//
//	id|username|salt|hash|email|active
//
// Records are never deleted; active=0 disables login.
type Accounts struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

const (
	usernameMin = 3
	usernameMax = 32
	passwordMin = 6
	passwordMax = 128
	emailMin    = 5
	emailMax    = 96
)

type userRec struct {
	ID     int
	Name   string
	Salt   string
	Hash   string
	Email  string
	Active bool
}

// OpenAccounts creates the parent directory and the db file if missing.
func OpenAccounts(path string) (*Accounts, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("accounts dir: %w", err)
	}
	if err := touch(path); err != nil {
		return nil, fmt.Errorf("accounts db: %w", err)
	}
	a := &Accounts{
		path: path,
		log:  log.Logger.With().Str("caller", "store<accounts>").Logger(),
	}
	return a, nil
}

// Register validates the inputs, rejects duplicate usernames and appends a
// new record. Returns the freshly assigned user id.
func (a *Accounts) Register(username, password, email string) (int, error) {
	if !validUsername(username) || !validPassword(password) || !validEmail(email) {
		return 0, ErrInvalid
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	recs, err := a.loadLocked()
	if err != nil {
		return 0, err
	}

	maxID := 0
	for _, r := range recs {
		if r.Name == username {
			return 0, ErrExists
		}
		if r.ID > maxID {
			maxID = r.ID
		}
	}

	rec := userRec{
		ID:     maxID + 1,
		Name:   username,
		Salt:   newSalt(),
		Email:  email,
		Active: true,
	}
	rec.Hash = passwordHash(rec.Salt, password)

	if err := appendLine(a.path, formatUser(rec)); err != nil {
		a.log.Error().Err(err).Msg("append user record")
		return 0, err
	}
	return rec.ID, nil
}

// Authenticate verifies the credentials and returns the user id.
func (a *Accounts) Authenticate(username, password string) (int, error) {
	if !validUsername(username) || !validPassword(password) {
		return 0, ErrInvalid
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	recs, err := a.loadLocked()
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if r.Name != username {
			continue
		}
		if !r.Active {
			return 0, ErrInactive
		}
		if passwordHash(r.Salt, password) != r.Hash {
			return 0, ErrBadPassword
		}
		return r.ID, nil
	}
	return 0, ErrNotFound
}

// UserID resolves a username to its id regardless of the active flag.
// Returns false when no such user exists.
func (a *Accounts) UserID(username string) (int, bool) {
	return a.lookup(func(r userRec) bool { return r.Name == username })
}

// ActiveUserID resolves a username to its id, treating disabled accounts as
// absent. New operations (invites, group adds, message sends) go through
// this; history reads use UserID/Username so old records keep resolving.
func (a *Accounts) ActiveUserID(username string) (int, bool) {
	return a.lookup(func(r userRec) bool { return r.Name == username && r.Active })
}

// Username resolves an id to its username.
func (a *Accounts) Username(id int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	recs, err := a.loadLocked()
	if err != nil {
		return "", false
	}
	for _, r := range recs {
		if r.ID == id {
			return r.Name, true
		}
	}
	return "", false
}

func (a *Accounts) lookup(match func(userRec) bool) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	recs, err := a.loadLocked()
	if err != nil {
		return 0, false
	}
	for _, r := range recs {
		if match(r) {
			return r.ID, true
		}
	}
	return 0, false
}

func (a *Accounts) loadLocked() ([]userRec, error) {
	lines, err := readLines(a.path)
	if err != nil {
		a.log.Error().Err(err).Msg("read users db")
		return nil, err
	}
	recs := make([]userRec, 0, len(lines))
	for _, l := range lines {
		r, ok := parseUser(l)
		if !ok {
			// Tolerate a partial final line left by a crash mid-append.
			continue
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func parseUser(line string) (userRec, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != 6 {
		return userRec{}, false
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil || id <= 0 {
		return userRec{}, false
	}
	active, err := strconv.Atoi(parts[5])
	if err != nil {
		return userRec{}, false
	}
	return userRec{
		ID:     id,
		Name:   parts[1],
		Salt:   parts[2],
		Hash:   parts[3],
		Email:  parts[4],
		Active: active != 0,
	}, true
}

func formatUser(r userRec) string {
	active := 0
	if r.Active {
		active = 1
	}
	return fmt.Sprintf("%d|%s|%s|%s|%s|%d", r.ID, r.Name, r.Salt, r.Hash, r.Email, active)
}

// passwordHash is a salted 64-bit FNV-1a mix rendered as hex. Deliberately
// not a KDF: the contract is "no plaintext on disk" and interop with
// existing users.db files, nothing stronger.
func passwordHash(salt, password string) string {
	h := fnv.New64a()
	h.Write([]byte(salt + ":" + password))
	return fmt.Sprintf("%016x", h.Sum64())
}

func newSalt() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func validUsername(s string) bool {
	if len(s) < usernameMin || len(s) > usernameMax {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

func validPassword(s string) bool {
	if len(s) < passwordMin || len(s) > passwordMax {
		return false
	}
	return !strings.ContainsAny(s, " |\r\n")
}

func validEmail(s string) bool {
	if len(s) < emailMin || len(s) > emailMax {
		return false
	}
	if strings.ContainsAny(s, " |\r\n") {
		return false
	}
	at := strings.IndexByte(s, '@')
	if at <= 0 {
		return false
	}
	dot := strings.IndexByte(s[at+1:], '.')
	if dot <= 0 {
		return false
	}
	// Dot cannot be the final character.
	return at+1+dot != len(s)-1
}
