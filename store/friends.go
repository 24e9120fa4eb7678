package store

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Friendship edge statuses as persisted in friends.db.
const (
	statusPending  = "PENDING"
	statusAccepted = "ACCEPTED"
)

// Friends persists friendship edges in friends.db, one directed edge per
// line:
//
//	from_username|to_username|STATUS|unix_ts
//
// The graph is undirected once ACCEPTED: either direction satisfies
// "is friend of". At most one PENDING or ACCEPTED edge may exist between a
// pair considering both directions.
type Friends struct {
	mu       sync.Mutex
	path     string
	accounts *Accounts
	log      zerolog.Logger
	now      func() time.Time
}

// FriendStatus is one entry of a friend list joined with online presence.
type FriendStatus struct {
	Username string
	Online   bool
}

type edge struct {
	From   string
	To     string
	Status string
	TS     int64
}

func OpenFriends(path string, accounts *Accounts) (*Friends, error) {
	if err := touch(path); err != nil {
		return nil, fmt.Errorf("friends db: %w", err)
	}
	return &Friends{
		path:     path,
		accounts: accounts,
		log:      log.Logger.With().Str("caller", "store<friends>").Logger(),
		now:      time.Now,
	}, nil
}

// Invite records a PENDING edge from the given user to toUsername.
func (f *Friends) Invite(fromID int, toUsername string) error {
	from, ok := f.accounts.Username(fromID)
	if !ok {
		return fmt.Errorf("friends: unknown sender %d", fromID)
	}
	if from == toUsername {
		return ErrSelf
	}
	if _, ok := f.accounts.ActiveUserID(toUsername); !ok {
		return ErrNotFound
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	edges, err := f.loadLocked()
	if err != nil {
		return err
	}
	for _, e := range edges {
		if !e.between(from, toUsername) {
			continue
		}
		if e.Status == statusPending || e.Status == statusAccepted {
			return ErrExists
		}
	}

	rec := edge{From: from, To: toUsername, Status: statusPending, TS: f.now().Unix()}
	if err := appendLine(f.path, formatEdge(rec)); err != nil {
		f.log.Error().Err(err).Msg("append friend edge")
		return err
	}
	return nil
}

// Accept promotes the PENDING edge fromUsername -> caller to ACCEPTED. The
// direction is strict: only the invitee can accept.
func (f *Friends) Accept(toID int, fromUsername string) error {
	return f.resolve(toID, fromUsername, true)
}

// Reject removes the PENDING edge fromUsername -> caller.
func (f *Friends) Reject(toID int, fromUsername string) error {
	return f.resolve(toID, fromUsername, false)
}

func (f *Friends) resolve(toID int, fromUsername string, accept bool) error {
	to, ok := f.accounts.Username(toID)
	if !ok {
		return fmt.Errorf("friends: unknown recipient %d", toID)
	}
	if to == fromUsername {
		return ErrSelf
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	edges, err := f.loadLocked()
	if err != nil {
		return err
	}

	if accept {
		for _, e := range edges {
			if e.between(fromUsername, to) && e.Status == statusAccepted {
				return ErrExists
			}
		}
	}

	found := false
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if !found && e.From == fromUsername && e.To == to && e.Status == statusPending {
			found = true
			if accept {
				e.Status = statusAccepted
				e.TS = f.now().Unix()
				out = append(out, formatEdge(e))
			}
			continue
		}
		out = append(out, formatEdge(e))
	}
	if !found {
		return ErrNotFound
	}
	if err := rewriteLines(f.path, out); err != nil {
		f.log.Error().Err(err).Msg("rewrite friends db")
		return err
	}
	return nil
}

// Pending lists usernames with a PENDING invite addressed to the user.
func (f *Friends) Pending(userID int) ([]string, error) {
	me, ok := f.accounts.Username(userID)
	if !ok {
		return nil, fmt.Errorf("friends: unknown user %d", userID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	edges, err := f.loadLocked()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range edges {
		if e.To == me && e.Status == statusPending {
			names = append(names, e.From)
		}
	}
	return names, nil
}

// Friends lists all accepted friends of the user, either direction.
func (f *Friends) Friends(userID int) ([]string, error) {
	me, ok := f.accounts.Username(userID)
	if !ok {
		return nil, fmt.Errorf("friends: unknown user %d", userID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	edges, err := f.loadLocked()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range edges {
		if e.Status != statusAccepted {
			continue
		}
		switch me {
		case e.From:
			names = append(names, e.To)
		case e.To:
			names = append(names, e.From)
		}
	}
	return names, nil
}

// List joins the accepted friends with their online status. The presence
// check runs after the store lock is released so the friends mutex is never
// held across the session registry.
func (f *Friends) List(userID int, online func(userID int) bool) ([]FriendStatus, error) {
	names, err := f.Friends(userID)
	if err != nil {
		return nil, err
	}
	out := make([]FriendStatus, 0, len(names))
	for _, name := range names {
		st := FriendStatus{Username: name}
		if id, ok := f.accounts.UserID(name); ok && online != nil {
			st.Online = online(id)
		}
		out = append(out, st)
	}
	return out, nil
}

// Delete removes the ACCEPTED edge between the user and otherUsername,
// whichever direction it was stored in.
func (f *Friends) Delete(userID int, otherUsername string) error {
	me, ok := f.accounts.Username(userID)
	if !ok {
		return fmt.Errorf("friends: unknown user %d", userID)
	}
	if me == otherUsername {
		return ErrSelf
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	edges, err := f.loadLocked()
	if err != nil {
		return err
	}
	found := false
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if e.between(me, otherUsername) && e.Status == statusAccepted {
			found = true
			continue
		}
		out = append(out, formatEdge(e))
	}
	if !found {
		return ErrNotFound
	}
	if err := rewriteLines(f.path, out); err != nil {
		f.log.Error().Err(err).Msg("rewrite friends db")
		return err
	}
	return nil
}

func (e edge) between(a, b string) bool {
	return (e.From == a && e.To == b) || (e.From == b && e.To == a)
}

func (f *Friends) loadLocked() ([]edge, error) {
	lines, err := readLines(f.path)
	if err != nil {
		f.log.Error().Err(err).Msg("read friends db")
		return nil, err
	}
	edges := make([]edge, 0, len(lines))
	for _, l := range lines {
		e, ok := parseEdge(l)
		if !ok {
			continue
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func parseEdge(line string) (edge, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return edge{}, false
	}
	ts, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return edge{}, false
	}
	return edge{From: parts[0], To: parts[1], Status: parts[2], TS: ts}, true
}

func formatEdge(e edge) string {
	return fmt.Sprintf("%s|%s|%s|%d", e.From, e.To, e.Status, e.TS)
}
