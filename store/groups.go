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

// Groups persists chat groups across two files.
//
//	groups.db:        group_id|name|owner_username|created_at
//	group_members.db: group_id|username
//
// The owner's membership record is written right after the group record; a
// crash between the two appends leaves a group without its owner row, which
// readers tolerate (the group simply has no members until repaired).
//
// Group ids come from a persisted counter so they are strictly increasing
// and unique even when groups are created within the same second.
type Groups struct {
	mu          sync.Mutex
	groupsPath  string
	membersPath string
	idc         *counter
	accounts    *Accounts
	log         zerolog.Logger
	now         func() time.Time
}

type groupRec struct {
	ID        int64
	Name      string
	Owner     string
	CreatedAt int64
}

func OpenGroups(groupsPath, membersPath, counterPath string, accounts *Accounts) (*Groups, error) {
	if err := touch(groupsPath); err != nil {
		return nil, fmt.Errorf("groups db: %w", err)
	}
	if err := touch(membersPath); err != nil {
		return nil, fmt.Errorf("group members db: %w", err)
	}
	idc, err := loadCounter(counterPath)
	if err != nil {
		return nil, fmt.Errorf("group id counter: %w", err)
	}

	g := &Groups{
		groupsPath:  groupsPath,
		membersPath: membersPath,
		idc:         idc,
		accounts:    accounts,
		log:         log.Logger.With().Str("caller", "store<groups>").Logger(),
		now:         time.Now,
	}

	// Recover the allocator when the counter file lags behind the records,
	// e.g. data dirs migrated from deployments that used wall-clock ids.
	g.mu.Lock()
	recs, err := g.loadGroupsLocked()
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		idc.bump(r.ID)
	}
	return g, nil
}

// Create inserts a group owned by ownerID plus the owner membership record.
func (g *Groups) Create(ownerID int, name string) (int64, error) {
	owner, ok := g.accounts.Username(ownerID)
	if !ok {
		return 0, fmt.Errorf("groups: unknown owner %d", ownerID)
	}
	if name == "" || strings.ContainsAny(name, "| \r\n") {
		return 0, ErrInvalid
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := g.idc.alloc()
	if err != nil {
		g.log.Error().Err(err).Msg("allocate group id")
		return 0, err
	}

	rec := groupRec{ID: id, Name: name, Owner: owner, CreatedAt: g.now().Unix()}
	if err := appendLine(g.groupsPath, formatGroup(rec)); err != nil {
		g.log.Error().Err(err).Msg("append group record")
		return 0, err
	}
	if err := appendLine(g.membersPath, formatMember(id, owner)); err != nil {
		g.log.Error().Err(err).Msg("append owner membership")
		return 0, err
	}
	return id, nil
}

// ListForUser returns the ids of every group the user belongs to.
func (g *Groups) ListForUser(userID int) ([]int64, error) {
	me, ok := g.accounts.Username(userID)
	if !ok {
		return nil, fmt.Errorf("groups: unknown user %d", userID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	members, err := g.loadMembersLocked()
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, m := range members {
		if m.user == me {
			ids = append(ids, m.group)
		}
	}
	return ids, nil
}

// Members lists the group's member usernames. The caller must be a member.
// A missing group reads as not-a-member.
func (g *Groups) Members(callerID int, groupID int64) ([]string, error) {
	me, ok := g.accounts.Username(callerID)
	if !ok {
		return nil, fmt.Errorf("groups: unknown user %d", callerID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	members, err := g.loadMembersLocked()
	if err != nil {
		return nil, err
	}
	var names []string
	caller := false
	for _, m := range members {
		if m.group != groupID {
			continue
		}
		names = append(names, m.user)
		if m.user == me {
			caller = true
		}
	}
	if !caller {
		return nil, ErrPermission
	}
	return names, nil
}

// MemberNames lists members without a permission gate; used for push
// fan-out after the originating request already passed its own checks.
func (g *Groups) MemberNames(groupID int64) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, err := g.loadMembersLocked()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range members {
		if m.group == groupID {
			names = append(names, m.user)
		}
	}
	return names, nil
}

// AddMember adds username to the group. Only the owner may add; the target
// must exist and not already be a member.
func (g *Groups) AddMember(callerID int, groupID int64, username string) error {
	me, ok := g.accounts.Username(callerID)
	if !ok {
		return fmt.Errorf("groups: unknown user %d", callerID)
	}
	if _, ok := g.accounts.ActiveUserID(username); !ok {
		return ErrNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireOwnerLocked(groupID, me); err != nil {
		return err
	}
	members, err := g.loadMembersLocked()
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.group == groupID && m.user == username {
			return ErrExists
		}
	}
	if err := appendLine(g.membersPath, formatMember(groupID, username)); err != nil {
		g.log.Error().Err(err).Msg("append membership")
		return err
	}
	return nil
}

// RemoveMember removes username from the group. Only the owner may remove;
// removing the owner themselves is rejected as not-found to keep the owner
// membership invariant.
func (g *Groups) RemoveMember(callerID int, groupID int64, username string) error {
	me, ok := g.accounts.Username(callerID)
	if !ok {
		return fmt.Errorf("groups: unknown user %d", callerID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireOwnerLocked(groupID, me); err != nil {
		return err
	}
	if username == me {
		return ErrNotFound
	}
	return g.removeMembershipLocked(groupID, username)
}

// Leave removes the caller's own membership. The owner cannot leave.
func (g *Groups) Leave(userID int, groupID int64) error {
	me, ok := g.accounts.Username(userID)
	if !ok {
		return fmt.Errorf("groups: unknown user %d", userID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok, err := g.findGroupLocked(groupID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	if rec.Owner == me {
		return ErrSelf
	}
	if err := g.removeMembershipLocked(groupID, me); err != nil {
		if err == ErrNotFound {
			return ErrNotMember
		}
		return err
	}
	return nil
}

// Name returns the group's display name.
func (g *Groups) Name(groupID int64) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok, err := g.findGroupLocked(groupID)
	if err != nil || !ok {
		return "", false
	}
	return rec.Name, true
}

// IsMember reports whether username belongs to the group.
func (g *Groups) IsMember(groupID int64, username string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, err := g.loadMembersLocked()
	if err != nil {
		return false
	}
	for _, m := range members {
		if m.group == groupID && m.user == username {
			return true
		}
	}
	return false
}

// Exists reports whether the group id is known.
func (g *Groups) Exists(groupID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok, err := g.findGroupLocked(groupID)
	return err == nil && ok
}

func (g *Groups) requireOwnerLocked(groupID int64, username string) error {
	rec, ok, err := g.findGroupLocked(groupID)
	if err != nil {
		return err
	}
	if !ok || rec.Owner != username {
		return ErrPermission
	}
	return nil
}

func (g *Groups) removeMembershipLocked(groupID int64, username string) error {
	members, err := g.loadMembersLocked()
	if err != nil {
		return err
	}
	found := false
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.group == groupID && m.user == username {
			found = true
			continue
		}
		out = append(out, formatMember(m.group, m.user))
	}
	if !found {
		return ErrNotFound
	}
	if err := rewriteLines(g.membersPath, out); err != nil {
		g.log.Error().Err(err).Msg("rewrite group members db")
		return err
	}
	return nil
}

func (g *Groups) findGroupLocked(groupID int64) (groupRec, bool, error) {
	recs, err := g.loadGroupsLocked()
	if err != nil {
		return groupRec{}, false, err
	}
	for _, r := range recs {
		if r.ID == groupID {
			return r, true, nil
		}
	}
	return groupRec{}, false, nil
}

func (g *Groups) loadGroupsLocked() ([]groupRec, error) {
	lines, err := readLines(g.groupsPath)
	if err != nil {
		g.log.Error().Err(err).Msg("read groups db")
		return nil, err
	}
	recs := make([]groupRec, 0, len(lines))
	for _, l := range lines {
		parts := strings.Split(l, "|")
		if len(parts) != 4 {
			continue
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || id < 0 {
			continue
		}
		ts, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			continue
		}
		recs = append(recs, groupRec{ID: id, Name: parts[1], Owner: parts[2], CreatedAt: ts})
	}
	return recs, nil
}

type membership struct {
	group int64
	user  string
}

func (g *Groups) loadMembersLocked() ([]membership, error) {
	lines, err := readLines(g.membersPath)
	if err != nil {
		g.log.Error().Err(err).Msg("read group members db")
		return nil, err
	}
	members := make([]membership, 0, len(lines))
	for _, l := range lines {
		parts := strings.Split(l, "|")
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		members = append(members, membership{group: id, user: parts[1]})
	}
	return members, nil
}

func formatGroup(r groupRec) string {
	return fmt.Sprintf("%d|%s|%s|%d", r.ID, r.Name, r.Owner, r.CreatedAt)
}

func formatMember(groupID int64, username string) string {
	return fmt.Sprintf("%d|%s", groupID, username)
}
