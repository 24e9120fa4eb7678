package linechat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hoangnd/linechat/store"
	"github.com/hoangnd/linechat/wire"
)

// groupID parses the group_id field. On failure the 400 response has
// already been written.
func (s *Server) groupID(c *Conn, req wire.Request, raw string) (int64, bool, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		werr := s.respondErr(c, req.ReqID, 400, "invalid_group_id")
		return 0, false, werr
	}
	return id, true, nil
}

func (s *Server) handleGroupCreate(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "name")
	if !ok {
		return err
	}
	name := vals[0]

	id, cerr := s.groups.Create(userID, name)
	switch {
	case cerr == nil:
		s.audit.Eventf("group created: %s (id=%d) by user %d", name, id, userID)
		return s.respondOK(c, req.ReqID, fmt.Sprintf("group_id=%d name=%s", id, name))
	case errors.Is(cerr, store.ErrInvalid):
		return s.respondErr(c, req.ReqID, 400, "bad_request")
	default:
		return s.internalErr(c, req, cerr)
	}
}

func (s *Server) handleGroupList(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	ids, lerr := s.groups.ListForUser(userID)
	if lerr != nil {
		return s.internalErr(c, req, lerr)
	}

	strs := make([]string, 0, len(ids))
	for _, id := range ids {
		strs = append(strs, strconv.FormatInt(id, 10))
	}
	return s.respondOK(c, req.ReqID, "groups="+strings.Join(strs, ","))
}

func (s *Server) handleGroupMembers(c *Conn, req wire.Request) error {
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

	members, merr := s.groups.Members(userID, gid)
	switch {
	case merr == nil:
		return s.respondOK(c, req.ReqID, "members="+strings.Join(members, ","))
	case errors.Is(merr, store.ErrPermission):
		return s.respondErr(c, req.ReqID, 403, "not_group_member")
	default:
		return s.internalErr(c, req, merr)
	}
}

func (s *Server) handleGroupAdd(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "group_id", "username")
	if !ok {
		return err
	}
	gid, ok, err := s.groupID(c, req, vals[0])
	if !ok {
		return err
	}
	target := vals[1]

	aerr := s.groups.AddMember(userID, gid, target)
	switch {
	case aerr == nil:
		s.audit.Eventf("group %d: %s added by user %d", gid, target, userID)
		if werr := s.respondOK(c, req.ReqID,
			fmt.Sprintf("group_id=%d username=%s status=added", gid, target)); werr != nil {
			return werr
		}
		s.pushGroupJoin(gid, target)
		return nil
	case errors.Is(aerr, store.ErrPermission):
		return s.respondErr(c, req.ReqID, 403, "not_group_owner")
	case errors.Is(aerr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "user_not_found")
	case errors.Is(aerr, store.ErrExists):
		return s.respondErr(c, req.ReqID, 409, "already_member")
	default:
		return s.internalErr(c, req, aerr)
	}
}

func (s *Server) handleGroupRemove(c *Conn, req wire.Request) error {
	userID, ok, err := s.authenticate(c, req)
	if !ok {
		return err
	}
	vals, ok, err := s.fields(c, req, "group_id", "username")
	if !ok {
		return err
	}
	gid, ok, err := s.groupID(c, req, vals[0])
	if !ok {
		return err
	}
	target := vals[1]

	rerr := s.groups.RemoveMember(userID, gid, target)
	switch {
	case rerr == nil:
		s.audit.Eventf("group %d: %s removed by user %d", gid, target, userID)
		if werr := s.respondOK(c, req.ReqID,
			fmt.Sprintf("group_id=%d username=%s status=removed", gid, target)); werr != nil {
			return werr
		}
		s.pushGroupLeave(gid, target, true)
		return nil
	case errors.Is(rerr, store.ErrPermission):
		return s.respondErr(c, req.ReqID, 403, "not_group_owner")
	case errors.Is(rerr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "member_not_found")
	default:
		return s.internalErr(c, req, rerr)
	}
}

func (s *Server) handleGroupLeave(c *Conn, req wire.Request) error {
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

	lerr := s.groups.Leave(userID, gid)
	switch {
	case lerr == nil:
		s.audit.Eventf("group %d: user %d left", gid, userID)
		if werr := s.respondOK(c, req.ReqID,
			fmt.Sprintf("group_id=%d status=left", gid)); werr != nil {
			return werr
		}
		if name, ok := s.accounts.Username(userID); ok {
			s.pushGroupLeave(gid, name, false)
		}
		return nil
	case errors.Is(lerr, store.ErrSelf):
		return s.respondErr(c, req.ReqID, 422, "owner_cannot_leave")
	case errors.Is(lerr, store.ErrNotMember), errors.Is(lerr, store.ErrNotFound):
		return s.respondErr(c, req.ReqID, 404, "not_group_member")
	default:
		return s.internalErr(c, req, lerr)
	}
}
