package linechat

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoangnd/linechat/wire"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv, err := NewServer(Config{DataDir: filepath.Join(t.TempDir(), "data")})
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go srv.Serve(l)
	return srv, l.Addr().String()
}

// testClient drives one protocol connection.
type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
	seq  int
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.br.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\r\n")
}

// do sends one request and returns the response line.
func (c *testClient) do(verb, payload string) string {
	c.t.Helper()
	c.seq++
	line := fmt.Sprintf("%s %d", verb, c.seq)
	if payload != "" {
		line += " " + payload
	}
	c.sendRaw(line + "\r\n")
	return c.readLine()
}

// field extracts key=value from a response payload.
func field(t *testing.T, line, key string) string {
	t.Helper()
	for _, tok := range strings.Fields(line)[2:] {
		if strings.HasPrefix(tok, key+"=") {
			return tok[len(key)+1:]
		}
	}
	t.Fatalf("field %q not in %q", key, line)
	return ""
}

func (c *testClient) register(name string) {
	c.t.Helper()
	resp := c.do("REGISTER", fmt.Sprintf("username=%s password=secret1 email=%s@example.com", name, name))
	require.True(c.t, strings.HasPrefix(resp, "OK "), resp)
}

func (c *testClient) login(name string) string {
	c.t.Helper()
	resp := c.do("LOGIN", fmt.Sprintf("username=%s password=secret1", name))
	require.True(c.t, strings.HasPrefix(resp, "OK "), resp)
	return field(c.t, resp, "token")
}

func TestServerPing(t *testing.T) {
	_, addr := startTestServer(t)
	c := dial(t, addr)

	resp := c.do("PING", "")
	require.Equal(t, "OK 1 pong=1", resp)
}

func TestServerBadLines(t *testing.T) {
	_, addr := startTestServer(t)
	c := dial(t, addr)

	// Unparsable line: the reserved request id 0 comes back.
	c.sendRaw("NONSENSE\r\n")
	require.Equal(t, "ERR 0 400 bad_request", c.readLine())

	// The connection survives and keeps serving.
	require.Equal(t, "OK 1 pong=1", c.do("PING", ""))

	resp := c.do("BOGUS_VERB", "x=1")
	require.Equal(t, "ERR 2 404 unknown_command", resp)

	// Empty lines are skipped, not answered.
	c.sendRaw("\r\n")
	require.Equal(t, "OK 3 pong=1", c.do("PING", ""))
}

func TestServerRegisterLoginWhoami(t *testing.T) {
	_, addr := startTestServer(t)
	c := dial(t, addr)

	resp := c.do("REGISTER", "username=alice password=secret1 email=alice@example.com")
	require.Equal(t, "OK 1 user_id=1", resp)

	resp = c.do("REGISTER", "username=alice password=secret1 email=other@example.com")
	require.Equal(t, "ERR 2 409 username_exists", resp)

	resp = c.do("REGISTER", "username=ab password=secret1 email=a@b.co")
	require.Equal(t, "ERR 3 422 invalid_fields", resp)

	resp = c.do("LOGIN", "username=alice password=wrongpw")
	require.Equal(t, "ERR 4 401 invalid_credentials", resp)

	resp = c.do("LOGIN", "username=alice password=secret1")
	token := field(t, resp, "token")
	require.Len(t, token, 32)
	require.Equal(t, "1", field(t, resp, "user_id"))

	resp = c.do("WHOAMI", "token="+token)
	require.Equal(t, "user_id=1", strings.Join(strings.Fields(resp)[2:], " "))

	resp = c.do("WHOAMI", "token=bogustoken")
	require.True(t, strings.HasSuffix(resp, "401 invalid_token"), resp)

	resp = c.do("WHOAMI", "")
	require.True(t, strings.HasSuffix(resp, "400 missing_fields"), resp)

	resp = c.do("LOGOUT", "token="+token)
	require.True(t, strings.HasPrefix(resp, "OK "), resp)

	resp = c.do("WHOAMI", "token="+token)
	require.True(t, strings.HasSuffix(resp, "401 invalid_token"), resp)
}

func TestServerSingleLogin(t *testing.T) {
	_, addr := startTestServer(t)
	c1 := dial(t, addr)
	c1.register("alice")
	c1.login("alice")

	c2 := dial(t, addr)
	resp := c2.do("LOGIN", "username=alice password=secret1")
	require.True(t, strings.HasSuffix(resp, "409 already_logged_in"), resp)
}

func TestServerSessionEndsWithConnection(t *testing.T) {
	srv, addr := startTestServer(t)
	c := dial(t, addr)
	c.register("alice")
	c.login("alice")
	require.Equal(t, 1, srv.sessions.Count())

	c.conn.Close()

	require.Eventually(t, func() bool {
		return srv.sessions.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Alice can log in again on a fresh connection.
	c2 := dial(t, addr)
	c2.login("alice")
}

func TestServerFriendFlow(t *testing.T) {
	_, addr := startTestServer(t)
	alice := dial(t, addr)
	alice.register("alice")
	alice.register("bob")
	ta := alice.login("alice")

	bob := dial(t, addr)
	tb := bob.login("bob")

	resp := alice.do("FRIEND_INVITE", "token="+ta+" username=bob")
	require.Equal(t, "pending", field(t, resp, "status"))

	resp = alice.do("FRIEND_INVITE", "token="+ta+" username=bob")
	require.True(t, strings.HasSuffix(resp, "409 already_friend_or_pending"), resp)

	resp = bob.do("FRIEND_PENDING", "token="+tb)
	require.Equal(t, "alice", field(t, resp, "username"))

	resp = bob.do("FRIEND_ACCEPT", "token="+tb+" username=alice")
	require.Equal(t, "accepted", field(t, resp, "status"))

	// Both sides see the friendship; alice sees bob online.
	resp = alice.do("FRIEND_LIST", "token="+ta)
	require.Equal(t, "bob:online", field(t, resp, "username"))

	bob.conn.Close()
	require.Eventually(t, func() bool {
		resp := alice.do("FRIEND_LIST", "token="+ta)
		return field(t, resp, "username") == "bob:offline"
	}, 2*time.Second, 20*time.Millisecond)

	resp = alice.do("FRIEND_DELETE", "token="+ta+" username=bob")
	require.Equal(t, "deleted", field(t, resp, "status"))
	resp = alice.do("FRIEND_LIST", "token="+ta)
	require.Equal(t, "", field(t, resp, "username"))
}

func TestServerPMWithLivePush(t *testing.T) {
	_, addr := startTestServer(t)
	alice := dial(t, addr)
	alice.register("alice")
	alice.register("bob")
	ta := alice.login("alice")

	bob := dial(t, addr)
	tb := bob.login("bob")

	resp := alice.do("PM_CHAT_START", "token="+ta+" with=bob")
	require.Equal(t, "bob", field(t, resp, "with"))
	require.Equal(t, "alice", field(t, resp, "me"))
	require.Equal(t, "empty", field(t, resp, "history"))

	resp = bob.do("PM_CHAT_START", "token="+tb+" with=alice")
	require.Equal(t, "empty", field(t, resp, "history"))

	// Bob entered alice's conversation while she is viewing it.
	require.Equal(t, "PUSH JOIN user=bob", alice.readLine())

	resp = alice.do("PM_SEND", "token="+ta+" to=bob content=aGk=")
	require.Equal(t, "1", field(t, resp, "msg_id"))
	require.Equal(t, "sent", field(t, resp, "status"))

	push := bob.readLine()
	require.True(t, strings.HasPrefix(push, "PUSH PM "), push)
	require.Equal(t, "alice", field(t, push, "from"))
	require.Equal(t, "aGk=", field(t, push, "content"))
	require.Equal(t, "1", field(t, push, "msg_id"))

	// Bob leaves the view; no more live delivery, only history.
	resp = bob.do("PM_CHAT_END", "token="+tb)
	require.Equal(t, "chat_ended", field(t, resp, "status"))
	require.Equal(t, "PUSH LEAVE user=bob", alice.readLine())

	resp = alice.do("PM_SEND", "token="+ta+" to=bob content=eW8=")
	require.Equal(t, "2", field(t, resp, "msg_id"))

	resp = bob.do("PM_HISTORY", "token="+tb+" with=alice")
	msgs := field(t, resp, "messages")
	require.True(t, strings.HasPrefix(msgs, "2:alice:eW8=:"), msgs)
	require.Contains(t, msgs, ",1:alice:aGk=:")

	resp = bob.do("PM_CONVERSATIONS", "token="+tb)
	require.Equal(t, "alice:1", field(t, resp, "conversations"))

	resp = alice.do("PM_SEND", "token="+ta+" to=alice content=aGk=")
	require.True(t, strings.HasSuffix(resp, "422 cannot_send_to_self"), resp)
	resp = alice.do("PM_SEND", "token="+ta+" to=nobody content=aGk=")
	require.True(t, strings.HasSuffix(resp, "404 user_not_found"), resp)
}

func TestServerGroupFlowWithPushes(t *testing.T) {
	_, addr := startTestServer(t)
	alice := dial(t, addr)
	alice.register("alice")
	alice.register("bob")
	alice.register("carol")
	ta := alice.login("alice")

	bob := dial(t, addr)
	tb := bob.login("bob")

	resp := alice.do("GROUP_CREATE", "token="+ta+" name=study")
	gid := field(t, resp, "group_id")
	require.Equal(t, "study", field(t, resp, "name"))

	resp = alice.do("GROUP_ADD", "token="+ta+" group_id="+gid+" username=bob")
	require.Equal(t, "added", field(t, resp, "status"))

	resp = bob.do("GROUP_LIST", "token="+tb)
	require.Equal(t, gid, field(t, resp, "groups"))

	resp = bob.do("GROUP_MEMBERS", "token="+tb+" group_id="+gid)
	require.Equal(t, "alice,bob", field(t, resp, "members"))

	// Bob enters group chat mode; alice sends while not in chat mode
	// herself, bob still gets the push.
	resp = bob.do("GM_CHAT_START", "token="+tb+" group_id="+gid)
	require.Equal(t, "study", field(t, resp, "group_name"))
	require.Equal(t, "empty", field(t, resp, "history"))

	resp = alice.do("GM_SEND", "token="+ta+" group_id="+gid+" content=aGVsbG8=")
	require.Equal(t, "1", field(t, resp, "msg_id"))

	push := bob.readLine()
	require.True(t, strings.HasPrefix(push, "PUSH GM "), push)
	require.Equal(t, "alice", field(t, push, "from"))
	require.Equal(t, gid, field(t, push, "group_id"))
	require.Equal(t, "aGVsbG8=", field(t, push, "content"))

	// Adding carol notifies chat-mode members.
	resp = alice.do("GROUP_ADD", "token="+ta+" group_id="+gid+" username=carol")
	require.Equal(t, "added", field(t, resp, "status"))
	push = bob.readLine()
	require.Equal(t, "PUSH GM_JOIN user=carol group_id="+gid, push)

	// Removing carol notifies them too.
	resp = alice.do("GROUP_REMOVE", "token="+ta+" group_id="+gid+" username=carol")
	require.Equal(t, "removed", field(t, resp, "status"))
	push = bob.readLine()
	require.Equal(t, "PUSH GM_LEAVE user=carol group_id="+gid, push)

	resp = bob.do("GM_HISTORY", "token="+tb+" group_id="+gid)
	require.Contains(t, field(t, resp, "messages"), "1:alice:aGVsbG8=:")

	// Permission edges.
	resp = bob.do("GROUP_ADD", "token="+tb+" group_id="+gid+" username=carol")
	require.True(t, strings.HasSuffix(resp, "403 not_group_owner"), resp)
	resp = alice.do("GROUP_LEAVE", "token="+ta+" group_id="+gid)
	require.True(t, strings.HasSuffix(resp, "422 owner_cannot_leave"), resp)
	resp = bob.do("GROUP_LEAVE", "token="+tb+" group_id="+gid)
	require.Equal(t, "left", field(t, resp, "status"))
	resp = bob.do("GM_SEND", "token="+tb+" group_id="+gid+" content=aGk=")
	require.True(t, strings.HasSuffix(resp, "403 not_group_member"), resp)
	resp = bob.do("GM_SEND", "token="+tb+" group_id=999 content=aGk=")
	require.True(t, strings.HasSuffix(resp, "404 not_group_member"), resp)
	resp = bob.do("GROUP_MEMBERS", "token="+tb+" group_id=bad")
	require.True(t, strings.HasSuffix(resp, "400 invalid_group_id"), resp)
}

func TestServerOversizeLineCloses(t *testing.T) {
	_, addr := startTestServer(t)
	c := dial(t, addr)

	c.sendRaw("PING 1 x=" + strings.Repeat("a", wire.MaxLineLen) + "\r\n")

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.br.ReadString('\n')
	require.Error(t, err)
}

func TestServerDisconnect(t *testing.T) {
	_, addr := startTestServer(t)
	c := dial(t, addr)
	c.register("alice")
	token := c.login("alice")

	resp := c.do("DISCONNECT", "token="+token)
	require.Equal(t, "1", field(t, resp, "ok"))

	// The server closes its side after confirming.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.br.ReadString('\n')
	require.Error(t, err)
}

func TestServerConcurrentRegisters(t *testing.T) {
	_, addr := startTestServer(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := dial(t, addr)
			resp := c.do("REGISTER", fmt.Sprintf("username=user%d password=secret1 email=user%d@example.com", i, i))
			if !strings.HasPrefix(resp, "OK ") {
				errs[i] = resp
			}
		}(i)
	}
	wg.Wait()

	for i, e := range errs {
		require.Empty(t, e, "register %d failed: %s", i, e)
	}

	// All ids were assigned uniquely.
	c := dial(t, addr)
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		resp := c.do("LOGIN", fmt.Sprintf("username=user%d password=secret1", i))
		token := field(t, resp, "token")
		id := field(t, resp, "user_id")
		require.False(t, seen[id], "duplicate user id %s", id)
		seen[id] = true
		c.do("LOGOUT", "token="+token)
	}
}
