package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestAccounts(t *testing.T) *Accounts {
	t.Helper()
	a, err := OpenAccounts(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	return a
}

func TestAccountsRegister(t *testing.T) {
	a := openTestAccounts(t)

	id, err := a.Register("alice", "secret1", "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, id)

	id, err = a.Register("bob", "secret2", "bob@example.com")
	require.NoError(t, err)
	require.Equal(t, 2, id)

	_, err = a.Register("alice", "another1", "other@example.com")
	require.ErrorIs(t, err, ErrExists)
}

func TestAccountsRegisterValidation(t *testing.T) {
	a := openTestAccounts(t)

	cases := []struct {
		name     string
		username string
		password string
		email    string
	}{
		{"short username", "ab", "secret1", "a@b.co"},
		{"bad username chars", "ali ce", "secret1", "a@b.co"},
		{"short password", "alice", "12345", "a@b.co"},
		{"password with space", "alice", "sec ret", "a@b.co"},
		{"no at sign", "alice", "secret1", "alice.example.com"},
		{"no dot after at", "alice", "secret1", "alice@example"},
		{"dot last", "alice", "secret1", "alice@example."},
		{"leading at", "alice", "secret1", "@example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Register(tc.username, tc.password, tc.email)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestAccountsAuthenticate(t *testing.T) {
	a := openTestAccounts(t)

	id, err := a.Register("alice", "secret1", "alice@example.com")
	require.NoError(t, err)

	got, err := a.Authenticate("alice", "secret1")
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = a.Authenticate("alice", "wrongpw")
	require.ErrorIs(t, err, ErrBadPassword)

	_, err = a.Authenticate("nobody", "secret1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAccountsInactive(t *testing.T) {
	a := openTestAccounts(t)

	_, err := a.Register("alice", "secret1", "alice@example.com")
	require.NoError(t, err)

	// Flip the active flag the way an operator would: edit the record.
	data, err := os.ReadFile(a.path)
	require.NoError(t, err)
	edited := strings.Replace(string(data), "|1\n", "|0\n", 1)
	require.NoError(t, os.WriteFile(a.path, []byte(edited), 0o644))

	_, err = a.Authenticate("alice", "secret1")
	require.ErrorIs(t, err, ErrInactive)

	// Disabled accounts stay resolvable for history reads but are absent
	// for new operations.
	_, ok := a.UserID("alice")
	require.True(t, ok)
	_, ok = a.ActiveUserID("alice")
	require.False(t, ok)
}

func TestAccountsNoPlaintextPassword(t *testing.T) {
	a := openTestAccounts(t)

	_, err := a.Register("alice", "sup3rsecret", "alice@example.com")
	require.NoError(t, err)

	data, err := os.ReadFile(a.path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "sup3rsecret")
}

func TestAccountsLookups(t *testing.T) {
	a := openTestAccounts(t)

	id, err := a.Register("alice", "secret1", "alice@example.com")
	require.NoError(t, err)

	got, ok := a.UserID("alice")
	require.True(t, ok)
	require.Equal(t, id, got)

	name, ok := a.Username(id)
	require.True(t, ok)
	require.Equal(t, "alice", name)

	_, ok = a.UserID("nobody")
	require.False(t, ok)
	_, ok = a.Username(999)
	require.False(t, ok)
}

func TestAccountsTolerateCorruptLine(t *testing.T) {
	a := openTestAccounts(t)

	_, err := a.Register("alice", "secret1", "alice@example.com")
	require.NoError(t, err)

	// Simulate a crash mid-append.
	require.NoError(t, appendLine(a.path, "2|bob|salt"))

	id, err := a.Register("carol", "secret3", "carol@example.com")
	require.NoError(t, err)
	require.Equal(t, 2, id)
}
