package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildtrack/buildtrack/internal/superowner"
)

type stubSaver struct {
	saved superowner.SuperOwner
	err   error
}

func (s *stubSaver) Save(ctx context.Context, o superowner.SuperOwner) (superowner.SuperOwner, error) {
	if s.err != nil {
		return superowner.SuperOwner{}, s.err
	}
	o.ID = 7
	s.saved = o
	return o, nil
}

func TestParseSeedArgs(t *testing.T) {
	opts, err := ParseSeedArgs([]string{"-user", "42", "-primary", "-caps", "activate_accounts, view_analytics", "-companies", "3,5"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), opts.UserID)
	assert.True(t, opts.Primary)
	assert.Equal(t, []string{"activate_accounts", "view_analytics"}, opts.Capabilities)
	assert.Equal(t, []int64{3, 5}, opts.Companies)

	_, err = ParseSeedArgs([]string{"-companies", "x"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestSeedCommandSavesOwner(t *testing.T) {
	saver := &stubSaver{}
	stdout := new(bytes.Buffer)
	code := SeedCommand(context.Background(), saver, SeedOptions{
		UserID:       42,
		Level:        "user_management",
		Capabilities: []string{"activate_accounts"},
		Stdout:       stdout,
		Stderr:       new(bytes.Buffer),
	})
	require.Equal(t, 0, code)
	assert.True(t, saver.saved.ActivateAccounts)
	assert.False(t, saver.saved.ManageBilling)
	assert.True(t, saver.saved.IsActive)
	assert.Contains(t, stdout.String(), "super owner 7 saved for user 42")
	assert.Contains(t, stdout.String(), "capabilities: activate_accounts")
}

func TestSeedCommandJSON(t *testing.T) {
	stdout := new(bytes.Buffer)
	code := SeedCommand(context.Background(), &stubSaver{}, SeedOptions{UserID: 1, Primary: true, Level: "full", JSONOutput: true, Stdout: stdout})
	require.Equal(t, 0, code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, true, out["is_primary_owner"])
}

func TestSeedCommandFailures(t *testing.T) {
	stderr := new(bytes.Buffer)
	assert.Equal(t, 1, SeedCommand(context.Background(), &stubSaver{}, SeedOptions{Stderr: stderr}))
	assert.Contains(t, stderr.String(), "-user is required")

	stderr.Reset()
	assert.Equal(t, 1, SeedCommand(context.Background(), &stubSaver{}, SeedOptions{UserID: 1, Capabilities: []string{"fly"}, Stderr: stderr}))
	assert.Contains(t, stderr.String(), `unknown capability "fly"`)

	stderr.Reset()
	saver := &stubSaver{err: errors.New("db down")}
	assert.Equal(t, 1, SeedCommand(context.Background(), saver, SeedOptions{UserID: 1, Stderr: stderr}))
	assert.Contains(t, stderr.String(), "db down")
}
