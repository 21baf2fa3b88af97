package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EntropyParadigm/pure-gopher/internal/state"
)

func newRepoBanList(t *testing.T) (*BanList, *state.Repo) {
	t.Helper()
	repo, closer, err := state.PersistenceBootstrap(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { closer.Close() })
	return NewBanList(repo), repo
}

func TestBanList_BanAndUnban(t *testing.T) {
	l, _ := newRepoBanList(t)

	_, err := l.Ban("198.51.100.7", "scraping", 0)
	require.NoError(t, err)
	assert.True(t, l.IsBanned("198.51.100.7"))
	assert.True(t, l.IsBanned("::ffff:198.51.100.7"))

	require.NoError(t, l.Unban("198.51.100.7"))
	assert.False(t, l.IsBanned("198.51.100.7"))
	assert.ErrorIs(t, l.Unban("198.51.100.7"), ErrBanNotFound)
}

func TestBanList_RejectsInvalidAddress(t *testing.T) {
	l := NewBanList(nil)
	_, err := l.Ban("not-an-ip", "", 0)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBanList_ExpiryIgnoredAndSwept(t *testing.T) {
	l, repo := newRepoBanList(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Ban("203.0.113.1", "temp", time.Minute)
	require.NoError(t, err)
	_, err = l.Ban("203.0.113.2", "perm", 0)
	require.NoError(t, err)
	assert.True(t, l.IsBanned("203.0.113.1"))

	now = now.Add(2 * time.Minute)
	assert.Len(t, l.List(), 1)
	assert.Equal(t, 1, l.Sweep())
	assert.False(t, l.IsBanned("203.0.113.1"))

	rows, err := repo.ListBans()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "203.0.113.2", rows[0].Address)
}

func TestBanList_LoadSurvivesRestart(t *testing.T) {
	l, repo := newRepoBanList(t)
	_, err := l.Ban("2001:db8::1", "abuse", time.Hour)
	require.NoError(t, err)

	restored := NewBanList(repo)
	require.NoError(t, restored.Load())
	ban, ok := restored.Lookup("2001:db8::1")
	require.True(t, ok)
	assert.Equal(t, "abuse", ban.Reason)
}

func TestBanList_SeedKeepsExistingExpiry(t *testing.T) {
	l, repo := newRepoBanList(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	first, wrote, err := l.Seed("203.0.113.5", "static", 24*time.Hour)
	require.NoError(t, err)
	require.True(t, wrote)

	// A restart an hour later sees the persisted ban and leaves it alone.
	now = now.Add(time.Hour)
	restarted := NewBanList(repo)
	restarted.now = l.now
	require.NoError(t, restarted.Load())
	got, wrote, err := restarted.Seed("203.0.113.5", "static", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, first.ExpiresAtNs, got.ExpiresAtNs)

	rows, err := repo.ListBans()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, first.ExpiresAtNs, rows[0].ExpiresAtNs)

	// A longer configured TTL still extends it.
	got, wrote, err = restarted.Seed("203.0.113.5", "static", 48*time.Hour)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, now.Add(48*time.Hour).UnixNano(), got.ExpiresAtNs)
}

func TestBanList_SeedPermanent(t *testing.T) {
	l := NewBanList(nil)

	_, err := l.Ban("203.0.113.6", "manual", time.Hour)
	require.NoError(t, err)
	b, wrote, err := l.Seed("203.0.113.6", "static", 0)
	require.NoError(t, err)
	assert.True(t, wrote, "a permanent seed replaces a temporary ban")
	assert.Zero(t, b.ExpiresAtNs)

	b, wrote, err = l.Seed("203.0.113.6", "static", time.Minute)
	require.NoError(t, err)
	assert.False(t, wrote, "a permanent ban covers any TTL")
	assert.Zero(t, b.ExpiresAtNs)

	_, _, err = l.Seed("bogus", "static", 0)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
