package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Session {
	return &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC),
		User:         User{ID: 9, Email: "lin@example.com", Name: "Lin", IsVerified: true},
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileBackend(filepath.Join(dir, "session.json"))
	require.NoError(t, err)

	lite, err := NewSQLiteBackend(filepath.Join(dir, "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })

	return map[string]Backend{
		"memory":   NewMemoryBackend(),
		"file":     file,
		"sqlite":   lite,
		"mirrored": NewMirrored(NewMemoryBackend(), NewMemoryBackend()),
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(b)

			_, err := s.Read(ctx)
			require.ErrorIs(t, err, ErrNoSession)

			want := sample()
			require.NoError(t, s.Write(ctx, want))

			got, err := s.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, want.AccessToken, got.AccessToken)
			assert.Equal(t, want.RefreshToken, got.RefreshToken)
			assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
			assert.Equal(t, want.User, got.User)

			next := sample()
			next.AccessToken, next.RefreshToken = "access-2", "refresh-2"
			next.ExpiresAt = next.ExpiresAt.Add(time.Hour)
			require.NoError(t, s.Write(ctx, next))
			got, err = s.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, "access-2", got.AccessToken)
			assert.Equal(t, "refresh-2", got.RefreshToken)

			require.NoError(t, s.Clear(ctx))
			_, err = s.Read(ctx)
			assert.ErrorIs(t, err, ErrNoSession)

			entries, err := b.Get(ctx, Keys)
			require.NoError(t, err)
			assert.Empty(t, entries, "every session entry is removed together")

			// clearing twice is fine
			assert.NoError(t, s.Clear(ctx))
		})
	}
}

func TestStore_WriteRejectsIncompleteSession(t *testing.T) {
	s := NewStore(NewMemoryBackend())
	assert.Error(t, s.Write(context.Background(), nil))
	assert.Error(t, s.Write(context.Background(), &Session{AccessToken: "a"}))
}

func TestStore_UnreadableExpiryIsNoSession(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Set(ctx, map[string]string{
		KeyAccessToken:  "a",
		KeyRefreshToken: "r",
		KeyTokenExpiry:  "yesterday",
	}))

	_, err := NewStore(b).Read(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStore_PartialSessionIsNoSession(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Set(ctx, map[string]string{KeyAccessToken: "a"}))

	_, err := NewStore(b).Read(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFileBackend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	first, err := NewFileBackend(path)
	require.NoError(t, err)
	require.NoError(t, NewStore(first).Write(ctx, sample()))

	second, err := NewFileBackend(path)
	require.NoError(t, err)
	got, err := NewStore(second).Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", got.AccessToken)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestSQLiteBackend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")

	first, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	require.NoError(t, NewStore(first).Write(ctx, sample()))
	require.NoError(t, first.Close())

	second, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer second.Close()
	got, err := NewStore(second).Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", got.RefreshToken)
}

func TestMirrored_LoadsFromMirrorWhenCold(t *testing.T) {
	ctx := context.Background()
	mirror := NewMemoryBackend()
	require.NoError(t, NewStore(mirror).Write(ctx, sample()))

	front := NewMemoryBackend()
	got, err := NewStore(NewMirrored(front, mirror)).Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", got.AccessToken)

	warmed, err := front.Get(ctx, Keys)
	require.NoError(t, err)
	assert.Len(t, warmed, len(Keys))
}

type failingBackend struct{ *MemoryBackend }

func (failingBackend) Set(context.Context, map[string]string) error {
	return errors.New("disk full")
}

func TestMirrored_MirrorFailureLeavesFrontUntouched(t *testing.T) {
	ctx := context.Background()
	front := NewMemoryBackend()
	m := NewMirrored(front, failingBackend{NewMemoryBackend()})

	require.Error(t, NewStore(m).Write(ctx, sample()))
	entries, err := front.Get(ctx, Keys)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMirrored_SyncPicksUpOtherContexts(t *testing.T) {
	ctx := context.Background()
	mirror := NewMemoryBackend()
	tabA := NewStore(NewMirrored(NewMemoryBackend(), mirror))
	tabB := NewStore(NewMirrored(NewMemoryBackend(), mirror))

	require.NoError(t, tabA.Write(ctx, sample()))
	got, err := tabB.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "refresh-1", got.RefreshToken)

	next := sample()
	next.AccessToken, next.RefreshToken = "access-2", "refresh-2"
	require.NoError(t, tabA.Write(ctx, next))

	got, err = tabB.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", got.RefreshToken, "reads stay on the warm front")

	require.NoError(t, tabB.Sync(ctx))
	got, err = tabB.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", got.RefreshToken)

	t.Run("cleared elsewhere", func(t *testing.T) {
		require.NoError(t, tabA.Clear(ctx))
		require.NoError(t, tabB.Sync(ctx))
		_, err := tabB.Read(ctx)
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

func TestStore_SyncWithoutCache(t *testing.T) {
	assert.NoError(t, NewStore(NewMemoryBackend()).Sync(context.Background()))
}
