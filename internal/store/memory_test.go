package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peridot/api/internal/notes"
	"peridot/api/internal/quota"
)

func TestMemoryStoreUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	require.NoError(t, s.CreateUser(ctx, User{ID: "u1", Username: "avery", Email: "Avery@Example.com"}))
	assert.ErrorIs(t, s.CreateUser(ctx, User{ID: "u2", Username: "avery", Email: "b@example.com"}), ErrUserExists)
	assert.ErrorIs(t, s.CreateUser(ctx, User{ID: "u3", Username: "blake", Email: "avery@example.com"}), ErrUserExists)

	got, err := s.GetUserByEmail(ctx, "AVERY@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)

	exists, err := s.UserExists(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, exists)

	usage, err := s.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, quota.DefaultTotalBytes, usage.TotalBytes)
}

func TestMemoryStoreSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	require.NoError(t, s.CreateUser(ctx, User{ID: "u1", Username: "avery", Email: "a@example.com"}))

	require.NoError(t, s.SaveRefreshSession(ctx, "live", "u1", time.Now().Add(time.Hour)))
	require.NoError(t, s.SaveRefreshSession(ctx, "stale", "u1", time.Now().Add(-time.Second)))

	user, err := s.LookupRefreshSession(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = s.LookupRefreshSession(ctx, "stale")
	assert.ErrorIs(t, err, ErrSessionInvalid)

	require.NoError(t, s.RevokeRefreshSession(ctx, "live"))
	_, err = s.LookupRefreshSession(ctx, "live")
	assert.ErrorIs(t, err, ErrSessionInvalid)

	require.NoError(t, s.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Minute)))
	revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestMemoryAtomicDiscardsWritesOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)
	boom := errors.New("boom")

	err := s.Atomic(ctx, "owner", func(tx notes.Tx) error {
		require.NoError(t, tx.InsertNote(ctx, notes.Note{ID: 1, Content: notes.Text("hello")}))
		require.NoError(t, tx.Ledger().Reserve(ctx, "owner", 5))
		staged, err := tx.GetNote(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "hello", staged.Content.String())
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetNote(ctx, "owner", 1)
	assert.ErrorIs(t, err, notes.ErrNotFound)
	usage, err := s.Usage(ctx, "owner")
	require.NoError(t, err)
	assert.Zero(t, usage.UsedBytes)
}

func TestMemoryAtomicCommitsStagedDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)

	require.NoError(t, s.Atomic(ctx, "owner", func(tx notes.Tx) error {
		return tx.InsertNote(ctx, notes.Note{ID: 7, Content: notes.Text("x")})
	}))
	require.NoError(t, s.Atomic(ctx, "owner", func(tx notes.Tx) error {
		if err := tx.DeleteNote(ctx, 7); err != nil {
			return err
		}
		_, err := tx.GetNote(ctx, 7)
		assert.ErrorIs(t, err, notes.ErrNotFound)
		assert.ErrorIs(t, tx.DeleteNote(ctx, 7), notes.ErrNotFound)
		return nil
	}))

	items, err := s.ListNotes(ctx, "owner")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMemoryListOrdersByModifiedDesc(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Atomic(ctx, "owner", func(tx notes.Tx) error {
		for i, offset := range []time.Duration{time.Minute, 3 * time.Minute, 2 * time.Minute} {
			n := notes.Note{ID: int64(i + 1), DateModified: base.Add(offset)}
			if err := tx.InsertNote(ctx, n); err != nil {
				return err
			}
		}
		return nil
	}))

	items, err := s.ListNotes(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []int64{2, 3, 1}, []int64{items[0].ID, items[1].ID, items[2].ID})

	other, err := s.ListNotes(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemorySetQuotaTotalRefusesBelowUsed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)
	require.NoError(t, s.Atomic(ctx, "owner", func(tx notes.Tx) error {
		return tx.Ledger().Reserve(ctx, "owner", 40)
	}))

	_, err := s.SetQuotaTotal(ctx, "owner", 30)
	assert.ErrorIs(t, err, quota.ErrInvalidTotal)

	usage, err := s.SetQuotaTotal(ctx, "owner", 500)
	require.NoError(t, err)
	assert.Equal(t, quota.Usage{TotalBytes: 500, UsedBytes: 40}, usage)
}
