package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"peridot/api/internal/notes"
	"peridot/api/internal/quota"
)

func migratedPostgres(t *testing.T, total int64) *PostgresStore {
	t.Helper()
	db := testDatabase(t)
	if err := ApplyMigrations(context.Background(), db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db, total)
}

func TestPostgresUserLifecycle(t *testing.T) {
	s := migratedPostgres(t, 0)
	ctx := context.Background()

	user := User{ID: "u-1", Username: "avery", Email: "Avery@example.com", PasswordHash: "hash"}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := s.CreateUser(ctx, User{ID: "u-2", Username: "avery", Email: "other@example.com", PasswordHash: "x"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate username error = %v, want ErrUserExists", err)
	}

	got, err := s.GetUserByEmail(ctx, "avery@EXAMPLE.com")
	if err != nil || got.ID != "u-1" {
		t.Fatalf("GetUserByEmail() = %+v, %v", got, err)
	}
	if _, err := s.GetUserByUsername(ctx, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing user error = %v", err)
	}

	usage, err := s.Usage(ctx, "u-1")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage.TotalBytes != quota.DefaultTotalBytes || usage.UsedBytes != 0 {
		t.Fatalf("unexpected initial usage %+v", usage)
	}

	expires := time.Now().Add(time.Hour)
	if err := s.SaveRefreshSession(ctx, "hash-1", "u-1", expires); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if got, err := s.LookupRefreshSession(ctx, "hash-1"); err != nil || got.ID != "u-1" {
		t.Fatalf("LookupRefreshSession() = %+v, %v", got, err)
	}
	if err := s.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := s.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("revoked session error = %v", err)
	}
}

func TestPostgresNoteServiceKeepsLedgerInStep(t *testing.T) {
	s := migratedPostgres(t, 100)
	ctx := context.Background()
	if err := s.CreateUser(ctx, User{ID: "owner", Username: "owner", Email: "owner@example.com", PasswordHash: "x"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	svc := notes.NewService(s, nil, nil)

	if _, err := svc.Create(ctx, "owner", notes.CreateInput{ID: 1, Content: notes.Text(string(make([]byte, 60)))}); err != nil {
		t.Fatalf("create 60 bytes: %v", err)
	}
	_, err := svc.Create(ctx, "owner", notes.CreateInput{ID: 2, Content: notes.Text(string(make([]byte, 50)))})
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("create over quota error = %v", err)
	}
	if _, err := s.GetNote(ctx, "owner", 2); !errors.Is(err, notes.ErrNotFound) {
		t.Fatalf("rejected note persisted: %v", err)
	}
	if _, err := svc.Create(ctx, "owner", notes.CreateInput{ID: 1}); !errors.Is(err, notes.ErrAlreadyExists) {
		t.Fatalf("duplicate id error = %v", err)
	}

	updated, err := svc.Update(ctx, "owner", 1, notes.Patch{
		Locked:    notes.Some(true),
		Encrypted: notes.Some(true),
		KeyParams: notes.Some(json.RawMessage(`{"salt":"abc"}`)),
		IV:        notes.Some(json.RawMessage(`[1,2,3]`)),
		Tags:      notes.Some([]string{"work"}),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	reloaded, err := s.GetNote(ctx, "owner", 1)
	if err != nil {
		t.Fatalf("GetNote() error = %v", err)
	}
	if string(reloaded.KeyParams) == "" || len(reloaded.Tags) != 1 || !reloaded.DateModified.Equal(updated.DateModified) {
		t.Fatalf("reloaded note mismatch: %+v", reloaded)
	}

	if err := svc.Delete(ctx, "owner", 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	usage, err := s.Usage(ctx, "owner")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage.UsedBytes != 0 {
		t.Fatalf("used after delete = %d, want 0", usage.UsedBytes)
	}
}

func TestPostgresConcurrentReservesSerializePerOwner(t *testing.T) {
	s := migratedPostgres(t, 1000)
	ctx := context.Background()
	if err := s.CreateUser(ctx, User{ID: "owner", Username: "owner", Email: "owner@example.com", PasswordHash: "x"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	svc := notes.NewService(s, nil, nil)

	const writers = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := svc.Create(ctx, "owner", notes.CreateInput{ID: id, Content: notes.Text(string(make([]byte, 70)))})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()

	if accepted != 14 {
		t.Fatalf("accepted = %d, want 14", accepted)
	}
	usage, err := s.Usage(ctx, "owner")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	stored, err := s.StoredBytes(ctx, "owner")
	if err != nil {
		t.Fatalf("StoredBytes() error = %v", err)
	}
	if usage.UsedBytes != stored || stored != int64(accepted*70) {
		t.Fatalf("ledger %d, stored %d, accepted %d", usage.UsedBytes, stored, accepted)
	}
}
