package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"peridot/api/internal/notes"
	"peridot/api/internal/quota"
)

// MemoryStore keeps every table in process memory. It backs single-node
// development runs and the package tests of the layers above.
type MemoryStore struct {
	ledger *quota.MemoryLedger

	notesMu sync.RWMutex
	notes   map[string]map[int64]notes.Note

	usersMu    sync.RWMutex
	users      map[string]User
	byUsername map[string]string
	byEmail    map[string]string

	sessionsMu sync.Mutex
	sessions   map[string]memorySession
	revoked    map[string]time.Time
}

type memorySession struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

func NewMemoryStore(defaultTotal int64) *MemoryStore {
	return &MemoryStore{
		ledger:     quota.NewMemoryLedger(defaultTotal),
		notes:      make(map[string]map[int64]notes.Note),
		users:      make(map[string]User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		sessions:   make(map[string]memorySession),
		revoked:    make(map[string]time.Time),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, user User) error {
	s.usersMu.Lock()
	email := strings.ToLower(user.Email)
	if _, ok := s.users[user.ID]; ok {
		s.usersMu.Unlock()
		return ErrUserExists
	}
	if _, ok := s.byUsername[user.Username]; ok {
		s.usersMu.Unlock()
		return ErrUserExists
	}
	if _, ok := s.byEmail[email]; ok {
		s.usersMu.Unlock()
		return ErrUserExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	s.byUsername[user.Username] = user.ID
	s.byEmail[email] = user.ID
	s.usersMu.Unlock()

	_, err := s.ledger.Snapshot(ctx, user.ID)
	return err
}

func (s *MemoryStore) lookupUser(id string, ok bool) (User, error) {
	if !ok {
		return User{}, ErrUserNotFound
	}
	user, found := s.users[id]
	if !found {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return s.lookupUser(userID, true)
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	id, ok := s.byUsername[username]
	return s.lookupUser(id, ok)
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	return s.lookupUser(id, ok)
}

func (s *MemoryStore) UserExists(_ context.Context, userID string) (bool, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	_, ok := s.users[userID]
	return ok, nil
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[tokenHash] = memorySession{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if session, ok := s.sessions[tokenHash]; ok {
		session.revoked = true
		s.sessions[tokenHash] = session
	}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	s.sessionsMu.Lock()
	session, ok := s.sessions[tokenHash]
	s.sessionsMu.Unlock()
	if !ok || session.revoked || !time.Now().Before(session.expiresAt) {
		return User{}, ErrSessionInvalid
	}
	return s.GetUserByID(ctx, session.userID)
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.revoked[jti] = exp
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

// Atomic holds the owner's ledger entry lock while fn runs. Note writes are
// staged and land together with the ledger change only when fn succeeds.
func (s *MemoryStore) Atomic(ctx context.Context, ownerID string, fn func(tx notes.Tx) error) error {
	return s.ledger.Exclusive(ctx, ownerID, func(staged *quota.Staged) error {
		tx := &memoryTx{store: s, ownerID: ownerID, ledger: staged, writes: map[int64]*notes.Note{}}
		if err := fn(tx); err != nil {
			return err
		}
		s.commit(ownerID, tx.writes)
		return nil
	})
}

func (s *MemoryStore) commit(ownerID string, writes map[int64]*notes.Note) {
	if len(writes) == 0 {
		return
	}
	s.notesMu.Lock()
	defer s.notesMu.Unlock()
	owned := s.notes[ownerID]
	if owned == nil {
		owned = make(map[int64]notes.Note)
		s.notes[ownerID] = owned
	}
	for id, n := range writes {
		if n == nil {
			delete(owned, id)
			continue
		}
		owned[id] = *n
	}
}

func (s *MemoryStore) GetNote(_ context.Context, ownerID string, id int64) (notes.Note, error) {
	s.notesMu.RLock()
	defer s.notesMu.RUnlock()
	n, ok := s.notes[ownerID][id]
	if !ok {
		return notes.Note{}, notes.ErrNotFound
	}
	return n.Clone(), nil
}

func (s *MemoryStore) ListNotes(_ context.Context, ownerID string) ([]notes.Note, error) {
	s.notesMu.RLock()
	items := make([]notes.Note, 0, len(s.notes[ownerID]))
	for _, n := range s.notes[ownerID] {
		items = append(items, n.Clone())
	}
	s.notesMu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].DateModified.Equal(items[j].DateModified) {
			return items[i].DateModified.After(items[j].DateModified)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) Usage(ctx context.Context, ownerID string) (quota.Usage, error) {
	return s.ledger.Snapshot(ctx, ownerID)
}

func (s *MemoryStore) SetQuotaTotal(ctx context.Context, ownerID string, total int64) (quota.Usage, error) {
	return s.ledger.SetTotal(ctx, ownerID, total)
}

func (s *MemoryStore) StoredBytes(_ context.Context, ownerID string) (int64, error) {
	s.notesMu.RLock()
	defer s.notesMu.RUnlock()
	var total int64
	for _, n := range s.notes[ownerID] {
		total += n.Size()
	}
	return total, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

type memoryTx struct {
	store   *MemoryStore
	ownerID string
	ledger  *quota.Staged
	// nil marks a staged delete
	writes map[int64]*notes.Note
}

func (t *memoryTx) Ledger() quota.Ledger { return t.ledger }

func (t *memoryTx) GetNote(ctx context.Context, id int64) (notes.Note, error) {
	if staged, ok := t.writes[id]; ok {
		if staged == nil {
			return notes.Note{}, notes.ErrNotFound
		}
		return staged.Clone(), nil
	}
	return t.store.GetNote(ctx, t.ownerID, id)
}

func (t *memoryTx) InsertNote(ctx context.Context, n notes.Note) error {
	if _, err := t.GetNote(ctx, n.ID); err == nil {
		return notes.ErrAlreadyExists
	}
	n = n.Clone()
	n.OwnerID = t.ownerID
	t.writes[n.ID] = &n
	return nil
}

func (t *memoryTx) UpdateNote(ctx context.Context, n notes.Note) error {
	if _, err := t.GetNote(ctx, n.ID); err != nil {
		return err
	}
	n = n.Clone()
	n.OwnerID = t.ownerID
	t.writes[n.ID] = &n
	return nil
}

func (t *memoryTx) DeleteNote(ctx context.Context, id int64) error {
	if _, err := t.GetNote(ctx, id); err != nil {
		return err
	}
	t.writes[id] = nil
	return nil
}
