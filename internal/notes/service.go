// Package notes owns the note mutation protocol: every accepted write is
// persisted together with its quota adjustment and announced to the owner's
// live connections after commit.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"peridot/api/internal/quota"
	"peridot/api/internal/realtime"
)

// Tx is one owner-scoped unit of work. Implementations hold the owner's
// ledger lock for the lifetime of the Tx.
type Tx interface {
	GetNote(ctx context.Context, id int64) (Note, error)
	InsertNote(ctx context.Context, note Note) error
	UpdateNote(ctx context.Context, note Note) error
	DeleteNote(ctx context.Context, id int64) error
	Ledger() quota.Ledger
}

// Repository persists notes and ledger entries. Atomic commits only when fn
// returns nil.
type Repository interface {
	Atomic(ctx context.Context, ownerID string, fn func(tx Tx) error) error
	GetNote(ctx context.Context, ownerID string, id int64) (Note, error)
	ListNotes(ctx context.Context, ownerID string) ([]Note, error)
	Usage(ctx context.Context, ownerID string) (quota.Usage, error)
}

// Publisher delivers events to an owner's live connections. Delivery problems
// are the publisher's to log; they never fail a committed mutation.
type Publisher interface {
	Publish(ctx context.Context, ownerID string, event realtime.Event)
}

type Service struct {
	repo      Repository
	publisher Publisher
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(repo Repository, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		validate:  newValidator(),
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (Note, error) {
	if ownerID == "" {
		return Note{}, invalid("user", "is required")
	}
	note, err := normalize(s.validate, in.note(ownerID))
	if err != nil {
		observeMutation("create", err)
		return Note{}, err
	}

	ctx = context.WithoutCancel(ctx)
	var usage quota.Usage
	err = s.repo.Atomic(ctx, ownerID, func(tx Tx) error {
		if _, err := tx.GetNote(ctx, note.ID); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		stamp := s.stamp(time.Time{})
		note.DateCreated = stamp
		note.DateModified = stamp

		ledger := tx.Ledger()
		if err := ledger.Reserve(ctx, ownerID, note.Size()); err != nil {
			return err
		}
		if err := tx.InsertNote(ctx, note); err != nil {
			return err
		}
		var err error
		usage, err = ledger.Snapshot(ctx, ownerID)
		return err
	})
	observeMutation("create", err)
	if err != nil {
		return Note{}, fmt.Errorf("create note %d: %w", in.ID, err)
	}

	s.announce(ctx, ownerID, note, usage)
	return note, nil
}

func (s *Service) Update(ctx context.Context, ownerID string, id int64, patch Patch) (Note, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		updated Note
		usage   quota.Usage
	)
	err := s.repo.Atomic(ctx, ownerID, func(tx Tx) error {
		current, err := tx.GetNote(ctx, id)
		if err != nil {
			return err
		}
		next, err := normalize(s.validate, patch.apply(current))
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.OwnerID = ownerID
		next.DateCreated = current.DateCreated
		next.DateModified = s.stamp(current.DateModified)

		ledger := tx.Ledger()
		delta := next.Size() - current.Size()
		switch {
		case delta > 0:
			err = ledger.Reserve(ctx, ownerID, delta)
		case delta < 0:
			err = ledger.Release(ctx, ownerID, -delta)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateNote(ctx, next); err != nil {
			return err
		}
		updated = next
		usage, err = ledger.Snapshot(ctx, ownerID)
		return err
	})
	observeMutation("update", err)
	if err != nil {
		return Note{}, fmt.Errorf("update note %d: %w", id, err)
	}

	s.announce(ctx, ownerID, updated, usage)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, ownerID string, id int64) error {
	ctx = context.WithoutCancel(ctx)
	var usage quota.Usage
	err := s.repo.Atomic(ctx, ownerID, func(tx Tx) error {
		current, err := tx.GetNote(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteNote(ctx, id); err != nil {
			return err
		}
		ledger := tx.Ledger()
		if err := ledger.Release(ctx, ownerID, current.Size()); err != nil {
			return err
		}
		usage, err = ledger.Snapshot(ctx, ownerID)
		return err
	})
	observeMutation("delete", err)
	if err != nil {
		return fmt.Errorf("delete note %d: %w", id, err)
	}

	s.publish(ctx, ownerID, realtime.NoteRemoved(id))
	s.publish(ctx, ownerID, realtime.StorageUpdated(usage))
	return nil
}

func (s *Service) Get(ctx context.Context, ownerID string, id int64) (Note, error) {
	return s.repo.GetNote(ctx, ownerID, id)
}

// List returns the owner's notes, most recently modified first.
func (s *Service) List(ctx context.Context, ownerID string) ([]Note, error) {
	return s.repo.ListNotes(ctx, ownerID)
}

// Storage returns the owner's ledger entry, creating it on first use.
func (s *Service) Storage(ctx context.Context, ownerID string) (quota.Usage, error) {
	return s.repo.Usage(ctx, ownerID)
}

func (s *Service) announce(ctx context.Context, ownerID string, note Note, usage quota.Usage) {
	body, err := json.Marshal(note)
	if err != nil {
		s.logger.Error("encode note event", "owner", ownerID, "note_id", note.ID, "error", err)
	} else {
		s.publish(ctx, ownerID, realtime.NoteSynced(note.ID, body, note.Size()))
	}
	s.publish(ctx, ownerID, realtime.StorageUpdated(usage))
}

func (s *Service) publish(ctx context.Context, ownerID string, event realtime.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, ownerID, event)
}

// stamp returns a modification time strictly after prev at microsecond
// precision, which is what Postgres keeps.
func (s *Service) stamp(prev time.Time) time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}
