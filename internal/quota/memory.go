package quota

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

const shardCount = 32

// MemoryLedger is an in-process Ledger. Entries live in owner-sharded maps and
// each entry carries its own mutex, so callers for one owner serialize while
// different owners never wait on each other.
type MemoryLedger struct {
	defaultTotal int64
	shards       [shardCount]ledgerShard
}

type ledgerShard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	usage Usage
}

func NewMemoryLedger(defaultTotal int64) *MemoryLedger {
	l := &MemoryLedger{defaultTotal: NewUsage(defaultTotal).TotalBytes}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	return l
}

// shardIndex maps an owner onto one of the fixed shards.
func shardIndex(ownerID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerID))
	return int(h.Sum32() % shardCount)
}

func (l *MemoryLedger) entry(ownerID string) *entry {
	shard := &l.shards[shardIndex(ownerID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e, ok := shard.entries[ownerID]
	if !ok {
		e = &entry{usage: NewUsage(l.defaultTotal)}
		shard.entries[ownerID] = e
	}
	return e
}

// Exclusive runs fn while holding ownerID's entry lock. fn works on a staged
// copy; the copy replaces the entry only when fn returns nil.
func (l *MemoryLedger) Exclusive(ctx context.Context, ownerID string, fn func(staged *Staged) error) error {
	if ownerID == "" {
		return fmt.Errorf("quota: owner id is required")
	}
	e := l.entry(ownerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	staged := &Staged{ownerID: ownerID, usage: e.usage}
	if err := fn(staged); err != nil {
		return err
	}
	e.usage = staged.usage
	return nil
}

func (l *MemoryLedger) Reserve(ctx context.Context, ownerID string, delta int64) error {
	return l.Exclusive(ctx, ownerID, func(s *Staged) error {
		return s.Reserve(ctx, ownerID, delta)
	})
}

func (l *MemoryLedger) Release(ctx context.Context, ownerID string, delta int64) error {
	return l.Exclusive(ctx, ownerID, func(s *Staged) error {
		return s.Release(ctx, ownerID, delta)
	})
}

func (l *MemoryLedger) Snapshot(ctx context.Context, ownerID string) (Usage, error) {
	var usage Usage
	err := l.Exclusive(ctx, ownerID, func(s *Staged) error {
		usage = s.usage
		return nil
	})
	return usage, err
}

func (l *MemoryLedger) SetTotal(ctx context.Context, ownerID string, total int64) (Usage, error) {
	var usage Usage
	err := l.Exclusive(ctx, ownerID, func(s *Staged) error {
		next, err := s.usage.WithTotal(total)
		if err != nil {
			return err
		}
		s.usage = next
		usage = next
		return nil
	})
	return usage, err
}

// Staged is a ledger entry checked out for one unit of work. It implements
// Ledger for its own owner only.
type Staged struct {
	ownerID string
	usage   Usage
}

// NewStaged wraps a usage row that the caller has already locked.
func NewStaged(ownerID string, usage Usage) *Staged {
	return &Staged{ownerID: ownerID, usage: usage}
}

func (s *Staged) Usage() Usage { return s.usage }

func (s *Staged) Reserve(_ context.Context, ownerID string, delta int64) error {
	if err := s.scope(ownerID); err != nil {
		return err
	}
	next, err := s.usage.Reserve(delta)
	if err != nil {
		return err
	}
	s.usage = next
	return nil
}

func (s *Staged) Release(_ context.Context, ownerID string, delta int64) error {
	if err := s.scope(ownerID); err != nil {
		return err
	}
	s.usage = s.usage.Release(delta)
	return nil
}

func (s *Staged) Snapshot(_ context.Context, ownerID string) (Usage, error) {
	if err := s.scope(ownerID); err != nil {
		return Usage{}, err
	}
	return s.usage, nil
}

func (s *Staged) scope(ownerID string) error {
	if ownerID != s.ownerID {
		return fmt.Errorf("quota: entry for %q is not held by this unit of work", ownerID)
	}
	return nil
}
