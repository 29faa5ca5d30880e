// Package quota tracks per-owner storage budgets.
//
// A ledger entry holds the capacity (TotalBytes) and the running total of bytes
// held by an owner's live notes (UsedBytes). Every change goes through Reserve or
// Release so the check and the write happen as one step.
package quota

import (
	"context"
	"errors"
	"fmt"
)

// DefaultTotalBytes is the capacity given to an entry created on first use (100 MiB).
const DefaultTotalBytes int64 = 104857600

var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrInvalidTotal  = errors.New("invalid quota capacity")
)

// Ledger is the reserve/release surface consumed by the note store.
// Implementations serialize all calls for the same owner.
type Ledger interface {
	Reserve(ctx context.Context, ownerID string, delta int64) error
	Release(ctx context.Context, ownerID string, delta int64) error
	Snapshot(ctx context.Context, ownerID string) (Usage, error)
}

// Usage is a point-in-time view of one ledger entry.
type Usage struct {
	TotalBytes int64 `json:"total_bytes"`
	UsedBytes  int64 `json:"used_bytes"`
}

// NewUsage returns an empty entry with the given capacity, falling back to
// DefaultTotalBytes when total is not positive.
func NewUsage(total int64) Usage {
	if total <= 0 {
		total = DefaultTotalBytes
	}
	return Usage{TotalBytes: total}
}

// Reserve applies delta. A non-positive delta always succeeds; a positive one
// succeeds only while the result stays within TotalBytes.
func (u Usage) Reserve(delta int64) (Usage, error) {
	if delta <= 0 {
		return u.Release(-delta), nil
	}
	if u.UsedBytes+delta > u.TotalBytes {
		return u, fmt.Errorf("%w: need %d bytes, %d available", ErrQuotaExceeded, delta, u.Available())
	}
	u.UsedBytes += delta
	return u, nil
}

// Release frees delta bytes. Used bytes never drop below zero.
func (u Usage) Release(delta int64) Usage {
	if delta < 0 {
		delta = -delta
	}
	u.UsedBytes -= delta
	if u.UsedBytes < 0 {
		u.UsedBytes = 0
	}
	return u
}

// WithTotal changes the capacity. A capacity below what is already used is refused.
func (u Usage) WithTotal(total int64) (Usage, error) {
	if total <= 0 {
		return u, fmt.Errorf("%w: capacity must be positive", ErrInvalidTotal)
	}
	if total < u.UsedBytes {
		return u, fmt.Errorf("%w: %d bytes already in use", ErrInvalidTotal, u.UsedBytes)
	}
	u.TotalBytes = total
	return u, nil
}

func (u Usage) Available() int64 {
	if u.UsedBytes >= u.TotalBytes {
		return 0
	}
	return u.TotalBytes - u.UsedBytes
}

func (u Usage) PercentUsed() float64 {
	if u.TotalBytes <= 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.TotalBytes) * 100
}

// Report is the storage payload shared by the HTTP API and socket events.
type Report struct {
	TotalBytes     int64   `json:"total_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	PercentUsed    float64 `json:"percent_used"`
}

func (u Usage) Report() Report {
	return Report{
		TotalBytes:     u.TotalBytes,
		UsedBytes:      u.UsedBytes,
		AvailableBytes: u.Available(),
		PercentUsed:    u.PercentUsed(),
	}
}
