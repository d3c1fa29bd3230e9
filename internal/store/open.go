package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "remindd/pkg/logx"
)

// Store is the persistence API consumed by the scanner, dispatcher and
// recurrence engine, plus the create/read/delete surface the CRUD layer uses.
//
// Conditional-update contract:
//   - TryMarkDispatched returns (true, nil) iff THIS call performed the
//     pending->dispatched transition.
//   - Advance, Requeue and Complete only apply to a reminder currently in
//     dispatched status; otherwise they return ErrConflict (or ErrNotFound if
//     the row is gone).
type Store interface {
	Create(ctx context.Context, p CreateParams) (Reminder, error)
	Get(ctx context.Context, id string) (Reminder, error)
	Delete(ctx context.Context, id string) error

	// ListDue returns pending reminders with due_at <= before, ordered by
	// due_at ascending (earliest first). limit <= 0 means no limit.
	ListDue(ctx context.Context, before time.Time, limit int) ([]Reminder, error)

	TryMarkDispatched(ctx context.Context, id string, at time.Time) (bool, error)

	// Advance moves a dispatched recurring reminder back to pending with a new
	// due time.
	Advance(ctx context.Context, id string, nextDue time.Time) error
	// Requeue moves a dispatched reminder back to pending keeping its due time.
	Requeue(ctx context.Context, id string) error
	// Complete finishes a dispatched one-shot reminder; due_at is unchanged.
	Complete(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error

	// ResetStuck flips reminders that have been dispatched since before the
	// cutoff back to pending, and returns how many were reset.
	ResetStuck(ctx context.Context, dispatchedBefore time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
