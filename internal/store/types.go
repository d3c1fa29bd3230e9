package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a reminder does not exist (e.g. it was
	// deleted between scan and write-back).
	ErrNotFound = errors.New("reminder not found")
	// ErrConflict is returned when a conditional update found the reminder in
	// an unexpected status. Losing a conditional update is not a failure for
	// the caller, it means another writer got there first.
	ErrConflict = errors.New("reminder status changed concurrently")
)

// Status is the dispatch lifecycle state of a reminder.
//
// pending -> dispatched -> completed            (one-shot)
// pending -> dispatched -> pending (advanced)   (recurring)
// dispatched -> failed                          (delivery gave up / bad rule)
// dispatched -> pending                         (stuck recovery / requeue)
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Reminder struct {
	ID        string
	Message   string
	Recipient string

	// DueAt is the next moment this reminder should fire.
	DueAt time.Time

	// Recurring is true iff RecurrenceRule is set.
	Recurring      bool
	RecurrenceRule string

	Status Status

	// LastDispatchedAt is zero until the first dispatch attempt.
	LastDispatchedAt time.Time
	FailReason       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateParams is the subset of fields callers provide; everything else is
// assigned by the store.
type CreateParams struct {
	ID        string // optional; generated when empty
	Message   string
	Recipient string
	DueAt     time.Time
	// RecurrenceRule is a five-field cron expression; empty means one-shot.
	RecurrenceRule string
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": volatile in-process store (dev/tests)
//
// If Driver is empty, sqlite is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
