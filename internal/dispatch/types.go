package dispatch

import (
	"errors"
	"time"

	"remindd/internal/store"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// Task is one occurrence handed to the delivery workers.
//
// Reminder is the row snapshot taken at CAS time: an in-flight task still
// completes even if the row is deleted afterwards (the write-back then
// no-ops).
type Task struct {
	Reminder store.Reminder
	// Deadline bounds the occurrence; a task past it is dropped and left to
	// stuck recovery.
	Deadline time.Time
}

// Config controls the delivery queue and worker pool.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	DeliveryTimeout time.Duration

	// RequeueOnFailure returns the occurrence to pending after retries are
	// exhausted instead of failing the reminder terminally.
	RequeueOnFailure bool
}
