package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a volatile Store for dev runs and tests.
//
// Mutations go through the same conditional-update rules as the sqlite
// backend, so CAS behavior is identical across drivers.
type Memory struct {
	mu   sync.Mutex
	rows map[string]Reminder
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Reminder)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Create(_ context.Context, p CreateParams) (Reminder, error) {
	if p.DueAt.IsZero() {
		return Reminder{}, errors.New("due_at is required")
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	r := Reminder{
		ID:             id,
		Message:        p.Message,
		Recipient:      p.Recipient,
		DueAt:          p.DueAt,
		Recurring:      strings.TrimSpace(p.RecurrenceRule) != "",
		RecurrenceRule: strings.TrimSpace(p.RecurrenceRule),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; ok {
		return Reminder{}, errors.New("reminder id already exists")
	}
	m.rows[id] = r
	return r, nil
}

func (m *Memory) Get(_ context.Context, id string) (Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *Memory) ListDue(_ context.Context, before time.Time, limit int) ([]Reminder, error) {
	m.mu.Lock()
	var out []Reminder
	for _, r := range m.rows {
		if r.Status == StatusPending && !r.DueAt.After(before) {
			out = append(out, r)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TryMarkDispatched(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.Status != StatusPending {
		return false, nil
	}
	r.Status = StatusDispatched
	r.LastDispatchedAt = at
	r.UpdatedAt = at
	m.rows[id] = r
	return true, nil
}

func (m *Memory) Advance(_ context.Context, id string, nextDue time.Time) error {
	return m.fromDispatched(id, func(r *Reminder) {
		r.Status = StatusPending
		r.DueAt = nextDue
	})
}

func (m *Memory) Requeue(_ context.Context, id string) error {
	return m.fromDispatched(id, func(r *Reminder) {
		r.Status = StatusPending
	})
}

func (m *Memory) Complete(_ context.Context, id string) error {
	return m.fromDispatched(id, func(r *Reminder) {
		r.Status = StatusCompleted
	})
}

func (m *Memory) fromDispatched(id string, apply func(*Reminder)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusDispatched {
		return ErrConflict
	}
	apply(&r)
	r.UpdatedAt = time.Now()
	m.rows[id] = r
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusFailed
	r.FailReason = reason
	r.UpdatedAt = time.Now()
	m.rows[id] = r
	return nil
}

func (m *Memory) ResetStuck(_ context.Context, dispatchedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rows {
		if r.Status == StatusDispatched && !r.LastDispatchedAt.IsZero() && !r.LastDispatchedAt.After(dispatchedBefore) {
			r.Status = StatusPending
			r.UpdatedAt = time.Now()
			m.rows[id] = r
			n++
		}
	}
	return n, nil
}
