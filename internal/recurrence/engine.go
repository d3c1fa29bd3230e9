package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

// Engine applies delivery outcomes to the store: advance recurring reminders,
// complete one-shot ones, fail or requeue after unsuccessful delivery.
//
// Every write-back tolerates the reminder having been deleted in the
// meantime (the CRUD layer owns deletion); that is a no-op, not an error.
type Engine struct {
	store store.Store
	bus   eventbus.Bus
	loc   *time.Location
	log   logx.Logger
}

func NewEngine(st store.Store, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Engine{store: st, bus: bus, loc: loc, log: log}
}

// OnDelivered is the success callback. For a recurring reminder it advances
// due_at to the next occurrence strictly after the current one and returns it
// to pending; a one-shot reminder is completed with due_at untouched.
//
// A rule that yields no future occurrence marks the reminder failed; the
// returned error carries that for operator visibility.
func (e *Engine) OnDelivered(ctx context.Context, id string) error {
	r, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Debug("reminder deleted before write-back", logx.String("id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reminder %s: %w", id, err)
	}

	if !r.Recurring {
		if err := e.writeBack(ctx, id, func() error { return e.store.Complete(ctx, id) }); err != nil {
			return err
		}
		e.publish(eventbus.TypeReminderCompleted, eventbus.ReminderEvent{ReminderID: id, DueAt: r.DueAt})
		e.log.Info("reminder completed", logx.String("id", id))
		return nil
	}

	next, err := NextAfter(r.RecurrenceRule, r.DueAt, e.loc)
	if err != nil {
		// Terminal: never loop on a rule that cannot fire again.
		if ferr := e.store.MarkFailed(ctx, id, err.Error()); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
			e.log.Error("failed to mark reminder failed", logx.String("id", id), logx.Err(ferr))
		}
		e.publish(eventbus.TypeReminderFailed, eventbus.ReminderEvent{ReminderID: id, DueAt: r.DueAt, Error: err.Error()})
		e.log.Error("recurrence rule rejected", logx.String("id", id), logx.String("rule", r.RecurrenceRule), logx.Err(err))
		return fmt.Errorf("reminder %s: %w", id, err)
	}

	if err := e.writeBack(ctx, id, func() error { return e.store.Advance(ctx, id, next) }); err != nil {
		return err
	}
	e.publish(eventbus.TypeReminderAdvanced, eventbus.ReminderEvent{ReminderID: id, DueAt: r.DueAt, NextDueAt: next})
	e.log.Info("reminder advanced", logx.String("id", id), logx.Time("next_due_at", next))
	return nil
}

// OnFailed is the failure callback, invoked after delivery retries are
// exhausted. With requeue the occurrence goes back to pending for a later
// scan; otherwise the reminder is failed terminally.
func (e *Engine) OnFailed(ctx context.Context, id string, cause error, requeue bool) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	if requeue {
		if err := e.writeBack(ctx, id, func() error { return e.store.Requeue(ctx, id) }); err != nil {
			return err
		}
		e.publish(eventbus.TypeReminderRequeued, eventbus.ReminderEvent{ReminderID: id, Error: reason})
		e.log.Warn("reminder requeued after failed delivery", logx.String("id", id), logx.Err(cause))
		return nil
	}

	err := e.store.MarkFailed(ctx, id, reason)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Debug("reminder deleted before write-back", logx.String("id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark reminder %s failed: %w", id, err)
	}
	e.publish(eventbus.TypeReminderFailed, eventbus.ReminderEvent{ReminderID: id, Error: reason})
	e.log.Warn("reminder failed", logx.String("id", id), logx.Err(cause))
	return nil
}

// writeBack runs a dispatched->X conditional update, absorbing the two
// expected races: the row is gone (deleted) or another writer moved it first
// (stuck recovery reset it to pending).
func (e *Engine) writeBack(ctx context.Context, id string, fn func() error) error {
	err := fn()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		e.log.Debug("reminder deleted before write-back", logx.String("id", id))
		return nil
	case errors.Is(err, store.ErrConflict):
		e.log.Warn("reminder status changed before write-back", logx.String("id", id))
		return nil
	default:
		return fmt.Errorf("write back reminder %s: %w", id, err)
	}
}

func (e *Engine) publish(typ string, data eventbus.ReminderEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
