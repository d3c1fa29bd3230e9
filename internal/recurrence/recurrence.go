// Package recurrence computes the next occurrence of a recurring reminder
// from a five-field cron expression, and applies delivery outcomes back to
// the store.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoNextOccurrence means the rule parsed but yields no future firing
// (e.g. "0 0 30 2 *"). Such reminders are marked failed instead of being
// rescanned forever.
var ErrNoNextOccurrence = errors.New("recurrence rule has no next occurrence")

// Five-field standard cron (minute hour dom month dow) plus @daily-style
// descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether rule is a parseable recurrence expression.
func Validate(rule string) error {
	_, err := parser.Parse(rule)
	if err != nil {
		return fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	return nil
}

// NextAfter returns the smallest timestamp strictly greater than after that
// satisfies rule, evaluated in loc (nil means after's own location).
//
// It is a pure function; storage and scheduling never leak in here.
func NextAfter(rule string, after time.Time, loc *time.Location) (time.Time, error) {
	sched, err := parser.Parse(rule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	if loc != nil {
		after = after.In(loc)
	}
	// cron.Schedule.Next is strictly-after and returns the zero time when it
	// gives up finding a match (unsatisfiable rules).
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, ErrNoNextOccurrence
	}
	return next, nil
}
