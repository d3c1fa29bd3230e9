package scanner

import "time"

// Config controls the due-reminder scan loop.
type Config struct {
	Enabled bool

	// Interval between scans.
	Interval time.Duration
	// Lookahead selects reminders due within now+Lookahead, so a reminder due
	// just after a tick is not a full interval late.
	Lookahead time.Duration
	// BatchLimit caps one scan's result set. <= 0 means no limit.
	BatchLimit int
	// StuckTimeout is how long a reminder may sit in dispatched before it is
	// reset to pending.
	StuckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Lookahead < 0 {
		c.Lookahead = 0
	}
	if c.BatchLimit < 0 {
		c.BatchLimit = 0
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 5 * time.Minute
	}
	return c
}
