package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Scanner  ScannerConfig  `json:"scanner"`
	Dispatch DispatchConfig `json:"dispatch"`
	Delivery DeliveryConfig `json:"delivery"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the reminder store backend.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-process store (dev/tests)
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ScannerConfig controls the due-reminder scan loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - interval: "60s"
//   - lookahead: "30s"
//   - batch_limit: 500
//   - stuck_timeout: "5m"
type ScannerConfig struct {
	Enabled      bool   `json:"enabled"`
	Interval     string `json:"interval,omitempty"`
	Lookahead    string `json:"lookahead,omitempty"`
	BatchLimit   int    `json:"batch_limit,omitempty"`
	StuckTimeout string `json:"stuck_timeout,omitempty"`

	// Timezone is the IANA location used to evaluate recurrence rules.
	// Empty means the process-local timezone.
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig controls the delivery task queue and worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 10
//   - retry_max: 2
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - delivery_timeout: "30s"
type DispatchConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// DeliveryTimeout bounds one occurrence end to end: the enqueue deadline is
	// dispatch time + delivery_timeout, and a task past it is never sent.
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`

	// RequeueOnFailure resets an occurrence to pending after delivery retries
	// are exhausted, instead of marking the reminder failed.
	RequeueOnFailure bool `json:"requeue_on_failure,omitempty"`
}

// DeliveryConfig selects the outbound notification channel.
//
// Channel values:
//   - "log": write notifications to the log (dev)
//   - "telegram": send via Telegram bot API
type DeliveryConfig struct {
	Channel  string         `json:"channel"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}
