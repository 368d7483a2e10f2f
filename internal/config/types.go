package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be JSON or YAML; YAML is coerced to JSON and decoded
// strictly, so unknown keys are rejected early.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Vehicles   VehiclesConfig   `json:"vehicles,omitempty"`
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

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "memory": in-process store (tests, ephemeral runs)
//   - "sqlite": SQLite database file
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DispatcherConfig controls the delivery retry queue.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - tick: "1s"
//   - queue_size: 256
//   - max_retries: 5
//   - retry_base: "30s"
//   - retry_max_delay: "15m"
//   - send_timeout: "10s"
//   - rate_per_sec: 10
//   - claim_lease: "2m"
type DispatcherConfig struct {
	Workers   int    `json:"workers,omitempty"`
	Tick      string `json:"tick,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	MaxRetries    int    `json:"max_retries,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// SendTimeout bounds a single vehicle send attempt.
	SendTimeout string `json:"send_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`

	// ClaimLease is how long a claimed (sending) delivery stays owned by a
	// worker before the scanner may reclaim it after a crash.
	ClaimLease string `json:"claim_lease,omitempty"`
}

// SchedulerConfig controls the cron runner that releases scheduled
// broadcasts.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// ReleaseSpec is a cron spec or "@every" descriptor for the scheduled
	// broadcast release pass. Default "@every 30s".
	ReleaseSpec string `json:"release_spec,omitempty"`

	// Trigger timezone (IANA TZ, e.g. "Africa/Nairobi").
	Timezone string `json:"timezone,omitempty"`
}

type VehiclesConfig struct {
	Telegram TelegramVehicleConfig `json:"telegram,omitempty"`
}

type TelegramVehicleConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}
