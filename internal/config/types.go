package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http"`

	Upstream UpstreamConfig `json:"upstream"`
	Gateway  GatewayConfig  `json:"gateway,omitempty"`

	Limiter *LimiterConfig `json:"limiter,omitempty"`
	Breaker *BreakerConfig `json:"breaker,omitempty"`
	Retry   *RetryConfig   `json:"retry,omitempty"`

	// Storage backs the offline queue. Omitted or driver "none" disables
	// deferral entirely: failures surface to the caller instead of queueing.
	Storage *StorageConfig `json:"storage,omitempty"`
	Queue   *QueueConfig   `json:"queue,omitempty"`

	Connectivity *ConnectivityConfig `json:"connectivity,omitempty"`
	Notifier     *NotifierConfig     `json:"notifier,omitempty"`
	Maintenance  *MaintenanceConfig  `json:"maintenance,omitempty"`
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

// HTTPConfig controls the local API server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8686"); the API has no
//     auth of its own.
type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default: "127.0.0.1:8686"

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so long chat completions are not cut off mid-response.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type UpstreamConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// GatewayConfig controls the send pipeline around the upstream client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type GatewayConfig struct {
	// Action is the limiter action name charged per send.
	Action string `json:"action,omitempty"` // default: "chat"
	// RequestTimeout bounds one upstream attempt. Use "0s" for the default.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// LimiterConfig controls sliding-window admission.
//
// If the whole section is omitted, the limiter defaults to 20 requests
// per minute for every action.
type LimiterConfig struct {
	Limit  int    `json:"limit,omitempty"`
	Window string `json:"window,omitempty"`
	// IdleEviction is how long an idle key survives before Cleanup drops it.
	IdleEviction string `json:"idle_eviction,omitempty"`

	// Rules overrides the default per action name.
	Rules map[string]LimiterRule `json:"rules,omitempty"`
}

type LimiterRule struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
}

type RetryConfig struct {
	MaxRetries   int     `json:"max_retries,omitempty"`
	InitialDelay string  `json:"initial_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
}

// StorageConfig controls the persistence layer for the offline queue.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chatrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig controls drain behavior of the offline queue.
type QueueConfig struct {
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

type ConnectivityConfig struct {
	ProbeURL string `json:"probe_url,omitempty"`
	Interval string `json:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	// FlipAfter is how many contrary probes in a row flip the online state.
	FlipAfter int `json:"flip_after,omitempty"`
}

// NotifierConfig controls the user-facing notification feed.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled     *bool `json:"enabled,omitempty"`
	RatePerSec  int   `json:"rate_per_sec,omitempty"`
	HistorySize int   `json:"history_size,omitempty"`
}

// MaintenanceConfig controls background sweeps.
//
// Schedules are cron expressions (standard 5-field form).
type MaintenanceConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	LimiterSweep string `json:"limiter_sweep,omitempty"` // default: "*/5 * * * *"
	QueueSweep   string `json:"queue_sweep,omitempty"`   // default: "0 * * * *"

	// SentRetention is how long sent messages are kept before pruning.
	// Failed messages are never pruned.
	SentRetention string `json:"sent_retention,omitempty"` // default: "168h"
}
