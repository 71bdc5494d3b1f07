package app

import (
	"fmt"
	"strings"

	"chatrelay/internal/breaker"
	"chatrelay/internal/config"
	"chatrelay/internal/connectivity"
	"chatrelay/internal/gateway"
	"chatrelay/internal/httpapi"
	"chatrelay/internal/limiter"
	"chatrelay/internal/maintenance"
	"chatrelay/internal/notifier"
	"chatrelay/internal/queue"
	"chatrelay/internal/retry"
	logx "chatrelay/pkg/logx"
)

// Mapping functions translate the declarative config (strings, optional
// sections) into component configs. Each one both validates and maps, so
// the hot-reload validator can reuse them.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLimiterConfig(cfg *config.Config) (limiter.Config, error) {
	out := limiter.Config{}
	lc := cfg.Limiter
	if lc == nil {
		return out, nil
	}
	if lc.Limit < 0 {
		return out, fmt.Errorf("limiter.limit must be >= 0")
	}
	w, err := config.ParseDurationField("limiter.window", lc.Window)
	if err != nil {
		return out, err
	}
	idle, err := config.ParseDurationField("limiter.idle_eviction", lc.IdleEviction)
	if err != nil {
		return out, err
	}
	out.Default = limiter.Rule{Limit: lc.Limit, Window: w}
	out.IdleEviction = idle

	if len(lc.Rules) > 0 {
		out.Rules = make(map[string]limiter.Rule, len(lc.Rules))
		for action, r := range lc.Rules {
			if r.Limit < 0 {
				return out, fmt.Errorf("limiter.rules.%s.limit must be >= 0", action)
			}
			rw, err := config.ParseDurationField("limiter.rules."+action+".window", r.Window)
			if err != nil {
				return out, err
			}
			out.Rules[action] = limiter.Rule{Limit: r.Limit, Window: rw}
		}
	}
	return out, nil
}

func mapBreakerConfig(cfg *config.Config) (breaker.Config, error) {
	out := breaker.Config{}
	bc := cfg.Breaker
	if bc == nil {
		return out, nil
	}
	if bc.FailureThreshold < 0 {
		return out, fmt.Errorf("breaker.failure_threshold must be >= 0")
	}
	cd, err := config.ParseDurationField("breaker.cooldown", bc.Cooldown)
	if err != nil {
		return out, err
	}
	out.FailureThreshold = bc.FailureThreshold
	out.Cooldown = cd
	return out, nil
}

func mapRetryPolicy(cfg *config.Config) (retry.Policy, error) {
	out := retry.Policy{}
	rc := cfg.Retry
	if rc == nil {
		return out, nil
	}
	if rc.MaxRetries < 0 {
		return out, fmt.Errorf("retry.max_retries must be >= 0")
	}
	if rc.Multiplier < 0 {
		return out, fmt.Errorf("retry.multiplier must be >= 0")
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		return out, fmt.Errorf("retry.jitter must be in [0, 1]")
	}
	initial, err := config.ParseDurationField("retry.initial_delay", rc.InitialDelay)
	if err != nil {
		return out, err
	}
	max, err := config.ParseDurationField("retry.max_delay", rc.MaxDelay)
	if err != nil {
		return out, err
	}
	out.MaxRetries = rc.MaxRetries
	out.InitialDelay = initial
	out.MaxDelay = max
	out.Multiplier = rc.Multiplier
	out.Jitter = rc.Jitter
	return out, nil
}

// mapStorageConfig returns (cfg, enabled, err). A nil section or driver
// "none" disables the offline queue.
func mapStorageConfig(cfg *config.Config) (queue.StoreConfig, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return queue.StoreConfig{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return queue.StoreConfig{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return queue.StoreConfig{}, false, err
	}
	if strings.TrimSpace(sc.Path) == "" {
		return queue.StoreConfig{}, false, fmt.Errorf("storage.path is required")
	}
	return queue.StoreConfig{Driver: driver, Path: sc.Path, BusyTimeout: busy}, true, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	out := queue.Config{}
	qc := cfg.Queue
	if qc == nil {
		return out, nil
	}
	if qc.MaxAttempts < 0 {
		return out, fmt.Errorf("queue.max_attempts must be >= 0")
	}
	base, err := config.ParseDurationField("queue.retry_base", qc.RetryBase)
	if err != nil {
		return out, err
	}
	maxDelay, err := config.ParseDurationField("queue.retry_max_delay", qc.RetryMaxDelay)
	if err != nil {
		return out, err
	}
	sendTimeout, err := config.ParseDurationField("queue.send_timeout", qc.SendTimeout)
	if err != nil {
		return out, err
	}
	out.MaxAttempts = qc.MaxAttempts
	out.RetryBase = base
	out.RetryMaxDelay = maxDelay
	out.SendTimeout = sendTimeout
	return out, nil
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	out := gateway.Config{Action: cfg.Gateway.Action}
	timeout, err := config.ParseDurationField("gateway.request_timeout", cfg.Gateway.RequestTimeout)
	if err != nil {
		return out, err
	}
	out.RequestTimeout = timeout
	return out, nil
}

func mapConnectivityConfig(cfg *config.Config) (connectivity.Config, error) {
	out := connectivity.Config{}
	cc := cfg.Connectivity
	if cc == nil {
		return out, nil
	}
	if cc.FlipAfter < 0 {
		return out, fmt.Errorf("connectivity.flip_after must be >= 0")
	}
	interval, err := config.ParseDurationField("connectivity.interval", cc.Interval)
	if err != nil {
		return out, err
	}
	timeout, err := config.ParseDurationField("connectivity.timeout", cc.Timeout)
	if err != nil {
		return out, err
	}
	out.ProbeURL = cc.ProbeURL
	out.Interval = interval
	out.Timeout = timeout
	out.FlipAfter = cc.FlipAfter
	return out, nil
}

// mapNotifierConfig returns (cfg, enabled, err). An omitted section
// defaults to enabled.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, bool, error) {
	out := notifier.Config{}
	nc := cfg.Notifier
	if nc == nil {
		return out, true, nil
	}
	enabled := nc.Enabled == nil || *nc.Enabled
	if nc.RatePerSec < 0 {
		return out, false, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if nc.HistorySize < 0 {
		return out, false, fmt.Errorf("notifier.history_size must be >= 0")
	}
	out.RatePerSec = nc.RatePerSec
	out.HistorySize = nc.HistorySize
	return out, enabled, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	out := httpapi.Config{Addr: strings.TrimSpace(cfg.HTTP.Addr)}
	read, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return out, err
	}
	write, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return out, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = read
	out.WriteTimeout = write
	out.IdleTimeout = idle
	return out, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	if mc == nil {
		return maintenance.Config{Enabled: true}, nil
	}
	out := maintenance.Config{
		Enabled:      mc.Enabled == nil || *mc.Enabled,
		LimiterSweep: strings.TrimSpace(mc.LimiterSweep),
		QueueSweep:   strings.TrimSpace(mc.QueueSweep),
	}
	retention, err := config.ParseDurationField("maintenance.sent_retention", mc.SentRetention)
	if err != nil {
		return out, err
	}
	out.SentRetention = retention
	return out, nil
}

func mapUpstreamConfig(cfg *config.Config) (gateway.ClientConfig, error) {
	if strings.TrimSpace(cfg.Upstream.APIKey) == "" {
		return gateway.ClientConfig{}, fmt.Errorf("upstream.api_key is required")
	}
	return gateway.ClientConfig{
		APIKey:  cfg.Upstream.APIKey,
		BaseURL: strings.TrimSpace(cfg.Upstream.BaseURL),
		Model:   strings.TrimSpace(cfg.Upstream.Model),
	}, nil
}

// validateConfig runs every mapping for its validation side, so a bad
// hot-reload is rejected before commit/publish.
func validateConfig(cfg *config.Config) error {
	if _, err := mapUpstreamConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLimiterConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBreakerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetryPolicy(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGatewayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapConnectivityConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	return nil
}
