package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chatrelay/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging (never includes secrets like API keys).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// HTTP
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	// Upstream (never log the key)
	if strings.TrimSpace(oldCfg.Upstream.BaseURL) != strings.TrimSpace(newCfg.Upstream.BaseURL) ||
		strings.TrimSpace(oldCfg.Upstream.Model) != strings.TrimSpace(newCfg.Upstream.Model) ||
		(strings.TrimSpace(oldCfg.Upstream.APIKey) != "") != (strings.TrimSpace(newCfg.Upstream.APIKey) != "") {
		changed = append(changed, "upstream")
		attrs = append(attrs,
			logx.String("upstream.model", strings.TrimSpace(newCfg.Upstream.Model)),
			logx.Bool("upstream.base_url_set", strings.TrimSpace(newCfg.Upstream.BaseURL) != ""),
			logx.Bool("upstream.api_key_set", strings.TrimSpace(newCfg.Upstream.APIKey) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.action", strings.TrimSpace(newCfg.Gateway.Action)),
			logx.String("gateway.request_timeout", strings.TrimSpace(newCfg.Gateway.RequestTimeout)),
		)
	}

	if sectionChanged(oldCfg.Limiter, newCfg.Limiter) {
		changed = append(changed, "limiter")
		n := deref(newCfg.Limiter)
		attrs = append(attrs,
			logx.Int("limiter.limit", n.Limit),
			logx.String("limiter.window", strings.TrimSpace(n.Window)),
			logx.Int("limiter.rule_count", len(n.Rules)),
		)
	}

	if sectionChanged(oldCfg.Breaker, newCfg.Breaker) {
		changed = append(changed, "breaker")
		n := deref(newCfg.Breaker)
		attrs = append(attrs,
			logx.Int("breaker.failure_threshold", n.FailureThreshold),
			logx.String("breaker.cooldown", strings.TrimSpace(n.Cooldown)),
		)
	}

	if sectionChanged(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		n := deref(newCfg.Retry)
		attrs = append(attrs,
			logx.Int("retry.max_retries", n.MaxRetries),
			logx.String("retry.initial_delay", strings.TrimSpace(n.InitialDelay)),
			logx.String("retry.max_delay", strings.TrimSpace(n.MaxDelay)),
		)
	}

	// Storage: nil means queueing disabled.
	if sectionChanged(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		n := deref(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Path) != ""),
		)
	}

	if sectionChanged(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		n := deref(newCfg.Queue)
		attrs = append(attrs,
			logx.Int("queue.max_attempts", n.MaxAttempts),
			logx.String("queue.retry_base", strings.TrimSpace(n.RetryBase)),
		)
	}

	if sectionChanged(oldCfg.Connectivity, newCfg.Connectivity) {
		changed = append(changed, "connectivity")
		n := deref(newCfg.Connectivity)
		attrs = append(attrs,
			logx.String("connectivity.interval", strings.TrimSpace(n.Interval)),
			logx.Int("connectivity.flip_after", n.FlipAfter),
		)
	}

	if sectionChanged(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := deref(newCfg.Notifier)
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.history_size", n.HistorySize),
		)
	}

	if sectionChanged(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		n := deref(newCfg.Maintenance)
		attrs = append(attrs,
			logx.String("maintenance.limiter_sweep", strings.TrimSpace(n.LimiterSweep)),
			logx.String("maintenance.queue_sweep", strings.TrimSpace(n.QueueSweep)),
			logx.String("maintenance.sent_retention", strings.TrimSpace(n.SentRetention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func sectionChanged[T any](oldS, newS *T) bool {
	if (oldS == nil) != (newS == nil) {
		return true
	}
	if oldS == nil {
		return false
	}
	return !reflect.DeepEqual(*oldS, *newS)
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
