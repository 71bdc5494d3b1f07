package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"http": {"addr": "127.0.0.1:9999"},
		"upstream": {"api_key": "sk-test", "model": "gpt-4o-mini"},
		"limiter": {"limit": 5, "window": "30s"},
		"storage": {"driver": "sqlite", "path": "./relay.db"}
	}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9999" {
		t.Fatalf("http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Limiter == nil || cfg.Limiter.Limit != 5 || cfg.Limiter.Window != "30s" {
		t.Fatalf("limiter = %+v", cfg.Limiter)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
upstream:
  api_key: sk-test
breaker:
  failure_threshold: 3
  cooldown: 10s
retry:
  max_retries: 2
  initial_delay: 250ms
  multiplier: 2
`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Breaker == nil || cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.Cooldown != "10s" {
		t.Fatalf("breaker = %+v", cfg.Breaker)
	}
	if cfg.Retry == nil || cfg.Retry.MaxRetries != 2 || cfg.Retry.Multiplier != 2 {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"upstream": {"api_key": "x"}, "limiterr": {}}`)
	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("Load accepted a config with an unknown section")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("retry.initial_delay", "500ms"); err != nil || d.Milliseconds() != 500 {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("retry.initial_delay", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("queue.retry_base", "", 2e9); err != nil || d != 2e9 {
		t.Fatalf("got (%v, %v), want default", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Logging:  LoggingConfig{Level: "info"},
		Upstream: UpstreamConfig{APIKey: "sk-a", Model: "gpt-4o-mini"},
		Limiter:  &LimiterConfig{Limit: 20, Window: "1m"},
	}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Upstream: UpstreamConfig{APIKey: "sk-b", Model: "gpt-4o-mini"},
		Limiter:  &LimiterConfig{Limit: 10, Window: "1m"},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"logging": true, "limiter": true}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected changed section %q (key rotation must not be reported)", c)
		}
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing changed sections: %v", want)
	}
}
