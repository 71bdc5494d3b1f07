package app

import (
	"testing"
	"time"

	"chatrelay/internal/config"
)

func base() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{APIKey: "sk-test"},
	}
}

func TestValidateConfigMinimal(t *testing.T) {
	if err := validateConfig(base()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
}

func TestValidateConfigRequiresAPIKey(t *testing.T) {
	cfg := base()
	cfg.Upstream.APIKey = "  "
	if err := validateConfig(cfg); err == nil {
		t.Fatal("blank api key accepted")
	}
}

func TestMapLimiterConfigRules(t *testing.T) {
	cfg := base()
	cfg.Limiter = &config.LimiterConfig{
		Limit:  10,
		Window: "30s",
		Rules: map[string]config.LimiterRule{
			"chat": {Limit: 3, Window: "10s"},
		},
	}
	lc, err := mapLimiterConfig(cfg)
	if err != nil {
		t.Fatalf("mapLimiterConfig: %v", err)
	}
	if lc.Default.Limit != 10 || lc.Default.Window != 30*time.Second {
		t.Fatalf("default = %+v", lc.Default)
	}
	if r := lc.Rules["chat"]; r.Limit != 3 || r.Window != 10*time.Second {
		t.Fatalf("chat rule = %+v", r)
	}

	cfg.Limiter.Rules["bad"] = config.LimiterRule{Limit: 1, Window: "soon"}
	if _, err := mapLimiterConfig(cfg); err == nil {
		t.Fatal("invalid rule window accepted")
	}
}

func TestMapStorageConfig(t *testing.T) {
	cfg := base()
	if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
		t.Fatalf("omitted storage: enabled=%v err=%v", enabled, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "none"}
	if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
		t.Fatalf("driver none: enabled=%v err=%v", enabled, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "sqlite"}
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("sqlite without path accepted")
	}

	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: "./relay.db", BusyTimeout: "2s"}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("sqlite storage: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("store config = %+v", sc)
	}
}

func TestMapNotifierConfigDefaultsEnabled(t *testing.T) {
	cfg := base()
	if _, enabled, err := mapNotifierConfig(cfg); err != nil || !enabled {
		t.Fatalf("omitted notifier: enabled=%v err=%v", enabled, err)
	}

	off := false
	cfg.Notifier = &config.NotifierConfig{Enabled: &off}
	if _, enabled, _ := mapNotifierConfig(cfg); enabled {
		t.Fatal("explicit false ignored")
	}
}

func TestMapRetryPolicyBounds(t *testing.T) {
	cfg := base()
	cfg.Retry = &config.RetryConfig{Jitter: 1.5}
	if _, err := mapRetryPolicy(cfg); err == nil {
		t.Fatal("jitter > 1 accepted")
	}
	cfg.Retry = &config.RetryConfig{MaxRetries: 2, InitialDelay: "250ms", MaxDelay: "5s", Multiplier: 2}
	p, err := mapRetryPolicy(cfg)
	if err != nil {
		t.Fatalf("mapRetryPolicy: %v", err)
	}
	if p.MaxRetries != 2 || p.InitialDelay != 250*time.Millisecond || p.MaxDelay != 5*time.Second {
		t.Fatalf("policy = %+v", p)
	}
}
