package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mm-hedge-bot/internal/bitmex"
	"mm-hedge-bot/internal/pricing"
)

func minimalConfig() *Config {
	return &Config{Instances: []InstanceConfig{{Make: "XBTUSD", Hedge: "XBTZ26", Contracts: 100, Imbalance: 0.3}}}
}

func TestDefaults(t *testing.T) {
	cfg := minimalConfig()
	applyDefaults(cfg)
	if cfg.REST.BaseURL != bitmex.DefaultRESTURL || cfg.WS.URL != bitmex.DefaultWSURL {
		t.Fatalf("unexpected endpoints %q %q", cfg.REST.BaseURL, cfg.WS.URL)
	}
	if cfg.Runner.Interval != time.Second {
		t.Fatalf("expected 1s runner interval, got %v", cfg.Runner.Interval)
	}
	if cfg.Features.History != 10 {
		t.Fatalf("expected history 10, got %d", cfg.Features.History)
	}
	if !cfg.Metrics.EnabledValue() || cfg.Metrics.Address != "127.0.0.1:9001" || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("unexpected metrics defaults %+v", cfg.Metrics)
	}
	if cfg.Instances[0].Name != "XBTUSD/XBTZ26" {
		t.Fatalf("expected derived instance name, got %q", cfg.Instances[0].Name)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMetricsExplicitDisable(t *testing.T) {
	cfg, err := Parse([]byte("metrics:\n  enabled: false\ninstances:\n  - {make: A, hedge: B, contracts: 1}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics disabled")
	}
}

func TestWSURLDerivedFromREST(t *testing.T) {
	cases := map[string]string{
		"https://testnet.bitmex.com": "wss://testnet.bitmex.com/realtime",
		"http://localhost:8080/":     "ws://localhost:8080/realtime",
		bitmex.DefaultRESTURL:        bitmex.DefaultWSURL,
	}
	for base, want := range cases {
		cfg := minimalConfig()
		cfg.REST.BaseURL = base
		applyDefaults(cfg)
		if cfg.WS.URL != want {
			t.Fatalf("base %q: expected %q, got %q", base, want, cfg.WS.URL)
		}
	}
}

func TestWSURLRespectsExplicitValue(t *testing.T) {
	cfg := minimalConfig()
	cfg.REST.BaseURL = "https://testnet.bitmex.com"
	cfg.WS.URL = "wss://override.example/realtime"
	applyDefaults(cfg)
	if cfg.WS.URL != "wss://override.example/realtime" {
		t.Fatalf("expected explicit ws url, got %q", cfg.WS.URL)
	}
}

func TestPricingParams(t *testing.T) {
	var empty PricingConfig
	if empty.Params() != pricing.Defaults() {
		t.Fatalf("expected defaults, got %+v", empty.Params())
	}
	tick := 1.0
	custom := PricingConfig{Tick: &tick}
	got := custom.Params()
	if got.Tick != 1 || got.Fee != pricing.DefaultFee {
		t.Fatalf("unexpected params %+v", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BITMEX_ACCESS_KEY", "key")
	t.Setenv("BITMEX_ACCESS_SECRET_KEY", "secret")
	t.Setenv("MM_TELEGRAM_TOKEN", "tok")
	t.Setenv("MM_TELEGRAM_CHAT_ID", "42")
	t.Setenv("MM_TIMESCALE_DSN", "postgres://localhost/mm")
	cfg, err := Parse([]byte("rest:\n  api_key: fromfile\n  api_secret: fromfile\ntelegram:\n  enabled: true\ntimescale:\n  enabled: true\ninstances:\n  - {make: A, hedge: B, contracts: 1}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.REST.APIKey != "key" || cfg.REST.APISecret != "secret" {
		t.Fatalf("expected env credentials, got %q %q", cfg.REST.APIKey, cfg.REST.APISecret)
	}
	if cfg.Telegram.Token != "tok" || cfg.Telegram.ChatID != "42" {
		t.Fatalf("unexpected telegram %+v", cfg.Telegram)
	}
	if cfg.Timescale.DSN != "postgres://localhost/mm" {
		t.Fatalf("unexpected dsn %q", cfg.Timescale.DSN)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no strategies", func(c *Config) { c.Instances = nil }, "at least one"},
		{"missing hedge", func(c *Config) { c.Instances[0].Hedge = "" }, "make and hedge"},
		{"contracts", func(c *Config) { c.Instances[0].Contracts = 0 }, "contracts"},
		{"imbalance", func(c *Config) { c.Instances[0].Imbalance = 1.5 }, "imbalance"},
		{"half credentials", func(c *Config) { c.REST.APIKey = "k" }, "api_secret"},
		{"history", func(c *Config) { c.Features.History = 2 }, "history"},
		{"telegram", func(c *Config) { c.Telegram.Enabled = true }, "telegram"},
		{"timescale", func(c *Config) { c.Timescale.Enabled = true }, "timescale"},
		{"grid rate", func(c *Config) {
			c.Grids = []GridConfig{{Name: "g", Symbol: "XBTUSD", Quantity: 1, GridSize: 3, GridRate: 1}}
		}, "grid_rate"},
		{"duplicate", func(c *Config) {
			c.Instances = append(c.Instances, c.Instances[0])
		}, "duplicate"},
		{"negative tick", func(c *Config) {
			tick := -1.0
			c.Pricing.Tick = &tick
		}, "pricing"},
	}
	for _, tc := range cases {
		cfg := minimalConfig()
		applyDefaults(cfg)
		tc.mutate(cfg)
		err := validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load("config.yaml")
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if len(cfg.Instances) != 1 || cfg.Instances[0].Name != "xbt-quarterly" {
		t.Fatalf("unexpected instances %+v", cfg.Instances)
	}
	if cfg.WS.URL != "wss://testnet.bitmex.com/realtime" {
		t.Fatalf("unexpected ws url %q", cfg.WS.URL)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
