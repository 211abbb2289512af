package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mm-hedge-bot/internal/bitmex"
	"mm-hedge-bot/internal/pricing"
)

type Config struct {
	Log       LoggingConfig    `yaml:"log"`
	REST      RESTConfig       `yaml:"rest"`
	WS        WSConfig         `yaml:"ws"`
	State     StateConfig      `yaml:"state"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Timescale TimescaleConfig  `yaml:"timescale"`
	Recorder  RecorderConfig   `yaml:"recorder"`
	Pricing   PricingConfig    `yaml:"pricing"`
	Features  FeaturesConfig   `yaml:"features"`
	Runner    RunnerConfig     `yaml:"runner"`
	Instances []InstanceConfig `yaml:"instances"`
	Grids     []GridConfig     `yaml:"grids"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	APIKey        string        `yaml:"api_key"`
	APISecret     string        `yaml:"api_secret"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Depth          int           `yaml:"depth"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
	// Operator enables /status, /pause and /resume from the chat.
	Operator       bool          `yaml:"operator"`
	AllowedUserIDs []int64       `yaml:"allowed_user_ids"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type TimescaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type PricingConfig struct {
	Fee    *float64 `yaml:"fee"`
	Rebate *float64 `yaml:"rebate"`
	Tick   *float64 `yaml:"tick"`
}

// Params resolves the pricing section over the package defaults.
func (p PricingConfig) Params() pricing.Params {
	out := pricing.Defaults()
	if p.Fee != nil {
		out.Fee = *p.Fee
	}
	if p.Rebate != nil {
		out.Rebate = *p.Rebate
	}
	if p.Tick != nil {
		out.Tick = *p.Tick
	}
	return out
}

type FeaturesConfig struct {
	Enabled bool `yaml:"enabled"`
	History int  `yaml:"history"`
}

type RunnerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type InstanceConfig struct {
	Name      string  `yaml:"name"`
	Make      string  `yaml:"make"`
	Hedge     string  `yaml:"hedge"`
	Contracts int     `yaml:"contracts"`
	Leverage  float64 `yaml:"leverage"`
	Imbalance float64 `yaml:"imbalance"`
}

type GridConfig struct {
	Name           string  `yaml:"name"`
	Symbol         string  `yaml:"symbol"`
	Quantity       float64 `yaml:"quantity"`
	GridRate       float64 `yaml:"grid_rate"`
	GridSize       int     `yaml:"grid_size"`
	StopLoss       float64 `yaml:"stop_loss"`
	PricePrecision int32   `yaml:"price_precision"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.REST.APIKey, "BITMEX_ACCESS_KEY")
	overrideString(&cfg.REST.APISecret, "BITMEX_ACCESS_SECRET_KEY")
	overrideString(&cfg.Telegram.Token, "MM_TELEGRAM_TOKEN")
	overrideString(&cfg.Telegram.ChatID, "MM_TELEGRAM_CHAT_ID")
	overrideString(&cfg.Timescale.DSN, "MM_TIMESCALE_DSN")
}

func overrideString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = bitmex.DefaultRESTURL
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RatePerSecond == 0 {
		cfg.REST.RatePerSecond = 1
	}
	if cfg.REST.Burst == 0 {
		cfg.REST.Burst = 5
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = deriveWSURL(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 5 * time.Second
	}
	if cfg.WS.Depth == 0 {
		cfg.WS.Depth = 10
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/mm-hedge-bot.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 1024
	}
	if cfg.Recorder.Path == "" {
		cfg.Recorder.Path = "data/books.msgpack"
	}
	if cfg.Features.History == 0 {
		cfg.Features.History = 10
	}
	if cfg.Runner.Interval == 0 {
		cfg.Runner.Interval = time.Second
	}
	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.Name == "" {
			inst.Name = inst.Make + "/" + inst.Hedge
		}
	}
	for i := range cfg.Grids {
		g := &cfg.Grids[i]
		if g.Name == "" {
			g.Name = "grid/" + g.Symbol
		}
		if g.PricePrecision == 0 {
			g.PricePrecision = 1
		}
	}
}

// deriveWSURL maps the REST host onto its realtime endpoint, so testnet
// configs only need to set rest.base_url.
func deriveWSURL(base string) string {
	switch {
	case base == bitmex.DefaultRESTURL:
		return bitmex.DefaultWSURL
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimSuffix(strings.TrimPrefix(base, "https://"), "/") + "/realtime"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimSuffix(strings.TrimPrefix(base, "http://"), "/") + "/realtime"
	}
	return bitmex.DefaultWSURL
}

func validate(cfg *Config) error {
	if len(cfg.Instances) == 0 && len(cfg.Grids) == 0 {
		return errors.New("at least one entry in instances or grids is required")
	}
	if (cfg.REST.APIKey == "") != (cfg.REST.APISecret == "") {
		return errors.New("rest.api_key and rest.api_secret must be set together")
	}
	if err := cfg.Pricing.Params().Validate(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	if cfg.Features.History < 3 {
		return errors.New("features.history must be >= 3")
	}
	if cfg.Runner.Interval < 0 {
		return errors.New("runner.interval must be >= 0")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram requires token and chat_id")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	names := make(map[string]struct{})
	for i, inst := range cfg.Instances {
		if inst.Make == "" || inst.Hedge == "" {
			return fmt.Errorf("instances[%d]: make and hedge are required", i)
		}
		if inst.Contracts <= 0 {
			return fmt.Errorf("instances[%d]: contracts must be > 0", i)
		}
		if inst.Imbalance < 0 || inst.Imbalance > 1 {
			return fmt.Errorf("instances[%d]: imbalance must be within [0,1]", i)
		}
		if _, dup := names[inst.Name]; dup {
			return fmt.Errorf("duplicate instance name %q", inst.Name)
		}
		names[inst.Name] = struct{}{}
	}
	for i, g := range cfg.Grids {
		if g.Symbol == "" {
			return fmt.Errorf("grids[%d]: symbol is required", i)
		}
		if g.Quantity <= 0 || g.GridSize <= 0 {
			return fmt.Errorf("grids[%d]: quantity and grid_size must be > 0", i)
		}
		if g.GridRate <= 1 {
			return fmt.Errorf("grids[%d]: grid_rate must be > 1", i)
		}
		if _, dup := names[g.Name]; dup {
			return fmt.Errorf("duplicate instance name %q", g.Name)
		}
		names[g.Name] = struct{}{}
	}
	return nil
}
