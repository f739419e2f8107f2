// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/alerting"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/broker/alpaca"
	"github.com/tathienbao/rebalance-bot/internal/broker/ibkr"
	"github.com/tathienbao/rebalance-bot/internal/broker/paper"
	"github.com/tathienbao/rebalance-bot/internal/execution"
	"github.com/tathienbao/rebalance-bot/internal/types"
	"gopkg.in/yaml.v3"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Broker names.
const (
	BrokerIBKR   = "ibkr"
	BrokerAlpaca = "alpaca"
	BrokerPaper  = "paper"
)

// Config represents the full application configuration.
type Config struct {
	Executor    ExecutorConfig    `yaml:"executor"`
	Calendar    CalendarConfig    `yaml:"calendar"`
	IBKR        IBKRConfig        `yaml:"ibkr"`
	Alpaca      AlpacaConfig      `yaml:"alpaca"`
	Paper       PaperConfig       `yaml:"paper"`
	Targets     TargetsConfig     `yaml:"targets"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ExecutorConfig holds rebalance execution settings.
type ExecutorConfig struct {
	Name              string  `yaml:"name"`
	Mode              string  `yaml:"mode"`   // paper | live
	Broker            string  `yaml:"broker"` // ibkr | alpaca | paper
	TurnoverThreshold float64 `yaml:"turnover_threshold"`
	WatchIntervalSec  int     `yaml:"watch_interval_sec"`
	StaleAfterSec     int     `yaml:"stale_after_sec"`
	NearCloseLeadSec  int     `yaml:"near_close_lead_sec"`
	OrderType         string  `yaml:"order_type"` // limit | market
	Adaptive          bool    `yaml:"adaptive"`
	FlipPolicy        string  `yaml:"flip_policy"` // sequential | concurrent
	SecType           string  `yaml:"sec_type"`
	Currency          string  `yaml:"currency"`
	CheckSpread       bool    `yaml:"check_spread"`
	MaxSpreadPct      float64 `yaml:"max_spread_pct"`
	DryRun            bool    `yaml:"dry_run"`
	Debug             bool    `yaml:"debug"`
}

// CalendarConfig holds market calendar settings.
type CalendarConfig struct {
	OpenBufferSec int      `yaml:"open_buffer_sec"`
	ExtraHolidays []string `yaml:"extra_holidays"` // YYYY-MM-DD
}

// IBKRConfig holds TWS/Gateway settings.
type IBKRConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	MarketDataPort       int    `yaml:"market_data_port"`
	ClientID             int    `yaml:"client_id"`
	Account              string `yaml:"account"`
	Gateway              bool   `yaml:"gateway"`
	ConnectTimeoutSec    int    `yaml:"connect_timeout_sec"`
	RequestTimeoutSec    int    `yaml:"request_timeout_sec"`
	MaxRequestsPerSecond int    `yaml:"max_requests_per_second"`
	ConnectRetries       int    `yaml:"connect_retries"`
	AutoReconnect        bool   `yaml:"auto_reconnect"`
}

// AlpacaConfig holds Alpaca API settings.
type AlpacaConfig struct {
	KeyID                string `yaml:"key_id"`
	SecretKey            string `yaml:"secret_key"`
	BaseURL              string `yaml:"base_url"`
	DataURL              string `yaml:"data_url"`
	Feed                 string `yaml:"feed"`
	Stream               bool   `yaml:"stream"`
	TimeoutSec           int    `yaml:"timeout_sec"`
	MaxRequestsPerSecond int    `yaml:"max_requests_per_second"`
	MaxRetries           int    `yaml:"max_retries"`
}

// PaperConfig holds in-memory broker settings.
type PaperConfig struct {
	FillAtLimit   bool                  `yaml:"fill_at_limit"`
	PerShare      float64               `yaml:"per_share"`
	MinCommission float64               `yaml:"min_commission"`
	NotShortable  []string              `yaml:"not_shortable"`
	Positions     map[string]float64    `yaml:"positions"`
	Quotes        map[string]PaperQuote `yaml:"quotes"`
}

// PaperQuote is a fixed bid/ask for the paper broker.
type PaperQuote struct {
	Bid float64 `yaml:"bid"`
	Ask float64 `yaml:"ask"`
}

// TargetsConfig locates the target position file.
type TargetsConfig struct {
	Path        string `yaml:"path"`
	MaxAgeHours int    `yaml:"max_age_hours"` // 0 disables the as_of check
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // sqlite file
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Console  bool           `yaml:"console"`
	Slack    SlackConfig    `yaml:"slack"`
	OpsGenie OpsGenieConfig `yaml:"opsgenie"`
}

// SlackConfig holds Slack settings.
type SlackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// OpsGenieConfig holds OpsGenie settings. Incidents are raised in live mode only.
type OpsGenieConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIKey   string `yaml:"api_key"`
	Priority string `yaml:"priority"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	exec := execution.DefaultConfig()
	ib := ibkr.DefaultConfig()
	ap := alpaca.DefaultConfig()
	return Config{
		Executor: ExecutorConfig{
			Name:              exec.Name,
			Mode:              ModePaper,
			Broker:            BrokerIBKR,
			TurnoverThreshold: exec.TurnoverThreshold.InexactFloat64(),
			WatchIntervalSec:  int(exec.WatchInterval / time.Second),
			StaleAfterSec:     int(exec.StaleAfter / time.Second),
			NearCloseLeadSec:  int(exec.NearCloseLead / time.Second),
			OrderType:         "limit",
			Adaptive:          exec.Adaptive,
			FlipPolicy:        string(exec.FlipPolicy),
			SecType:           exec.SecType,
			Currency:          exec.Currency,
		},
		Calendar: CalendarConfig{
			OpenBufferSec: 10,
		},
		IBKR: IBKRConfig{
			Host:                 ib.Host,
			ClientID:             ib.ClientID,
			ConnectTimeoutSec:    int(ib.ConnectTimeout / time.Second),
			RequestTimeoutSec:    int(ib.RequestTimeout / time.Second),
			MaxRequestsPerSecond: ib.MaxRequestsPerSecond,
			ConnectRetries:       ib.ConnectRetries,
			AutoReconnect:        ib.AutoReconnect,
		},
		Alpaca: AlpacaConfig{
			Stream:               ap.Stream,
			TimeoutSec:           int(ap.Timeout / time.Second),
			MaxRequestsPerSecond: ap.MaxRequestsPerSecond,
			MaxRetries:           ap.MaxRetries,
		},
		Paper: PaperConfig{
			FillAtLimit: true,
		},
		Alerting: AlertingConfig{
			Console: true,
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A .env file next to the config
// or in the working directory is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyDefaults fills settings that depend on the trading mode.
func (c *Config) ApplyDefaults() {
	c.Executor.Mode = strings.ToLower(c.Executor.Mode)
	c.Executor.Broker = strings.ToLower(c.Executor.Broker)
	c.Executor.OrderType = strings.ToLower(c.Executor.OrderType)
	c.Executor.SecType = strings.ToUpper(c.Executor.SecType)
	c.Executor.Currency = strings.ToUpper(c.Executor.Currency)

	live := c.IsLive()
	if c.IBKR.Port == 0 {
		c.IBKR.Port = ibkr.DefaultPort(live, c.IBKR.Gateway)
	}

	if c.Alpaca.BaseURL == "" {
		c.Alpaca.BaseURL = alpaca.PaperURL
		if live {
			c.Alpaca.BaseURL = alpaca.LiveURL
		}
	}
	if c.Alpaca.DataURL == "" {
		c.Alpaca.DataURL = alpaca.DataURL
	}
	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = alpaca.DefaultFeed
	}

	if c.Persistence.Enabled && c.Persistence.Path == "" {
		c.Persistence.Path = "data/rebalance.db"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Executor validation
	if c.Executor.Mode != ModePaper && c.Executor.Mode != ModeLive {
		errs = append(errs, "executor.mode must be 'paper' or 'live'")
	}
	switch c.Executor.Broker {
	case BrokerIBKR, BrokerAlpaca, BrokerPaper:
	default:
		errs = append(errs, "executor.broker must be 'ibkr', 'alpaca' or 'paper'")
	}
	if c.Executor.Broker == BrokerPaper && c.IsLive() {
		errs = append(errs, "executor.broker 'paper' cannot run in live mode")
	}
	if c.Executor.TurnoverThreshold < 0 {
		errs = append(errs, "executor.turnover_threshold must not be negative")
	}
	if c.Executor.WatchIntervalSec <= 0 {
		errs = append(errs, "executor.watch_interval_sec must be positive")
	}
	if c.Executor.StaleAfterSec <= 0 {
		errs = append(errs, "executor.stale_after_sec must be positive")
	}
	if c.Executor.NearCloseLeadSec < 0 {
		errs = append(errs, "executor.near_close_lead_sec must not be negative")
	}
	if c.Executor.OrderType != "limit" && c.Executor.OrderType != "market" {
		errs = append(errs, "executor.order_type must be 'limit' or 'market'")
	}
	if c.Executor.FlipPolicy != string(execution.FlipSequential) && c.Executor.FlipPolicy != string(execution.FlipConcurrent) {
		errs = append(errs, "executor.flip_policy must be 'sequential' or 'concurrent'")
	}
	if c.Executor.SecType == "" {
		errs = append(errs, "executor.sec_type is required")
	}
	if c.Executor.Currency == "" {
		errs = append(errs, "executor.currency is required")
	}
	if c.Executor.MaxSpreadPct < 0 || c.Executor.MaxSpreadPct > 1 {
		errs = append(errs, "executor.max_spread_pct must be between 0 and 1")
	}

	// Calendar validation
	for _, day := range c.Calendar.ExtraHolidays {
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			errs = append(errs, fmt.Sprintf("calendar.extra_holidays '%s' is not YYYY-MM-DD", day))
		}
	}

	// Broker validation
	switch c.Executor.Broker {
	case BrokerIBKR:
		if c.IBKR.Host == "" {
			errs = append(errs, "ibkr.host is required")
		}
		if c.IBKR.Port <= 0 || c.IBKR.Port > 65535 {
			errs = append(errs, "ibkr.port must be between 1 and 65535")
		}
		if c.IBKR.MarketDataPort < 0 || c.IBKR.MarketDataPort > 65535 {
			errs = append(errs, "ibkr.market_data_port must be between 0 and 65535")
		}
		if c.IBKR.MaxRequestsPerSecond <= 0 || c.IBKR.MaxRequestsPerSecond > 50 {
			errs = append(errs, "ibkr.max_requests_per_second must be between 1 and 50")
		}
	case BrokerAlpaca:
		if c.Alpaca.KeyID == "" || c.Alpaca.SecretKey == "" {
			errs = append(errs, "alpaca.key_id and alpaca.secret_key are required")
		}
		if c.Alpaca.MaxRetries < 0 {
			errs = append(errs, "alpaca.max_retries must not be negative")
		}
	}

	// Targets validation
	if c.Targets.Path == "" {
		errs = append(errs, "targets.path is required")
	}
	if c.Targets.MaxAgeHours < 0 {
		errs = append(errs, "targets.max_age_hours must not be negative")
	}

	// Alerting validation
	if c.Alerting.Slack.Enabled && (c.Alerting.Slack.Token == "" || c.Alerting.Slack.Channel == "") {
		errs = append(errs, "alerting.slack.token and alerting.slack.channel are required")
	}
	if c.Alerting.OpsGenie.Enabled && c.Alerting.OpsGenie.APIKey == "" {
		errs = append(errs, "alerting.opsgenie.api_key is required")
	}
	switch c.Alerting.OpsGenie.Priority {
	case "", "P1", "P2", "P3", "P4", "P5":
	default:
		errs = append(errs, "alerting.opsgenie.priority must be P1..P5")
	}

	// Metrics validation
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be between 1 and 65535")
	}

	// Logging validation
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, "logging.format must be 'json' or 'text'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// IsLive reports whether orders go to a live account.
func (c *Config) IsLive() bool {
	return c.Executor.Mode == ModeLive
}

// ToExecutionConfig converts to execution.Config.
func (c *Config) ToExecutionConfig() execution.Config {
	orderType := broker.OrderTypeLimit
	if c.Executor.OrderType == "market" {
		orderType = broker.OrderTypeMarket
	}
	return execution.Config{
		Name:              c.Executor.Name,
		TurnoverThreshold: decimal.NewFromFloat(c.Executor.TurnoverThreshold),
		WatchInterval:     seconds(c.Executor.WatchIntervalSec),
		StaleAfter:        seconds(c.Executor.StaleAfterSec),
		NearCloseLead:     seconds(c.Executor.NearCloseLeadSec),
		OrderType:         orderType,
		Adaptive:          c.Executor.Adaptive,
		FlipPolicy:        execution.FlipPolicy(c.Executor.FlipPolicy),
		SecType:           c.Executor.SecType,
		Currency:          c.Executor.Currency,
		CheckSpread:       c.Executor.CheckSpread,
		MaxSpread:         decimal.NewFromFloat(c.Executor.MaxSpreadPct),
		Debug:             c.Executor.Debug,
	}
}

// ToIBKRConfig converts to ibkr.Config.
func (c *Config) ToIBKRConfig() ibkr.Config {
	cfg := ibkr.DefaultConfig()
	cfg.Host = c.IBKR.Host
	cfg.Port = c.IBKR.Port
	cfg.MarketDataPort = c.IBKR.MarketDataPort
	cfg.ClientID = c.IBKR.ClientID
	cfg.Account = c.IBKR.Account
	cfg.ConnectTimeout = seconds(c.IBKR.ConnectTimeoutSec)
	cfg.RequestTimeout = seconds(c.IBKR.RequestTimeoutSec)
	cfg.MaxRequestsPerSecond = c.IBKR.MaxRequestsPerSecond
	if c.IBKR.ConnectRetries > 0 {
		cfg.ConnectRetries = c.IBKR.ConnectRetries
	}
	cfg.AutoReconnect = c.IBKR.AutoReconnect
	cfg.PaperTrading = !c.IsLive()
	return cfg
}

// ToAlpacaConfig converts to alpaca.Config.
func (c *Config) ToAlpacaConfig() alpaca.Config {
	cfg := alpaca.DefaultConfig()
	cfg.KeyID = c.Alpaca.KeyID
	cfg.SecretKey = c.Alpaca.SecretKey
	cfg.BaseURL = c.Alpaca.BaseURL
	cfg.DataURL = c.Alpaca.DataURL
	cfg.Feed = c.Alpaca.Feed
	cfg.Stream = c.Alpaca.Stream
	cfg.Timeout = seconds(c.Alpaca.TimeoutSec)
	cfg.MaxRequestsPerSecond = c.Alpaca.MaxRequestsPerSecond
	cfg.MaxRetries = c.Alpaca.MaxRetries
	return cfg
}

// ToPaperConfig converts to paper.Config.
func (c *Config) ToPaperConfig() paper.Config {
	cfg := paper.DefaultConfig()
	cfg.FillAtLimit = c.Paper.FillAtLimit
	cfg.NotShortable = c.Paper.NotShortable
	if c.Paper.PerShare > 0 {
		cfg.PerShare = decimal.NewFromFloat(c.Paper.PerShare)
	}
	if c.Paper.MinCommission > 0 {
		cfg.MinCommission = decimal.NewFromFloat(c.Paper.MinCommission)
	}
	for symbol, qty := range c.Paper.Positions {
		cfg.Positions[symbol] = decimal.NewFromFloat(qty)
	}
	for symbol, q := range c.Paper.Quotes {
		cfg.Quotes[symbol] = paper.Quote{Bid: decimal.NewFromFloat(q.Bid), Ask: decimal.NewFromFloat(q.Ask)}
	}
	return cfg
}

// ToSlackConfig converts to alerting.SlackConfig.
func (c *Config) ToSlackConfig() alerting.SlackConfig {
	return alerting.SlackConfig{Token: c.Alerting.Slack.Token, Channel: c.Alerting.Slack.Channel}
}

// ToOpsGenieConfig converts to alerting.OpsGenieConfig.
func (c *Config) ToOpsGenieConfig() alerting.OpsGenieConfig {
	return alerting.OpsGenieConfig{APIKey: c.Alerting.OpsGenie.APIKey, Priority: c.Alerting.OpsGenie.Priority}
}

// TargetsMaxAge returns how old a target file may be.
func (c *Config) TargetsMaxAge() time.Duration {
	return time.Duration(c.Targets.MaxAgeHours) * time.Hour
}

// OpenBuffer returns the calendar open buffer.
func (c *Config) OpenBuffer() time.Duration {
	return seconds(c.Calendar.OpenBufferSec)
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Logging.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level '%s' is not a valid level", s)
	}
	return level, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
