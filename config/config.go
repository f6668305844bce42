package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/dreamrunner/broker"
	"github.com/rustyeddy/dreamrunner/indicators"
	"github.com/rustyeddy/dreamrunner/logger"
	"github.com/rustyeddy/dreamrunner/market"
	"github.com/rustyeddy/dreamrunner/orchestrator"
	"github.com/rustyeddy/dreamrunner/playbook"
	"github.com/rustyeddy/dreamrunner/risk"
)

// Config is loaded once at startup and passed by value into every
// component. Nothing in it changes while the process runs.
type Config struct {
	Account    AccountConfig     `json:"account" yaml:"account"`
	Symbols    []string          `json:"symbols" yaml:"symbols"`
	Timeframe  market.Timeframe  `json:"timeframe" yaml:"timeframe"`
	Tolerance  string            `json:"tolerance" yaml:"tolerance"` // late tick tolerance, e.g. "2s"
	Indicators []indicators.Spec `json:"indicators" yaml:"indicators"`
	Rules      []playbook.Rule   `json:"rules,omitempty" yaml:"rules,omitempty"`
	RulesFile  string            `json:"rules_file,omitempty" yaml:"rules_file,omitempty"`
	Risk       RiskConfig        `json:"risk" yaml:"risk"`
	Execution  ExecutionConfig   `json:"execution" yaml:"execution"`
	Journal    JournalConfig     `json:"journal" yaml:"journal"`
	Log        logger.Config     `json:"log" yaml:"log"`
}

type AccountConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Currency string  `json:"currency" yaml:"currency"`
	Balance  float64 `json:"balance" yaml:"balance"`
}

type RiskConfig struct {
	Limits risk.Limits `json:"limits" yaml:"limits"`
	Sizing risk.Sizing `json:"sizing" yaml:"sizing"`
}

type ExecutionConfig struct {
	Gateway       string  `json:"gateway" yaml:"gateway"`       // only "sim" is built in
	OrderType     string  `json:"order_type" yaml:"order_type"` // market or limit
	EntryRetries  int     `json:"entry_retries" yaml:"entry_retries"`
	ExitRetries   int     `json:"exit_retries" yaml:"exit_retries"`
	BackoffMin    string  `json:"backoff_min" yaml:"backoff_min"`
	BackoffMax    string  `json:"backoff_max" yaml:"backoff_max"`
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor"`
	SubmitTimeout string  `json:"submit_timeout" yaml:"submit_timeout"`
	// OrdersPerSecond throttles submits and cancels across all symbols;
	// 0 disables throttling.
	OrdersPerSecond float64 `json:"orders_per_second" yaml:"orders_per_second"`
	Burst           int     `json:"burst" yaml:"burst"`
	PartialFills    int     `json:"partial_fills,omitempty" yaml:"partial_fills,omitempty"` // sim only
}

type JournalConfig struct {
	Type   string `json:"type" yaml:"type"` // "sqlite" or "none"
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// Env holds the overrides read from the environment (and .env) with the
// TRADER_ prefix.
type Env struct {
	Symbols   []string `envconfig:"SYMBOLS"`
	Timeframe string   `envconfig:"TIMEFRAME"`
	Balance   float64  `envconfig:"BALANCE"`
	Gateway   string   `envconfig:"GATEWAY"`
	DBPath    string   `envconfig:"DB_PATH"`
	LogLevel  string   `envconfig:"LOG_LEVEL"`
	LogFormat string   `envconfig:"LOG_FORMAT"`
	LogOutput string   `envconfig:"LOG_OUTPUT"`
}

// Load reads path (YAML, falling back to JSON), applies environment
// overrides, loads RulesFile when set and validates the result. An empty
// path starts from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		cfg, err = LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if cfg.RulesFile != "" {
		rules, err := playbook.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		cfg.Rules = rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile decodes path without environment overrides or validation.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		*cfg = Config{}
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnv overlays TRADER_* environment variables.
func (c *Config) ApplyEnv() error {
	var env Env
	if err := envconfig.Process("trader", &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if len(env.Symbols) > 0 {
		c.Symbols = env.Symbols
	}
	if env.Timeframe != "" {
		tf, err := market.ParseTimeframe(env.Timeframe)
		if err != nil {
			return fmt.Errorf("TRADER_TIMEFRAME: %w", err)
		}
		c.Timeframe = tf
	}
	if env.Balance > 0 {
		c.Account.Balance = env.Balance
	}
	if env.Gateway != "" {
		c.Execution.Gateway = env.Gateway
	}
	if env.DBPath != "" {
		c.Journal.DBPath = env.DBPath
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Log.Format = env.LogFormat
	}
	if env.LogOutput != "" {
		c.Log.Output = env.LogOutput
	}
	return nil
}

// SaveToFile writes YAML for .yaml/.yml paths and JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("empty symbol")
		}
		if seen[s] {
			return fmt.Errorf("duplicate symbol %s", s)
		}
		seen[s] = true
	}
	if c.Timeframe <= 0 {
		return fmt.Errorf("timeframe is required")
	}
	if _, err := c.ToleranceDuration(); err != nil {
		return err
	}

	names := map[string]bool{}
	for _, sp := range c.Indicators {
		if err := sp.Validate(); err != nil {
			return fmt.Errorf("indicators: %w", err)
		}
		if names[sp.Name] {
			return fmt.Errorf("indicators: duplicate name %s", sp.Name)
		}
		names[sp.Name] = true
	}

	if len(c.Rules) == 0 {
		return fmt.Errorf("rules: at least one rule is required")
	}
	if err := playbook.ValidateRules(c.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	for _, name := range playbook.Operands(c.Rules) {
		if !indicators.Provides(c.Indicators, name) {
			return fmt.Errorf("rules: unknown indicator %q", name)
		}
	}

	sz := c.Risk.Sizing
	if sz.RiskPct < 0 || sz.RiskPct > 1 {
		return fmt.Errorf("risk.sizing.risk_pct must be between 0 and 1")
	}
	if sz.FixedNotional <= 0 && (sz.RiskPct <= 0 || sz.StopLossPct <= 0) {
		return fmt.Errorf("risk.sizing needs fixed_notional or risk_pct with stop_loss_pct")
	}
	if sz.StopLossPct < 0 || sz.StopLossPct >= 1 || sz.TakeProfitPct < 0 {
		return fmt.Errorf("risk.sizing stop/take profit percentages out of range")
	}

	if _, err := c.Orchestrator(c.Symbols[0]); err != nil {
		return err
	}
	if c.Execution.Gateway != "sim" {
		return fmt.Errorf("execution.gateway %q is not supported", c.Execution.Gateway)
	}
	if c.Execution.OrdersPerSecond < 0 {
		return fmt.Errorf("execution.orders_per_second must not be negative")
	}

	switch c.Journal.Type {
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	case "none", "":
	default:
		return fmt.Errorf("journal.type must be 'sqlite' or 'none'")
	}
	return nil
}

func (c *Config) ToleranceDuration() (time.Duration, error) {
	return parseDuration("tolerance", c.Tolerance)
}

// Orchestrator builds the state machine settings for symbol.
func (c *Config) Orchestrator(symbol string) (orchestrator.Config, error) {
	ex := c.Execution
	ot, err := broker.ParseOrderType(ex.OrderType)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("execution.order_type: %w", err)
	}
	if ex.EntryRetries < 0 || ex.ExitRetries < 0 {
		return orchestrator.Config{}, fmt.Errorf("execution retries must not be negative")
	}
	min, err := parseDuration("execution.backoff_min", ex.BackoffMin)
	if err != nil {
		return orchestrator.Config{}, err
	}
	max, err := parseDuration("execution.backoff_max", ex.BackoffMax)
	if err != nil {
		return orchestrator.Config{}, err
	}
	timeout, err := parseDuration("execution.submit_timeout", ex.SubmitTimeout)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Symbol:        symbol,
		OrderType:     ot,
		Sizing:        c.Risk.Sizing,
		Equity:        c.Account.Balance,
		EntryRetries:  ex.EntryRetries,
		ExitRetries:   ex.ExitRetries,
		BackoffMin:    min,
		BackoffMax:    max,
		BackoffFactor: ex.BackoffFactor,
		SubmitTimeout: timeout,
	}, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// Default is the EMA(3)/EMA(8) crossover on one symbol against the
// simulated gateway.
func Default() *Config {
	return &Config{
		Account: AccountConfig{
			ID:       "SIM-001",
			Currency: "USD",
			Balance:  10000,
		},
		Symbols:   []string{"XYZ"},
		Timeframe: market.M1,
		Tolerance: "2s",
		Indicators: []indicators.Spec{
			{Name: "ema_fast", Kind: "ema", Period: 3},
			{Name: "ema_slow", Kind: "ema", Period: 8},
		},
		Rules: playbook.CrossoverRules("ema_fast", "ema_slow"),
		Risk: RiskConfig{
			Limits: risk.Limits{
				MaxPositionNotional:    5000,
				MaxConcurrentPositions: 3,
				MaxTotalNotional:       10000,
			},
			Sizing: risk.Sizing{
				FixedNotional: 1000,
				StopLossPct:   0.02,
				TakeProfitPct: 0.04,
				LotStep:       0.001,
			},
		},
		Execution: ExecutionConfig{
			Gateway:         "sim",
			OrderType:       "market",
			EntryRetries:    2,
			ExitRetries:     5,
			BackoffMin:      "250ms",
			BackoffMax:      "10s",
			BackoffFactor:   2,
			SubmitTimeout:   "10s",
			OrdersPerSecond: 10,
			Burst:           5,
		},
		Journal: JournalConfig{
			Type:   "sqlite",
			DBPath: "./trader.db",
		},
		Log: logger.Config{
			Level:  "info",
			Format: "json",
		},
	}
}
