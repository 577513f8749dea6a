// Package config loads server configuration from an optional YAML file, an
// optional .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"

	"github.com/atmx/prediction-amm/internal/collateral"
	"github.com/atmx/prediction-amm/internal/money"
	"github.com/atmx/prediction-amm/internal/settlement"
)

// unit is one whole unit of account in smallest units.
const unit = 1_000_000

type Config struct {
	Port        string   `yaml:"port"`
	LogLevel    string   `yaml:"log_level"` // debug, info, warn, error
	DatabaseURL string   `yaml:"database_url"`
	RedisURL    string   `yaml:"redis_url"`
	CacheTTL    Duration `yaml:"cache_ttl"`

	Relay struct {
		URL        string   `yaml:"url"`
		MaxRetries int      `yaml:"max_retries"`
		BaseDelay  Duration `yaml:"base_delay"`
		MaxDelay   Duration `yaml:"max_delay"`
	} `yaml:"relay"`

	Market struct {
		DefaultVirtualLiquidity uint64   `yaml:"default_virtual_liquidity"`
		DefaultInitialLiquidity uint64   `yaml:"default_initial_liquidity"`
		ProtocolFeeBps          uint32   `yaml:"protocol_fee_bps"`
		AllowedOracles          []string `yaml:"allowed_oracles"`
	} `yaml:"market"`

	Session struct {
		SafeModeDefault bool   `yaml:"safe_mode_default"`
		ClosePolicy     string `yaml:"close_policy"` // block, forfeit, exclude
	} `yaml:"session"`

	Risk struct {
		MaxPerMarket   uint64 `yaml:"max_per_market"` // smallest units; 0 disables
		MaxCorrelated  uint64 `yaml:"max_correlated"`
		GroupSeparator string `yaml:"group_separator"`
	} `yaml:"risk"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Port:     "8080",
		LogLevel: "info",
		CacheTTL: Duration(30 * time.Second),
	}
	cfg.Relay.MaxRetries = 5
	cfg.Relay.BaseDelay = Duration(500 * time.Millisecond)
	cfg.Relay.MaxDelay = Duration(30 * time.Second)
	cfg.Market.DefaultVirtualLiquidity = 1_000 * unit
	cfg.Market.DefaultInitialLiquidity = 100 * unit
	cfg.Market.ProtocolFeeBps = settlement.DefaultFeeBps
	cfg.Market.AllowedOracles = []string{"uma", "chainlink"}
	cfg.Session.SafeModeDefault = true
	cfg.Session.ClosePolicy = string(collateral.BlockClose)
	cfg.Risk.MaxPerMarket = 10_000 * unit
	cfg.Risk.MaxCorrelated = 50_000 * unit
	cfg.Risk.GroupSeparator = ":"
	return cfg
}

// Load reads path (if non-empty) over the defaults, loads .env if present,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("couldn't read file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("couldn't parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("couldn't load .env: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("couldn't validate config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("PROTOCOL_FEE_BPS"); v != "" {
		bps, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("PROTOCOL_FEE_BPS: %w", err)
		}
		cfg.Market.ProtocolFeeBps = uint32(bps)
	}
	if v := os.Getenv("ALLOWED_ORACLES"); v != "" {
		cfg.Market.AllowedOracles = strings.Split(v, ",")
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Market.DefaultInitialLiquidity == 0 {
		return fmt.Errorf("market.default_initial_liquidity must be greater than 0")
	}
	if c.Market.ProtocolFeeBps > money.BasisPoints {
		return fmt.Errorf("market.protocol_fee_bps must be at most %d", money.BasisPoints)
	}
	if len(c.Market.AllowedOracles) == 0 {
		return fmt.Errorf("market.allowed_oracles must not be empty")
	}
	if _, ok := collateral.ParsePolicy(c.Session.ClosePolicy); !ok {
		return fmt.Errorf("session.close_policy must be one of block, forfeit, exclude")
	}
	if c.Relay.URL != "" {
		if c.Relay.MaxRetries <= 0 {
			return fmt.Errorf("relay.max_retries must be greater than 0")
		}
		if c.Relay.BaseDelay <= 0 || c.Relay.MaxDelay < c.Relay.BaseDelay {
			return fmt.Errorf("relay.base_delay must be positive and not exceed relay.max_delay")
		}
	}
	return nil
}

// ParseLevel maps a log_level string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level must be one of debug, info, warn, error")
}
