// Package config loads the server and market settings from an optional YAML
// file, then applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/fx-market/internal/market"
	"github.com/atmx/fx-market/internal/model"
)

// Config is the full runtime configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Market MarketConfig `yaml:"market"`
}

// ServerConfig covers transport, storage and fan-out settings.
type ServerConfig struct {
	Port        string `yaml:"port"`
	Instance    string `yaml:"instance"` // tags journal records and broker messages
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	NATSURL     string `yaml:"nats_url"`

	IdleTickInterval time.Duration `yaml:"idle_tick_interval"` // 0 disables idle ticks
	RateLimitRPS     float64       `yaml:"rate_limit_rps"`     // 0 disables rate limiting
	RateLimitBurst   int           `yaml:"rate_limit_burst"`
	EventBuffer      int           `yaml:"event_buffer"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// MarketConfig mirrors market.Config with YAML-friendly types.
type MarketConfig struct {
	MaxLockTicks            uint64 `yaml:"max_lock_ticks"`
	MaxBuyLocks             int    `yaml:"max_buy_locks"`
	MaxSellLocks            int    `yaml:"max_sell_locks"`
	MaxLocksPerCounterparty int    `yaml:"max_locks_per_counterparty"`

	MinHeldFraction      float64 `yaml:"min_held_fraction"`
	MinReferenceFraction float64 `yaml:"min_reference_fraction"`
	SellDiscount         float64 `yaml:"sell_discount"`

	RebalanceProbability float64 `yaml:"rebalance_probability"`
	RoleResetTicks       uint64  `yaml:"role_reset_ticks"`

	StartingCapital float64 `yaml:"starting_capital"`
	// UnitsPerEUR overrides the resting rate of a kind, e.g. USD: 1.03576.
	UnitsPerEUR map[string]float64 `yaml:"units_per_eur"`
	// Quantities fixes the starting inventory. When empty the starting
	// capital is split at random.
	Quantities map[string]float64 `yaml:"quantities"`
	// Seed makes the random split and rebalancing reproducible.
	Seed *uint64 `yaml:"seed"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	mc := market.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:             "8080",
			Instance:         hostname(),
			IdleTickInterval: 5 * time.Second,
			RateLimitRPS:     50,
			RateLimitBurst:   100,
			EventBuffer:      1024,
			CacheTTL:         5 * time.Minute,
		},
		Market: MarketConfig{
			MaxLockTicks:            mc.MaxLockTicks,
			MaxBuyLocks:             mc.MaxBuyLocks,
			MaxSellLocks:            mc.MaxSellLocks,
			MaxLocksPerCounterparty: mc.MaxLocksPerCounterparty,
			MinHeldFraction:         mc.MinHeldFraction.InexactFloat64(),
			MinReferenceFraction:    mc.MinReferenceFraction.InexactFloat64(),
			SellDiscount:            mc.SellDiscount.InexactFloat64(),
			RebalanceProbability:    mc.RebalanceProbability,
			RoleResetTicks:          mc.RoleResetTicks,
			StartingCapital:         mc.StartingCapital.InexactFloat64(),
		},
	}
}

// Load reads the YAML file at path, if any, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("PORT", &cfg.Server.Port)
	setString("MARKET_INSTANCE", &cfg.Server.Instance)
	setString("DATABASE_URL", &cfg.Server.DatabaseURL)
	setString("REDIS_URL", &cfg.Server.RedisURL)
	setString("NATS_URL", &cfg.Server.NATSURL)

	if v := strings.TrimSpace(getenv("MARKET_SEED")); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MARKET_SEED: %w", err)
		}
		cfg.Market.Seed = &seed
	}
	if v := strings.TrimSpace(getenv("IDLE_TICK_INTERVAL")); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("IDLE_TICK_INTERVAL: %w", err)
		}
		cfg.Server.IdleTickInterval = interval
	}
	if v := strings.TrimSpace(getenv("RATE_LIMIT_RPS")); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		cfg.Server.RateLimitRPS = rps
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.Server.Port = strings.TrimPrefix(strings.TrimSpace(cfg.Server.Port), ":")
	cfg.Server.Instance = strings.TrimSpace(cfg.Server.Instance)
	if cfg.Server.Instance == "" {
		cfg.Server.Instance = "fx-market"
	}
	if cfg.Server.EventBuffer <= 0 {
		cfg.Server.EventBuffer = 1024
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 1
	}
}

func (cfg Config) validate() error {
	if cfg.Server.Port == "" {
		return errors.New("server: port is required")
	}
	if _, err := strconv.ParseUint(cfg.Server.Port, 10, 16); err != nil {
		return fmt.Errorf("server: invalid port %q", cfg.Server.Port)
	}
	if cfg.Server.IdleTickInterval < 0 {
		return errors.New("server: idle_tick_interval must not be negative")
	}
	if cfg.Server.RateLimitRPS < 0 {
		return errors.New("server: rate_limit_rps must not be negative")
	}
	if err := cfg.Market.validate(); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	return nil
}

func (mc MarketConfig) validate() error {
	switch {
	case mc.MaxLockTicks == 0:
		return errors.New("max_lock_ticks must be positive")
	case mc.MaxBuyLocks <= 0 || mc.MaxSellLocks <= 0:
		return errors.New("max_buy_locks and max_sell_locks must be positive")
	case mc.MaxLocksPerCounterparty < 0:
		return errors.New("max_locks_per_counterparty must not be negative")
	case mc.MinHeldFraction < 0 || mc.MinHeldFraction >= 1:
		return fmt.Errorf("min_held_fraction %v not in [0,1)", mc.MinHeldFraction)
	case mc.MinReferenceFraction < 0 || mc.MinReferenceFraction >= 1:
		return fmt.Errorf("min_reference_fraction %v not in [0,1)", mc.MinReferenceFraction)
	case mc.SellDiscount <= 0 || mc.SellDiscount > 1:
		return fmt.Errorf("sell_discount %v not in (0,1]", mc.SellDiscount)
	case mc.RebalanceProbability < 0 || mc.RebalanceProbability > 1:
		return fmt.Errorf("rebalance_probability %v not in [0,1]", mc.RebalanceProbability)
	case mc.RoleResetTicks == 0:
		return errors.New("role_reset_ticks must be positive")
	case len(mc.Quantities) == 0 && mc.StartingCapital <= 0:
		return errors.New("starting_capital must be positive when no quantities are given")
	}

	for name, units := range mc.UnitsPerEUR {
		kind, err := model.ParseKind(name)
		if err != nil {
			return fmt.Errorf("units_per_eur: %w", err)
		}
		if kind == model.Reference {
			return errors.New("units_per_eur: the reference kind has a fixed rate")
		}
		if units <= 0 {
			return fmt.Errorf("units_per_eur: %s must be positive", kind)
		}
	}
	if _, err := mc.StartingQuantities(); err != nil {
		return err
	}
	return nil
}

// ToMarket converts the YAML settings into the market's configuration.
func (mc MarketConfig) ToMarket() market.Config {
	cfg := market.DefaultConfig()
	cfg.MaxLockTicks = mc.MaxLockTicks
	cfg.MaxBuyLocks = mc.MaxBuyLocks
	cfg.MaxSellLocks = mc.MaxSellLocks
	cfg.MaxLocksPerCounterparty = mc.MaxLocksPerCounterparty
	cfg.MinHeldFraction = decimal.NewFromFloat(mc.MinHeldFraction)
	cfg.MinReferenceFraction = decimal.NewFromFloat(mc.MinReferenceFraction)
	cfg.SellDiscount = decimal.NewFromFloat(mc.SellDiscount)
	cfg.RebalanceProbability = mc.RebalanceProbability
	cfg.RoleResetTicks = mc.RoleResetTicks
	cfg.StartingCapital = decimal.NewFromFloat(mc.StartingCapital)

	one := decimal.NewFromInt(1)
	for name, units := range mc.UnitsPerEUR {
		kind, err := model.ParseKind(name)
		if err != nil || kind == model.Reference || units <= 0 {
			continue // rejected by validate
		}
		cfg.DefaultRates[kind] = one.Div(decimal.NewFromFloat(units))
	}
	return cfg
}

// StartingQuantities returns the fixed starting inventory, or nil when the
// market should be initialized at random.
func (mc MarketConfig) StartingQuantities() (map[model.Kind]decimal.Decimal, error) {
	if len(mc.Quantities) == 0 {
		return nil, nil
	}
	out := make(map[model.Kind]decimal.Decimal, len(model.Kinds))
	for name, qty := range mc.Quantities {
		kind, err := model.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("quantities: %w", err)
		}
		if qty < 0 {
			return nil, fmt.Errorf("quantities: %s must not be negative", kind)
		}
		out[kind] = decimal.NewFromFloat(qty)
	}
	for _, kind := range model.Kinds {
		if _, ok := out[kind]; !ok {
			return nil, fmt.Errorf("quantities: missing %s", kind)
		}
	}
	return out, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
