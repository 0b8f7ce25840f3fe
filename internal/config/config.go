// Package config loads engine configuration through viper: an optional YAML
// file layered over environment variables (DEXCORE_*) over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// MarketConfig declares one trading pair.
type MarketConfig struct {
	Symbol    string `mapstructure:"symbol"`
	PoolClass string `mapstructure:"pool_class"`
	TickSize  string `mapstructure:"tick_size"`
	LotSize   string `mapstructure:"lot_size"`
	MinSize   string `mapstructure:"min_size"`

	TakerFeeBps   string `mapstructure:"taker_fee_bps"`
	MakerFeeBps   string `mapstructure:"maker_fee_bps"`
	RequiredStake string `mapstructure:"required_stake"`
}

// Config is the full engine configuration.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Epoch struct {
		Length        time.Duration `mapstructure:"length"`
		VotingCutoff  string        `mapstructure:"voting_cutoff"`
		PhaseOut      string        `mapstructure:"phase_out_liquidity"`
		DiscountRatio string        `mapstructure:"discount_ratio"`
	} `mapstructure:"epoch"`

	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Journal struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"journal"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	Markets []MarketConfig `mapstructure:"markets"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("epoch.length", 24*time.Hour)
	v.SetDefault("epoch.voting_cutoff", "100000")
	v.SetDefault("epoch.phase_out_liquidity", "0")
	v.SetDefault("epoch.discount_ratio", "0.5")
	v.SetDefault("kafka.topic", "dexcore.events")
	v.SetDefault("journal.dsn", "dexcore.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration from path (or the default search paths when path
// is empty) and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEXCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dexcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/dexcore")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Epoch.Length <= 0 {
		return fmt.Errorf("epoch.length must be positive")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	seen := make(map[string]struct{}, len(c.Markets))
	for i, m := range c.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("markets[%d]: symbol is required", i)
		}
		if _, dup := seen[m.Symbol]; dup {
			return fmt.Errorf("markets[%d]: duplicate symbol %q", i, m.Symbol)
		}
		seen[m.Symbol] = struct{}{}
		for name, val := range map[string]string{
			"tick_size": m.TickSize, "lot_size": m.LotSize, "min_size": m.MinSize,
		} {
			d, err := decimal.NewFromString(val)
			if err != nil || !d.IsPositive() {
				return fmt.Errorf("markets[%d]: %s must be a positive decimal", i, name)
			}
		}
	}
	return nil
}

// Decimal parses a config decimal, with a fallback for empty values.
func Decimal(s, fallback string) (decimal.Decimal, error) {
	if s == "" {
		s = fallback
	}
	return decimal.NewFromString(s)
}
