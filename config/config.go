// Package config loads navsyncd configuration from a YAML file, a .env file
// and environment overrides, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "9s", "2m" etc.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds all application configuration.
type Config struct {
	Log struct {
		Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	RateLimit struct {
		MaxPerMinute      int `yaml:"max_per_minute" validate:"gt=0"`
		ReservedForManual int `yaml:"reserved_for_manual" validate:"gte=0,ltfield=MaxPerMinute"`
	} `yaml:"rate_limit"`

	Scheduler struct {
		BatchSize          int      `yaml:"batch_size" validate:"gt=0"`
		BatchesPerMinute   int      `yaml:"batches_per_minute" validate:"gt=0"`
		MaxBatchesPerCycle int      `yaml:"max_batches_per_cycle" validate:"gt=0"`
		BatchInterval      Duration `yaml:"batch_interval" validate:"gt=0"`
		CyclePeriod        Duration `yaml:"cycle_period" validate:"gt=0"`
		ManualPoll         Duration `yaml:"manual_poll" validate:"gt=0"`
		Timeframe          string   `yaml:"timeframe" validate:"oneof=D W M YTD MAX"`
	} `yaml:"scheduler"`

	Registry struct {
		Capacity  int      `yaml:"capacity" validate:"gt=0"`
		SweepSpec string   `yaml:"sweep_spec" validate:"required"`
		ManualTTL Duration `yaml:"manual_ttl" validate:"gt=0"`
	} `yaml:"registry"`

	Provider struct {
		Kind      string   `yaml:"kind" validate:"oneof=alpaca none"`
		APIKey    string   `yaml:"-"`
		APISecret string   `yaml:"-"`
		BaseURL   string   `yaml:"base_url"`
		Timeout   Duration `yaml:"timeout" validate:"gt=0"`

		BreakerFailures int      `yaml:"breaker_failures" validate:"gt=0"`
		BreakerCooldown Duration `yaml:"breaker_cooldown" validate:"gt=0"`
	} `yaml:"provider"`

	Store struct {
		Kind          string `yaml:"kind" validate:"oneof=sqlite redis memory"`
		SQLitePath    string `yaml:"sqlite_path" validate:"required_if=Kind sqlite"`
		RedisAddr     string `yaml:"redis_addr" validate:"required_if=Kind redis"`
		RedisPassword string `yaml:"-"`
		RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
		MirrorEvents  bool   `yaml:"mirror_events"`
	} `yaml:"store"`

	Notify struct {
		TelegramToken  string `yaml:"-"`
		TelegramChatID int64  `yaml:"telegram_chat_id"`
		WebhookURL     string `yaml:"webhook_url" validate:"omitempty,url"`
	} `yaml:"notify"`

	HTTP struct {
		Addr string `yaml:"addr" validate:"required"`
	} `yaml:"http"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.Log.Level = "info"

	c.RateLimit.MaxPerMinute = 13
	c.RateLimit.ReservedForManual = 2

	c.Scheduler.BatchSize = 5
	c.Scheduler.BatchesPerMinute = 11
	c.Scheduler.MaxBatchesPerCycle = 20
	c.Scheduler.BatchInterval = Duration(9 * time.Second)
	c.Scheduler.CyclePeriod = Duration(180 * time.Second)
	c.Scheduler.ManualPoll = Duration(2 * time.Second)
	c.Scheduler.Timeframe = "D"

	c.Registry.Capacity = 5
	c.Registry.SweepSpec = "@every 1m"
	c.Registry.ManualTTL = Duration(5 * time.Minute)

	c.Provider.Kind = "alpaca"
	c.Provider.Timeout = Duration(15 * time.Second)
	c.Provider.BreakerFailures = 5
	c.Provider.BreakerCooldown = Duration(30 * time.Second)

	c.Store.Kind = "sqlite"
	c.Store.SQLitePath = "data/navsync.db"

	c.HTTP.Addr = ":9090"
	return c
}

// Load reads path (optional; "" means defaults only), then .env, then the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.Provider.Kind == "alpaca" && (c.Provider.APIKey == "" || c.Provider.APISecret == "") {
		return errors.New("config: alpaca provider needs APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Provider.APIKey = getEnv("APCA_API_KEY_ID", c.Provider.APIKey)
	c.Provider.APISecret = getEnv("APCA_API_SECRET_KEY", c.Provider.APISecret)
	c.Provider.BaseURL = getEnv("APCA_DATA_URL", c.Provider.BaseURL)

	c.Store.Kind = getEnv("STORE_KIND", c.Store.Kind)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnv("REDIS_PASSWORD", c.Store.RedisPassword)

	c.Notify.TelegramToken = getEnv("TELEGRAM_TOKEN", c.Notify.TelegramToken)
	if v := getEnv("TELEGRAM_CHAT_ID", ""); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.TelegramChatID = id
		}
	}
	c.Notify.WebhookURL = getEnv("WEBHOOK_URL", c.Notify.WebhookURL)

	c.HTTP.Addr = getEnv("METRICS_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
