// Package config loads verifier configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full verifier configuration.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		// dev | prod
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Verifier struct {
		Audience         string `yaml:"audience"`
		VerifyMethod     string `yaml:"verify_method"`
		VerifyPath       string `yaml:"verify_path"`
		NonceTTLSeconds  int    `yaml:"nonce_ttl_seconds"`
		ClockSkewSeconds int    `yaml:"clock_skew_seconds"`
	} `yaml:"verifier"`

	Nonce struct {
		// memory | redis
		Backend      string `yaml:"backend"`
		ReapInterval string `yaml:"reap_interval"`
		Grace        string `yaml:"grace"`
		Redis        struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"nonce"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Log.Env = "dev"
	cfg.Log.Level = "info"
	cfg.Verifier.Audience = "urn:example:verifier"
	cfg.Verifier.VerifyMethod = "POST"
	cfg.Verifier.VerifyPath = "/verify"
	cfg.Verifier.NonceTTLSeconds = 120
	cfg.Verifier.ClockSkewSeconds = 120
	cfg.Nonce.Backend = "memory"
	cfg.Nonce.ReapInterval = "1m"
	cfg.Nonce.Grace = "5m"
	cfg.Nonce.Redis.Addr = "localhost:6379"
	cfg.Nonce.Redis.Prefix = "keyproof"
	return cfg
}

// Load reads path (if non-empty and present) over the defaults and then
// applies KEYPROOF_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "KEYPROOF_ADDR")
	setString(&cfg.Log.Env, "KEYPROOF_LOG_ENV")
	setString(&cfg.Log.Level, "KEYPROOF_LOG_LEVEL")
	setString(&cfg.Verifier.Audience, "KEYPROOF_AUDIENCE")
	setString(&cfg.Verifier.VerifyMethod, "KEYPROOF_VERIFY_METHOD")
	setString(&cfg.Verifier.VerifyPath, "KEYPROOF_VERIFY_PATH")
	setInt(&cfg.Verifier.NonceTTLSeconds, "KEYPROOF_NONCE_TTL_SECONDS")
	setInt(&cfg.Verifier.ClockSkewSeconds, "KEYPROOF_CLOCK_SKEW_SECONDS")
	setString(&cfg.Nonce.Backend, "KEYPROOF_NONCE_BACKEND")
	setString(&cfg.Nonce.Redis.Addr, "KEYPROOF_REDIS_ADDR")
	setInt(&cfg.Nonce.Redis.DB, "KEYPROOF_REDIS_DB")
	setString(&cfg.Nonce.Redis.Prefix, "KEYPROOF_REDIS_PREFIX")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	if c.Verifier.Audience == "" {
		return fmt.Errorf("verifier.audience must not be empty")
	}
	if c.Verifier.NonceTTLSeconds <= 0 {
		return fmt.Errorf("verifier.nonce_ttl_seconds must be positive")
	}
	if c.Verifier.ClockSkewSeconds < 0 {
		return fmt.Errorf("verifier.clock_skew_seconds must not be negative")
	}
	switch c.Nonce.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("nonce.backend must be memory or redis, got %q", c.Nonce.Backend)
	}
	return nil
}

// NonceTTL returns the challenge validity window.
func (c *Config) NonceTTL() time.Duration {
	return time.Duration(c.Verifier.NonceTTLSeconds) * time.Second
}

// ClockSkew returns the symmetric nbf/exp tolerance.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Verifier.ClockSkewSeconds) * time.Second
}

// ReapInterval parses nonce.reap_interval, defaulting to one minute.
func (c *Config) ReapInterval() time.Duration {
	return parseDuration(c.Nonce.ReapInterval, time.Minute)
}

// Grace parses nonce.grace, defaulting to five minutes.
func (c *Config) Grace() time.Duration {
	return parseDuration(c.Nonce.Grace, 5*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
