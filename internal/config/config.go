// webhookflow is a webhook delivery pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the application configuration from the environment,
// with flags available to override individual fields for local runs.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully-resolved, validated application configuration.
type Config struct {
	HTTPAddr      string
	DBPath        string
	HMACSecret    string
	DownstreamURL string
	LogLevel      string

	// MongoDBURI and MongoDBDatabase are carried for configuration-surface
	// completeness; the store is SQLite-backed and never dials Mongo.
	MongoDBURI      string
	MongoDBDatabase string
	// RedisURL is reserved and unused by the core, exactly as specified.
	RedisURL string

	WorkerPollInterval time.Duration
	MaxRetryAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	DeliveryTimeout    time.Duration

	CircuitFailureThreshold   int
	CircuitRecoveryTimeout    time.Duration
	CircuitHalfOpenSuccesses  int
	RateLimitPerMinute        int
}

// Default returns a Config populated with the defaults named in the
// external interface and component tables.
func Default() Config {
	return Config{
		HTTPAddr:                 ":8080",
		DBPath:                   "webhookflow.db",
		LogLevel:                 "info",
		WorkerPollInterval:       1 * time.Second,
		MaxRetryAttempts:         5,
		RetryBaseDelay:           1 * time.Second,
		RetryMaxDelay:            16 * time.Second,
		DeliveryTimeout:          30 * time.Second,
		CircuitFailureThreshold:  5,
		CircuitRecoveryTimeout:   30 * time.Second,
		CircuitHalfOpenSuccesses: 3,
		RateLimitPerMinute:       60,
	}
}

// Load resolves configuration from the environment, then lets flag
// overrides (if args is non-nil) take precedence, then validates.
func Load(args []string) (Config, error) {
	cfg := Default()

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBPath = getenv("DB_PATH", cfg.DBPath)
	cfg.HMACSecret = getenv("HMAC_SECRET", cfg.HMACSecret)
	cfg.DownstreamURL = getenv("DOWNSTREAM_URL", cfg.DownstreamURL)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.MongoDBURI = getenv("MONGODB_URI", cfg.MongoDBURI)
	cfg.MongoDBDatabase = getenv("MONGODB_DATABASE", cfg.MongoDBDatabase)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)

	cfg.WorkerPollInterval = getenvDuration("WORKER_POLL_INTERVAL", cfg.WorkerPollInterval)
	cfg.MaxRetryAttempts = getenvInt("MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts)
	cfg.RetryBaseDelay = getenvDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = getenvDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.DeliveryTimeout = getenvDuration("DELIVERY_TIMEOUT", cfg.DeliveryTimeout)

	cfg.CircuitFailureThreshold = getenvInt("CIRCUIT_FAILURE_THRESHOLD", cfg.CircuitFailureThreshold)
	cfg.CircuitRecoveryTimeout = getenvDuration("CIRCUIT_RECOVERY_TIMEOUT", cfg.CircuitRecoveryTimeout)
	cfg.CircuitHalfOpenSuccesses = getenvInt("CIRCUIT_HALF_OPEN_SUCCESSES", cfg.CircuitHalfOpenSuccesses)
	cfg.RateLimitPerMinute = getenvInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)

	if args != nil {
		fs := flag.NewFlagSet("webhookflow", flag.ContinueOnError)
		fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "address to listen on")
		fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the sqlite database file")
		fs.StringVar(&cfg.DownstreamURL, "downstream-url", cfg.DownstreamURL, "base URL of the downstream delivery sink")
		fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
		if err := fs.Parse(args); err != nil {
			return Config{}, err
		}
	}

	return cfg, cfg.Validate()
}

// Validate rejects a Config missing a required field or carrying a
// nonsensical value, before the rest of the application starts using it.
func (c Config) Validate() error {
	if c.HMACSecret == "" {
		return errors.New("config: HMAC_SECRET is required")
	}
	if c.DownstreamURL == "" {
		return errors.New("config: DOWNSTREAM_URL is required")
	}
	if c.MaxRetryAttempts < 1 {
		return errors.New("config: MAX_RETRY_ATTEMPTS must be >= 1")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay <= 0 {
		return errors.New("config: retry delays must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.New("config: RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY")
	}
	return nil
}

// RedactedSecret returns the HMAC secret with everything but its first and
// last two characters masked, safe to include in a startup log line.
func (c Config) RedactedSecret() string {
	s := c.HMACSecret
	if len(s) <= 4 {
		return "****"
	}
	masked := make([]byte, len(s)-4)
	for i := range masked {
		masked[i] = '*'
	}
	return s[:2] + string(masked) + s[len(s)-2:]
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// String renders the config for startup logging with the secret redacted.
func (c Config) String() string {
	return fmt.Sprintf(
		"http_addr=%s db_path=%s downstream_url=%s log_level=%s hmac_secret=%s "+
			"worker_poll_interval=%s max_retry_attempts=%d retry_base_delay=%s retry_max_delay=%s "+
			"circuit_failure_threshold=%d circuit_recovery_timeout=%s circuit_half_open_successes=%d "+
			"rate_limit_per_minute=%d",
		c.HTTPAddr, c.DBPath, c.DownstreamURL, c.LogLevel, c.RedactedSecret(),
		c.WorkerPollInterval, c.MaxRetryAttempts, c.RetryBaseDelay, c.RetryMaxDelay,
		c.CircuitFailureThreshold, c.CircuitRecoveryTimeout, c.CircuitHalfOpenSuccesses,
		c.RateLimitPerMinute,
	)
}
