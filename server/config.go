// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/S0iRu/vrcsocial/lib/clock"
)

// Config configures the relay server. The yaml-tagged fields load from
// the config file; the runtime fields are injected by the caller and
// default sensibly when left nil.
type Config struct {
	// ListenAddr is the address the HTTP server binds. Defaults to
	// ":8787".
	ListenAddr string `yaml:"listen_addr"`

	// APIBaseURL is the platform HTTP API base URL. Required.
	APIBaseURL string `yaml:"api_base_url"`

	// PipelineURL is the platform WebSocket event endpoint. Required.
	PipelineURL string `yaml:"pipeline_url"`

	// UserAgent is sent on every platform request. Defaults to the
	// upstream package default.
	UserAgent string `yaml:"user_agent"`

	// SessionTTL is how long a browser session stays valid without
	// being used. Defaults to 7 days.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// AuthRatePerMinute and AuthRateBurst bound login and two-factor
	// attempts per client address. Default 10/minute, burst 5.
	AuthRatePerMinute float64 `yaml:"auth_rate_per_minute"`
	AuthRateBurst     int     `yaml:"auth_rate_burst"`

	// Clock, Logger, and HTTPClient are injected at construction and
	// never read from the config file.
	Clock      clock.Clock  `yaml:"-"`
	Logger     *slog.Logger `yaml:"-"`
	HTTPClient *http.Client `yaml:"-"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("server: reading config: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return Config{}, fmt.Errorf("server: parsing config %s: %w", path, err)
	}
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("server: config is missing api_base_url")
	}
	if c.PipelineURL == "" {
		return fmt.Errorf("server: config is missing pipeline_url")
	}
	return nil
}

// applyDefaults fills unset optional fields. Called by New after
// validation.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8787"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 7 * 24 * time.Hour
	}
	if c.AuthRatePerMinute <= 0 {
		c.AuthRatePerMinute = 10
	}
	if c.AuthRateBurst <= 0 {
		c.AuthRateBurst = 5
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
