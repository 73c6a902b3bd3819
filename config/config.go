// go-seproxy
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-seproxy.
//
// go-seproxy is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-seproxy is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-seproxy; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

// Package config loads reader configuration from YAML files and SEPROXY_*
// environment variables and turns it into reader options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/polling"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Back-end names
const (
	BackendStub      = "stub"
	BackendPCSC      = "pcsc"
	BackendPN532UART = "pn532-uart"
	BackendPN532I2C  = "pn532-i2c"
	BackendLibNFC    = "libnfc"
)

var backends = []string{BackendStub, BackendPCSC, BackendPN532UART, BackendPN532I2C, BackendLibNFC}

// Config is the whole configuration file
type Config struct {
	// Protocols maps a card protocol to the rule the back-end recognizes it
	// with, e.g. an ATR regular expression for PC/SC
	Protocols   map[string]string `yaml:"protocols"`
	Backend     Backend           `yaml:"backend"`
	Sentry      Sentry            `yaml:"sentry"`
	MetricsAddr string            `yaml:"metrics_addr"`
	Reader      Reader            `yaml:"reader"`
	Monitoring  Monitoring        `yaml:"monitoring"`
	Retry       Retry             `yaml:"retry"`
	Debug       bool              `yaml:"debug"`
}

// Backend selects and locates the reader
type Backend struct {
	Type string `yaml:"type"`
	// Port is the serial port, I2C bus, PC/SC reader name or libnfc
	// connection string. Empty means auto-detect.
	Port string `yaml:"port"`
	// Cards is a YAML card script for the stub back-end
	Cards string `yaml:"cards"`
}

// Reader configures the reader itself
type Reader struct {
	Contactless *bool         `yaml:"contactless"`
	Name        string        `yaml:"name"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Monitoring overrides the detection strategies chosen for the back-end.
// Empty strategies and zero intervals keep the back-end default.
type Monitoring struct {
	Insertion         string        `yaml:"insertion"`
	Processing        string        `yaml:"processing"`
	Removal           string        `yaml:"removal"`
	PollingInterval   time.Duration `yaml:"polling_interval"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	SmartWaitPeriod   time.Duration `yaml:"smart_wait_period"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	RemovalTimeout    time.Duration `yaml:"removal_timeout"`
}

// Retry mirrors seproxy.RetryConfig
type Retry struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            float64       `yaml:"jitter"`
}

// Sentry configures crash reporting
type Sentry struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// DefaultConfig returns the stub back-end with the default retry policy
func DefaultConfig() *Config {
	rc := seproxy.DefaultRetryConfig()
	return &Config{
		Backend: Backend{Type: BackendStub},
		Retry: Retry{
			MaxAttempts:       rc.MaxAttempts,
			InitialBackoff:    rc.InitialBackoff,
			MaxBackoff:        rc.MaxBackoff,
			BackoffMultiplier: rc.BackoffMultiplier,
			Jitter:            rc.Jitter,
		},
	}
}

// Load reads path over DefaultConfig, applies the environment and validates
// the result. An empty path only applies the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig and validates it without looking at
// the environment
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ApplyEnvOverrides applies SEPROXY_* variables from the process environment
func (c *Config) ApplyEnvOverrides() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SEPROXY_BACKEND", &c.Backend.Type)
	str("SEPROXY_PORT", &c.Backend.Port)
	str("SEPROXY_CARDS", &c.Backend.Cards)
	str("SEPROXY_READER_NAME", &c.Reader.Name)
	str("SEPROXY_SENTRY_DSN", &c.Sentry.DSN)
	str("SEPROXY_METRICS_ADDR", &c.MetricsAddr)

	if v, ok := lookup("SEPROXY_DEBUG"); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: SEPROXY_DEBUG: %w", ErrInvalid, err)
		}
		c.Debug = debug
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{key: "SEPROXY_TIMEOUT", dst: &c.Reader.Timeout},
		{key: "SEPROXY_POLLING_INTERVAL", dst: &c.Monitoring.PollingInterval},
		{key: "SEPROXY_PING_INTERVAL", dst: &c.Monitoring.PingInterval},
		{key: "SEPROXY_REMOVAL_TIMEOUT", dst: &c.Monitoring.RemovalTimeout},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks the configuration for values New would reject
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(backends, c.Backend.Type) {
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend.Type))
	}
	if c.Reader.Timeout < 0 {
		errs = append(errs, errors.New("reader timeout must not be negative"))
	}

	m := c.Monitoring
	for phase, name := range map[string]string{
		"insertion": m.Insertion, "processing": m.Processing, "removal": m.Removal,
	} {
		if name == "" {
			continue
		}
		if _, err := polling.ParseStrategy(name); err != nil {
			errs = append(errs, fmt.Errorf("%s strategy: %w", phase, err))
		}
	}
	if m.PollingInterval < 0 || m.PingInterval < 0 || m.SmartWaitPeriod < 0 {
		errs = append(errs, errors.New("monitoring intervals must not be negative"))
	}
	if m.ProcessingTimeout < 0 || m.RemovalTimeout < 0 {
		errs = append(errs, errors.New("monitoring timeouts must not be negative"))
	}

	r := c.Retry
	if r.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry max_attempts must be at least 1"))
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("retry backoff must not be negative"))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, errors.New("retry jitter must be between 0 and 1"))
	}

	for protocol, rule := range c.Protocols {
		if protocol == "" || rule == "" {
			errs = append(errs, fmt.Errorf("protocol %q needs a name and a rule", protocol))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// RetryConfig converts the retry section
func (c *Config) RetryConfig() *seproxy.RetryConfig {
	rc := seproxy.DefaultRetryConfig()
	rc.MaxAttempts = c.Retry.MaxAttempts
	rc.InitialBackoff = c.Retry.InitialBackoff
	rc.MaxBackoff = c.Retry.MaxBackoff
	rc.BackoffMultiplier = c.Retry.BackoffMultiplier
	rc.Jitter = c.Retry.Jitter
	return rc
}

// MonitoringConfig overlays the monitoring section on the defaults the
// reader would pick for transport
func (c *Config) MonitoringConfig(transport seproxy.Transport) (polling.Config, error) {
	mon := seproxy.DefaultReaderConfig(transport).Monitoring
	m := c.Monitoring

	for _, s := range []struct {
		dst  *polling.Strategy
		name string
	}{
		{dst: &mon.Insertion, name: m.Insertion},
		{dst: &mon.Processing, name: m.Processing},
		{dst: &mon.Removal, name: m.Removal},
	} {
		if s.name == "" {
			continue
		}
		strategy, err := polling.ParseStrategy(s.name)
		if err != nil {
			return polling.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		*s.dst = strategy
	}

	if m.PollingInterval > 0 {
		mon.PollingInterval = m.PollingInterval
	}
	if m.PingInterval > 0 {
		mon.PingInterval = m.PingInterval
	}
	if m.SmartWaitPeriod > 0 {
		mon.SmartWaitPeriod = m.SmartWaitPeriod
	}
	mon.ProcessingTimeout = m.ProcessingTimeout
	mon.RemovalTimeout = m.RemovalTimeout
	return mon, nil
}

// ReaderOptions converts the configuration into options for seproxy.New on
// transport
func (c *Config) ReaderOptions(transport seproxy.Transport) ([]seproxy.Option, error) {
	mon, err := c.MonitoringConfig(transport)
	if err != nil {
		return nil, err
	}

	opts := []seproxy.Option{
		seproxy.WithTimeout(c.Reader.Timeout),
		seproxy.WithRetryConfig(c.RetryConfig()),
		seproxy.WithMonitoring(mon),
	}
	if c.Reader.Name != "" {
		opts = append(opts, seproxy.WithName(c.Reader.Name))
	}
	if c.Reader.Contactless != nil {
		opts = append(opts, seproxy.WithContactless(*c.Reader.Contactless))
	}
	for _, protocol := range slices.Sorted(maps.Keys(c.Protocols)) {
		opts = append(opts, seproxy.WithProtocolSetting(seproxy.SeProtocol(protocol), c.Protocols[protocol]))
	}
	return opts, nil
}
