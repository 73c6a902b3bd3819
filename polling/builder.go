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

package polling

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default intervals
const (
	DefaultPollingInterval = 200 * time.Millisecond
	DefaultPingInterval    = 200 * time.Millisecond
	DefaultSmartWaitPeriod = 100 * time.Millisecond
)

// ErrInvalidConfig is returned by Build for an inconsistent configuration
var ErrInvalidConfig = errors.New("invalid monitoring configuration")

// Config holds the per-phase strategies and their timing
type Config struct {
	StartState        State
	Insertion         Strategy
	Processing        Strategy
	Removal           Strategy
	PollingInterval   time.Duration
	PingInterval      time.Duration
	SmartWaitPeriod   time.Duration
	ProcessingTimeout time.Duration // zero waits forever
	RemovalTimeout    time.Duration // zero waits forever
}

// DefaultConfig returns a configuration that works with any back-end:
// presence polling for insertion, no job while processing and ping for
// removal.
func DefaultConfig() Config {
	return Config{
		StartState:      WaitForStartDetection,
		Insertion:       StrategyPolling,
		Processing:      StrategyNative,
		Removal:         StrategyPing,
		PollingInterval: DefaultPollingInterval,
		PingInterval:    DefaultPingInterval,
		SmartWaitPeriod: DefaultSmartWaitPeriod,
	}
}

// Builder assembles a Machine
type Builder struct {
	host            Host
	scheduler       Scheduler
	insertionWaiter InsertionWaiter
	removalWaiter   RemovalWaiter
	logger          *slog.Logger
	stats           *Stats
	onTransition    func(from, to State)
	config          Config
}

// NewBuilder starts a builder for host with DefaultConfig
func NewBuilder(host Host) *Builder {
	return &Builder{host: host, config: DefaultConfig()}
}

// WithConfig replaces the whole configuration
func (b *Builder) WithConfig(config Config) *Builder {
	b.config = config
	return b
}

// StartWith sets the state entered by Start
func (b *Builder) StartWith(state State) *Builder {
	b.config.StartState = state
	return b
}

// WaitForInsertion sets the insertion strategy
func (b *Builder) WaitForInsertion(s Strategy) *Builder {
	b.config.Insertion = s
	return b
}

// WaitForProcessing sets the processing strategy and timeout
func (b *Builder) WaitForProcessing(s Strategy, timeout time.Duration) *Builder {
	b.config.Processing = s
	b.config.ProcessingTimeout = timeout
	return b
}

// WaitForRemoval sets the removal strategy and timeout
func (b *Builder) WaitForRemoval(s Strategy, timeout time.Duration) *Builder {
	b.config.Removal = s
	b.config.RemovalTimeout = timeout
	return b
}

// WithInsertionWaiter supplies the back-end wait for native and smart
// insertion
func (b *Builder) WithInsertionWaiter(w InsertionWaiter) *Builder {
	b.insertionWaiter = w
	return b
}

// WithRemovalWaiter supplies the back-end wait for native and smart removal
func (b *Builder) WithRemovalWaiter(w RemovalWaiter) *Builder {
	b.removalWaiter = w
	return b
}

// WithScheduler sets where jobs run
func (b *Builder) WithScheduler(s Scheduler) *Builder {
	b.scheduler = s
	return b
}

// WithLogger sets the logger
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithStats makes the machine count into stats
func (b *Builder) WithStats(stats *Stats) *Builder {
	b.stats = stats
	return b
}

// OnTransition registers a hook called on every state switch from the
// control goroutine. It must not block.
func (b *Builder) OnTransition(fn func(from, to State)) *Builder {
	b.onTransition = fn
	return b
}

// Build validates the configuration and returns a stopped Machine
func (b *Builder) Build() (*Machine, error) {
	if b.host == nil {
		return nil, fmt.Errorf("%w: no host", ErrInvalidConfig)
	}
	if b.scheduler == nil {
		return nil, fmt.Errorf("%w: no scheduler", ErrInvalidConfig)
	}
	cfg := b.config
	if cfg.StartState != WaitForStartDetection && cfg.StartState != WaitForSeInsertion {
		return nil, fmt.Errorf("%w: cannot start in %s", ErrInvalidConfig, cfg.StartState)
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := b.stats
	if stats == nil {
		stats = &Stats{}
	}

	insertion, err := b.insertionJob(cfg, logger, stats)
	if err != nil {
		return nil, err
	}
	processing, err := b.processingJob(cfg, logger)
	if err != nil {
		return nil, err
	}
	removal, err := b.removalJob(cfg, logger, stats)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		host:         b.host,
		scheduler:    b.scheduler,
		logger:       logger,
		stats:        stats,
		onTransition: b.onTransition,
		startState:   cfg.StartState,
		current:      WaitForStartDetection,
		wake:         make(chan struct{}, 1),
		states: map[State]*stateDef{
			WaitForStartDetection: {name: "start-detection"},
			WaitForSeInsertion:    {name: "insertion-" + cfg.Insertion.String(), job: insertion},
			WaitForSeProcessing: {
				name:    "processing-" + cfg.Processing.String(),
				job:     processing,
				timeout: cfg.ProcessingTimeout,
			},
			WaitForSeRemoval: {
				name:    "removal-" + cfg.Removal.String(),
				job:     removal,
				timeout: cfg.RemovalTimeout,
			},
		},
	}
	m.state.Store(int32(WaitForStartDetection))
	return m, nil
}

func (b *Builder) insertionJob(cfg Config, logger *slog.Logger, stats *Stats) (Job, error) {
	switch cfg.Insertion {
	case StrategyNative, StrategySmart:
		if b.insertionWaiter == nil {
			return nil, fmt.Errorf("%w: %s insertion needs an insertion waiter", ErrInvalidConfig, cfg.Insertion)
		}
		return &waitJob{
			wait:   b.insertionWaiter.WaitForCardPresent,
			logger: logger,
			name:   "insertion",
			event:  EventCardInserted,
			period: smartPeriod(cfg, cfg.Insertion),
		}, nil
	case StrategyPolling:
		if cfg.PollingInterval <= 0 {
			return nil, fmt.Errorf("%w: polling interval must be positive", ErrInvalidConfig)
		}
		return &presenceJob{
			host:     b.host,
			logger:   logger,
			stats:    stats,
			interval: cfg.PollingInterval,
			want:     true,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s insertion is not supported", ErrInvalidConfig, cfg.Insertion)
	}
}

func (b *Builder) processingJob(cfg Config, logger *slog.Logger) (Job, error) {
	switch cfg.Processing {
	case StrategyNative:
		return nil, nil
	case StrategySmart:
		if b.removalWaiter == nil {
			return nil, fmt.Errorf("%w: smart processing needs a removal waiter", ErrInvalidConfig)
		}
		return &waitJob{
			wait:   b.removalWaiter.WaitForCardAbsent,
			logger: logger,
			name:   "processing",
			event:  EventCardRemoved,
			period: smartPeriod(cfg, StrategySmart),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s processing is not supported", ErrInvalidConfig, cfg.Processing)
	}
}

func (b *Builder) removalJob(cfg Config, logger *slog.Logger, stats *Stats) (Job, error) {
	switch cfg.Removal {
	case StrategyNative, StrategySmart:
		if b.removalWaiter == nil {
			return nil, fmt.Errorf("%w: %s removal needs a removal waiter", ErrInvalidConfig, cfg.Removal)
		}
		return &waitJob{
			wait:   b.removalWaiter.WaitForCardAbsent,
			logger: logger,
			name:   "removal",
			event:  EventCardRemoved,
			period: smartPeriod(cfg, cfg.Removal),
		}, nil
	case StrategyPolling:
		if cfg.PollingInterval <= 0 {
			return nil, fmt.Errorf("%w: polling interval must be positive", ErrInvalidConfig)
		}
		return &presenceJob{
			host:     b.host,
			logger:   logger,
			stats:    stats,
			interval: cfg.PollingInterval,
		}, nil
	case StrategyPing:
		if cfg.PingInterval <= 0 {
			return nil, fmt.Errorf("%w: ping interval must be positive", ErrInvalidConfig)
		}
		return &pingJob{
			host:     b.host,
			logger:   logger,
			stats:    stats,
			interval: cfg.PingInterval,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s removal is not supported", ErrInvalidConfig, cfg.Removal)
	}
}

func smartPeriod(cfg Config, s Strategy) time.Duration {
	if s != StrategySmart {
		return 0
	}
	if cfg.SmartWaitPeriod <= 0 {
		return DefaultSmartWaitPeriod
	}
	return cfg.SmartWaitPeriod
}
