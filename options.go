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

package seproxy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ZaparooProject/go-seproxy/polling"
)

// Option is a functional option for configuring a Reader
type Option func(*Reader) error

// WithName sets the reader name used in events and logs
func WithName(name string) Option {
	return func(r *Reader) error {
		if name == "" {
			return fmt.Errorf("%w: empty reader name", ErrInvalidParameter)
		}
		r.name = name
		return nil
	}
}

// WithPluginName sets the plugin name used in events and logs
func WithPluginName(name string) Option {
	return func(r *Reader) error {
		r.pluginName = name
		return nil
	}
}

// WithRetryConfig sets the retry configuration for presence checks and
// channel opening
func WithRetryConfig(config *RetryConfig) Option {
	return func(r *Reader) error {
		r.config.RetryConfig = config
		return nil
	}
}

// WithTimeout bounds request processing when the caller's context carries
// no deadline
func WithTimeout(timeout time.Duration) Option {
	return func(r *Reader) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative timeout %v", ErrInvalidParameter, timeout)
		}
		r.config.Timeout = timeout
		return nil
	}
}

// WithMaxRetries sets the maximum number of attempts for retried operations
func WithMaxRetries(maxAttempts int) Option {
	return func(r *Reader) error {
		if r.config.RetryConfig == nil {
			r.config.RetryConfig = DefaultRetryConfig()
		}
		r.config.RetryConfig.MaxAttempts = maxAttempts
		return nil
	}
}

// WithRetryBackoff sets the initial backoff duration for retries
func WithRetryBackoff(initialBackoff time.Duration) Option {
	return func(r *Reader) error {
		if r.config.RetryConfig == nil {
			r.config.RetryConfig = DefaultRetryConfig()
		}
		r.config.RetryConfig.InitialBackoff = initialBackoff
		return nil
	}
}

// WithMonitoring replaces the monitoring strategies and timing chosen for
// the transport
func WithMonitoring(config polling.Config) Option {
	return func(r *Reader) error {
		r.config.Monitoring = config
		return nil
	}
}

// WithScheduler makes monitoring jobs run on a shared scheduler instead of
// a pool owned by the reader
func WithScheduler(scheduler polling.Scheduler) Option {
	return func(r *Reader) error {
		r.scheduler = scheduler
		return nil
	}
}

// WithProcessingTimeout bounds WaitForSeProcessing. Zero waits forever.
func WithProcessingTimeout(timeout time.Duration) Option {
	return func(r *Reader) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative processing timeout", ErrInvalidParameter)
		}
		r.config.Monitoring.ProcessingTimeout = timeout
		return nil
	}
}

// WithRemovalTimeout bounds WaitForSeRemoval. Zero waits forever.
func WithRemovalTimeout(timeout time.Duration) Option {
	return func(r *Reader) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative removal timeout", ErrInvalidParameter)
		}
		r.config.Monitoring.RemovalTimeout = timeout
		return nil
	}
}

// WithPollingInterval sets the presence polling period
func WithPollingInterval(interval time.Duration) Option {
	return func(r *Reader) error {
		if interval <= 0 {
			return fmt.Errorf("%w: polling interval must be positive", ErrInvalidParameter)
		}
		r.config.Monitoring.PollingInterval = interval
		return nil
	}
}

// WithPingInterval sets the removal ping period
func WithPingInterval(interval time.Duration) Option {
	return func(r *Reader) error {
		if interval <= 0 {
			return fmt.Errorf("%w: ping interval must be positive", ErrInvalidParameter)
		}
		r.config.Monitoring.PingInterval = interval
		return nil
	}
}

// WithContactless overrides what the transport reports about its field
func WithContactless(contactless bool) Option {
	return func(r *Reader) error {
		r.contactless = contactless
		return nil
	}
}

// WithProtocolSetting registers rule as the way to recognize protocol and
// activates it
func WithProtocolSetting(protocol SeProtocol, rule string) Option {
	return func(r *Reader) error {
		if protocol == ProtocolAny {
			return fmt.Errorf("%w: cannot set a rule for the empty protocol", ErrInvalidParameter)
		}
		r.supported[string(protocol)] = rule
		r.active[string(protocol)] = protocol
		return nil
	}
}

// WithMetrics reports reader activity to m
func WithMetrics(m Metrics) Option {
	return func(r *Reader) error {
		if m == nil {
			m = noopMetrics{}
		}
		r.metrics = m
		return nil
	}
}

// WithLogger sets the logger the reader and its monitoring use
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) error {
		r.logger = logger
		return nil
	}
}
