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

// Package transport holds helpers shared by the reader back-ends
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	seproxy "github.com/ZaparooProject/go-seproxy"
)

// Operation is one attempt of a retried operation. It returns the result,
// whether another attempt should be made, and any error that must stop
// retrying.
type Operation[T any] func(ctx context.Context) (T, bool, error)

// RetryConfig configures WithRetry and TimeoutRetry
type RetryConfig struct {
	// OnRetry runs before every new attempt; an error stops retrying
	OnRetry     func() error
	Description string
	Port        string
	MaxRetries  int
	RetryDelay  time.Duration
}

// WithRetry runs operation up to MaxRetries+1 times
func WithRetry[T any](ctx context.Context, config RetryConfig, operation Operation[T]) (T, error) {
	var zero T

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, shouldRetry, err := operation(ctx)
		if err != nil {
			return zero, err
		}
		if !shouldRetry {
			return result, nil
		}
		if attempt >= config.MaxRetries {
			break
		}

		if config.OnRetry != nil {
			if err := config.OnRetry(); err != nil {
				return zero, err
			}
		}
		if err := sleep(ctx, config.RetryDelay); err != nil {
			return zero, fmt.Errorf("%s: %w", config.Description, err)
		}
	}

	return zero, seproxy.NewTransportError(
		config.Description, config.Port, seproxy.ErrCommunicationFailed, seproxy.ErrorTypeTransient)
}

// TimeoutRetry polls operation every RetryDelay (1 ms when unset) until it
// no longer asks for a retry, fails, or timeout elapses
func TimeoutRetry[T any](
	ctx context.Context, config RetryConfig, timeout time.Duration, operation Operation[T],
) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := config.RetryDelay
	if interval <= 0 {
		interval = time.Millisecond
	}

	for {
		result, shouldRetry, err := operation(ctx)
		if err != nil {
			return zero, err
		}
		if !shouldRetry {
			return result, nil
		}

		if err := sleep(ctx, interval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return zero, seproxy.NewTimeoutError(config.Description, config.Port)
			}
			return zero, fmt.Errorf("%s: %w", config.Description, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
