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
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Host is the reader driven by a Machine. Its methods are called from the
// machine's control goroutine or from monitoring jobs, never concurrently
// with each other for the same machine.
type Host interface {
	// Name identifies the reader in logs
	Name() string
	// IsCardPresent queries the back-end for a card
	IsCardPresent(ctx context.Context) (bool, error)
	// Ping sends a neutral APDU; an error means the card stopped answering
	Ping(ctx context.Context) error
	// ProcessInsertion runs the insertion sequence and reports whether an
	// event was notified
	ProcessInsertion(ctx context.Context) bool
	// ProcessRemoval closes both channels and notifies SE_REMOVED
	ProcessRemoval()
	// CloseChannels closes both channels without notifying
	CloseChannels()
	// NotifyTimeout notifies TIMEOUT_ERROR
	NotifyTimeout()
}

// InsertionWaiter blocks until a card is inserted or ctx is done
type InsertionWaiter interface {
	WaitForCardPresent(ctx context.Context) error
}

// RemovalWaiter blocks until the card is removed or ctx is done
type RemovalWaiter interface {
	WaitForCardAbsent(ctx context.Context) error
}

// Job is the blocking part of a monitoring state. Run returns when it has
// emitted its single event or when ctx is done.
type Job interface {
	Run(ctx context.Context, emit func(Event))
}

// JobFunc adapts a function to the Job interface
type JobFunc func(ctx context.Context, emit func(Event))

// Run calls f
func (f JobFunc) Run(ctx context.Context, emit func(Event)) {
	f(ctx, emit)
}

// waitJob delegates to a back-end wait. With a period the wait is re-armed
// every period until ctx is done, otherwise it is called once.
type waitJob struct {
	wait   func(ctx context.Context) error
	logger *slog.Logger
	name   string
	event  Event
	period time.Duration
}

func (j *waitJob) Run(ctx context.Context, emit func(Event)) {
	for {
		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if j.period > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, j.period)
		}
		err := j.wait(waitCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			emit(j.event)
			return
		}
		if j.period > 0 && errors.Is(err, context.DeadlineExceeded) {
			continue
		}

		j.logger.Warn("monitoring wait failed", "job", j.name, "error", err)
		emit(EventJobFailed)
		return
	}
}

// presenceJob polls the host presence check until it equals want
type presenceJob struct {
	host     Host
	logger   *slog.Logger
	stats    *Stats
	interval time.Duration
	want     bool
}

func (j *presenceJob) Run(ctx context.Context, emit func(Event)) {
	limiter := rate.NewLimiter(rate.Every(j.interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		j.stats.addPoll()

		present, err := j.host.IsCardPresent(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			j.stats.addPollError()
			if !j.want {
				// a reader that stops answering has lost its card
				emit(EventCardRemoved)
				return
			}
			j.logger.Debug("presence check failed", "reader", j.host.Name(), "error", err)
			continue
		}

		if present == j.want {
			if j.want {
				emit(EventCardInserted)
			} else {
				emit(EventCardRemoved)
			}
			return
		}
	}
}

// pingJob sends the host ping until it fails
type pingJob struct {
	host     Host
	logger   *slog.Logger
	stats    *Stats
	interval time.Duration
}

func (j *pingJob) Run(ctx context.Context, emit func(Event)) {
	limiter := rate.NewLimiter(rate.Every(j.interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		j.stats.addPoll()

		err := j.host.Ping(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			j.logger.Debug("card stopped responding", "reader", j.host.Name(), "error", err)
			emit(EventCardRemoved)
			return
		}
	}
}
