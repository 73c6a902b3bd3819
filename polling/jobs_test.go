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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// collect runs job until it returns and gathers what it emitted
func collect(ctx context.Context, job Job) []Event {
	var events []Event
	job.Run(ctx, func(e Event) { events = append(events, e) })
	return events
}

// erroringHost fails every presence check
type erroringHost struct {
	fakeHost
}

func (*erroringHost) IsCardPresent(context.Context) (bool, error) {
	return false, errors.New("reader gone")
}

func TestPresenceJob(t *testing.T) {
	t.Parallel()

	t.Run("InsertionSeen", func(t *testing.T) {
		t.Parallel()
		host := newFakeHost()
		host.present.Store(true)
		stats := &Stats{}
		job := &presenceJob{host: host, logger: quietLogger(), stats: stats, interval: tick, want: true}

		assert.Equal(t, []Event{EventCardInserted}, collect(context.Background(), job))
		assert.Equal(t, int64(1), stats.Snapshot().PollCycles)
	})

	t.Run("RemovalSeen", func(t *testing.T) {
		t.Parallel()
		host := newFakeHost()
		job := &presenceJob{host: host, logger: quietLogger(), stats: &Stats{}, interval: tick}

		assert.Equal(t, []Event{EventCardRemoved}, collect(context.Background(), job))
	})

	t.Run("ErrorWhileWaitingForRemovalMeansRemoved", func(t *testing.T) {
		t.Parallel()
		stats := &Stats{}
		job := &presenceJob{host: &erroringHost{}, logger: quietLogger(), stats: stats, interval: tick}

		assert.Equal(t, []Event{EventCardRemoved}, collect(context.Background(), job))
		assert.Equal(t, int64(1), stats.Snapshot().PollErrors)
	})

	t.Run("ErrorWhileWaitingForInsertionKeepsPolling", func(t *testing.T) {
		t.Parallel()
		stats := &Stats{}
		job := &presenceJob{host: &erroringHost{}, logger: quietLogger(), stats: stats, interval: tick, want: true}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.Empty(t, collect(ctx, job))
		assert.Greater(t, stats.Snapshot().PollErrors, int64(1))
	})
}

func TestPingJob_CancelledWhileCardAnswers(t *testing.T) {
	t.Parallel()
	host := newFakeHost()
	job := &pingJob{host: host, logger: quietLogger(), stats: &Stats{}, interval: tick}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Empty(t, collect(ctx, job))
	assert.Positive(t, host.pings.Load())
}

func TestWaitJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wait   func(ctx context.Context) error
		name   string
		want   []Event
		period time.Duration
	}{
		{
			name: "Success",
			wait: func(context.Context) error { return nil },
			want: []Event{EventCardInserted},
		},
		{
			name: "Failure",
			wait: func(context.Context) error { return errors.New("driver error") },
			want: []Event{EventJobFailed},
		},
		{
			name: "NativeDeadlineIsAFailure",
			wait: func(context.Context) error { return context.DeadlineExceeded },
			want: []Event{EventJobFailed},
		},
		{
			name:   "SmartRearmsUntilSuccess",
			period: time.Millisecond,
			wait: func() func(ctx context.Context) error {
				calls := 0
				return func(ctx context.Context) error {
					calls++
					if calls < 3 {
						<-ctx.Done()
						return ctx.Err()
					}
					return nil
				}
			}(),
			want: []Event{EventCardInserted},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			job := &waitJob{
				wait:   tt.wait,
				logger: quietLogger(),
				name:   "test",
				event:  EventCardInserted,
				period: tt.period,
			}
			assert.Equal(t, tt.want, collect(context.Background(), job))
		})
	}
}

func TestJobFunc(t *testing.T) {
	t.Parallel()
	job := JobFunc(func(_ context.Context, emit func(Event)) { emit(EventSeProcessed) })
	assert.Equal(t, []Event{EventSeProcessed}, collect(context.Background(), job))
}
