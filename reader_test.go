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
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ZaparooProject/go-seproxy/polling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	testATR  = MustParseHex("3B8F8001804F0CA000000306030001000000006A")
	testAID  = MustParseHex("A000000291A000000191")
	otherAID = MustParseHex("A0000000031010")
)

const (
	selectTestAID  = "00A404000AA000000291A00000019100"
	selectOtherAID = "00A4040007A000000003101000"
	testFCI        = "6F25840AA000000291A000000191A517BF0C14C708000000000000000053080A3C230C141001009000"
	readRecord     = "00B2010C00"

	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestReader creates a reader with fast monitoring and no retries, closed
// when the test ends
func newTestReader(t *testing.T, transport Transport, opts ...Option) *Reader {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithRetryConfig(nil),
		WithPollingInterval(tick),
		WithPingInterval(tick),
	}
	r, err := New(transport, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// newCardMock returns a mock card answering the test application selection
func newCardMock() *MockTransport {
	mock := NewMockTransport(testATR)
	mock.SetResponse(selectTestAID, testFCI)
	mock.SetResponse(selectOtherAID, "6A82")
	mock.SetResponse(readRecord, "01029000")
	return mock
}

func aidRequest(aid []byte, apdus ...string) *Request {
	req := &Request{Selector: &CardSelector{AidSelector: &AidSelector{AID: aid}}}
	for _, a := range apdus {
		req.Apdus = append(req.Apdus, ApduRequest{Bytes: MustParseHex(a)})
	}
	return req
}

// eventRecorder is an Observer keeping every event it receives
type eventRecorder struct {
	events []ReaderEvent
	mu     sync.Mutex
}

func (e *eventRecorder) Update(event ReaderEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventRecorder) Events() []ReaderEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ReaderEvent(nil), e.events...)
}

func (e *eventRecorder) Types() []EventType {
	var types []EventType
	for _, ev := range e.Events() {
		types = append(types, ev.Type)
	}
	return types
}

func (e *eventRecorder) waitFor(t *testing.T, n int) []ReaderEvent {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.Events()) >= n }, waitFor, tick,
		"expected %d events", n)
	return e.Events()
}

func waitMonitoringState(t *testing.T, r *Reader, want MonitoringState) {
	t.Helper()
	require.Eventually(t, func() bool { return r.MonitoringState() == want }, waitFor, tick,
		"monitoring state is %s, want %s", r.MonitoringState(), want)
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("NilTransport", func(t *testing.T) {
		t.Parallel()
		_, err := New(nil)
		require.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()
		mock := NewMockTransport(testATR)
		mock.SetContactless(true)
		r := newTestReader(t, mock)

		assert.Equal(t, "mock", r.Name())
		assert.Equal(t, "mock", r.PluginName())
		assert.True(t, r.IsContactless())
		assert.Same(t, mock, r.Transport())
		assert.Equal(t, WaitForStartDetection, r.MonitoringState())
		assert.Empty(t, r.SupportedProtocols())
	})

	t.Run("Options", func(t *testing.T) {
		t.Parallel()
		r := newTestReader(t, NewMockTransport(testATR),
			WithName("ACR122U 00"),
			WithPluginName("pcsc"),
			WithContactless(true),
			WithProcessingTimeout(time.Second),
			WithRemovalTimeout(2*time.Second),
			WithTimeout(500*time.Millisecond),
		)
		assert.Equal(t, "ACR122U 00", r.Name())
		assert.Equal(t, "pcsc", r.PluginName())
		assert.True(t, r.IsContactless())
		assert.Equal(t, time.Second, r.config.Monitoring.ProcessingTimeout)
		assert.Equal(t, 2*time.Second, r.config.Monitoring.RemovalTimeout)
		assert.Equal(t, 500*time.Millisecond, r.config.Timeout)
	})

	t.Run("RetryWrapsTransport", func(t *testing.T) {
		t.Parallel()
		mock := NewMockTransport(testATR)
		r := newTestReader(t, mock, WithMaxRetries(3), WithRetryBackoff(time.Microsecond))
		wrapper, ok := r.transport.(*TransportWithRetry)
		require.True(t, ok)
		assert.Same(t, mock, wrapper.Unwrap())
	})

	t.Run("WaitingTransportUsesSmartStrategies", func(t *testing.T) {
		t.Parallel()
		r := newTestReader(t, NewMockWaitingTransport(testATR))
		assert.Equal(t, polling.StrategySmart, r.config.Monitoring.Insertion)
		assert.Equal(t, polling.StrategySmart, r.config.Monitoring.Processing)
		assert.Equal(t, polling.StrategySmart, r.config.Monitoring.Removal)
	})

	t.Run("SharedScheduler", func(t *testing.T) {
		t.Parallel()
		pool := polling.NewPool(4, quietLogger())
		t.Cleanup(pool.Shutdown)
		r := newTestReader(t, NewMockTransport(testATR), WithScheduler(pool))
		assert.Nil(t, r.ownedPool)
	})
}

func TestNew_InvalidOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		opt  Option
		name string
	}{
		{name: "EmptyName", opt: WithName("")},
		{name: "NegativeTimeout", opt: WithTimeout(-time.Second)},
		{name: "NegativeProcessingTimeout", opt: WithProcessingTimeout(-time.Second)},
		{name: "NegativeRemovalTimeout", opt: WithRemovalTimeout(-time.Second)},
		{name: "ZeroPollingInterval", opt: WithPollingInterval(0)},
		{name: "ZeroPingInterval", opt: WithPingInterval(0)},
		{name: "RuleForEmptyProtocol", opt: WithProtocolSetting(ProtocolAny, ".*")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(NewMockTransport(testATR), tt.opt)
			require.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestNew_InvalidMonitoring(t *testing.T) {
	t.Parallel()

	cfg := polling.DefaultConfig()
	cfg.Insertion = polling.StrategyNative
	_, err := New(NewMockTransport(testATR), WithLogger(quietLogger()), WithMonitoring(cfg))
	require.ErrorIs(t, err, polling.ErrInvalidConfig)
}

func TestReader_Close(t *testing.T) {
	t.Parallel()

	mock := newCardMock()
	r := newTestReader(t, mock)
	_, err := r.ProcessRequest(context.Background(), aidRequest(testAID), KeepOpen)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.False(t, mock.IsPhysicalChannelOpen())
	require.NoError(t, r.Close(), "closing twice is not an error")

	_, err = r.ProcessRequest(context.Background(), aidRequest(testAID), KeepOpen)
	require.ErrorIs(t, err, ErrReaderClosed)
	_, err = r.IsCardPresent(context.Background())
	require.ErrorIs(t, err, ErrReaderClosed)
}

func TestReader_IsCardPresent(t *testing.T) {
	t.Parallel()

	t.Run("Present", func(t *testing.T) {
		t.Parallel()
		r := newTestReader(t, NewMockTransport(testATR))
		present, err := r.IsCardPresent(context.Background())
		require.NoError(t, err)
		assert.True(t, present)
	})

	t.Run("NoCardErrorMeansAbsent", func(t *testing.T) {
		t.Parallel()
		mock := NewMockTransport(testATR)
		mock.SetPresenceError(ErrNoCard)
		r := newTestReader(t, mock)
		present, err := r.IsCardPresent(context.Background())
		require.NoError(t, err)
		assert.False(t, present)
	})

	t.Run("TransportFailure", func(t *testing.T) {
		t.Parallel()
		mock := NewMockTransport(testATR)
		mock.SetPresenceError(ErrCommunicationFailed)
		r := newTestReader(t, mock)
		_, err := r.IsCardPresent(context.Background())
		require.ErrorIs(t, err, ErrCommunicationFailed)
	})

	t.Run("GoneWithOpenChannelRunsRemoval", func(t *testing.T) {
		t.Parallel()
		mock := newCardMock()
		r := newTestReader(t, mock)
		rec := &eventRecorder{}
		r.AddObserver(rec)

		_, err := r.ProcessRequest(context.Background(), aidRequest(testAID), KeepOpen)
		require.NoError(t, err)
		mock.RemoveCard()

		present, err := r.IsCardPresent(context.Background())
		require.NoError(t, err)
		assert.False(t, present)
		assert.Equal(t, []EventType{EventSeRemoved}, rec.Types())

		// the channels are closed, a second check notifies nothing
		_, err = r.IsCardPresent(context.Background())
		require.NoError(t, err)
		assert.Len(t, rec.Events(), 1)
	})
}

func TestReader_StopOnSaturatedScheduler(t *testing.T) {
	t.Parallel()
	pool := polling.NewPool(1, quietLogger())
	t.Cleanup(pool.Shutdown)

	busyMock := NewMockTransport(testATR)
	busyMock.RemoveCard()
	busy := newTestReader(t, busyMock, WithName("busy"), WithScheduler(pool))
	busy.AddObserver(&eventRecorder{})
	require.Eventually(t, func() bool { return pool.Running() == 1 }, waitFor, tick,
		"the insertion job holds the only worker")

	waitingMock := NewMockTransport(testATR)
	waitingMock.RemoveCard()
	waiting := newTestReader(t, waitingMock, WithName("waiting"), WithScheduler(pool))
	waiting.AddObserver(&eventRecorder{})
	waitMonitoringState(t, waiting, WaitForSeInsertion)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		waiting.StopDetection()
		waiting.ClearObservers()
	}()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("stopping a reader waiting for a worker blocked")
	}
	assert.Equal(t, WaitForStartDetection, waiting.MonitoringState())
	assert.Equal(t, WaitForSeInsertion, busy.MonitoringState())
	assert.Equal(t, 1, pool.Running())
}
