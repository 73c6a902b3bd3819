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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matchingSelection(control ChannelControl) *DefaultSelection {
	return &DefaultSelection{
		Requests: []*Request{aidRequest(testAID)},
		Mode:     FirstMatch,
		Control:  control,
	}
}

func TestEventType_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "SE_INSERTED", EventSeInserted.String())
	assert.Equal(t, "SE_MATCHED", EventSeMatched.String())
	assert.Equal(t, "SE_REMOVED", EventSeRemoved.String())
	assert.Equal(t, "TIMEOUT_ERROR", EventTimeoutError.String())
	assert.Equal(t, "EventType(9)", EventType(9).String())
}

func TestObservers(t *testing.T) {
	t.Parallel()
	r := newTestReader(t, newCardMock())

	first := &eventRecorder{}
	second := &eventRecorder{}
	r.AddObserver(first)
	r.AddObserver(first)
	r.AddObserver(nil)
	r.AddObserver(second)
	assert.Equal(t, 2, r.CountObservers())
	assert.True(t, r.machine.Running())

	r.RemoveObserver(first)
	assert.Equal(t, 1, r.CountObservers())
	assert.True(t, r.machine.Running())

	r.RemoveObserver(first)
	r.RemoveObserver(second)
	assert.Equal(t, 0, r.CountObservers())
	assert.False(t, r.machine.Running())

	r.AddObserver(first)
	r.AddObserver(second)
	r.ClearObservers()
	assert.Equal(t, 0, r.CountObservers())
	assert.False(t, r.machine.Running())
}

func TestNotify_OrderAndPanics(t *testing.T) {
	t.Parallel()
	metrics := newRecordingMetrics()
	r := newTestReader(t, newCardMock(), WithName("r1"), WithPluginName("stub"), WithMetrics(metrics))

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Observer {
		return NewObserverFunc(func(ReaderEvent) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		})
	}
	r.AddObserver(record("a"))
	r.AddObserver(NewObserverFunc(func(ReaderEvent) { panic("observer bug") }))
	r.AddObserver(record("b"))

	session := uuid.New()
	r.notify(r.newEvent(EventSeInserted, session, nil))

	assert.Equal(t, []string{"a", "b"}, order, "a panicking observer does not stop delivery")
	assert.Equal(t, int64(1), metrics.count("observer_panic"))
	assert.Equal(t, int64(1), metrics.count("event:SE_INSERTED"))

	ev := r.newEvent(EventSeRemoved, session, nil)
	assert.Equal(t, "r1", ev.ReaderName)
	assert.Equal(t, "stub", ev.PluginName)
	assert.Equal(t, session, ev.SessionID)
	assert.Contains(t, ev.String(), "SE_REMOVED")
}

func TestMonitoring_RepeatingRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		selection *DefaultSelection
		name      string
		first     EventType
	}{
		{name: "NoDefaultSelection", first: EventSeInserted},
		{name: "MatchingDefaultSelection", selection: matchingSelection(KeepOpen), first: EventSeMatched},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := newCardMock()
			mock.RemoveCard()
			r := newTestReader(t, mock)
			rec := &eventRecorder{}

			r.AddObserver(rec)
			assert.Equal(t, WaitForStartDetection, r.MonitoringState())

			r.SetDefaultSelectionRequest(tt.selection, NotifyAlways)
			waitMonitoringState(t, r, WaitForSeInsertion)

			mock.InsertCard()
			events := rec.waitFor(t, 1)
			assert.Equal(t, tt.first, events[0].Type)
			waitMonitoringState(t, r, WaitForSeProcessing)

			r.FinalizeCardProcessing()
			waitMonitoringState(t, r, WaitForSeRemoval)

			mock.RemoveCard()
			events = rec.waitFor(t, 2)
			waitMonitoringState(t, r, WaitForSeInsertion)

			assert.Equal(t, []EventType{tt.first, EventSeRemoved}, rec.Types())
			assert.NotEqual(t, uuid.Nil, events[0].SessionID)
			assert.Equal(t, events[0].SessionID, events[1].SessionID)
			if tt.selection != nil {
				require.Len(t, events[0].Responses, 1)
				assert.True(t, events[0].Responses[0].Matched())
			} else {
				assert.Nil(t, events[0].Responses)
			}
			assert.False(t, mock.IsPhysicalChannelOpen())
		})
	}
}

func TestMonitoring_SessionPerInsertion(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)
	rec := &eventRecorder{}
	r.AddObserver(rec)
	r.StartDetection(Repeating)

	rec.waitFor(t, 1)
	r.FinalizeCardProcessing()
	waitMonitoringState(t, r, WaitForSeRemoval)
	mock.RemoveCard()
	rec.waitFor(t, 2)
	mock.InsertCard()
	events := rec.waitFor(t, 3)

	assert.Equal(t, []EventType{EventSeInserted, EventSeRemoved, EventSeInserted}, rec.Types()[:3])
	assert.NotEqual(t, events[0].SessionID, events[2].SessionID)
}

func TestMonitoring_SingleShot(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)
	rec := &eventRecorder{}
	r.StartDetection(SingleShot)
	r.SetDefaultSelectionRequest(matchingSelection(KeepOpen), NotifyAlways)
	r.AddObserver(rec)

	rec.waitFor(t, 1)
	waitMonitoringState(t, r, WaitForSeProcessing)
	assert.True(t, mock.IsPhysicalChannelOpen())

	_, err := r.ProcessRequest(context.Background(), aidRequest(testAID, readRecord), CloseAfter)
	require.NoError(t, err)

	rec.waitFor(t, 2)
	waitMonitoringState(t, r, WaitForStartDetection)
	assert.Equal(t, []EventType{EventSeMatched, EventSeRemoved}, rec.Types())
	assert.False(t, mock.IsPhysicalChannelOpen())
}

func TestMonitoring_DefaultSelectionCloseAfter(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)
	rec := &eventRecorder{}
	r.SetDefaultSelectionRequest(matchingSelection(CloseAfter), NotifyAlways)
	r.AddObserver(rec)

	rec.waitFor(t, 1)
	waitMonitoringState(t, r, WaitForSeRemoval)
	assert.Equal(t, EventSeMatched, rec.Types()[0])

	mock.RemoveCard()
	rec.waitFor(t, 2)
	waitMonitoringState(t, r, WaitForSeInsertion)
}

func TestMonitoring_MatchedOnly(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)
	rec := &eventRecorder{}
	r.SetDefaultSelectionRequest(&DefaultSelection{
		Requests: []*Request{aidRequest(otherAID)},
		Mode:     FirstMatch,
		Control:  KeepOpen,
	}, NotifyMatchedOnly)
	r.AddObserver(rec)

	waitMonitoringState(t, r, WaitForSeRemoval)
	assert.Empty(t, rec.Types(), "a card that does not match is not notified")
	assert.Equal(t, []string{selectOtherAID}, mock.Commands()[:1])

	mock.RemoveCard()
	events := rec.waitFor(t, 1)
	waitMonitoringState(t, r, WaitForSeInsertion)
	assert.Equal(t, EventSeRemoved, events[0].Type)
	assert.Equal(t, uuid.Nil, events[0].SessionID)
}

func TestMonitoring_NotifyAlwaysReportsMismatch(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)
	rec := &eventRecorder{}
	r.SetDefaultSelectionRequest(&DefaultSelection{
		Requests: []*Request{aidRequest(otherAID)},
	}, NotifyAlways)
	r.AddObserver(rec)

	events := rec.waitFor(t, 1)
	assert.Equal(t, EventSeInserted, events[0].Type)
	require.Len(t, events[0].Responses, 1)
	assert.False(t, events[0].Responses[0].Matched())
	waitMonitoringState(t, r, WaitForSeProcessing)
}

func TestMonitoring_ProcessingTimeout(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock, WithProcessingTimeout(20*time.Millisecond))
	rec := &eventRecorder{}
	r.SetDefaultSelectionRequest(matchingSelection(KeepOpen), NotifyAlways)
	r.AddObserver(rec)

	events := rec.waitFor(t, 2)
	waitMonitoringState(t, r, WaitForStartDetection)
	assert.Equal(t, []EventType{EventSeMatched, EventTimeoutError}, rec.Types())
	assert.Equal(t, events[0].SessionID, events[1].SessionID)
	assert.False(t, mock.IsPhysicalChannelOpen())
}

func TestMonitoring_RemovalTimeout(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock, WithRemovalTimeout(20*time.Millisecond))
	rec := &eventRecorder{}
	r.AddObserver(rec)
	r.StartDetection(Repeating)

	rec.waitFor(t, 1)
	r.FinalizeCardProcessing()
	rec.waitFor(t, 2)
	waitMonitoringState(t, r, WaitForStartDetection)
	assert.Equal(t, []EventType{EventSeInserted, EventTimeoutError}, rec.Types())
}

func TestMonitoring_PingFailureIsRemoval(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)

	var commandsAtRemoval atomic.Int64
	r.AddObserver(NewObserverFunc(func(ev ReaderEvent) {
		if ev.Type == EventSeRemoved {
			commandsAtRemoval.Store(int64(len(mock.Commands())))
			mock.RemoveCard()
		}
	}))
	rec := &eventRecorder{}
	r.AddObserver(rec)

	// the ATR-only default selection opens the channel without exchanging
	// anything, every exchange is a removal ping
	mock.FailAt(5, ErrTransportRead)
	r.SetDefaultSelectionRequest(&DefaultSelection{
		Requests: []*Request{{Selector: &CardSelector{AtrFilter: MustAtrFilter("3B.*")}}},
	}, NotifyAlways)
	rec.waitFor(t, 1)
	r.FinalizeCardProcessing()

	rec.waitFor(t, 2)
	assert.Equal(t, []EventType{EventSeMatched, EventSeRemoved}, rec.Types())
	assert.Equal(t, int64(5), commandsAtRemoval.Load())
	for _, cmd := range mock.Commands() {
		assert.Equal(t, "00C0000000", cmd)
	}
	waitMonitoringState(t, r, WaitForSeInsertion)
}

func TestMonitoring_SmartStrategies(t *testing.T) {
	t.Parallel()
	mock := NewMockWaitingTransport(testATR)
	mock.SetResponse(selectTestAID, testFCI)
	mock.RemoveCard()
	r := newTestReader(t, mock)
	rec := &eventRecorder{}
	r.SetDefaultSelectionRequest(matchingSelection(KeepOpen), NotifyAlways)
	r.AddObserver(rec)
	waitMonitoringState(t, r, WaitForSeInsertion)

	mock.InsertCard()
	rec.waitFor(t, 1)
	waitMonitoringState(t, r, WaitForSeProcessing)

	// removal is seen while processing
	mock.RemoveCard()
	rec.waitFor(t, 2)
	waitMonitoringState(t, r, WaitForSeInsertion)
	assert.Equal(t, []EventType{EventSeMatched, EventSeRemoved}, rec.Types())
	assert.Zero(t, r.MonitoringStats().PollCycles)
}

func TestMonitoring_StopDetection(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)
	rec := &eventRecorder{}
	r.SetDefaultSelectionRequest(matchingSelection(KeepOpen), NotifyAlways)
	r.AddObserver(rec)

	rec.waitFor(t, 1)
	waitMonitoringState(t, r, WaitForSeProcessing)
	r.StopDetection()
	waitMonitoringState(t, r, WaitForStartDetection)
	assert.False(t, mock.IsPhysicalChannelOpen())
	assert.Len(t, rec.Events(), 1)
}

func TestMonitoring_DefaultSelectionStartsDetection(t *testing.T) {
	t.Parallel()

	t.Run("WhileObserved", func(t *testing.T) {
		t.Parallel()
		mock := newCardMock()
		r := newTestReader(t, mock)
		rec := &eventRecorder{}
		r.AddObserver(rec)
		assert.Equal(t, WaitForStartDetection, r.MonitoringState())

		r.SetDefaultSelectionRequest(matchingSelection(KeepOpen), NotifyAlways)
		events := rec.waitFor(t, 1)
		assert.Equal(t, EventSeMatched, events[0].Type)
		waitMonitoringState(t, r, WaitForSeProcessing)
	})

	t.Run("BeforeObserver", func(t *testing.T) {
		t.Parallel()
		r := newTestReader(t, newCardMock())
		rec := &eventRecorder{}
		r.SetDefaultSelectionRequest(matchingSelection(KeepOpen), NotifyMatchedOnly)
		assert.Equal(t, WaitForStartDetection, r.MonitoringState())

		r.AddObserver(rec)
		events := rec.waitFor(t, 1)
		assert.Equal(t, EventSeMatched, events[0].Type)
	})
}

func TestMonitoring_StartDetectionBeforeObserver(t *testing.T) {
	t.Parallel()
	r := newTestReader(t, newCardMock())
	rec := &eventRecorder{}

	r.StartDetection(Repeating)
	assert.Equal(t, WaitForStartDetection, r.MonitoringState())

	r.AddObserver(rec)
	events := rec.waitFor(t, 1)
	assert.Equal(t, EventSeInserted, events[0].Type)
}

func TestMonitoring_RemoveObserverFromCallback(t *testing.T) {
	t.Parallel()
	r := newTestReader(t, newCardMock())

	var self Observer
	var calls atomic.Int32
	self = NewObserverFunc(func(ReaderEvent) {
		calls.Add(1)
		r.RemoveObserver(self)
	})
	r.AddObserver(self)
	r.StartDetection(Repeating)

	require.Eventually(t, func() bool { return !r.machine.Running() }, waitFor, tick)
	waitMonitoringState(t, r, WaitForStartDetection)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, r.CountObservers())
}

func TestMonitoring_RemoveObserverOnApplicationRemoval(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)

	var self Observer
	var removed atomic.Int32
	self = NewObserverFunc(func(ev ReaderEvent) {
		if ev.Type == EventSeRemoved {
			removed.Add(1)
			r.RemoveObserver(self)
		}
	})
	r.AddObserver(self)
	r.SetDefaultSelectionRequest(matchingSelection(KeepOpen), NotifyAlways)
	waitMonitoringState(t, r, WaitForSeProcessing)

	// the removal is noticed on this goroutine, not by the machine, so the
	// last observer leaving stops the machine synchronously
	mock.RemoveCard()
	present, err := r.IsCardPresent(context.Background())
	require.NoError(t, err)
	assert.False(t, present)
	assert.Equal(t, int32(1), removed.Load())
	assert.False(t, r.machine.Running())
	assert.Equal(t, WaitForStartDetection, r.MonitoringState(), "stop returned before the machine was quiescent")
}

func TestMonitoring_CloseWhileMonitoring(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)
	rec := &eventRecorder{}
	r.SetDefaultSelectionRequest(matchingSelection(KeepOpen), NotifyAlways)
	r.AddObserver(rec)
	rec.waitFor(t, 1)

	require.NoError(t, r.Close())
	assert.Equal(t, WaitForStartDetection, r.MonitoringState())
	assert.False(t, r.machine.Running())

	// observers added after Close do not restart monitoring
	r.AddObserver(&eventRecorder{})
	assert.False(t, r.machine.Running())
}

func TestMonitoring_FailedDefaultSelection(t *testing.T) {
	t.Parallel()
	mock := newCardMock()
	r := newTestReader(t, mock)
	rec := &eventRecorder{}
	mock.FailAt(1, ErrTransportRead)
	r.SetDefaultSelectionRequest(matchingSelection(KeepOpen), NotifyAlways)
	r.AddObserver(rec)

	// the failed insertion notifies nothing and waits for the card to leave
	waitMonitoringState(t, r, WaitForSeRemoval)
	assert.Empty(t, rec.Events())
	mock.RemoveCard()
	rec.waitFor(t, 1)
	assert.Equal(t, EventSeRemoved, rec.Types()[0])
}
