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
	"testing"

	"github.com/ZaparooProject/go-seproxy/polling"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMetrics counts calls by name
type recordingMetrics struct {
	counts map[string]int64
	mu     sync.Mutex
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int64)}
}

func (m *recordingMetrics) inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
}

func (m *recordingMetrics) count(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *recordingMetrics) EventNotified(t EventType)           { m.inc("event:" + t.String()) }
func (m *recordingMetrics) ApduTransmitted()                    { m.inc("apdu") }
func (m *recordingMetrics) TransportError(op string)            { m.inc("error:" + op) }
func (m *recordingMetrics) StateTransition(_, to polling.State) { m.inc("state:" + to.String()) }
func (m *recordingMetrics) ObserverPanic()                      { m.inc("observer_panic") }

func TestMetrics_Recording(t *testing.T) {
	t.Parallel()
	metrics := newRecordingMetrics()
	mock := newCardMock()
	r := newTestReader(t, mock, WithMetrics(metrics))

	_, err := r.ProcessRequest(context.Background(), aidRequest(testAID, readRecord), KeepOpen)
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.count("apdu"))

	mock.FailAt(1, ErrTransportRead)
	_, err = r.ProcessRequest(context.Background(), aidRequest(testAID, readRecord), KeepOpen)
	require.Error(t, err)
	assert.Equal(t, int64(1), metrics.count("error:transceive"))

	rec := &eventRecorder{}
	r.AddObserver(rec)
	r.StartDetection(SingleShot)
	rec.waitFor(t, 1)
	assert.Eventually(t, func() bool {
		return metrics.count("state:WAIT_FOR_SE_PROCESSING") == 1
	}, waitFor, tick)
	assert.Equal(t, int64(1), metrics.count("state:WAIT_FOR_SE_INSERTION"))
	assert.Equal(t, int64(1), metrics.count("event:SE_INSERTED"))
}

func TestMetrics_NilMeansNoop(t *testing.T) {
	t.Parallel()
	r := newTestReader(t, newCardMock(), WithMetrics(nil))
	_, err := r.ProcessRequest(context.Background(), aidRequest(testAID), KeepOpen)
	require.NoError(t, err)
}

func TestPrometheusMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	pm, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)

	r := newTestReader(t, newCardMock(), WithName("r1"), WithMetrics(pm.ForReader("r1")))
	_, err = r.ProcessRequest(context.Background(), aidRequest(testAID, readRecord), KeepOpen)
	require.NoError(t, err)
	r.notify(r.newEvent(EventSeMatched, r.session, nil))

	assert.InDelta(t, 2, testutil.ToFloat64(pm.apdus.WithLabelValues("r1")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pm.events.WithLabelValues("r1", "SE_MATCHED")), 0)
	assert.Equal(t, 0, testutil.CollectAndCount(pm.errors))

	pm.ForReader("r1").StateTransition(WaitForStartDetection, WaitForSeInsertion)
	assert.InDelta(t, 1, testutil.ToFloat64(pm.transitions.WithLabelValues("r1", "WAIT_FOR_SE_INSERTION")), 0)

	_, err = NewPrometheusMetrics(reg)
	require.Error(t, err, "collectors cannot be registered twice")
}
