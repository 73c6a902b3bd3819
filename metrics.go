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
	"github.com/ZaparooProject/go-seproxy/polling"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives reader activity counts. Implementations must be safe for
// concurrent use and must not block.
type Metrics interface {
	EventNotified(t EventType)
	ApduTransmitted()
	TransportError(op string)
	StateTransition(from, to polling.State)
	ObserverPanic()
}

type noopMetrics struct{}

func (noopMetrics) EventNotified(EventType)                      {}
func (noopMetrics) ApduTransmitted()                             {}
func (noopMetrics) TransportError(string)                        {}
func (noopMetrics) StateTransition(polling.State, polling.State) {}
func (noopMetrics) ObserverPanic()                               {}

// PrometheusMetrics exports reader activity as Prometheus counters. One
// instance can be shared by several readers; series are labelled by reader
// name.
type PrometheusMetrics struct {
	events         *prometheus.CounterVec
	apdus          *prometheus.CounterVec
	errors         *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	observerPanics *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seproxy",
			Name:      "reader_events_total",
			Help:      "Reader events delivered to observers.",
		}, []string{"reader", "type"}),
		apdus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seproxy",
			Name:      "apdus_transmitted_total",
			Help:      "APDUs sent to cards, including selection and recovery commands.",
		}, []string{"reader"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seproxy",
			Name:      "transport_errors_total",
			Help:      "Transport failures by operation.",
		}, []string{"reader", "op"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seproxy",
			Name:      "monitoring_transitions_total",
			Help:      "Monitoring state machine transitions by target state.",
		}, []string{"reader", "state"}),
		observerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seproxy",
			Name:      "observer_panics_total",
			Help:      "Panics recovered from observer callbacks.",
		}, []string{"reader"}),
	}

	for _, c := range []prometheus.Collector{m.events, m.apdus, m.errors, m.transitions, m.observerPanics} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ForReader returns a Metrics bound to one reader name
func (m *PrometheusMetrics) ForReader(reader string) Metrics {
	return &readerMetrics{m: m, reader: reader}
}

type readerMetrics struct {
	m      *PrometheusMetrics
	reader string
}

func (r *readerMetrics) EventNotified(t EventType) {
	r.m.events.WithLabelValues(r.reader, t.String()).Inc()
}

func (r *readerMetrics) ApduTransmitted() {
	r.m.apdus.WithLabelValues(r.reader).Inc()
}

func (r *readerMetrics) TransportError(op string) {
	r.m.errors.WithLabelValues(r.reader, op).Inc()
}

func (r *readerMetrics) StateTransition(_, to polling.State) {
	r.m.transitions.WithLabelValues(r.reader, to.String()).Inc()
}

func (r *readerMetrics) ObserverPanic() {
	r.m.observerPanics.WithLabelValues(r.reader).Inc()
}
