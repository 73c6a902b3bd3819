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
	"slices"
	"time"

	"github.com/ZaparooProject/go-seproxy/internal/crash"
	"github.com/google/uuid"
)

// EventType is the kind of a ReaderEvent
type EventType int

const (
	// EventSeInserted reports a card insertion, with the default selection
	// responses when one is configured and did not match
	EventSeInserted EventType = iota
	// EventSeMatched reports a card that matched the default selection
	EventSeMatched
	// EventSeRemoved reports that the card left the reader
	EventSeRemoved
	// EventTimeoutError reports that processing or removal took too long
	EventTimeoutError
)

func (t EventType) String() string {
	switch t {
	case EventSeInserted:
		return "SE_INSERTED"
	case EventSeMatched:
		return "SE_MATCHED"
	case EventSeRemoved:
		return "SE_REMOVED"
	case EventTimeoutError:
		return "TIMEOUT_ERROR"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// ReaderEvent is delivered to observers. It must be treated as read-only.
type ReaderEvent struct {
	Timestamp  time.Time
	PluginName string
	ReaderName string
	// Responses holds the default selection responses, nil when no default
	// selection ran
	Responses []*Response
	// SessionID identifies one detected insertion; the removal or timeout
	// that ends it carries the same ID
	SessionID uuid.UUID
	Type      EventType
}

func (e ReaderEvent) String() string {
	return fmt.Sprintf("ReaderEvent{%s/%s %s session=%s}", e.PluginName, e.ReaderName, e.Type, e.SessionID)
}

// Observer receives reader events. Implementations must be comparable
// (typically a pointer) so they can be removed again.
type Observer interface {
	Update(event ReaderEvent)
}

type funcObserver struct {
	fn func(ReaderEvent)
}

func (o *funcObserver) Update(event ReaderEvent) {
	o.fn(event)
}

// NewObserverFunc adapts fn to an Observer. Keep the returned value to
// remove it later.
func NewObserverFunc(fn func(ReaderEvent)) Observer {
	return &funcObserver{fn: fn}
}

// AddObserver registers o. The first observer starts monitoring. Adding an
// observer twice does nothing.
func (r *Reader) AddObserver(o Observer) {
	if o == nil {
		return
	}
	r.obsMu.Lock()
	if slices.Contains(r.observers, o) {
		r.obsMu.Unlock()
		return
	}
	r.observers = append(r.observers, o)
	first := len(r.observers) == 1
	r.obsMu.Unlock()

	if first {
		r.lifeMu.Lock()
		defer r.lifeMu.Unlock()
		if r.CountObservers() > 0 && !r.closed.Load() {
			r.logger.Debug("starting monitoring")
			r.machine.Start()
		}
	}
}

// RemoveObserver unregisters o. Removing the last observer stops
// monitoring. When called from an observer callback the stop does not wait
// for the monitoring goroutine.
func (r *Reader) RemoveObserver(o Observer) {
	r.obsMu.Lock()
	i := slices.Index(r.observers, o)
	if i < 0 {
		r.obsMu.Unlock()
		return
	}
	r.observers = slices.Delete(r.observers, i, i+1)
	empty := len(r.observers) == 0
	r.obsMu.Unlock()

	if empty {
		r.stopMonitoring()
	}
}

// ClearObservers unregisters every observer and stops monitoring
func (r *Reader) ClearObservers() {
	r.obsMu.Lock()
	had := len(r.observers) > 0
	r.observers = nil
	r.obsMu.Unlock()

	if had {
		r.stopMonitoring()
	}
}

// CountObservers returns the number of registered observers
func (r *Reader) CountObservers() int {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	return len(r.observers)
}

// stopMonitoring stops the machine once no observer is left. From an
// observer called by the machine itself it cannot wait for the machine, so
// the stop completes asynchronously.
func (r *Reader) stopMonitoring() {
	if r.monitorNotifying.Load() > 0 {
		r.machine.StopAsync()
		return
	}
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.CountObservers() == 0 {
		r.logger.Debug("stopping monitoring")
		r.machine.Stop()
	}
}

func (r *Reader) newEvent(t EventType, session uuid.UUID, responses []*Response) ReaderEvent {
	return ReaderEvent{
		Timestamp:  time.Now(),
		PluginName: r.pluginName,
		ReaderName: r.name,
		Responses:  responses,
		SessionID:  session,
		Type:       t,
	}
}

// notify delivers event to a snapshot of the observers, in registration
// order, on the calling goroutine. It must be called without r.mu held.
func (r *Reader) notify(event ReaderEvent) {
	r.obsMu.Lock()
	observers := slices.Clone(r.observers)
	r.obsMu.Unlock()

	r.metrics.EventNotified(event.Type)
	r.logger.Debug("notify", "event", event.Type, "session", event.SessionID, "observers", len(observers))

	for _, o := range observers {
		r.deliver(o, event)
	}
}

// notifyFromMonitor is notify for the monitoring machine's callbacks
func (r *Reader) notifyFromMonitor(event ReaderEvent) {
	r.monitorNotifying.Add(1)
	defer r.monitorNotifying.Add(-1)
	r.notify(event)
}

func (r *Reader) deliver(o Observer, event ReaderEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.ObserverPanic()
			crash.Report(r.logger, "observer "+event.Type.String(), rec)
		}
	}()
	o.Update(event)
}
