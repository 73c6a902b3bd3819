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
	"fmt"

	"github.com/ZaparooProject/go-seproxy/polling"
	"github.com/google/uuid"
)

// monitorHost is the view of a Reader that its monitoring state machine
// drives
type monitorHost struct {
	r *Reader
}

var _ polling.Host = (*monitorHost)(nil)

func (h *monitorHost) Name() string {
	return h.r.name
}

// IsCardPresent is the raw presence check used by polling jobs. Unlike
// Reader.IsCardPresent it never runs the removal sequence itself.
func (h *monitorHost) IsCardPresent(context.Context) (bool, error) {
	r := h.r
	r.mu.Lock()
	defer r.mu.Unlock()
	present, err := r.transport.CheckPresence()
	if err != nil {
		r.metrics.TransportError("checkPresence")
	}
	return present, err
}

// Ping sends GET RESPONSE to the card. With the physical channel closed
// there is nothing to ping and a presence check is used instead.
func (h *monitorHost) Ping(ctx context.Context) error {
	r := h.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.transport.IsPhysicalChannelOpen() {
		present, err := r.transport.CheckPresence()
		if err != nil {
			return err
		}
		if !present {
			return ErrNoCard
		}
		return nil
	}
	if _, err := r.exchangeLocked(ctx, getResponseCommand); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (h *monitorHost) ProcessInsertion(ctx context.Context) bool {
	return h.r.processInsertion(ctx)
}

func (h *monitorHost) ProcessRemoval() {
	h.r.processRemoval()
}

func (h *monitorHost) CloseChannels() {
	r := h.r
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeBothLocked()
}

func (h *monitorHost) NotifyTimeout() {
	r := h.r
	r.mu.Lock()
	session := r.endSessionLocked()
	r.mu.Unlock()

	r.logger.Warn("card was not processed or removed in time", "state", r.machine.State())
	r.notifyFromMonitor(r.newEvent(EventTimeoutError, session, nil))
}

// processInsertion runs on card insertion. Without a default selection it
// notifies SE_INSERTED. Otherwise the selection is processed and, depending
// on the notification mode, SE_MATCHED or SE_INSERTED is notified with the
// responses. A transport failure during the selection notifies nothing.
// When nothing was notified the physical channel is closed. It reports
// whether an event was notified.
func (r *Reader) processInsertion(ctx context.Context) bool {
	r.mu.Lock()
	r.session = uuid.New()
	session := r.session
	selection := r.defaultSelection
	mode := r.notificationMode

	if selection == nil || len(selection.Requests) == 0 {
		r.mu.Unlock()
		r.notifyFromMonitor(r.newEvent(EventSeInserted, session, nil))
		return true
	}

	responses, err := r.processSetLocked(ctx, selection.Requests, selection.Mode)
	if err != nil {
		r.logger.Debug("default selection failed", "error", err)
		r.closeBothLocked()
		r.session = uuid.Nil
		r.mu.Unlock()
		return false
	}
	if selection.Control == CloseAfter {
		r.closeAfterLocked()
	}

	matched := false
	for _, resp := range responses {
		if resp.Matched() {
			matched = true
			break
		}
	}

	eventType := EventSeInserted
	switch {
	case matched:
		eventType = EventSeMatched
	case mode == NotifyMatchedOnly:
		r.logger.Debug("default selection did not match, not notifying")
		r.closePhysicalLocked()
		r.session = uuid.Nil
		r.mu.Unlock()
		return false
	default:
	}
	r.mu.Unlock()

	if selection.Control == CloseAfter {
		r.machine.Signal(polling.EventSeProcessed)
	}
	r.notifyFromMonitor(r.newEvent(eventType, session, responses))
	return true
}

// processRemoval closes both channels and notifies SE_REMOVED
func (r *Reader) processRemoval() {
	r.mu.Lock()
	r.closeBothLocked()
	session := r.endSessionLocked()
	r.mu.Unlock()

	r.notifyFromMonitor(r.newEvent(EventSeRemoved, session, nil))
}

// endSessionLocked returns the current session ID and clears it
func (r *Reader) endSessionLocked() uuid.UUID {
	session := r.session
	r.session = uuid.Nil
	return session
}
