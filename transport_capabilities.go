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
	"time"

	"github.com/ZaparooProject/go-seproxy/polling"
)

// TransportCapability represents specific capabilities or behaviors of a transport
type TransportCapability string

const (
	// CapabilityPresenceRemoval indicates that card removal is better seen
	// through presence checks than by pinging the card, typically because
	// the card may not answer ISO 7816-4 commands
	CapabilityPresenceRemoval TransportCapability = "presence_removal"
)

// TransportCapabilityChecker defines an interface for querying transport capabilities
type TransportCapabilityChecker interface {
	// HasCapability returns true if the transport has the specified capability
	HasCapability(capability TransportCapability) bool
}

// HasCapability forwards capability checking to the underlying transport
func (t *TransportWithRetry) HasCapability(capability TransportCapability) bool {
	if checker, ok := t.transport.(TransportCapabilityChecker); ok {
		return checker.HasCapability(capability)
	}
	return false
}

func hasCapability(t Transport, capability TransportCapability) bool {
	if checker, ok := t.(TransportCapabilityChecker); ok {
		return checker.HasCapability(capability)
	}
	return false
}

// defaultMonitoring picks monitoring strategies and timing for t
func defaultMonitoring(t Transport) polling.Config {
	cfg := polling.DefaultConfig()

	switch t.Type() {
	case TransportPN532:
		// every check is a full InListPassiveTarget round trip
		cfg.PollingInterval = 300 * time.Millisecond
		cfg.PingInterval = 300 * time.Millisecond
	case TransportLibNFC:
		cfg.PollingInterval = 250 * time.Millisecond
		cfg.PingInterval = 250 * time.Millisecond
	case TransportPCSC, TransportStub, TransportMock:
	default:
	}

	if _, ok := t.(InsertionWaiter); ok {
		cfg.Insertion = polling.StrategySmart
	}
	if _, ok := t.(RemovalWaiter); ok {
		cfg.Processing = polling.StrategySmart
		cfg.Removal = polling.StrategySmart
	} else if hasCapability(t, CapabilityPresenceRemoval) {
		cfg.Removal = polling.StrategyPolling
	}
	return cfg
}
