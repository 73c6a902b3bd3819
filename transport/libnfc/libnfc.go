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

// Package libnfc is the seproxy back-end for contactless devices driven by
// libnfc. The device binding needs cgo and the libnfc build tag; without
// it Open reports ErrNotBuilt.
package libnfc

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/internal/iso14443"
)

// DefaultTimeout bounds one APDU exchange
const DefaultTimeout = time.Second

// ErrNotBuilt is returned by Open in builds without the libnfc tag
var ErrNotBuilt = errors.New("libnfc support not built in (use -tags libnfc)")

// device is the part of a libnfc initiator the transport drives. Errors
// caused by an elapsed device timeout wrap seproxy.ErrTransportTimeout.
type device interface {
	// list returns the type A targets in the field, leaving none selected
	list() ([]iso14443.Target, error)
	// selectTarget activates the card with uid
	selectTarget(uid []byte) (*iso14443.Target, error)
	// present reports whether the selected card still answers
	present() (bool, error)
	deselect() error
	transceive(apdu []byte, timeout time.Duration) ([]byte, error)
	connection() string
	close() error
}

// Transport is a seproxy.Transport for the first type A card in the field
// of a libnfc device
type Transport struct {
	dev     device
	target  *iso14443.Target
	timeout time.Duration
	mu      sync.Mutex
	open    bool
	closed  bool
}

func newTransport(dev device) *Transport {
	return &Transport{dev: dev, timeout: DefaultTimeout}
}

// Connection returns the libnfc connection string of the device
func (t *Transport) Connection() string {
	return t.dev.connection()
}

// SetTimeout bounds every following APDU exchange
func (t *Transport) SetTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
}

// UID returns the UID of the last listed card, or nil
func (t *Transport) UID() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.target == nil {
		return nil
	}
	return bytes.Clone(t.target.UID)
}

func (t *Transport) deviceError(op string, err error) error {
	if errors.Is(err, seproxy.ErrTransportTimeout) {
		return seproxy.NewTimeoutError(op, t.dev.connection())
	}
	return seproxy.NewIOError(op, t.dev.connection(), err)
}

func (t *Transport) listLocked() error {
	targets, err := t.dev.list()
	if err != nil {
		t.target = nil
		return t.deviceError("listPassiveTargets", err)
	}
	if len(targets) == 0 {
		t.target = nil
		return nil
	}
	t.target = &targets[0]
	return nil
}

// CheckPresence lists the field, or asks the selected card when the
// channel is open
func (t *Transport) CheckPresence() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, seproxy.ErrTransportClosed
	}

	if t.open {
		present, err := t.dev.present()
		if err != nil {
			return false, t.deviceError("targetIsPresent", err)
		}
		return present, nil
	}
	if err := t.listLocked(); err != nil {
		return false, err
	}
	return t.target != nil, nil
}

// OpenPhysicalChannel selects the listed card
func (t *Transport) OpenPhysicalChannel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	port := t.dev.connection()
	if t.closed {
		return seproxy.ErrTransportClosed
	}
	if t.open {
		return nil
	}
	if t.target == nil {
		if err := t.listLocked(); err != nil {
			return seproxy.NewChannelOpenError(port, err)
		}
	}
	if t.target == nil {
		return seproxy.NewChannelOpenError(port, seproxy.ErrNoCard)
	}

	selected, err := t.dev.selectTarget(t.target.UID)
	if err != nil {
		t.target = nil
		return seproxy.NewChannelOpenError(port, err)
	}
	t.target = selected
	t.open = true
	return nil
}

// ClosePhysicalChannel deselects the card
func (t *Transport) ClosePhysicalChannel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.open = false
	if t.closed {
		return nil
	}
	if err := t.dev.deselect(); err != nil {
		return seproxy.NewTransportError("closePhysicalChannel", t.dev.connection(),
			fmt.Errorf("%w: %w", seproxy.ErrChannelClose, err), seproxy.ErrorTypeTransient)
	}
	return nil
}

// IsPhysicalChannelOpen reports whether a card is selected
func (t *Transport) IsPhysicalChannelOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// ATR returns the ATR a PC/SC reader would report for the listed card
func (t *Transport) ATR() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.target == nil {
		return nil
	}
	return t.target.ATR()
}

// TransceiveAPDU exchanges one APDU with the selected card
func (t *Transport) TransceiveAPDU(apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	const op = "transceiveAPDU"
	switch {
	case t.closed:
		return nil, seproxy.ErrTransportClosed
	case !t.open:
		return nil, seproxy.NewIOError(op, t.dev.connection(), seproxy.ErrNoCard)
	}

	resp, err := t.dev.transceive(apdu, t.timeout)
	if err != nil {
		return nil, t.deviceError(op, err)
	}
	return resp, nil
}

// MatchesProtocol checks the listed card against a protocol name
func (t *Transport) MatchesProtocol(rule string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, seproxy.ErrTransportClosed
	}
	if t.target == nil && !t.open {
		if err := t.listLocked(); err != nil {
			return false, err
		}
	}
	if t.target == nil {
		return false, seproxy.NewIOError("matchesProtocol", t.dev.connection(), seproxy.ErrNoCard)
	}
	return t.target.Matches(rule), nil
}

// SupportedProtocols lists the protocols MatchesProtocol tells apart
func (*Transport) SupportedProtocols() map[string]string {
	return iso14443.Protocols()
}

// IsContactless always reports true
func (*Transport) IsContactless() bool {
	return true
}

// HasCapability reports that removal is seen through presence checks
func (*Transport) HasCapability(capability seproxy.TransportCapability) bool {
	return capability == seproxy.CapabilityPresenceRemoval
}

// Close deselects the card and closes the device
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.open {
		_ = t.dev.deselect()
	}
	t.open = false
	t.target = nil
	return t.dev.close()
}

// Type returns seproxy.TransportLibNFC
func (*Transport) Type() seproxy.TransportType {
	return seproxy.TransportLibNFC
}

var (
	_ seproxy.Transport                  = (*Transport)(nil)
	_ seproxy.ProtocolLister             = (*Transport)(nil)
	_ seproxy.ContactlessReporter        = (*Transport)(nil)
	_ seproxy.TransportCapabilityChecker = (*Transport)(nil)
)
