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

package stub

import (
	"context"
	"fmt"
	"sync"
	"time"

	seproxy "github.com/ZaparooProject/go-seproxy"
)

// waitLoopPeriod is how often the card waits look at the slot
const waitLoopPeriod = 10 * time.Millisecond

// Transport is a simulated reader. Cards are inserted and removed by the
// application; the physical channel is reset whenever the card changes.
type Transport struct {
	card        *Card
	failErr     error
	name        string
	failAfter   int
	mu          sync.Mutex
	contactless bool
	open        bool
	closed      bool
}

// Option configures a stub Transport
type Option func(*Transport)

// WithContactless sets what IsContactless reports. Stub readers are
// contactless by default.
func WithContactless(contactless bool) Option {
	return func(t *Transport) {
		t.contactless = contactless
	}
}

// WithCard starts the reader with card inserted
func WithCard(card *Card) Option {
	return func(t *Transport) {
		t.card = card
	}
}

// New creates an empty stub reader
func New(name string, opts ...Option) *Transport {
	t := &Transport{name: name, contactless: true, failAfter: -1}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the reader name
func (t *Transport) Name() string {
	return t.name
}

// InsertCard places card in the reader, replacing and closing any current
// card
func (t *Transport) InsertCard(card *Card) {
	if card == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	t.card = card
	seproxy.Logger().Debug("stub card inserted", "reader", t.name, "card", card.Name)
}

// RemoveCard takes the card out of the reader
func (t *Transport) RemoveCard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	t.card = nil
	seproxy.Logger().Debug("stub card removed", "reader", t.name)
}

// Card returns the inserted card or nil
func (t *Transport) Card() *Card {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.card
}

// FailAfter makes every APDU after the next n fail with err, as if the
// card had been pulled mid-exchange. A negative n stops failing.
func (t *Transport) FailAfter(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		err = seproxy.ErrTransportRead
	}
	t.failAfter = n
	t.failErr = err
}

// CheckPresence reports whether a card is inserted
func (t *Transport) CheckPresence() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, seproxy.NewTransportError("checkPresence", t.name, seproxy.ErrTransportClosed,
			seproxy.ErrorTypePermanent)
	}
	return t.card != nil, nil
}

// OpenPhysicalChannel connects to the inserted card
func (t *Transport) OpenPhysicalChannel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.card == nil {
		return seproxy.NewChannelOpenError(t.name, seproxy.ErrNoCard)
	}
	t.open = true
	return nil
}

// ClosePhysicalChannel disconnects from the card
func (t *Transport) ClosePhysicalChannel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	return nil
}

// IsPhysicalChannelOpen reports the physical channel state
func (t *Transport) IsPhysicalChannelOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open && t.card != nil
}

// ATR returns the inserted card's ATR
func (t *Transport) ATR() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.card == nil {
		return nil
	}
	return t.card.ATR()
}

// TransceiveAPDU answers from the inserted card's script
func (t *Transport) TransceiveAPDU(apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return nil, seproxy.NewTransportError("transceiveAPDU", t.name, seproxy.ErrTransportClosed,
			seproxy.ErrorTypePermanent)
	case t.card == nil:
		return nil, seproxy.NewIOError("transceiveAPDU", t.name, seproxy.ErrNoCard)
	case t.failAfter == 0:
		return nil, seproxy.NewIOError("transceiveAPDU", t.name, t.failErr)
	case t.failAfter > 0:
		t.failAfter--
	}

	reply, err := t.card.Process(apdu)
	if err != nil {
		return nil, seproxy.NewIOError("transceiveAPDU", t.name, err)
	}
	return reply, nil
}

// MatchesProtocol reports whether the inserted card speaks the protocol
// named by rule
func (t *Transport) MatchesProtocol(rule string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.card != nil && t.card.Protocol == rule, nil
}

// SupportedProtocols lists the protocols stub cards can declare. Each rule
// is the protocol name itself.
func (*Transport) SupportedProtocols() map[string]string {
	protocols := make(map[string]string)
	for _, p := range []seproxy.SeProtocol{
		seproxy.ProtocolISO14443_4,
		seproxy.ProtocolISO14443_3A,
		seproxy.ProtocolISO7816_3,
		seproxy.ProtocolMifareClassic,
		seproxy.ProtocolMifareUL,
		seproxy.ProtocolCalypsoB,
	} {
		protocols[string(p)] = string(p)
	}
	return protocols
}

// IsContactless reports the configured field type
func (t *Transport) IsContactless() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contactless
}

// WaitForCardPresent returns once a card is inserted
func (t *Transport) WaitForCardPresent(ctx context.Context) error {
	return t.waitFor(ctx, true)
}

// WaitForCardAbsent returns once the card is removed
func (t *Transport) WaitForCardAbsent(ctx context.Context) error {
	return t.waitFor(ctx, false)
}

func (t *Transport) waitFor(ctx context.Context, present bool) error {
	ticker := time.NewTicker(waitLoopPeriod)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		closed, done := t.closed, (t.card != nil) == present
		t.mu.Unlock()
		if closed {
			return fmt.Errorf("%s: %w", t.name, seproxy.ErrTransportClosed)
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close shuts the reader down
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.open = false
	return nil
}

// Type returns TransportStub
func (*Transport) Type() seproxy.TransportType {
	return seproxy.TransportStub
}

var (
	_ seproxy.Transport           = (*Transport)(nil)
	_ seproxy.InsertionWaiter     = (*Transport)(nil)
	_ seproxy.RemovalWaiter       = (*Transport)(nil)
	_ seproxy.ProtocolLister      = (*Transport)(nil)
	_ seproxy.ContactlessReporter = (*Transport)(nil)
)
