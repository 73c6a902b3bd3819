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

package pcsc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/ebfe/scard"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/internal/transport"
)

const (
	// statusSlice bounds one GetStatusChange call of the card waits
	statusSlice = 500 * time.Millisecond

	defaultConnectRetries = 3
	defaultConnectDelay   = 100 * time.Millisecond
)

// contactlessName recognizes the usual names of contactless reader slots
var contactlessName = regexp.MustCompile(`(?i)contactless|picc|\bcl\b`)

// Transport is a seproxy.Transport for one PC/SC reader
type Transport struct {
	ctx         Context
	waitCtx     Context
	card        Card
	factory     ContextFactory
	protocols   map[string]string
	name        string
	atr         []byte
	retries     int
	delay       time.Duration
	mu          sync.Mutex
	waitMu      sync.Mutex
	mode        scard.ShareMode
	disposition scard.Disposition
	active      scard.Protocol
	contactless bool
	closed      bool
}

// Option configures a Transport
type Option func(*Transport)

// WithShareMode sets how the card is shared with other applications.
// The default is scard.ShareShared.
func WithShareMode(mode scard.ShareMode) Option {
	return func(t *Transport) {
		t.mode = mode
	}
}

// WithDisposition sets what happens to the card when the channel is closed.
// The default leaves it powered.
func WithDisposition(d scard.Disposition) Option {
	return func(t *Transport) {
		t.disposition = d
	}
}

// WithContactless overrides the guess made from the reader name
func WithContactless(contactless bool) Option {
	return func(t *Transport) {
		t.contactless = contactless
	}
}

// WithProtocols replaces the protocol rules published to the reader
func WithProtocols(protocols map[string]string) Option {
	return func(t *Transport) {
		t.protocols = maps.Clone(protocols)
	}
}

// WithConnectRetry sets how often a busy card is connected again
func WithConnectRetry(retries int, delay time.Duration) Option {
	return func(t *Transport) {
		t.retries = retries
		t.delay = delay
	}
}

// WithContextFactory replaces the PC/SC service, mostly for tests
func WithContextFactory(factory ContextFactory) Option {
	return func(t *Transport) {
		t.factory = factory
	}
}

// Open returns a transport for the reader called name
func Open(name string, opts ...Option) (*Transport, error) {
	t := &Transport{
		name:        name,
		factory:     EstablishContext,
		protocols:   DefaultProtocols(),
		retries:     defaultConnectRetries,
		delay:       defaultConnectDelay,
		mode:        scard.ShareShared,
		disposition: scard.LeaveCard,
		contactless: contactlessName.MatchString(name),
	}
	for _, opt := range opts {
		opt(t)
	}

	ctx, err := t.factory()
	if err != nil {
		return nil, seproxy.NewTransportError("open", name, err, seproxy.ErrorTypePermanent)
	}
	readers, err := ctx.ListReaders()
	if err != nil && !errors.Is(err, scard.ErrNoReadersAvailable) {
		_ = ctx.Release()
		return nil, seproxy.NewIOError("open", name, err)
	}
	if !slices.Contains(readers, name) {
		_ = ctx.Release()
		return nil, seproxy.NewTransportError("open", name, seproxy.ErrReaderNotFound, seproxy.ErrorTypePermanent)
	}
	t.ctx = ctx
	seproxy.Logger().Debug("PC/SC reader opened", "reader", name, "contactless", t.contactless)
	return t, nil
}

// Name returns the PC/SC reader name
func (t *Transport) Name() string {
	return t.name
}

// CheckPresence asks the service for the reader state
func (t *Transport) CheckPresence() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, seproxy.ErrTransportClosed
	}

	states := []scard.ReaderState{{Reader: t.name, CurrentState: scard.StateUnaware}}
	if err := t.ctx.GetStatusChange(states, 0); err != nil {
		return false, t.statusError("checkPresence", err)
	}
	return states[0].EventState&scard.StatePresent != 0, nil
}

func (t *Transport) statusError(op string, err error) error {
	if readerGone(err) {
		return seproxy.NewTransportError(op, t.name,
			fmt.Errorf("%w: %w", seproxy.ErrReaderNotFound, err), seproxy.ErrorTypePermanent)
	}
	return seproxy.NewIOError(op, t.name, err)
}

// OpenPhysicalChannel connects to the card, trying again while another
// application holds it
func (t *Transport) OpenPhysicalChannel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return seproxy.ErrTransportClosed
	}
	if t.card != nil {
		return nil
	}

	card, err := transport.WithRetry(context.Background(), transport.RetryConfig{
		Description: "connect",
		Port:        t.name,
		MaxRetries:  t.retries,
		RetryDelay:  t.delay,
	}, t.connect)
	if err != nil {
		return seproxy.NewChannelOpenError(t.name, err)
	}

	status, err := card.Status()
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return seproxy.NewChannelOpenError(t.name, err)
	}
	t.card = card
	t.atr = bytes.Clone(status.Atr)
	t.active = status.ActiveProtocol
	seproxy.Logger().Debug("card connected", "reader", t.name, "atr", seproxy.FormatHex(t.atr))
	return nil
}

func (t *Transport) connect(context.Context) (Card, bool, error) {
	card, err := t.ctx.Connect(t.name, t.mode, scard.ProtocolAny)
	switch {
	case err == nil:
		return card, false, nil
	case busy(err):
		seproxy.Logger().Debug("card busy", "reader", t.name, "error", err)
		return nil, true, nil
	case cardGone(err):
		return nil, false, fmt.Errorf("%w: %w", seproxy.ErrNoCard, err)
	default:
		return nil, false, err
	}
}

// ClosePhysicalChannel disconnects from the card
func (t *Transport) ClosePhysicalChannel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnectLocked()
}

func (t *Transport) disconnectLocked() error {
	if t.card == nil {
		return nil
	}
	card := t.card
	t.card = nil
	t.atr = nil
	if err := card.Disconnect(t.disposition); err != nil && !cardGone(err) {
		return seproxy.NewTransportError("closePhysicalChannel", t.name,
			fmt.Errorf("%w: %w", seproxy.ErrChannelClose, err), seproxy.ErrorTypeTransient)
	}
	return nil
}

// IsPhysicalChannelOpen reports whether the card is connected
func (t *Transport) IsPhysicalChannelOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.card != nil
}

// ATR returns the ATR read when the channel was opened
func (t *Transport) ATR() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.atr)
}

// TransceiveAPDU transmits one APDU. A card that left the reader closes
// the channel.
func (t *Transport) TransceiveAPDU(apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	const op = "transceiveAPDU"
	if t.closed {
		return nil, seproxy.ErrTransportClosed
	}
	if t.card == nil {
		return nil, seproxy.NewIOError(op, t.name, seproxy.ErrNoCard)
	}

	resp, err := t.card.Transmit(apdu)
	if err != nil {
		if cardGone(err) {
			t.card = nil
			t.atr = nil
			return nil, seproxy.NewIOError(op, t.name, fmt.Errorf("%w: %w", seproxy.ErrNoCard, err))
		}
		return nil, seproxy.NewIOError(op, t.name, err)
	}
	return resp, nil
}

// MatchesProtocol applies rule to the connected card. Rules are ATR
// regular expressions, RuleT0, RuleT1 or the name of a protocol from
// SupportedProtocols.
func (t *Transport) MatchesProtocol(rule string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, seproxy.ErrTransportClosed
	}
	if t.card == nil {
		return false, seproxy.NewIOError("matchesProtocol", t.name, seproxy.ErrNoCard)
	}
	return matchRule(t.protocols, rule, t.atr, t.active)
}

// SupportedProtocols returns the protocol rules of the reader
func (t *Transport) SupportedProtocols() map[string]string {
	return maps.Clone(t.protocols)
}

// IsContactless reports whether the reader is a contactless slot
func (t *Transport) IsContactless() bool {
	return t.contactless
}

// WaitForCardPresent blocks until a card is in the reader
func (t *Transport) WaitForCardPresent(ctx context.Context) error {
	return t.waitFor(ctx, true)
}

// WaitForCardAbsent blocks until the reader is empty
func (t *Transport) WaitForCardAbsent(ctx context.Context) error {
	return t.waitFor(ctx, false)
}

// waitFor follows the reader state on a context of its own so that a
// pending wait never blocks card exchanges. ctx cancellation cancels the
// pending call.
func (t *Transport) waitFor(ctx context.Context, present bool) error {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()

	wctx, err := t.waitContext()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = wctx.Cancel() })
	defer stop()

	states := []scard.ReaderState{{Reader: t.name, CurrentState: scard.StateUnaware}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := wctx.GetStatusChange(states, statusSlice)
		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, scard.ErrCancelled):
			if t.isClosed() {
				return seproxy.ErrTransportClosed
			}
			continue
		default:
			return t.statusError("waitForCard", err)
		}

		if (states[0].EventState&scard.StatePresent != 0) == present {
			return nil
		}
		states[0].CurrentState = states[0].EventState &^ scard.StateChanged
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) waitContext() (Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, seproxy.ErrTransportClosed
	}
	if t.waitCtx == nil {
		wctx, err := t.factory()
		if err != nil {
			return nil, seproxy.NewIOError("waitForCard", t.name, err)
		}
		t.waitCtx = wctx
	}
	return t.waitCtx, nil
}

// Close disconnects the card and releases the PC/SC contexts
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	errs := []error{t.disconnectLocked()}
	wctx := t.waitCtx
	t.waitCtx = nil
	t.mu.Unlock()

	if wctx != nil {
		_ = wctx.Cancel()
		t.waitMu.Lock()
		errs = append(errs, wctx.Release())
		t.waitMu.Unlock()
	}
	errs = append(errs, t.ctx.Release())
	return errors.Join(errs...)
}

// Type returns seproxy.TransportPCSC
func (*Transport) Type() seproxy.TransportType {
	return seproxy.TransportPCSC
}

var (
	_ seproxy.Transport           = (*Transport)(nil)
	_ seproxy.InsertionWaiter     = (*Transport)(nil)
	_ seproxy.RemovalWaiter       = (*Transport)(nil)
	_ seproxy.ProtocolLister      = (*Transport)(nil)
	_ seproxy.ContactlessReporter = (*Transport)(nil)
)
