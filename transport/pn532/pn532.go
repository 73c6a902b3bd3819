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

package pn532

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/internal/iso14443"
)

// DefaultTimeout bounds a single PN532 command
const DefaultTimeout = time.Second

// Transport is a seproxy.Transport for the card in a PN532 field. Presence
// checks list type A targets; an open channel keeps the listed target
// active until ClosePhysicalChannel releases it.
type Transport struct {
	link     Link
	target   *target
	firmware []byte
	timeout  time.Duration
	mu       sync.Mutex
	open     bool
	closed   bool
}

// New wakes the chip behind link, checks its firmware and configures it
// for passive type A polling
func New(ctx context.Context, link Link) (*Transport, error) {
	t := &Transport{link: link, timeout: DefaultTimeout}
	if err := t.init(ctx); err != nil {
		_ = link.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) init(ctx context.Context) error {
	resp, err := t.command(ctx, cmdGetFirmwareVersion, nil)
	if err != nil {
		return fmt.Errorf("failed to get firmware version: %w", err)
	}
	if len(resp) < 5 {
		return seproxy.NewIOError("getFirmwareVersion", t.link.Port(),
			fmt.Errorf("%w: short firmware response % X", seproxy.ErrCommunicationFailed, resp))
	}
	t.firmware = bytes.Clone(resp[1:5])

	// normal mode, 1 s virtual card timeout, IRQ used
	if _, err := t.command(ctx, cmdSAMConfiguration, []byte{0x01, 0x14, 0x01}); err != nil {
		return fmt.Errorf("failed to configure SAM: %w", err)
	}
	// one ATR retry, one PSL retry, two passive activation retries so
	// InListPassiveTarget returns when the field is empty
	if _, err := t.command(ctx, cmdRFConfiguration, []byte{rfConfigMaxRetries, 0xFF, 0x01, 0x02}); err != nil {
		return fmt.Errorf("failed to configure RF retries: %w", err)
	}
	return nil
}

// Firmware describes the chip, e.g. "PN532 v1.6"
func (t *Transport) Firmware() string {
	if len(t.firmware) < 3 {
		return "unknown"
	}
	return fmt.Sprintf("PN5%02X v%d.%d", t.firmware[0], t.firmware[1], t.firmware[2])
}

// Port names the link
func (t *Transport) Port() string {
	return t.link.Port()
}

// SetTimeout bounds every following command
func (t *Transport) SetTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return t.link.SetTimeout(timeout)
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

func (t *Transport) command(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	op := fmt.Sprintf("command %#02x", cmd)
	resp, err := t.link.SendCommand(ctx, cmd, args)
	if err != nil {
		var te *seproxy.TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, seproxy.NewTimeoutError(op, t.link.Port())
		}
		return nil, seproxy.NewIOError(op, t.link.Port(), err)
	}
	if len(resp) == 0 || resp[0] != cmd+1 {
		return nil, seproxy.NewIOError(op, t.link.Port(),
			fmt.Errorf("%w: unexpected response % X", seproxy.ErrCommunicationFailed, resp))
	}
	return resp, nil
}

// listLocked releases the previous target and lists the card in the field
func (t *Transport) listLocked(ctx context.Context) error {
	if t.target != nil {
		_ = t.releaseLocked(ctx)
	}
	resp, err := t.command(ctx, cmdInListPassiveTarget, []byte{0x01, baudRate106TypeA})
	if err != nil {
		return err
	}
	tgt, err := parseTarget(resp)
	if err != nil {
		return seproxy.NewIOError("inListPassiveTarget", t.link.Port(),
			fmt.Errorf("%w: %w", seproxy.ErrCommunicationFailed, err))
	}
	t.target = tgt
	return nil
}

func (t *Transport) releaseLocked(ctx context.Context) error {
	tg := t.target.tg
	t.target = nil
	_, err := t.command(ctx, cmdInRelease, []byte{tg})
	return err
}

// CheckPresence lists the field, or asks the active target when the
// channel is open
func (t *Transport) CheckPresence() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, seproxy.ErrTransportClosed
	}

	ctx := context.Background()
	if t.open && t.target != nil {
		return t.targetPresentLocked(ctx)
	}
	if err := t.listLocked(ctx); err != nil {
		return false, err
	}
	return t.target != nil, nil
}

func (t *Transport) targetPresentLocked(ctx context.Context) (bool, error) {
	if t.target.IsoDep() {
		resp, err := t.command(ctx, cmdDiagnose, []byte{diagnoseCardPresence})
		if err != nil {
			return false, err
		}
		return len(resp) > 1 && resp[1] == 0x00, nil
	}

	// storage cards cannot be asked; list again and compare UIDs
	uid := t.target.UID
	if err := t.listLocked(ctx); err != nil {
		return false, err
	}
	return t.target != nil && bytes.Equal(t.target.UID, uid), nil
}

// OpenPhysicalChannel activates the card, reusing the target listed by
// the last presence check
func (t *Transport) OpenPhysicalChannel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return seproxy.ErrTransportClosed
	}
	if t.open {
		return nil
	}
	if t.target == nil {
		if err := t.listLocked(context.Background()); err != nil {
			return seproxy.NewChannelOpenError(t.link.Port(), err)
		}
	}
	if t.target == nil {
		return seproxy.NewChannelOpenError(t.link.Port(), seproxy.ErrNoCard)
	}
	t.open = true
	return nil
}

// ClosePhysicalChannel releases the target
func (t *Transport) ClosePhysicalChannel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.open = false
	if t.target == nil || t.closed {
		return nil
	}
	if err := t.releaseLocked(context.Background()); err != nil {
		return seproxy.NewTransportError("closePhysicalChannel", t.link.Port(),
			fmt.Errorf("%w: %w", seproxy.ErrChannelClose, err), seproxy.ErrorTypeTransient)
	}
	return nil
}

// IsPhysicalChannelOpen reports whether a target is held active
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

// TransceiveAPDU exchanges one APDU with the active target
func (t *Transport) TransceiveAPDU(apdu []byte) ([]byte, error) {
	return t.TransceiveAPDUContext(context.Background(), apdu)
}

// TransceiveAPDUContext is TransceiveAPDU bounded by ctx
func (t *Transport) TransceiveAPDUContext(ctx context.Context, apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	const op = "transceiveAPDU"
	switch {
	case t.closed:
		return nil, seproxy.ErrTransportClosed
	case !t.open || t.target == nil:
		return nil, seproxy.NewIOError(op, t.link.Port(), seproxy.ErrNoCard)
	case len(apdu) > maxApduLength:
		return nil, seproxy.NewTransportError(op, t.link.Port(),
			fmt.Errorf("%w: APDU of %d bytes", seproxy.ErrInvalidParameter, len(apdu)), seproxy.ErrorTypePermanent)
	}

	args := make([]byte, 0, len(apdu)+1)
	args = append(args, t.target.tg)
	args = append(args, apdu...)
	resp, err := t.command(ctx, cmdInDataExchange, args)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, seproxy.NewIOError(op, t.link.Port(), seproxy.ErrCommunicationFailed)
	}

	switch status := resp[1] & 0x3F; status {
	case 0x00:
		return bytes.Clone(resp[2:]), nil
	case statusTimeout:
		return nil, seproxy.NewTimeoutError(op, t.link.Port())
	default:
		return nil, seproxy.NewIOError(op, t.link.Port(),
			fmt.Errorf("%w: status %#02x", seproxy.ErrCommunicationFailed, status))
	}
}

// MatchesProtocol checks the listed card against a protocol name
func (t *Transport) MatchesProtocol(rule string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, seproxy.ErrTransportClosed
	}
	if t.target == nil && !t.open {
		if err := t.listLocked(context.Background()); err != nil {
			return false, err
		}
	}
	if t.target == nil {
		return false, seproxy.NewIOError("matchesProtocol", t.link.Port(), seproxy.ErrNoCard)
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

// HasCapability reports that removal is seen through presence checks, as
// storage cards do not answer APDUs
func (*Transport) HasCapability(capability seproxy.TransportCapability) bool {
	return capability == seproxy.CapabilityPresenceRemoval
}

// Close releases the target and closes the link
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.open && t.target != nil {
		_ = t.releaseLocked(context.Background())
	}
	t.open = false
	return t.link.Close()
}

// Type returns TransportPN532
func (*Transport) Type() seproxy.TransportType {
	return seproxy.TransportPN532
}

var (
	_ seproxy.TransportContext           = (*Transport)(nil)
	_ seproxy.ProtocolLister             = (*Transport)(nil)
	_ seproxy.ContactlessReporter        = (*Transport)(nil)
	_ seproxy.TransportCapabilityChecker = (*Transport)(nil)
)
