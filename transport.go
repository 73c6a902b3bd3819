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
	"errors"
	"fmt"
)

// Transport is the capability a reader back-end must provide. It can be
// implemented by PC/SC, PN532, libnfc or simulated back-ends.
//
// A Reader never calls a Transport concurrently.
type Transport interface {
	// CheckPresence reports whether a card is in the field or slot
	CheckPresence() (bool, error)

	// OpenPhysicalChannel powers up and connects to the card
	OpenPhysicalChannel() error

	// ClosePhysicalChannel disconnects from the card. Closing an already
	// closed channel is not an error.
	ClosePhysicalChannel() error

	// IsPhysicalChannelOpen reports the current physical channel state
	IsPhysicalChannelOpen() bool

	// ATR returns the card's Answer To Reset, or nil if unavailable
	ATR() []byte

	// TransceiveAPDU sends one APDU and returns the raw reply
	TransceiveAPDU(apdu []byte) ([]byte, error)

	// MatchesProtocol reports whether the current card satisfies a protocol
	// rule, such as an ATR expression for PC/SC
	MatchesProtocol(rule string) (bool, error)

	// Close releases the back-end
	Close() error

	// Type returns the transport type
	Type() TransportType
}

// TransportType identifies a back-end family
type TransportType string

const (
	// TransportPCSC represents a PC/SC contact or contactless reader.
	TransportPCSC TransportType = "pcsc"
	// TransportPN532 represents a PN532 contactless frontend.
	TransportPN532 TransportType = "pn532"
	// TransportLibNFC represents a libnfc managed device.
	TransportLibNFC TransportType = "libnfc"
	// TransportStub represents a simulated reader.
	TransportStub TransportType = "stub"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// InsertionWaiter is implemented by back-ends that can block until a card
// is inserted
type InsertionWaiter interface {
	WaitForCardPresent(ctx context.Context) error
}

// RemovalWaiter is implemented by back-ends that can block until the card
// is removed
type RemovalWaiter interface {
	WaitForCardAbsent(ctx context.Context) error
}

// ProtocolLister is implemented by back-ends that publish the reader
// protocols they can detect, keyed by name, with the rule passed to
// MatchesProtocol for each
type ProtocolLister interface {
	SupportedProtocols() map[string]string
}

// ContactlessReporter is implemented by back-ends that know whether they
// talk to a contactless field
type ContactlessReporter interface {
	IsContactless() bool
}

// TransportWithRetry wraps a Transport and retries the idempotent operations
// (presence checks and channel opening) on retryable errors. APDU exchange is
// passed through unchanged.
type TransportWithRetry struct {
	transport Transport
	config    *RetryConfig
}

// NewTransportWithRetry creates a new transport wrapper with retry logic
func NewTransportWithRetry(transport Transport, config *RetryConfig) *TransportWithRetry {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &TransportWithRetry{
		transport: transport,
		config:    config,
	}
}

// CheckPresence checks for a card with retry logic
func (t *TransportWithRetry) CheckPresence() (bool, error) {
	var present bool
	err := RetryWithConfig(context.Background(), t.config, func() error {
		var err error
		present, err = t.transport.CheckPresence()
		if err != nil {
			return wrapTransportError("CheckPresence", err)
		}
		return nil
	})
	return present, err
}

// OpenPhysicalChannel opens the channel with retry logic
func (t *TransportWithRetry) OpenPhysicalChannel() error {
	return RetryWithConfig(context.Background(), t.config, func() error {
		if err := t.transport.OpenPhysicalChannel(); err != nil {
			return wrapTransportError("OpenPhysicalChannel", err)
		}
		return nil
	})
}

// ClosePhysicalChannel closes the underlying channel
func (t *TransportWithRetry) ClosePhysicalChannel() error {
	return t.transport.ClosePhysicalChannel()
}

// IsPhysicalChannelOpen forwards to the underlying transport
func (t *TransportWithRetry) IsPhysicalChannelOpen() bool {
	return t.transport.IsPhysicalChannelOpen()
}

// ATR forwards to the underlying transport
func (t *TransportWithRetry) ATR() []byte {
	return t.transport.ATR()
}

// TransceiveAPDU forwards to the underlying transport without retrying
func (t *TransportWithRetry) TransceiveAPDU(apdu []byte) ([]byte, error) {
	return t.transport.TransceiveAPDU(apdu)
}

// MatchesProtocol forwards to the underlying transport
func (t *TransportWithRetry) MatchesProtocol(rule string) (bool, error) {
	return t.transport.MatchesProtocol(rule)
}

// Close closes the transport connection
func (t *TransportWithRetry) Close() error {
	if err := t.transport.Close(); err != nil {
		return fmt.Errorf("failed to close underlying transport: %w", err)
	}
	return nil
}

// Type returns the transport type
func (t *TransportWithRetry) Type() TransportType {
	return t.transport.Type()
}

// Unwrap returns the wrapped transport
func (t *TransportWithRetry) Unwrap() Transport {
	return t.transport
}

// SetRetryConfig updates the retry configuration
func (t *TransportWithRetry) SetRetryConfig(config *RetryConfig) {
	t.config = config
}

func wrapTransportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{
		Op:        op,
		Err:       err,
		Type:      GetErrorType(err),
		Retryable: IsRetryable(err),
	}
}

// TransceiveAPDUContext forwards to the underlying transport's context
// aware exchange
func (t *TransportWithRetry) TransceiveAPDUContext(ctx context.Context, apdu []byte) ([]byte, error) {
	return AsTransportContext(t.transport).TransceiveAPDUContext(ctx, apdu)
}
