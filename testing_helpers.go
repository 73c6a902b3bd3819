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
	"slices"
	"sync"
)

// swInsNotSupported is the reply of MockTransport to unscripted commands
var swInsNotSupported = []byte{0x6D, 0x00}

// MockTransport is a scriptable Transport for tests. Replies are looked up
// by the hex form of the command, unscripted commands answer 6D00. The card
// can be inserted and removed, exchanges can be made to fail or to block.
type MockTransport struct {
	blockChan    chan struct{}
	changed      chan struct{}
	ResponseFunc func(apdu []byte) ([]byte, error)
	failErr      error
	openErr      error
	presenceErr  error
	responses    map[string][]byte
	protocols    map[string]bool
	atr          []byte
	commands     [][]byte
	failAt       int
	exchanges    int
	opens        int
	closes       int
	mu           sync.Mutex
	present      bool
	open         bool
	blocking     bool
	closed       bool
	contactless  bool
}

// NewMockTransport creates a mock with a card holding atr already inserted
func NewMockTransport(atr []byte) *MockTransport {
	return &MockTransport{
		blockChan: make(chan struct{}),
		changed:   make(chan struct{}),
		responses: make(map[string][]byte),
		protocols: make(map[string]bool),
		atr:       atr,
		present:   true,
	}
}

// SetResponse scripts the reply to a command, both given in hex
func (m *MockTransport) SetResponse(command, reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[FormatHex(MustParseHex(command))] = MustParseHex(reply)
}

// SetResponseFunc answers every command with fn
func (m *MockTransport) SetResponseFunc(fn func(apdu []byte) ([]byte, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResponseFunc = fn
}

// SetProtocol sets the result of MatchesProtocol for rule
func (m *MockTransport) SetProtocol(rule string, matches bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocols[rule] = matches
}

// SetATR changes the ATR of the card
func (m *MockTransport) SetATR(atr []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.atr = atr
}

// SetContactless sets what IsContactless reports
func (m *MockTransport) SetContactless(contactless bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contactless = contactless
}

// InsertCard puts a card in the reader
func (m *MockTransport) InsertCard() {
	m.setPresent(true)
}

// RemoveCard takes the card away, dropping the physical channel
func (m *MockTransport) RemoveCard() {
	m.setPresent(false)
}

func (m *MockTransport) setPresent(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.present == present {
		return
	}
	m.present = present
	if !present {
		m.open = false
	}
	close(m.changed)
	m.changed = make(chan struct{})
}

// FailAt makes the n-th exchange, counting from 1, return err
func (m *MockTransport) FailAt(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt = m.exchanges + n
	m.failErr = err
}

// SetOpenError makes OpenPhysicalChannel fail with err until reset with nil
func (m *MockTransport) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetPresenceError makes CheckPresence fail with err until reset with nil
func (m *MockTransport) SetPresenceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presenceErr = err
}

// SetBlocking makes exchanges wait for Unblock or Close
func (m *MockTransport) SetBlocking(blocking bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocking = blocking
}

// Unblock releases the exchanges currently blocked
func (m *MockTransport) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		close(m.blockChan)
		m.blockChan = make(chan struct{})
	}
}

// Commands returns the hex form of every command sent so far
func (m *MockTransport) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commands))
	for i, c := range m.commands {
		out[i] = FormatHex(c)
	}
	return out
}

// OpenCount returns how many times the physical channel was opened
func (m *MockTransport) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// CloseCount returns how many times ClosePhysicalChannel was called
func (m *MockTransport) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// CheckPresence implements Transport
func (m *MockTransport) CheckPresence() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrTransportClosed
	}
	if m.presenceErr != nil {
		return false, m.presenceErr
	}
	return m.present, nil
}

// OpenPhysicalChannel implements Transport
func (m *MockTransport) OpenPhysicalChannel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrTransportClosed
	case m.openErr != nil:
		return m.openErr
	case !m.present:
		return ErrNoCard
	case m.open:
		return nil
	}
	m.open = true
	m.opens++
	return nil
}

// ClosePhysicalChannel implements Transport
func (m *MockTransport) ClosePhysicalChannel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.open = false
	return nil
}

// IsPhysicalChannelOpen implements Transport
func (m *MockTransport) IsPhysicalChannelOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// ATR implements Transport
func (m *MockTransport) ATR() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return nil
	}
	return slices.Clone(m.atr)
}

// TransceiveAPDU implements Transport
func (m *MockTransport) TransceiveAPDU(apdu []byte) ([]byte, error) {
	m.mu.Lock()
	blockChan := m.blockChan
	blocking := m.blocking
	m.mu.Unlock()

	if blocking {
		<-blockChan
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrTransportClosed
	}
	m.commands = append(m.commands, slices.Clone(apdu))
	m.exchanges++
	if m.exchanges == m.failAt {
		return nil, m.failErr
	}
	if !m.present {
		return nil, NewIOError("TransceiveAPDU", "mock", ErrNoCard)
	}
	if m.ResponseFunc != nil {
		return m.ResponseFunc(apdu)
	}
	if reply, ok := m.responses[FormatHex(apdu)]; ok {
		return slices.Clone(reply), nil
	}
	return slices.Clone(swInsNotSupported), nil
}

// MatchesProtocol implements Transport. Unknown rules do not match.
func (m *MockTransport) MatchesProtocol(rule string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return false, fmt.Errorf("matching %q: %w", rule, ErrNoCard)
	}
	return m.protocols[rule], nil
}

// IsContactless implements ContactlessReporter
func (m *MockTransport) IsContactless() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contactless
}

// Close unblocks all exchanges and marks the transport as closed
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.blockChan)
	}
	return nil
}

// Type returns TransportMock
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// waitFor blocks until the card presence equals want
func (m *MockTransport) waitFor(ctx context.Context, want bool) error {
	for {
		m.mu.Lock()
		if m.present == want {
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// MockWaitingTransport is a MockTransport that can also wait for cards,
// letting readers use the native and smart monitoring strategies
type MockWaitingTransport struct {
	*MockTransport
}

// NewMockWaitingTransport creates a waiting mock with a card holding atr
// already inserted
func NewMockWaitingTransport(atr []byte) *MockWaitingTransport {
	return &MockWaitingTransport{MockTransport: NewMockTransport(atr)}
}

// WaitForCardPresent implements InsertionWaiter
func (m *MockWaitingTransport) WaitForCardPresent(ctx context.Context) error {
	return m.waitFor(ctx, true)
}

// WaitForCardAbsent implements RemovalWaiter
func (m *MockWaitingTransport) WaitForCardAbsent(ctx context.Context) error {
	return m.waitFor(ctx, false)
}
