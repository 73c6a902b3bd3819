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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/internal/frame"
	"github.com/ZaparooProject/go-seproxy/internal/transport"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// I2CAddress is the 7-bit PN532 address
	I2CAddress = 0x24

	i2cReady     = 0x01
	maxClockFreq = 400 * physic.KiloHertz
	// i2cReadSize fits the largest extended frame
	i2cReadSize = 8 + frame.MaxFrameDataLength + 2
	maxNacks    = 3
)

var errNotReady = errors.New("pn532 not ready")

// I2CLink talks to a PN532 on an I2C bus
type I2CLink struct {
	closer  func() error
	dev     *i2c.Dev
	busName string
	timeout time.Duration
	mu      sync.Mutex
}

// OpenI2C opens busName ("" for the first bus) and addresses the PN532
func OpenI2C(busName string) (*I2CLink, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open I2C bus %q: %w", seproxy.ErrReaderNotFound, busName, err)
	}
	// not every adapter can change speed; keep its default then
	_ = bus.SetSpeed(maxClockFreq)

	link := NewI2CLink(bus, busName)
	link.closer = bus.Close
	return link, nil
}

// NewI2CLink addresses the PN532 on an already open bus. The bus stays
// owned by the caller.
func NewI2CLink(bus i2c.Bus, busName string) *I2CLink {
	if busName == "" {
		busName = bus.String()
	}
	return &I2CLink{
		dev:     &i2c.Dev{Bus: bus, Addr: I2CAddress},
		busName: busName,
		timeout: DefaultTimeout,
	}
}

// SendCommand writes a command frame, waits for the ACK and reads the
// response, NACKing corrupted frames
func (l *I2CLink) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sendFrame(cmd, args); err != nil {
		return nil, err
	}
	if err := l.waitAck(ctx); err != nil {
		return nil, err
	}
	return transport.WithRetry(ctx, transport.RetryConfig{
		Description: "receiveFrame",
		Port:        l.busName,
		MaxRetries:  maxNacks,
		OnRetry:     l.sendNack,
	}, l.receiveFrame)
}

// SetTimeout sets how long to wait for the ACK and for the response
func (l *I2CLink) SetTimeout(timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = timeout
	return nil
}

// Port returns the bus name
func (l *I2CLink) Port() string {
	return l.busName
}

// Close closes the bus when OpenI2C opened it
func (l *I2CLink) Close() error {
	if l.closer == nil {
		return nil
	}
	closer := l.closer
	l.closer = nil
	return closer()
}

func (l *I2CLink) sendFrame(cmd byte, args []byte) error {
	frm, err := frame.BuildCommand(cmd, args)
	if err != nil {
		return seproxy.NewTransportError("sendFrame", l.busName,
			fmt.Errorf("%w: %w", seproxy.ErrInvalidParameter, err), seproxy.ErrorTypePermanent)
	}
	if err := l.dev.Tx(frm, nil); err != nil {
		return seproxy.NewIOError("sendFrame", l.busName, fmt.Errorf("%w: %w", seproxy.ErrTransportWrite, err))
	}
	return nil
}

// readReady reads n bytes after the ready byte. It returns errNotReady
// while the chip is busy.
func (l *I2CLink) readReady(n int) ([]byte, error) {
	buf := make([]byte, n+1)
	if err := l.dev.Tx(nil, buf); err != nil {
		return nil, seproxy.NewIOError("read", l.busName, fmt.Errorf("%w: %w", seproxy.ErrTransportRead, err))
	}
	if buf[0] != i2cReady {
		return nil, errNotReady
	}
	return buf[1:], nil
}

func (l *I2CLink) waitAck(ctx context.Context) error {
	_, err := transport.TimeoutRetry(ctx, transport.RetryConfig{Description: "waitAck", Port: l.busName}, l.timeout,
		func(context.Context) (struct{}, bool, error) {
			buf, err := l.readReady(len(frame.AckFrame))
			if errors.Is(err, errNotReady) {
				return struct{}{}, true, nil
			}
			if err != nil {
				return struct{}{}, false, err
			}
			if _, ok := frame.SplitAck(buf); !ok {
				return struct{}{}, false, seproxy.NewIOError("waitAck", l.busName,
					fmt.Errorf("%w: expected ACK, got % X", seproxy.ErrCommunicationFailed, buf))
			}
			return struct{}{}, false, nil
		})
	return err
}

// receiveFrame is one response read; a corrupted frame asks for a retry
func (l *I2CLink) receiveFrame(ctx context.Context) ([]byte, bool, error) {
	buf, err := transport.TimeoutRetry(ctx, transport.RetryConfig{Description: "receiveFrame", Port: l.busName},
		l.timeout, func(context.Context) ([]byte, bool, error) {
			buf, err := l.readReady(i2cReadSize)
			if errors.Is(err, errNotReady) {
				return nil, true, nil
			}
			return buf, false, err
		})
	if err != nil {
		return nil, false, err
	}

	data, _, err := frame.Decode(buf, frame.Pn532ToHost)
	switch {
	case err == nil:
		return data, false, nil
	case errors.Is(err, frame.ErrChecksumMismatch), errors.Is(err, frame.ErrFrameCorrupted),
		errors.Is(err, frame.ErrIncomplete):
		return nil, true, nil
	case errors.Is(err, frame.ErrApplication):
		return nil, false, seproxy.NewTransportError("receiveFrame", l.busName,
			fmt.Errorf("%w: %w", seproxy.ErrCommunicationFailed, err), seproxy.ErrorTypePermanent)
	default:
		return nil, false, seproxy.NewIOError("receiveFrame", l.busName, err)
	}
}

func (l *I2CLink) sendNack() error {
	if err := l.dev.Tx(frame.NackFrame, nil); err != nil {
		return seproxy.NewIOError("sendNack", l.busName, fmt.Errorf("%w: %w", seproxy.ErrTransportWrite, err))
	}
	return nil
}

var _ Link = (*I2CLink)(nil)
