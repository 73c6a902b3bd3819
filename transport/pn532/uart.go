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
	"io"
	"sync"
	"time"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/internal/frame"
	"github.com/ZaparooProject/go-seproxy/internal/transport"
	"go.bug.st/serial"
)

const (
	// UARTBaudRate is the PN532 HSU default speed
	UARTBaudRate = 115200

	uartPollTimeout = 10 * time.Millisecond
)

// wakeUp brings the chip out of power down before the first command
var wakeUp = []byte{
	0x55, 0x55, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// serialPort is the part of serial.Port the link uses
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// UARTLink talks to a PN532 over its high speed UART
type UARTLink struct {
	port     serialPort
	portName string
	pending  []byte
	timeout  time.Duration
	mu       sync.Mutex
	awake    bool
}

// OpenUART opens a serial port at UARTBaudRate
func OpenUART(portName string) (*UARTLink, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: UARTBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open serial port %s: %w", seproxy.ErrReaderNotFound, portName, err)
	}
	link, err := newUARTLink(port, portName)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return link, nil
}

func newUARTLink(port serialPort, portName string) (*UARTLink, error) {
	if err := port.SetReadTimeout(uartPollTimeout); err != nil {
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}
	return &UARTLink{port: port, portName: portName, timeout: DefaultTimeout}, nil
}

// SendCommand writes a command frame, waits for the ACK and reads the
// response, NACKing corrupted frames
func (l *UARTLink) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	frm, err := frame.BuildCommand(cmd, args)
	if err != nil {
		return nil, seproxy.NewTransportError("sendFrame", l.portName,
			fmt.Errorf("%w: %w", seproxy.ErrInvalidParameter, err), seproxy.ErrorTypePermanent)
	}
	if !l.awake {
		frm = append(append([]byte{}, wakeUp...), frm...)
	}
	_ = l.port.ResetInputBuffer()
	l.pending = l.pending[:0]
	if err := l.write(frm); err != nil {
		return nil, err
	}
	l.awake = true

	if err := l.waitAck(ctx); err != nil {
		return nil, err
	}
	return transport.WithRetry(ctx, transport.RetryConfig{
		Description: "receiveFrame",
		Port:        l.portName,
		MaxRetries:  maxNacks,
		OnRetry:     l.sendNack,
	}, l.receiveFrame)
}

// SetTimeout sets how long to wait for the ACK and for the response
func (l *UARTLink) SetTimeout(timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = timeout
	return nil
}

// Port returns the serial port name
func (l *UARTLink) Port() string {
	return l.portName
}

// Close closes the serial port
func (l *UARTLink) Close() error {
	if err := l.port.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", l.portName, err)
	}
	return nil
}

func (l *UARTLink) write(data []byte) error {
	if _, err := l.port.Write(data); err != nil {
		l.awake = false
		return seproxy.NewIOError("write", l.portName, fmt.Errorf("%w: %w", seproxy.ErrTransportWrite, err))
	}
	return nil
}

// fill reads what the port has within one poll period into pending
func (l *UARTLink) fill() error {
	buf := make([]byte, 64)
	n, err := l.port.Read(buf)
	if err != nil {
		return seproxy.NewIOError("read", l.portName, fmt.Errorf("%w: %w", seproxy.ErrTransportRead, err))
	}
	l.pending = append(l.pending, buf[:n]...)
	return nil
}

func (l *UARTLink) waitAck(ctx context.Context) error {
	_, err := transport.TimeoutRetry(ctx, transport.RetryConfig{Description: "waitAck", Port: l.portName}, l.timeout,
		func(context.Context) (struct{}, bool, error) {
			if err := l.fill(); err != nil {
				return struct{}{}, false, err
			}
			rest, ok := frame.SplitAck(l.pending)
			if !ok {
				return struct{}{}, true, nil
			}
			l.pending = append(l.pending[:0], rest...)
			return struct{}{}, false, nil
		})
	if err != nil {
		l.awake = false
	}
	return err
}

// receiveFrame reads until one frame decodes; a corrupted frame asks for a
// retry
func (l *UARTLink) receiveFrame(ctx context.Context) ([]byte, bool, error) {
	data, err := transport.TimeoutRetry(ctx, transport.RetryConfig{Description: "receiveFrame", Port: l.portName},
		l.timeout, func(context.Context) ([]byte, bool, error) {
			data, _, err := frame.Decode(l.pending, frame.Pn532ToHost)
			if errors.Is(err, frame.ErrIncomplete) {
				return nil, true, l.fill()
			}
			return data, false, err
		})

	switch {
	case err == nil:
		return data, false, nil
	case errors.Is(err, frame.ErrChecksumMismatch), errors.Is(err, frame.ErrFrameCorrupted):
		l.pending = l.pending[:0]
		return nil, true, nil
	case errors.Is(err, frame.ErrApplication):
		return nil, false, seproxy.NewTransportError("receiveFrame", l.portName,
			fmt.Errorf("%w: %w", seproxy.ErrCommunicationFailed, err), seproxy.ErrorTypePermanent)
	default:
		return nil, false, err
	}
}

func (l *UARTLink) sendNack() error {
	return l.write(frame.NackFrame)
}

var _ Link = (*UARTLink)(nil)
