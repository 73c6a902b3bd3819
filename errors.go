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
	"errors"
	"fmt"
)

// Transport level errors
var (
	ErrTransportTimeout    = errors.New("transport timeout")
	ErrTransportRead       = errors.New("transport read failed")
	ErrTransportWrite      = errors.New("transport write failed")
	ErrCommunicationFailed = errors.New("communication with card failed")
	ErrNoCard              = errors.New("no card present")
	ErrReaderNotFound      = errors.New("reader not found")
	ErrChannelOpen         = errors.New("physical channel cannot be opened")
	ErrChannelClose        = errors.New("physical channel cannot be closed")
	ErrTransportClosed     = errors.New("transport closed")
)

// Reader level errors
var (
	ErrChannelState         = errors.New("illegal channel state")
	ErrProtocolNotSupported = errors.New("protocol not supported")
	ErrTimeout              = errors.New("monitoring timeout")
	ErrNoSelector           = errors.New("no card selector")
	ErrReaderClosed         = errors.New("reader closed")
	ErrInvalidParameter     = errors.New("invalid parameter")
)

// ErrorType classifies a transport failure
type ErrorType int

const (
	// ErrorTypePermanent errors will not go away by retrying
	ErrorTypePermanent ErrorType = iota
	// ErrorTypeTransient errors may succeed on a later attempt
	ErrorTypeTransient
	// ErrorTypeTimeout errors are transient errors caused by an elapsed deadline
	ErrorTypeTimeout
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TransportError is a physical read/write failure reported by a Transport.
// Port holds the reader or device name when known.
type TransportError struct {
	Err       error
	Op        string
	Port      string
	Type      ErrorType
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a transport error of the given type
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType != ErrorTypePermanent,
	}
}

// NewTimeoutError creates a retryable timeout error
func NewTimeoutError(op, port string) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       ErrTransportTimeout,
		Type:      ErrorTypeTimeout,
		Retryable: true,
	}
}

// NewIOError creates a transient read/write failure
func NewIOError(op, port string, err error) *TransportError {
	return NewTransportError(op, port, err, ErrorTypeTransient)
}

// NewChannelOpenError reports that the physical channel could not be opened
func NewChannelOpenError(port string, err error) *TransportError {
	if err == nil {
		err = ErrChannelOpen
	} else if !errors.Is(err, ErrChannelOpen) {
		err = fmt.Errorf("%w: %w", ErrChannelOpen, err)
	}
	return &TransportError{
		Op:        "openPhysicalChannel",
		Port:      port,
		Err:       err,
		Type:      ErrorTypeTransient,
		Retryable: true,
	}
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite),
		errors.Is(err, ErrCommunicationFailed):
		return true
	default:
		return false
	}
}

// GetErrorType returns the classification of err
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type
	}

	switch {
	case errors.Is(err, ErrTransportTimeout):
		return ErrorTypeTimeout
	case IsRetryable(err):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}

// ChannelStateError reports an illegal call sequence, such as transmitting
// without a selector while no logical channel is open.
type ChannelStateError struct {
	Reader string
	Reason string
}

func (e *ChannelStateError) Error() string {
	return fmt.Sprintf("reader %s: %s", e.Reader, e.Reason)
}

func (*ChannelStateError) Unwrap() error {
	return ErrChannelState
}

// ProtocolNotSupportedError is returned when activating or deactivating a
// protocol name that the reader does not know.
type ProtocolNotSupportedError struct {
	Reader   string
	Protocol string
}

func (e *ProtocolNotSupportedError) Error() string {
	return fmt.Sprintf("reader %s: protocol %q not supported", e.Reader, e.Protocol)
}

func (*ProtocolNotSupportedError) Unwrap() error {
	return ErrProtocolNotSupported
}

// PartialProcessingError is returned when a transport failure interrupts
// request processing. Response holds what the interrupted request collected;
// Responses holds every response of the call so far, the interrupted one last.
type PartialProcessingError struct {
	Err       error
	Response  *Response
	Responses []*Response
}

func (e *PartialProcessingError) Error() string {
	n := 0
	if e.Response != nil {
		n = len(e.Response.Apdus)
	}
	return fmt.Sprintf("processing interrupted after %d apdu response(s): %v", n, e.Err)
}

func (e *PartialProcessingError) Unwrap() error {
	return e.Err
}
