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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	tests := getIsRetryableTestCases()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := IsRetryable(tt.err)
			if got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func getIsRetryableTestCases() []struct {
	err  error
	name string
	want bool
} {
	return []struct {
		err  error
		name string
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "transport timeout retryable",
			err:  ErrTransportTimeout,
			want: true,
		},
		{
			name: "transport read retryable",
			err:  ErrTransportRead,
			want: true,
		},
		{
			name: "transport write retryable",
			err:  ErrTransportWrite,
			want: true,
		},
		{
			name: "communication failed retryable",
			err:  ErrCommunicationFailed,
			want: true,
		},
		{
			name: "wrapped retryable sentinel",
			err:  fmt.Errorf("exchange: %w", ErrTransportRead),
			want: true,
		},
		{
			name: "no card not retryable",
			err:  ErrNoCard,
			want: false,
		},
		{
			name: "reader not found not retryable",
			err:  ErrReaderNotFound,
			want: false,
		},
		{
			name: "channel state not retryable",
			err:  &ChannelStateError{Reader: "r", Reason: "no channel"},
			want: false,
		},
		{
			name: "invalid parameter not retryable",
			err:  ErrInvalidParameter,
			want: false,
		},
		{
			name: "flattened retryable message",
			err:  errors.New("outer: " + ErrTransportTimeout.Error()),
			want: false,
		},
	}
}

func TestIsRetryable_TransportError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		transport *TransportError
		name      string
		want      bool
	}{
		{
			name: "transport error retryable=true",
			transport: &TransportError{
				Err:       errors.New("test error"),
				Op:        "TransceiveAPDU",
				Port:      "ACR122U",
				Type:      ErrorTypeTransient,
				Retryable: true,
			},
			want: true,
		},
		{
			name: "transport error retryable=false",
			transport: &TransportError{
				Err:       errors.New("test error"),
				Op:        "TransceiveAPDU",
				Port:      "ACR122U",
				Type:      ErrorTypeTransient,
				Retryable: false,
			},
			want: false,
		},
		{
			name: "transport error with retryable underlying error but retryable=false",
			transport: &TransportError{
				Err:       ErrTransportTimeout,
				Op:        "CheckPresence",
				Port:      "ACR122U",
				Type:      ErrorTypeTimeout,
				Retryable: false,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.transport))
		})
	}
}

func TestGetErrorType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		name string
		want ErrorType
	}{
		{name: "nil error", err: nil, want: ErrorTypePermanent},
		{name: "transport timeout", err: ErrTransportTimeout, want: ErrorTypeTimeout},
		{name: "transport read", err: ErrTransportRead, want: ErrorTypeTransient},
		{name: "transport write", err: ErrTransportWrite, want: ErrorTypeTransient},
		{name: "communication failed", err: ErrCommunicationFailed, want: ErrorTypeTransient},
		{name: "no card", err: ErrNoCard, want: ErrorTypePermanent},
		{name: "reader not found", err: ErrReaderNotFound, want: ErrorTypePermanent},
		{name: "unknown error", err: errors.New("unknown error"), want: ErrorTypePermanent},
		{name: "io error", err: NewIOError("TransceiveAPDU", "r", ErrTransportRead), want: ErrorTypeTransient},
		{name: "timeout error", err: NewTimeoutError("TransceiveAPDU", "r"), want: ErrorTypeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, GetErrorType(tt.err))
		})
	}
}

func TestErrorType_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "permanent", ErrorTypePermanent.String())
	assert.Equal(t, "transient", ErrorTypeTransient.String())
	assert.Equal(t, "timeout", ErrorTypeTimeout.String())
	assert.Equal(t, "unknown", ErrorType(42).String())
}

func TestNewTransportError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err       error
		name      string
		op        string
		port      string
		errType   ErrorType
		retryable bool
	}{
		{
			name:    "permanent",
			op:      "OpenPhysicalChannel",
			port:    "ACR122U",
			err:     errors.New("sharing violation"),
			errType: ErrorTypePermanent,
		},
		{
			name:      "empty port",
			op:        "TransceiveAPDU",
			port:      "",
			err:       errors.New("connection lost"),
			errType:   ErrorTypeTransient,
			retryable: true,
		},
		{
			name:      "timeout",
			op:        "TransceiveAPDU",
			port:      "pn532",
			err:       ErrTransportTimeout,
			errType:   ErrorTypeTimeout,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			te := NewTransportError(tt.op, tt.port, tt.err, tt.errType)

			assert.Equal(t, tt.op, te.Op)
			assert.Equal(t, tt.port, te.Port)
			require.ErrorIs(t, te, tt.err)
			assert.Equal(t, tt.errType, te.Type)
			assert.Equal(t, tt.retryable, te.Retryable)
		})
	}
}

func TestTransportError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		te   *TransportError
		want []string
	}{
		{
			name: "with port",
			te: &TransportError{
				Err:  errors.New("connection failed"),
				Op:   "TransceiveAPDU",
				Port: "ACR122U",
			},
			want: []string{"TransceiveAPDU", "ACR122U", "connection failed"},
		},
		{
			name: "without port",
			te: &TransportError{
				Err: errors.New("device busy"),
				Op:  "CheckPresence",
			},
			want: []string{"CheckPresence", "device busy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.te.Error()
			for _, substr := range tt.want {
				if !strings.Contains(got, substr) {
					t.Errorf("Error() = %q, should contain %q", got, substr)
				}
			}
		})
	}
}

func TestNewTimeoutError(t *testing.T) {
	t.Parallel()
	te := NewTimeoutError("TransceiveAPDU", "ACR122U")

	assert.Equal(t, "TransceiveAPDU", te.Op)
	assert.Equal(t, "ACR122U", te.Port)
	assert.Equal(t, ErrorTypeTimeout, te.Type)
	assert.True(t, te.Retryable)
	require.ErrorIs(t, te, ErrTransportTimeout)
}

func TestNewChannelOpenError(t *testing.T) {
	t.Parallel()

	t.Run("WithoutCause", func(t *testing.T) {
		t.Parallel()
		te := NewChannelOpenError("ACR122U", nil)
		require.ErrorIs(t, te, ErrChannelOpen)
		assert.True(t, te.Retryable)
	})

	t.Run("KeepsCause", func(t *testing.T) {
		t.Parallel()
		te := NewChannelOpenError("ACR122U", ErrNoCard)
		require.ErrorIs(t, te, ErrChannelOpen)
		require.ErrorIs(t, te, ErrNoCard)
	})

	t.Run("DoesNotDoubleWrap", func(t *testing.T) {
		t.Parallel()
		te := NewChannelOpenError("ACR122U", ErrChannelOpen)
		assert.Equal(t, 1, strings.Count(te.Error(), ErrChannelOpen.Error()))
	})
}

func TestReaderErrors(t *testing.T) {
	t.Parallel()

	var err error = &ChannelStateError{Reader: "r1", Reason: "no logical channel"}
	require.ErrorIs(t, err, ErrChannelState)
	assert.Contains(t, err.Error(), "r1")

	err = &ProtocolNotSupportedError{Reader: "r1", Protocol: "FELICA"}
	require.ErrorIs(t, err, ErrProtocolNotSupported)
	assert.Contains(t, err.Error(), "FELICA")

	pe := &PartialProcessingError{
		Err:      NewIOError("TransceiveAPDU", "r1", ErrTransportRead),
		Response: &Response{Apdus: []ApduResponse{NewApduResponse(MustParseHex("9000"), nil)}},
	}
	require.ErrorIs(t, pe, ErrTransportRead)
	assert.Contains(t, pe.Error(), "after 1 apdu")
}
