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

package type4

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hsanjuan/go-ndef"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	seproxy "github.com/ZaparooProject/go-seproxy"
	sim "github.com/ZaparooProject/go-seproxy/internal/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTagReader puts tag in front of a reader
func newTagReader(t *testing.T, tag *sim.VirtualTag) (*seproxy.Reader, *seproxy.MockTransport) {
	t.Helper()
	tr := seproxy.NewMockTransport(seproxy.MustParseHex("3B8180018080"))
	tr.SetProtocol(string(seproxy.ProtocolISO14443_4), true)
	tr.SetResponseFunc(func(apdu []byte) ([]byte, error) {
		return tag.Transmit(apdu), nil
	})

	reader, err := seproxy.New(tr, seproxy.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })
	return reader, tr
}

func marshal(t *testing.T, msg *ndef.Message) []byte {
	t.Helper()
	b, err := msg.Marshal()
	require.NoError(t, err)
	return b
}

func countReads(apdus []string) int {
	n := 0
	for _, apdu := range apdus {
		if strings.HasPrefix(apdu, "00B0") {
			n++
		}
	}
	return n
}

func TestReadNDEF(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		wantReads int
	}{
		// CC, NLEN and one chunk
		{name: "Short", text: "hello world", wantReads: 3},
		// 300 characters need six chunks of MLe 0x3B
		{name: "Chunked", text: strings.Repeat("zaparoo ", 38)[:300], wantReads: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tag := sim.NewVirtualType4(nil, marshal(t, ndef.NewTextMessage(tt.text, "en")))
			reader, _ := newTagReader(t, tag)

			msg, err := ReadNDEF(context.Background(), reader, seproxy.KeepOpen)
			require.NoError(t, err)
			require.Len(t, msg.Records, 1)
			payload, err := msg.Records[0].Payload()
			require.NoError(t, err)
			assert.Contains(t, payload.String(), tt.text)
			assert.Equal(t, tt.wantReads, countReads(tag.APDUs()))
		})
	}
}

func TestReadNDEF_CloseAfter(t *testing.T) {
	t.Parallel()
	tag := sim.NewVirtualType4(nil, marshal(t, ndef.NewURIMessage("https://zaparoo.org")))
	reader, tr := newTagReader(t, tag)

	msg, err := ReadNDEF(context.Background(), reader, seproxy.CloseAfter)
	require.NoError(t, err)
	require.Len(t, msg.Records, 1)
	assert.False(t, tr.IsPhysicalChannelOpen())
}

func TestReadRaw_Errors(t *testing.T) {
	t.Parallel()

	t.Run("NoApplication", func(t *testing.T) {
		t.Parallel()
		reader, _ := newTagReader(t, sim.NewVirtualMIFARE1K(nil))
		_, err := ReadRaw(context.Background(), reader, seproxy.KeepOpen)
		require.ErrorIs(t, err, ErrNoNDEF)
	})

	t.Run("EmptyMessage", func(t *testing.T) {
		t.Parallel()
		reader, _ := newTagReader(t, sim.NewVirtualType4(nil, nil))
		_, err := ReadRaw(context.Background(), reader, seproxy.KeepOpen)
		require.ErrorIs(t, err, ErrEmptyMessage)
	})

	t.Run("MissingNDEFFile", func(t *testing.T) {
		t.Parallel()
		tag := sim.NewVirtualType4(nil, []byte{0xD0, 0x00, 0x00})
		require.NoError(t, tag.SetResponse("00A4000C02E104", "6A82"))
		reader, _ := newTagReader(t, tag)
		_, err := ReadRaw(context.Background(), reader, seproxy.KeepOpen)
		require.ErrorIs(t, err, ErrCommandFailed)
	})

	t.Run("CardGone", func(t *testing.T) {
		t.Parallel()
		reader, tr := newTagReader(t, sim.NewVirtualType4(nil, []byte{0xD0, 0x00, 0x00}))
		tr.RemoveCard()
		_, err := ReadRaw(context.Background(), reader, seproxy.KeepOpen)
		require.Error(t, err)
	})
}

func TestParseCapabilityContainer(t *testing.T) {
	t.Parallel()

	valid := "000F20003B00340406E10408000000"
	cc, err := ParseCapabilityContainer(seproxy.MustParseHex(valid))
	require.NoError(t, err)
	assert.Equal(t, &CapabilityContainer{
		Version:          0x20,
		MaxReadLength:    0x3B,
		MaxCommandLength: 0x34,
		FileID:           0xE104,
		MaxSize:          0x0800,
	}, cc)

	for name, raw := range map[string]string{
		"Short":         "000F20003B",
		"NoFileTLV":     "000F20003B00340506E10408000000",
		"ZeroMLe":       "000F20000000340406E10408000000",
		"ReadProtected": "000F20003B00340406E10408008000",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseCapabilityContainer(seproxy.MustParseHex(raw))
			require.ErrorIs(t, err, ErrInvalidCC)
		})
	}
}
