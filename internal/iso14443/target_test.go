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

package iso14443

import (
	"testing"

	seproxy "github.com/ZaparooProject/go-seproxy"
	sim "github.com/ZaparooProject/go-seproxy/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestTarget_ATR(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
		ats  []byte
		sak  byte
	}{
		{name: "MifareClassic1K", sak: 0x08, want: "3B8F8001804F0CA000000306030001000000006A"},
		{name: "Ultralight", sak: 0x00, want: "3B8F8001804F0CA0000003060300030000000068"},
		{name: "IsoDep", sak: 0x20, ats: sim.TestType4ATS, want: "3B8180018080"},
		// TL and T0 only: every byte after T0 is historical
		{name: "IsoDepNoInterfaceBytes", sak: 0x20, ats: []byte{0x04, 0x02, 0xAB, 0xCD}, want: "3B828001ABCD65"},
		{name: "IsoDepWithoutATS", sak: 0x20, want: "3B80800101"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tgt := &Target{SAK: tt.sak, ATS: tt.ats}
			assert.Equal(t, tt.want, seproxy.FormatHex(tgt.ATR()))
		})
	}
}

func TestTarget_Matches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule string
		sak  byte
		want bool
	}{
		{name: "AnyTypeA", rule: ProtocolISO14443A, sak: 0x08, want: true},
		{name: "IsoDep", rule: ProtocolISO14443_4, sak: 0x20, want: true},
		{name: "ClassicIsNotIsoDep", rule: ProtocolISO14443_4, sak: 0x08},
		{name: "Classic4K", rule: ProtocolMifareClassic, sak: 0x18, want: true},
		{name: "Ultralight", rule: ProtocolMifareUltralight, sak: 0x00, want: true},
		{name: "UnknownRule", rule: "ISO_7816_3", sak: 0x20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tgt := &Target{SAK: tt.sak}
			assert.Equal(t, tt.want, tgt.Matches(tt.rule))
		})
	}
}
