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

// Package iso14443 describes type A cards found by contactless frontends
// and the ATR a PC/SC reader would report for them.
package iso14443

// Reader protocol names. Each name is also the rule Matches understands.
const (
	ProtocolISO14443A        = "ISO_14443_3A"
	ProtocolISO14443_4       = "ISO_14443_4"
	ProtocolMifareClassic    = "MIFARE_CLASSIC"
	ProtocolMifareUltralight = "MIFARE_ULTRALIGHT"
)

// Protocols maps every protocol name to itself
func Protocols() map[string]string {
	return map[string]string{
		ProtocolISO14443A:        ProtocolISO14443A,
		ProtocolISO14443_4:       ProtocolISO14443_4,
		ProtocolMifareClassic:    ProtocolMifareClassic,
		ProtocolMifareUltralight: ProtocolMifareUltralight,
	}
}

// Target is an activated type A card
type Target struct {
	UID  []byte
	ATS  []byte
	ATQA [2]byte
	SAK  byte
}

// IsoDep reports whether the card speaks ISO 14443-4
func (t *Target) IsoDep() bool {
	return t.SAK&0x20 != 0
}

// MifareClassic reports whether the SAK is one of a MIFARE Classic card
func (t *Target) MifareClassic() bool {
	switch t.SAK {
	case 0x08, 0x09, 0x18, 0x88:
		return true
	default:
		return false
	}
}

// Matches reports whether the card satisfies a protocol name
func (t *Target) Matches(rule string) bool {
	switch rule {
	case ProtocolISO14443A:
		return true
	case ProtocolISO14443_4:
		return t.IsoDep()
	case ProtocolMifareClassic:
		return t.MifareClassic()
	case ProtocolMifareUltralight:
		return t.SAK == 0x00
	default:
		return false
	}
}

// ATR builds the ATR a PC/SC contactless reader reports for the card
func (t *Target) ATR() []byte {
	if t.IsoDep() {
		hist := historicalBytes(t.ATS)
		atr := []byte{0x3B, 0x80 | byte(len(hist)), 0x80, 0x01}
		atr = append(atr, hist...)
		return append(atr, tck(atr))
	}

	name := t.standardName()
	atr := []byte{
		0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C,
		0xA0, 0x00, 0x00, 0x03, 0x06, // registered application provider
		0x03, // ISO 14443 A part 3
		name[0], name[1],
		0x00, 0x00, 0x00, 0x00,
	}
	return append(atr, tck(atr))
}

func (t *Target) standardName() [2]byte {
	switch t.SAK {
	case 0x08, 0x88:
		return [2]byte{0x00, 0x01}
	case 0x18:
		return [2]byte{0x00, 0x02}
	case 0x09:
		return [2]byte{0x00, 0x26}
	case 0x00:
		return [2]byte{0x00, 0x03}
	default:
		return [2]byte{}
	}
}

// historicalBytes skips TL, T0 and the interface bytes T0 announces
func historicalBytes(ats []byte) []byte {
	if len(ats) < 2 {
		return nil
	}
	t0 := ats[1]
	i := 2
	for _, bit := range []byte{0x10, 0x20, 0x40} {
		if t0&bit != 0 {
			i++
		}
	}
	if i >= len(ats) {
		return nil
	}
	return ats[i:min(len(ats), i+15)]
}

// tck is the XOR of every ATR byte after TS
func tck(atr []byte) byte {
	var x byte
	for _, b := range atr[1:] {
		x ^= b
	}
	return x
}
