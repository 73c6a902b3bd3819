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
	"fmt"

	"github.com/ZaparooProject/go-seproxy/internal/iso14443"
)

// Reader protocol names published by this back-end. Each name is also the
// rule MatchesProtocol understands.
const (
	ProtocolISO14443A        = iso14443.ProtocolISO14443A
	ProtocolISO14443_4       = iso14443.ProtocolISO14443_4
	ProtocolMifareClassic    = iso14443.ProtocolMifareClassic
	ProtocolMifareUltralight = iso14443.ProtocolMifareUltralight
)

// target is a card listed by InListPassiveTarget under logical number tg
type target struct {
	iso14443.Target
	tg byte
}

// parseTarget decodes an InListPassiveTarget payload. It returns nil when
// no card answered.
func parseTarget(payload []byte) (*target, error) {
	if len(payload) < 2 || payload[0] != cmdInListPassiveTarget+1 {
		return nil, fmt.Errorf("unexpected InListPassiveTarget response % X", payload)
	}
	if payload[1] == 0 {
		return nil, nil
	}
	if len(payload) < 7 {
		return nil, fmt.Errorf("short InListPassiveTarget response % X", payload)
	}

	uidLen := int(payload[6])
	if len(payload) < 7+uidLen {
		return nil, fmt.Errorf("truncated UID in InListPassiveTarget response % X", payload)
	}
	t := &target{
		tg: payload[2],
		Target: iso14443.Target{
			ATQA: [2]byte{payload[3], payload[4]},
			SAK:  payload[5],
			UID:  bytes.Clone(payload[7 : 7+uidLen]),
		},
	}
	if rest := payload[7+uidLen:]; len(rest) > 0 {
		t.ATS = bytes.Clone(rest[:min(int(rest[0]), len(rest))])
	}
	return t, nil
}
