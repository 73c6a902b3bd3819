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

package pcsc

import (
	"fmt"
	"regexp"

	"github.com/ebfe/scard"

	seproxy "github.com/ZaparooProject/go-seproxy"
)

// Reader protocol names. Contactless ATRs follow PC/SC part 3.
const (
	ProtocolISO7816_3       = "ISO_7816_3"
	ProtocolISO7816_3T0     = "ISO_7816_3_T0"
	ProtocolISO7816_3T1     = "ISO_7816_3_T1"
	ProtocolISO14443_4      = "ISO_14443_4"
	ProtocolMifareClassic   = "MIFARE_CLASSIC"
	ProtocolMifareUL        = "MIFARE_ULTRALIGHT"
	ProtocolCalypsoOldCardB = "CALYPSO_OLD_CARD_PRIME"
)

// Rules matching the transmission protocol negotiated by Connect instead
// of the ATR
const (
	RuleT0 = "T=0"
	RuleT1 = "T=1"
)

// DefaultProtocols maps each reader protocol to its rule: an ATR regular
// expression over upper case hex, or RuleT0 and RuleT1
func DefaultProtocols() map[string]string {
	return map[string]string{
		ProtocolISO7816_3:       "3.*",
		ProtocolISO7816_3T0:     RuleT0,
		ProtocolISO7816_3T1:     RuleT1,
		ProtocolISO14443_4:      "3B8880....................|3B8B80.*|3B8C800150.*|.*4F4D4141544C4153.*",
		ProtocolMifareClassic:   "3B8F8001804F0CA000000306030001.*|3B8F8001804F0CA000000306030002.*",
		ProtocolMifareUL:        "3B8F8001804F0CA0000003060300030.*",
		ProtocolCalypsoOldCardB: "3B8F8001805A0A0103200311........829000..",
	}
}

// matchRule applies rule to a card. A rule that names a known reader
// protocol is replaced by that protocol's rule.
func matchRule(rules map[string]string, rule string, atr []byte, active scard.Protocol) (bool, error) {
	if named, ok := rules[rule]; ok {
		rule = named
	}

	switch rule {
	case RuleT0:
		return active == scard.ProtocolT0, nil
	case RuleT1:
		return active == scard.ProtocolT1, nil
	}

	re, err := regexp.Compile("^(?:" + rule + ")$")
	if err != nil {
		return false, fmt.Errorf("%w: ATR rule %q: %w", seproxy.ErrInvalidParameter, rule, err)
	}
	return re.MatchString(seproxy.FormatHex(atr)), nil
}
