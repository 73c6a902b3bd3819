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
	"fmt"
	"regexp"
)

// SeProtocol names an application-level card protocol. The empty value
// matches any protocol.
type SeProtocol string

// Common protocol names
const (
	ProtocolAny           SeProtocol = ""
	ProtocolISO14443_4    SeProtocol = "ISO_14443_4"
	ProtocolISO14443_3A   SeProtocol = "ISO_14443_3A"
	ProtocolISO7816_3     SeProtocol = "ISO_7816_3"
	ProtocolMifareClassic SeProtocol = "MIFARE_CLASSIC"
	ProtocolMifareUL      SeProtocol = "MIFARE_ULTRALIGHT"
	ProtocolCalypsoB      SeProtocol = "CALYPSO_OLD_CARD_PRIME"
)

// FileOccurrence is the P2 occurrence bitmask of a select command
type FileOccurrence byte

const (
	OccurrenceFirst    FileOccurrence = 0x00
	OccurrenceLast     FileOccurrence = 0x01
	OccurrenceNext     FileOccurrence = 0x02
	OccurrencePrevious FileOccurrence = 0x03
)

func (o FileOccurrence) String() string {
	switch o {
	case OccurrenceFirst:
		return "FIRST"
	case OccurrenceLast:
		return "LAST"
	case OccurrenceNext:
		return "NEXT"
	case OccurrencePrevious:
		return "PREVIOUS"
	default:
		return fmt.Sprintf("FileOccurrence(%#02x)", byte(o))
	}
}

// FileControlInformation is the P2 response-template bitmask of a select command
type FileControlInformation byte

const (
	FileControlFCI        FileControlInformation = 0x00
	FileControlFCP        FileControlInformation = 0x04
	FileControlFMD        FileControlInformation = 0x08
	FileControlNoResponse FileControlInformation = 0x0C
)

func (f FileControlInformation) String() string {
	switch f {
	case FileControlFCI:
		return "FCI"
	case FileControlFCP:
		return "FCP"
	case FileControlFMD:
		return "FMD"
	case FileControlNoResponse:
		return "NO_RESPONSE"
	default:
		return fmt.Sprintf("FileControlInformation(%#02x)", byte(f))
	}
}

// AtrFilter matches the upper-case hex ATR against a regular expression.
// The whole ATR string must match.
type AtrFilter struct {
	re      *regexp.Regexp
	pattern string
}

// NewAtrFilter compiles pattern into an ATR filter
func NewAtrFilter(pattern string) (*AtrFilter, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: atr filter %q: %w", ErrInvalidParameter, pattern, err)
	}
	return &AtrFilter{pattern: pattern, re: re}, nil
}

// MustAtrFilter is NewAtrFilter for constant patterns
func MustAtrFilter(pattern string) *AtrFilter {
	f, err := NewAtrFilter(pattern)
	if err != nil {
		panic(err)
	}
	return f
}

// Pattern returns the source expression
func (f *AtrFilter) Pattern() string {
	return f.pattern
}

// Matches reports whether atr satisfies the filter
func (f *AtrFilter) Matches(atr []byte) bool {
	return f.re.MatchString(FormatHex(atr))
}

// AidSelector selects an application by name
type AidSelector struct {
	AID []byte
	// SuccessfulStatusWords lists status words accepted for the select.
	// Empty means 9000 only.
	SuccessfulStatusWords []StatusWord
	Occurrence            FileOccurrence
	FileControl           FileControlInformation
}

// CardSelector describes how to select a card. AtrFilter and AidSelector are
// both optional. Protocol restricts the request to cards speaking that
// protocol.
type CardSelector struct {
	AtrFilter   *AtrFilter
	AidSelector *AidSelector
	Protocol    SeProtocol
}

func (s *CardSelector) String() string {
	if s == nil {
		return "CardSelector{nil}"
	}
	atr := "-"
	if s.AtrFilter != nil {
		atr = s.AtrFilter.Pattern()
	}
	aid := "-"
	if s.AidSelector != nil {
		aid = fmt.Sprintf("%s/%s/%s", FormatHex(s.AidSelector.AID), s.AidSelector.Occurrence, s.AidSelector.FileControl)
	}
	return fmt.Sprintf("CardSelector{protocol=%q, atr=%s, aid=%s}", s.Protocol, atr, aid)
}
