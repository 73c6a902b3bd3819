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
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// StatusWord is the two trailing bytes (SW1 SW2) of a card reply
type StatusWord uint16

// SWSuccess is the ISO 7816-4 normal processing status word
const SWSuccess StatusWord = 0x9000

func (sw StatusWord) String() string {
	return fmt.Sprintf("%04X", uint16(sw))
}

// ISO 7816-4 instruction bytes used internally
const (
	claISO          = 0x00
	insSelectFile   = 0xA4
	insGetResponse  = 0xC0
	insGetData      = 0xCA
	p1SelectByName  = 0x04
	fciTemplateTag  = 0x6F
	apduHeaderSize  = 5
	statusWordBytes = 2
)

var (
	// getResponseCommand recovers the data of a case-4 command and doubles as
	// the neutral ping sent by removal detection.
	getResponseCommand = []byte{claISO, insGetResponse, 0x00, 0x00, 0x00}
	// getDataFCICommand reads the FCI template (tag 6F)
	getDataFCICommand = []byte{claISO, insGetData, 0x00, fciTemplateTag, 0x00}
)

// ApduRequest is a single command sent to the card
type ApduRequest struct {
	// Name is used for logging only
	Name  string
	Bytes []byte
	// SuccessfulStatusWords lists accepted status words. Empty means 9000 only.
	SuccessfulStatusWords []StatusWord
	// Case4 marks a command that both sends and expects response data
	Case4 bool
}

// NewApduRequest creates a request accepting only 9000
func NewApduRequest(apdu []byte, case4 bool) ApduRequest {
	return ApduRequest{Bytes: apdu, Case4: case4}
}

// ParseApduRequest builds a request from a hex string, ignoring spaces
func ParseApduRequest(hexAPDU string, case4 bool) (ApduRequest, error) {
	apdu, err := ParseHex(hexAPDU)
	if err != nil {
		return ApduRequest{}, err
	}
	return NewApduRequest(apdu, case4), nil
}

func (r ApduRequest) String() string {
	if r.Name != "" {
		return fmt.Sprintf("%s: %s", r.Name, FormatHex(r.Bytes))
	}
	return FormatHex(r.Bytes)
}

// ApduResponse is a raw card reply: data followed by the status word
type ApduResponse struct {
	raw        []byte
	successful []StatusWord
}

// NewApduResponse wraps a raw reply against the accepted status words
func NewApduResponse(raw []byte, successful []StatusWord) ApduResponse {
	return ApduResponse{raw: raw, successful: successful}
}

// Bytes returns the raw reply including the status word
func (r ApduResponse) Bytes() []byte {
	return r.raw
}

// StatusWord returns the trailing two bytes, or zero for a short reply
func (r ApduResponse) StatusWord() StatusWord {
	if len(r.raw) < statusWordBytes {
		return 0
	}
	n := len(r.raw)
	return StatusWord(uint16(r.raw[n-2])<<8 | uint16(r.raw[n-1]))
}

// Data returns the reply without the status word
func (r ApduResponse) Data() []byte {
	if len(r.raw) < statusWordBytes {
		return nil
	}
	return r.raw[:len(r.raw)-statusWordBytes]
}

// IsSuccessful reports whether the status word is one of the accepted ones.
// An empty reply is never successful.
func (r ApduResponse) IsSuccessful() bool {
	if len(r.raw) < statusWordBytes {
		return false
	}
	sw := r.StatusWord()
	if len(r.successful) == 0 {
		return sw == SWSuccess
	}
	return slices.Contains(r.successful, sw)
}

// IsEmpty reports whether no reply bytes are held
func (r ApduResponse) IsEmpty() bool {
	return len(r.raw) == 0
}

func (r ApduResponse) String() string {
	return fmt.Sprintf("ApduResponse{sw=%s, data=%s, ok=%t}", r.StatusWord(), FormatHex(r.Data()), r.IsSuccessful())
}

// buildSelectApplication encodes 00 A4 04 P2 Lc AID 00
func buildSelectApplication(aid []byte, occurrence FileOccurrence, fci FileControlInformation) []byte {
	cmd := make([]byte, 0, apduHeaderSize+len(aid)+1)
	cmd = append(cmd,
		claISO,
		insSelectFile,
		p1SelectByName,
		byte(occurrence)|byte(fci),
		byte(len(aid)),
	)
	cmd = append(cmd, aid...)
	return append(cmd, 0x00)
}

// FormatHex returns the upper-case hex form of b
func FormatHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// ParseHex decodes a hex string. Spaces and colons are ignored.
func ParseHex(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex %q: %w", ErrInvalidParameter, s, err)
	}
	return b, nil
}

// MustParseHex is ParseHex for constants; it panics on invalid input
func MustParseHex(s string) []byte {
	b, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return b
}
