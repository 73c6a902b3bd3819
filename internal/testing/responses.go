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

// Package testing simulates a PN532 and the cards in its field
package testing

import "github.com/ZaparooProject/go-seproxy/internal/frame"

// Command bytes understood by the virtual chip
const (
	CmdDiagnose            = 0x00
	CmdGetFirmwareVersion  = 0x02
	CmdSAMConfiguration    = 0x14
	CmdRFConfiguration     = 0x32
	CmdInDataExchange      = 0x40
	CmdInListPassiveTarget = 0x4A
	CmdInRelease           = 0x52
)

// Diagnose test numbers and InDataExchange status codes
const (
	DiagnoseCardPresence = 0x06
	StatusOK             = 0x00
	StatusTimeout        = 0x01
)

// Common UIDs for testing
var (
	TestNTAG213UID   = []byte{0x04, 0xAB, 0xCD, 0xEF, 0x12, 0x34, 0x56}
	TestMIFARE1KUID  = []byte{0x12, 0x34, 0x56, 0x78}
	TestType4UID     = []byte{0x04, 0x51, 0x6A, 0x92, 0xC4, 0x5D, 0x80}
	TestType4ATS     = []byte{0x06, 0x75, 0x77, 0x81, 0x02, 0x80}
	TestFirmwareInfo = []byte{0x32, 0x01, 0x06, 0x07}
)

// BuildFirmwareVersionResponse returns the GetFirmwareVersion payload of a
// PN532 v1.6
func BuildFirmwareVersionResponse() []byte {
	return append([]byte{CmdGetFirmwareVersion + 1}, TestFirmwareInfo...)
}

// BuildTargetResponse returns an InListPassiveTarget payload listing one
// 106 kbps type A target. ats is nil for cards without ISO 14443-4.
func BuildTargetResponse(atqa [2]byte, sak byte, uid, ats []byte) []byte {
	response := []byte{CmdInListPassiveTarget + 1, 0x01, 0x01, atqa[0], atqa[1], sak, byte(len(uid))}
	response = append(response, uid...)
	return append(response, ats...)
}

// BuildNoTargetResponse returns an empty InListPassiveTarget payload
func BuildNoTargetResponse() []byte {
	return []byte{CmdInListPassiveTarget + 1, 0x00}
}

// BuildDataExchangeResponse returns an InDataExchange payload
func BuildDataExchangeResponse(status byte, data []byte) []byte {
	return append([]byte{CmdInDataExchange + 1, status}, data...)
}

// BuildStatusResponse returns the payload of commands answering with a
// single status byte
func BuildStatusResponse(cmd, status byte) []byte {
	return []byte{cmd + 1, status}
}

// BuildResponseFrame wraps a payload in a PN532 to host frame
func BuildResponseFrame(payload []byte) []byte {
	encoded, err := frame.Encode(frame.Pn532ToHost, payload)
	if err != nil {
		panic(err)
	}
	return encoded
}

// BuildErrorFrame returns the application level error frame
func BuildErrorFrame() []byte {
	return []byte{0x00, 0x00, 0xFF, 0x01, 0xFF, 0x7F, 0x81, 0x00}
}
