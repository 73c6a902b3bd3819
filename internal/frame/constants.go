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

// Package frame encodes and decodes PN532 host interface frames
package frame

// Frame identifiers (TFI)
const (
	HostToPn532 = 0xD4
	Pn532ToHost = 0xD5
)

// Frame markers
const (
	Preamble   = 0x00
	StartCode1 = 0x00
	StartCode2 = 0xFF
	Postamble  = 0x00
)

// Size limits
const (
	// MaxFrameDataLength is the longest TFI+PD block an extended frame carries
	MaxFrameDataLength = 264
	// MaxNormalDataLength is the longest TFI+PD block of a normal frame
	MaxNormalDataLength = 255
	// MinFrameLength is preamble, start code, LEN, LCS, TFI and DCS
	MinFrameLength = 6
)

// errorFrameCode is the single payload byte of an application level error frame
const errorFrameCode = 0x7F

// ACK and NACK frames
var (
	AckFrame  = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}
	NackFrame = []byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00}
)
