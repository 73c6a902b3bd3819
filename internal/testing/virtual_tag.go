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

package testing

import (
	"bytes"
	"encoding/hex"
	"strings"
	"sync"
)

// Type 4 tag file system identifiers
var (
	NDEFApplicationAID = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}
)

const (
	CapabilityContainerFile = 0xE103
	NDEFFile                = 0xE104

	// maxNDEFSize is advertised in the capability container
	maxNDEFSize = 0x0800
	// maxReadLength (MLe) is advertised in the capability container
	maxReadLength = 0x3B
)

var (
	swOK               = []byte{0x90, 0x00}
	swWrongLength      = []byte{0x67, 0x00}
	swNoFileSelected   = []byte{0x69, 0x86}
	swFileNotFound     = []byte{0x6A, 0x82}
	swWrongP1P2        = []byte{0x6A, 0x86}
	swOffsetOutOfRange = []byte{0x6B, 0x00}
	swInsNotSupported  = []byte{0x6D, 0x00}
)

// VirtualTag is a simulated ISO 14443 type A card. Type 4 tags answer
// SELECT and READ BINARY on their NDEF file system; every tag can also be
// given scripted APDU replies.
type VirtualTag struct {
	files       map[uint16][]byte
	scripted    map[string][]byte
	Type        string
	UID         []byte
	ATS         []byte
	apdus       []string
	ATQA        [2]byte
	mu          sync.Mutex
	selected    uint16
	SAK         byte
	appSelected bool
}

// NewVirtualTag creates a tag with explicit anticollision data
func NewVirtualTag(tagType string, uid []byte, atqa [2]byte, sak byte, ats []byte) *VirtualTag {
	return &VirtualTag{
		Type:     tagType,
		UID:      bytes.Clone(uid),
		ATQA:     atqa,
		SAK:      sak,
		ATS:      bytes.Clone(ats),
		scripted: make(map[string][]byte),
	}
}

// NewVirtualType4 creates an NFC Forum type 4 tag holding message
func NewVirtualType4(uid, message []byte) *VirtualTag {
	if uid == nil {
		uid = TestType4UID
	}
	tag := NewVirtualTag("TYPE4", uid, [2]byte{0x03, 0x44}, 0x20, TestType4ATS)
	tag.files = map[uint16][]byte{
		CapabilityContainerFile: {
			0x00, 0x0F, 0x20, 0x00, maxReadLength, 0x00, 0x34,
			0x04, 0x06, byte(NDEFFile >> 8), byte(NDEFFile & 0xFF),
			byte(maxNDEFSize >> 8), byte(maxNDEFSize & 0xFF), 0x00, 0x00,
		},
	}
	tag.SetNDEF(message)
	return tag
}

// NewVirtualNTAG213 creates an NTAG213, which does not speak ISO 14443-4
func NewVirtualNTAG213(uid []byte) *VirtualTag {
	if uid == nil {
		uid = TestNTAG213UID
	}
	return NewVirtualTag("NTAG213", uid, [2]byte{0x00, 0x44}, 0x00, nil)
}

// NewVirtualMIFARE1K creates a MIFARE Classic 1K
func NewVirtualMIFARE1K(uid []byte) *VirtualTag {
	if uid == nil {
		uid = TestMIFARE1KUID
	}
	return NewVirtualTag("MIFARE1K", uid, [2]byte{0x00, 0x04}, 0x08, nil)
}

// UIDString returns the UID as a hex string
func (v *VirtualTag) UIDString() string {
	return hex.EncodeToString(v.UID)
}

// SetNDEF replaces the NDEF file content of a type 4 tag
func (v *VirtualTag) SetNDEF(message []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.files == nil {
		return
	}
	file := make([]byte, 2, 2+len(message))
	file[0] = byte(len(message) >> 8)
	file[1] = byte(len(message))
	v.files[NDEFFile] = append(file, message...)
}

// SetResponse scripts the reply to one command. Both are hex strings.
func (v *VirtualTag) SetResponse(command, reply string) error {
	replyBytes, err := hex.DecodeString(reply)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scripted[strings.ToUpper(command)] = replyBytes
	return nil
}

// APDUs returns the commands received so far as upper case hex
func (v *VirtualTag) APDUs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.apdus...)
}

// Reset drops the application selection, as a fresh activation does
func (v *VirtualTag) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.appSelected = false
	v.selected = 0
}

// Transmit answers one APDU
func (v *VirtualTag) Transmit(apdu []byte) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	cmd := strings.ToUpper(hex.EncodeToString(apdu))
	v.apdus = append(v.apdus, cmd)
	if reply, ok := v.scripted[cmd]; ok {
		return bytes.Clone(reply)
	}
	if len(apdu) < 4 {
		return swWrongLength
	}
	if v.files == nil {
		return swInsNotSupported
	}

	switch apdu[1] {
	case 0xA4:
		return v.selectFile(apdu)
	case 0xB0:
		return v.readBinary(apdu)
	default:
		return swInsNotSupported
	}
}

func (v *VirtualTag) selectFile(apdu []byte) []byte {
	if len(apdu) < 5 || len(apdu) < 5+int(apdu[4]) {
		return swWrongLength
	}
	data := apdu[5 : 5+int(apdu[4])]

	switch apdu[2] {
	case 0x04:
		v.selected = 0
		v.appSelected = bytes.Equal(data, NDEFApplicationAID)
		if !v.appSelected {
			return swFileNotFound
		}
		return swOK
	case 0x00:
		if !v.appSelected || len(data) != 2 {
			return swFileNotFound
		}
		id := uint16(data[0])<<8 | uint16(data[1])
		if _, ok := v.files[id]; !ok {
			return swFileNotFound
		}
		v.selected = id
		return swOK
	default:
		return swWrongP1P2
	}
}

func (v *VirtualTag) readBinary(apdu []byte) []byte {
	if v.selected == 0 {
		return swNoFileSelected
	}
	if len(apdu) != 5 {
		return swWrongLength
	}
	file := v.files[v.selected]
	offset := int(apdu[2]&0x7F)<<8 | int(apdu[3])
	length := int(apdu[4])
	if length == 0 {
		length = 256
	}
	if offset > len(file) {
		return swOffsetOutOfRange
	}
	end := min(offset+length, len(file))
	reply := make([]byte, 0, end-offset+2)
	reply = append(reply, file[offset:end]...)
	return append(reply, swOK...)
}
