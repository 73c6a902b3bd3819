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

// Package type4 reads the NDEF message of NFC Forum type 4 tags through a
// seproxy reader.
package type4

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hsanjuan/go-ndef"

	seproxy "github.com/ZaparooProject/go-seproxy"
)

// ApplicationAID is the NDEF tag application
var ApplicationAID = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

const (
	capabilityContainerFile = 0xE103
	// ccReadLength covers the fixed part and the NDEF file control TLV
	ccReadLength = 0x0F
	ndefFileTLV  = 0x04
	// maxOffset is the largest offset READ BINARY can address
	maxOffset = 0x7FFF
)

var (
	// ErrNoNDEF is returned when the card has no NDEF application
	ErrNoNDEF = errors.New("no NDEF application")
	// ErrInvalidCC is returned for a malformed capability container
	ErrInvalidCC = errors.New("invalid capability container")
	// ErrEmptyMessage is returned when the NDEF file holds no message
	ErrEmptyMessage = errors.New("empty NDEF message")
	// ErrCommandFailed is returned when the card rejects a command
	ErrCommandFailed = errors.New("type 4 command failed")
)

// Processor sends requests to a card, as *seproxy.Reader does
type Processor interface {
	ProcessRequest(ctx context.Context, req *seproxy.Request, control seproxy.ChannelControl) (*seproxy.Response, error)
}

// Selector matches the ISO 14443-4 cards that can carry a type 4 NDEF
// application. It can be used in a default selection. The application itself
// is selected by ReadRaw with a plain SELECT, since type 4 tags answer it
// without FCI.
func Selector() *seproxy.CardSelector {
	return &seproxy.CardSelector{Protocol: seproxy.ProtocolISO14443_4}
}

// CapabilityContainer describes the NDEF file of a tag
type CapabilityContainer struct {
	MaxReadLength    uint16
	MaxCommandLength uint16
	FileID           uint16
	MaxSize          uint16
	Version          byte
	ReadAccess       byte
	WriteAccess      byte
}

// ParseCapabilityContainer decodes the CC file
func ParseCapabilityContainer(b []byte) (*CapabilityContainer, error) {
	if len(b) < ccReadLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCC, len(b))
	}
	if b[7] != ndefFileTLV || b[8] < 6 {
		return nil, fmt.Errorf("%w: no NDEF file control TLV", ErrInvalidCC)
	}
	cc := &CapabilityContainer{
		Version:          b[2],
		MaxReadLength:    binary.BigEndian.Uint16(b[3:5]),
		MaxCommandLength: binary.BigEndian.Uint16(b[5:7]),
		FileID:           binary.BigEndian.Uint16(b[9:11]),
		MaxSize:          binary.BigEndian.Uint16(b[11:13]),
		ReadAccess:       b[13],
		WriteAccess:      b[14],
	}
	if cc.MaxReadLength == 0 {
		return nil, fmt.Errorf("%w: MLe is zero", ErrInvalidCC)
	}
	if cc.ReadAccess != 0x00 {
		return nil, fmt.Errorf("%w: NDEF file read access %#02x", ErrInvalidCC, cc.ReadAccess)
	}
	return cc, nil
}

// ReadNDEF reads and parses the NDEF message of the card
func ReadNDEF(ctx context.Context, p Processor, control seproxy.ChannelControl) (*ndef.Message, error) {
	raw, err := ReadRaw(ctx, p, control)
	if err != nil {
		return nil, err
	}
	msg := &ndef.Message{}
	if _, err := msg.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("failed to parse NDEF message: %w", err)
	}
	return msg, nil
}

// ReadRaw reads the NDEF message bytes. control is applied once the whole
// message has been read; after a failure the channels are left as the
// reader left them.
func ReadRaw(ctx context.Context, p Processor, control seproxy.ChannelControl) ([]byte, error) {
	resp, err := p.ProcessRequest(ctx, &seproxy.Request{
		Selector: Selector(),
		Apdus: []seproxy.ApduRequest{
			selectApplication(),
			selectFile("selectCC", capabilityContainerFile),
			readBinary("readCC", 0, ccReadLength),
		},
	}, seproxy.KeepOpen)
	if err != nil {
		return nil, err
	}
	if !resp.Matched() {
		return nil, ErrNoNDEF
	}
	if len(resp.Apdus) > 0 && !resp.Apdus[0].IsSuccessful() {
		return nil, fmt.Errorf("%w: application select answered %s", ErrNoNDEF, resp.Apdus[0].StatusWord())
	}
	data, err := collect(resp)
	if err != nil {
		return nil, err
	}
	cc, err := ParseCapabilityContainer(data[2])
	if err != nil {
		return nil, err
	}

	resp, err = p.ProcessRequest(ctx, &seproxy.Request{
		Apdus: []seproxy.ApduRequest{
			selectFile("selectNDEF", cc.FileID),
			readBinary("readNLEN", 0, 2),
		},
	}, seproxy.KeepOpen)
	if err != nil {
		return nil, err
	}
	data, err = collect(resp)
	if err != nil {
		return nil, err
	}
	if len(data[1]) != 2 {
		return nil, fmt.Errorf("%w: NLEN of %d bytes", ErrCommandFailed, len(data[1]))
	}
	length := int(binary.BigEndian.Uint16(data[1]))
	if length+2 > int(cc.MaxSize) || length+2 > maxOffset {
		return nil, fmt.Errorf("%w: NLEN %d exceeds file size %d", ErrInvalidCC, length, cc.MaxSize)
	}

	chunk := int(min(cc.MaxReadLength, 0xFF))
	var reads []seproxy.ApduRequest
	for offset := 2; offset < length+2; offset += chunk {
		reads = append(reads, readBinary("readNDEF", offset, min(chunk, length+2-offset)))
	}
	resp, err = p.ProcessRequest(ctx, &seproxy.Request{Apdus: reads}, control)
	if err != nil {
		return nil, err
	}
	data, err = collect(resp)
	if err != nil {
		return nil, err
	}

	message := make([]byte, 0, length)
	for _, part := range data {
		message = append(message, part...)
	}
	if len(message) != length {
		return nil, fmt.Errorf("%w: read %d of %d bytes", ErrCommandFailed, len(message), length)
	}
	if length == 0 {
		return nil, ErrEmptyMessage
	}
	return message, nil
}

// collect returns the data of every response, failing on the first
// rejected command
func collect(resp *seproxy.Response) ([][]byte, error) {
	data := make([][]byte, 0, len(resp.Apdus))
	for _, apdu := range resp.Apdus {
		if !apdu.IsSuccessful() {
			return nil, fmt.Errorf("%w: status %s", ErrCommandFailed, apdu.StatusWord())
		}
		data = append(data, apdu.Data())
	}
	return data, nil
}

func selectApplication() seproxy.ApduRequest {
	apdu := []byte{0x00, 0xA4, 0x04, 0x00, byte(len(ApplicationAID))}
	apdu = append(apdu, ApplicationAID...)
	return seproxy.ApduRequest{
		Name:  "selectNDEFApplication",
		Bytes: append(apdu, 0x00),
	}
}

func selectFile(name string, id uint16) seproxy.ApduRequest {
	return seproxy.ApduRequest{
		Name:  name,
		Bytes: []byte{0x00, 0xA4, 0x00, 0x0C, 0x02, byte(id >> 8), byte(id)},
	}
}

func readBinary(name string, offset, length int) seproxy.ApduRequest {
	return seproxy.ApduRequest{
		Name:  name,
		Bytes: []byte{0x00, 0xB0, byte(offset >> 8), byte(offset), byte(length)},
	}
}
