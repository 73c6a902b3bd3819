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
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ZaparooProject/go-seproxy/internal/frame"
)

// VirtualChip is a PN532 with at most one card in its field. It answers
// commands at payload level through Process and SendCommand, and at frame
// level through HandleFrame.
type VirtualChip struct {
	tag      *VirtualTag
	failures map[byte]error
	commands []byte
	pending  [][]byte
	last     []byte
	mu       sync.Mutex
	active   bool
	closed   bool
	corrupt  int
}

// NewVirtualChip creates a chip with an empty field
func NewVirtualChip() *VirtualChip {
	return &VirtualChip{failures: make(map[byte]error)}
}

// Insert places tag in the field
func (c *VirtualChip) Insert(tag *VirtualTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag.Reset()
	c.tag = tag
	c.active = false
}

// Remove takes the card out of the field
func (c *VirtualChip) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tag = nil
	c.active = false
}

// Fail makes SendCommand return err for cmd until cleared with a nil error
func (c *VirtualChip) Fail(cmd byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, cmd)
		return
	}
	c.failures[cmd] = err
}

// CorruptResponses makes the next n response frames fail their checksum
func (c *VirtualChip) CorruptResponses(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrupt = n
}

// Commands returns the command codes received so far
func (c *VirtualChip) Commands() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.commands...)
}

// Process answers one command with the payload following the response TFI,
// or nil when the command is unknown
func (c *VirtualChip) Process(cmd byte, args []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)

	switch cmd {
	case CmdGetFirmwareVersion:
		return BuildFirmwareVersionResponse()
	case CmdSAMConfiguration, CmdRFConfiguration:
		return []byte{cmd + 1}
	case CmdInListPassiveTarget:
		if c.tag == nil {
			return BuildNoTargetResponse()
		}
		if !c.active {
			c.tag.Reset()
		}
		c.active = true
		return BuildTargetResponse(c.tag.ATQA, c.tag.SAK, c.tag.UID, c.tag.ATS)
	case CmdInDataExchange:
		if c.tag == nil || !c.active || len(args) < 1 {
			return BuildDataExchangeResponse(StatusTimeout, nil)
		}
		return BuildDataExchangeResponse(StatusOK, c.tag.Transmit(args[1:]))
	case CmdInRelease:
		c.active = false
		return BuildStatusResponse(cmd, StatusOK)
	case CmdDiagnose:
		if len(args) == 0 || args[0] != DiagnoseCardPresence {
			return nil
		}
		if c.tag != nil && c.active && c.tag.ATS != nil {
			return BuildStatusResponse(cmd, StatusOK)
		}
		return BuildStatusResponse(cmd, StatusTimeout)
	default:
		return nil
	}
}

// SendCommand answers like a link to a real chip
func (c *VirtualChip) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	err := c.failures[cmd]
	c.mu.Unlock()
	if closed {
		return nil, errors.New("virtual chip closed")
	}
	if err != nil {
		return nil, err
	}
	response := c.Process(cmd, args)
	if response == nil {
		return nil, frame.ErrApplication
	}
	return response, nil
}

// SetTimeout is accepted and ignored
func (*VirtualChip) SetTimeout(time.Duration) error {
	return nil
}

// Port names the chip
func (*VirtualChip) Port() string {
	return "virtual"
}

// Close shuts the chip down
func (c *VirtualChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// HandleFrame consumes bytes written by the host. A command frame is ACKed
// and its response queued; a NACK queues the last response again.
func (c *VirtualChip) HandleFrame(w []byte) {
	if bytes.HasSuffix(w, frame.NackFrame) {
		c.mu.Lock()
		if c.last != nil {
			c.pending = append(c.pending, c.last)
		}
		c.mu.Unlock()
		return
	}

	payload, _, err := frame.Decode(w, frame.HostToPn532)
	if err != nil || len(payload) == 0 {
		return
	}
	response := c.Process(payload[0], payload[1:])

	out := BuildErrorFrame()
	if response != nil {
		out = BuildResponseFrame(response)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = out
	if c.corrupt > 0 {
		c.corrupt--
		out = append([]byte(nil), out...)
		out[len(out)-2]++
	}
	c.pending = append(c.pending, frame.AckFrame, out)
}

// NextFrame pops the next frame the chip wants to send, or nil
func (c *VirtualChip) NextFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	return next
}
