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

// Package pn532 drives a PN532 contactless frontend as a seproxy reader
// back-end. The chip is reached through a Link; I2C and UART links are
// provided.
package pn532

import (
	"context"
	"time"
)

// Link carries PN532 commands to the chip
type Link interface {
	// SendCommand sends cmd with its parameters and returns the response
	// payload following the response TFI, starting with cmd+1
	SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error)

	// SetTimeout bounds how long a command may wait for the chip
	SetTimeout(timeout time.Duration) error

	// Port names the underlying bus or device
	Port() string

	Close() error
}

// Command codes
const (
	cmdDiagnose            = 0x00
	cmdGetFirmwareVersion  = 0x02
	cmdSAMConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

const (
	diagnoseCardPresence = 0x06
	rfConfigMaxRetries   = 0x05
	baudRate106TypeA     = 0x00
	statusTimeout        = 0x01
	// maxApduLength is the largest InDataExchange data block
	maxApduLength = 262
)
