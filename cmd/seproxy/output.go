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

package main

import (
	"fmt"
	"strings"

	"github.com/hsanjuan/go-ndef"

	seproxy "github.com/ZaparooProject/go-seproxy"
)

func printEvent(ev seproxy.ReaderEvent) {
	_, _ = fmt.Printf("[%s] %s session=%s\n", ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.SessionID)
	for _, resp := range ev.Responses {
		if resp == nil || resp.Selection == nil {
			continue
		}
		_, _ = fmt.Printf("  ATR: %s\n", seproxy.FormatHex(resp.Selection.ATR))
		if fci := resp.Selection.FCI.Bytes(); len(fci) > 0 {
			_, _ = fmt.Printf("  FCI: %s\n", seproxy.FormatHex(fci))
		}
	}
}

func printMessage(msg *ndef.Message) {
	_, _ = fmt.Printf("  NDEF: %d record(s)\n", len(msg.Records))
	for i, record := range msg.Records {
		payload, err := record.Payload()
		if err != nil {
			_, _ = fmt.Printf("  [%d] %s: %v\n", i, record.Type(), err)
			continue
		}
		_, _ = fmt.Printf("  [%d] %s: %s\n", i, record.Type(), strings.TrimSpace(payload.String()))
	}
}
