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

import "fmt"

// Request is an ordered list of APDUs with an optional selector
type Request struct {
	Selector *CardSelector
	Apdus    []ApduRequest
}

// SelectionStatus is the outcome of opening a logical channel
type SelectionStatus struct {
	ATR     []byte
	FCI     ApduResponse
	Matched bool
}

// Response is the result of processing one Request. Apdus never holds more
// entries than the request had; it is shorter when processing was interrupted.
type Response struct {
	Selection             *SelectionStatus
	Apdus                 []ApduResponse
	LogicalChannelOpen    bool
	ChannelPreviouslyOpen bool
}

// Matched reports whether the selection of this response succeeded
func (r *Response) Matched() bool {
	return r != nil && r.Selection != nil && r.Selection.Matched
}

func (r *Response) String() string {
	if r == nil {
		return "Response{nil}"
	}
	return fmt.Sprintf("Response{open=%t, previouslyOpen=%t, matched=%t, apdus=%d}",
		r.LogicalChannelOpen, r.ChannelPreviouslyOpen, r.Matched(), len(r.Apdus))
}

// MultiRequestProcessing controls how a request set is walked
type MultiRequestProcessing int

const (
	// FirstMatch stops at the first request that leaves a logical channel open
	FirstMatch MultiRequestProcessing = iota
	// ProcessAll processes every request, closing the logical channel in between
	ProcessAll
)

func (m MultiRequestProcessing) String() string {
	if m == ProcessAll {
		return "PROCESS_ALL"
	}
	return "FIRST_MATCH"
}

// ChannelControl is applied once all requests of a call are processed
type ChannelControl int

const (
	KeepOpen ChannelControl = iota
	CloseAfter
)

func (c ChannelControl) String() string {
	if c == CloseAfter {
		return "CLOSE_AFTER"
	}
	return "KEEP_OPEN"
}

// NotificationMode controls which insertion outcomes are notified when a
// default selection is configured
type NotificationMode int

const (
	// NotifyAlways notifies SE_MATCHED or SE_INSERTED on every insertion
	NotifyAlways NotificationMode = iota
	// NotifyMatchedOnly notifies only when the default selection matched
	NotifyMatchedOnly
)

func (n NotificationMode) String() string {
	if n == NotifyMatchedOnly {
		return "MATCHED_ONLY"
	}
	return "ALWAYS"
}

// DefaultSelection is processed automatically on every card insertion
type DefaultSelection struct {
	Requests []*Request
	Mode     MultiRequestProcessing
	Control  ChannelControl
}
