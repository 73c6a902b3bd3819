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
	"maps"
	"slices"
)

// ActivateProtocol makes cards detected with the reader protocol
// readerProtocol match selectors asking for protocol
func (r *Reader) ActivateProtocol(readerProtocol string, protocol SeProtocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.supported[readerProtocol]; !ok {
		return &ProtocolNotSupportedError{Reader: r.name, Protocol: readerProtocol}
	}
	r.active[readerProtocol] = protocol
	r.logger.Debug("protocol activated", "reader_protocol", readerProtocol, "protocol", protocol)
	return nil
}

// DeactivateProtocol stops recognizing readerProtocol
func (r *Reader) DeactivateProtocol(readerProtocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.supported[readerProtocol]; !ok {
		return &ProtocolNotSupportedError{Reader: r.name, Protocol: readerProtocol}
	}
	delete(r.active, readerProtocol)
	r.logger.Debug("protocol deactivated", "reader_protocol", readerProtocol)
	return nil
}

// SupportedProtocols returns the reader protocol names that can be activated
func (r *Reader) SupportedProtocols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.supported))
}

// matchesProtocolLocked reports whether the card in the reader speaks the
// protocol requested by selector. A selector without protocol matches any
// card. A protocol no active reader protocol maps to never matches when it
// names a supported reader protocol, since that one was deactivated or
// remapped. Otherwise the protocol name itself is passed to the transport as
// the rule.
func (r *Reader) matchesProtocolLocked(selector *CardSelector) (bool, error) {
	if selector == nil || selector.Protocol == ProtocolAny {
		return true, nil
	}

	var rules []string
	for _, name := range slices.Sorted(maps.Keys(r.active)) {
		if r.active[name] == selector.Protocol {
			rules = append(rules, r.supported[name])
		}
	}
	if len(rules) == 0 {
		if _, ok := r.supported[string(selector.Protocol)]; ok {
			return false, nil
		}
		rules = []string{string(selector.Protocol)}
	}

	for _, rule := range rules {
		ok, err := r.transport.MatchesProtocol(rule)
		if err != nil {
			r.metrics.TransportError("matchesProtocol")
			return false, wrapTransportError("MatchesProtocol", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
