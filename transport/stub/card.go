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

// Package stub simulates a reader and the cards inserted in it. Cards
// answer APDUs from a hex script, so applications can be exercised without
// hardware.
package stub

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"gopkg.in/yaml.v3"
)

// ErrNoScriptedResponse is returned for an APDU the card has no answer for
var ErrNoScriptedResponse = errors.New("no response scripted for this command")

// Card is a simulated card. Its script maps command APDUs to responses.
type Card struct {
	script   map[string][]byte
	Name     string
	Protocol string
	atr      []byte
	mu       sync.RWMutex
}

// NewCard creates a card speaking protocol with an empty script
func NewCard(name string, atr []byte, protocol string) *Card {
	return &Card{
		Name:     name,
		Protocol: protocol,
		atr:      append([]byte(nil), atr...),
		script:   make(map[string][]byte),
	}
}

// ATR returns the card's Answer To Reset
func (c *Card) ATR() []byte {
	return append([]byte(nil), c.atr...)
}

// AddHexCommand scripts response for command. Both are hex strings; spaces
// are ignored and case does not matter.
func (c *Card) AddHexCommand(command, response string) error {
	key, err := scriptKey(command)
	if err != nil {
		return fmt.Errorf("command %q: %w", command, err)
	}
	reply, err := seproxy.ParseHex(response)
	if err != nil {
		return fmt.Errorf("response %q: %w", response, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script[key] = reply
	return nil
}

// RemoveHexCommand removes command from the script
func (c *Card) RemoveHexCommand(command string) {
	key, err := scriptKey(command)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.script, key)
}

// Commands returns the number of scripted commands
func (c *Card) Commands() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.script)
}

// Process answers apdu from the script
func (c *Card) Process(apdu []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reply, ok := c.script[seproxy.FormatHex(apdu)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoScriptedResponse, seproxy.FormatHex(apdu))
	}
	return append([]byte(nil), reply...), nil
}

func scriptKey(hexString string) (string, error) {
	b, err := seproxy.ParseHex(hexString)
	if err != nil {
		return "", err
	}
	return seproxy.FormatHex(b), nil
}

// cardFile is the YAML layout of a card collection
type cardFile struct {
	Cards []struct {
		Commands map[string]string `yaml:"commands"`
		Name     string            `yaml:"name"`
		ATR      string            `yaml:"atr"`
		Protocol string            `yaml:"protocol"`
	} `yaml:"cards"`
}

// ParseCards reads a card collection:
//
//	cards:
//	  - name: calypso
//	    atr: 3B8880010000000000718100F9
//	    protocol: ISO_14443_4
//	    commands:
//	      "00A404000AA000000291A00000019100": "6F25...9000"
func ParseCards(r io.Reader) ([]*Card, error) {
	var file cardFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode cards: %w", err)
	}

	cards := make([]*Card, 0, len(file.Cards))
	for i, spec := range file.Cards {
		atr, err := seproxy.ParseHex(spec.ATR)
		if err != nil {
			return nil, fmt.Errorf("card %d (%s): atr: %w", i, spec.Name, err)
		}
		card := NewCard(spec.Name, atr, spec.Protocol)
		for command, response := range spec.Commands {
			if err := card.AddHexCommand(command, response); err != nil {
				return nil, fmt.Errorf("card %d (%s): %w", i, spec.Name, err)
			}
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// LoadCards reads a card collection from path
func LoadCards(path string) ([]*Card, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open card file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseCards(f)
}
