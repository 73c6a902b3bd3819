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
	"context"
	"errors"
	"fmt"
	"maps"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/config"
	"github.com/ZaparooProject/go-seproxy/detection"
	// Register the detectors used for auto-detection
	_ "github.com/ZaparooProject/go-seproxy/detection/i2c"
	_ "github.com/ZaparooProject/go-seproxy/detection/pcsc"
	_ "github.com/ZaparooProject/go-seproxy/detection/uart"
	"github.com/ZaparooProject/go-seproxy/transport/libnfc"
	"github.com/ZaparooProject/go-seproxy/transport/pcsc"
	"github.com/ZaparooProject/go-seproxy/transport/pn532"
	"github.com/ZaparooProject/go-seproxy/transport/stub"
)

// detectionTransport maps back-ends to the detector that finds them
var detectionTransport = map[string]string{
	config.BackendPCSC:      "pcsc",
	config.BackendPN532UART: "uart",
	config.BackendPN532I2C:  "i2c",
}

// openTransport opens the back-end named by cfg, detecting its port when
// none is configured
func openTransport(ctx context.Context, cfg *config.Config) (seproxy.Transport, error) {
	port := cfg.Backend.Port
	if port == "" {
		if kind, ok := detectionTransport[cfg.Backend.Type]; ok {
			detected, err := detectPort(ctx, kind)
			if err != nil {
				return nil, err
			}
			port = detected
		}
	}

	switch cfg.Backend.Type {
	case config.BackendStub:
		return openStub(cfg)
	case config.BackendPCSC:
		protocols := pcsc.DefaultProtocols()
		maps.Copy(protocols, cfg.Protocols)
		t, err := pcsc.Open(port, pcsc.WithProtocols(protocols))
		if err != nil {
			return nil, fmt.Errorf("failed to open PC/SC reader: %w", err)
		}
		return t, nil
	case config.BackendPN532UART:
		link, err := pn532.OpenUART(port)
		if err != nil {
			return nil, fmt.Errorf("failed to open UART: %w", err)
		}
		return newPN532(ctx, link)
	case config.BackendPN532I2C:
		link, err := pn532.OpenI2C(port)
		if err != nil {
			return nil, fmt.Errorf("failed to open I2C bus: %w", err)
		}
		return newPN532(ctx, link)
	case config.BackendLibNFC:
		t, err := libnfc.Open(port)
		if err != nil {
			return nil, fmt.Errorf("failed to open libnfc device: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend.Type)
	}
}

func newPN532(ctx context.Context, link pn532.Link) (seproxy.Transport, error) {
	t, err := pn532.New(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PN532: %w", err)
	}
	return t, nil
}

func detectPort(ctx context.Context, kind string) (string, error) {
	opts := detection.DefaultOptions()
	devices, err := detection.DetectAllContext(ctx, &opts)
	if err != nil && !errors.Is(err, detection.ErrNoDevicesFound) {
		return "", fmt.Errorf("detection failed: %w", err)
	}
	for _, device := range devices {
		if device.Transport == kind {
			_, _ = fmt.Printf("Detected %s\n", device)
			return device.Path, nil
		}
	}
	return "", fmt.Errorf("no %s reader found: %w", kind, detection.ErrNoDevicesFound)
}

// openStub builds a stub reader holding the first scripted card
func openStub(cfg *config.Config) (seproxy.Transport, error) {
	var opts []stub.Option
	if cfg.Backend.Cards != "" {
		cards, err := stub.LoadCards(cfg.Backend.Cards)
		if err != nil {
			return nil, fmt.Errorf("failed to load stub cards: %w", err)
		}
		if len(cards) > 0 {
			opts = append(opts, stub.WithCard(cards[0]))
		}
	}
	name := cfg.Backend.Port
	if name == "" {
		name = "stub"
	}
	return stub.New(name, opts...), nil
}
