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

// Package i2c detects PN532 readers on the host I2C buses. Importing it
// registers the detector with the detection package.
package i2c

import (
	"context"
	"fmt"
	"time"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/detection"
	"github.com/ZaparooProject/go-seproxy/transport/pn532"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Transport is the transport name reported in DeviceInfo
const Transport = "i2c"

const probeTimeout = time.Second

type detector struct {
	buses func() ([]*i2creg.Ref, error)
}

// New creates the I2C bus detector
func New() detection.Detector {
	return &detector{buses: hostBuses}
}

func init() {
	detection.RegisterDetector(New())
}

func hostBuses() ([]*i2creg.Ref, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	return i2creg.All(), nil
}

func (*detector) Transport() string {
	return Transport
}

// Path names the PN532 address on bus
func Path(bus string) string {
	return fmt.Sprintf("%s:0x%02X", bus, pn532.I2CAddress)
}

// Detect looks for a PN532 at its fixed address on every bus. Passive mode
// reports each bus without addressing it.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	refs, err := d.buses()
	if err != nil {
		return nil, err
	}

	var devices []detection.DeviceInfo
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		path := Path(ref.Name)
		if detection.IsPathIgnored(path, opts.IgnorePaths) {
			continue
		}
		device := detection.DeviceInfo{
			Transport:  Transport,
			Path:       path,
			Name:       fmt.Sprintf("PN532 on %s", ref.Name),
			Confidence: detection.Medium,
			Metadata: map[string]string{
				"bus":     ref.Name,
				"address": fmt.Sprintf("0x%02X", pn532.I2CAddress),
			},
		}
		if opts.Mode == detection.Passive {
			devices = append(devices, device)
			continue
		}

		firmware, err := probe(ctx, ref)
		if err != nil {
			seproxy.Logger().Debug("no PN532 answered", "bus", ref.Name, "error", err)
			continue
		}
		device.Confidence = detection.High
		device.Metadata["firmware"] = firmware
		devices = append(devices, device)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func probe(ctx context.Context, ref *i2creg.Ref) (string, error) {
	bus, err := ref.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", ref.Name, err)
	}
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	link := pn532.NewI2CLink(bus, ref.Name)
	_ = link.SetTimeout(probeTimeout)
	transport, err := pn532.New(ctx, link)
	if err != nil {
		return "", err
	}
	defer func() { _ = transport.Close() }()
	return transport.Firmware(), nil
}
