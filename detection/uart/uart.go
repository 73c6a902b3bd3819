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

// Package uart detects PN532 readers behind USB serial adapters. Importing
// it registers the detector with the detection package.
package uart

import (
	"context"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-seproxy/detection"
	"github.com/ZaparooProject/go-seproxy/transport/pn532"
	"go.bug.st/serial/enumerator"
)

// Transport is the transport name reported in DeviceInfo
const Transport = "uart"

const probeTimeout = time.Second

// knownAdapters are the USB serial bridges PN532 boards ship with
var knownAdapters = map[string]string{
	"1A86:7523": "CH340",
	"1A86:55D4": "CH9102",
	"10C4:EA60": "CP210x",
	"0403:6001": "FT232R",
	"0403:6015": "FT231X",
	"067B:2303": "PL2303",
}

type detector struct {
	list  func() ([]*enumerator.PortDetails, error)
	probe func(ctx context.Context, path string) (string, error)
}

// New creates the serial port detector
func New() detection.Detector {
	return &detector{list: enumerator.GetDetailedPortsList, probe: probe}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string {
	return Transport
}

// Detect lists serial ports. USB bridges known from PN532 boards are
// medium confidence and, unless opts.Mode is Passive, confirmed by asking
// the chip for its firmware version.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		device, ok := d.inspect(ctx, port, opts)
		if ok {
			devices = append(devices, device)
		}
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func (d *detector) inspect(
	ctx context.Context, port *enumerator.PortDetails, opts *detection.Options,
) (detection.DeviceInfo, bool) {
	if detection.IsPathIgnored(port.Name, opts.IgnorePaths) {
		return detection.DeviceInfo{}, false
	}
	vidpid := detection.FormatVIDPID(port.VID, port.PID)
	if detection.IsBlocked(vidpid, opts.Blocklist) {
		return detection.DeviceInfo{}, false
	}
	if !port.IsUSB && opts.Mode != detection.Full {
		return detection.DeviceInfo{}, false
	}

	device := detection.DeviceInfo{
		Transport:  Transport,
		Path:       port.Name,
		Name:       port.Name,
		Confidence: detection.Low,
		Metadata:   map[string]string{},
	}
	if port.Product != "" {
		device.Name = port.Product
		device.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		device.Metadata["serial"] = port.SerialNumber
	}
	if vidpid != "" {
		device.Metadata["vid_pid"] = vidpid
	}
	if adapter, ok := knownAdapters[vidpid]; ok {
		device.Confidence = detection.Medium
		device.Metadata["adapter"] = adapter
	}

	shouldProbe := opts.Mode == detection.Full ||
		(opts.Mode == detection.Safe && device.Confidence == detection.Medium)
	if !shouldProbe {
		return device, device.Confidence > detection.Low || opts.Mode == detection.Passive
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	firmware, err := d.probe(probeCtx, port.Name)
	cancel()
	if err != nil {
		// a known bridge may be busy with another program; keep it
		return device, device.Confidence > detection.Low
	}
	device.Confidence = detection.High
	device.Metadata["firmware"] = firmware
	return device, true
}

func probe(ctx context.Context, path string) (string, error) {
	link, err := pn532.OpenUART(path)
	if err != nil {
		return "", err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = link.SetTimeout(time.Until(deadline))
	}
	transport, err := pn532.New(ctx, link)
	if err != nil {
		return "", err
	}
	defer func() { _ = transport.Close() }()
	return transport.Firmware(), nil
}
