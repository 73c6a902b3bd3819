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

// Package pcsc reports the readers known to the PC/SC service. Importing it
// registers the detector with the detection package.
package pcsc

import (
	"context"

	"github.com/ZaparooProject/go-seproxy/detection"
	"github.com/ZaparooProject/go-seproxy/transport/pcsc"
)

// Transport is the transport name reported in DeviceInfo
const Transport = "pcsc"

type detector struct {
	list func() ([]string, error)
}

// New creates the PC/SC detector
func New() detection.Detector {
	return &detector{list: pcsc.ListReaders}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string {
	return Transport
}

// Detect lists the PC/SC readers. The service already knows them to be
// readers, so every one is reported with high confidence in every mode.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	readers, err := d.list()
	if err != nil {
		return nil, err
	}

	var devices []detection.DeviceInfo
	for _, name := range readers {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if detection.IsPathIgnored(name, opts.IgnorePaths) {
			continue
		}
		devices = append(devices, detection.DeviceInfo{
			Transport:  Transport,
			Path:       name,
			Name:       name,
			Confidence: detection.High,
			Metadata:   map[string]string{"reader": name},
		})
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}
