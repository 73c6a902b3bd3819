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

//go:build libnfc

package libnfc

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/clausecker/nfc/v2"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"github.com/ZaparooProject/go-seproxy/internal/iso14443"
)

// maxResponse is the largest short APDU response plus its status word
const maxResponse = 258

var typeA = nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}

// ListDevices returns the connection strings of the libnfc devices
func ListDevices() ([]string, error) {
	devices, err := nfc.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list libnfc devices: %w", err)
	}
	return devices, nil
}

// Open opens the libnfc device at conn as an initiator. An empty conn
// picks the first device libnfc finds.
func Open(conn string) (*Transport, error) {
	dev, err := nfc.Open(conn)
	if err != nil {
		return nil, seproxy.NewTransportError("open", conn, err, seproxy.ErrorTypePermanent)
	}
	if err := dev.InitiatorInit(); err != nil {
		_ = dev.Close()
		return nil, seproxy.NewTransportError("initiatorInit", conn, err, seproxy.ErrorTypePermanent)
	}
	seproxy.Logger().Debug("libnfc device opened", "device", dev.String(), "connection", dev.Connection())
	return newTransport(&nfcDevice{dev: dev}), nil
}

type nfcDevice struct {
	selected nfc.Target
	dev      nfc.Device
}

func toTarget(t *nfc.ISO14443aTarget) iso14443.Target {
	uidLen := min(max(int(t.UIDLen), 0), len(t.UID))
	atsLen := min(max(int(t.AtsLen), 0), len(t.Ats))
	return iso14443.Target{
		UID:  bytes.Clone(t.UID[:uidLen]),
		ATS:  bytes.Clone(t.Ats[:atsLen]),
		ATQA: t.Atqa,
		SAK:  t.Sak,
	}
}

func (d *nfcDevice) list() ([]iso14443.Target, error) {
	targets, err := d.dev.InitiatorListPassiveTargets(typeA)
	if err != nil {
		return nil, wrapError(err)
	}
	var out []iso14443.Target
	for _, t := range targets {
		if a, ok := t.(*nfc.ISO14443aTarget); ok {
			out = append(out, toTarget(a))
		}
	}
	return out, nil
}

func (d *nfcDevice) selectTarget(uid []byte) (*iso14443.Target, error) {
	t, err := d.dev.InitiatorSelectPassiveTarget(typeA, uid)
	if err != nil {
		return nil, wrapError(err)
	}
	a, ok := t.(*nfc.ISO14443aTarget)
	if !ok || !bytes.Equal(a.UID[:min(max(int(a.UIDLen), 0), len(a.UID))], uid) {
		return nil, seproxy.ErrNoCard
	}
	d.selected = t
	tgt := toTarget(a)
	return &tgt, nil
}

func (d *nfcDevice) present() (bool, error) {
	if d.selected == nil {
		return false, nil
	}
	err := d.dev.InitiatorTargetIsPresent(d.selected)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, nfc.ETGRELEASED), errors.Is(err, nfc.ERFTRANS), errors.Is(err, nfc.ETIMEOUT):
		return false, nil
	default:
		return false, wrapError(err)
	}
}

func (d *nfcDevice) deselect() error {
	d.selected = nil
	return wrapError(d.dev.InitiatorDeselectTarget())
}

func (d *nfcDevice) transceive(apdu []byte, timeout time.Duration) ([]byte, error) {
	rx := make([]byte, maxResponse)
	n, err := d.dev.InitiatorTransceiveBytes(apdu, rx, int(timeout.Milliseconds()))
	if err != nil {
		return nil, wrapError(err)
	}
	return rx[:n], nil
}

func (d *nfcDevice) connection() string {
	return d.dev.Connection()
}

func (d *nfcDevice) close() error {
	return d.dev.Close()
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, nfc.ETIMEOUT) {
		return fmt.Errorf("%w: %w", seproxy.ErrTransportTimeout, err)
	}
	return err
}
