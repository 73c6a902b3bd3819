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

package i2c

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ZaparooProject/go-seproxy/detection"
	sim "github.com/ZaparooProject/go-seproxy/internal/testing"
	"github.com/ZaparooProject/go-seproxy/transport/pn532"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
)

// fakeBus answers at the PN532 address when chip is set
type fakeBus struct {
	chip   *sim.VirtualChip
	name   string
	mu     sync.Mutex
	closed bool
}

func (b *fakeBus) String() string {
	return b.name
}

func (*fakeBus) SetSpeed(physic.Frequency) error {
	return nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) Tx(addr uint16, w, r []byte) error {
	if b.chip == nil || addr != pn532.I2CAddress {
		return errors.New("remote I/O error")
	}
	if len(w) > 0 {
		b.chip.HandleFrame(w)
	}
	if len(r) > 0 {
		clear(r)
		if next := b.chip.NextFrame(); next != nil {
			r[0] = 0x01
			copy(r[1:], next)
		}
	}
	return nil
}

func (b *fakeBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func ref(bus *fakeBus) *i2creg.Ref {
	return &i2creg.Ref{
		Name:   bus.name,
		Number: -1,
		Open:   func() (i2c.BusCloser, error) { return bus, nil },
	}
}

func TestPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "I2C1:0x24", Path("I2C1"))
}

func TestDetect(t *testing.T) {
	t.Parallel()

	withChip := &fakeBus{name: "I2C1", chip: sim.NewVirtualChip()}
	empty := &fakeBus{name: "I2C2"}
	broken := &i2creg.Ref{Name: "I2C3", Open: func() (i2c.BusCloser, error) {
		return nil, errors.New("permission denied")
	}}
	d := &detector{buses: func() ([]*i2creg.Ref, error) {
		return []*i2creg.Ref{ref(withChip), ref(empty), broken}, nil
	}}

	opts := detection.DefaultOptions()
	devices, err := d.Detect(context.Background(), &opts)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "I2C1:0x24", devices[0].Path)
	assert.Equal(t, detection.High, devices[0].Confidence)
	assert.Equal(t, "PN532 v1.6", devices[0].Metadata["firmware"])
	assert.True(t, withChip.isClosed())
	assert.True(t, empty.isClosed())
}

func TestDetect_Passive(t *testing.T) {
	t.Parallel()
	empty := &fakeBus{name: "I2C2"}
	d := &detector{buses: func() ([]*i2creg.Ref, error) {
		return []*i2creg.Ref{ref(empty)}, nil
	}}

	opts := detection.DefaultOptions()
	opts.Mode = detection.Passive
	devices, err := d.Detect(context.Background(), &opts)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, detection.Medium, devices[0].Confidence)
	assert.False(t, empty.isClosed(), "passive detection must not open the bus")
}

func TestDetect_Ignored(t *testing.T) {
	t.Parallel()
	withChip := &fakeBus{name: "I2C1", chip: sim.NewVirtualChip()}
	d := &detector{buses: func() ([]*i2creg.Ref, error) {
		return []*i2creg.Ref{ref(withChip)}, nil
	}}

	opts := detection.DefaultOptions()
	opts.IgnorePaths = []string{"i2c1:0x24"}
	_, err := d.Detect(context.Background(), &opts)
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
}
