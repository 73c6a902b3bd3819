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

package uart

import (
	"context"
	"errors"
	"testing"

	"github.com/ZaparooProject/go-seproxy/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

var testPorts = []*enumerator.PortDetails{
	{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523", Product: "USB Serial"},
	{Name: "/dev/ttyUSB1", IsUSB: true, VID: "2341", PID: "0043", SerialNumber: "A1B2"},
	{Name: "/dev/ttyACM0", IsUSB: true, VID: "1366", PID: "0105"},
	{Name: "/dev/ttyS0"},
}

func newTestDetector(answering ...string) (*detector, *[]string) {
	var probed []string
	return &detector{
		list: func() ([]*enumerator.PortDetails, error) { return testPorts, nil },
		probe: func(_ context.Context, path string) (string, error) {
			probed = append(probed, path)
			for _, p := range answering {
				if p == path {
					return "PN532 v1.6", nil
				}
			}
			return "", errors.New("no answer")
		},
	}, &probed
}

func paths(devices []detection.DeviceInfo) []string {
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Path)
	}
	return out
}

func TestDetect_Modes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		answering  []string
		wantPaths  []string
		wantProbed []string
		mode       detection.Mode
	}{
		{
			name:      "PassiveReportsUSBWithoutOpening",
			mode:      detection.Passive,
			wantPaths: []string{"/dev/ttyUSB0", "/dev/ttyUSB1"},
		},
		{
			name:       "SafeProbesKnownBridgesOnly",
			mode:       detection.Safe,
			answering:  []string{"/dev/ttyUSB0"},
			wantPaths:  []string{"/dev/ttyUSB0"},
			wantProbed: []string{"/dev/ttyUSB0"},
		},
		{
			name:       "SafeKeepsSilentKnownBridge",
			mode:       detection.Safe,
			wantPaths:  []string{"/dev/ttyUSB0"},
			wantProbed: []string{"/dev/ttyUSB0"},
		},
		{
			name:       "FullProbesEverythingNotBlocked",
			mode:       detection.Full,
			answering:  []string{"/dev/ttyS0"},
			wantPaths:  []string{"/dev/ttyUSB0", "/dev/ttyS0"},
			wantProbed: []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyS0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, probed := newTestDetector(tt.answering...)
			opts := detection.DefaultOptions()
			opts.Mode = tt.mode

			devices, err := d.Detect(context.Background(), &opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPaths, paths(devices))
			assert.Equal(t, tt.wantProbed, *probed)
		})
	}
}

func TestDetect_Metadata(t *testing.T) {
	t.Parallel()
	d, _ := newTestDetector("/dev/ttyUSB0")
	opts := detection.DefaultOptions()

	devices, err := d.Detect(context.Background(), &opts)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	device := devices[0]
	assert.Equal(t, Transport, device.Transport)
	assert.Equal(t, "USB Serial", device.Name)
	assert.Equal(t, detection.High, device.Confidence)
	assert.Equal(t, map[string]string{
		"product":  "USB Serial",
		"vid_pid":  "1A86:7523",
		"adapter":  "CH340",
		"firmware": "PN532 v1.6",
	}, device.Metadata)
}

func TestDetect_NothingFound(t *testing.T) {
	t.Parallel()
	d, _ := newTestDetector()
	opts := detection.DefaultOptions()
	opts.IgnorePaths = []string{"/dev/ttyUSB0"}

	_, err := d.Detect(context.Background(), &opts)
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
}

func TestDetect_ListFailure(t *testing.T) {
	t.Parallel()
	d := &detector{list: func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("permission denied")
	}}
	opts := detection.DefaultOptions()

	_, err := d.Detect(context.Background(), &opts)
	require.Error(t, err)
	assert.NotErrorIs(t, err, detection.ErrNoDevicesFound)
}
