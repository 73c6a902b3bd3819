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

// Package detection discovers smart card readers attached to the host.
// Back-end detectors register themselves on import; DetectAll runs every
// registered detector concurrently.
package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	seproxy "github.com/ZaparooProject/go-seproxy"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoDevicesFound is returned when no detector found a reader
	ErrNoDevicesFound = errors.New("no readers found")
	// ErrUnsupportedPlatform is returned by detectors that cannot run on this OS
	ErrUnsupportedPlatform = errors.New("detection not supported on this platform")
	// ErrDetectionTimeout is returned when Options.Timeout elapsed first
	ErrDetectionTimeout = errors.New("detection timed out")
)

// Confidence tells how sure a detector is that a device is a reader
type Confidence int

const (
	// Low means the device could be a reader
	Low Confidence = iota
	// Medium means the device looks like a known reader
	Medium
	// High means the device answered as a reader
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("Confidence(%d)", int(c))
	}
}

// Mode controls how intrusive detection may be
type Mode int

const (
	// Passive only enumerates, nothing is opened
	Passive Mode = iota
	// Safe opens devices that look like readers to confirm them
	Safe
	// Full probes every candidate
	Full
)

// DeviceInfo describes one detected reader
type DeviceInfo struct {
	Metadata   map[string]string
	Transport  string
	Path       string
	Name       string
	Confidence Confidence
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s:%s", d.Transport, d.Path)
}

// Options configures detection
type Options struct {
	// IgnorePaths are device paths never reported or opened
	IgnorePaths []string
	// Blocklist holds USB VID:PID pairs never opened
	Blocklist []string
	Timeout   time.Duration
	Mode      Mode
}

// DefaultOptions returns safe detection with a five second budget
func DefaultOptions() Options {
	return Options{
		Mode:      Safe,
		Timeout:   5 * time.Second,
		Blocklist: DefaultBlocklist(),
	}
}

// Detector finds readers of one transport kind
type Detector interface {
	Transport() string
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Detector)
)

// RegisterDetector makes d available to DetectAll. A detector registered
// again for the same transport replaces the previous one.
func RegisterDetector(d Detector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Transport()] = d
}

// Detectors returns the registered detectors sorted by transport
func Detectors() []Detector {
	registryMu.RLock()
	defer registryMu.RUnlock()
	detectors := make([]Detector, 0, len(registry))
	for _, d := range registry {
		detectors = append(detectors, d)
	}
	sort.Slice(detectors, func(i, j int) bool {
		return detectors[i].Transport() < detectors[j].Transport()
	})
	return detectors
}

// DetectAll runs every registered detector
func DetectAll(opts *Options) ([]DeviceInfo, error) {
	return DetectAllContext(context.Background(), opts)
}

// DetectAllContext runs every registered detector concurrently
func DetectAllContext(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	return detectWith(ctx, Detectors(), opts)
}

func detectWith(ctx context.Context, detectors []Detector, opts *Options) ([]DeviceInfo, error) {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make([][]DeviceInfo, len(detectors))
	group, gctx := errgroup.WithContext(ctx)
	for i, d := range detectors {
		group.Go(func() error {
			devices, err := d.Detect(gctx, opts)
			switch {
			case err == nil:
				results[i] = devices
				return nil
			case errors.Is(err, ErrNoDevicesFound), errors.Is(err, ErrUnsupportedPlatform):
				seproxy.Logger().Debug("detector found nothing", "transport", d.Transport(), "error", err)
				return nil
			default:
				return fmt.Errorf("%s detection failed: %w", d.Transport(), err)
			}
		})
	}
	err := group.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ErrDetectionTimeout
	}
	if err != nil {
		return nil, err
	}

	var devices []DeviceInfo
	for _, found := range results {
		for _, d := range found {
			if IsPathIgnored(d.Path, opts.IgnorePaths) {
				continue
			}
			devices = append(devices, d)
		}
	}
	if len(devices) == 0 {
		return nil, ErrNoDevicesFound
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Confidence > devices[j].Confidence
	})
	return devices, nil
}
