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

package polling

import (
	"fmt"
	"time"
)

// State is a monitoring state of an observed reader
type State int

const (
	WaitForStartDetection State = iota
	WaitForSeInsertion
	WaitForSeProcessing
	WaitForSeRemoval
)

func (s State) String() string {
	switch s {
	case WaitForStartDetection:
		return "WAIT_FOR_START_DETECTION"
	case WaitForSeInsertion:
		return "WAIT_FOR_SE_INSERTION"
	case WaitForSeProcessing:
		return "WAIT_FOR_SE_PROCESSING"
	case WaitForSeRemoval:
		return "WAIT_FOR_SE_REMOVAL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is an internal event fed to the state machine, either by the
// application or by a monitoring job
type Event int

const (
	EventStartDetect Event = iota
	EventStopDetect
	EventCardInserted
	EventCardRemoved
	EventSeProcessed
	EventTimeout
	// EventJobFailed is raised when a job panics or gives up
	EventJobFailed
)

func (e Event) String() string {
	switch e {
	case EventStartDetect:
		return "START_DETECT"
	case EventStopDetect:
		return "STOP_DETECT"
	case EventCardInserted:
		return "SE_INSERTED"
	case EventCardRemoved:
		return "SE_REMOVED"
	case EventSeProcessed:
		return "SE_PROCESSED"
	case EventTimeout:
		return "TIME_OUT"
	case EventJobFailed:
		return "JOB_FAILED"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Mode selects what happens once a card has been processed and removed
type Mode int

const (
	// Repeating goes back to waiting for insertion after a removal
	Repeating Mode = iota
	// SingleShot goes back to waiting for a start signal after a removal
	SingleShot
)

func (m Mode) String() string {
	if m == SingleShot {
		return "SINGLESHOT"
	}
	return "REPEATING"
}

// Strategy selects how a monitoring phase waits
type Strategy int

const (
	// StrategyNative blocks in the back-end wait for as long as needed
	StrategyNative Strategy = iota
	// StrategySmart calls the back-end wait in short periods until cancelled
	StrategySmart
	// StrategyPolling checks card presence on a fixed interval
	StrategyPolling
	// StrategyPing sends a neutral APDU on a fixed interval (removal only)
	StrategyPing
)

func (s Strategy) String() string {
	switch s {
	case StrategyNative:
		return "native"
	case StrategySmart:
		return "smart"
	case StrategyPolling:
		return "polling"
	case StrategyPing:
		return "ping"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy converts a configuration name into a Strategy
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "native":
		return StrategyNative, nil
	case "smart":
		return StrategySmart, nil
	case "polling":
		return StrategyPolling, nil
	case "ping":
		return StrategyPing, nil
	default:
		return 0, fmt.Errorf("unknown monitoring strategy %q", name)
	}
}

// safeTimerStop stops a timer and drains its channel if it already fired
func safeTimerStop(timer *time.Timer) {
	if timer != nil {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}
