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
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of machine statistics
type Snapshot struct {
	Transitions    int64         // Number of state switches
	JobRuns        int64         // Number of jobs submitted
	JobPanics      int64         // Number of recovered job panics
	PollCycles     int64         // Presence checks and pings issued
	PollErrors     int64         // Presence checks that failed
	DroppedEvents  int64         // Job events that arrived after their state ended
	LastTransition time.Duration // Time spent in the previous state
}

// Stats tracks machine statistics with atomic counters
type Stats struct {
	transitions    int64
	jobRuns        int64
	jobPanics      int64
	pollCycles     int64
	pollErrors     int64
	droppedEvents  int64
	lastTransition int64 // in nanoseconds
}

// Snapshot returns the current counters
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Transitions:    atomic.LoadInt64(&s.transitions),
		JobRuns:        atomic.LoadInt64(&s.jobRuns),
		JobPanics:      atomic.LoadInt64(&s.jobPanics),
		PollCycles:     atomic.LoadInt64(&s.pollCycles),
		PollErrors:     atomic.LoadInt64(&s.pollErrors),
		DroppedEvents:  atomic.LoadInt64(&s.droppedEvents),
		LastTransition: time.Duration(atomic.LoadInt64(&s.lastTransition)),
	}
}

func (s *Stats) addTransition(inState time.Duration) {
	atomic.AddInt64(&s.transitions, 1)
	atomic.StoreInt64(&s.lastTransition, inState.Nanoseconds())
}

func (s *Stats) addJobRun()       { atomic.AddInt64(&s.jobRuns, 1) }
func (s *Stats) addJobPanic()     { atomic.AddInt64(&s.jobPanics, 1) }
func (s *Stats) addPoll()         { atomic.AddInt64(&s.pollCycles, 1) }
func (s *Stats) addPollError()    { atomic.AddInt64(&s.pollErrors, 1) }
func (s *Stats) addDroppedEvent() { atomic.AddInt64(&s.droppedEvents, 1) }
