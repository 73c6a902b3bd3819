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
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-seproxy/internal/crash"
)

// stateDef is the static description of a monitoring state
type stateDef struct {
	job     Job
	name    string
	timeout time.Duration
}

type envelope struct {
	event Event
	// gen is the activation that produced the event; zero for application
	// signals, which are valid in any activation
	gen uint64
}

// Machine is the monitoring state machine of one reader. Hardware events
// raised by jobs and application signals are queued and handled one at a
// time by a control goroutine; switching state is the single serialization
// point.
type Machine struct {
	enteredAt    time.Time
	ctx          context.Context
	host         Host
	scheduler    Scheduler
	cancel       context.CancelFunc
	onTransition func(from, to State)
	stats        *Stats
	logger       *slog.Logger
	states       map[State]*stateDef
	task         *Task
	timer        *time.Timer
	wake         chan struct{}
	done         chan struct{}
	queue        []envelope
	gen          uint64
	startState   State
	current      State
	mu           sync.Mutex // guards the active state, its task and timer
	qmu          sync.Mutex // guards queue, accepting and pendingStart
	lifeMu       sync.Mutex // serializes Start and Stop
	state        atomic.Int32
	mode         atomic.Int32
	running      bool
	accepting    bool
	pendingStart bool
}

// Start activates the start state and the control goroutine. Starting a
// running machine does nothing.
func (m *Machine) Start() {
	m.lifeMu.Lock()
	if m.running {
		m.lifeMu.Unlock()
		return
	}
	if m.done != nil {
		<-m.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.ctx, m.cancel, m.done = ctx, cancel, done
	m.running = true

	m.qmu.Lock()
	m.queue = m.queue[:0]
	m.accepting = true
	pending := m.pendingStart
	m.pendingStart = false
	m.qmu.Unlock()
	m.lifeMu.Unlock()

	// the start state's job may wait for a pool worker, Stop interrupts it
	// through ctx
	m.mu.Lock()
	m.current = m.startState
	m.state.Store(int32(m.startState))
	m.enteredAt = time.Now()
	m.activateLocked()
	m.mu.Unlock()

	m.logger.Debug("monitoring started", "reader", m.host.Name(), "state", m.startState)
	go m.dispatch(ctx, done)

	if pending {
		m.post(EventStartDetect, 0)
	}
}

// Stop cancels the active job and waits until the machine is quiescent in
// WaitForStartDetection, including after an earlier StopAsync. It must not
// be called from a Host callback; use StopAsync there.
func (m *Machine) Stop() {
	if done := m.stop(); done != nil {
		<-done
	}
}

// StopAsync requests the machine to stop without waiting for it
func (m *Machine) StopAsync() {
	m.stop()
}

func (m *Machine) stop() chan struct{} {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.running {
		return m.done
	}
	m.running = false

	m.qmu.Lock()
	m.accepting = false
	m.queue = m.queue[:0]
	m.qmu.Unlock()

	m.cancel()
	return m.done
}

// Running reports whether the machine has been started and not stopped
func (m *Machine) Running() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.running
}

// State returns the current monitoring state. It never blocks.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Mode returns the polling mode
func (m *Machine) Mode() Mode {
	return Mode(m.mode.Load())
}

// StartDetection sets the polling mode and signals start detection. When
// the machine is not running the signal is kept until the next Start.
func (m *Machine) StartDetection(mode Mode) {
	m.mode.Store(int32(mode))
	m.Signal(EventStartDetect)
}

// StopDetection signals the machine to go back to WaitForStartDetection
func (m *Machine) StopDetection() {
	m.Signal(EventStopDetect)
}

// Signal queues an application event
func (m *Machine) Signal(event Event) {
	m.post(event, 0)
}

// Stats returns the machine statistics
func (m *Machine) Stats() Snapshot {
	return m.stats.Snapshot()
}

func (m *Machine) post(event Event, gen uint64) {
	m.qmu.Lock()
	if !m.accepting {
		switch event {
		case EventStartDetect:
			m.pendingStart = true
		case EventStopDetect:
			m.pendingStart = false
		default:
		}
		m.qmu.Unlock()
		return
	}
	m.queue = append(m.queue, envelope{event: event, gen: gen})
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) next() (envelope, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.queue) == 0 {
		return envelope{}, false
	}
	env := m.queue[0]
	m.queue = m.queue[1:]
	return env, true
}

// dispatch is the control goroutine
func (m *Machine) dispatch(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.quiesce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		for ctx.Err() == nil {
			env, ok := m.next()
			if !ok {
				break
			}
			m.handle(env)
		}
	}
}

func (m *Machine) quiesce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivateLocked()
	if m.current != WaitForStartDetection {
		m.recordTransitionLocked(m.current, WaitForStartDetection)
	}
	m.current = WaitForStartDetection
	m.state.Store(int32(WaitForStartDetection))
	m.logger.Debug("monitoring stopped", "reader", m.host.Name())
}

func (m *Machine) handle(env envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env.gen != 0 && env.gen != m.gen {
		m.stats.addDroppedEvent()
		m.logger.Debug("dropping stale event", "reader", m.host.Name(), "event", env.event)
		return
	}
	m.logger.Debug("event", "reader", m.host.Name(), "state", m.current, "event", env.event)

	switch m.current {
	case WaitForStartDetection:
		if env.event == EventStartDetect {
			m.switchLocked(WaitForSeInsertion)
		}

	case WaitForSeInsertion:
		switch env.event {
		case EventCardInserted:
			if m.host.ProcessInsertion(m.ctx) {
				m.switchLocked(WaitForSeProcessing)
			} else {
				m.switchLocked(WaitForSeRemoval)
			}
		case EventStopDetect, EventJobFailed:
			m.switchLocked(WaitForStartDetection)
		default:
		}

	case WaitForSeProcessing:
		switch env.event {
		case EventSeProcessed:
			if m.Mode() == Repeating {
				m.switchLocked(WaitForSeRemoval)
			} else {
				m.host.ProcessRemoval()
				m.switchLocked(WaitForStartDetection)
			}
		case EventCardRemoved:
			m.host.ProcessRemoval()
			m.switchAfterRemovalLocked()
		case EventTimeout:
			m.host.CloseChannels()
			m.host.NotifyTimeout()
			m.switchLocked(WaitForStartDetection)
		case EventStopDetect, EventJobFailed:
			m.host.CloseChannels()
			m.switchLocked(WaitForStartDetection)
		default:
		}

	case WaitForSeRemoval:
		switch env.event {
		case EventCardRemoved:
			m.host.ProcessRemoval()
			m.switchAfterRemovalLocked()
		case EventTimeout:
			m.host.CloseChannels()
			m.host.NotifyTimeout()
			m.switchLocked(WaitForStartDetection)
		case EventJobFailed:
			m.host.ProcessRemoval()
			m.switchLocked(WaitForStartDetection)
		case EventStopDetect:
			m.host.CloseChannels()
			m.switchLocked(WaitForStartDetection)
		default:
		}
	}
}

func (m *Machine) switchAfterRemovalLocked() {
	if m.Mode() == Repeating {
		m.switchLocked(WaitForSeInsertion)
	} else {
		m.switchLocked(WaitForStartDetection)
	}
}

func (m *Machine) switchLocked(next State) {
	prev := m.current
	m.deactivateLocked()
	m.current = next
	m.recordTransitionLocked(prev, next)
	m.state.Store(int32(next))
	m.logger.Debug("switch state", "reader", m.host.Name(), "from", prev, "to", next)
	m.activateLocked()
}

func (m *Machine) recordTransitionLocked(from, to State) {
	now := time.Now()
	m.stats.addTransition(now.Sub(m.enteredAt))
	m.enteredAt = now
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

func (m *Machine) activateLocked() {
	m.gen++
	gen := m.gen
	def := m.states[m.current]
	if def == nil {
		return
	}

	if def.timeout > 0 {
		m.timer = time.AfterFunc(def.timeout, func() {
			m.post(EventTimeout, gen)
		})
	}

	if def.job == nil {
		return
	}
	m.stats.addJobRun()
	task, err := m.scheduler.Submit(m.ctx, def.name, func(ctx context.Context) {
		m.runJob(ctx, def, gen)
	})
	if err != nil {
		if m.ctx.Err() != nil {
			m.logger.Debug("monitoring stopped while waiting for a worker", "reader", m.host.Name(), "job", def.name)
			return
		}
		m.logger.Error("cannot start monitoring job", "reader", m.host.Name(), "job", def.name, "error", err)
		m.post(EventJobFailed, gen)
		return
	}
	m.task = task
}

func (m *Machine) runJob(ctx context.Context, def *stateDef, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			m.stats.addJobPanic()
			crash.Report(m.logger, def.name, r)
			m.post(EventJobFailed, gen)
		}
	}()
	def.job.Run(ctx, func(event Event) {
		m.post(event, gen)
	})
}

func (m *Machine) deactivateLocked() {
	safeTimerStop(m.timer)
	m.timer = nil
	if m.task != nil {
		m.task.Cancel()
		m.task.Wait()
		m.task = nil
	}
}
