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

package seproxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-seproxy/polling"
	"github.com/google/uuid"
)

// PollingMode selects what monitoring does after a card was processed
type PollingMode = polling.Mode

const (
	// Repeating waits for the next card once the current one is removed
	Repeating = polling.Repeating
	// SingleShot goes back to WaitForStartDetection once the card is processed
	SingleShot = polling.SingleShot
)

// MonitoringState is the state of a reader's monitoring state machine
type MonitoringState = polling.State

// Monitoring states
const (
	WaitForStartDetection = polling.WaitForStartDetection
	WaitForSeInsertion    = polling.WaitForSeInsertion
	WaitForSeProcessing   = polling.WaitForSeProcessing
	WaitForSeRemoval      = polling.WaitForSeRemoval
)

// ReaderConfig contains configuration options for a Reader
type ReaderConfig struct {
	// RetryConfig configures retries of presence checks and channel opening.
	// Nil or a single attempt disables retries.
	RetryConfig *RetryConfig
	// Monitoring selects the detection strategies and their timing
	Monitoring polling.Config
	// Timeout bounds one ProcessRequest or ProcessRequestSet call when the
	// caller's context has no deadline. Zero means no bound.
	Timeout time.Duration
}

// DefaultReaderConfig returns the configuration used for t when no option
// overrides it. Back-ends that can wait for cards natively get the smart
// strategies; the others poll for insertion and ping for removal.
func DefaultReaderConfig(t Transport) *ReaderConfig {
	return &ReaderConfig{
		RetryConfig: DefaultRetryConfig(),
		Monitoring:  defaultMonitoring(t),
	}
}

// Reader is one smart card reader. It owns the channel state of the card in
// the reader, processes requests from the application and, while observers
// are registered, runs a monitoring state machine that turns card movements
// into ReaderEvents.
//
// Thread Safety: Reader is safe for concurrent use. Transport calls are
// serialized by the reader; native waits of the back-end are the only calls
// made alongside them.
type Reader struct {
	session          uuid.UUID
	raw              Transport
	transport        Transport
	metrics          Metrics
	scheduler        polling.Scheduler
	config           *ReaderConfig
	logger           *slog.Logger
	ownedPool        *polling.Pool
	machine          *polling.Machine
	defaultSelection *DefaultSelection
	currentStatus    *SelectionStatus
	supported        map[string]string
	active           map[string]SeProtocol
	name             string
	pluginName       string
	observers        []Observer
	currentAID       []byte
	mu               sync.Mutex // guards channel and selection state, serializes transport calls
	obsMu            sync.Mutex // guards observers
	lifeMu           sync.Mutex // serializes monitoring start and stop
	monitorNotifying atomic.Int32
	closed           atomic.Bool
	notificationMode NotificationMode
	contactless      bool
	logicalOpen      bool
}

// New creates a reader on top of transport
func New(transport Transport, opts ...Option) (*Reader, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidParameter)
	}

	r := &Reader{
		raw:        transport,
		config:     DefaultReaderConfig(transport),
		metrics:    noopMetrics{},
		name:       string(transport.Type()),
		pluginName: string(transport.Type()),
		supported:  make(map[string]string),
		active:     make(map[string]SeProtocol),
	}
	if cr, ok := transport.(ContactlessReporter); ok {
		r.contactless = cr.IsContactless()
	}
	if pl, ok := transport.(ProtocolLister); ok {
		for name, rule := range pl.SupportedProtocols() {
			r.supported[name] = rule
			r.active[name] = SeProtocol(name)
		}
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	if r.logger == nil {
		r.logger = Logger()
	}
	r.logger = r.logger.With("plugin", r.pluginName, "reader", r.name)

	r.transport = transport
	if rc := r.config.RetryConfig; rc != nil && rc.MaxAttempts > 1 {
		r.transport = NewTransportWithRetry(transport, rc)
	}

	if r.scheduler == nil {
		r.ownedPool = polling.NewPool(0, r.logger)
		r.scheduler = r.ownedPool
	}

	builder := polling.NewBuilder(&monitorHost{r: r}).
		WithConfig(r.config.Monitoring).
		WithScheduler(r.scheduler).
		WithLogger(r.logger).
		OnTransition(r.metrics.StateTransition)
	if w, ok := transport.(InsertionWaiter); ok {
		builder.WithInsertionWaiter(w)
	}
	if w, ok := transport.(RemovalWaiter); ok {
		builder.WithRemovalWaiter(w)
	}
	machine, err := builder.Build()
	if err != nil {
		if r.ownedPool != nil {
			r.ownedPool.Shutdown()
		}
		return nil, fmt.Errorf("reader %s: %w", r.name, err)
	}
	r.machine = machine

	r.logger.Debug("reader created",
		"transport", transport.Type(),
		"insertion", r.config.Monitoring.Insertion,
		"processing", r.config.Monitoring.Processing,
		"removal", r.config.Monitoring.Removal,
	)
	return r, nil
}

// Name returns the reader name
func (r *Reader) Name() string {
	return r.name
}

// PluginName returns the name of the plugin the reader belongs to
func (r *Reader) PluginName() string {
	return r.pluginName
}

// IsContactless reports whether cards are read through an RF field
func (r *Reader) IsContactless() bool {
	return r.contactless
}

// Transport returns the back-end passed to New
func (r *Reader) Transport() Transport {
	return r.raw
}

// MonitoringState returns the current monitoring state. It never blocks and
// is safe to call from observers.
func (r *Reader) MonitoringState() MonitoringState {
	return r.machine.State()
}

// MonitoringStats returns the counters of the monitoring state machine
func (r *Reader) MonitoringStats() polling.Snapshot {
	return r.machine.Stats()
}

// StartDetection asks the monitoring state machine to wait for cards. It
// takes effect once an observer is registered.
func (r *Reader) StartDetection(mode PollingMode) {
	r.logger.Debug("start detection", "mode", mode)
	r.machine.StartDetection(mode)
}

// StopDetection returns monitoring to WaitForStartDetection, closing the
// channels of a card being processed
func (r *Reader) StopDetection() {
	r.logger.Debug("stop detection")
	r.machine.StopDetection()
}

// SetDefaultSelectionRequest configures the selection processed on every
// card insertion and which outcomes are notified, then starts detection in
// the current polling mode. A nil selection makes insertions notify
// SE_INSERTED without selecting.
func (r *Reader) SetDefaultSelectionRequest(selection *DefaultSelection, mode NotificationMode) {
	r.mu.Lock()
	r.defaultSelection = selection
	r.notificationMode = mode
	r.mu.Unlock()

	r.logger.Debug("default selection set, starting detection", "notification", mode)
	r.machine.StartDetection(r.machine.Mode())
}

// FinalizeCardProcessing tells monitoring that the application is done with
// the current card
func (r *Reader) FinalizeCardProcessing() {
	r.machine.Signal(polling.EventSeProcessed)
}

// Close stops monitoring, closes the channels and releases the transport.
// It must not be called from an observer.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.lifeMu.Lock()
	r.machine.Stop()
	r.lifeMu.Unlock()

	r.mu.Lock()
	r.closeBothLocked()
	r.mu.Unlock()

	if r.ownedPool != nil {
		r.ownedPool.Shutdown()
	}
	if err := r.transport.Close(); err != nil {
		return fmt.Errorf("reader %s: %w", r.name, err)
	}
	r.logger.Debug("reader closed")
	return nil
}

func (r *Reader) checkOpen() error {
	if r.closed.Load() {
		return fmt.Errorf("reader %s: %w", r.name, ErrReaderClosed)
	}
	return nil
}

// withTimeout applies the configured timeout when ctx has no deadline
func (r *Reader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.Timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.config.Timeout)
}
