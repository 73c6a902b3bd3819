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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ZaparooProject/go-seproxy/internal/crash"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned when submitting to a pool that was shut down
var ErrPoolClosed = errors.New("scheduler pool is shut down")

// DefaultPoolSize bounds the number of concurrently running jobs of a Pool
const DefaultPoolSize = 32

// Scheduler runs monitoring jobs off the caller's goroutine
type Scheduler interface {
	// Submit starts fn with a context derived from ctx. It blocks until a
	// worker is available and fails with ctx's error if ctx is done first.
	Submit(ctx context.Context, name string, fn func(ctx context.Context)) (*Task, error)
}

// Task is a handle on a submitted job
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel requests the job to stop
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed when the job has returned
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the job has returned
func (t *Task) Wait() {
	<-t.done
}

// Pool is a bounded worker pool shared by any number of machines. It must be
// shut down explicitly.
type Pool struct {
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	sem      *semaphore.Weighted
	logger   *slog.Logger
	submitMu sync.RWMutex
	closed   atomic.Bool
	running  atomic.Int64
}

// NewPool creates a pool running at most size jobs at once. A size of zero
// or less uses DefaultPoolSize.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		group:  &errgroup.Group{},
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
	}
}

// Submit implements Scheduler
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context)) (*Task, error) {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	jobCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	if err := p.sem.Acquire(jobCtx, 1); err != nil {
		stop()
		cancel()
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}
		return nil, err
	}
	if p.ctx.Err() != nil {
		p.sem.Release(1)
		stop()
		cancel()
		return nil, ErrPoolClosed
	}
	task := &Task{cancel: cancel, done: make(chan struct{})}

	p.group.Go(func() error {
		p.running.Add(1)
		defer func() {
			p.running.Add(-1)
			p.sem.Release(1)
			stop()
			cancel()
			close(task.done)
		}()
		defer func() {
			if r := recover(); r != nil {
				crash.Report(p.logger, name, r)
			}
		}()
		fn(jobCtx)
		return nil
	})
	return task, nil
}

// Running returns the number of jobs currently executing
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Shutdown cancels every running job and waits for them to return
func (p *Pool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	_ = p.group.Wait()
}
