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

// Package crash reports recovered panics from background goroutines and
// observer callbacks.
package crash

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

const envSentryDSN = "SEPROXY_SENTRY_DSN"

var enabled atomic.Bool

// Init enables Sentry crash reporting. An empty dsn falls back to the
// SEPROXY_SENTRY_DSN environment variable; when both are empty reporting
// stays disabled and Init returns false.
func Init(dsn, release, environment string) bool {
	if dsn == "" {
		dsn = os.Getenv(envSentryDSN)
	}
	if dsn == "" {
		return false
	}
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          release,
		Environment:      environment,
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}
	enabled.Store(true)
	return true
}

// Enabled reports whether Init succeeded
func Enabled() bool {
	return enabled.Load()
}

// Flush waits for buffered reports to be sent
func Flush(timeout time.Duration) {
	if enabled.Load() {
		sentry.Flush(timeout)
	}
}

// Report logs a recovered panic value and forwards it to Sentry
func Report(logger *slog.Logger, where string, recovered any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("recovered panic",
		"where", where,
		"panic", fmt.Sprint(recovered),
		"stack", string(debug.Stack()),
	)
	if enabled.Load() {
		hub := sentry.CurrentHub().Clone()
		hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("where", where)
		})
		hub.Recover(recovered)
	}
}
