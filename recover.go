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
	"time"

	"github.com/ZaparooProject/go-seproxy/internal/crash"
)

// InitCrashReporting enables Sentry reporting of panics recovered in
// monitoring jobs and observer callbacks. An empty dsn falls back to the
// SEPROXY_SENTRY_DSN environment variable. It reports whether reporting is
// enabled.
func InitCrashReporting(dsn, release, environment string) bool {
	return crash.Init(dsn, release, environment)
}

// FlushCrashReports waits up to timeout for pending reports to be sent
func FlushCrashReports(timeout time.Duration) {
	crash.Flush(timeout)
}
