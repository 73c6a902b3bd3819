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

package detection

import (
	"path/filepath"
	"strings"
)

// DefaultBlocklist returns USB devices never opened during detection.
// Entries are VID:PID in hexadecimal.
func DefaultBlocklist() []string {
	return []string{
		// debug probes: opening their virtual COM port resets the target board
		"1366:0105",
		"0483:374B",
		"0D28:0204",
	}
}

// IsBlocked reports whether vidpid is in blocklist, ignoring case
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = strings.TrimSpace(vidpid)
	if vidpid == "" {
		return false
	}
	for _, blocked := range blocklist {
		if strings.EqualFold(vidpid, strings.TrimSpace(blocked)) {
			return true
		}
	}
	return false
}

// ParseVIDPID normalizes a USB id found in descriptors such as
// "VID:1A86 PID:7523", "vendor=1a86 product=7523" or "1a86:7523" to
// "1A86:7523". It returns "" when no id is found.
func ParseVIDPID(descriptor string) string {
	descriptor = strings.ToUpper(descriptor)

	vid := hexAfter(descriptor, "VID:", "VID=", "VID_", "VENDOR=")
	pid := hexAfter(descriptor, "PID:", "PID=", "PID_", "PRODUCT=")
	if vid != "" && pid != "" {
		return vid + ":" + pid
	}

	vid, pid, ok := strings.Cut(strings.TrimSpace(descriptor), ":")
	if ok && isHex(vid) && isHex(pid) {
		return vid + ":" + pid
	}
	return ""
}

// FormatVIDPID joins the ids reported by a port enumerator
func FormatVIDPID(vid, pid string) string {
	if !isHex(vid) || !isHex(pid) {
		return ""
	}
	return strings.ToUpper(vid) + ":" + strings.ToUpper(pid)
}

func hexAfter(s string, keys ...string) string {
	for _, key := range keys {
		idx := strings.Index(s, key)
		if idx < 0 {
			continue
		}
		rest := s[idx+len(key):]
		end := strings.IndexFunc(rest, func(r rune) bool { return !isHexRune(r) })
		if end < 0 {
			end = len(rest)
		}
		if end > 0 {
			return rest[:end]
		}
	}
	return ""
}

func isHexRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') || (r >= 'a' && r <= 'f')
}

func isHex(s string) bool {
	return s != "" && strings.IndexFunc(s, func(r rune) bool { return !isHexRune(r) }) < 0
}

// IsPathIgnored reports whether devicePath matches one of ignorePaths after
// cleaning, ignoring case
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" {
		return false
	}
	device := normalizedPath(devicePath)
	for _, ignored := range ignorePaths {
		if ignored != "" && normalizedPath(ignored) == device {
			return true
		}
	}
	return false
}

// normalizedPath makes "COM3" and "com3" or "/dev/../dev/ttyUSB0" and
// "/dev/ttyUSB0" compare equal
func normalizedPath(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
