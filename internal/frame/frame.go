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

package frame

import (
	"bytes"
	"errors"
)

// Frame errors
var (
	ErrDataTooLarge     = errors.New("frame data too large")
	ErrFrameCorrupted   = errors.New("frame corrupted")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrIncomplete       = errors.New("incomplete frame")
	ErrApplication      = errors.New("pn532 application error frame")
)

// Encode wraps tfi and data in a normal information frame, or in an
// extended frame when the block does not fit a single length byte.
func Encode(tfi byte, data []byte) ([]byte, error) {
	n := len(data) + 1
	if n > MaxFrameDataLength {
		return nil, ErrDataTooLarge
	}

	out := make([]byte, 0, n+10)
	out = append(out, Preamble, StartCode1, StartCode2)
	if n > MaxNormalDataLength {
		hi, lo := byte(n>>8), byte(n)
		out = append(out, 0xFF, 0xFF, hi, lo, ^(hi+lo)+1)
	} else {
		out = append(out, byte(n), CalculateLengthChecksum(byte(n)))
	}
	out = append(out, tfi)
	out = append(out, data...)
	out = append(out, CalculateDataChecksum(tfi, data), Postamble)
	return out, nil
}

// BuildCommand returns the host frame carrying cmd and its parameters
func BuildCommand(cmd byte, args []byte) ([]byte, error) {
	data := make([]byte, 0, len(args)+1)
	data = append(data, cmd)
	data = append(data, args...)
	return Encode(HostToPn532, data)
}

// FindStart returns the index just after the 00 FF start code, or -1
func FindStart(buf []byte) int {
	idx := bytes.Index(buf, []byte{StartCode1, StartCode2})
	if idx < 0 {
		return -1
	}
	return idx + 2
}

// SplitAck looks for an ACK frame in buf and returns what follows it
func SplitAck(buf []byte) (rest []byte, found bool) {
	// the leading preamble byte is optional on some links
	idx := bytes.Index(buf, AckFrame[1:])
	if idx < 0 {
		return buf, false
	}
	return buf[idx+len(AckFrame)-1:], true
}

// Decode parses the first information frame in buf. It returns the frame
// payload following the TFI, which must equal tfi, and the number of bytes
// consumed. ErrIncomplete means more bytes are needed.
func Decode(buf []byte, tfi byte) (data []byte, consumed int, err error) {
	start := FindStart(buf)
	if start < 0 || len(buf) < start+2 {
		return nil, 0, ErrIncomplete
	}

	length := int(buf[start])
	lcs := buf[start+1]
	body := start + 2
	if buf[start] == 0xFF && lcs == 0xFF {
		if len(buf) < start+5 {
			return nil, 0, ErrIncomplete
		}
		hi, lo := buf[start+2], buf[start+3]
		if hi+lo+buf[start+4] != 0 {
			return nil, 0, ErrFrameCorrupted
		}
		length = int(hi)<<8 | int(lo)
		body = start + 5
	} else if buf[start]+lcs != 0 {
		return nil, 0, ErrFrameCorrupted
	}
	if length == 0 || length > MaxFrameDataLength {
		return nil, 0, ErrFrameCorrupted
	}

	if len(buf) < body+length+1 {
		return nil, 0, ErrIncomplete
	}
	block := buf[body : body+length]
	if CalculateChecksum(block)+buf[body+length] != 0 {
		return nil, 0, ErrChecksumMismatch
	}

	consumed = min(body+length+2, len(buf))
	if length == 1 && block[0] == errorFrameCode {
		return nil, consumed, ErrApplication
	}
	if block[0] != tfi {
		return nil, consumed, ErrFrameCorrupted
	}
	return bytes.Clone(block[1:]), consumed, nil
}
