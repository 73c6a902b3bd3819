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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApduResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		successful []StatusWord
		data       string
		sw         StatusWord
		ok         bool
	}{
		{name: "DataAndSuccess", raw: "01029000", data: "0102", sw: 0x9000, ok: true},
		{name: "StatusOnly", raw: "9000", data: "", sw: 0x9000, ok: true},
		{name: "Error", raw: "6A82", data: "", sw: 0x6A82, ok: false},
		{name: "AcceptedWarning", raw: "AA6283", successful: []StatusWord{0x9000, 0x6283}, data: "AA", sw: 0x6283, ok: true},
		{name: "CustomListExcludesSuccess", raw: "9000", successful: []StatusWord{0x6283}, data: "", sw: 0x9000, ok: false},
		{name: "Short", raw: "90", data: "", sw: 0, ok: false},
		{name: "Empty", raw: "", data: "", sw: 0, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := NewApduResponse(MustParseHex(tt.raw), tt.successful)
			assert.Equal(t, tt.data, FormatHex(resp.Data()))
			assert.Equal(t, tt.sw, resp.StatusWord())
			assert.Equal(t, tt.ok, resp.IsSuccessful())
			assert.Equal(t, tt.raw == "", resp.IsEmpty())
		})
	}
}

func TestBuildSelectApplication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		occurrence FileOccurrence
		control    FileControlInformation
		want       string
	}{
		{name: "FirstFCI", occurrence: OccurrenceFirst, control: FileControlFCI, want: selectTestAID},
		{name: "NextFCI", occurrence: OccurrenceNext, control: FileControlFCI, want: "00A404020AA000000291A00000019100"},
		{name: "LastFCP", occurrence: OccurrenceLast, control: FileControlFCP, want: "00A404050AA000000291A00000019100"},
		{name: "PreviousNoResponse", occurrence: OccurrencePrevious, control: FileControlNoResponse, want: "00A4040F0AA000000291A00000019100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatHex(buildSelectApplication(testAID, tt.occurrence, tt.control)))
		})
	}
}

func TestParseHex(t *testing.T) {
	t.Parallel()

	b, err := ParseHex("00 a4:04\t00")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00}, b)

	_, err = ParseHex("0G")
	require.ErrorIs(t, err, ErrInvalidParameter)

	assert.Panics(t, func() { MustParseHex("123") })

	req, err := ParseApduRequest("00 B2 01 0C 00", true)
	require.NoError(t, err)
	assert.True(t, req.Case4)
	assert.Equal(t, readRecord, req.String())
	req.Name = "Read Record"
	assert.Equal(t, "Read Record: "+readRecord, req.String())
}

func TestAtrFilter(t *testing.T) {
	t.Parallel()

	f, err := NewAtrFilter("3B8F8001804F0CA0000003060300.*")
	require.NoError(t, err)
	assert.True(t, f.Matches(testATR))
	assert.False(t, f.Matches(MustParseHex("3B6F")))
	assert.False(t, MustAtrFilter("3B8F").Matches(testATR), "the whole ATR must match")

	_, err = NewAtrFilter("(")
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "9000", SWSuccess.String())
	assert.Equal(t, "NEXT", OccurrenceNext.String())
	assert.Equal(t, "FCI", FileControlFCI.String())
	assert.Equal(t, "PROCESS_ALL", ProcessAll.String())
	assert.Equal(t, "FIRST_MATCH", FirstMatch.String())
	assert.Equal(t, "CLOSE_AFTER", CloseAfter.String())
	assert.Equal(t, "MATCHED_ONLY", NotifyMatchedOnly.String())
	assert.Equal(t, "Response{nil}", (*Response)(nil).String())
	assert.Contains(t, (&CardSelector{AidSelector: &AidSelector{AID: testAID}}).String(), "A000000291A000000191")
	assert.Equal(t, "CardSelector{nil}", (*CardSelector)(nil).String())
}
