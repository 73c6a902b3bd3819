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

package pn532

import (
	"testing"

	sim "github.com/ZaparooProject/go-seproxy/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	t.Run("NoTarget", func(t *testing.T) {
		t.Parallel()
		tgt, err := parseTarget(sim.BuildNoTargetResponse())
		require.NoError(t, err)
		assert.Nil(t, tgt)
	})

	t.Run("StorageCard", func(t *testing.T) {
		t.Parallel()
		tgt, err := parseTarget(sim.BuildTargetResponse([2]byte{0x00, 0x04}, 0x08, sim.TestMIFARE1KUID, nil))
		require.NoError(t, err)
		require.NotNil(t, tgt)
		assert.Equal(t, byte(0x01), tgt.tg)
		assert.Equal(t, [2]byte{0x00, 0x04}, tgt.ATQA)
		assert.Equal(t, byte(0x08), tgt.SAK)
		assert.Equal(t, sim.TestMIFARE1KUID, tgt.UID)
		assert.Nil(t, tgt.ATS)
	})

	t.Run("WithATS", func(t *testing.T) {
		t.Parallel()
		tgt, err := parseTarget(sim.BuildTargetResponse([2]byte{0x03, 0x44}, 0x20, sim.TestType4UID, sim.TestType4ATS))
		require.NoError(t, err)
		assert.Equal(t, sim.TestType4ATS, tgt.ATS)
	})

	for name, payload := range map[string][]byte{
		"WrongCommand": {0x41, 0x00},
		"Short":        {0x4B, 0x01, 0x01, 0x00},
		"TruncatedUID": {0x4B, 0x01, 0x01, 0x00, 0x04, 0x08, 0x07, 0x01, 0x02},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := parseTarget(payload)
			require.Error(t, err)
		})
	}
}
