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

// Package pcsc is the seproxy back-end for PC/SC readers. It talks to the
// system smart card service through github.com/ebfe/scard.
package pcsc

import (
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"

	seproxy "github.com/ZaparooProject/go-seproxy"
)

// Context is the part of a PC/SC resource manager context the transport
// uses
type Context interface {
	ListReaders() ([]string, error)
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
	Cancel() error
	Release() error
}

// Card is a connection to the card in one reader
type Card interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (*scard.CardStatus, error)
	Disconnect(d scard.Disposition) error
}

// ContextFactory establishes resource manager contexts
type ContextFactory func() (Context, error)

type scardContext struct {
	*scard.Context
}

// EstablishContext connects to the PC/SC service
func EstablishContext() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	return scardContext{ctx}, nil
}

func (c scardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error) {
	card, err := c.Context.Connect(reader, mode, proto)
	if err != nil {
		return nil, err
	}
	return card, nil
}

// ListReaders returns the readers known to the PC/SC service
func ListReaders() ([]string, error) {
	return listReaders(EstablishContext)
}

func listReaders(factory ContextFactory) ([]string, error) {
	ctx, err := factory()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ctx.Release() }()

	readers, err := ctx.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}
	if err != nil {
		return nil, seproxy.NewIOError("listReaders", "", err)
	}
	return readers, nil
}

// cardGone reports PC/SC errors meaning the card left the reader
func cardGone(err error) bool {
	return errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrUnpoweredCard) ||
		errors.Is(err, scard.ErrUnresponsiveCard)
}

// busy reports PC/SC errors worth another connection attempt
func busy(err error) bool {
	return errors.Is(err, scard.ErrSharingViolation) || errors.Is(err, scard.ErrNotReady)
}

// readerGone reports PC/SC errors meaning the reader itself is unusable
func readerGone(err error) bool {
	return errors.Is(err, scard.ErrUnknownReader) ||
		errors.Is(err, scard.ErrReaderUnavailable) ||
		errors.Is(err, scard.ErrNoService) ||
		errors.Is(err, scard.ErrServiceStopped)
}
