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
	"errors"
	"fmt"
	"slices"
)

// The methods in this file make up the channel manager. They must be called
// with r.mu held and are the only code touching the transport.

// exchangeLocked sends one raw APDU
func (r *Reader) exchangeLocked(ctx context.Context, apdu []byte) ([]byte, error) {
	r.metrics.ApduTransmitted()
	debugf("[%s] >> %s", r.name, FormatHex(apdu))

	reply, err := AsTransportContext(r.transport).TransceiveAPDUContext(ctx, apdu)
	if err != nil {
		r.metrics.TransportError("transceive")
		if ctx.Err() != nil {
			return nil, NewTransportError("TransceiveAPDU", r.name, err, ErrorTypeTimeout)
		}
		return nil, wrapTransportError("TransceiveAPDU", err)
	}

	debugf("[%s] << %s", r.name, FormatHex(reply))
	return reply, nil
}

// transceiveLocked sends req and applies the case-4 recovery: a successful
// case-4 reply without data is followed by one GET RESPONSE whose reply
// keeps the original status word when it succeeds.
func (r *Reader) transceiveLocked(ctx context.Context, req ApduRequest) (ApduResponse, error) {
	raw, err := r.exchangeLocked(ctx, req.Bytes)
	if err != nil {
		return ApduResponse{}, err
	}
	resp := NewApduResponse(raw, req.SuccessfulStatusWords)
	if !req.Case4 || !resp.IsSuccessful() || len(resp.Data()) > 0 {
		return resp, nil
	}

	debugf("[%s] case 4 command %q answered %s without data, sending GET RESPONSE", r.name, req.Name, resp.StatusWord())
	recovered, err := r.exchangeLocked(ctx, getResponseCommand)
	if err != nil {
		return ApduResponse{}, err
	}
	out := NewApduResponse(recovered, nil)
	if out.IsSuccessful() {
		recovered = slices.Clone(recovered)
		n := len(recovered)
		recovered[n-2], recovered[n-1] = raw[0], raw[1]
		out = NewApduResponse(recovered, nil)
	}
	return out, nil
}

func (r *Reader) openPhysicalLocked() error {
	if r.transport.IsPhysicalChannelOpen() {
		return nil
	}
	if err := r.transport.OpenPhysicalChannel(); err != nil {
		r.metrics.TransportError("openPhysicalChannel")
		return NewChannelOpenError(r.name, err)
	}
	if !r.transport.IsPhysicalChannelOpen() {
		return NewChannelOpenError(r.name, nil)
	}
	r.logger.Debug("physical channel opened")
	return nil
}

func (r *Reader) closeLogicalLocked() {
	r.logicalOpen = false
	r.currentAID = nil
	r.currentStatus = nil
}

// closePhysicalLocked closes the physical channel, and with it the logical
// one. Close failures are logged.
func (r *Reader) closePhysicalLocked() {
	r.closeLogicalLocked()
	if err := r.transport.ClosePhysicalChannel(); err != nil {
		r.metrics.TransportError("closePhysicalChannel")
		r.logger.Warn("closing physical channel failed", "error", err)
		return
	}
	r.logger.Debug("physical channel closed")
}

func (r *Reader) closeBothLocked() {
	r.closeLogicalLocked()
	r.closePhysicalLocked()
}

// openAndSelectLocked opens the physical channel if needed and runs the
// selection described by selector: ATR filtering first, then the
// application selection when the ATR matched.
func (r *Reader) openAndSelectLocked(ctx context.Context, selector *CardSelector) (*SelectionStatus, error) {
	if selector == nil {
		return nil, &ChannelStateError{Reader: r.name, Reason: "cannot open a logical channel without selector"}
	}
	if err := r.openPhysicalLocked(); err != nil {
		return nil, err
	}

	atr := r.transport.ATR()
	matched := true
	if selector.AtrFilter != nil {
		if len(atr) == 0 {
			return nil, NewIOError("ATR", r.name, fmt.Errorf("%w: card gave no ATR", ErrTransportRead))
		}
		if !selector.AtrFilter.Matches(atr) {
			r.logger.Info("ATR did not match", "atr", FormatHex(atr), "filter", selector.AtrFilter.Pattern())
			matched = false
		}
	}

	if !matched || selector.AidSelector == nil {
		return &SelectionStatus{ATR: atr, Matched: matched}, nil
	}

	fci, err := r.selectApplicationLocked(ctx, selector.AidSelector)
	if err != nil {
		return nil, err
	}
	if !fci.IsSuccessful() {
		r.logger.Debug("application selection failed", "aid", FormatHex(selector.AidSelector.AID), "sw", fci.StatusWord())
	}
	return &SelectionStatus{ATR: atr, FCI: fci, Matched: fci.IsSuccessful()}, nil
}

// selectApplicationLocked sends SELECT by name and, when the card answers
// without data, reads the FCI with GET DATA
func (r *Reader) selectApplicationLocked(ctx context.Context, aid *AidSelector) (ApduResponse, error) {
	if len(aid.AID) == 0 {
		return ApduResponse{}, fmt.Errorf("%w: empty AID", ErrInvalidParameter)
	}

	fci, err := r.transceiveLocked(ctx, ApduRequest{
		Name:                  "Internal Select Application",
		Bytes:                 buildSelectApplication(aid.AID, aid.Occurrence, aid.FileControl),
		SuccessfulStatusWords: aid.SuccessfulStatusWords,
		Case4:                 true,
	})
	if err != nil {
		return ApduResponse{}, err
	}
	if !fci.IsSuccessful() || len(fci.Data()) > 0 {
		return fci, nil
	}

	return r.transceiveLocked(ctx, ApduRequest{
		Name:                  "Internal Get Data",
		Bytes:                 getDataFCICommand,
		SuccessfulStatusWords: aid.SuccessfulStatusWords,
	})
}

// IsCardPresent asks the transport for a card. When the card is gone while
// a channel is still open, the channels are closed and SE_REMOVED is
// notified before returning.
func (r *Reader) IsCardPresent(ctx context.Context) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	present, err := r.transport.CheckPresence()
	if err != nil {
		r.mu.Unlock()
		r.metrics.TransportError("checkPresence")
		if errors.Is(err, ErrNoCard) {
			return false, nil
		}
		return false, fmt.Errorf("reader %s: %w", r.name, err)
	}
	if present || !(r.logicalOpen || r.transport.IsPhysicalChannelOpen()) {
		r.mu.Unlock()
		return present, nil
	}

	r.logger.Debug("card gone with open channels")
	r.closeBothLocked()
	session := r.endSessionLocked()
	r.mu.Unlock()

	r.notify(r.newEvent(EventSeRemoved, session, nil))
	return false, nil
}
