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
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ZaparooProject/go-seproxy/polling"
)

// ProcessRequest processes one request: it opens and selects the logical
// channel when the request has a selector, then sends the APDUs in order.
//
// A selection that does not match is not an error; the response reports
// Matched() false and no APDU is sent. A transport failure closes both
// channels and returns a *PartialProcessingError holding what was
// collected.
func (r *Reader) ProcessRequest(ctx context.Context, req *Request, control ChannelControl) (*Response, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidParameter)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	r.mu.Lock()
	resp, err := r.processLocked(ctx, req)
	if err == nil && control == CloseAfter {
		r.closeAfterLocked()
	}
	r.mu.Unlock()

	if err != nil {
		var pe *PartialProcessingError
		if errors.As(err, &pe) {
			pe.Responses = []*Response{pe.Response}
		}
		return nil, err
	}
	if control == CloseAfter {
		r.machine.Signal(polling.EventSeProcessed)
	}
	return resp, nil
}

// ProcessRequestSet processes a set of requests. The returned slice has one
// entry per request; requests whose protocol does not match the card, and
// requests skipped after a FirstMatch success, leave a nil entry.
func (r *Reader) ProcessRequestSet(ctx context.Context, reqs []*Request, mode MultiRequestProcessing, control ChannelControl) ([]*Response, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if slices.Contains(reqs, nil) {
		return nil, fmt.Errorf("%w: nil request in set", ErrInvalidParameter)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	r.mu.Lock()
	responses, err := r.processSetLocked(ctx, reqs, mode)
	if err == nil && control == CloseAfter {
		r.closeAfterLocked()
	}
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if control == CloseAfter {
		r.machine.Signal(polling.EventSeProcessed)
	}
	return responses, nil
}

// closeAfterLocked closes the logical channel, and the physical one too
// when nobody observes the reader
func (r *Reader) closeAfterLocked() {
	r.closeLogicalLocked()
	if r.CountObservers() == 0 {
		r.closePhysicalLocked()
	}
}

func (r *Reader) processSetLocked(ctx context.Context, reqs []*Request, mode MultiRequestProcessing) ([]*Response, error) {
	matches := make([]bool, len(reqs))
	for i, req := range reqs {
		ok, err := r.matchesProtocolLocked(req.Selector)
		if err != nil {
			return nil, err
		}
		matches[i] = ok
	}

	responses := make([]*Response, len(reqs))
	for i, req := range reqs {
		if matches[i] {
			resp, err := r.processLocked(ctx, req)
			if err != nil {
				var pe *PartialProcessingError
				if errors.As(err, &pe) {
					responses[i] = pe.Response
					pe.Responses = responses[:i+1]
				}
				return nil, err
			}
			responses[i] = resp
		} else {
			debugf("[%s] request %d skipped: protocol %q does not match", r.name, i, req.Selector.Protocol)
		}

		if mode == ProcessAll {
			r.closeLogicalLocked()
		} else if r.logicalOpen {
			break
		}
	}
	return responses, nil
}

func (r *Reader) processLocked(ctx context.Context, req *Request) (*Response, error) {
	previouslyOpen := true
	var status *SelectionStatus

	if sel := req.Selector; sel != nil {
		if r.logicalOpen {
			if aid := sel.AidSelector; aid != nil {
				switch {
				case aid.Occurrence == OccurrenceNext:
					r.logger.Debug("next occurrence requested, closing logical channel")
					r.closeLogicalLocked()
				case r.currentAID == nil || !bytes.HasPrefix(r.currentAID, aid.AID):
					r.logger.Debug("AID changed, closing logical channel",
						"current", FormatHex(r.currentAID), "requested", FormatHex(aid.AID))
					r.closeLogicalLocked()
				default:
				}
			}
			status = r.currentStatus
		}

		if !r.logicalOpen {
			previouslyOpen = false
			selected, err := r.openAndSelectLocked(ctx, sel)
			if err != nil {
				var cse *ChannelStateError
				if errors.As(err, &cse) || errors.Is(err, ErrInvalidParameter) {
					return nil, err
				}
				r.closeBothLocked()
				return nil, &PartialProcessingError{Err: err, Response: &Response{}}
			}
			status = selected

			if !selected.Matched {
				r.closeLogicalLocked()
				return &Response{Selection: selected}, nil
			}
			r.logicalOpen = true
			if sel.AidSelector != nil && selected.FCI.IsSuccessful() {
				r.currentAID = slices.Clone(sel.AidSelector.AID)
			}
			r.currentStatus = selected
		}
	} else if !r.logicalOpen {
		return nil, &ChannelStateError{Reader: r.name, Reason: "no logical channel open and no selector given"}
	}

	apdus := make([]ApduResponse, 0, len(req.Apdus))
	for _, apdu := range req.Apdus {
		resp, err := r.transceiveLocked(ctx, apdu)
		if err != nil {
			r.logger.Debug("processing interrupted", "collected", len(apdus), "error", err)
			r.closeBothLocked()
			return nil, &PartialProcessingError{
				Err: err,
				Response: &Response{
					Selection:             status,
					Apdus:                 apdus,
					ChannelPreviouslyOpen: previouslyOpen,
				},
			}
		}
		apdus = append(apdus, resp)
	}

	return &Response{
		Selection:             status,
		Apdus:                 apdus,
		LogicalChannelOpen:    r.logicalOpen,
		ChannelPreviouslyOpen: previouslyOpen,
	}, nil
}
