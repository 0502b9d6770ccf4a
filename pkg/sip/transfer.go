// Copyright 2024 dOpenSource.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sip

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// TransferCall hands the call back to the carrier with a REFER to transferTo.
// At most one REFER is ever issued per call: calls with a recorded outcome
// and calls whose leg is gone both report leg_not_found.
func (s *Server) TransferCall(ctx context.Context, callID, transferTo string) error {
	if s.handler != nil && s.handler.HasOutcome(callID) {
		return &TransferError{Reason: ReasonLegNotFound, Err: fmt.Errorf("call already has a recorded outcome")}
	}
	c := s.getCall(callID)
	if c == nil {
		return &TransferError{Reason: ReasonLegNotFound}
	}
	return c.transferCall(ctx, transferTo)
}

func (c *inboundCall) transferCall(ctx context.Context, transferTo string) error {
	if c.done.IsBroken() {
		return &TransferError{Reason: ReasonLegNotFound}
	}
	c.log.Infow("transferring call", "transferTo", transferTo)
	c.s.mon.TransferRequested()
	start := time.Now()

	err := c.sendRefer(ctx, transferTo)

	reason := ""
	var terr *TransferError
	if stderrors.As(err, &terr) {
		reason = string(terr.Reason)
	}
	c.s.mon.TransferDone(reason, time.Since(start))
	if err != nil {
		return err
	}

	// The carrier owns the new leg now; drop ours.
	c.close(true, "transferred")
	return nil
}

func (c *inboundCall) sendRefer(ctx context.Context, transferTo string) error {
	req, err := c.newInDialogRequest(sip.REFER)
	if err != nil {
		return &TransferError{Reason: ReasonLegNotFound, Err: err}
	}
	req.AppendHeader(sip.NewHeader("Refer-To", transferTo))
	req.AppendHeader(sip.NewHeader("Referred-By", fmt.Sprintf("<sip:%s@%s>", c.to.Address.User, c.s.signalingIp)))

	cseq := req.CSeq()
	if cseq == nil {
		return &TransferError{Reason: ReasonSignalingRejected, Err: errors.New("missing CSeq header in REFER request")}
	}
	c.referCSeq.Store(cseq.SeqNo)

	tx, err := c.s.sipCli.TransactionRequest(ctx, req)
	if err != nil {
		return &TransferError{Reason: ReasonSignalingRejected, Err: errors.Wrap(err, "REFER send failed")}
	}
	defer tx.Terminate()

	resp, err := sipResponse(ctx, tx)
	if err != nil {
		if ctx.Err() != nil {
			return &TransferError{Reason: ReasonTimeout, Err: ctx.Err()}
		}
		return &TransferError{Reason: ReasonSignalingRejected, Err: err}
	}
	switch resp.StatusCode {
	case 200, 202:
	default:
		return &TransferError{Reason: ReasonSignalingRejected, Err: &ErrorStatus{StatusCode: int(resp.StatusCode)}}
	}

	// REFER is accepted; the far end reports progress via NOTIFY sipfrag.
	select {
	case <-ctx.Done():
		return &TransferError{Reason: ReasonTimeout, Err: ctx.Err()}
	case err := <-c.referDone:
		if err != nil {
			return &TransferError{Reason: ReasonSignalingRejected, Err: err}
		}
	}
	return nil
}
