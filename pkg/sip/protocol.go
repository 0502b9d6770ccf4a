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
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

type ErrorStatus struct {
	StatusCode int
	Message    string
}

func (e *ErrorStatus) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sip status: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sip status: %d", e.StatusCode)
}

// TransferReason classifies a failed REFER.
type TransferReason string

const (
	ReasonLegNotFound       = TransferReason("leg_not_found")
	ReasonSignalingRejected = TransferReason("signaling_rejected")
	ReasonTimeout           = TransferReason("timeout")
)

// TransferError is the typed failure reported by the transfer executor.
type TransferError struct {
	Reason TransferReason
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transfer failed: %s", e.Reason)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Signaling is the subset of the SIP client needed to run in-dialog requests.
type Signaling interface {
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
}

var _ Signaling = (*sipgo.Client)(nil)

// sipResponse waits out provisional responses and returns the final one.
func sipResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	cnt := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction failed to complete (%d intermediate responses)", cnt)
		case res := <-tx.Responses():
			switch res.StatusCode {
			default:
				return res, nil
			case 100, 180, 183:
				// continue
				cnt++
			}
		}
	}
}

func sendBye(ctx context.Context, c Signaling, bye *sip.Request) {
	tx, err := c.TransactionRequest(ctx, bye)
	if err != nil {
		return
	}
	defer tx.Terminate()
	_, _ = sipResponse(ctx, tx)
}

// parseNotifySipfrag extracts the status code from a REFER NOTIFY body,
// e.g. "SIP/2.0 200 OK".
func parseNotifySipfrag(body string) (int, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/") {
		return 0, fmt.Errorf("malformed sipfrag: %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 699 {
		return 0, fmt.Errorf("malformed sipfrag status: %q", line)
	}
	return code, nil
}

// parseNotifyReferID extracts the REFER CSeq from an Event header value,
// e.g. "refer;id=42". A missing id yields zero.
func parseNotifyReferID(event string) (uint32, error) {
	kind, params, _ := strings.Cut(event, ";")
	if !strings.EqualFold(strings.TrimSpace(kind), "refer") {
		return 0, fmt.Errorf("unexpected event package: %q", event)
	}
	for _, p := range strings.Split(params, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "id") {
			id, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return 0, fmt.Errorf("malformed refer id: %q", event)
			}
			return uint32(id), nil
		}
	}
	return 0, nil
}

func getTagValue(req *sip.Request) (string, error) {
	from := req.From()
	if from == nil {
		return "", fmt.Errorf("no From on Request")
	}

	tag, ok := from.Params["tag"]
	if !ok {
		return "", fmt.Errorf("no tag on From")
	}

	return tag, nil
}

func sipErrorResponse(tx sip.ServerTransaction, req *sip.Request) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "", nil))
}
