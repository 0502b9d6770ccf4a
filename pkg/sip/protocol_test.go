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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNotifySipfrag(t *testing.T) {
	cases := []struct {
		body string
		code int
		err  bool
	}{
		{"SIP/2.0 100 Trying", 100, false},
		{"SIP/2.0 200 OK", 200, false},
		{"SIP/2.0 200 OK\r\n", 200, false},
		{"SIP/2.0 503 Service Unavailable\r\nExtra: header\r\n", 503, false},
		{"SIP/2.0 486 Busy Here", 486, false},
		{"", 0, true},
		{"garbage", 0, true},
		{"SIP/2.0 abc OK", 0, true},
		{"SIP/2.0 99 TooLow", 0, true},
		{"HTTP/1.1 200 OK", 0, true},
	}
	for _, c := range cases {
		code, err := parseNotifySipfrag(c.body)
		if c.err {
			require.Error(t, err, "body %q", c.body)
		} else {
			require.NoError(t, err, "body %q", c.body)
			require.Equal(t, c.code, code, "body %q", c.body)
		}
	}
}

func TestParseNotifyReferID(t *testing.T) {
	cases := []struct {
		event string
		id    uint32
		err   bool
	}{
		{"refer", 0, false},
		{"refer;id=42", 42, false},
		{"REFER;ID=7", 7, false},
		{" refer ;id=1", 1, false},
		{"refer;id=abc", 0, true},
		{"presence;id=1", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		id, err := parseNotifyReferID(c.event)
		if c.err {
			require.Error(t, err, "event %q", c.event)
		} else {
			require.NoError(t, err, "event %q", c.event)
			require.Equal(t, c.id, id, "event %q", c.event)
		}
	}
}

func TestTransferError(t *testing.T) {
	inner := &ErrorStatus{StatusCode: 486}
	err := error(&TransferError{Reason: ReasonSignalingRejected, Err: inner})
	require.Contains(t, err.Error(), "signaling_rejected")
	require.Contains(t, err.Error(), "486")

	var terr *TransferError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, ReasonSignalingRejected, terr.Reason)

	var status *ErrorStatus
	require.True(t, errors.As(err, &status))
	require.Equal(t, 486, status.StatusCode)

	bare := &TransferError{Reason: ReasonLegNotFound}
	require.Contains(t, bare.Error(), "leg_not_found")
	require.Nil(t, bare.Unwrap())
}

func TestErrorStatus(t *testing.T) {
	require.Equal(t, "sip status: 503", (&ErrorStatus{StatusCode: 503}).Error())
	require.Equal(t, "sip status: 503: busy", (&ErrorStatus{StatusCode: 503, Message: "busy"}).Error())
}
