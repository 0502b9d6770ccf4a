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
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/dopensource/ivr-agent/pkg/config"
)

func newTestDialog(t *testing.T) *inboundCall {
	t.Helper()
	srv := NewServer(&config.Config{SIPPort: 5060}, nil, nil)
	srv.signalingIp = "203.0.113.5"

	invite := sip.NewRequest(sip.INVITE, sip.Uri{User: "ivr", Host: "203.0.113.5"})
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "caller", Host: "198.51.100.10"},
		Params:  sip.HeaderParams{"tag": "remote-tag"},
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: "ivr", Host: "203.0.113.5"},
		Params:  sip.HeaderParams{},
	})
	callID := sip.CallIDHeader("test-call-id")
	invite.AppendHeader(&callID)
	invite.SetTransport("UDP")
	invite.SetSource("198.51.100.10:5060")

	c := srv.newInboundCall("test-call-id", invite.From(), invite.To(), invite.Source())
	c.invite = invite

	ok := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	to := ok.To()
	require.NotNil(t, to)
	to.Params = sip.HeaderParams{"tag": c.tag}
	c.inviteOk = ok
	c.contact = &sip.Uri{User: "caller", Host: "198.51.100.10", Port: 5060}
	return c
}

func TestInDialogRequestHeaders(t *testing.T) {
	c := newTestDialog(t)

	req, err := c.newInDialogRequest(sip.REFER)
	require.NoError(t, err)
	require.Equal(t, sip.REFER, req.Method)

	callID := req.CallID()
	require.NotNil(t, callID)
	require.Equal(t, "test-call-id", callID.Value())

	// From is our side of the dialog, To is the caller's.
	from := req.From()
	require.NotNil(t, from)
	require.Equal(t, "ivr", from.Address.User)
	require.Equal(t, c.tag, from.Params["tag"])

	to := req.To()
	require.NotNil(t, to)
	require.Equal(t, "caller", to.Address.User)
	require.Equal(t, "remote-tag", to.Params["tag"])

	cseq := req.CSeq()
	require.NotNil(t, cseq)
	require.Equal(t, sip.REFER, cseq.MethodName)
	first := cseq.SeqNo

	bye, err := c.newInDialogRequest(sip.BYE)
	require.NoError(t, err)
	byeCSeq := bye.CSeq()
	require.NotNil(t, byeCSeq)
	require.Equal(t, first+1, byeCSeq.SeqNo)
}

func TestInDialogRequestNotEstablished(t *testing.T) {
	srv := NewServer(&config.Config{SIPPort: 5060}, nil, nil)
	c := srv.newInboundCall("half-open", &sip.FromHeader{}, &sip.ToHeader{}, "")

	_, err := c.newInDialogRequest(sip.REFER)
	require.Error(t, err)
}
