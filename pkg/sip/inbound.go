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
	"strings"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/icholy/digest"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"
	"github.com/pion/rtp"

	"github.com/dopensource/ivr-agent/pkg/errors"
)

// byeTimeout bounds the BYE we send when tearing a leg down ourselves.
const byeTimeout = 5 * time.Second

var dtmfEventToChar = [256]byte{
	0: '0', 1: '1', 2: '2', 3: '3', 4: '4',
	5: '5', 6: '6', 7: '7', 8: '8', 9: '9',
	10: '*', 11: '#',
	12: 'a', 13: 'b', 14: 'c', 15: 'd',
}

func (s *Server) handleInviteAuth(req *sip.Request, tx sip.ServerTransaction, from string) (ok bool) {
	username, password := s.conf.TrunkUsername, s.conf.TrunkPassword
	if username == "" || password == "" {
		return true
	}

	var inviteState *inProgressInvite
	for i := range s.inProgressInvites {
		if s.inProgressInvites[i].from == from {
			inviteState = s.inProgressInvites[i]
		}
	}

	if inviteState == nil {
		if len(s.inProgressInvites) >= digestLimit {
			s.inProgressInvites = s.inProgressInvites[1:]
		}

		inviteState = &inProgressInvite{from: from}
		s.inProgressInvites = append(s.inProgressInvites, inviteState)
	}

	h := req.GetHeader("Proxy-Authorization")
	if h == nil {
		inviteState.challenge = digest.Challenge{
			Realm:     UserAgent,
			Nonce:     fmt.Sprintf("%d", time.Now().UnixMicro()),
			Algorithm: "MD5",
		}

		res := sip.NewResponseFromRequest(req, 407, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("Proxy-Authenticate", inviteState.challenge.String()))
		_ = tx.Respond(res)
		return false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 401, "Bad credentials", nil))
		return false
	}

	digCred, err := digest.Digest(&inviteState.challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 401, "Bad credentials", nil))
		return false
	}

	if cred.Response != digCred.Response {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 401, "Unauthorized", nil))
		return false
	}

	return true
}

func (s *Server) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	_, err := getTagValue(req)
	if err != nil {
		sipErrorResponse(tx, req)
		return
	}

	from := req.From()
	if from == nil {
		sipErrorResponse(tx, req)
		return
	}
	to := req.To()
	if to == nil {
		sipErrorResponse(tx, req)
		return
	}
	callID := req.CallID()
	if callID == nil {
		sipErrorResponse(tx, req)
		return
	}
	src := req.Source()

	if !s.handleInviteAuth(req, tx, from.Address.User) {
		// handleInviteAuth will generate the SIP response as needed
		return
	}

	call := s.newInboundCall(callID.Value(), from, to, src)
	call.handleInvite(req, tx)
}

type inboundCall struct {
	s    *Server
	log  logger.Logger
	id   string // SIP Call-ID; the platform-wide call identifier
	tag  string // our local tag on the dialog
	from *sip.FromHeader
	to   *sip.ToHeader
	src  string

	invite   *sip.Request
	inviteOk *sip.Response
	contact  *sip.Uri // caller's contact; recipient for in-dialog requests

	media *mediaConn

	nextCSeq  atomic.Uint32
	referCSeq atomic.Uint32
	referDone chan error

	done core.Fuse
}

func (s *Server) newInboundCall(id string, from *sip.FromHeader, to *sip.ToHeader, src string) *inboundCall {
	c := &inboundCall{
		s:         s,
		log:       s.log.WithValues("callID", id, "fromUser", from.Address.User),
		id:        id,
		tag:       utils.NewGuid("TG_"),
		from:      from,
		to:        to,
		src:       src,
		referDone: make(chan error, 1),
	}
	return c
}

func (c *inboundCall) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	// Media first: we will not receive DTMF without an RTP leg.
	answer, err := c.runMedia(req.Body())
	if err != nil {
		c.log.Warnw("failed to start media", err)
		sipErrorResponse(tx, req)
		return
	}
	c.invite = req
	if cont := req.Contact(); cont != nil {
		c.contact = &cont.Address
	}

	c.s.cmu.Lock()
	dup := c.s.activeCalls[c.id] != nil
	if !dup {
		c.s.activeCalls[c.id] = c
	}
	c.s.cmu.Unlock()
	if dup {
		c.log.Warnw("duplicate INVITE for active call", errors.ErrDuplicateSession)
		c.media.Close()
		sipErrorResponse(tx, req)
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	if to := res.To(); to != nil {
		if _, has := to.Params["tag"]; !has {
			to.Params.Add("tag", c.tag)
		}
	}
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "ivr", Host: c.s.signalingIp, Port: c.s.conf.SIPPort}})
	res.AppendHeader(&contentTypeHeaderSDP)
	c.inviteOk = res
	if err = tx.Respond(res); err != nil {
		c.log.Errorw("cannot respond to INVITE", err)
		c.close(false, "answer-failed")
		return
	}

	if err := c.s.handler.OnCallStarted(c.id, c.from.Address.User, c.to.Address.User); err != nil {
		c.log.Warnw("rejecting answered call", err)
		c.close(true, "rejected")
		return
	}
}

func (c *inboundCall) runMedia(offerData []byte) ([]byte, error) {
	conn, err := c.s.listenRTP()
	if err != nil {
		return nil, err
	}
	c.media = newMediaConn(conn, c.handleRTP)
	answer, err := sdpGenerateAnswer(offerData, c.s.signalingIp, c.media.Port())
	if err != nil {
		c.media.Close()
		return nil, err
	}
	c.media.Start()
	return answer, nil
}

// handleRTP picks RFC 2833 telephone-events out of the caller's RTP stream.
// The marker bit flags the start of an event; repeats are ignored.
func (c *inboundCall) handleRTP(p *rtp.Packet) {
	if p.PayloadType != dtmfPayloadType || !p.Marker || len(p.Payload) < 4 {
		return
	}
	digit := dtmfEventToChar[p.Payload[0]]
	if digit == 0 {
		return
	}
	if c.s.handler != nil {
		c.s.handler.OnDTMF(c.id, digit)
	}
}

// handleInfo accepts DTMF relayed over SIP INFO (application/dtmf-relay).
func (c *inboundCall) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	ct := req.GetHeader("Content-Type")
	if ct == nil || !strings.Contains(strings.ToLower(ct.Value()), "dtmf") {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	if digit, ok := parseDTMFRelay(string(req.Body())); ok && c.s.handler != nil {
		c.s.handler.OnDTMF(c.id, digit)
	}
}

// parseDTMFRelay extracts the digit from an application/dtmf-relay body,
// e.g. "Signal=5\r\nDuration=160".
func parseDTMFRelay(body string) (byte, bool) {
	for _, line := range strings.Split(body, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "Signal") {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) == 1 {
			return v[0], true
		}
		return 0, false
	}
	return 0, false
}

func (c *inboundCall) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	ev := req.GetHeader("Event")
	if ev == nil {
		sipErrorResponse(tx, req)
		return
	}
	id, err := parseNotifyReferID(ev.Value())
	if err != nil {
		sipErrorResponse(tx, req)
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	if id != 0 && id != c.referCSeq.Load() {
		// NOTIFY for a different REFER, skip
		return
	}

	code, err := parseNotifySipfrag(string(req.Body()))
	if err != nil {
		c.log.Infow("error parsing NOTIFY sipfrag", "error", err)
		return
	}
	c.log.Infow("handling NOTIFY", "status", code)
	switch {
	case code < 200:
		// still trying
	case code < 300:
		select {
		case c.referDone <- nil:
		default:
		}
	default:
		select {
		case c.referDone <- &ErrorStatus{StatusCode: code}:
		default:
		}
	}
}

// newInDialogRequest builds a request on the established dialog from the
// callee side: our To identity becomes From, the caller's From becomes To.
func (c *inboundCall) newInDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	if c.invite == nil || c.inviteOk == nil || c.contact == nil {
		return nil, errors.ErrCallNotEstablished
	}
	req := sip.NewRequest(method, *c.contact)

	local := c.inviteOk.To()
	if local == nil {
		return nil, errors.ErrCallNotEstablished
	}
	req.AppendHeader(&sip.FromHeader{
		DisplayName: local.DisplayName,
		Address:     local.Address,
		Params:      local.Params,
	})
	req.AppendHeader(&sip.ToHeader{
		DisplayName: c.from.DisplayName,
		Address:     c.from.Address,
		Params:      c.from.Params,
	})
	if callID := c.invite.CallID(); callID != nil {
		req.AppendHeader(callID)
	}
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      c.nextCSeq.Add(1),
		MethodName: method,
	})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "ivr", Host: c.s.signalingIp, Port: c.s.conf.SIPPort}})

	req.SetTransport(c.invite.Transport())
	req.SetDestination(c.invite.Source())
	return req, nil
}

func (c *inboundCall) sendBye() {
	bye, err := c.newInDialogRequest(sip.BYE)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	sendBye(ctx, c.s.sipCli, bye)
}

// close tears down the leg exactly once. sendBye is false when the caller
// already ended the dialog.
func (c *inboundCall) close(sendBye bool, reason string) {
	c.done.Once(func() {
		c.log.Infow("closing inbound call", "reason", reason)
		if sendBye {
			c.sendBye()
		}
		if c.media != nil {
			c.media.Close()
		}
		c.s.cmu.Lock()
		delete(c.s.activeCalls, c.id)
		c.s.cmu.Unlock()
		if c.s.handler != nil {
			c.s.handler.OnCallEnded(c.id)
		}
	})
}
