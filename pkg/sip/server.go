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
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/livekit/protocol/logger"
	"golang.org/x/exp/maps"

	"github.com/dopensource/ivr-agent/pkg/config"
	"github.com/dopensource/ivr-agent/pkg/stats"
)

const (
	UserAgent   = "dOpenSource-IVR"
	digestLimit = 500
)

var (
	contentTypeHeaderSDP = sip.ContentTypeHeader("application/sdp")
)

// Handler connects inbound call legs to the IVR core.
type Handler interface {
	// OnCallStarted runs once a call is answered. An error tears the leg
	// back down.
	OnCallStarted(callID, fromUser, toUser string) error
	OnDTMF(callID string, digit byte)
	OnHangup(callID string)
	// OnCallEnded runs once the leg is closed or handed off; the session
	// may be removed from the registry after this point.
	OnCallEnded(callID string)
	// HasOutcome reports whether the call already has a recorded outcome.
	// The transfer executor refuses a REFER for such calls.
	HasOutcome(callID string) bool
}

type Server struct {
	conf        *config.Config
	log         logger.Logger
	mon         *stats.Monitor
	sipSrv      *sipgo.Server
	sipCli      *sipgo.Client
	signalingIp string

	inProgressInvites []*inProgressInvite

	cmu         sync.RWMutex
	activeCalls map[string]*inboundCall // keyed by SIP Call-ID

	rtpOff  atomic.Int32
	handler Handler
}

type inProgressInvite struct {
	from      string
	challenge digest.Challenge
}

func NewServer(conf *config.Config, log logger.Logger, mon *stats.Monitor) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Server{
		conf:              conf,
		log:               log,
		mon:               mon,
		activeCalls:       make(map[string]*inboundCall),
		inProgressInvites: []*inProgressInvite{},
	}
}

func (s *Server) SetHandler(handler Handler) {
	s.handler = handler
}

func (s *Server) Start(agent *sipgo.UserAgent) error {
	var err error
	if s.conf.UseExternalIP {
		if s.signalingIp, err = getPublicIP(); err != nil {
			return err
		}
	} else if s.conf.NAT1To1IP != "" {
		s.signalingIp = s.conf.NAT1To1IP
	} else {
		if s.signalingIp, err = getLocalIP(); err != nil {
			return err
		}
	}
	s.log.Infow("sip server starting", "signalingIp", s.signalingIp, "port", s.conf.SIPPort)

	if agent == nil {
		ua, err := sipgo.NewUA(
			sipgo.WithUserAgent(UserAgent),
		)
		if err != nil {
			return err
		}
		agent = ua
	}

	if s.sipSrv, err = sipgo.NewServer(agent); err != nil {
		return err
	}
	if s.sipCli, err = sipgo.NewClient(agent, sipgo.WithClientHostname(s.signalingIp)); err != nil {
		return err
	}

	s.sipSrv.OnInvite(s.onInvite)
	s.sipSrv.OnBye(s.onBye)
	s.sipSrv.OnNotify(s.onNotify)
	s.sipSrv.OnInfo(s.onInfo)

	// Ignore ACKs
	s.sipSrv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})

	go func() {
		if err := s.sipSrv.ListenAndServe(context.TODO(), "udp", fmt.Sprintf("0.0.0.0:%d", s.conf.SIPPort)); err != nil {
			s.log.Errorw("sip listener stopped", err)
		}
	}()

	return nil
}

func (s *Server) Stop() {
	s.cmu.Lock()
	calls := maps.Values(s.activeCalls)
	s.activeCalls = make(map[string]*inboundCall)
	s.cmu.Unlock()
	for _, c := range calls {
		c.close(true, "shutdown")
	}
	if s.sipSrv != nil {
		_ = s.sipSrv.Close()
	}
	if s.sipCli != nil {
		_ = s.sipCli.Close()
	}
}

func (s *Server) ActiveCalls() int {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	return len(s.activeCalls)
}

func (s *Server) getCall(callID string) *inboundCall {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	return s.activeCalls[callID]
}

// CloseCall tears down the leg for a call that ended agent-side. It is a
// no-op for unknown or already-closed calls.
func (s *Server) CloseCall(callID, reason string) {
	if c := s.getCall(callID); c != nil {
		c.close(true, reason)
	}
}

func (s *Server) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		sipErrorResponse(tx, req)
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	c := s.getCall(callID.Value())
	if c == nil {
		return
	}
	c.log.Infow("caller sent BYE")
	if s.handler != nil {
		s.handler.OnHangup(c.id)
	}
	c.close(false, "caller-hangup")
}

func (s *Server) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		sipErrorResponse(tx, req)
		return
	}
	c := s.getCall(callID.Value())
	if c == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call Leg Does Not Exist", nil))
		return
	}
	c.handleNotify(req, tx)
}

func (s *Server) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		sipErrorResponse(tx, req)
		return
	}
	c := s.getCall(callID.Value())
	if c == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call Leg Does Not Exist", nil))
		return
	}
	c.handleInfo(req, tx)
}

func (s *Server) listenRTP() (*net.UDPConn, error) {
	start, end := s.conf.RTPPort.Start, s.conf.RTPPort.End
	span := end - start
	for i := 0; i < span; i++ {
		port := start + int(s.rtpOff.Add(1))%span
		conn, err := net.ListenUDP("udp", &net.UDPAddr{
			IP:   net.IPv4zero,
			Port: port,
		})
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no free RTP port in %d-%d", start, end)
}

func getLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip := ipnet.IP.To4(); ip != nil {
				return ip.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

func getPublicIP() (string, error) {
	req, err := http.Get("http://ip-api.com/json/")
	if err != nil {
		return "", err
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return "", err
	}

	ip := struct {
		Query string
	}{}
	if err = json.Unmarshal(body, &ip); err != nil {
		return "", err
	}
	if ip.Query == "" {
		return "", fmt.Errorf("public IP lookup returned no address")
	}
	return ip.Query, nil
}
