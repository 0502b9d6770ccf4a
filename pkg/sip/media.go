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
	"net"

	"github.com/frostbyte73/core"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
)

const (
	// dtmfPayloadType is the negotiated telephone-event payload (RFC 2833).
	dtmfPayloadType = 101

	rtpMTU = 1500
)

// mediaConn is the minimal RTP leg the agent keeps per call. Prompt audio is
// produced by the external TTS facility; this side only listens, and only for
// telephone-events.
type mediaConn struct {
	conn   *net.UDPConn
	onRTP  func(p *rtp.Packet)
	closed core.Fuse
}

func newMediaConn(conn *net.UDPConn, onRTP func(p *rtp.Packet)) *mediaConn {
	return &mediaConn{conn: conn, onRTP: onRTP}
}

func (m *mediaConn) Port() int {
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

func (m *mediaConn) Start() {
	go m.readLoop()
}

func (m *mediaConn) readLoop() {
	buf := make([]byte, rtpMTU)
	for {
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var p rtp.Packet
		if err := p.Unmarshal(buf[:n]); err != nil {
			continue
		}
		m.onRTP(&p)
	}
}

func (m *mediaConn) Close() {
	m.closed.Once(func() {
		_ = m.conn.Close()
	})
}

// sdpGenerateAnswer accepts the caller's offer with a PCMU+telephone-event
// answer pointing at our RTP listener.
func sdpGenerateAnswer(offerData []byte, publicIp string, rtpListenerPort int) ([]byte, error) {
	offer := sdp.SessionDescription{}
	if err := offer.Unmarshal(offerData); err != nil {
		return nil, err
	}

	answer := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      offer.Origin.SessionID,
			SessionVersion: offer.Origin.SessionID + 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: publicIp,
		},
		SessionName: "dOpenSource",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: publicIp},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpListenerPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "101"},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-16"},
					{Key: "ptime", Value: "20"},
					{Key: "maxptime", Value: "150"},
					{Key: "sendrecv"},
				},
			},
		},
	}

	return answer.Marshal()
}
