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

package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/livekit/protocol/logger"
	lkredis "github.com/livekit/protocol/redis"
	"github.com/redis/go-redis/v9"

	"github.com/dopensource/ivr-agent/pkg/config"
)

const publishTimeout = 2 * time.Second

// CallRecord is published once per call when its outcome is recorded.
type CallRecord struct {
	CallID      string    `json:"call_id"`
	FromUser    string    `json:"from_user,omitempty"`
	ToUser      string    `json:"to_user,omitempty"`
	Outcome     string    `json:"outcome"`
	Department  string    `json:"department,omitempty"`
	TransferURI string    `json:"transfer_uri,omitempty"`
	Attempts    int       `json:"attempts"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	NodeID      string    `json:"node_id"`
}

// Reporter publishes call outcomes to a redis channel for operator tooling.
// Without a redis config it is a no-op.
type Reporter struct {
	log     logger.Logger
	rc      redis.UniversalClient
	channel string
	nodeID  string
}

func NewReporter(conf *config.Config, log logger.Logger) (*Reporter, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	r := &Reporter{
		log:     log,
		channel: conf.OutcomeChannel,
		nodeID:  conf.NodeID,
	}
	if conf.Redis != nil {
		rc, err := lkredis.GetRedisClient(conf.Redis)
		if err != nil {
			return nil, err
		}
		r.rc = rc
	}
	return r, nil
}

func (r *Reporter) Enabled() bool {
	return r != nil && r.rc != nil
}

func (r *Reporter) Report(ctx context.Context, rec CallRecord) {
	if !r.Enabled() {
		return
	}
	rec.NodeID = r.nodeID
	data, err := json.Marshal(rec)
	if err != nil {
		r.log.Errorw("cannot marshal call record", err, "callID", rec.CallID)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.rc.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.Warnw("cannot publish call record", err, "callID", rec.CallID)
	}
}

func (r *Reporter) Close() {
	if r.rc != nil {
		_ = r.rc.Close()
	}
}
