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

package ivr

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/protocol/logger"
	"golang.org/x/exp/maps"

	"github.com/dopensource/ivr-agent/pkg/errors"
)

// completedCacheSize bounds the window used to reject duplicate call IDs and
// repeat transfer attempts for calls that already have a recorded outcome.
const completedCacheSize = 4096

// Registry is the process-wide authority resolving call IDs to sessions.
// Per-session state needs no cross-session locking: only the owning session
// goroutine mutates it.
type Registry struct {
	log logger.Logger

	mu        sync.RWMutex
	active    map[string]*Session
	completed *lru.Cache[string, Outcome]
}

func NewRegistry(log logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	completed, err := lru.New[string, Outcome](completedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		log:       log,
		active:    make(map[string]*Session),
		completed: completed,
	}, nil
}

// Create registers a session under its call ID and starts its event loop.
// A call ID that is active, or that recently completed, is rejected.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.CallID()
	if _, ok := r.active[id]; ok {
		return errors.ErrDuplicateSession
	}
	if _, ok := r.completed.Get(id); ok {
		return errors.ErrDuplicateSession
	}
	r.active[id] = s
	s.Start()
	return nil
}

func (r *Registry) Lookup(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.active[callID]
	return s, ok
}

// Dispatch routes an event to the session owning callID. Events for absent
// or terminal sessions are dropped with a log line, never propagated: these
// are platform-integration races, not caller-visible failures.
func (r *Registry) Dispatch(callID string, ev Event) {
	s, ok := r.Lookup(callID)
	if !ok {
		r.log.Infow("dropping event for unknown call", "callID", callID, "event", ev.eventName())
		return
	}
	if s.Terminal() {
		r.log.Debugw("dropping event for terminal session", "callID", callID, "event", ev.eventName())
		return
	}
	s.Dispatch(ev)
}

// Remove deletes a session from the registry. It is only permitted once the
// outcome is recorded; the outcome stays in the completed cache so a second
// transfer for the same call ID can be refused.
func (r *Registry) Remove(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[callID]
	if !ok {
		return errors.ErrSessionNotFound
	}
	out, done := s.Outcome()
	if !done {
		return errors.ErrSessionActive
	}
	delete(r.active, callID)
	r.completed.Add(callID, out)
	return nil
}

// CompletedOutcome reports the recorded outcome for a call, either still
// registered or recently removed. The transfer executor uses this as its
// second-REFER guard.
func (r *Registry) CompletedOutcome(callID string) (Outcome, bool) {
	r.mu.RLock()
	s, ok := r.active[callID]
	r.mu.RUnlock()
	if ok {
		return s.Outcome()
	}
	return r.completed.Get(callID)
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Sessions snapshots the active sessions, e.g. for draining on shutdown.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Values(r.active)
}
