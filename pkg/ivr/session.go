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
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/psrpc"
)

type State int

const (
	StateGreeting = State(iota)
	StateAwaitingSelection
	StateRetrying
	StateTransferring
	StateFallback
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateAwaitingSelection:
		return "awaiting_selection"
	case StateRetrying:
		return "retrying"
	case StateTransferring:
		return "transferring"
	case StateFallback:
		return "fallback"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

type Outcome string

const (
	OutcomeTransferred        = Outcome("transferred")
	OutcomeCallerAbandoned    = Outcome("caller_abandoned")
	OutcomeMaxRetriesExceeded = Outcome("max_retries_exceeded")
	OutcomeTransferFailed     = Outcome("transfer_failed")
)

// Event is a platform-delivered occurrence addressed to one call.
type Event interface {
	eventName() string
}

// InputEvent carries a finalized caller utterance (DTMF or speech).
type InputEvent struct {
	Input
}

func (InputEvent) eventName() string { return "input" }

// TimeoutEvent reports that the caller said nothing within the input window.
// Sessions also run their own input timer; both are handled identically.
type TimeoutEvent struct{}

func (TimeoutEvent) eventName() string { return "timeout" }

// HangupEvent reports that the caller dropped the leg. It takes precedence
// over any queued input.
type HangupEvent struct{}

func (HangupEvent) eventName() string { return "hangup" }

// Prompter plays a rendered prompt to the caller. Implementations bridge to
// the TTS facility of the calling platform.
type Prompter interface {
	PlayPrompt(ctx context.Context, callID string, p Prompt) error
}

// Transferer performs the one-shot REFER for a call leg.
type Transferer interface {
	TransferCall(ctx context.Context, callID, transferTo string) error
}

type SessionConfig struct {
	InputTimeout    time.Duration
	MaxAttempts     int
	OperatorURI     string
	TransferTimeout time.Duration
}

type SessionParams struct {
	CallID     string
	Log        logger.Logger
	Directory  *Directory
	Prompts    *PromptEngine
	Prompter   Prompter
	Transferer Transferer
	Conf       SessionConfig

	// OnTerminal runs on the session goroutine once the outcome is recorded.
	OnTerminal func(s *Session)
}

// Session owns the state of one call from answer to terminal outcome.
// All transitions happen on the session's own goroutine; the rest of the
// process communicates with it only through Dispatch.
type Session struct {
	callID     string
	log        logger.Logger
	dir        *Directory
	prompts    *PromptEngine
	prompter   Prompter
	transferer Transferer
	conf       SessionConfig
	onTerminal func(s *Session)

	events chan Event
	hangup core.Fuse
	done   core.Fuse

	mu            sync.Mutex
	state         State
	attempts      int
	totalAttempts int
	selected      *Department
	transferURI   string
	outcome       Outcome
	hasOutcome    bool
	transferCalls int
	startedAt     time.Time
}

func NewSession(p SessionParams) (*Session, error) {
	if p.CallID == "" {
		return nil, psrpc.NewErrorf(psrpc.InvalidArgument, "session requires a call id")
	}
	if p.Conf.InputTimeout <= 0 || p.Conf.MaxAttempts <= 0 {
		return nil, psrpc.NewErrorf(psrpc.InvalidArgument, "session requires input timeout and max attempts")
	}
	if p.Log == nil {
		p.Log = logger.GetLogger()
	}
	return &Session{
		callID:     p.CallID,
		log:        p.Log.WithValues("callID", p.CallID),
		dir:        p.Directory,
		prompts:    p.Prompts,
		prompter:   p.Prompter,
		transferer: p.Transferer,
		conf:       p.Conf,
		onTerminal: p.OnTerminal,
		events:     make(chan Event, 8),
		state:      StateGreeting,
		startedAt:  time.Now(),
	}, nil
}

func (s *Session) CallID() string { return s.callID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// SelectedDepartment returns the resolved department and transfer URI.
// Both are set together or not at all.
func (s *Session) SelectedDepartment() (*Department, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.transferURI
}

func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.hasOutcome
}

// TotalAttempts is the number of failed menu attempts over the whole
// session, regardless of later resets.
func (s *Session) TotalAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalAttempts
}

func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) Terminal() bool { return s.done.IsBroken() }

// Done is closed once the terminal outcome is recorded.
func (s *Session) Done() <-chan struct{} { return s.done.Watch() }

// TransferCalls reports how many times the executor was invoked. It can
// never exceed one for a session.
func (s *Session) TransferCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferCalls
}

// Start launches the session's event loop.
func (s *Session) Start() {
	go s.run()
}

// Dispatch hands an event to the session. It never blocks: events for a
// terminal session are dropped, and a hangup trips the latch immediately so
// it wins over any queued input.
func (s *Session) Dispatch(ev Event) {
	if _, ok := ev.(HangupEvent); ok {
		s.hangup.Break()
		return
	}
	if s.done.IsBroken() {
		s.log.Debugw("dropping event for terminal session", "event", ev.eventName())
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warnw("session event queue full, dropping event", nil, "event", ev.eventName())
	}
}

func (s *Session) run() {
	ctx := context.Background()

	s.playPrompt(ctx, s.prompts.Greeting())
	if s.hangup.IsBroken() {
		s.terminate(OutcomeCallerAbandoned)
		return
	}
	s.setState(StateAwaitingSelection)

	timer := time.NewTimer(s.conf.InputTimeout)
	defer timer.Stop()
	windowStart := time.Now()

	for {
		select {
		case <-s.hangup.Watch():
			s.terminate(OutcomeCallerAbandoned)
			return
		case ev := <-s.events:
			// A hangup that raced with this event wins.
			if s.hangup.IsBroken() {
				s.terminate(OutcomeCallerAbandoned)
				return
			}
			switch ev := ev.(type) {
			case InputEvent:
				if dep := Classify(ev.Input, s.dir); dep != nil {
					s.transfer(ctx, dep)
					return
				}
				s.log.Infow("caller input not recognized", "digits", ev.Digits, "speech", ev.Speech)
				if s.failedAttempt(ctx) {
					return
				}
			case TimeoutEvent:
				// The platform can report the same silence window the
				// internal timer already counted. Count a platform
				// timeout only once the window is mostly elapsed.
				if time.Since(windowStart) < s.conf.InputTimeout/2 {
					s.log.Debugw("ignoring duplicate input timeout")
					continue
				}
				if s.failedAttempt(ctx) {
					return
				}
			default:
				s.log.Debugw("ignoring event", "event", ev.eventName())
				continue
			}
		case <-timer.C:
			if s.failedAttempt(ctx) {
				return
			}
		}
		resetTimer(timer, s.conf.InputTimeout)
		windowStart = time.Now()
	}
}

// failedAttempt counts one unrecognized input or timeout. It reports true
// when the session went terminal through the fallback path.
func (s *Session) failedAttempt(ctx context.Context) (terminal bool) {
	s.mu.Lock()
	s.attempts++
	s.totalAttempts++
	n := s.attempts
	s.mu.Unlock()
	s.setState(StateRetrying)
	s.playPrompt(ctx, s.prompts.Retry())
	if s.hangup.IsBroken() {
		s.terminate(OutcomeCallerAbandoned)
		return true
	}
	if n >= s.conf.MaxAttempts {
		s.fallback(ctx)
		return true
	}
	s.setState(StateAwaitingSelection)
	return false
}

func (s *Session) transfer(ctx context.Context, dep *Department) {
	s.mu.Lock()
	s.selected = dep
	s.transferURI = dep.URI
	s.state = StateTransferring
	s.attempts = 0
	s.mu.Unlock()
	s.log.Infow("department selected", "department", dep.Name, "transferTo", dep.URI)

	s.playPrompt(ctx, s.prompts.Transferring(dep))

	// The REFER is not revocable: once issued, its result is awaited and
	// recorded even if the caller hangs up meanwhile.
	if err := s.callTransferer(ctx, dep.URI); err != nil {
		s.log.Warnw("call transfer failed", err, "department", dep.Name)
		s.playPrompt(ctx, s.prompts.TransferFailed())
		s.terminate(OutcomeTransferFailed)
		return
	}
	s.terminate(OutcomeTransferred)
}

func (s *Session) fallback(ctx context.Context) {
	s.mu.Lock()
	s.state = StateFallback
	s.attempts = 0
	s.mu.Unlock()

	hasOperator := s.conf.OperatorURI != ""
	s.playPrompt(ctx, s.prompts.Fallback(hasOperator))
	if hasOperator {
		// Best effort; the outcome stays max_retries_exceeded either way.
		if err := s.callTransferer(ctx, s.conf.OperatorURI); err != nil {
			s.log.Warnw("operator transfer failed", err)
		}
	}
	s.terminate(OutcomeMaxRetriesExceeded)
}

func (s *Session) callTransferer(ctx context.Context, transferTo string) error {
	s.mu.Lock()
	s.transferCalls++
	s.mu.Unlock()
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.conf.TransferTimeout)
	defer cancel()
	return s.transferer.TransferCall(tctx, s.callID, transferTo)
}

// playPrompt renders audio to the caller. Playback failure is non-fatal:
// one in-state retry, then the session proceeds regardless.
func (s *Session) playPrompt(ctx context.Context, p Prompt) {
	if s.prompter == nil || s.hangup.IsBroken() {
		return
	}
	err := s.prompter.PlayPrompt(ctx, s.callID, p)
	if err == nil {
		return
	}
	s.log.Infow("prompt playback failed, retrying once", "prompt", p.Kind, "error", err)
	if err = s.prompter.PlayPrompt(ctx, s.callID, p); err != nil {
		s.log.Warnw("prompt playback failed", err, "prompt", p.Kind)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debugw("session state changed", "from", prev.String(), "to", st.String())
	}
}

func (s *Session) terminate(out Outcome) {
	s.done.Once(func() {
		s.mu.Lock()
		s.state = StateTerminal
		s.outcome = out
		s.hasOutcome = true
		s.mu.Unlock()
		s.log.Infow("session ended", "outcome", string(out), "duration", time.Since(s.startedAt))
		if s.onTerminal != nil {
			s.onTerminal(s)
		}
	})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
