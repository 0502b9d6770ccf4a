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

package service

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/psrpc"

	"github.com/dopensource/ivr-agent/pkg/analytics"
	"github.com/dopensource/ivr-agent/pkg/config"
	"github.com/dopensource/ivr-agent/pkg/ivr"
	"github.com/dopensource/ivr-agent/pkg/sip"
	"github.com/dopensource/ivr-agent/pkg/stats"
	"github.com/dopensource/ivr-agent/version"
)

// sessionDrainTimeout bounds how long a closed leg waits for its session to
// record an outcome before the registry entry is abandoned.
const sessionDrainTimeout = 30 * time.Second

// Synthesizer converts prompt text to caller audio. The TTS engine is an
// external collaborator; without one, prompts are logged only.
type Synthesizer interface {
	Speak(ctx context.Context, callID, text string) error
}

type callMeta struct {
	fromUser string
	toUser   string
}

type Service struct {
	conf     *config.Config
	log      logger.Logger
	mon      *stats.Monitor
	dir      *ivr.Directory
	prompts  *ivr.PromptEngine
	registry *ivr.Registry
	srv      *sip.Server
	reporter *analytics.Reporter
	synth    Synthesizer

	cmu   sync.Mutex
	calls map[string]callMeta

	stopping core.Fuse
	shutdown core.Fuse
}

func NewService(conf *config.Config, log logger.Logger, mon *stats.Monitor, reporter *analytics.Reporter, synth Synthesizer) (*Service, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	dir, err := ivr.NewDirectory(conf.Departments)
	if err != nil {
		return nil, err
	}
	registry, err := ivr.NewRegistry(log)
	if err != nil {
		return nil, err
	}
	s := &Service{
		conf:     conf,
		log:      log,
		mon:      mon,
		dir:      dir,
		prompts:  ivr.NewPromptEngine(conf.Prompts, dir),
		registry: registry,
		reporter: reporter,
		synth:    synth,
		calls:    make(map[string]callMeta),
	}
	s.srv = sip.NewServer(conf, log, mon)
	s.srv.SetHandler(s)
	return s, nil
}

func (s *Service) Run() error {
	s.log.Debugw("starting service", "version", version.Version)

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(sip.UserAgent),
	)
	if err != nil {
		return err
	}
	if err = s.srv.Start(ua); err != nil {
		return err
	}

	s.log.Debugw("service ready")

	<-s.shutdown.Watch()
	s.log.Infow("shutting down")
	return nil
}

// Stop ends the service. A graceful stop waits for active sessions to reach
// a terminal outcome; a kill tears all legs down immediately.
func (s *Service) Stop(kill bool) {
	s.stopping.Break()
	if !kill {
		for _, sess := range s.registry.Sessions() {
			select {
			case <-sess.Done():
			case <-time.After(sessionDrainTimeout):
			}
		}
	}
	s.srv.Stop()
	if s.reporter != nil {
		s.reporter.Close()
	}
	s.shutdown.Break()
}

// Registry exposes event dispatch for external recognizer integrations.
func (s *Service) Registry() *ivr.Registry {
	return s.registry
}

func (s *Service) ActiveCalls() int {
	return s.registry.ActiveCount()
}

// OnCallStarted implements sip.Handler. It creates the session owning the
// new call and starts its event loop.
func (s *Service) OnCallStarted(callID, fromUser, toUser string) error {
	if s.stopping.IsBroken() {
		return psrpc.NewErrorf(psrpc.Unavailable, "shutting down")
	}
	sess, err := ivr.NewSession(ivr.SessionParams{
		CallID:     callID,
		Log:        s.log,
		Directory:  s.dir,
		Prompts:    s.prompts,
		Prompter:   s,
		Transferer: s.srv,
		Conf: ivr.SessionConfig{
			InputTimeout:    s.conf.Menu.InputTimeout(),
			MaxAttempts:     s.conf.Menu.MaxAttempts,
			OperatorURI:     s.conf.Menu.OperatorURI,
			TransferTimeout: s.conf.Menu.TransferTimeout(),
		},
		OnTerminal: s.onSessionTerminal,
	})
	if err != nil {
		return err
	}
	if err := s.registry.Create(sess); err != nil {
		return err
	}
	s.cmu.Lock()
	s.calls[callID] = callMeta{fromUser: fromUser, toUser: toUser}
	s.cmu.Unlock()
	s.mon.CallStarted()
	return nil
}

// OnDTMF implements sip.Handler. Menu choices are single digits, so each
// telephone-event is a complete input.
func (s *Service) OnDTMF(callID string, digit byte) {
	s.registry.Dispatch(callID, ivr.InputEvent{Input: ivr.Input{Digits: string(digit)}})
}

// OnSpeechFinal feeds a finalized speech recognition result to the session.
func (s *Service) OnSpeechFinal(callID, text string) {
	s.registry.Dispatch(callID, ivr.InputEvent{Input: ivr.Input{Speech: text}})
}

// OnInputTimeout feeds a platform-side input timeout to the session.
func (s *Service) OnInputTimeout(callID string) {
	s.registry.Dispatch(callID, ivr.TimeoutEvent{})
}

// OnHangup implements sip.Handler.
func (s *Service) OnHangup(callID string) {
	s.registry.Dispatch(callID, ivr.HangupEvent{})
}

// OnCallEnded implements sip.Handler. The leg is gone; once the session has
// its outcome, the registry entry is released.
func (s *Service) OnCallEnded(callID string) {
	sess, ok := s.registry.Lookup(callID)
	if !ok {
		return
	}
	go func() {
		// A closed leg means the caller is gone; a session still waiting
		// for input learns it through a hangup.
		sess.Dispatch(ivr.HangupEvent{})
		select {
		case <-sess.Done():
		case <-time.After(sessionDrainTimeout):
			s.log.Errorw("session did not reach an outcome after leg closed", nil, "callID", callID)
			return
		}
		if err := s.registry.Remove(callID); err != nil {
			s.log.Debugw("session already removed", "callID", callID, "error", err)
		}
		s.cmu.Lock()
		delete(s.calls, callID)
		s.cmu.Unlock()
	}()
}

// HasOutcome implements sip.Handler.
func (s *Service) HasOutcome(callID string) bool {
	_, ok := s.registry.CompletedOutcome(callID)
	return ok
}

// PlayPrompt implements ivr.Prompter.
func (s *Service) PlayPrompt(ctx context.Context, callID string, p ivr.Prompt) error {
	if s.synth == nil {
		s.log.Infow("prompt", "callID", callID, "kind", p.Kind, "text", p.Text)
		return nil
	}
	return s.synth.Speak(ctx, callID, p.Text)
}

func (s *Service) onSessionTerminal(sess *ivr.Session) {
	out, _ := sess.Outcome()
	s.mon.CallEnded(string(out), time.Since(sess.StartedAt()), sess.TotalAttempts())

	s.cmu.Lock()
	meta := s.calls[sess.CallID()]
	s.cmu.Unlock()

	rec := analytics.CallRecord{
		CallID:    sess.CallID(),
		FromUser:  meta.fromUser,
		ToUser:    meta.toUser,
		Outcome:   string(out),
		Attempts:  sess.TotalAttempts(),
		StartedAt: sess.StartedAt(),
		EndedAt:   time.Now(),
	}
	if dep, uri := sess.SelectedDepartment(); dep != nil {
		rec.Department = dep.Name
		rec.TransferURI = uri
	}
	s.reporter.Report(context.Background(), rec)

	// No-op for legs the caller or the executor already closed.
	s.srv.CloseCall(sess.CallID(), "outcome-"+string(out))
}
