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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dopensource/ivr-agent/pkg/config"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	dir, err := NewDirectory([]config.DepartmentConfig{
		{Name: "Billing", Digit: "1", URI: "sip:billing@example.com", Aliases: []string{"billing", "bill", "payment"}},
		{Name: "Tech Support", Digit: "2", URI: "sip:tech@example.com", Aliases: []string{"tech", "technical", "support"}},
		{Name: "Customer Service", Digit: "3", URI: "sip:cs@example.com", Aliases: []string{"customer", "service", "representative"}},
	})
	require.NoError(t, err)
	return dir
}

type promptRecorder struct {
	mu     sync.Mutex
	played []PromptKind
	fail   map[PromptKind]int // remaining playback failures per kind
}

func (p *promptRecorder) PlayPrompt(_ context.Context, _ string, pr Prompt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, pr.Kind)
	if p.fail[pr.Kind] > 0 {
		p.fail[pr.Kind]--
		return fmt.Errorf("playback failed")
	}
	return nil
}

func (p *promptRecorder) kinds() []PromptKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PromptKind{}, p.played...)
}

type transferStub struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (tr *transferStub) TransferCall(_ context.Context, _ string, transferTo string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = append(tr.calls, transferTo)
	return tr.err
}

func (tr *transferStub) transfers() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string{}, tr.calls...)
}

func newTestSession(t *testing.T, pr Prompter, tr Transferer, conf SessionConfig) *Session {
	t.Helper()
	dir := testDirectory(t)
	s, err := NewSession(SessionParams{
		CallID:     "test-call",
		Directory:  dir,
		Prompts:    NewPromptEngine(config.PromptsConfig{}, dir),
		Prompter:   pr,
		Transferer: tr,
		Conf:       conf,
	})
	require.NoError(t, err)
	return s
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not reach a terminal outcome")
	}
}

func TestSessionTransferOnDigit(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     3,
		TransferTimeout: time.Second,
	})
	s.Start()

	s.Dispatch(InputEvent{Input: Input{Digits: "1"}})
	waitDone(t, s)

	out, ok := s.Outcome()
	require.True(t, ok)
	require.Equal(t, OutcomeTransferred, out)
	require.Equal(t, StateTerminal, s.State())

	dep, uri := s.SelectedDepartment()
	require.NotNil(t, dep)
	require.Equal(t, "Billing", dep.Name)
	require.Equal(t, "sip:billing@example.com", uri)

	require.Equal(t, []string{"sip:billing@example.com"}, tr.transfers())
	require.Equal(t, 1, s.TransferCalls())
	require.Equal(t, []PromptKind{PromptGreeting, PromptTransferring}, pr.kinds())
}

func TestSessionTransferOnSpeech(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     3,
		TransferTimeout: time.Second,
	})
	s.Start()

	s.Dispatch(InputEvent{Input: Input{Speech: "I need tech support please"}})
	waitDone(t, s)

	out, _ := s.Outcome()
	require.Equal(t, OutcomeTransferred, out)
	dep, uri := s.SelectedDepartment()
	require.NotNil(t, dep)
	require.Equal(t, "Tech Support", dep.Name)
	require.Equal(t, "sip:tech@example.com", uri)
}

func TestSessionMaxRetries(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     3,
		TransferTimeout: time.Second,
	})
	s.Start()

	for i := 0; i < 3; i++ {
		s.Dispatch(InputEvent{Input: Input{Digits: "9"}})
		// let each attempt get processed before the next one
		require.Eventually(t, func() bool {
			return s.TotalAttempts() == i+1 || s.Terminal()
		}, time.Second, 5*time.Millisecond)
	}
	waitDone(t, s)

	out, _ := s.Outcome()
	require.Equal(t, OutcomeMaxRetriesExceeded, out)
	require.Equal(t, 3, s.TotalAttempts())
	require.Empty(t, tr.transfers())

	dep, uri := s.SelectedDepartment()
	require.Nil(t, dep)
	require.Empty(t, uri)
	require.Equal(t, []PromptKind{PromptGreeting, PromptRetry, PromptRetry, PromptRetry, PromptFallback}, pr.kinds())
}

func TestSessionFallbackOperator(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{err: fmt.Errorf("no operator available")}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     1,
		OperatorURI:     "sip:operator@example.com",
		TransferTimeout: time.Second,
	})
	s.Start()

	s.Dispatch(InputEvent{Input: Input{Speech: "mumble"}})
	waitDone(t, s)

	// Operator transfer is best effort; a failed one does not change the
	// outcome.
	out, _ := s.Outcome()
	require.Equal(t, OutcomeMaxRetriesExceeded, out)
	require.Equal(t, []string{"sip:operator@example.com"}, tr.transfers())
}

func TestSessionTransferFailed(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{err: fmt.Errorf("sip status: 486")}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     3,
		TransferTimeout: time.Second,
	})
	s.Start()

	s.Dispatch(InputEvent{Input: Input{Digits: "2"}})
	waitDone(t, s)

	out, _ := s.Outcome()
	require.Equal(t, OutcomeTransferFailed, out)
	require.Equal(t, 1, s.TransferCalls())
	require.Equal(t, []PromptKind{PromptGreeting, PromptTransferring, PromptTransferFailed}, pr.kinds())

	// No menu restart and no second transfer after the failure.
	s.Dispatch(InputEvent{Input: Input{Digits: "1"}})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, s.TransferCalls())
	out2, _ := s.Outcome()
	require.Equal(t, OutcomeTransferFailed, out2)
}

func TestSessionCallerHangup(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     3,
		TransferTimeout: time.Second,
	})
	s.Start()

	s.Dispatch(HangupEvent{})
	waitDone(t, s)

	out, _ := s.Outcome()
	require.Equal(t, OutcomeCallerAbandoned, out)
	require.Empty(t, tr.transfers())
}

type gatedPrompter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedPrompter) PlayPrompt(context.Context, string, Prompt) error {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return nil
}

func TestSessionHangupBeatsQueuedInput(t *testing.T) {
	pr := &gatedPrompter{started: make(chan struct{}), release: make(chan struct{})}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     3,
		TransferTimeout: time.Second,
	})
	s.Start()

	<-pr.started
	// Both arrive while the greeting is still playing. The hangup must win
	// even though the input was queued first.
	s.Dispatch(InputEvent{Input: Input{Digits: "1"}})
	s.Dispatch(HangupEvent{})
	close(pr.release)

	waitDone(t, s)
	out, _ := s.Outcome()
	require.Equal(t, OutcomeCallerAbandoned, out)
	require.Empty(t, tr.transfers())
}

func TestSessionInputTimeout(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    30 * time.Millisecond,
		MaxAttempts:     2,
		TransferTimeout: time.Second,
	})
	s.Start()

	waitDone(t, s)
	out, _ := s.Outcome()
	require.Equal(t, OutcomeMaxRetriesExceeded, out)
	require.Equal(t, 2, s.TotalAttempts())
}

func TestSessionDuplicateTimeoutWindow(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    500 * time.Millisecond,
		MaxAttempts:     2,
		TransferTimeout: time.Second,
	})
	s.Start()

	// Two timeout reports for the same silence window: the platform's and a
	// redundant one right behind it. Only one attempt may be counted.
	time.Sleep(300 * time.Millisecond)
	s.Dispatch(TimeoutEvent{})
	s.Dispatch(TimeoutEvent{})

	require.Eventually(t, func() bool {
		return s.TotalAttempts() == 1
	}, time.Second, 5*time.Millisecond)
	require.False(t, s.Terminal())

	// The next full window of silence is a separate attempt.
	waitDone(t, s)
	out, _ := s.Outcome()
	require.Equal(t, OutcomeMaxRetriesExceeded, out)
	require.Equal(t, 2, s.TotalAttempts())
}

func TestSessionRecoversAfterRetry(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     3,
		TransferTimeout: time.Second,
	})
	s.Start()

	s.Dispatch(InputEvent{Input: Input{Digits: "8"}})
	require.Eventually(t, func() bool {
		return s.TotalAttempts() == 1
	}, time.Second, 5*time.Millisecond)

	s.Dispatch(InputEvent{Input: Input{Digits: "3"}})
	waitDone(t, s)

	out, _ := s.Outcome()
	require.Equal(t, OutcomeTransferred, out)
	dep, _ := s.SelectedDepartment()
	require.NotNil(t, dep)
	require.Equal(t, "Customer Service", dep.Name)
	require.Equal(t, 1, s.TotalAttempts())
}

func TestSessionPromptPlaybackRetry(t *testing.T) {
	pr := &promptRecorder{fail: map[PromptKind]int{PromptGreeting: 1}}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     3,
		TransferTimeout: time.Second,
	})
	s.Start()

	s.Dispatch(InputEvent{Input: Input{Digits: "1"}})
	waitDone(t, s)

	// Playback failed once, was retried, and the session carried on.
	out, _ := s.Outcome()
	require.Equal(t, OutcomeTransferred, out)
	require.Equal(t, []PromptKind{PromptGreeting, PromptGreeting, PromptTransferring}, pr.kinds())
}

func TestSessionTerminalDropsEvents(t *testing.T) {
	pr := &promptRecorder{}
	tr := &transferStub{}
	s := newTestSession(t, pr, tr, SessionConfig{
		InputTimeout:    time.Second,
		MaxAttempts:     3,
		TransferTimeout: time.Second,
	})
	s.Start()

	s.Dispatch(InputEvent{Input: Input{Digits: "1"}})
	waitDone(t, s)

	s.Dispatch(InputEvent{Input: Input{Digits: "2"}})
	s.Dispatch(TimeoutEvent{})
	s.Dispatch(HangupEvent{})
	time.Sleep(50 * time.Millisecond)

	out, _ := s.Outcome()
	require.Equal(t, OutcomeTransferred, out)
	require.Equal(t, 1, s.TransferCalls())
}

func TestSessionOnTerminal(t *testing.T) {
	dir := testDirectory(t)
	var fired int
	var seen Outcome
	done := make(chan struct{})
	s, err := NewSession(SessionParams{
		CallID:    "test-call",
		Directory: dir,
		Prompts:   NewPromptEngine(config.PromptsConfig{}, dir),
		Conf: SessionConfig{
			InputTimeout:    time.Second,
			MaxAttempts:     3,
			TransferTimeout: time.Second,
		},
		OnTerminal: func(s *Session) {
			fired++
			seen, _ = s.Outcome()
			close(done)
		},
	})
	require.NoError(t, err)
	s.Start()

	s.Dispatch(HangupEvent{})
	waitDone(t, s)
	<-done
	require.Equal(t, 1, fired)
	require.Equal(t, OutcomeCallerAbandoned, seen)
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(SessionParams{
		Conf: SessionConfig{InputTimeout: time.Second, MaxAttempts: 3},
	})
	require.Error(t, err)

	_, err = NewSession(SessionParams{
		CallID: "test-call",
		Conf:   SessionConfig{MaxAttempts: 3},
	})
	require.Error(t, err)

	_, err = NewSession(SessionParams{
		CallID: "test-call",
		Conf:   SessionConfig{InputTimeout: time.Second},
	})
	require.Error(t, err)
}
