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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dopensource/ivr-agent/pkg/config"
	"github.com/dopensource/ivr-agent/pkg/errors"
)

func newRegistrySession(t *testing.T, callID string) *Session {
	t.Helper()
	dir := testDirectory(t)
	s, err := NewSession(SessionParams{
		CallID:     callID,
		Directory:  dir,
		Prompts:    NewPromptEngine(config.PromptsConfig{}, dir),
		Transferer: &transferStub{},
		Conf: SessionConfig{
			InputTimeout:    time.Second,
			MaxAttempts:     3,
			TransferTimeout: time.Second,
		},
	})
	require.NoError(t, err)
	return s
}

func TestRegistryDuplicateCreate(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	s := newRegistrySession(t, "call-1")
	require.NoError(t, r.Create(s))
	require.Equal(t, 1, r.ActiveCount())

	dup := newRegistrySession(t, "call-1")
	require.ErrorIs(t, r.Create(dup), errors.ErrDuplicateSession)

	got, ok := r.Lookup("call-1")
	require.True(t, ok)
	require.Same(t, s, got)
}

func TestRegistryRemoveRequiresOutcome(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	s := newRegistrySession(t, "call-2")
	require.NoError(t, r.Create(s))

	// still running, no outcome yet
	require.ErrorIs(t, r.Remove("call-2"), errors.ErrSessionActive)

	r.Dispatch("call-2", HangupEvent{})
	waitDone(t, s)
	require.NoError(t, r.Remove("call-2"))
	require.Equal(t, 0, r.ActiveCount())

	_, ok := r.Lookup("call-2")
	require.False(t, ok)
	require.ErrorIs(t, r.Remove("call-2"), errors.ErrSessionNotFound)
}

func TestRegistryRemembersCompleted(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	s := newRegistrySession(t, "call-3")
	require.NoError(t, r.Create(s))
	r.Dispatch("call-3", InputEvent{Input: Input{Digits: "1"}})
	waitDone(t, s)

	// outcome is visible while the session is still registered
	out, ok := r.CompletedOutcome("call-3")
	require.True(t, ok)
	require.Equal(t, OutcomeTransferred, out)

	require.NoError(t, r.Remove("call-3"))

	// and after removal, from the completed cache
	out, ok = r.CompletedOutcome("call-3")
	require.True(t, ok)
	require.Equal(t, OutcomeTransferred, out)

	// a completed call ID cannot be reused
	again := newRegistrySession(t, "call-3")
	require.ErrorIs(t, r.Create(again), errors.ErrDuplicateSession)
}

func TestRegistryDispatchUnknownCall(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	// must not panic or block
	r.Dispatch("no-such-call", InputEvent{Input: Input{Digits: "1"}})
	r.Dispatch("no-such-call", HangupEvent{})

	_, ok := r.CompletedOutcome("no-such-call")
	require.False(t, ok)
}

func TestRegistrySessionsSnapshot(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	require.NoError(t, r.Create(newRegistrySession(t, "call-a")))
	require.NoError(t, r.Create(newRegistrySession(t, "call-b")))
	require.Len(t, r.Sessions(), 2)
	require.Equal(t, 2, r.ActiveCount())
}
