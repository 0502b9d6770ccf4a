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
	"fmt"
	"strings"

	"github.com/dopensource/ivr-agent/pkg/config"
)

type PromptKind string

const (
	PromptGreeting       = PromptKind("greeting")
	PromptRetry          = PromptKind("retry")
	PromptTransferring   = PromptKind("transferring")
	PromptTransferFailed = PromptKind("transfer_failed")
	PromptFallback       = PromptKind("fallback")
)

// Prompt is the content to synthesize and play to the caller.
type Prompt struct {
	Kind PromptKind
	Text string
}

const (
	defaultGreeting       = "Hi, thanks for calling dOpenSource, home of dSIPRouter."
	defaultRetry          = "Sorry, I didn't catch that."
	defaultTransferring   = "Transferring you to %s. Please hold."
	defaultTransferFailed = "I'm sorry, I wasn't able to complete the transfer. Please call back later."
	defaultFallback       = "I'm sorry, I couldn't understand your selection."
)

// PromptEngine renders prompts from configuration and session data.
// It holds no per-call state: the same state always renders the same prompt.
type PromptEngine struct {
	conf config.PromptsConfig
	dir  *Directory
	menu string
}

func NewPromptEngine(conf config.PromptsConfig, dir *Directory) *PromptEngine {
	return &PromptEngine{
		conf: conf,
		dir:  dir,
		menu: menuLine(dir),
	}
}

// menuLine lists the choices, e.g. "You can press 1 for Billing, ...".
func menuLine(dir *Directory) string {
	var parts []string
	for _, dep := range dir.Departments() {
		parts = append(parts, fmt.Sprintf("%s for %s", dep.Digit, dep.Name))
	}
	return "You can press " + strings.Join(parts, ", ") + ", or say the department name."
}

func (e *PromptEngine) Greeting() Prompt {
	text := e.conf.Greeting
	if text == "" {
		text = defaultGreeting
	}
	return Prompt{Kind: PromptGreeting, Text: text + " " + e.menu}
}

func (e *PromptEngine) Retry() Prompt {
	text := e.conf.Retry
	if text == "" {
		text = defaultRetry
	}
	return Prompt{Kind: PromptRetry, Text: text + " " + e.menu}
}

func (e *PromptEngine) Transferring(dep *Department) Prompt {
	text := e.conf.Transferring
	if text == "" {
		text = defaultTransferring
	}
	return Prompt{Kind: PromptTransferring, Text: fmt.Sprintf(text, dep.Name)}
}

func (e *PromptEngine) TransferFailed() Prompt {
	text := e.conf.TransferFailed
	if text == "" {
		text = defaultTransferFailed
	}
	return Prompt{Kind: PromptTransferFailed, Text: text}
}

// Fallback is played after the caller runs out of attempts. The wording
// depends on whether an operator transfer is configured.
func (e *PromptEngine) Fallback(hasOperator bool) Prompt {
	text := e.conf.Fallback
	if text == "" {
		text = defaultFallback
	}
	if hasOperator {
		text += " Connecting you to a general operator."
	} else {
		text += " Please call back and try again. Goodbye."
	}
	return Prompt{Kind: PromptFallback, Text: text}
}
