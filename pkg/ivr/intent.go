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
	"strings"
)

// Input is one finalized caller utterance: either a DTMF digit sequence or
// recognized speech text. Exactly one of the two is expected to be set.
type Input struct {
	Digits string
	Speech string
}

// Classify resolves caller input to a department, or nil for unrecognized.
// It is stateless: the same input against the same directory always yields
// the same result. Digits use the exact configured mapping; speech matches
// department names and aliases, and a tie across departments is unrecognized.
func Classify(in Input, dir *Directory) *Department {
	if in.Digits != "" {
		return dir.ByDigit(in.Digits)
	}
	if in.Speech == "" {
		return nil
	}

	words := splitWords(in.Speech)
	var matched *Department
	for _, dep := range dir.Departments() {
		if !matchesDepartment(words, dep) {
			continue
		}
		if matched != nil {
			// ambiguous across departments
			return nil
		}
		matched = dep
	}
	return matched
}

func matchesDepartment(words map[string]struct{}, dep *Department) bool {
	for _, kw := range dep.Aliases {
		if containsPhrase(words, kw) {
			return true
		}
	}
	return containsPhrase(words, dep.Name)
}

func containsPhrase(words map[string]struct{}, phrase string) bool {
	pw := splitWordsList(phrase)
	if len(pw) == 0 {
		return false
	}
	for _, w := range pw {
		if _, ok := words[w]; !ok {
			return false
		}
	}
	return true
}

func splitWords(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range splitWordsList(s) {
		out[w] = struct{}{}
	}
	return out
}

func splitWordsList(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}
