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
	"github.com/livekit/psrpc"

	"github.com/dopensource/ivr-agent/pkg/config"
)

// Department is one transferable menu choice.
type Department struct {
	Name    string
	Digit   string
	URI     string
	Aliases []string
}

// Directory is the static department set shared by all sessions.
// It is read-only after construction and safe for concurrent use.
type Directory struct {
	deps    []*Department
	byDigit map[string]*Department
}

func NewDirectory(confs []config.DepartmentConfig) (*Directory, error) {
	d := &Directory{
		byDigit: make(map[string]*Department, len(confs)),
	}
	for _, c := range confs {
		dep := &Department{
			Name:    c.Name,
			Digit:   c.Digit,
			URI:     c.URI,
			Aliases: c.Aliases,
		}
		if _, ok := d.byDigit[dep.Digit]; ok {
			return nil, psrpc.NewErrorf(psrpc.InvalidArgument, "duplicate digit %q in directory", dep.Digit)
		}
		d.deps = append(d.deps, dep)
		d.byDigit[dep.Digit] = dep
	}
	if len(d.deps) == 0 {
		return nil, psrpc.NewErrorf(psrpc.InvalidArgument, "empty department directory")
	}
	return d, nil
}

// Departments returns choices in config order. Callers must not modify them.
func (d *Directory) Departments() []*Department {
	return d.deps
}

func (d *Directory) ByDigit(digit string) *Department {
	return d.byDigit[digit]
}
