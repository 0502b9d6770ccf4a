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

package errors

import (
	"github.com/livekit/psrpc"
)

var (
	ErrNoConfig           = psrpc.NewErrorf(psrpc.InvalidArgument, "missing config")
	ErrSessionNotFound    = psrpc.NewErrorf(psrpc.NotFound, "no session for call")
	ErrDuplicateSession   = psrpc.NewErrorf(psrpc.FailedPrecondition, "session already exists for call")
	ErrSessionActive      = psrpc.NewErrorf(psrpc.FailedPrecondition, "session has no recorded outcome yet")
	ErrCallNotEstablished = psrpc.NewErrorf(psrpc.FailedPrecondition, "call leg is not established")
)

func ErrCouldNotParseConfig(err error) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "could not parse config: %v", err)
}
