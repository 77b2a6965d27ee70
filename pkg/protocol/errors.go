/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package protocol

import (
	"errors"
)

var (
	// ErrMalformedPacket is returned when a payload violates the wire grammar
	// or lacks a mandatory field.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrTimedOut is returned when no valid reply arrived before the deadline.
	ErrTimedOut = errors.New("timed out waiting for unit reply")
	// ErrSocket is returned when a socket could not be opened, bound or written.
	ErrSocket = errors.New("socket error")

	errUnknownGroup = errors.New("unknown query group")
)

// Outcome classifies the result of a unit exchange for logs and metrics.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeSocketError Outcome = "socket_error"
)

// Classify maps an error from this package's taxonomy to an Outcome.
// Errors outside the taxonomy are reported as socket errors.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrTimedOut):
		return OutcomeTimedOut
	case errors.Is(err, ErrMalformedPacket):
		return OutcomeMalformed
	default:
		return OutcomeSocketError
	}
}
