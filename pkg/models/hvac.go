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

package models

import (
	"strconv"
	"time"
)

// HostID is the stable key of a host record. Discovered units are keyed by
// their hardware address, static units by the configured host string.
type HostID string

// Origin records how a host entered the table.
type Origin string

const (
	OriginStatic     Origin = "static"
	OriginDiscovered Origin = "discovered"
)

// Liveness is the last observed reachability of a host.
type Liveness string

const (
	LivenessUnknown     Liveness = "unknown"
	LivenessResponding  Liveness = "responding"
	LivenessUnreachable Liveness = "unreachable"
)

// HostRecord describes one HVAC unit known to the exporter.
type HostRecord struct {
	ID                  HostID    `json:"id"`
	UnitID              string    `json:"unit_id,omitempty"`
	Address             string    `json:"address,omitempty"`
	Target              string    `json:"target"`
	Name                string    `json:"name,omitempty"`
	Origin              Origin    `json:"origin"`
	Liveness            Liveness  `json:"liveness"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSeen            time.Time `json:"last_seen,omitempty"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
}

// DisplayName returns the unit name when known, otherwise its id.
func (h *HostRecord) DisplayName() string {
	if h.Name != "" {
		return h.Name
	}

	return string(h.ID)
}

// MetricValue is a single reported field: either a number or an enumerated string.
type MetricValue struct {
	Number  float64 `json:"number,omitempty"`
	Text    string  `json:"text,omitempty"`
	Numeric bool    `json:"numeric"`
}

// NumberValue builds a numeric MetricValue.
func NumberValue(v float64) MetricValue {
	return MetricValue{Number: v, Numeric: true}
}

// TextValue builds an enumerated MetricValue.
func TextValue(s string) MetricValue {
	return MetricValue{Text: s}
}

func (v MetricValue) String() string {
	if v.Numeric {
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}

	return v.Text
}

// MetricSnapshot is the set of values captured by one successful refresh.
// A published snapshot is never mutated.
type MetricSnapshot struct {
	Values     map[string]MetricValue `json:"values"`
	CapturedAt time.Time              `json:"captured_at"`
	Stale      bool                   `json:"stale"`
}

// Lookup returns the value of field key.
func (s *MetricSnapshot) Lookup(key string) (MetricValue, bool) {
	v, ok := s.Values[key]

	return v, ok
}

// Age returns how old the snapshot is at now.
func (s *MetricSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}
