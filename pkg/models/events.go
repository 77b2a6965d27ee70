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

import "time"

const (
	// UnitLivenessEventType is the CloudEvents type of a liveness change.
	UnitLivenessEventType = "com.carverauto.hvacradar.unit.liveness"
	// UnitEventSource is the CloudEvents source of unit events.
	UnitEventSource = "hvacradar/exporter"
)

// CloudEvent represents a CloudEvents v1.0 compliant event.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// UnitLivenessEvent is the payload published when a host changes liveness.
type UnitLivenessEvent struct {
	HostID              HostID    `json:"host_id"`
	UnitID              string    `json:"unit_id,omitempty"`
	Name                string    `json:"name,omitempty"`
	Address             string    `json:"address,omitempty"`
	Origin              Origin    `json:"origin"`
	Previous            Liveness  `json:"previous"`
	Current             Liveness  `json:"current"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Reason              string    `json:"reason,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}
