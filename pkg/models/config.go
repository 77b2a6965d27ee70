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
	"encoding/json"
	"fmt"
	"time"
)

var (
	errInvalidDuration = fmt.Errorf("invalid duration")
	errNATSURLRequired = fmt.Errorf("nats url is required")
)

// Duration is a time.Duration that accepts either a number of milliseconds
// or a Go duration string ("7.5s") in JSON documents.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// numeric values are milliseconds
		*d = Duration(time.Duration(value * float64(time.Millisecond)))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %w", errInvalidDuration, err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// NATSConfig configures NATS connectivity for unit event publishing.
type NATSConfig struct {
	URL           string     `json:"url"`
	Stream        string     `json:"stream,omitempty"`
	SubjectPrefix string     `json:"subject_prefix,omitempty"`
	CredsFile     string     `json:"creds_file,omitempty"`
	TLS           *TLSConfig `json:"tls,omitempty"`
}

// TLSConfig holds client certificate paths for mutual TLS.
type TLSConfig struct {
	CAFile     string `json:"ca_file"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`
	ServerName string `json:"server_name,omitempty"`
}

const (
	defaultEventStream        = "hvac_events"
	defaultEventSubjectPrefix = "events.hvac"
)

// Validate ensures the NATS configuration is valid and fills defaults.
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return errNATSURLRequired
	}

	if c.Stream == "" {
		c.Stream = defaultEventStream
	}

	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultEventSubjectPrefix
	}

	return nil
}
