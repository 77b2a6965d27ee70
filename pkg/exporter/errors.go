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

package exporter

import "errors"

var (
	errInvalidListenAddr = errors.New("listen_addr is required")
	errInvalidPort       = errors.New("discover_port must be between 1 and 65535")
	errInvalidInterval   = errors.New("intervals and timeouts must be positive")
	errMinorExceedsMajor = errors.New("discover_minor_interval must not exceed discover_major_interval")
	errEmptyHost         = errors.New("static host must not be empty")
	errNotStarted        = errors.New("exporter not started")
	errServiceStarted    = errors.New("exporter already started")
)
