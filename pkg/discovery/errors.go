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

package discovery

import "errors"

var (
	errAlreadyStarted    = errors.New("discovery engine already started")
	errInvalidPort       = errors.New("discovery port must be between 1 and 65535")
	errInvalidInterval   = errors.New("discovery intervals must be positive and minor must not exceed major")
	errMissingRegistry   = errors.New("discovery registry is nil")
	errNoTargets         = errors.New("no broadcast-capable IPv4 interface found")
	errUnexpectedAddress = errors.New("unexpected source address type")
)
