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

package poller

import "errors"

var (
	errAlreadyStarted   = errors.New("poller already started")
	errInvalidInterval  = errors.New("refresh interval must be positive")
	errInvalidTimeout   = errors.New("refresh timeout must be positive")
	errMissingComponent = errors.New("poller dependency is nil")
	errStopped          = errors.New("poller already stopped")
)
