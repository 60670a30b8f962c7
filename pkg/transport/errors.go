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

package transport

import "errors"

var (
	ErrNotConnected = errors.New("transport not connected")
	errTimeout      = errors.New("timed out waiting for broker")
	errClosed       = errors.New("transport closed")
	errConnect      = errors.New("failed to connect to broker")
	errSubscribe    = errors.New("failed to subscribe")
	errPublish      = errors.New("failed to publish")
)
