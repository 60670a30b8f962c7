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

package otapush

import "errors"

var (
	errEmptyImage    = errors.New("update image is empty")
	errOpenImage     = errors.New("failed to open update image")
	errReadImage     = errors.New("failed to read update image")
	errPublish       = errors.New("failed to publish")
	errShortImage    = errors.New("update image shorter than announced")
	errStatusTimeout = errors.New("timed out waiting for status")
	errLinkClosed    = errors.New("message channel closed")
)
