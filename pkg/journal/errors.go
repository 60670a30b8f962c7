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

package journal

import "errors"

var (
	errFailedOpenDB      = errors.New("failed to open journal")
	errFailedToEnableWAL = errors.New("failed to enable WAL mode")
	errFailedToInit      = errors.New("failed to initialize schema")
	errFailedToInsert    = errors.New("failed to insert")
	errFailedToQuery     = errors.New("failed to query")
	errFailedToScan      = errors.New("failed to scan")
	errFailedToClean     = errors.New("failed to clean")
	errFailedToBeginTx   = errors.New("failed to begin transaction")
)
