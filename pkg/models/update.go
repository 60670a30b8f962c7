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

// Package models pkg/models/update.go
package models

import "time"

type UpdateState string

const (
	UpdateIdle       UpdateState = "idle"
	UpdateReceiving  UpdateState = "receiving"
	UpdateCommitting UpdateState = "committing"
)

// UpdateOutcome names how a session ended (or that it began).
type UpdateOutcome string

const (
	OutcomeNone       UpdateOutcome = ""
	OutcomeStarted    UpdateOutcome = "started"
	OutcomeCompleted  UpdateOutcome = "completed"
	OutcomeFailed     UpdateOutcome = "failed"
	OutcomeCancelled  UpdateOutcome = "cancelled"
	OutcomeExpired    UpdateOutcome = "expired"
	OutcomeSuperseded UpdateOutcome = "superseded"
)

// UpdateSnapshot is a consistent copy of the update session. TotalSize,
// Received, Checksum and Progress are zero whenever State is idle.
type UpdateSnapshot struct {
	State       UpdateState   `json:"state"`
	TotalSize   int64         `json:"total_size"`
	Received    int64         `json:"received"`
	Checksum    string        `json:"checksum,omitempty"`
	Progress    int           `json:"progress"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	LastOutcome UpdateOutcome `json:"last_outcome,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// UpdateEvent is emitted when a session starts or reaches a terminal outcome.
type UpdateEvent struct {
	Outcome   UpdateOutcome `json:"outcome"`
	TotalSize int64         `json:"total_size"`
	Received  int64         `json:"received"`
	Checksum  string        `json:"checksum"`
	StartedAt time.Time     `json:"started_at"`
	At        time.Time     `json:"at"`
	Err       error         `json:"-"`
}

// UpdateRecord is a journaled UpdateEvent.
type UpdateRecord struct {
	ID        int64         `json:"id"`
	Outcome   UpdateOutcome `json:"outcome"`
	TotalSize int64         `json:"total_size"`
	Received  int64         `json:"received"`
	Checksum  string        `json:"checksum"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	At        time.Time     `json:"at"`
}
