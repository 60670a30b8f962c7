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

package node

import (
	"context"

	"github.com/mfreeman451/btradar/pkg/models"
)

// Transport is the messaging link the node drives.
type Transport interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
	Messages() <-chan models.Message
	Close() error
}

// Journal persists update outcomes and reports. It may be nil.
type Journal interface {
	RecordUpdate(ctx context.Context, e *models.UpdateEvent) error
	RecordReport(ctx context.Context, r *models.Report) error
}

// HealthReporter is told when the messaging link comes and goes.
type HealthReporter interface {
	SetServing(service string, serving bool)
}
