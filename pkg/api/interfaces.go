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

package api

import (
	"context"

	"github.com/mfreeman451/btradar/pkg/models"
)

// NodeView is the read-only node surface the API exposes.
type NodeView interface {
	Status(ctx context.Context) (*models.NodeStatus, error)
	Devices() *models.DeviceView
	Update() models.UpdateSnapshot
	ScanCycles() []models.ScanCycle
	ScanStats() models.ScanStats
}

// Journal is the persisted history. It may be nil.
type Journal interface {
	RecentUpdates(ctx context.Context, limit int) ([]models.UpdateRecord, error)
	RecentReports(ctx context.Context, limit int) ([]models.Report, error)
}
