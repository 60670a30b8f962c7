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

package system

import (
	"context"
	"fmt"
	"time"

	"github.com/mfreeman451/btradar/pkg/models"
	"github.com/shirou/gopsutil/v3/mem"
)

const statusRunning = "running"

// Clock is the time capability.
type Clock struct {
	loc    *time.Location
	layout string
}

func NewClock(loc *time.Location, layout string) *Clock {
	if loc == nil {
		loc = time.UTC
	}

	return &Clock{loc: loc, layout: layout}
}

func (*Clock) Now() time.Time {
	return time.Now()
}

func (c *Clock) Format(t time.Time) string {
	return t.In(c.loc).Format(c.layout)
}

func (c *Clock) NowFormatted() string {
	return c.Format(time.Now())
}

// Stats answers status requests with uptime and available memory.
type Stats struct {
	deviceID  string
	startedAt time.Time
	now       func() time.Time
	available func(ctx context.Context) (uint64, error)
}

func NewStats(deviceID string) *Stats {
	return &Stats{
		deviceID:  deviceID,
		startedAt: time.Now(),
		now:       time.Now,
		available: availableMemory,
	}
}

func availableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}

	return vm.Available, nil
}

func (s *Stats) Uptime() time.Duration {
	return s.now().Sub(s.startedAt)
}

func (s *Stats) StatusDocument(ctx context.Context) (*models.StatusDocument, error) {
	return s.document(ctx, statusRunning)
}

// Document builds a status document carrying an arbitrary status string.
func (s *Stats) Document(ctx context.Context, status string) (*models.StatusDocument, error) {
	return s.document(ctx, status)
}

func (s *Stats) document(ctx context.Context, status string) (*models.StatusDocument, error) {
	free, err := s.available(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory stats: %w", err)
	}

	return &models.StatusDocument{
		DeviceID: s.deviceID,
		Status:   status,
		Uptime:   s.Uptime().Milliseconds(),
		FreeHeap: free,
	}, nil
}
