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

// Package metrics keeps in-memory history of scan cycles and publish
// decisions for the diagnostics API.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mfreeman451/btradar/pkg/models"
)

const defaultRetention = 100

type Manager struct {
	buffer    CycleStore
	total     int64 // atomic
	published int64 // atomic
	skipped   sync.Map
}

func NewManager(retention int) *Manager {
	if retention <= 0 {
		retention = defaultRetention
	}

	return &Manager{buffer: NewBuffer(retention)}
}

// Add records a completed cycle.
func (m *Manager) Add(cycle models.ScanCycle) {
	atomic.AddInt64(&m.total, 1)
	m.buffer.Add(cycle)
}

func (m *Manager) RecordPublished() {
	atomic.AddInt64(&m.published, 1)
}

func (m *Manager) RecordSkipped(reason string) {
	counter, _ := m.skipped.LoadOrStore(reason, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
}

func (m *Manager) GetCycles() []models.ScanCycle {
	return m.buffer.GetCycles()
}

func (m *Manager) GetLastCycle() *models.ScanCycle {
	return m.buffer.GetLastCycle()
}

// Stats averages over the retained cycles; the counters cover the process
// lifetime.
func (m *Manager) Stats() models.ScanStats {
	stats := models.ScanStats{
		Cycles:    atomic.LoadInt64(&m.total),
		Published: atomic.LoadInt64(&m.published),
		Skipped:   make(map[string]int64),
	}

	m.skipped.Range(func(k, v interface{}) bool {
		stats.Skipped[k.(string)] = atomic.LoadInt64(v.(*int64))

		return true
	})

	cycles := m.buffer.GetCycles()
	if len(cycles) == 0 {
		return stats
	}

	var (
		devices int
		elapsed time.Duration
	)

	for _, c := range cycles {
		devices += c.Devices
		elapsed += c.Duration
	}

	stats.AverageDevices = float64(devices) / float64(len(cycles))
	stats.AverageDuration = elapsed / time.Duration(len(cycles))

	return stats
}
