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

package metrics

import (
	"sync"

	"github.com/mfreeman451/btradar/pkg/models"
)

// RingBuffer keeps the most recent scan cycles.
type RingBuffer struct {
	mu     sync.RWMutex
	cycles []models.ScanCycle
	pos    int64
	size   int64
}

// NewBuffer creates a CycleStore holding up to size cycles.
func NewBuffer(size int) CycleStore {
	if size <= 0 {
		size = 1
	}

	return &RingBuffer{
		cycles: make([]models.ScanCycle, size),
		size:   int64(size),
	}
}

func (b *RingBuffer) Add(cycle models.ScanCycle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cycles[b.pos%b.size] = cycle
	b.pos++
}

// GetCycles returns the stored cycles, newest first.
func (b *RingBuffer) GetCycles() []models.ScanCycle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.pos
	if n > b.size {
		n = b.size
	}

	cycles := make([]models.ScanCycle, 0, n)

	for i := int64(0); i < n; i++ {
		idx := (b.pos - i - 1) % b.size
		cycles = append(cycles, b.cycles[idx])
	}

	return cycles
}

func (b *RingBuffer) GetLastCycle() *models.ScanCycle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.pos == 0 {
		return nil
	}

	c := b.cycles[(b.pos-1)%b.size]

	return &c
}
