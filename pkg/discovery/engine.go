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

// Package discovery runs bounded radio scan cycles and keeps the
// duplicate-free set of device addresses seen in the current cycle.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
)

const (
	defaultDuration = 5 * time.Second
	defaultMinIdle  = 10 * time.Second
)

// Scanner is the radio capability. Start begins a scan lasting roughly
// duration and returns immediately; onFound is called per sighting and
// onStopped exactly once when the scan ends. When Start returns an error
// neither callback is invoked.
type Scanner interface {
	Start(ctx context.Context, duration time.Duration, onFound func(address string), onStopped func()) error
}

// CycleRecorder receives a sample for every completed cycle.
type CycleRecorder interface {
	Add(cycle models.ScanCycle)
}

type Config struct {
	Duration time.Duration
	MinIdle  time.Duration
}

// Engine owns the scan lifecycle and the DiscoveredSet.
type Engine struct {
	scanner  Scanner
	config   Config
	recorder CycleRecorder
	log      logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	scanning  bool
	cycle     uint64
	results   models.AddressSet
	startedAt time.Time
	lastStop  time.Time
	lastCycle models.ScanCycle
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRecorder sets where completed cycles are recorded.
func WithRecorder(r CycleRecorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(scanner Scanner, config Config, log logger.Logger, opts ...Option) *Engine {
	if config.Duration <= 0 {
		config.Duration = defaultDuration
	}

	if config.MinIdle < 0 {
		config.MinIdle = defaultMinIdle
	}

	e := &Engine{
		scanner: scanner,
		config:  config,
		log:     log.WithComponent("discovery"),
		now:     time.Now,
		results: make(models.AddressSet),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// StartScan begins a new cycle and reports whether one was started. It is a
// no-op while scanning or before MinIdle has elapsed since the last cycle
// stopped. A scanner failure leaves the engine idle so the next call retries.
func (e *Engine) StartScan(ctx context.Context) bool {
	e.mu.Lock()

	if e.scanning {
		e.mu.Unlock()
		return false
	}

	now := e.now()
	if !e.lastStop.IsZero() && now.Sub(e.lastStop) < e.config.MinIdle {
		e.mu.Unlock()
		return false
	}

	e.cycle++
	cycle := e.cycle
	e.scanning = true
	e.startedAt = now
	e.results = make(models.AddressSet)
	e.mu.Unlock()

	e.log.Debug().Uint64("cycle", cycle).Dur("duration", e.config.Duration).Msg("Starting scan")

	err := e.scanner.Start(ctx, e.config.Duration,
		func(address string) { e.onDeviceFound(cycle, address) },
		func() { e.onScanStopped(cycle) },
	)
	if err != nil {
		e.mu.Lock()
		if e.cycle == cycle {
			e.scanning = false
		}
		e.mu.Unlock()

		e.log.Warn().Err(err).Uint64("cycle", cycle).Msg("Scan could not start, retrying next cycle")

		return false
	}

	return true
}

// OnDeviceFound records a sighting in the current cycle.
func (e *Engine) OnDeviceFound(address string) {
	e.mu.Lock()
	cycle := e.cycle
	e.mu.Unlock()

	e.onDeviceFound(cycle, address)
}

// OnScanStopped ends the current cycle.
func (e *Engine) OnScanStopped() {
	e.mu.Lock()
	cycle := e.cycle
	e.mu.Unlock()

	e.onScanStopped(cycle)
}

func (e *Engine) onDeviceFound(cycle uint64, address string) {
	canonical, err := NormalizeAddress(address)
	if err != nil {
		e.log.Debug().Err(err).Msg("Dropping sighting")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// late callbacks from an earlier cycle must not leak into this one
	if cycle != e.cycle || !e.scanning {
		return
	}

	if e.results.Add(canonical) {
		e.log.Debug().Str("address", canonical).Msg("Device found")
	}
}

func (e *Engine) onScanStopped(cycle uint64) {
	e.mu.Lock()

	if cycle != e.cycle || !e.scanning {
		e.mu.Unlock()
		return
	}

	now := e.now()
	e.scanning = false
	e.lastStop = now
	e.lastCycle = models.ScanCycle{
		StartedAt: e.startedAt,
		StoppedAt: now,
		Duration:  now.Sub(e.startedAt),
		Devices:   e.results.Len(),
	}
	sample := e.lastCycle
	e.mu.Unlock()

	e.log.Info().
		Int("devices", sample.Devices).
		Dur("elapsed", sample.Duration).
		Msg("Scan cycle completed")

	if e.recorder != nil {
		e.recorder.Add(sample)
	}
}

// IsScanning reports whether a cycle is in progress.
func (e *Engine) IsScanning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.scanning
}

// Results returns a copy of the current DiscoveredSet.
func (e *Engine) Results() models.AddressSet {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.results.Clone()
}

// LastCycle returns the most recently completed cycle, if any.
func (e *Engine) LastCycle() (models.ScanCycle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastCycle, !e.lastCycle.StoppedAt.IsZero()
}
