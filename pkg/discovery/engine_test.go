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

package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScanner captures the callbacks so tests can drive a cycle by hand.
type fakeScanner struct {
	mu        sync.Mutex
	err       error
	starts    int
	onFound   func(string)
	onStopped func()
}

func (f *fakeScanner) Start(_ context.Context, _ time.Duration, onFound func(string), onStopped func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.err != nil {
		return f.err
	}

	f.onFound = onFound
	f.onStopped = onStopped

	return nil
}

func (f *fakeScanner) found(addr string) {
	f.mu.Lock()
	cb := f.onFound
	f.mu.Unlock()
	cb(addr)
}

func (f *fakeScanner) stop() {
	f.mu.Lock()
	cb := f.onStopped
	f.mu.Unlock()
	cb()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type sliceRecorder struct {
	cycles []models.ScanCycle
}

func (r *sliceRecorder) Add(c models.ScanCycle) {
	r.cycles = append(r.cycles, c)
}

func newTestEngine(t *testing.T, scanner Scanner, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 8, 6, 0, 33, 6, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)

	return NewEngine(scanner, Config{Duration: 5 * time.Second, MinIdle: 10 * time.Second},
		logger.NewTestLogger(), opts...), clock
}

func TestEngineIdempotentInsert(t *testing.T) {
	scanner := &fakeScanner{}
	engine, _ := newTestEngine(t, scanner)

	require.True(t, engine.StartScan(context.Background()))

	scanner.found("11:22:33:44:55:66")
	scanner.found("11:22:33:44:55:66")
	scanner.found("11-22-33-44-55-66")
	scanner.found("aa:bb:cc:dd:ee:ff")

	results := engine.Results()
	assert.Equal(t, 2, results.Len())
	assert.True(t, results.Contains("11:22:33:44:55:66"))
	assert.True(t, results.Contains("AA:BB:CC:DD:EE:FF"))
	assert.False(t, results.Contains("aa:bb:cc:dd:ee:ff"))
}

func TestEngineLifecycle(t *testing.T) {
	scanner := &fakeScanner{}
	recorder := &sliceRecorder{}
	engine, clock := newTestEngine(t, scanner, WithRecorder(recorder))
	ctx := context.Background()

	assert.False(t, engine.IsScanning())
	require.True(t, engine.StartScan(ctx))
	assert.True(t, engine.IsScanning())

	// already scanning
	assert.False(t, engine.StartScan(ctx))
	assert.Equal(t, 1, scanner.starts)

	scanner.found("11:22:33:44:55:66")
	clock.Advance(5 * time.Second)
	scanner.stop()

	assert.False(t, engine.IsScanning())
	require.Len(t, recorder.cycles, 1)
	assert.Equal(t, 1, recorder.cycles[0].Devices)
	assert.Equal(t, 5*time.Second, recorder.cycles[0].Duration)

	last, ok := engine.LastCycle()
	require.True(t, ok)
	assert.Equal(t, recorder.cycles[0], last)

	// results survive the stop so they can be published
	assert.Equal(t, 1, engine.Results().Len())

	// minimum idle interval not yet elapsed
	clock.Advance(9 * time.Second)
	assert.False(t, engine.StartScan(ctx))

	clock.Advance(time.Second)
	require.True(t, engine.StartScan(ctx))
	assert.Equal(t, 0, engine.Results().Len(), "new cycle clears the set")
}

func TestEngineScanStartFailure(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("adapter busy")}
	engine, _ := newTestEngine(t, scanner)
	ctx := context.Background()

	assert.False(t, engine.StartScan(ctx))
	assert.False(t, engine.IsScanning())

	// retry allowed immediately, no idle interval applies
	scanner.err = nil
	assert.True(t, engine.StartScan(ctx))
	assert.Equal(t, 2, scanner.starts)
}

func TestEngineIgnoresLateCallbacks(t *testing.T) {
	scanner := &fakeScanner{}
	engine, clock := newTestEngine(t, scanner)
	ctx := context.Background()

	require.True(t, engine.StartScan(ctx))
	staleFound := scanner.onFound
	staleStop := scanner.onStopped
	scanner.stop()

	clock.Advance(time.Minute)
	require.True(t, engine.StartScan(ctx))

	staleFound("11:22:33:44:55:66")
	staleStop()

	assert.True(t, engine.IsScanning())
	assert.Equal(t, 0, engine.Results().Len())
}

func TestEngineResultsAreCopies(t *testing.T) {
	scanner := &fakeScanner{}
	engine, _ := newTestEngine(t, scanner)

	require.True(t, engine.StartScan(context.Background()))
	scanner.found("11:22:33:44:55:66")

	snapshot := engine.Results()
	scanner.found("77:88:99:AA:BB:CC")

	assert.Equal(t, 1, snapshot.Len())
	assert.Equal(t, 2, engine.Results().Len())
}

func TestEngineDropsInvalidAddresses(t *testing.T) {
	scanner := &fakeScanner{}
	engine, _ := newTestEngine(t, scanner)

	require.True(t, engine.StartScan(context.Background()))
	engine.OnDeviceFound("not-an-address")
	engine.OnDeviceFound("00:00:5e:00:53:01")
	engine.OnScanStopped()

	assert.Equal(t, models.NewAddressSet("00:00:5E:00:53:01"), engine.Results())
	assert.False(t, engine.IsScanning())
}
