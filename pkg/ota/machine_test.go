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

package ota

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // matches the protocol checksum
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeRebooter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRebooter) Reboot() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++

	return r.err
}

type harness struct {
	machine   *Machine
	storage   *MockStorage
	rebooter  *fakeRebooter
	now       time.Time
	delay     time.Duration
	scheduled func()
	events    []models.UpdateEvent
}

func newHarness(t *testing.T, verify bool) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	h := &harness{
		storage:  NewMockStorage(ctrl),
		rebooter: &fakeRebooter{},
		now:      time.Date(2025, 8, 5, 12, 0, 0, 0, time.UTC),
	}

	h.machine = NewMachine(h.storage, h.rebooter, Config{
		MaxImageSize:      1 << 20,
		VerifyChecksum:    verify,
		InactivityTimeout: time.Minute,
		RebootDelay:       time.Second,
	}, logger.NewTestLogger(),
		WithClock(func() time.Time { return h.now }),
		WithAfterFunc(func(d time.Duration, f func()) {
			h.delay = d
			h.scheduled = f
		}),
		WithObserver(func(e models.UpdateEvent) {
			h.events = append(h.events, e)
		}),
	)

	return h
}

func (h *harness) handle(t *testing.T, payload string) error {
	t.Helper()

	return h.machine.Handle(context.Background(), []byte(payload))
}

func (h *harness) outcomes() []models.UpdateOutcome {
	out := make([]models.UpdateOutcome, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Outcome)
	}

	return out
}

func fullWrite(p []byte) (int, error) {
	return len(p), nil
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // see import

	return hex.EncodeToString(sum[:])
}

func TestChunkAccounting(t *testing.T) {
	h := newHarness(t, true)
	img := NewMockImage(gomock.NewController(t))

	image := bytes.Repeat([]byte{0xA5}, 1000)

	h.storage.EXPECT().Open(int64(1000)).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).DoAndReturn(fullWrite).Times(3)
	img.EXPECT().Finalize().Return(nil)

	require.NoError(t, h.handle(t, "START:1000:"+md5Hex(image)))
	assert.True(t, h.machine.Busy())

	require.NoError(t, h.machine.Handle(context.Background(), image[:400]))
	require.NoError(t, h.machine.Handle(context.Background(), image[400:800]))

	snap := h.machine.Snapshot()
	assert.Equal(t, int64(800), snap.Received)
	assert.Equal(t, 80, snap.Progress)

	require.NoError(t, h.machine.Handle(context.Background(), image[800:]))
	assert.Equal(t, int64(1000), h.machine.Snapshot().Received)

	require.NoError(t, h.handle(t, "END"))

	snap = h.machine.Snapshot()
	assert.Equal(t, models.UpdateCommitting, snap.State)
	assert.Equal(t, models.OutcomeCompleted, snap.LastOutcome)
	assert.True(t, h.machine.Busy())

	require.NotNil(t, h.scheduled)
	assert.Equal(t, time.Second, h.delay)
	assert.Equal(t, 0, h.rebooter.calls)

	h.scheduled()
	assert.Equal(t, 1, h.rebooter.calls)

	assert.Equal(t, []models.UpdateOutcome{models.OutcomeStarted, models.OutcomeCompleted}, h.outcomes())
}

func TestShortWriteAbort(t *testing.T) {
	h := newHarness(t, false)
	ctrl := gomock.NewController(t)
	first := NewMockImage(ctrl)
	second := NewMockImage(ctrl)

	gomock.InOrder(
		h.storage.EXPECT().Open(int64(1000)).Return(first, nil),
		h.storage.EXPECT().Open(int64(500)).Return(second, nil),
	)

	first.EXPECT().Write(gomock.Len(400)).Return(399, nil)
	first.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:1000:abc"))

	err := h.machine.Handle(context.Background(), make([]byte, 400))
	require.ErrorIs(t, err, ErrShortWrite)

	snap := h.machine.Snapshot()
	assert.Equal(t, models.UpdateIdle, snap.State)
	assert.Equal(t, models.OutcomeFailed, snap.LastOutcome)
	assert.Zero(t, snap.Received)
	assert.False(t, h.machine.Busy())

	require.NoError(t, h.handle(t, "START:500:abc"))

	snap = h.machine.Snapshot()
	assert.Equal(t, models.UpdateReceiving, snap.State)
	assert.Equal(t, int64(500), snap.TotalSize)
	assert.Zero(t, snap.Received)
}

func TestWriteErrorAborts(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	h.storage.EXPECT().Open(int64(10)).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).Return(0, errors.New("disk full"))
	img.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:10:abc"))

	err := h.handle(t, "0123456789")
	require.ErrorIs(t, err, ErrShortWrite)
	assert.Contains(t, err.Error(), "disk full")
}

func TestCancelThenRestart(t *testing.T) {
	h := newHarness(t, false)
	ctrl := gomock.NewController(t)
	first := NewMockImage(ctrl)
	second := NewMockImage(ctrl)

	h.storage.EXPECT().Open(int64(100)).Return(first, nil)
	h.storage.EXPECT().Open(int64(200)).Return(second, nil)
	first.EXPECT().Write(gomock.Len(50)).DoAndReturn(fullWrite)
	first.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:100:x"))
	require.NoError(t, h.machine.Handle(context.Background(), make([]byte, 50)))
	assert.Equal(t, int64(50), h.machine.Snapshot().Received)

	require.NoError(t, h.handle(t, "CANCEL"))

	snap := h.machine.Snapshot()
	assert.Equal(t, models.UpdateIdle, snap.State)
	assert.Equal(t, models.OutcomeCancelled, snap.LastOutcome)
	assert.Empty(t, snap.LastError)

	require.NoError(t, h.handle(t, "START:200:y"))

	snap = h.machine.Snapshot()
	assert.Equal(t, int64(200), snap.TotalSize)
	assert.Zero(t, snap.Received)
	assert.Equal(t, "y", snap.Checksum)

	assert.Equal(t, []models.UpdateOutcome{
		models.OutcomeStarted, models.OutcomeCancelled, models.OutcomeStarted,
	}, h.outcomes())
}

func TestIdleIgnoresNonStart(t *testing.T) {
	h := newHarness(t, false)

	// no storage expectations: any Open call fails the test
	for _, payload := range []string{"END", "CANCEL", "garbage", "\x00\x01\x02"} {
		require.NoError(t, h.handle(t, payload), payload)
	}

	require.NoError(t, h.machine.Handle(context.Background(), make([]byte, 4096)))

	assert.Equal(t, models.UpdateIdle, h.machine.Snapshot().State)
	assert.Empty(t, h.events)
}

func TestMalformedStart(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "missing checksum", payload: "START:100"},
		{name: "empty checksum", payload: "START:100:"},
		{name: "zero size", payload: "START:0:abc"},
		{name: "negative size", payload: "START:-5:abc"},
		{name: "non numeric size", payload: "START:ten:abc"},
		{name: "over limit", payload: "START:9999999999:abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)

			err := h.handle(t, tt.payload)
			require.ErrorIs(t, err, ErrMalformedDirective)
			assert.Equal(t, models.UpdateIdle, h.machine.Snapshot().State)
			assert.False(t, h.machine.Busy())
		})
	}
}

func TestStartTolerantOfTrailingNewline(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	h.storage.EXPECT().Open(int64(42)).Return(img, nil)

	require.NoError(t, h.handle(t, "START:42:abc\n"))
	assert.Equal(t, "abc", h.machine.Snapshot().Checksum)
}

func TestDirectivesMatchExactly(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	var written bytes.Buffer

	h.storage.EXPECT().Open(int64(11)).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		return written.Write(p)
	}).Times(2)
	img.EXPECT().Finalize().Return(nil)

	require.NoError(t, h.handle(t, "START:11:abc"))

	// padded directives are image data while receiving
	require.NoError(t, h.handle(t, "\nEND"))
	require.NoError(t, h.handle(t, "CANCEL "))
	assert.Equal(t, models.UpdateReceiving, h.machine.Snapshot().State)
	assert.Equal(t, int64(11), h.machine.Snapshot().Received)
	assert.Equal(t, "\nENDCANCEL ", written.String())

	require.NoError(t, h.handle(t, "END\n"))
	assert.Equal(t, models.UpdateCommitting, h.machine.Snapshot().State)
}

func TestStorageOpenFailure(t *testing.T) {
	h := newHarness(t, false)

	h.storage.EXPECT().Open(int64(100)).Return(nil, ErrInsufficientSpace)

	err := h.handle(t, "START:100:abc")
	require.ErrorIs(t, err, ErrStorageOpen)
	require.ErrorIs(t, err, ErrInsufficientSpace)

	snap := h.machine.Snapshot()
	assert.Equal(t, models.UpdateIdle, snap.State)
	assert.Equal(t, models.OutcomeFailed, snap.LastOutcome)
	assert.False(t, h.machine.Busy())
}

func TestStartWhileReceivingSupersedes(t *testing.T) {
	h := newHarness(t, false)
	ctrl := gomock.NewController(t)
	first := NewMockImage(ctrl)
	second := NewMockImage(ctrl)

	h.storage.EXPECT().Open(int64(10)).Return(first, nil)
	h.storage.EXPECT().Open(int64(20)).Return(second, nil)
	first.EXPECT().Write(gomock.Any()).DoAndReturn(fullWrite)
	first.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:10:a"))
	require.NoError(t, h.handle(t, "abcd"))
	require.NoError(t, h.handle(t, "START:20:b"))

	snap := h.machine.Snapshot()
	assert.Equal(t, models.UpdateReceiving, snap.State)
	assert.Equal(t, int64(20), snap.TotalSize)
	assert.Zero(t, snap.Received)
	assert.True(t, h.machine.Busy())

	assert.Equal(t, []models.UpdateOutcome{
		models.OutcomeStarted, models.OutcomeSuperseded, models.OutcomeStarted,
	}, h.outcomes())
}

func TestMalformedStartWhileReceivingIsData(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	h.storage.EXPECT().Open(int64(100)).Return(img, nil)
	img.EXPECT().Write([]byte("START:oops")).DoAndReturn(fullWrite)

	require.NoError(t, h.handle(t, "START:100:a"))
	require.NoError(t, h.handle(t, "START:oops"))
	assert.Equal(t, int64(10), h.machine.Snapshot().Received)
}

func TestOverrunAborts(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	h.storage.EXPECT().Open(int64(4)).Return(img, nil)
	img.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:4:a"))

	err := h.handle(t, "abcde")
	require.ErrorIs(t, err, ErrSizeExceeded)
	assert.Equal(t, models.UpdateIdle, h.machine.Snapshot().State)
}

func TestEndBeforeComplete(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	h.storage.EXPECT().Open(int64(8)).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).DoAndReturn(fullWrite)
	img.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:8:a"))
	require.NoError(t, h.handle(t, "abcd"))

	err := h.handle(t, "END")
	require.ErrorIs(t, err, ErrIncomplete)
	assert.Nil(t, h.scheduled)
}

func TestChecksumMismatch(t *testing.T) {
	h := newHarness(t, true)
	img := NewMockImage(gomock.NewController(t))

	h.storage.EXPECT().Open(int64(4)).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).DoAndReturn(fullWrite)
	img.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:4:deadbeef"))
	require.NoError(t, h.handle(t, "abcd"))

	err := h.handle(t, "END")
	require.ErrorIs(t, err, ErrChecksumMismatch)

	snap := h.machine.Snapshot()
	assert.Equal(t, models.OutcomeFailed, snap.LastOutcome)
	assert.Contains(t, snap.LastError, "checksum mismatch")
	assert.Nil(t, h.scheduled)
}

func TestChecksumCaseInsensitive(t *testing.T) {
	h := newHarness(t, true)
	img := NewMockImage(gomock.NewController(t))

	data := []byte("firmware")

	h.storage.EXPECT().Open(int64(len(data))).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).DoAndReturn(fullWrite)
	img.EXPECT().Finalize().Return(nil)

	upper := bytes.ToUpper([]byte(md5Hex(data)))

	require.NoError(t, h.handle(t, "START:8:"+string(upper)))
	require.NoError(t, h.machine.Handle(context.Background(), data))
	require.NoError(t, h.handle(t, "END"))
	assert.Equal(t, models.UpdateCommitting, h.machine.Snapshot().State)
}

func TestFinalizeFailure(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	h.storage.EXPECT().Open(int64(4)).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).DoAndReturn(fullWrite)
	img.EXPECT().Finalize().Return(errors.New("rename failed"))
	img.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:4:a"))
	require.NoError(t, h.handle(t, "abcd"))

	err := h.handle(t, "END")
	require.ErrorIs(t, err, ErrFinalize)
	assert.False(t, h.machine.Busy())
	assert.Nil(t, h.scheduled)
}

func TestRebootFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))
	h.rebooter.err = errors.New("exec format error")

	h.storage.EXPECT().Open(int64(4)).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).DoAndReturn(fullWrite)
	img.EXPECT().Finalize().Return(nil)

	require.NoError(t, h.handle(t, "START:4:a"))
	require.NoError(t, h.handle(t, "abcd"))
	require.NoError(t, h.handle(t, "END"))

	h.scheduled()

	snap := h.machine.Snapshot()
	assert.Equal(t, models.UpdateIdle, snap.State)
	assert.Equal(t, models.OutcomeFailed, snap.LastOutcome)
	assert.False(t, h.machine.Busy())

	last := h.events[len(h.events)-1]
	require.ErrorIs(t, last.Err, ErrReboot)
}

func TestExpire(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	h.storage.EXPECT().Open(int64(100)).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).DoAndReturn(fullWrite)
	img.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:100:a"))

	h.now = h.now.Add(30 * time.Second)
	require.NoError(t, h.handle(t, "abcd"))

	h.now = h.now.Add(59 * time.Second)
	assert.False(t, h.machine.Expire(h.now))

	h.now = h.now.Add(time.Second)
	assert.True(t, h.machine.Expire(h.now))

	snap := h.machine.Snapshot()
	assert.Equal(t, models.UpdateIdle, snap.State)
	assert.Equal(t, models.OutcomeExpired, snap.LastOutcome)
	assert.False(t, h.machine.Busy())

	assert.False(t, h.machine.Expire(h.now.Add(time.Hour)))
}

func TestAbort(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	assert.False(t, h.machine.Abort("shutdown"))

	h.storage.EXPECT().Open(int64(100)).Return(img, nil)
	img.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:100:a"))
	assert.True(t, h.machine.Abort("shutdown"))

	snap := h.machine.Snapshot()
	assert.Equal(t, models.OutcomeCancelled, snap.LastOutcome)
	assert.Contains(t, snap.LastError, "shutdown")
}

func TestObserverRunsWithoutLock(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	var seen []models.UpdateSnapshot

	h.machine.observer = func(models.UpdateEvent) {
		seen = append(seen, h.machine.Snapshot())
	}

	h.storage.EXPECT().Open(int64(100)).Return(img, nil)

	require.NoError(t, h.handle(t, "START:100:a"))
	require.Len(t, seen, 1)
	assert.Equal(t, models.UpdateReceiving, seen[0].State)
}

func TestBusyConcurrentRead(t *testing.T) {
	h := newHarness(t, false)
	img := NewMockImage(gomock.NewController(t))

	h.storage.EXPECT().Open(int64(1<<16)).Return(img, nil)
	img.EXPECT().Write(gomock.Any()).DoAndReturn(fullWrite).AnyTimes()
	img.EXPECT().Abort().Return(nil)

	require.NoError(t, h.handle(t, "START:65536:a"))

	done := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			select {
			case <-done:
				return
			default:
				_ = h.machine.Busy()
				_ = h.machine.Snapshot()
			}
		}
	}()

	chunk := make([]byte, 1024)
	for i := 0; i < 32; i++ {
		require.NoError(t, h.machine.Handle(context.Background(), chunk))
	}

	require.NoError(t, h.handle(t, "CANCEL"))
	close(done)
	wg.Wait()

	assert.False(t, h.machine.Busy())
}
