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

// Package ota receives firmware images over the update channel and commits
// them through a writable-storage capability.
package ota

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // protocol checksum, not a security boundary
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
)

const (
	directiveStart  = "START:"
	directiveEnd    = "END"
	directiveCancel = "CANCEL"

	// control strings are short; anything longer is image data.
	maxDirectiveLen = 128

	defaultRebootDelay = time.Second
)

// Rebooter is the reboot capability. On success it does not return.
type Rebooter interface {
	Reboot() error
}

// Observer is told about session starts and every terminal outcome. It is
// called without the machine lock held.
type Observer func(models.UpdateEvent)

type Config struct {
	MaxImageSize      int64
	VerifyChecksum    bool
	InactivityTimeout time.Duration
	RebootDelay       time.Duration
}

// Machine is the update state machine. Handle is driven by the messaging
// loop; Busy may be read from any goroutine.
type Machine struct {
	storage   Storage
	rebooter  Rebooter
	config    Config
	log       logger.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func())
	observer  Observer

	busy atomic.Bool

	mu           sync.Mutex
	state        models.UpdateState
	image        Image
	digest       hash.Hash
	totalSize    int64
	received     int64
	checksum     string
	startedAt    time.Time
	lastActivity time.Time
	lastOutcome  models.UpdateOutcome
	lastErr      string
	pending      []models.UpdateEvent
}

// Option customizes a Machine.
type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.observer = o
	}
}

// WithAfterFunc replaces the timer used to schedule the post-commit reboot.
func WithAfterFunc(fn func(time.Duration, func())) Option {
	return func(m *Machine) {
		m.afterFunc = fn
	}
}

func NewMachine(storage Storage, rebooter Rebooter, config Config, log logger.Logger, opts ...Option) *Machine {
	if config.RebootDelay <= 0 {
		config.RebootDelay = defaultRebootDelay
	}

	m := &Machine{
		storage:  storage,
		rebooter: rebooter,
		config:   config,
		log:      log.WithComponent("ota"),
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		state: models.UpdateIdle,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Busy reports whether a session is receiving or committing.
func (m *Machine) Busy() bool {
	return m.busy.Load()
}

// Handle applies one payload from the update channel. Directives that make
// no sense in the current state are ignored and return nil. A returned
// error means the payload was rejected or the session ended in failure.
func (m *Machine) Handle(_ context.Context, payload []byte) error {
	m.mu.Lock()
	err := m.handleLocked(payload)
	events := m.takePending()
	m.mu.Unlock()

	m.emit(events)

	return err
}

func (m *Machine) handleLocked(payload []byte) error {
	d := parseDirective(payload)

	switch m.state {
	case models.UpdateIdle:
		if d.kind != kindStart {
			m.log.Debug().Int("bytes", len(payload)).Msg("Ignoring update payload while idle")

			return nil
		}

		return m.start(d)

	case models.UpdateReceiving:
		switch d.kind {
		case kindStart:
			if d.err != nil {
				// not a valid directive, so it is image data
				return m.write(payload)
			}

			m.fail(models.OutcomeSuperseded, fmt.Errorf("%w: superseded by new START", ErrAborted))

			return m.start(d)
		case kindEnd:
			return m.finish()
		case kindCancel:
			m.fail(models.OutcomeCancelled, nil)
			m.log.Info().Msg("Update cancelled")

			return nil
		case kindData:
			return m.write(payload)
		}

	case models.UpdateCommitting:
		m.log.Debug().Msg("Ignoring update payload while committing")
	}

	return nil
}

func (m *Machine) start(d directive) error {
	if d.err != nil {
		m.log.Warn().Err(d.err).Msg("Dropping malformed START")

		return d.err
	}

	if m.config.MaxImageSize > 0 && d.size > m.config.MaxImageSize {
		err := fmt.Errorf("%w: size %d exceeds limit %d", ErrMalformedDirective, d.size, m.config.MaxImageSize)
		m.log.Warn().Err(err).Msg("Dropping oversized START")

		return err
	}

	img, err := m.storage.Open(d.size)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStorageOpen, err)

		m.lastOutcome = models.OutcomeFailed
		m.lastErr = err.Error()
		m.record(models.UpdateEvent{
			Outcome:   models.OutcomeFailed,
			TotalSize: d.size,
			Checksum:  d.checksum,
			At:        m.now(),
			Err:       err,
		})

		m.log.Error().Err(err).Int64("size", d.size).Msg("Update start failed")

		return err
	}

	now := m.now()

	m.image = img
	m.digest = md5.New() //nolint:gosec // see import
	m.totalSize = d.size
	m.received = 0
	m.checksum = d.checksum
	m.startedAt = now
	m.lastActivity = now
	m.state = models.UpdateReceiving
	m.busy.Store(true)

	m.record(m.event(models.OutcomeStarted, nil))

	m.log.Info().
		Int64("size", d.size).
		Str("checksum", d.checksum).
		Msg("Update started")

	return nil
}

func (m *Machine) write(chunk []byte) error {
	if m.received+int64(len(chunk)) > m.totalSize {
		err := fmt.Errorf("%w: %d + %d > %d", ErrSizeExceeded, m.received, len(chunk), m.totalSize)
		m.fail(models.OutcomeFailed, err)

		return err
	}

	n, err := m.image.Write(chunk)
	if err != nil || n != len(chunk) {
		werr := fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(chunk))
		if err != nil {
			werr = fmt.Errorf("%w: %w", werr, err)
		}

		m.fail(models.OutcomeFailed, werr)

		return werr
	}

	before := m.progress()

	_, _ = m.digest.Write(chunk)
	m.received += int64(n)
	m.lastActivity = m.now()

	if p := m.progress(); p/10 != before/10 {
		m.log.Info().Int("progress", p).Int64("received", m.received).Msg("Update progress")
	}

	return nil
}

func (m *Machine) finish() error {
	if m.received < m.totalSize {
		err := fmt.Errorf("%w: received %d of %d", ErrIncomplete, m.received, m.totalSize)
		m.fail(models.OutcomeFailed, err)

		return err
	}

	if m.config.VerifyChecksum {
		sum := hex.EncodeToString(m.digest.Sum(nil))
		if !strings.EqualFold(sum, m.checksum) {
			err := fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, sum, m.checksum)
			m.fail(models.OutcomeFailed, err)

			return err
		}
	}

	if err := m.image.Finalize(); err != nil {
		ferr := fmt.Errorf("%w: %w", ErrFinalize, err)
		m.fail(models.OutcomeFailed, ferr)

		return ferr
	}

	m.state = models.UpdateCommitting
	m.image = nil
	m.lastOutcome = models.OutcomeCompleted
	m.lastErr = ""
	m.record(m.event(models.OutcomeCompleted, nil))

	m.log.Info().
		Int64("size", m.totalSize).
		Dur("reboot_in", m.config.RebootDelay).
		Msg("Update committed, restarting")

	m.afterFunc(m.config.RebootDelay, m.reboot)

	return nil
}

func (m *Machine) reboot() {
	if m.rebooter == nil {
		m.log.Warn().Msg("No reboot capability, staying in committing state")

		return
	}

	err := m.rebooter.Reboot()
	if err == nil {
		return
	}

	err = fmt.Errorf("%w: %w", ErrReboot, err)
	m.log.Error().Err(err).Msg("Reboot after update failed")

	m.mu.Lock()
	if m.state == models.UpdateCommitting {
		m.record(m.event(models.OutcomeFailed, err))
		m.lastOutcome = models.OutcomeFailed
		m.lastErr = err.Error()
		m.reset()
	}
	events := m.takePending()
	m.mu.Unlock()

	m.emit(events)
}

// fail releases the storage reservation and returns to Idle.
func (m *Machine) fail(outcome models.UpdateOutcome, err error) {
	if m.image != nil {
		if aerr := m.image.Abort(); aerr != nil {
			m.log.Warn().Err(aerr).Msg("Failed to release update image")
		}
	}

	m.record(m.event(outcome, err))

	m.lastOutcome = outcome
	m.lastErr = ""

	if err != nil {
		m.lastErr = err.Error()
		m.log.Warn().Err(err).Str("outcome", string(outcome)).Msg("Update session ended")
	}

	m.reset()
}

func (m *Machine) reset() {
	m.state = models.UpdateIdle
	m.image = nil
	m.digest = nil
	m.totalSize = 0
	m.received = 0
	m.checksum = ""
	m.startedAt = time.Time{}
	m.lastActivity = time.Time{}
	m.busy.Store(false)
}

// Expire abandons a Receiving session that has seen no data for the
// inactivity timeout. It reports whether a session was abandoned.
func (m *Machine) Expire(now time.Time) bool {
	if m.config.InactivityTimeout <= 0 {
		return false
	}

	m.mu.Lock()

	expired := m.state == models.UpdateReceiving && now.Sub(m.lastActivity) >= m.config.InactivityTimeout
	if expired {
		m.fail(models.OutcomeExpired, fmt.Errorf("%w: no data for %s", ErrInactive, now.Sub(m.lastActivity)))
	}

	events := m.takePending()
	m.mu.Unlock()

	m.emit(events)

	return expired
}

// Abort cancels a Receiving session, e.g. on shutdown.
func (m *Machine) Abort(reason string) bool {
	m.mu.Lock()

	aborted := m.state == models.UpdateReceiving
	if aborted {
		m.fail(models.OutcomeCancelled, fmt.Errorf("%w: %s", ErrAborted, reason))
	}

	events := m.takePending()
	m.mu.Unlock()

	m.emit(events)

	return aborted
}

// Snapshot returns a consistent copy of the session.
func (m *Machine) Snapshot() models.UpdateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := models.UpdateSnapshot{
		State:       m.state,
		LastOutcome: m.lastOutcome,
		LastError:   m.lastErr,
	}

	if m.state == models.UpdateIdle {
		return s
	}

	s.TotalSize = m.totalSize
	s.Received = m.received
	s.Checksum = m.checksum
	s.Progress = m.progress()
	s.StartedAt = m.startedAt

	return s
}

func (m *Machine) progress() int {
	if m.totalSize <= 0 {
		return 0
	}

	return int(m.received * 100 / m.totalSize)
}

func (m *Machine) event(outcome models.UpdateOutcome, err error) models.UpdateEvent {
	return models.UpdateEvent{
		Outcome:   outcome,
		TotalSize: m.totalSize,
		Received:  m.received,
		Checksum:  m.checksum,
		StartedAt: m.startedAt,
		At:        m.now(),
		Err:       err,
	}
}

func (m *Machine) record(e models.UpdateEvent) {
	m.pending = append(m.pending, e)
}

func (m *Machine) takePending() []models.UpdateEvent {
	events := m.pending
	m.pending = nil

	return events
}

func (m *Machine) emit(events []models.UpdateEvent) {
	if m.observer == nil {
		return
	}

	for _, e := range events {
		m.observer(e)
	}
}

type directiveKind int

const (
	kindData directiveKind = iota
	kindStart
	kindEnd
	kindCancel
)

type directive struct {
	kind     directiveKind
	size     int64
	checksum string
	err      error
}

func parseDirective(payload []byte) directive {
	if len(payload) > maxDirectiveLen {
		return directive{kind: kindData}
	}

	// directives match exactly; only a single trailing newline is tolerated
	text := string(bytes.TrimSuffix(payload, []byte("\n")))

	switch {
	case text == directiveEnd:
		return directive{kind: kindEnd}
	case text == directiveCancel:
		return directive{kind: kindCancel}
	case strings.HasPrefix(text, directiveStart):
		return parseStart(strings.TrimPrefix(text, directiveStart))
	}

	return directive{kind: kindData}
}

func parseStart(rest string) directive {
	d := directive{kind: kindStart}

	sizeField, checksum, ok := strings.Cut(rest, ":")
	if !ok || checksum == "" {
		d.err = fmt.Errorf("%w: want START:<size>:<checksum>", ErrMalformedDirective)

		return d
	}

	size, err := strconv.ParseInt(sizeField, 10, 64)
	if err != nil || size <= 0 {
		d.err = fmt.Errorf("%w: invalid size %q", ErrMalformedDirective, sizeField)

		return d
	}

	d.size = size
	d.checksum = checksum

	return d
}
