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

// Package publish decides, once per discovery cycle, whether the discovered
// set is new information and emits the report when it is.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
	"golang.org/x/time/rate"
)

//go:generate mockgen -destination=mock_publish.go -package=publish github.com/mfreeman451/btradar/pkg/publish Publisher

// Publisher is the message-publish capability.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ScanState is consulted so a partial cycle is never published.
type ScanState interface {
	IsScanning() bool
}

type Outcome string

const (
	Published Outcome = "published"
	Skipped   Outcome = "skipped"
)

// Skip reasons.
const (
	ReasonScanning      = "scanning"
	ReasonEmpty         = "empty"
	ReasonUnchanged     = "unchanged"
	ReasonRateLimited   = "rate_limited"
	ReasonPublishFailed = "publish_failed"
)

// Result describes what MaybePublish did.
type Result struct {
	Outcome Outcome
	Reason  string
	Report  *models.Report
}

type Config struct {
	Topic       string
	Location    *time.Location
	TimeFormat  string
	MinInterval time.Duration
}

// Gate owns LastPublishedSet.
type Gate struct {
	publisher Publisher
	scan      ScanState
	config    Config
	limiter   *rate.Limiter
	log       logger.Logger

	mu            sync.Mutex
	lastPublished models.AddressSet
	onPublished   func(*models.Report)
}

func NewGate(publisher Publisher, scan ScanState, config Config, log logger.Logger) *Gate {
	if config.Location == nil {
		config.Location = time.UTC
	}

	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC1123
	}

	limit := rate.Inf
	if config.MinInterval > 0 {
		limit = rate.Every(config.MinInterval)
	}

	return &Gate{
		publisher:     publisher,
		scan:          scan,
		config:        config,
		limiter:       rate.NewLimiter(limit, 1),
		log:           log.WithComponent("publish"),
		lastPublished: make(models.AddressSet),
	}
}

// OnPublished registers a hook run after every successful publish.
func (g *Gate) OnPublished(fn func(*models.Report)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.onPublished = fn
}

// MaybePublish emits a report for current unless it is empty, equal to the
// last published set, still being scanned, or rate limited. The snapshot is
// only replaced after a successful publish, so failures retry next cycle.
func (g *Gate) MaybePublish(
	ctx context.Context, current models.AddressSet, identity, point string, now time.Time) (Result, error) {
	if g.scan != nil && g.scan.IsScanning() {
		return Result{Outcome: Skipped, Reason: ReasonScanning}, nil
	}

	if current.Len() == 0 {
		return Result{Outcome: Skipped, Reason: ReasonEmpty}, nil
	}

	g.mu.Lock()
	unchanged := current.Equal(g.lastPublished)
	g.mu.Unlock()

	if unchanged {
		return Result{Outcome: Skipped, Reason: ReasonUnchanged}, nil
	}

	reservation := g.limiter.ReserveN(now, 1)
	if !reservation.OK() || reservation.DelayFrom(now) > 0 {
		reservation.CancelAt(now)

		return Result{Outcome: Skipped, Reason: ReasonRateLimited}, nil
	}

	snapshot := current.Clone()
	report := BuildReport(snapshot, identity, point, now, g.config.Location, g.config.TimeFormat)

	payload, err := json.Marshal(report)
	if err != nil {
		reservation.CancelAt(now)

		return Result{Outcome: Skipped, Reason: ReasonPublishFailed}, fmt.Errorf("%w: %w", errMarshalReport, err)
	}

	if err := g.publisher.Publish(ctx, g.config.Topic, payload); err != nil {
		reservation.CancelAt(now)

		g.log.Warn().Err(err).Int("devices", snapshot.Len()).Msg("Failed to publish report, will retry")

		return Result{Outcome: Skipped, Reason: ReasonPublishFailed}, fmt.Errorf("%w: %w", errPublish, err)
	}

	g.mu.Lock()
	g.lastPublished = snapshot
	hook := g.onPublished
	g.mu.Unlock()

	g.log.Info().
		Int("devices", len(report.Devices)).
		Str("point", point).
		Int64("timestamp", report.Timestamp).
		Msg("Report published")

	if hook != nil {
		hook(report)
	}

	return Result{Outcome: Published, Report: report}, nil
}

// LastPublished returns a copy of LastPublishedSet.
func (g *Gate) LastPublished() models.AddressSet {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.lastPublished.Clone()
}

// BuildReport formats a report with devices in lexicographic order.
func BuildReport(
	devices models.AddressSet, identity, point string, now time.Time, loc *time.Location, layout string) *models.Report {
	return &models.Report{
		Devices:    devices.Sorted(),
		ID:         identity,
		Point:      point,
		Timestamp:  now.Unix(),
		TimeString: now.In(loc).Format(layout),
	}
}
