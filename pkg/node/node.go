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

// Package node coordinates the sensor: a messaging loop that keeps the link
// up and feeds the command router, and a discovery loop that scans and
// publishes while no update is in progress.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mfreeman451/btradar/pkg/config"
	"github.com/mfreeman451/btradar/pkg/discovery"
	"github.com/mfreeman451/btradar/pkg/grpc"
	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/metrics"
	"github.com/mfreeman451/btradar/pkg/models"
	"github.com/mfreeman451/btradar/pkg/ota"
	"github.com/mfreeman451/btradar/pkg/publish"
	"github.com/mfreeman451/btradar/pkg/router"
	"github.com/mfreeman451/btradar/pkg/system"
)

const (
	// ServiceName is the gRPC health service name.
	ServiceName = "btradar"

	housekeepingInterval = time.Second
	eventPublishTimeout  = 5 * time.Second
	cycleRetention       = 100
	otaStatusPrefix      = "ota:"
)

// Dependencies are the capabilities the node consumes.
type Dependencies struct {
	Transport Transport
	Scanner   discovery.Scanner
	Storage   ota.Storage
	Rebooter  ota.Rebooter
	Journal   Journal
	// Identity is this node's canonical address.
	Identity string
}

type Node struct {
	config    *config.NodeConfig
	identity  string
	transport Transport
	journal   Journal
	engine    *discovery.Engine
	gate      *publish.Gate
	machine   *ota.Machine
	router    *router.Router
	stats     *system.Stats
	clock     *system.Clock
	metrics   *metrics.Manager
	log       logger.Logger
	now       func() time.Time

	mu     sync.Mutex
	health HealthReporter
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// update events wait here for the announcer, in emission order
	eventsMu    sync.Mutex
	events      []models.UpdateEvent
	eventsReady chan struct{}
}

func New(cfg *config.NodeConfig, deps *Dependencies, log logger.Logger) (*Node, error) {
	switch {
	case deps.Transport == nil:
		return nil, errTransportRequired
	case deps.Scanner == nil:
		return nil, errScannerRequired
	case deps.Storage == nil:
		return nil, errStorageRequired
	case deps.Rebooter == nil:
		return nil, errRebooterRequired
	case deps.Identity == "":
		return nil, errIdentityRequired
	}

	n := &Node{
		config:    cfg,
		identity:  deps.Identity,
		transport: deps.Transport,
		journal:   deps.Journal,
		stats:     system.NewStats(cfg.DeviceID),
		clock:     system.NewClock(cfg.Location(), cfg.TimeFormat),
		metrics:   metrics.NewManager(cycleRetention),
		log:       log.WithComponent("node"),

		eventsReady: make(chan struct{}, 1),
	}

	n.now = n.clock.Now

	n.engine = discovery.NewEngine(deps.Scanner, discovery.Config{
		Duration: time.Duration(cfg.Scan.Duration),
		MinIdle:  time.Duration(cfg.Scan.MinIdle),
	}, log, discovery.WithRecorder(n.metrics))

	n.gate = publish.NewGate(deps.Transport, n.engine, publish.Config{
		Topic:       cfg.MQTT.ReportTopic,
		Location:    cfg.Location(),
		TimeFormat:  cfg.TimeFormat,
		MinInterval: time.Duration(cfg.Publish.MinInterval),
	}, log)
	n.gate.OnPublished(n.onReportPublished)

	verify := cfg.OTA.VerifyChecksum == nil || *cfg.OTA.VerifyChecksum

	n.machine = ota.NewMachine(deps.Storage, deps.Rebooter, ota.Config{
		MaxImageSize:      cfg.OTA.MaxImageSize,
		VerifyChecksum:    verify,
		InactivityTimeout: time.Duration(cfg.OTA.InactivityTimeout),
		RebootDelay:       time.Duration(cfg.OTA.RebootDelay),
	}, log, ota.WithObserver(n.onUpdateEvent))

	n.router = router.New(log)
	n.router.Register(cfg.MQTT.UpdateTopic, n.machine)
	n.router.Register(cfg.MQTT.ControlTopic, router.NewControlHandler(deps.Transport, n.stats, deps.Rebooter,
		router.ControlConfig{
			Topic:       cfg.MQTT.ControlTopic,
			RebootDelay: time.Duration(cfg.Control.RebootDelay),
		}, log))

	return n, nil
}

// RegisterHealth hooks the node's link state into the gRPC health service.
func (n *Node) RegisterHealth(srv *grpc.Server) error {
	n.mu.Lock()
	n.health = srv
	n.mu.Unlock()

	srv.SetServing(ServiceName, n.transport.IsConnected())

	return nil
}

// Start launches both loops and returns.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	n.log.Info().
		Str("identity", n.identity).
		Str("device_id", n.config.DeviceID).
		Str("point", n.config.Point).
		Msg("Starting node")

	n.wg.Add(3)

	go n.messagingLoop(ctx)
	go n.discoveryLoop(ctx)
	go n.announceLoop(ctx)

	return nil
}

// Stop abandons any receiving update, stops both loops and closes the link.
func (n *Node) Stop(ctx context.Context) error {
	n.machine.Abort("shutdown")

	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})

	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		n.log.Warn().Msg("Timed out waiting for loops to stop")
	}

	n.setHealth(false)

	if err := n.transport.Close(); err != nil {
		return fmt.Errorf("closing transport: %w", err)
	}

	n.log.Info().Msg("Node stopped")

	return nil
}

func (n *Node) messagingLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	delay := time.Duration(n.config.MQTT.ReconnectDelay)

	for {
		if !n.transport.IsConnected() {
			n.setHealth(false)

			if err := n.transport.Connect(ctx); err != nil {
				n.log.Warn().Err(err).Dur("retry_in", delay).Msg("Broker unavailable")

				if !n.waitReconnect(ctx, ticker, delay) {
					return
				}

				continue
			}

			n.setHealth(true)
		}

		select {
		case <-ctx.Done():
			return
		case msg, ok := <-n.transport.Messages():
			if !ok {
				return
			}

			// handler failures are logged by the router and never stop the loop
			_ = n.router.Route(ctx, msg)
		case <-ticker.C:
			n.machine.Expire(n.now())
		}
	}
}

// waitReconnect sleeps for delay while still expiring stalled updates. It
// returns false when ctx is done.
func (n *Node) waitReconnect(ctx context.Context, ticker *time.Ticker, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-ticker.C:
			n.machine.Expire(n.now())
		}
	}
}

func (n *Node) discoveryLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(time.Duration(n.config.Scan.LoopInterval))
	defer ticker.Stop()

	n.discoveryTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.discoveryTick(ctx)
		}
	}
}

// discoveryTick publishes the finished cycle, then starts the next one.
// Publishing first matters: starting a scan clears the results.
func (n *Node) discoveryTick(ctx context.Context) {
	if n.machine.Busy() {
		n.log.Debug().Msg("Update in progress, discovery suspended")

		return
	}

	res, err := n.gate.MaybePublish(ctx, n.engine.Results(), n.identity, n.config.Point, n.now())
	if err != nil {
		n.log.Debug().Err(err).Msg("Report not published")
	}

	if res.Outcome == publish.Skipped {
		n.metrics.RecordSkipped(res.Reason)
	}

	n.engine.StartScan(ctx)
}

func (n *Node) onReportPublished(report *models.Report) {
	n.metrics.RecordPublished()

	if n.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()

	if err := n.journal.RecordReport(ctx, report); err != nil {
		n.log.Warn().Err(err).Msg("Failed to journal report")
	}
}

// onUpdateEvent runs under the messaging loop, which must not wait on a
// publish ack while inbound chunks queue up behind it. Events are queued
// for announceLoop instead.
func (n *Node) onUpdateEvent(e models.UpdateEvent) {
	n.eventsMu.Lock()
	n.events = append(n.events, e)
	n.eventsMu.Unlock()

	select {
	case n.eventsReady <- struct{}{}:
	default:
	}
}

func (n *Node) takeEvents() []models.UpdateEvent {
	n.eventsMu.Lock()
	defer n.eventsMu.Unlock()

	events := n.events
	n.events = nil

	return events
}

// announceLoop announces queued update events one at a time. Events queued
// before shutdown, such as the abort from Stop, are flushed before it exits.
func (n *Node) announceLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			for _, e := range n.takeEvents() {
				n.announceUpdate(e)
			}

			return
		case <-n.eventsReady:
			for _, e := range n.takeEvents() {
				n.announceUpdate(e)
			}
		}
	}
}

// announceUpdate journals the event and reports it on the control channel.
func (n *Node) announceUpdate(e models.UpdateEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()

	if n.journal != nil {
		if err := n.journal.RecordUpdate(ctx, &e); err != nil {
			n.log.Warn().Err(err).Msg("Failed to journal update event")
		}
	}

	doc, err := n.stats.Document(ctx, otaStatusPrefix+string(e.Outcome))
	if err != nil {
		n.log.Warn().Err(err).Msg("Failed to build update status")

		return
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return
	}

	if err := n.transport.Publish(ctx, n.config.MQTT.ControlTopic, payload); err != nil {
		n.log.Debug().Err(err).Str("status", doc.Status).Msg("Update status not published")
	}
}

func (n *Node) setHealth(serving bool) {
	n.mu.Lock()
	h := n.health
	n.mu.Unlock()

	if h != nil {
		h.SetServing(ServiceName, serving)
	}
}

func (n *Node) Status(_ context.Context) (*models.NodeStatus, error) {
	return &models.NodeStatus{
		DeviceID:  n.config.DeviceID,
		Identity:  n.identity,
		Point:     n.config.Point,
		Uptime:    n.stats.Uptime().Milliseconds(),
		LocalTime: n.clock.NowFormatted(),
		Connected: n.transport.IsConnected(),
		Scanning:  n.engine.IsScanning(),
		Update:    n.machine.Snapshot(),
		Scans:     n.metrics.Stats(),
	}, nil
}

func (n *Node) Devices() *models.DeviceView {
	view := &models.DeviceView{
		Current:       n.engine.Results().Sorted(),
		LastPublished: n.gate.LastPublished().Sorted(),
		Scanning:      n.engine.IsScanning(),
	}

	if c, ok := n.engine.LastCycle(); ok {
		view.LastCycle = &c
	}

	return view
}

func (n *Node) Update() models.UpdateSnapshot {
	return n.machine.Snapshot()
}

func (n *Node) ScanCycles() []models.ScanCycle {
	return n.metrics.GetCycles()
}

func (n *Node) ScanStats() models.ScanStats {
	return n.metrics.Stats()
}
