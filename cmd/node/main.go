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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/mfreeman451/btradar/pkg/api"
	"github.com/mfreeman451/btradar/pkg/config"
	"github.com/mfreeman451/btradar/pkg/discovery"
	"github.com/mfreeman451/btradar/pkg/journal"
	"github.com/mfreeman451/btradar/pkg/lifecycle"
	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/node"
	"github.com/mfreeman451/btradar/pkg/ota"
	"github.com/mfreeman451/btradar/pkg/system"
	"github.com/mfreeman451/btradar/pkg/transport"
)

const journalRetention = 30 * 24 * time.Hour

var (
	errFailedToLoadConfig = fmt.Errorf("failed to load config")
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/btradar/node.json", "Path to node config file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	nodeLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	identity, err := system.OwnAddress(ctx, cfg.Interface)
	if err != nil {
		return fmt.Errorf("failed to resolve node identity: %w", err)
	}

	link := transport.NewMQTT(transport.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            *cfg.MQTT.QoS,
		KeepAlive:      time.Duration(cfg.MQTT.KeepAlive),
		ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeout),
		Subscriptions:  []string{cfg.MQTT.UpdateTopic, cfg.MQTT.ControlTopic},
	}, nodeLogger)

	deps := &node.Dependencies{
		Transport: link,
		Scanner:   discovery.NewExecScanner(cfg.Scan.Command, nodeLogger),
		Storage:   ota.NewFileStorage(cfg.OTA.ImagePath, cfg.OTA.StagingDir, nodeLogger),
		Rebooter:  system.NewExecRebooter(cfg.OTA.ImagePath, nodeLogger),
		Identity:  identity,
	}

	// api.Journal stays a nil interface when the journal is disabled
	var history api.Journal

	if cfg.JournalPath != "" {
		store, err := journal.Open(cfg.JournalPath, nodeLogger)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.CleanOldData(ctx, journalRetention); err != nil {
			nodeLogger.Warn().Err(err).Msg("Failed to prune journal")
		}

		deps.Journal = store
		history = store
	}

	n, err := node.New(cfg, deps, nodeLogger)
	if err != nil {
		return err
	}

	var auxiliary []lifecycle.Service

	if cfg.HTTPListenAddr != "" {
		auxiliary = append(auxiliary, api.NewServer(cfg.HTTPListenAddr, n, history, nodeLogger))
	}

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ListenAddr:           cfg.HealthListenAddr,
		ServiceName:          node.ServiceName,
		Service:              n,
		Auxiliary:            auxiliary,
		RegisterGRPCServices: []lifecycle.GRPCServiceRegistrar{n.RegisterHealth},
		Logger:               nodeLogger,
	})
}
