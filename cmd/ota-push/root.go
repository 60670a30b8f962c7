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
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mfreeman451/btradar/pkg/config"
	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/otapush"
	"github.com/mfreeman451/btradar/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	// Broker flags
	broker   string
	username string
	qos      uint8
	timeout  time.Duration
	verbose  bool

	// Channel flags
	updateTopic  string
	controlTopic string
)

var rootCmd = &cobra.Command{
	Use:   "ota-push",
	Short: "Push firmware updates to btradar nodes",
	Long: `ota-push talks to btradar nodes over the MQTT broker they share.

It announces an update image with its size and MD5 digest, streams it in raw
chunks on the update channel and closes the session. It can also cancel a
session, ask a node to restart and request its status document.

The broker password is read from the ` + config.PasswordEnv + ` environment variable.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&broker, "broker", "b", "tcp://localhost:1883", "MQTT broker URL")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "MQTT username")
	rootCmd.PersistentFlags().Uint8Var(&qos, "qos", 1, "MQTT QoS for published messages")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for broker operations")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log protocol traffic")

	rootCmd.PersistentFlags().StringVar(&updateTopic, "update-topic", config.DefaultUpdateTopic, "Update channel")
	rootCmd.PersistentFlags().StringVar(&controlTopic, "control-topic", config.DefaultControlTopic, "Control channel")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() (logger.Logger, error) {
	cfg := &logger.Config{Level: "info", Output: "stderr"}
	if verbose {
		cfg.Level = "debug"
	}

	return logger.New(cfg)
}

// connect opens a broker session subscribed to subscriptions.
func connect(ctx context.Context, log logger.Logger, subscriptions ...string) (*transport.MQTT, error) {
	link := transport.NewMQTT(transport.Config{
		Broker:         broker,
		ClientID:       "btradar-push-" + uuid.NewString(),
		Username:       username,
		Password:       os.Getenv(config.PasswordEnv),
		QoS:            qos,
		ConnectTimeout: timeout,
		Subscriptions:  subscriptions,
	}, log)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := link.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", broker, err)
	}

	return link, nil
}

func newPusher(link *transport.MQTT, log logger.Logger, opts ...otapush.Option) *otapush.Pusher {
	return otapush.NewPusher(link, otapush.Config{
		UpdateTopic:  updateTopic,
		ControlTopic: controlTopic,
		ChunkSize:    chunkSize,
		ChunkDelay:   chunkDelay,
	}, log, opts...)
}
