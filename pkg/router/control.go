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

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
)

//go:generate mockgen -destination=mock_router.go -package=router github.com/mfreeman451/btradar/pkg/router Publisher,StatusSource

const (
	commandReboot = "reboot"

	defaultControlRebootDelay = time.Second
)

// status requests seen in the field.
var statusCommands = []string{"status", "status-request", "SCAN_STATUS"}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// StatusSource produces the document answered to status requests.
type StatusSource interface {
	StatusDocument(ctx context.Context) (*models.StatusDocument, error)
}

type Rebooter interface {
	Reboot() error
}

type ControlConfig struct {
	Topic       string
	RebootDelay time.Duration
}

// ControlHandler answers commands on the control channel.
type ControlHandler struct {
	publisher Publisher
	status    StatusSource
	rebooter  Rebooter
	config    ControlConfig
	afterFunc func(time.Duration, func())
	log       logger.Logger
}

func NewControlHandler(
	publisher Publisher, status StatusSource, rebooter Rebooter, config ControlConfig, log logger.Logger) *ControlHandler {
	if config.RebootDelay <= 0 {
		config.RebootDelay = defaultControlRebootDelay
	}

	return &ControlHandler{
		publisher: publisher,
		status:    status,
		rebooter:  rebooter,
		config:    config,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		log: log.WithComponent("control"),
	}
}

func (c *ControlHandler) Handle(ctx context.Context, payload []byte) error {
	cmd := strings.TrimSpace(string(payload))

	switch {
	case strings.EqualFold(cmd, commandReboot):
		c.scheduleReboot()

		return nil
	case isStatusCommand(cmd):
		return c.publishStatus(ctx)
	}

	c.log.Debug().Str("command", cmd).Msg("Ignoring unknown control command")

	return nil
}

func isStatusCommand(cmd string) bool {
	for _, s := range statusCommands {
		if strings.EqualFold(cmd, s) {
			return true
		}
	}

	return false
}

func (c *ControlHandler) scheduleReboot() {
	c.log.Info().Dur("delay", c.config.RebootDelay).Msg("Reboot requested")

	c.afterFunc(c.config.RebootDelay, func() {
		if err := c.rebooter.Reboot(); err != nil {
			c.log.Error().Err(err).Msg("Reboot failed")
		}
	})
}

func (c *ControlHandler) publishStatus(ctx context.Context) error {
	doc, err := c.status.StatusDocument(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errStatusUnavailable, err)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", errMarshalStatus, err)
	}

	if err := c.publisher.Publish(ctx, c.config.Topic, payload); err != nil {
		return fmt.Errorf("%w: %w", errStatusPublish, err)
	}

	c.log.Debug().Str("status", doc.Status).Msg("Status published")

	return nil
}
