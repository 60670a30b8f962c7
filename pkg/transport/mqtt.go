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

// Package transport is the MQTT messaging link.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
)

const (
	defaultKeepAlive      = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultBuffer         = 64
	disconnectQuiesceMS   = 250
	clientIDPrefix        = "btradar-"
)

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// Subscriptions are (re)subscribed on every successful Connect.
	Subscriptions []string
	Buffer        int
}

// MQTT wraps a paho client. Inbound messages are delivered in arrival order
// on Messages; the handler blocks when the buffer is full rather than drop
// firmware chunks.
type MQTT struct {
	client   mqtt.Client
	config   Config
	messages chan models.Message
	done     chan struct{}
	log      logger.Logger

	closeOnce sync.Once
}

func NewMQTT(config Config, log logger.Logger) *MQTT {
	t := newMQTT(config, log)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.config.Broker)
	opts.SetClientID(t.config.ClientID)
	opts.SetUsername(t.config.Username)
	opts.SetPassword(t.config.Password)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	// the messaging loop owns reconnects so it can re-subscribe and back off
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(t.config.KeepAlive)
	opts.SetConnectTimeout(t.config.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.log.Warn().Err(err).Str("broker", t.config.Broker).Msg("MQTT connection lost")
	})

	t.client = mqtt.NewClient(opts)

	return t
}

func newMQTT(config Config, log logger.Logger) *MQTT {
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaultKeepAlive
	}

	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}

	if config.Buffer <= 0 {
		config.Buffer = defaultBuffer
	}

	if config.ClientID == "" {
		config.ClientID = clientIDPrefix + uuid.NewString()
	}

	return &MQTT{
		config:   config,
		messages: make(chan models.Message, config.Buffer),
		done:     make(chan struct{}),
		log:      log.WithComponent("mqtt"),
	}
}

func (t *MQTT) ClientID() string {
	return t.config.ClientID
}

func (t *MQTT) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

// Connect dials the broker and subscribes to every configured topic. If any
// subscription fails the session is dropped so the caller retries from scratch.
func (t *MQTT) Connect(ctx context.Context) error {
	select {
	case <-t.done:
		return errClosed
	default:
	}

	if err := t.wait(ctx, t.client.Connect()); err != nil {
		return fmt.Errorf("%w %s: %w", errConnect, t.config.Broker, err)
	}

	t.log.Info().Str("broker", t.config.Broker).Str("client_id", t.config.ClientID).Msg("Connected to MQTT broker")

	for _, topic := range t.config.Subscriptions {
		if err := t.Subscribe(ctx, topic); err != nil {
			// a session missing a subscription must not look connected
			t.client.Disconnect(disconnectQuiesceMS)

			return err
		}
	}

	return nil
}

func (t *MQTT) Subscribe(ctx context.Context, topic string) error {
	if err := t.wait(ctx, t.client.Subscribe(topic, t.config.QoS, t.onMessage)); err != nil {
		return fmt.Errorf("%w to %s: %w", errSubscribe, topic, err)
	}

	t.log.Info().Str("topic", topic).Msg("Subscribed")

	return nil
}

func (t *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}

	if err := t.wait(ctx, t.client.Publish(topic, t.config.QoS, false, payload)); err != nil {
		return fmt.Errorf("%w to %s: %w", errPublish, topic, err)
	}

	return nil
}

// Messages is drained by the messaging loop.
func (t *MQTT) Messages() <-chan models.Message {
	return t.messages
}

func (t *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case t.messages <- models.Message{Topic: msg.Topic(), Payload: payload}:
	case <-t.done:
	}
}

// Close disconnects and releases a handler blocked on a full buffer.
func (t *MQTT) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		if t.client.IsConnectionOpen() {
			t.client.Disconnect(disconnectQuiesceMS)
		}

		t.log.Info().Msg("MQTT transport closed")
	})

	return nil
}

func (t *MQTT) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(t.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errClosed
	case <-timer.C:
		return errTimeout
	}
}
