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

// Package router dispatches inbound messages by the topic they arrived on.
package router

import (
	"context"
	"sort"
	"sync"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
)

// Handler consumes the payload of one inbound message.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
	log    logger.Logger
}

func New(log logger.Logger) *Router {
	return &Router{
		routes: make(map[string]Handler),
		log:    log.WithComponent("router"),
	}
}

// Register binds topic to h, replacing any earlier binding.
func (r *Router) Register(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes[topic] = h
}

// Topics returns the registered topics in sorted order.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.routes))
	for t := range r.routes {
		topics = append(topics, t)
	}

	sort.Strings(topics)

	return topics
}

// Route hands msg to the handler for its topic. Messages on unknown topics
// are dropped.
func (r *Router) Route(ctx context.Context, msg models.Message) error {
	r.mu.RLock()
	h, ok := r.routes[msg.Topic]
	r.mu.RUnlock()

	if !ok {
		r.log.Debug().Str("topic", msg.Topic).Msg("No route for topic")

		return nil
	}

	if err := h.Handle(ctx, msg.Payload); err != nil {
		r.log.Warn().Err(err).Str("topic", msg.Topic).Int("bytes", len(msg.Payload)).Msg("Handler failed")

		return err
	}

	return nil
}
