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

// Package api serves the node's diagnostics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	httpx "github.com/mfreeman451/btradar/pkg/http"
	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
)

const (
	defaultLimit      = 50
	maxLimit          = 1000
	readHeaderTimeout = 5 * time.Second
)

type ScanHistory struct {
	Stats  models.ScanStats   `json:"stats"`
	Cycles []models.ScanCycle `json:"cycles"`
}

type Server struct {
	node    NodeView
	journal Journal
	router  *mux.Router
	srv     *http.Server
	log     logger.Logger
}

func NewServer(addr string, node NodeView, journal Journal, log logger.Logger) *Server {
	s := &Server{
		node:    node,
		journal: journal,
		router:  mux.NewRouter(),
		log:     log.WithComponent("api"),
	}

	s.setupRoutes()

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(httpx.CommonMiddleware)
	s.router.Use(httpx.LoggingMiddleware(s.log))

	s.router.HandleFunc("/api/status", s.getStatus).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/api/devices", s.getDevices).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/api/update", s.getUpdate).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/api/scans", s.getScans).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/api/updates", s.getUpdates).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/api/reports", s.getReports).Methods(http.MethodGet, http.MethodOptions)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Starting diagnostics API")

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Diagnostics API stopped")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.node.Status(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build node status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, status)
}

func (s *Server) getDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.node.Devices())
}

func (s *Server) getUpdate(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.node.Update())
}

func (s *Server) getScans(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, ScanHistory{
		Stats:  s.node.ScanStats(),
		Cycles: s.node.ScanCycles(),
	})
}

func (s *Server) getUpdates(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "Journal disabled", http.StatusServiceUnavailable)

		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.journal.RecentUpdates(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read update journal")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	if records == nil {
		records = []models.UpdateRecord{}
	}

	s.writeJSON(w, records)
}

func (s *Server) getReports(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "Journal disabled", http.StatusServiceUnavailable)

		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	reports, err := s.journal.RecentReports(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read report journal")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	if reports == nil {
		reports = []models.Report{}
	}

	s.writeJSON(w, reports)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxLimit {
		http.Error(w, "Invalid limit", http.StatusBadRequest)

		return 0, false
	}

	return limit, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Error encoding response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
