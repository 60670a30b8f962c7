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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errJournalDown = errors.New("journal down")

type fakeNode struct {
	statusErr error
}

func (f *fakeNode) Status(context.Context) (*models.NodeStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}

	return &models.NodeStatus{
		DeviceID:  "btradar_point_A",
		Identity:  "AA:BB:CC:DD:EE:FF",
		Point:     "A",
		Connected: true,
		Update:    models.UpdateSnapshot{State: models.UpdateIdle},
	}, nil
}

func (*fakeNode) Devices() *models.DeviceView {
	return &models.DeviceView{
		Current:       []string{"11:22:33:44:55:66"},
		LastPublished: []string{"11:22:33:44:55:66", "77:88:99:AA:BB:CC"},
	}
}

func (*fakeNode) Update() models.UpdateSnapshot {
	return models.UpdateSnapshot{State: models.UpdateReceiving, TotalSize: 1000, Received: 400, Progress: 40}
}

func (*fakeNode) ScanCycles() []models.ScanCycle {
	return []models.ScanCycle{{Devices: 3, Duration: 5 * time.Second}}
}

func (*fakeNode) ScanStats() models.ScanStats {
	return models.ScanStats{Cycles: 1, Published: 1, Skipped: map[string]int64{"empty": 2}}
}

type fakeJournal struct {
	err       error
	lastLimit int
}

func (f *fakeJournal) RecentUpdates(_ context.Context, limit int) ([]models.UpdateRecord, error) {
	f.lastLimit = limit

	if f.err != nil {
		return nil, f.err
	}

	return []models.UpdateRecord{{ID: 1, Outcome: models.OutcomeCompleted, TotalSize: 1000, Received: 1000}}, nil
}

func (f *fakeJournal) RecentReports(_ context.Context, limit int) ([]models.Report, error) {
	f.lastLimit = limit

	if f.err != nil {
		return nil, f.err
	}

	return nil, nil
}

func serve(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, http.NoBody)
	rr := httptest.NewRecorder()

	s.ServeHTTP(rr, req)

	return rr
}

func TestGetStatus(t *testing.T) {
	s := NewServer(":0", &fakeNode{}, nil, logger.NewTestLogger())

	rr := serve(t, s, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	var status models.NodeStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", status.Identity)
	assert.True(t, status.Connected)
	assert.Equal(t, models.UpdateIdle, status.Update.State)
}

func TestGetStatusError(t *testing.T) {
	s := NewServer(":0", &fakeNode{statusErr: errJournalDown}, nil, logger.NewTestLogger())

	rr := serve(t, s, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestNodeViews(t *testing.T) {
	s := NewServer(":0", &fakeNode{}, nil, logger.NewTestLogger())

	t.Run("devices", func(t *testing.T) {
		rr := serve(t, s, http.MethodGet, "/api/devices")
		require.Equal(t, http.StatusOK, rr.Code)

		var view models.DeviceView
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
		assert.Equal(t, []string{"11:22:33:44:55:66"}, view.Current)
		assert.Len(t, view.LastPublished, 2)
		assert.Nil(t, view.LastCycle)
	})

	t.Run("update", func(t *testing.T) {
		rr := serve(t, s, http.MethodGet, "/api/update")
		require.Equal(t, http.StatusOK, rr.Code)

		var snap models.UpdateSnapshot
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&snap))
		assert.Equal(t, models.UpdateReceiving, snap.State)
		assert.Equal(t, 40, snap.Progress)
	})

	t.Run("scans", func(t *testing.T) {
		rr := serve(t, s, http.MethodGet, "/api/scans")
		require.Equal(t, http.StatusOK, rr.Code)

		var history ScanHistory
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&history))
		require.Len(t, history.Cycles, 1)
		assert.Equal(t, 3, history.Cycles[0].Devices)
		assert.Equal(t, int64(2), history.Stats.Skipped["empty"])
	})
}

func TestPreflight(t *testing.T) {
	s := NewServer(":0", &fakeNode{}, nil, logger.NewTestLogger())

	rr := serve(t, s, http.MethodOptions, "/api/status")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "GET,OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, rr.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(":0", &fakeNode{}, nil, logger.NewTestLogger())

	rr := serve(t, s, http.MethodPost, "/api/status")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestJournalRoutes(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		journal   *fakeJournal
		noJournal bool
		wantCode  int
		wantLimit int
		wantBody  string
	}{
		{name: "updates default limit", target: "/api/updates", journal: &fakeJournal{},
			wantCode: http.StatusOK, wantLimit: defaultLimit},
		{name: "updates explicit limit", target: "/api/updates?limit=5", journal: &fakeJournal{},
			wantCode: http.StatusOK, wantLimit: 5},
		{name: "reports empty list", target: "/api/reports?limit=10", journal: &fakeJournal{},
			wantCode: http.StatusOK, wantLimit: 10, wantBody: "[]\n"},
		{name: "zero limit", target: "/api/updates?limit=0", journal: &fakeJournal{},
			wantCode: http.StatusBadRequest},
		{name: "limit too large", target: "/api/reports?limit=1001", journal: &fakeJournal{},
			wantCode: http.StatusBadRequest},
		{name: "limit not a number", target: "/api/reports?limit=ten", journal: &fakeJournal{},
			wantCode: http.StatusBadRequest},
		{name: "journal error", target: "/api/updates", journal: &fakeJournal{err: errJournalDown},
			wantCode: http.StatusInternalServerError, wantLimit: defaultLimit},
		{name: "journal disabled", target: "/api/updates", noJournal: true,
			wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s *Server
			if tt.noJournal {
				s = NewServer(":0", &fakeNode{}, nil, logger.NewTestLogger())
			} else {
				s = NewServer(":0", &fakeNode{}, tt.journal, logger.NewTestLogger())
			}

			rr := serve(t, s, http.MethodGet, tt.target)
			assert.Equal(t, tt.wantCode, rr.Code)

			if tt.journal != nil {
				assert.Equal(t, tt.wantLimit, tt.journal.lastLimit)
			}

			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rr.Body.String())
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeNode{}, nil, logger.NewTestLogger())

	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, s.Stop(ctx))
}
