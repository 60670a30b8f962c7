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

package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "journal.db"), logger.NewTestLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestRecordAndListUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	require.NoError(t, s.RecordUpdate(ctx, &models.UpdateEvent{
		Outcome:   models.OutcomeStarted,
		TotalSize: 1000,
		Checksum:  "abc",
		StartedAt: start,
		At:        start,
	}))

	require.NoError(t, s.RecordUpdate(ctx, &models.UpdateEvent{
		Outcome:   models.OutcomeFailed,
		TotalSize: 1000,
		Received:  400,
		Checksum:  "abc",
		StartedAt: start,
		At:        start.Add(time.Second),
		Err:       errors.New("short write"),
	}))

	records, err := s.RecentUpdates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, models.OutcomeFailed, records[0].Outcome)
	assert.Equal(t, int64(400), records[0].Received)
	assert.Equal(t, "short write", records[0].Error)
	assert.True(t, start.Equal(records[0].StartedAt))
	assert.True(t, start.Add(time.Second).Equal(records[0].At))

	assert.Equal(t, models.OutcomeStarted, records[1].Outcome)
	assert.Empty(t, records[1].Error)

	records, err = s.RecentUpdates(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecordAndListReports(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	require.NoError(t, s.RecordReport(ctx, &models.Report{
		Devices:   []string{"11:22:33:44:55:66"},
		ID:        "AA:BB:CC:DD:EE:FF",
		Point:     "A",
		Timestamp: now - 10,
	}))
	require.NoError(t, s.RecordReport(ctx, &models.Report{
		Devices:   []string{"11:22:33:44:55:66", "77:88:99:AA:BB:CC"},
		ID:        "AA:BB:CC:DD:EE:FF",
		Point:     "A",
		Timestamp: now,
	}))

	reports, err := s.RecentReports(ctx, 0)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, []string{"11:22:33:44:55:66", "77:88:99:AA:BB:CC"}, reports[0].Devices)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", reports[0].ID)
	assert.Equal(t, now, reports[0].Timestamp)
}

func TestCleanOldData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RecordUpdate(ctx, &models.UpdateEvent{Outcome: models.OutcomeCancelled, At: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.RecordUpdate(ctx, &models.UpdateEvent{Outcome: models.OutcomeCompleted, At: now}))
	require.NoError(t, s.RecordReport(ctx, &models.Report{Devices: []string{"x"}, Timestamp: now.Add(-48 * time.Hour).Unix()}))

	require.NoError(t, s.CleanOldData(ctx, 24*time.Hour))

	records, err := s.RecentUpdates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeCompleted, records[0].Outcome)

	reports, err := s.RecentReports(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	s, err := Open(path, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, s.RecordUpdate(ctx, &models.UpdateEvent{Outcome: models.OutcomeCompleted, At: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path, logger.NewTestLogger())
	require.NoError(t, err)

	defer func() { _ = s.Close() }()

	records, err := s.RecentUpdates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeCompleted, records[0].Outcome)
}
