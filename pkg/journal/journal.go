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

// Package journal persists update outcomes and published reports in SQLite
// so they survive the restart that follows a committed image.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/mfreeman451/btradar/pkg/logger"
	"github.com/mfreeman451/btradar/pkg/models"
)

const (
	defaultLimit = 50

	createTablesSQL = `
	CREATE TABLE IF NOT EXISTS update_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome TEXT NOT NULL,
		total_size INTEGER NOT NULL,
		received INTEGER NOT NULL,
		checksum TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL DEFAULT 0,
		at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		point TEXT NOT NULL,
		devices TEXT NOT NULL,
		device_count INTEGER NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_update_sessions_at ON update_sessions(at);
	CREATE INDEX IF NOT EXISTS idx_reports_timestamp ON reports(timestamp);
	`
)

type Store struct {
	db  *sql.DB
	log logger.Logger
}

func Open(path string, log logger.Logger) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedOpenDB, err)
	}

	// a single writer avoids SQLITE_BUSY between the two loops
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("%w: %w", errFailedToEnableWAL, err)
	}

	if _, err := sqlDB.Exec(createTablesSQL); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("%w: %w", errFailedToInit, err)
	}

	return &Store{db: sqlDB, log: log.WithComponent("journal")}, nil
}

func (s *Store) RecordUpdate(ctx context.Context, e *models.UpdateEvent) error {
	var errText string
	if e.Err != nil {
		errText = e.Err.Error()
	}

	var startedAt int64
	if !e.StartedAt.IsZero() {
		startedAt = e.StartedAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_sessions (outcome, total_size, received, checksum, error, started_at, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(e.Outcome), e.TotalSize, e.Received, e.Checksum, errText, startedAt, e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w update session: %w", errFailedToInsert, err)
	}

	return nil
}

func (s *Store) RecordReport(ctx context.Context, r *models.Report) error {
	devices, err := json.Marshal(r.Devices)
	if err != nil {
		return fmt.Errorf("%w report: %w", errFailedToInsert, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (device_id, point, devices, device_count, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Point, string(devices), len(r.Devices), r.Timestamp)
	if err != nil {
		return fmt.Errorf("%w report: %w", errFailedToInsert, err)
	}

	return nil
}

// RecentUpdates returns up to limit journaled update events, newest first.
func (s *Store) RecentUpdates(ctx context.Context, limit int) ([]models.UpdateRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, outcome, total_size, received, checksum, error, started_at, at
		FROM update_sessions
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w update sessions: %w", errFailedToQuery, err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.UpdateRecord

	for rows.Next() {
		var (
			r         models.UpdateRecord
			outcome   string
			startedAt int64
			at        int64
		)

		if err := rows.Scan(&r.ID, &outcome, &r.TotalSize, &r.Received, &r.Checksum, &r.Error, &startedAt, &at); err != nil {
			return nil, fmt.Errorf("%w update session: %w", errFailedToScan, err)
		}

		r.Outcome = models.UpdateOutcome(outcome)
		r.At = time.UnixMilli(at)

		if startedAt > 0 {
			r.StartedAt = time.UnixMilli(startedAt)
		}

		records = append(records, r)
	}

	return records, rows.Err()
}

// RecentReports returns up to limit published reports, newest first.
func (s *Store) RecentReports(ctx context.Context, limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, point, devices, timestamp
		FROM reports
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w reports: %w", errFailedToQuery, err)
	}
	defer func() { _ = rows.Close() }()

	var reports []models.Report

	for rows.Next() {
		var (
			r       models.Report
			devices string
		)

		if err := rows.Scan(&r.ID, &r.Point, &devices, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("%w report: %w", errFailedToScan, err)
		}

		if err := json.Unmarshal([]byte(devices), &r.Devices); err != nil {
			return nil, fmt.Errorf("%w report devices: %w", errFailedToScan, err)
		}

		reports = append(reports, r)
	}

	return reports, rows.Err()
}

// CleanOldData drops journal rows older than retention.
func (s *Store) CleanOldData(ctx context.Context, retention time.Duration) (err error) {
	cutoff := time.Now().Add(-retention)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToBeginTx, err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error().Err(rbErr).Msg("Failed to roll back cleanup")
			}

			return
		}

		err = tx.Commit()
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM update_sessions WHERE at < ?", cutoff.UnixMilli()); err != nil {
		return fmt.Errorf("%w update sessions: %w", errFailedToClean, err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM reports WHERE timestamp < ?", cutoff.Unix()); err != nil {
		return fmt.Errorf("%w reports: %w", errFailedToClean, err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
