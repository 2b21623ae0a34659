// Package postgres implements agos.ObservationStore on PostgreSQL for
// deployments where several runtime instances share one history.
//
// The Store borrows a *pgxpool.Pool; pool lifecycle stays with the
// caller.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/agos"
)

// Store implements agos.ObservationStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ agos.ObservationStore = (*Store)(nil)

// New creates a Store over an existing pool. Closing the pool remains
// the caller's job.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the tables and indexes. Every statement is idempotent,
// so rerunning on an initialized database is harmless.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flood_entries (
			id BIGSERIAL PRIMARY KEY,
			location TEXT NOT NULL,
			flood_depth REAL NOT NULL,
			risk_score REAL NOT NULL,
			status TEXT NOT NULL,
			water_level REAL NOT NULL,
			source TEXT NOT NULL,
			observed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS flood_entries_location_idx ON flood_entries(location, observed_at)`,

		`CREATE TABLE IF NOT EXISTS scout_reports (
			id BIGSERIAL PRIMARY KEY,
			location TEXT NOT NULL,
			lat DOUBLE PRECISION,
			lon DOUBLE PRECISION,
			has_coords BOOLEAN NOT NULL DEFAULT FALSE,
			severity REAL NOT NULL,
			confidence REAL NOT NULL,
			report_type TEXT NOT NULL,
			passable BOOLEAN NOT NULL,
			text TEXT NOT NULL,
			visual JSONB,
			observed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS scout_reports_observed_idx ON scout_reports(observed_at)`,

		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			results JSONB NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS missions_completed_idx ON missions(completed_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// StoreFloodEntry appends one sensor observation.
func (s *Store) StoreFloodEntry(ctx context.Context, e agos.FloodEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO flood_entries (location, flood_depth, risk_score, status, water_level, source, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Location, e.FloodDepth, e.RiskScore, e.Status, e.WaterLevel, e.Source, e.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: store flood entry: %w", err)
	}
	return nil
}

// RecentFloodEntries returns the newest entries for a location, oldest
// first. An empty location spans all locations.
func (s *Store) RecentFloodEntries(ctx context.Context, location string, limit int) ([]agos.FloodEntry, error) {
	query := `SELECT location, flood_depth, risk_score, status, water_level, source, observed_at
		 FROM flood_entries`
	args := []any{}
	if location != "" {
		query += ` WHERE location = $1 ORDER BY observed_at DESC, id DESC LIMIT $2`
		args = append(args, location, limit)
	} else {
		query += ` ORDER BY observed_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent flood entries: %w", err)
	}
	defer rows.Close()

	var entries []agos.FloodEntry
	for rows.Next() {
		var e agos.FloodEntry
		if err := rows.Scan(&e.Location, &e.FloodDepth, &e.RiskScore, &e.Status, &e.WaterLevel, &e.Source, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan flood entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate flood entries: %w", err)
	}

	// The query walks newest-first; callers want chronological.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// StoreScoutReport appends one processed crowd report.
func (s *Store) StoreScoutReport(ctx context.Context, r agos.ScoutReport) error {
	var visualJSON *string
	if r.Visual != nil {
		data, _ := json.Marshal(r.Visual)
		v := string(data)
		visualJSON = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scout_reports (location, lat, lon, has_coords, severity, confidence, report_type, passable, text, visual, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)`,
		r.Location, r.Lat, r.Lon, r.HasCoords, r.Severity, r.Confidence,
		string(r.Type), r.Passable, r.Text, visualJSON, r.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: store scout report: %w", err)
	}
	return nil
}

// RecentScoutReports returns the newest reports, oldest first.
func (s *Store) RecentScoutReports(ctx context.Context, limit int) ([]agos.ScoutReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT location, lat, lon, has_coords, severity, confidence, report_type, passable, text, visual, observed_at
		 FROM scout_reports
		 ORDER BY observed_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent scout reports: %w", err)
	}
	defer rows.Close()

	var reports []agos.ScoutReport
	for rows.Next() {
		var r agos.ScoutReport
		var reportType string
		var visualJSON []byte
		if err := rows.Scan(&r.Location, &r.Lat, &r.Lon, &r.HasCoords, &r.Severity, &r.Confidence,
			&reportType, &r.Passable, &r.Text, &visualJSON, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan scout report: %w", err)
		}
		r.Type = agos.ReportType(reportType)
		if visualJSON != nil {
			r.Visual = &agos.VisualEvidence{}
			_ = json.Unmarshal(visualJSON, r.Visual)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate scout reports: %w", err)
	}

	for i, j := 0, len(reports)-1; i < j; i, j = i+1, j-1 {
		reports[i], reports[j] = reports[j], reports[i]
	}
	return reports, nil
}

// StoreMission inserts or replaces a terminal mission record.
func (s *Store) StoreMission(ctx context.Context, rec agos.MissionRecord) error {
	results := rec.ResultsJSON
	if results == "" {
		results = "{}"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO missions (id, type, state, error, results, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   error = EXCLUDED.error,
		   results = EXCLUDED.results,
		   completed_at = EXCLUDED.completed_at`,
		rec.ID, string(rec.Type), string(rec.State), rec.Error, results, rec.CreatedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("postgres: store mission: %w", err)
	}
	return nil
}

// RecentMissions returns the newest mission records, newest first.
func (s *Store) RecentMissions(ctx context.Context, limit int) ([]agos.MissionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, state, error, results::text, created_at, completed_at
		 FROM missions
		 ORDER BY completed_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent missions: %w", err)
	}
	defer rows.Close()

	var recs []agos.MissionRecord
	for rows.Next() {
		var rec agos.MissionRecord
		var mt, state string
		if err := rows.Scan(&rec.ID, &mt, &state, &rec.Error, &rec.ResultsJSON, &rec.CreatedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan mission: %w", err)
		}
		rec.Type = agos.MissionType(mt)
		rec.State = agos.MissionState(state)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error {
	return nil
}
