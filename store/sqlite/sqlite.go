// Package sqlite persists flood observations, scout reports, and
// mission records in a local SQLite file. The pure-Go driver keeps
// field deployments free of CGO.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/agos"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. Every operation
// then logs at debug level with timing and row counts; unset, the
// store stays silent.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agos.ObservationStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ agos.ObservationStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store on the SQLite file at dbPath. The pool is capped
// at one open connection so concurrent agent writers queue instead of
// tripping SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// Unreachable while the blank import above registers "sqlite".
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS flood_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			location TEXT NOT NULL,
			flood_depth REAL NOT NULL,
			risk_score REAL NOT NULL,
			status TEXT NOT NULL,
			water_level REAL NOT NULL,
			source TEXT NOT NULL,
			observed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scout_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			location TEXT NOT NULL,
			lat REAL,
			lon REAL,
			has_coords INTEGER NOT NULL DEFAULT 0,
			severity REAL NOT NULL,
			confidence REAL NOT NULL,
			report_type TEXT NOT NULL,
			passable INTEGER NOT NULL,
			text TEXT NOT NULL,
			visual TEXT,
			observed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			results TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Hot paths: per-location gauge history and recency scans.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_flood_location ON flood_entries(location, observed_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_scout_observed ON scout_reports(observed_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_missions_completed ON missions(completed_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// StoreFloodEntry appends one sensor observation.
func (s *Store) StoreFloodEntry(ctx context.Context, e agos.FloodEntry) error {
	start := time.Now()
	s.logger.Debug("sqlite: store flood entry", "location", e.Location, "source", e.Source)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flood_entries (location, flood_depth, risk_score, status, water_level, source, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Location, e.FloodDepth, e.RiskScore, e.Status, e.WaterLevel, e.Source, e.Timestamp)
	if err != nil {
		s.logger.Error("sqlite: store flood entry failed", "location", e.Location, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store flood entry: %w", err)
	}
	s.logger.Debug("sqlite: store flood entry ok", "location", e.Location, "duration", time.Since(start))
	return nil
}

// RecentFloodEntries returns the newest entries for a location, oldest
// first. An empty location spans all locations.
func (s *Store) RecentFloodEntries(ctx context.Context, location string, limit int) ([]agos.FloodEntry, error) {
	start := time.Now()
	s.logger.Debug("sqlite: recent flood entries", "location", location, "limit", limit)

	query := `SELECT location, flood_depth, risk_score, status, water_level, source, observed_at
		 FROM flood_entries`
	var args []any
	if location != "" {
		query += ` WHERE location = ?`
		args = append(args, location)
	}
	query += ` ORDER BY observed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: recent flood entries failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("recent flood entries: %w", err)
	}
	defer rows.Close()

	var entries []agos.FloodEntry
	for rows.Next() {
		var e agos.FloodEntry
		if err := rows.Scan(&e.Location, &e.FloodDepth, &e.RiskScore, &e.Status, &e.WaterLevel, &e.Source, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan flood entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flood entries: %w", err)
	}

	// The query walks newest-first; callers want chronological.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	s.logger.Debug("sqlite: recent flood entries ok", "count", len(entries), "duration", time.Since(start))
	return entries, nil
}

// StoreScoutReport appends one processed crowd report.
func (s *Store) StoreScoutReport(ctx context.Context, r agos.ScoutReport) error {
	start := time.Now()
	s.logger.Debug("sqlite: store scout report", "location", r.Location, "type", r.Type)

	var visualJSON *string
	if r.Visual != nil {
		data, _ := json.Marshal(r.Visual)
		v := string(data)
		visualJSON = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scout_reports (location, lat, lon, has_coords, severity, confidence, report_type, passable, text, visual, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Location, r.Lat, r.Lon, boolToInt(r.HasCoords), r.Severity, r.Confidence,
		string(r.Type), boolToInt(r.Passable), r.Text, visualJSON, r.Timestamp)
	if err != nil {
		s.logger.Error("sqlite: store scout report failed", "location", r.Location, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store scout report: %w", err)
	}
	s.logger.Debug("sqlite: store scout report ok", "location", r.Location, "duration", time.Since(start))
	return nil
}

// RecentScoutReports returns the newest reports, oldest first.
func (s *Store) RecentScoutReports(ctx context.Context, limit int) ([]agos.ScoutReport, error) {
	start := time.Now()
	s.logger.Debug("sqlite: recent scout reports", "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT location, lat, lon, has_coords, severity, confidence, report_type, passable, text, visual, observed_at
		 FROM scout_reports
		 ORDER BY observed_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		s.logger.Error("sqlite: recent scout reports failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("recent scout reports: %w", err)
	}
	defer rows.Close()

	var reports []agos.ScoutReport
	for rows.Next() {
		var r agos.ScoutReport
		var hasCoords, passable int
		var reportType string
		var visualJSON sql.NullString
		if err := rows.Scan(&r.Location, &r.Lat, &r.Lon, &hasCoords, &r.Severity, &r.Confidence,
			&reportType, &passable, &r.Text, &visualJSON, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan scout report: %w", err)
		}
		r.HasCoords = hasCoords != 0
		r.Passable = passable != 0
		r.Type = agos.ReportType(reportType)
		if visualJSON.Valid {
			r.Visual = &agos.VisualEvidence{}
			_ = json.Unmarshal([]byte(visualJSON.String), r.Visual)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scout reports: %w", err)
	}

	for i, j := 0, len(reports)-1; i < j; i, j = i+1, j-1 {
		reports[i], reports[j] = reports[j], reports[i]
	}
	s.logger.Debug("sqlite: recent scout reports ok", "count", len(reports), "duration", time.Since(start))
	return reports, nil
}

// StoreMission inserts or replaces a terminal mission record.
func (s *Store) StoreMission(ctx context.Context, rec agos.MissionRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: store mission", "id", rec.ID, "type", rec.Type, "state", rec.State)

	results := rec.ResultsJSON
	if results == "" {
		results = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO missions (id, type, state, error, results, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), string(rec.State), rec.Error, results, rec.CreatedAt, rec.CompletedAt)
	if err != nil {
		s.logger.Error("sqlite: store mission failed", "id", rec.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store mission: %w", err)
	}
	s.logger.Debug("sqlite: store mission ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// RecentMissions returns the newest mission records, newest first.
func (s *Store) RecentMissions(ctx context.Context, limit int) ([]agos.MissionRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: recent missions", "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, state, error, results, created_at, completed_at
		 FROM missions
		 ORDER BY completed_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		s.logger.Error("sqlite: recent missions failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("recent missions: %w", err)
	}
	defer rows.Close()

	var recs []agos.MissionRecord
	for rows.Next() {
		var rec agos.MissionRecord
		var mt, state string
		if err := rows.Scan(&rec.ID, &mt, &state, &rec.Error, &rec.ResultsJSON, &rec.CreatedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		rec.Type = agos.MissionType(mt)
		rec.State = agos.MissionState(state)
		recs = append(recs, rec)
	}
	s.logger.Debug("sqlite: recent missions ok", "count", len(recs), "duration", time.Since(start))
	return recs, rows.Err()
}

// DB returns the underlying *sql.DB for ad-hoc queries in tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
