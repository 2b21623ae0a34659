package agos

import "context"

// MissionRecord is the flattened form of a retired mission as persisted
// by an ObservationStore. Results are stored as a JSON object keyed the
// same way Mission.Results is.
type MissionRecord struct {
	ID          string       `json:"id"`
	Type        MissionType  `json:"type"`
	State       MissionState `json:"state"`
	Error       string       `json:"error,omitempty"`
	ResultsJSON string       `json:"results_json"`
	CreatedAt   int64        `json:"created_at"`
	CompletedAt int64        `json:"completed_at"`
}

// ObservationStore persists hazard observations and retired missions so
// operators can audit what the runtime saw and decided. Implementations
// live in store/sqlite (local file) and store/postgres (shared server).
//
// All methods are safe for concurrent use. Init is idempotent.
type ObservationStore interface {
	// Init creates the schema.
	Init(ctx context.Context) error

	// StoreFloodEntry appends one sensor observation for a location.
	StoreFloodEntry(ctx context.Context, e FloodEntry) error

	// RecentFloodEntries returns the newest entries for a location,
	// oldest first. An empty location returns entries for all locations.
	RecentFloodEntries(ctx context.Context, location string, limit int) ([]FloodEntry, error)

	// StoreScoutReport appends one processed crowd report.
	StoreScoutReport(ctx context.Context, r ScoutReport) error

	// RecentScoutReports returns the newest reports, oldest first.
	RecentScoutReports(ctx context.Context, limit int) ([]ScoutReport, error)

	// StoreMission records a mission that reached a terminal state.
	StoreMission(ctx context.Context, rec MissionRecord) error

	// RecentMissions returns the newest mission records, newest first.
	RecentMissions(ctx context.Context, limit int) ([]MissionRecord, error)

	// Close releases the underlying connection.
	Close() error
}
