package agos

import (
	"sync"
	"time"
)

// MissionType identifies a mission plan.
type MissionType string

const (
	MissionAssessRisk            MissionType = "assess_risk"
	MissionCoordinatedEvacuation MissionType = "coordinated_evacuation"
	MissionRouteCalculation      MissionType = "route_calculation"
	MissionCascadeRiskUpdate     MissionType = "cascade_risk_update"
)

// KnownMissionType reports whether t is one of the four mission plans.
func KnownMissionType(t MissionType) bool {
	switch t {
	case MissionAssessRisk, MissionCoordinatedEvacuation,
		MissionRouteCalculation, MissionCascadeRiskUpdate:
		return true
	}
	return false
}

// MissionState is a node of a mission's finite state machine.
type MissionState string

const (
	StatePending           MissionState = "PENDING"
	StateAwaitingScout     MissionState = "AWAITING_SCOUT"
	StateAwaitingFlood     MissionState = "AWAITING_FLOOD"
	StateAwaitingHazard    MissionState = "AWAITING_HAZARD"
	StateAwaitingRiskQuery MissionState = "AWAITING_RISK_QUERY"
	StateAwaitingEvac      MissionState = "AWAITING_EVACUATION"
	StateAwaitingRouting   MissionState = "AWAITING_ROUTING"
	StateCompleted         MissionState = "COMPLETED"
	StateFailed            MissionState = "FAILED"
	StateTimedOut          MissionState = "TIMED_OUT"
)

// Terminal reports whether s is a terminal state. Terminal states never
// re-enter a non-terminal state.
func (s MissionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Mission is one multi-step coordination job driven by the
// Orchestrator. Params come from the chat interpretation (or the direct
// API) and stay opaque to everything but the param-repair rules.
// Results accumulate per responding agent; the hazard agent contributes
// two keys ("hazard" and "map_risk") because its two reply kinds carry
// different data.
type Mission struct {
	ID        string          `json:"id"`
	Type      MissionType     `json:"type"`
	State     MissionState    `json:"state"`
	Params    map[string]any  `json:"params"`
	Results   map[string]Body `json:"results"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deadline  time.Time       `json:"deadline"`
	Error     string          `json:"error,omitempty"`
}

// Elapsed returns the mission's age relative to now.
func (m *Mission) Elapsed(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// MissionRegistry holds active missions in a map and completed ones in
// a bounded ring, with a shared id index so lookups stay O(1) and the
// index never leaks: when the ring evicts a mission, its index entry is
// deleted too.
type MissionRegistry struct {
	mu         sync.Mutex
	active     map[string]*Mission
	completed  []*Mission // ring, oldest first
	maxHistory int
	index      map[string]*Mission
}

// NewMissionRegistry creates a registry retaining maxHistory completed
// missions (default 100 when maxHistory <= 0).
func NewMissionRegistry(maxHistory int) *MissionRegistry {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &MissionRegistry{
		active:     make(map[string]*Mission),
		maxHistory: maxHistory,
		index:      make(map[string]*Mission),
	}
}

// Add inserts a new active mission.
func (r *MissionRegistry) Add(m *Mission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[m.ID] = m
	r.index[m.ID] = m
}

// Get looks up a mission by id, active or completed. The returned
// pointer is the live mission; callers that outlive the orchestrator's
// step (the gateway, summaries) must use Snapshot instead.
func (r *MissionRegistry) Get(id string) (*Mission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.index[id]
	return m, ok
}

// Mutate runs fn on m while holding the registry lock. Every mission
// field write after Add goes through here, so Snapshot readers never
// observe a half-applied transition.
func (r *MissionRegistry) Mutate(m *Mission, fn func(*Mission)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(m)
}

// State reads a mission's current state under the registry lock.
func (r *MissionRegistry) State(id string) (MissionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.index[id]
	if !ok {
		return "", false
	}
	return m.State, true
}

// Snapshot returns a copy of a mission taken under the registry lock,
// with its own params and results maps. Read paths marshal the copy
// instead of the live mission the orchestrator keeps mutating.
func (r *MissionRegistry) Snapshot(id string) (Mission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.index[id]
	if !ok {
		return Mission{}, false
	}
	out := *m
	out.Params = make(map[string]any, len(m.Params))
	for k, v := range m.Params {
		out.Params[k] = v
	}
	out.Results = make(map[string]Body, len(m.Results))
	for k, v := range m.Results {
		out.Results[k] = v
	}
	return out, true
}

// ActiveCount returns the number of non-terminal missions.
func (r *MissionRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Active returns a snapshot of the active missions.
func (r *MissionRegistry) Active() []*Mission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Mission, 0, len(r.active))
	for _, m := range r.active {
		out = append(out, m)
	}
	return out
}

// Retire moves a mission that reached a terminal state into the
// completed ring, evicting (and de-indexing) the oldest entry when the
// ring is full. A non-terminal mission is left untouched.
func (r *MissionRegistry) Retire(m *Mission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !m.State.Terminal() {
		return
	}
	if _, ok := r.active[m.ID]; !ok {
		return
	}
	delete(r.active, m.ID)
	if len(r.completed) >= r.maxHistory {
		evicted := r.completed[0]
		r.completed = r.completed[1:]
		delete(r.index, evicted.ID)
	}
	r.completed = append(r.completed, m)
}

// CompletedCount returns the number of retained completed missions.
func (r *MissionRegistry) CompletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}
