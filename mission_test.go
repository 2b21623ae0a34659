package agos

import (
	"fmt"
	"testing"
)

func TestKnownMissionType(t *testing.T) {
	for _, mt := range []MissionType{
		MissionAssessRisk, MissionCoordinatedEvacuation,
		MissionRouteCalculation, MissionCascadeRiskUpdate,
	} {
		if !KnownMissionType(mt) {
			t.Errorf("%q should be known", mt)
		}
	}
	if KnownMissionType("deploy_rescue_boats") {
		t.Error("unknown type accepted")
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []MissionState{StateCompleted, StateFailed, StateTimedOut} {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []MissionState{StatePending, StateAwaitingHazard, StateAwaitingRouting} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestRegistryAddGetRetire(t *testing.T) {
	r := NewMissionRegistry(10)
	m := &Mission{ID: NewID(), Type: MissionAssessRisk, State: StatePending}
	r.Add(m)

	if r.ActiveCount() != 1 {
		t.Fatalf("active = %d", r.ActiveCount())
	}
	got, ok := r.Get(m.ID)
	if !ok || got.ID != m.ID {
		t.Fatal("lookup failed")
	}

	// Retiring a non-terminal mission is a no-op.
	r.Retire(m)
	if r.ActiveCount() != 1 {
		t.Error("non-terminal mission must not retire")
	}

	m.State = StateCompleted
	r.Retire(m)
	if r.ActiveCount() != 0 || r.CompletedCount() != 1 {
		t.Errorf("active = %d, completed = %d", r.ActiveCount(), r.CompletedCount())
	}

	// Completed missions stay visible.
	if _, ok := r.Get(m.ID); !ok {
		t.Error("completed mission should remain in the index")
	}
}

func TestRegistryRingEviction(t *testing.T) {
	r := NewMissionRegistry(3)

	var ids []string
	for i := 0; i < 5; i++ {
		m := &Mission{ID: fmt.Sprintf("m-%d", i), State: StatePending}
		r.Add(m)
		m.State = StateFailed
		r.Retire(m)
		ids = append(ids, m.ID)
	}

	if r.CompletedCount() != 3 {
		t.Fatalf("completed = %d, want 3", r.CompletedCount())
	}
	// The two oldest were evicted and de-indexed.
	for _, id := range ids[:2] {
		if _, ok := r.Get(id); ok {
			t.Errorf("%s should have been evicted", id)
		}
	}
	for _, id := range ids[2:] {
		if _, ok := r.Get(id); !ok {
			t.Errorf("%s should still be indexed", id)
		}
	}
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	r := NewMissionRegistry(10)
	m := &Mission{
		ID:      NewID(),
		Type:    MissionAssessRisk,
		State:   StatePending,
		Params:  map[string]any{"location": "nangka"},
		Results: make(map[string]Body),
	}
	r.Add(m)

	snap, ok := r.Snapshot(m.ID)
	if !ok {
		t.Fatal("snapshot failed")
	}
	r.Mutate(m, func(m *Mission) {
		m.State = StateAwaitingFlood
		m.Results["flood"] = FloodDataBatch{RiverAlert: true}
		m.Params["location"] = "tumana"
	})

	if snap.State != StatePending {
		t.Errorf("snapshot state = %q, want PENDING", snap.State)
	}
	if len(snap.Results) != 0 {
		t.Errorf("snapshot results = %v, want empty", snap.Results)
	}
	if snap.Params["location"] != "nangka" {
		t.Errorf("snapshot params = %v, later writes leaked in", snap.Params)
	}

	if _, ok := r.Snapshot("no-such-id"); ok {
		t.Error("unknown id should report not found")
	}
}

func TestRegistryRetireUnknown(t *testing.T) {
	r := NewMissionRegistry(3)
	m := &Mission{ID: "ghost", State: StateCompleted}
	r.Retire(m) // not added; must not panic or count
	if r.CompletedCount() != 0 {
		t.Errorf("completed = %d", r.CompletedCount())
	}
}
