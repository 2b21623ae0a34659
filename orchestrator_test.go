package agos

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// newTestOrchestrator wires an orchestrator with all five peer inboxes
// registered so kickoff requests have somewhere to land.
func newTestOrchestrator(t *testing.T, opts ...OrchestratorOption) (*Orchestrator, *Bus) {
	t.Helper()
	bus := NewBus()
	for _, id := range []string{AgentCollector, AgentScout, AgentHazard, AgentRouting, AgentEvac} {
		if err := bus.Register(id); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	o, err := NewOrchestrator(bus, NewLLMService(nil), opts...)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o, bus
}

// respond pops the pending request from peer's inbox and sends back an
// INFORM reply, then steps the orchestrator so it processes the reply.
func respond(t *testing.T, o *Orchestrator, bus *Bus, peer string, body Body) Message {
	t.Helper()
	req, ok := bus.TryReceive(peer)
	if !ok {
		t.Fatalf("%s: no pending request", peer)
	}
	if err := bus.Send(req.Reply(Inform, body)); err != nil {
		t.Fatalf("reply from %s: %v", peer, err)
	}
	if err := o.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	return req
}

func TestMissionTimeoutsFor(t *testing.T) {
	mt := MissionTimeouts{Default: 10 * time.Second, RouteCalculation: 3 * time.Second}
	if d := mt.For(MissionRouteCalculation); d != 3*time.Second {
		t.Errorf("route timeout = %v", d)
	}
	if d := mt.For(MissionAssessRisk); d != 10*time.Second {
		t.Errorf("fallback timeout = %v", d)
	}
	if d := (MissionTimeouts{}).For(MissionAssessRisk); d != 60*time.Second {
		t.Errorf("zero-value timeout = %v", d)
	}
}

func TestStartMissionUnknownType(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.StartMission("deploy_rescue_boats", nil)
	var e *ErrConfig
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestStartMissionConcurrencyCap(t *testing.T) {
	o, _ := newTestOrchestrator(t, WithMaxConcurrentMissions(1))
	if _, err := o.StartMission(MissionCascadeRiskUpdate, nil); err != nil {
		t.Fatalf("first mission: %v", err)
	}
	_, err := o.StartMission(MissionCascadeRiskUpdate, nil)
	var e *ErrComm
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want ErrComm at the cap", err)
	}
}

func TestRouteCalculationMission(t *testing.T) {
	o, bus := newTestOrchestrator(t)

	m, err := o.StartMission(MissionRouteCalculation, map[string]any{
		"start": []any{14.67, 121.10},
		"end":   []any{14.63, 121.09},
		"mode":  "safest",
	})
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if m.State != StateAwaitingRouting {
		t.Fatalf("state = %q", m.State)
	}

	req := respond(t, o, bus, AgentRouting, RouteResult{Status: RouteOK, DistanceM: 2400})
	cr, ok := req.Body.(CalculateRoute)
	if !ok {
		t.Fatalf("request body = %T", req.Body)
	}
	if cr.StartLat != 14.67 || cr.EndLon != 121.09 || cr.Mode != ModeSafest {
		t.Errorf("request = %+v", cr)
	}

	if m.State != StateCompleted {
		t.Errorf("state = %q, want COMPLETED", m.State)
	}
	rr, ok := m.Results["routing"].(RouteResult)
	if !ok || rr.DistanceM != 2400 {
		t.Errorf("results = %+v", m.Results)
	}
	if o.Missions().ActiveCount() != 0 {
		t.Error("completed mission still active")
	}
}

func TestCascadeRiskUpdateMission(t *testing.T) {
	o, bus := newTestOrchestrator(t)

	m, err := o.StartMission(MissionCascadeRiskUpdate, nil)
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if m.State != StateAwaitingFlood {
		t.Fatalf("state = %q", m.State)
	}

	respond(t, o, bus, AgentCollector, FloodDataBatch{RiverAlert: true})
	if m.State != StateAwaitingHazard {
		t.Fatalf("state = %q, want AWAITING_HAZARD", m.State)
	}

	respond(t, o, bus, AgentHazard, RiskUpdateResult{UpdatedEdges: 12, AverageRisk: 0.4})
	if m.State != StateCompleted {
		t.Fatalf("state = %q, want COMPLETED", m.State)
	}
	if _, ok := m.Results["flood"]; !ok {
		t.Error("missing collector result")
	}
	if _, ok := m.Results["hazard"]; !ok {
		t.Error("missing hazard result")
	}
}

func TestAssessRiskMissionWithLocation(t *testing.T) {
	o, bus := newTestOrchestrator(t, WithKnownLocations(map[string][2]float64{
		"Nangka": {14.6739, 121.1095},
	}))

	m, err := o.StartMission(MissionAssessRisk, map[string]any{"location": "nangka"})
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if m.State != StateAwaitingScout {
		t.Fatalf("state = %q, want AWAITING_SCOUT", m.State)
	}

	respond(t, o, bus, AgentScout, ScoutReportBatch{ReportCount: 2})
	respond(t, o, bus, AgentCollector, FloodDataBatch{})
	respond(t, o, bus, AgentHazard, RiskUpdateResult{AverageRisk: 0.3})
	if m.State != StateAwaitingRiskQuery {
		t.Fatalf("state = %q, want AWAITING_RISK_QUERY", m.State)
	}

	req := respond(t, o, bus, AgentHazard, LocationRiskResult{AvgRisk: 0.35, Level: RiskModerate})
	q, ok := req.Body.(QueryRiskAtLocation)
	if !ok {
		t.Fatalf("request body = %T", req.Body)
	}
	if q.Lat != 14.6739 || q.Lon != 121.1095 {
		t.Errorf("query point = %v, %v", q.Lat, q.Lon)
	}

	if m.State != StateCompleted {
		t.Fatalf("state = %q", m.State)
	}
	// The hazard agent contributed both of its reply kinds.
	if _, ok := m.Results["hazard"].(RiskUpdateResult); !ok {
		t.Error("missing fused update result")
	}
	if _, ok := m.Results["map_risk"].(LocationRiskResult); !ok {
		t.Error("missing location risk result")
	}
}

func TestAssessRiskMissionWithoutLocation(t *testing.T) {
	o, bus := newTestOrchestrator(t)

	m, _ := o.StartMission(MissionAssessRisk, nil)
	if m.State != StateAwaitingFlood {
		t.Fatalf("state = %q, want scout phase skipped", m.State)
	}

	respond(t, o, bus, AgentCollector, FloodDataBatch{})
	respond(t, o, bus, AgentHazard, RiskUpdateResult{})
	if m.State != StateCompleted {
		t.Errorf("state = %q, want COMPLETED without a risk query", m.State)
	}
}

// Gateway handlers marshal mission snapshots while the scheduler keeps
// advancing the mission. Run under the race detector this fails if any
// mission field write bypasses the registry lock.
func TestConcurrentMissionReadsDuringReplies(t *testing.T) {
	o, bus := newTestOrchestrator(t, WithKnownLocations(map[string][2]float64{
		"Nangka": {14.6739, 121.1095},
	}))

	m, err := o.StartMission(MissionAssessRisk, map[string]any{"location": "nangka"})
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap, ok := o.Missions().Snapshot(m.ID)
			if !ok {
				t.Errorf("mission %s vanished mid-flight", m.ID)
				return
			}
			if _, err := json.Marshal(snap); err != nil {
				t.Errorf("marshal snapshot: %v", err)
				return
			}
		}
	}()

	respond(t, o, bus, AgentScout, ScoutReportBatch{ReportCount: 3})
	respond(t, o, bus, AgentCollector, FloodDataBatch{RiverAlert: true})
	respond(t, o, bus, AgentHazard, RiskUpdateResult{UpdatedEdges: 9, AverageRisk: 0.3})
	respond(t, o, bus, AgentHazard, LocationRiskResult{AvgRisk: 0.35, Level: RiskModerate})

	close(stop)
	<-done

	if st, _ := o.Missions().State(m.ID); st != StateCompleted {
		t.Errorf("state = %q, want COMPLETED", st)
	}
}

func TestMissionFailureReply(t *testing.T) {
	o, bus := newTestOrchestrator(t)

	m, _ := o.StartMission(MissionRouteCalculation, nil)
	req, _ := bus.TryReceive(AgentRouting)
	bus.Send(req.Reply(Failure, ErrorBody{Message: "graph unavailable"}))
	o.Step(context.Background())

	if m.State != StateFailed {
		t.Fatalf("state = %q", m.State)
	}
	if m.Error != "graph unavailable" {
		t.Errorf("error = %q", m.Error)
	}
}

func TestMissionTimeout(t *testing.T) {
	o, _ := newTestOrchestrator(t, WithMissionTimeouts(MissionTimeouts{Default: time.Millisecond}))

	m, _ := o.StartMission(MissionRouteCalculation, nil)
	time.Sleep(5 * time.Millisecond)
	o.Step(context.Background())

	if m.State != StateTimedOut {
		t.Fatalf("state = %q", m.State)
	}
	if m.Error != "Mission timed out" {
		t.Errorf("error = %q", m.Error)
	}
}

func TestLateReplyAfterTerminal(t *testing.T) {
	o, bus := newTestOrchestrator(t, WithMissionTimeouts(MissionTimeouts{Default: time.Millisecond}))

	m, _ := o.StartMission(MissionRouteCalculation, nil)
	time.Sleep(5 * time.Millisecond)
	o.Step(context.Background())
	if m.State != StateTimedOut {
		t.Fatalf("state = %q", m.State)
	}

	// The routing agent answers after the deadline; the mission must
	// stay timed out and not resurrect.
	req, _ := bus.TryReceive(AgentRouting)
	bus.Send(req.Reply(Inform, RouteResult{Status: RouteOK}))
	o.Step(context.Background())

	if m.State != StateTimedOut {
		t.Errorf("state = %q, late reply must not change a terminal state", m.State)
	}
}

func TestRepairParamsRouteCalculation(t *testing.T) {
	o, _ := newTestOrchestrator(t, WithCityCenter(14.6507, 121.1029))

	tests := []struct {
		name   string
		params map[string]any
		start  [2]float64
		end    [2]float64
	}{
		{
			"stringified arrays",
			map[string]any{"start": "[14.67, 121.10]", "end": "(14.63, 121.09)"},
			[2]float64{14.67, 121.10}, [2]float64{14.63, 121.09},
		},
		{
			"nested point array",
			map[string]any{
				"start": []any{[]any{14.67, 121.10}, []any{14.63, 121.09}},
				"end":   []any{14.63, 121.09},
			},
			[2]float64{14.67, 121.10}, [2]float64{14.63, 121.09},
		},
		{
			"nested end picks the last point",
			map[string]any{
				"start": []any{14.67, 121.10},
				"end":   []any{[]any{14.67, 121.10}, []any{14.63, 121.09}},
			},
			[2]float64{14.67, 121.10}, [2]float64{14.63, 121.09},
		},
		{
			"identical endpoints with alternates",
			map[string]any{
				"start": []any{14.67, 121.10}, "end": []any{14.67, 121.10},
				"destination": []any{14.63, 121.09},
			},
			[2]float64{14.67, 121.10}, [2]float64{14.63, 121.09},
		},
		{
			"missing endpoints fall back to city center",
			map[string]any{},
			[2]float64{14.6507, 121.1029}, [2]float64{14.6507, 121.1029},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o.RepairParams(MissionRouteCalculation, tt.params)
			start, _ := coerceCoord(tt.params["start"])
			end, _ := coerceCoord(tt.params["end"])
			if start != tt.start {
				t.Errorf("start = %v, want %v", start, tt.start)
			}
			if end != tt.end {
				t.Errorf("end = %v, want %v", end, tt.end)
			}
		})
	}
}

func TestCoerceCoord(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want [2]float64
		ok   bool
	}{
		{"float slice", []float64{14.65, 121.10}, [2]float64{14.65, 121.10}, true},
		{"any slice", []any{14.65, 121.10}, [2]float64{14.65, 121.10}, true},
		{"numeric strings", []any{"14.65", "121.10"}, [2]float64{14.65, 121.10}, true},
		{"stringified", " [14.65, 121.10] ", [2]float64{14.65, 121.10}, true},
		{"nested picks first", []any{[]any{1.0, 2.0}, []any{3.0, 4.0}}, [2]float64{1, 2}, true},
		{"nil", nil, [2]float64{}, false},
		{"wrong arity", []any{14.65}, [2]float64{}, false},
		{"garbage string", "somewhere in Marikina", [2]float64{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := coerceCoord(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("coerceCoord(%v) = %v, %v", tt.in, got, ok)
			}
		})
	}
}

func TestHandleChatOffTopic(t *testing.T) {
	bus := NewBus()
	for _, id := range []string{AgentCollector, AgentScout, AgentHazard, AgentRouting, AgentEvac} {
		bus.Register(id)
	}
	p := &scriptedProvider{content: `{"mission_type": "off_topic", "params": {},
		"reasoning": "asking about basketball scores"}`}
	o, err := NewOrchestrator(bus, NewLLMService(p))
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	out := o.HandleChat(context.Background(), "who won the PBA finals?")
	if out.Status != "off_topic" {
		t.Errorf("status = %q", out.Status)
	}
	if out.Mission != nil {
		t.Error("off-topic chat must not start a mission")
	}
}

func TestHandleChatStartsMission(t *testing.T) {
	bus := NewBus()
	for _, id := range []string{AgentCollector, AgentScout, AgentHazard, AgentRouting, AgentEvac} {
		bus.Register(id)
	}
	p := &scriptedProvider{content: `{"mission_type": "route_calculation",
		"params": {"start": [14.67, 121.10], "end": [14.63, 121.09], "mode": "balanced"},
		"reasoning": "user wants a route"}`}
	o, _ := NewOrchestrator(bus, NewLLMService(p))

	out := o.HandleChat(context.Background(), "safest way from Nangka to city hall?")
	if out.Status != "ok" {
		t.Fatalf("status = %q", out.Status)
	}
	if out.Mission == nil || out.Mission.Type != MissionRouteCalculation {
		t.Fatalf("mission = %+v", out.Mission)
	}
	if _, ok := bus.TryReceive(AgentRouting); !ok {
		t.Error("no request reached the routing agent")
	}
}

func TestHandleChatProviderError(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	out := o.HandleChat(context.Background(), "is Tumana flooded?")
	if out.Status != "error" {
		t.Errorf("status = %q, want error without a provider", out.Status)
	}
}

func TestSummarizeMissionFallback(t *testing.T) {
	o, bus := newTestOrchestrator(t, WithKnownLocations(map[string][2]float64{
		"Tumana": {14.6576, 121.0976},
	}))

	m, _ := o.StartMission(MissionAssessRisk, map[string]any{"location": "Tumana"})
	respond(t, o, bus, AgentScout, ScoutReportBatch{})
	respond(t, o, bus, AgentCollector, FloodDataBatch{})
	respond(t, o, bus, AgentHazard, RiskUpdateResult{})
	respond(t, o, bus, AgentHazard, LocationRiskResult{AvgRisk: 0.42, MaxRisk: 0.8, Level: RiskModerate, EdgeCount: 31})

	summary, usedLLM, err := o.SummarizeMission(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("SummarizeMission: %v", err)
	}
	if usedLLM {
		t.Error("no provider configured, summary must be deterministic")
	}
	if !strings.Contains(summary, "COMPLETED") || !strings.Contains(summary, "moderate") {
		t.Errorf("summary = %q", summary)
	}

	if _, _, err := o.SummarizeMission(context.Background(), "no-such-id"); err == nil {
		t.Error("unknown mission id must error")
	}
}

// journalStore records StoreMission calls and can be told to fail.
type journalStore struct {
	missions []MissionRecord
	fail     bool
}

func (s *journalStore) Init(context.Context) error                       { return nil }
func (s *journalStore) StoreFloodEntry(context.Context, FloodEntry) error { return nil }
func (s *journalStore) RecentFloodEntries(context.Context, string, int) ([]FloodEntry, error) {
	return nil, nil
}
func (s *journalStore) StoreScoutReport(context.Context, ScoutReport) error { return nil }
func (s *journalStore) RecentScoutReports(context.Context, int) ([]ScoutReport, error) {
	return nil, nil
}
func (s *journalStore) StoreMission(_ context.Context, rec MissionRecord) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.missions = append(s.missions, rec)
	return nil
}
func (s *journalStore) RecentMissions(context.Context, int) ([]MissionRecord, error) {
	return s.missions, nil
}
func (s *journalStore) Close() error { return nil }

func TestMissionJournal(t *testing.T) {
	js := &journalStore{}
	o, bus := newTestOrchestrator(t, WithMissionJournal(js))

	m, err := o.StartMission(MissionRouteCalculation, map[string]any{
		"start": []any{14.67, 121.10},
		"end":   []any{14.63, 121.09},
	})
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	respond(t, o, bus, AgentRouting, RouteResult{Status: RouteOK, DistanceM: 1800})

	if len(js.missions) != 1 {
		t.Fatalf("journaled %d missions, want 1", len(js.missions))
	}
	rec := js.missions[0]
	if rec.ID != m.ID || rec.Type != MissionRouteCalculation || rec.State != StateCompleted {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(rec.ResultsJSON, "1800") {
		t.Errorf("results json = %q", rec.ResultsJSON)
	}
	if rec.CompletedAt == 0 {
		t.Error("missing completion time")
	}
}

func TestMissionJournalCoversTimeouts(t *testing.T) {
	js := &journalStore{}
	o, _ := newTestOrchestrator(t,
		WithMissionJournal(js),
		WithMissionTimeouts(MissionTimeouts{Default: time.Millisecond}))

	o.StartMission(MissionRouteCalculation, nil)
	time.Sleep(5 * time.Millisecond)
	o.Step(context.Background())

	if len(js.missions) != 1 || js.missions[0].State != StateTimedOut {
		t.Fatalf("journal = %+v, want one TIMED_OUT record", js.missions)
	}
}

func TestMissionJournalFailureIsAbsorbed(t *testing.T) {
	js := &journalStore{fail: true}
	o, bus := newTestOrchestrator(t, WithMissionJournal(js))

	m, _ := o.StartMission(MissionRouteCalculation, nil)
	respond(t, o, bus, AgentRouting, RouteResult{Status: RouteOK})

	if m.State != StateCompleted {
		t.Fatalf("state = %q, store failure must not affect the mission", m.State)
	}
}
