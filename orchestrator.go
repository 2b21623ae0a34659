package agos

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Well-known agent ids on the bus. Constructors default to these;
// deployments that run several runtimes on one bus can override.
const (
	AgentOrchestrator = "orchestrator"
	AgentCollector    = "flood_collector"
	AgentScout        = "scout"
	AgentHazard       = "hazard"
	AgentRouting      = "routing"
	AgentEvac         = "evacuation_manager"
)

// Peers names the sub-agents the orchestrator drives.
type Peers struct {
	Collector string
	Scout     string
	Hazard    string
	Routing   string
	Evac      string
}

// DefaultPeers returns the well-known agent ids.
func DefaultPeers() Peers {
	return Peers{
		Collector: AgentCollector,
		Scout:     AgentScout,
		Hazard:    AgentHazard,
		Routing:   AgentRouting,
		Evac:      AgentEvac,
	}
}

// MissionTimeouts configures per-type mission deadlines.
type MissionTimeouts struct {
	Default           time.Duration
	AssessRisk        time.Duration
	CoordinatedEvac   time.Duration
	RouteCalculation  time.Duration
	CascadeRiskUpdate time.Duration
}

// For returns the timeout for a mission type, falling back to Default.
func (t MissionTimeouts) For(mt MissionType) time.Duration {
	var d time.Duration
	switch mt {
	case MissionAssessRisk:
		d = t.AssessRisk
	case MissionCoordinatedEvacuation:
		d = t.CoordinatedEvac
	case MissionRouteCalculation:
		d = t.RouteCalculation
	case MissionCascadeRiskUpdate:
		d = t.CascadeRiskUpdate
	}
	if d <= 0 {
		d = t.Default
	}
	if d <= 0 {
		d = 60 * time.Second
	}
	return d
}

// orchestratorConfig holds options accumulated by OrchestratorOption calls.
type orchestratorConfig struct {
	peers          Peers
	timeouts       MissionTimeouts
	maxConcurrent  int
	maxHistory     int
	maxChatTurns   int
	cityCenter     [2]float64 // lat, lon
	knownLocations map[string][2]float64
	riskRadiusM    float64
	journal        ObservationStore
	logger         *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*orchestratorConfig)

// WithPeers overrides the sub-agent ids.
func WithPeers(p Peers) OrchestratorOption {
	return func(c *orchestratorConfig) { c.peers = p }
}

// WithMissionTimeouts sets per-type mission deadlines.
func WithMissionTimeouts(t MissionTimeouts) OrchestratorOption {
	return func(c *orchestratorConfig) { c.timeouts = t }
}

// WithMaxConcurrentMissions caps simultaneously active missions.
func WithMaxConcurrentMissions(n int) OrchestratorOption {
	return func(c *orchestratorConfig) { c.maxConcurrent = n }
}

// WithMaxCompletedHistory sets the completed-mission ring size.
func WithMaxCompletedHistory(n int) OrchestratorOption {
	return func(c *orchestratorConfig) { c.maxHistory = n }
}

// WithMaxChatTurns bounds the conversation history sent to the LLM.
func WithMaxChatTurns(n int) OrchestratorOption {
	return func(c *orchestratorConfig) { c.maxChatTurns = n }
}

// WithCityCenter sets the fallback coordinates used when the
// interpretation produced no usable start/end.
func WithCityCenter(lat, lon float64) OrchestratorOption {
	return func(c *orchestratorConfig) { c.cityCenter = [2]float64{lat, lon} }
}

// WithKnownLocations supplies the name→coordinate fallback table used
// when a mission names a location without coordinates.
func WithKnownLocations(m map[string][2]float64) OrchestratorOption {
	return func(c *orchestratorConfig) {
		c.knownLocations = make(map[string][2]float64, len(m))
		for k, v := range m {
			c.knownLocations[strings.ToLower(k)] = v
		}
	}
}

// WithRiskRadius sets the radius used by assess_risk location queries.
func WithRiskRadius(meters float64) OrchestratorOption {
	return func(c *orchestratorConfig) { c.riskRadiusM = meters }
}

// WithMissionJournal persists every mission that reaches a terminal
// state to the store. Journaling is best-effort: store errors are
// logged, never propagated.
func WithMissionJournal(s ObservationStore) OrchestratorOption {
	return func(c *orchestratorConfig) { c.journal = s }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(c *orchestratorConfig) { c.logger = l }
}

// Interpretation is the structured result of chat interpretation.
type Interpretation struct {
	MissionType MissionType    `json:"mission_type"`
	Params      map[string]any `json:"params"`
	Reasoning   string         `json:"reasoning"`
}

// Orchestrator correlates natural-language user requests with
// multi-step missions executed across sub-agents. Each mission is a
// fixed finite state machine whose transitions are driven by INFORM
// replies carrying the mission id as conversation id.
type Orchestrator struct {
	BaseAgent
	llm      *LLMService
	registry *MissionRegistry

	peers          Peers
	timeouts       MissionTimeouts
	maxConcurrent  int
	maxChatTurns   int
	cityCenter     [2]float64
	knownLocations map[string][2]float64
	riskRadiusM    float64
	journal        ObservationStore

	chatMu      sync.Mutex
	chatHistory []ChatMessage
}

// NewOrchestrator registers the orchestrator on the bus.
func NewOrchestrator(bus *Bus, llm *LLMService, opts ...OrchestratorOption) (*Orchestrator, error) {
	cfg := orchestratorConfig{
		peers:         DefaultPeers(),
		maxConcurrent: 20,
		maxChatTurns:  20,
		cityCenter:    [2]float64{14.6507, 121.1029}, // Marikina city hall
		riskRadiusM:   500,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	base, err := NewBaseAgent(AgentOrchestrator, bus, cfg.logger)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		BaseAgent:      base,
		llm:            llm,
		registry:       NewMissionRegistry(cfg.maxHistory),
		peers:          cfg.peers,
		timeouts:       cfg.timeouts,
		maxConcurrent:  cfg.maxConcurrent,
		maxChatTurns:   cfg.maxChatTurns,
		cityCenter:     cfg.cityCenter,
		knownLocations: cfg.knownLocations,
		riskRadiusM:    cfg.riskRadiusM,
		journal:        cfg.journal,
	}, nil
}

// Missions exposes the registry (gateway lookups).
func (o *Orchestrator) Missions() *MissionRegistry { return o.registry }

// Step drains correlated replies and times out overdue missions.
func (o *Orchestrator) Step(ctx context.Context) error {
	for _, msg := range o.Drain(0) {
		o.handleMessage(msg)
	}
	o.sweepTimeouts(time.Now())
	return nil
}

func (o *Orchestrator) handleMessage(msg Message) {
	switch msg.Performative {
	case Inform, Failure, Refuse:
	case Agree, Confirm:
		return // acknowledgments carry no mission data
	default:
		o.Logger().Debug("orchestrator: ignoring performative",
			"performative", msg.Performative, "from", msg.Sender)
		return
	}
	if msg.ConversationID == "" {
		o.Logger().Debug("orchestrator: reply without conversation id", "from", msg.Sender)
		return
	}
	m, ok := o.registry.Get(msg.ConversationID)
	if !ok {
		o.Logger().Debug("orchestrator: unknown conversation id",
			"conversation_id", msg.ConversationID, "from", msg.Sender)
		return
	}
	if st, _ := o.registry.State(m.ID); st.Terminal() {
		return // late reply after timeout or failure
	}

	if msg.Performative == Failure || msg.Performative == Refuse {
		errText := "agent refused"
		if eb, ok := msg.Body.(ErrorBody); ok && eb.Message != "" {
			errText = eb.Message
		}
		o.terminate(m, StateFailed, errText)
		return
	}

	o.storeResult(m, msg)
	o.advance(m, msg)
}

// storeResult keys results by sender role. The hazard agent is special:
// its two INFORM kinds carry distinct data, so they get distinct keys
// and the final report includes both.
func (o *Orchestrator) storeResult(m *Mission, msg Message) {
	key := o.roleOf(msg.Sender)
	switch msg.Body.(type) {
	case RiskUpdateResult:
		key = "hazard"
	case LocationRiskResult:
		key = "map_risk"
	}
	o.registry.Mutate(m, func(m *Mission) {
		if m.Results == nil {
			m.Results = make(map[string]Body)
		}
		// Duplicate replies from the same sender overwrite by key.
		m.Results[key] = msg.Body
		m.UpdatedAt = time.Now()
	})
}

func (o *Orchestrator) roleOf(agentID string) string {
	switch agentID {
	case o.peers.Collector:
		return "flood"
	case o.peers.Scout:
		return "scout"
	case o.peers.Hazard:
		return "hazard"
	case o.peers.Routing:
		return "routing"
	case o.peers.Evac:
		return "evacuation"
	}
	return agentID
}

// advance runs one FSM transition in response to a stored reply.
//
//	assess_risk:  PENDING → AWAITING_SCOUT? → AWAITING_FLOOD →
//	              AWAITING_HAZARD → AWAITING_RISK_QUERY → COMPLETED
//	coordinated_evacuation: PENDING → AWAITING_EVACUATION → COMPLETED
//	route_calculation:      PENDING → AWAITING_ROUTING → COMPLETED
//	cascade_risk_update:    PENDING → AWAITING_FLOOD →
//	                        AWAITING_HAZARD → COMPLETED
func (o *Orchestrator) advance(m *Mission, msg Message) {
	switch m.Type {
	case MissionAssessRisk:
		switch m.State {
		case StateAwaitingScout:
			o.transition(m, StateAwaitingFlood)
			o.request(m, o.peers.Collector, CollectData{})
		case StateAwaitingFlood:
			o.transition(m, StateAwaitingHazard)
			o.request(m, o.peers.Hazard, ProcessAndUpdate{})
		case StateAwaitingHazard:
			lat, lon, ok := o.missionPoint(m)
			if !ok {
				// No queryable location: the fused update is the answer.
				o.terminate(m, StateCompleted, "")
				return
			}
			o.transition(m, StateAwaitingRiskQuery)
			o.request(m, o.peers.Hazard, QueryRiskAtLocation{Lat: lat, Lon: lon, RadiusM: o.riskRadiusM})
		case StateAwaitingRiskQuery:
			o.terminate(m, StateCompleted, "")
		}
	case MissionCoordinatedEvacuation:
		if m.State == StateAwaitingEvac {
			o.terminate(m, StateCompleted, "")
		}
	case MissionRouteCalculation:
		if m.State == StateAwaitingRouting {
			o.terminate(m, StateCompleted, "")
		}
	case MissionCascadeRiskUpdate:
		switch m.State {
		case StateAwaitingFlood:
			o.transition(m, StateAwaitingHazard)
			o.request(m, o.peers.Hazard, ProcessAndUpdate{})
		case StateAwaitingHazard:
			o.terminate(m, StateCompleted, "")
		}
	}
}

func (o *Orchestrator) transition(m *Mission, to MissionState) {
	var from MissionState
	o.registry.Mutate(m, func(m *Mission) {
		from = m.State
		m.State = to
		m.UpdatedAt = time.Now()
	})
	o.Logger().Info("mission transition", "mission", m.ID, "type", m.Type,
		"from", from, "to", to)
}

func (o *Orchestrator) terminate(m *Mission, to MissionState, errText string) {
	o.registry.Mutate(m, func(m *Mission) { m.Error = errText })
	o.transition(m, to)
	o.registry.Retire(m)
	o.journalMission(m)
}

// journalMission persists a terminal mission to the configured store.
func (o *Orchestrator) journalMission(m *Mission) {
	if o.journal == nil {
		return
	}
	results, err := json.Marshal(m.Results)
	if err != nil {
		results = []byte("{}")
	}
	rec := MissionRecord{
		ID:          m.ID,
		Type:        m.Type,
		State:       m.State,
		Error:       m.Error,
		ResultsJSON: string(results),
		CreatedAt:   m.CreatedAt.Unix(),
		CompletedAt: m.UpdatedAt.Unix(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.journal.StoreMission(ctx, rec); err != nil {
		storeErr := &ErrStore{Op: "store_mission", Message: err.Error()}
		o.Logger().Warn("orchestrator: mission journal failed",
			"mission", m.ID, "err", storeErr)
	}
}

// request sends a REQUEST tagged with the mission id as conversation id.
func (o *Orchestrator) request(m *Mission, receiver string, body Body) {
	if err := o.SendIn(Request, receiver, body, m.ID, NewID()); err != nil {
		o.terminate(m, StateFailed, err.Error())
	}
}

func (o *Orchestrator) sweepTimeouts(now time.Time) {
	for _, m := range o.registry.Active() {
		if now.After(m.Deadline) {
			st, _ := o.registry.State(m.ID)
			o.Logger().Warn("mission timed out", "mission", m.ID, "type", m.Type,
				"state", st)
			o.terminate(m, StateTimedOut, "Mission timed out")
		}
	}
}

// --- mission creation ---

// StartMission creates a mission and issues its first REQUEST. Params
// are repaired first (see RepairParams).
func (o *Orchestrator) StartMission(mt MissionType, params map[string]any) (*Mission, error) {
	if !KnownMissionType(mt) {
		return nil, &ErrConfig{Key: "mission_type", Message: fmt.Sprintf("unknown mission type %q", mt)}
	}
	if o.registry.ActiveCount() >= o.maxConcurrent {
		return nil, &ErrComm{Agent: o.ID(), Message: "max concurrent missions reached"}
	}
	if params == nil {
		params = make(map[string]any)
	}
	o.RepairParams(mt, params)

	now := time.Now()
	m := &Mission{
		ID:        NewID(),
		Type:      mt,
		State:     StatePending,
		Params:    params,
		Results:   make(map[string]Body),
		CreatedAt: now,
		UpdatedAt: now,
		Deadline:  now.Add(o.timeouts.For(mt)),
	}
	o.registry.Add(m)
	o.kickoff(m)
	return m, nil
}

func (o *Orchestrator) kickoff(m *Mission) {
	switch m.Type {
	case MissionAssessRisk:
		if _, _, ok := o.missionPoint(m); ok {
			o.transition(m, StateAwaitingScout)
			o.request(m, o.peers.Scout, CollectData{})
		} else {
			// No location: skip the scout phase.
			o.transition(m, StateAwaitingFlood)
			o.request(m, o.peers.Collector, CollectData{})
		}
	case MissionCoordinatedEvacuation:
		lat, lon, _ := o.missionPoint(m)
		message, _ := m.Params["message"].(string)
		location, _ := m.Params["location"].(string)
		o.transition(m, StateAwaitingEvac)
		o.request(m, o.peers.Evac, DistressCall{Lat: lat, Lon: lon, Location: location, Message: message})
	case MissionRouteCalculation:
		start := coordOrDefault(m.Params["start"], o.cityCenter)
		end := coordOrDefault(m.Params["end"], o.cityCenter)
		mode, _ := m.Params["mode"].(string)
		o.transition(m, StateAwaitingRouting)
		o.request(m, o.peers.Routing, CalculateRoute{
			StartLat: start[0], StartLon: start[1],
			EndLat: end[0], EndLon: end[1],
			Mode: RouteMode(mode),
		})
	case MissionCascadeRiskUpdate:
		o.transition(m, StateAwaitingFlood)
		o.request(m, o.peers.Collector, CollectData{})
	}
}

// missionPoint resolves the mission's query location from coordinates
// or, failing that, the known-locations fallback table.
func (o *Orchestrator) missionPoint(m *Mission) (lat, lon float64, ok bool) {
	if c, found := coerceCoord(m.Params["user_location"]); found {
		return c[0], c[1], true
	}
	if c, found := coerceCoord(m.Params["coordinates"]); found {
		return c[0], c[1], true
	}
	if name, _ := m.Params["location"].(string); name != "" {
		if c, found := o.knownLocations[strings.ToLower(strings.TrimSpace(name))]; found {
			return c[0], c[1], true
		}
	}
	return 0, 0, false
}

// --- chat interpretation ---

const interpretSystemPrompt = `You translate flood-safety requests from residents of Marikina into mission plans.
Reply with strict JSON only, no prose:
{"mission_type": "<assess_risk|coordinated_evacuation|route_calculation|cascade_risk_update|off_topic>",
 "params": { ... }, "reasoning": "<one sentence>"}

Params by mission type:
- assess_risk: {"location": "<name>"} and/or {"coordinates": [lat, lon]}
- route_calculation: {"start": [lat, lon], "end": [lat, lon], "mode": "<safest|balanced|fastest>"}
- coordinated_evacuation: {"user_location": [lat, lon], "location": "<name>", "message": "<the request>"}
- cascade_risk_update: {}

Anything unrelated to flooding, routes, or evacuation in the city is "off_topic".`

// InterpretRequest sends the user message, with the bounded chat
// history, to the LLM and parses the mission interpretation. Off-topic
// messages come back with MissionType "off_topic".
func (o *Orchestrator) InterpretRequest(ctx context.Context, userMsg string) (Interpretation, error) {
	o.chatMu.Lock()
	history := append([]ChatMessage(nil), o.chatHistory...)
	o.chatMu.Unlock()

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, SystemMessage(interpretSystemPrompt))
	messages = append(messages, history...)
	messages = append(messages, UserMessage(userMsg))

	out, err := o.llm.TextChatMulti(ctx, messages)
	if err != nil {
		return Interpretation{}, err
	}
	var in Interpretation
	if !ExtractJSON(out, &in) {
		return Interpretation{}, &ErrLLM{Provider: "orchestrator", Message: "interpretation reply not parseable"}
	}

	o.recordChatTurn(userMsg, out)
	return in, nil
}

// recordChatTurn appends a user/assistant exchange, trimming oldest
// turns beyond the configured bound.
func (o *Orchestrator) recordChatTurn(user, assistant string) {
	o.chatMu.Lock()
	defer o.chatMu.Unlock()
	o.chatHistory = append(o.chatHistory, UserMessage(user), AssistantMessage(assistant))
	if bound := o.maxChatTurns * 2; len(o.chatHistory) > bound {
		o.chatHistory = o.chatHistory[len(o.chatHistory)-bound:]
	}
}

// ChatOutcome is the result of HandleChat, shaped for the gateway.
type ChatOutcome struct {
	Status         string          `json:"status"` // ok | off_topic | error
	Interpretation *Interpretation `json:"interpretation,omitempty"`
	Mission        *Mission        `json:"mission,omitempty"`
}

// HandleChat interprets a chat message and, unless it is off-topic,
// starts the corresponding mission.
func (o *Orchestrator) HandleChat(ctx context.Context, message string) ChatOutcome {
	in, err := o.InterpretRequest(ctx, message)
	if err != nil {
		o.Logger().Warn("orchestrator: chat interpretation failed", "err", err)
		return ChatOutcome{Status: "error"}
	}
	if in.MissionType == "off_topic" || !KnownMissionType(in.MissionType) {
		return ChatOutcome{Status: "off_topic", Interpretation: &in}
	}
	m, err := o.StartMission(in.MissionType, in.Params)
	if err != nil {
		o.Logger().Warn("orchestrator: mission start failed", "err", err)
		return ChatOutcome{Status: "error", Interpretation: &in}
	}
	// The scheduler may already be advancing the mission; hand the
	// caller a stable copy.
	snap, _ := o.registry.Snapshot(m.ID)
	return ChatOutcome{Status: "ok", Interpretation: &in, Mission: &snap}
}

// --- param repair ---

// RepairParams fixes the coordinate mistakes LLMs habitually make:
// stringified arrays, nested arrays, identical start/end, and missing
// endpoints. Mutates params in place.
func (o *Orchestrator) RepairParams(mt MissionType, params map[string]any) {
	switch mt {
	case MissionRouteCalculation:
		start, startOK := coerceCoord(params["start"])
		end, endOK := coerceCoordAt(params["end"], -1)
		if startOK && endOK && start == end {
			// Degenerate route: prefer the origin/destination alternates.
			if alt, ok := coerceCoord(params["origin"]); ok {
				start = alt
			}
			if alt, ok := coerceCoord(params["destination"]); ok {
				end = alt
			}
		}
		if !startOK {
			if alt, ok := coerceCoord(params["origin"]); ok {
				start = alt
			} else {
				start = o.cityCenter
			}
		}
		if !endOK {
			if alt, ok := coerceCoord(params["destination"]); ok {
				end = alt
			} else {
				end = o.cityCenter
			}
		}
		params["start"] = []any{start[0], start[1]}
		params["end"] = []any{end[0], end[1]}
	case MissionCoordinatedEvacuation:
		if c, ok := coerceCoord(params["user_location"]); ok {
			params["user_location"] = []any{c[0], c[1]}
		} else if c, ok := coerceCoord(params["location_coords"]); ok {
			params["user_location"] = []any{c[0], c[1]}
		}
	}
}

// coerceCoord extracts a (lat, lon) pair from the shapes LLMs produce:
// []float64, []any of numbers or numeric strings, a stringified array
// like "[14.65, 121.10]", or a nested array of points (first point
// selected; callers wanting the last use coerceCoordAt).
func coerceCoord(v any) ([2]float64, bool) {
	return coerceCoordAt(v, 0)
}

// coerceCoordAt is coerceCoord with an index into nested point arrays:
// 0 selects the first point, -1 the last.
func coerceCoordAt(v any, idx int) ([2]float64, bool) {
	switch t := v.(type) {
	case nil:
		return [2]float64{}, false
	case [2]float64:
		return t, true
	case []float64:
		if len(t) == 2 {
			return [2]float64{t[0], t[1]}, true
		}
	case string:
		s := strings.Trim(strings.TrimSpace(t), "[]()")
		parts := strings.Split(s, ",")
		if len(parts) == 2 {
			lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
			lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if err1 == nil && err2 == nil {
				return [2]float64{lat, lon}, true
			}
		}
	case []any:
		if len(t) == 0 {
			return [2]float64{}, false
		}
		// Nested array of points: unwrap, selecting idx (0 or -1).
		if _, nested := t[0].([]any); nested {
			i := idx
			if i < 0 {
				i = len(t) + i
			}
			if i < 0 || i >= len(t) {
				return [2]float64{}, false
			}
			return coerceCoordAt(t[i], 0)
		}
		if len(t) == 2 {
			lat, ok1 := toFloat(t[0])
			lon, ok2 := toFloat(t[1])
			if ok1 && ok2 {
				return [2]float64{lat, lon}, true
			}
		}
	}
	return [2]float64{}, false
}

// coordOrDefault resolves a coordinate param, selecting the last point
// of nested arrays for "end"-like params via RepairParams having
// already normalized; falls back to def.
func coordOrDefault(v any, def [2]float64) [2]float64 {
	if c, ok := coerceCoord(v); ok {
		return c
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// --- mission summary ---

// SummarizeMission produces a ≤3-sentence human-readable summary of a
// mission via the LLM, or a deterministic status string when the LLM is
// unavailable. The second return reports whether the LLM was used.
func (o *Orchestrator) SummarizeMission(ctx context.Context, id string) (string, bool, error) {
	m, ok := o.registry.Snapshot(id)
	if !ok {
		return "", false, &ErrComm{Agent: o.ID(), Message: "unknown mission " + id}
	}

	resultsJSON, err := json.Marshal(resultsForSummary(&m))
	if err == nil && o.llm != nil && o.llm.IsAvailable(ctx) {
		prompt := fmt.Sprintf(
			"Summarize this flood-response mission for a resident in at most 3 plain sentences.\nType: %s\nState: %s\nResults: %s",
			m.Type, m.State, resultsJSON)
		if out, err := o.llm.TextChat(ctx, prompt); err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out), true, nil
		}
	}
	return fallbackSummary(&m, time.Now()), false, nil
}

// resultsForSummary flattens the results map into JSON-friendly values.
func resultsForSummary(m *Mission) map[string]any {
	out := make(map[string]any, len(m.Results))
	for k, v := range m.Results {
		out[k] = v
	}
	return out
}

// fallbackSummary is the deterministic summary used on LLM failure.
func fallbackSummary(m *Mission, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission %s is %s after %ds.", m.Type, m.State, int(m.Elapsed(now).Seconds()))
	if m.Error != "" {
		fmt.Fprintf(&b, " Error: %s.", m.Error)
	}
	if mr, ok := m.Results["map_risk"].(LocationRiskResult); ok {
		fmt.Fprintf(&b, " Area risk is %s (avg %.2f, max %.2f across %d road segments).",
			mr.Level, mr.AvgRisk, mr.MaxRisk, mr.EdgeCount)
	}
	return b.String()
}
