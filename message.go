package agos

import "time"

// Performative is the FIPA-ACL speech act category of a message.
type Performative string

const (
	Request Performative = "REQUEST"
	Inform  Performative = "INFORM"
	Query   Performative = "QUERY"
	Confirm Performative = "CONFIRM"
	Refuse  Performative = "REFUSE"
	Agree   Performative = "AGREE"
	Failure Performative = "FAILURE"
	Propose Performative = "PROPOSE"
	CFP     Performative = "CFP"
)

// Body is the typed payload of a Message. Each concrete variant
// corresponds to one (performative, info_type) or (performative, action)
// pair of the protocol. The bus never inspects bodies; all semantics
// live in the agents.
type Body interface {
	// Kind returns the protocol tag ("flood_data_batch",
	// "calculate_route", ...) used for logging and result keying.
	Kind() string
}

// Message is an immutable ACL message. Once enqueued on the bus it must
// not be mutated; agents that need to derive a reply use Reply.
type Message struct {
	ID           string
	Performative Performative
	Sender       string
	Receiver     string
	Body         Body

	// ConversationID groups all messages belonging to one mission.
	// Propagated end-to-end; empty for unsolicited traffic.
	ConversationID string
	// ReplyWith / InReplyTo correlate a single request/reply exchange
	// within a conversation.
	ReplyWith string
	InReplyTo string

	Timestamp time.Time
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(p Performative, sender, receiver string, body Body) Message {
	return Message{
		ID:           NewID(),
		Performative: p,
		Sender:       sender,
		Receiver:     receiver,
		Body:         body,
		Timestamp:    time.Now(),
	}
}

// Reply builds a response to m: receiver and sender swap, the
// conversation id carries over, and InReplyTo is set from m.ReplyWith
// (falling back to m.ID when the requester did not set one).
func (m Message) Reply(p Performative, body Body) Message {
	r := NewMessage(p, m.Receiver, m.Sender, body)
	r.ConversationID = m.ConversationID
	r.InReplyTo = m.ReplyWith
	if r.InReplyTo == "" {
		r.InReplyTo = m.ID
	}
	return r
}

// --- observation payloads (collector → hazard) ---

// FloodEntry is one fused flood observation for a named location.
// Produced by the collector from river gauges, dams, rainfall, and
// advisories; consumed by the hazard fusion agent.
type FloodEntry struct {
	Location   string  `json:"location"`
	FloodDepth float64 `json:"flood_depth"` // meters, [0, 10]
	RiskScore  float64 `json:"risk_score"`  // [0, 1]
	Status     string  `json:"status"`      // normal | alert | alarm | critical
	WaterLevel float64 `json:"water_level_m,omitempty"`
	Source     string  `json:"source"`    // origin string, always stamped
	Timestamp  int64   `json:"timestamp"` // unix seconds
}

// FloodDataBatch is the collector's per-cycle INFORM payload.
type FloodDataBatch struct {
	Entries     map[string]FloodEntry `json:"entries"`     // keyed by location
	RiverAlert  bool                  `json:"river_alert"` // any river at ≥ alert
	Simulated   bool                  `json:"simulated"`
	CollectedAt time.Time             `json:"collected_at"`
}

func (FloodDataBatch) Kind() string { return "flood_data_batch" }

// ReportType classifies a scout report.
type ReportType string

const (
	ReportFlood       ReportType = "flood"
	ReportClear       ReportType = "clear"
	ReportBlocked     ReportType = "blocked"
	ReportFlooded     ReportType = "flooded"
	ReportTraffic     ReportType = "traffic"
	ReportObservation ReportType = "observation"
)

// VisualEvidence is the structured output of flood image analysis.
type VisualEvidence struct {
	EstimatedDepthM  float64  `json:"estimated_depth_m"`
	RiskScore        float64  `json:"risk_score"`
	VehiclesPassable []string `json:"vehicles_passable"`
	Indicators       []string `json:"visual_indicators"`
	Confidence       float64  `json:"confidence"`
}

// ScoutReport is a normalized crowdsourced observation.
type ScoutReport struct {
	Location   string          `json:"location"`
	Lat        float64         `json:"lat"`
	Lon        float64         `json:"lon"`
	HasCoords  bool            `json:"has_coords"`
	Severity   float64         `json:"severity"`   // [0, 1]
	Confidence float64         `json:"confidence"` // [0, 1]
	Type       ReportType      `json:"report_type"`
	Passable   bool            `json:"passable"`
	Text       string          `json:"text"`
	Visual     *VisualEvidence `json:"visual,omitempty"`
	Timestamp  int64           `json:"timestamp"` // unix seconds
}

// VisualEvidenceFlag reports whether the report carries usable imagery
// analysis (a depth estimate or risk score was produced).
func (r ScoutReport) VisualEvidenceFlag() bool {
	return r.Visual != nil && (r.Visual.EstimatedDepthM > 0 || r.Visual.RiskScore > 0)
}

// ScoutReportBatch is the scout agent's INFORM payload.
type ScoutReportBatch struct {
	Reports     []ScoutReport `json:"reports"`
	ReportCount int           `json:"report_count"`
	VisualCount int           `json:"visual_count"`
	Version     string        `json:"processing_version"`
}

func (ScoutReportBatch) Kind() string { return "scout_report_batch" }

// --- request payloads ---

// CollectData forces a collector cycle within one step.
type CollectData struct{}

func (CollectData) Kind() string { return "collect_data" }

// ProcessAndUpdate asks the hazard agent to run the fusion pipeline and
// write risk to the graph.
type ProcessAndUpdate struct{}

func (ProcessAndUpdate) Kind() string { return "process_and_update" }

// QueryRiskAtLocation asks the hazard agent for risk aggregates around
// a point.
type QueryRiskAtLocation struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	RadiusM float64 `json:"radius_m"`
}

func (QueryRiskAtLocation) Kind() string { return "query_risk_at_location" }

// SetFloodScenario points the hazard raster at a simulated flood layer:
// a hazard-map return period and a time step within the event.
type SetFloodScenario struct {
	ReturnPeriod string `json:"return_period"`
	TimeStep     int    `json:"time_step"`
}

func (SetFloodScenario) Kind() string { return "set_flood_scenario" }

// RouteMode selects the risk penalty used by the router.
type RouteMode string

const (
	ModeSafest   RouteMode = "safest"
	ModeBalanced RouteMode = "balanced"
	ModeFastest  RouteMode = "fastest"
)

// CalculateRoute asks the routing agent for a risk-aware route.
type CalculateRoute struct {
	StartLat float64   `json:"start_lat"`
	StartLon float64   `json:"start_lon"`
	EndLat   float64   `json:"end_lat"`
	EndLon   float64   `json:"end_lon"`
	Mode     RouteMode `json:"mode,omitempty"`
}

func (CalculateRoute) Kind() string { return "calculate_route" }

// FindEvacuationCenter asks the routing agent for the best reachable
// evacuation center from a location.
type FindEvacuationCenter struct {
	Lat   float64   `json:"lat"`
	Lon   float64   `json:"lon"`
	Query string    `json:"query,omitempty"` // optional natural-language preference
	Mode  RouteMode `json:"mode,omitempty"`
}

func (FindEvacuationCenter) Kind() string { return "find_evacuation_center" }

// DistressCall asks the evacuation manager to handle a natural-language
// distress message.
type DistressCall struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Location string  `json:"location,omitempty"`
	Message  string  `json:"message"`
}

func (DistressCall) Kind() string { return "handle_distress_call" }

// --- reply payloads ---

// RiskTrend describes the direction of the fused risk field.
type RiskTrend string

const (
	TrendIncreasing RiskTrend = "increasing"
	TrendDecreasing RiskTrend = "decreasing"
	TrendStable     RiskTrend = "stable"
)

// RiskUpdateResult is the hazard agent's reply to ProcessAndUpdate.
type RiskUpdateResult struct {
	FloodSources       int       `json:"flood_sources"`
	ScoutReports       int       `json:"scout_reports"`
	UpdatedEdges       int       `json:"updated_edges"`
	AverageRisk        float64   `json:"average_risk"`
	RiskTrend          RiskTrend `json:"risk_trend"`
	RiskChangeRate     float64   `json:"risk_change_rate"` // per minute
	ActiveReports      int       `json:"active_reports"`
	OldestReportAgeMin float64   `json:"oldest_report_age_min"`
}

func (RiskUpdateResult) Kind() string { return "risk_update_result" }

// RiskLevel is the qualitative banding of a risk aggregate.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// LevelForRisk bands a risk value: <0.1 minimal, <0.3 low, <0.5
// moderate, <0.75 high, else critical.
func LevelForRisk(r float64) RiskLevel {
	switch {
	case r < 0.1:
		return RiskMinimal
	case r < 0.3:
		return RiskLow
	case r < 0.5:
		return RiskModerate
	case r < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// LocationRiskResult is the hazard agent's reply to QueryRiskAtLocation.
type LocationRiskResult struct {
	AvgRisk         float64   `json:"avg_risk"`
	MaxRisk         float64   `json:"max_risk"`
	Level           RiskLevel `json:"risk_level"`
	EdgeCount       int       `json:"edge_count"`
	HighRiskEdges   int       `json:"high_risk_edges"`
	ImpassableEdges int       `json:"impassable_edges"`
}

func (LocationRiskResult) Kind() string { return "location_risk_result" }

// RouteStatus discriminates routing outcomes.
type RouteStatus string

const (
	RouteOK RouteStatus = "ok"
	// RouteImpassable: no path exists even ignoring risk (fastest mode).
	RouteImpassable RouteStatus = "impassable"
	// RouteNoSafeRoute: a physical path may exist but every candidate
	// crosses a critically risky edge (balanced/safest modes).
	RouteNoSafeRoute RouteStatus = "no_safe_route"
)

// RouteResult is the routing agent's reply to CalculateRoute.
type RouteResult struct {
	Status       RouteStatus `json:"status"`
	Mode         RouteMode   `json:"mode"`
	NodePath     []int64     `json:"node_path,omitempty"`
	EdgeKeys     []int       `json:"edge_keys,omitempty"`
	DistanceM    float64     `json:"distance_m"`
	AvgRisk      float64     `json:"avg_risk"` // distance-weighted
	MaxRisk      float64     `json:"max_risk"`
	EstTimeMin   float64     `json:"est_time_min"`
	SegmentCount int         `json:"segment_count"`
	Warnings     []string    `json:"warnings,omitempty"`
}

func (RouteResult) Kind() string { return "route_result" }

// EvacCenterInfo describes one evacuation center.
type EvacCenterInfo struct {
	Name     string  `json:"name"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Capacity int     `json:"capacity"`
	Type     string  `json:"type"`
}

// EvacuationResult is the reply to FindEvacuationCenter and the routing
// half of a distress response.
type EvacuationResult struct {
	Status      RouteStatus    `json:"status"`
	Center      EvacCenterInfo `json:"center"`
	Route       RouteResult    `json:"route"`
	Explanation string         `json:"explanation,omitempty"`
}

func (EvacuationResult) Kind() string { return "evacuation_result" }

// DistressResult is the evacuation manager's reply to DistressCall.
type DistressResult struct {
	Urgency      string           `json:"urgency"` // critical | high | medium | low
	Evacuation   EvacuationResult `json:"evacuation"`
	Instructions string           `json:"instructions"`
}

func (DistressResult) Kind() string { return "distress_result" }

// ErrorBody carries the failure text of a FAILURE or REFUSE message.
type ErrorBody struct {
	Message string `json:"message"`
}

func (ErrorBody) Kind() string { return "error" }

// Ack is the empty body of CONFIRM / AGREE messages.
type Ack struct{}

func (Ack) Kind() string { return "ack" }
