// Package gateway exposes the runtime over HTTP: mission control,
// chat, routing, feedback, and a live risk feed over WebSocket.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/nevindra/agos"
	"github.com/nevindra/agos/evac"
	"github.com/nevindra/agos/graph"
	"github.com/nevindra/agos/route"
)

// Server wires the HTTP surface to the running agents.
type Server struct {
	orch   *agos.Orchestrator
	router *route.Agent
	evac   *evac.Agent
	llm    *agos.LLMService
	bus    *agos.Bus
	graph  *graph.RoadGraph
	store  agos.ObservationStore
	agents []string
	logger *slog.Logger
	md     goldmark.Markdown
	hub    *riskHub
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAgents sets the agent ids reported by the health endpoint.
func WithAgents(ids ...string) Option {
	return func(s *Server) { s.agents = ids }
}

// WithStore exposes the observation history endpoints. Without a store
// they answer 503.
func WithStore(st agos.ObservationStore) Option {
	return func(s *Server) { s.store = st }
}

// WithRiskFeedInterval overrides the WebSocket push cadence.
func WithRiskFeedInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.hub.interval = d
		}
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates the gateway server. Any collaborator may be nil; its
// endpoints then answer 503.
func New(orch *agos.Orchestrator, router *route.Agent, ev *evac.Agent,
	llm *agos.LLMService, bus *agos.Bus, g *graph.RoadGraph, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		router: router,
		evac:   ev,
		llm:    llm,
		bus:    bus,
		graph:  g,
		logger: nopLogger,
		md:     goldmark.New(),
		now:    time.Now,
	}
	s.hub = newRiskHub(g, s.logger)
	for _, opt := range opts {
		opt(s)
	}
	s.hub.logger = s.logger
	return s
}

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/orchestrator/mission", s.handleStartMission)
	mux.HandleFunc("GET /api/orchestrator/mission/{id}", s.handleGetMission)
	mux.HandleFunc("GET /api/orchestrator/mission/{id}/summary", s.handleMissionSummary)
	mux.HandleFunc("POST /api/orchestrator/chat", s.handleChat)
	mux.HandleFunc("POST /api/route", s.handleRoute)
	mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	mux.HandleFunc("POST /api/evacuation-center", s.handleEvacuationCenter)
	mux.HandleFunc("GET /api/history/floods", s.handleFloodHistory)
	mux.HandleFunc("GET /api/history/reports", s.handleReportHistory)
	mux.HandleFunc("GET /api/history/missions", s.handleMissionHistory)
	mux.HandleFunc("GET /ws/risk", s.hub.handleWS)
	return mux
}

// Run starts the risk feed broadcaster and serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.run(ctx)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("gateway: listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type agentStatus struct {
		ID         string `json:"id"`
		Registered bool   `json:"registered"`
		InboxSize  int    `json:"inbox_size"`
	}
	agents := make([]agentStatus, 0, len(s.agents))
	for _, id := range s.agents {
		st := agentStatus{ID: id}
		if s.bus != nil {
			st.Registered = s.bus.Registered(id)
			st.InboxSize = s.bus.Size(id)
		}
		agents = append(agents, st)
	}
	resp := map[string]any{
		"status": "ok",
		"time":   s.now().UTC(),
		"agents": agents,
	}
	if s.llm != nil {
		resp["llm"] = s.llm.GetHealth(r.Context())
	}
	if s.graph != nil {
		avg, peak, nonZero := s.graph.RiskStats()
		resp["risk"] = map[string]any{
			"avg_risk": avg, "max_risk": peak, "risky_edges": nonZero,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartMission(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	var req struct {
		MissionType agos.MissionType `json:"mission_type"`
		Params      map[string]any   `json:"params"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	m, err := s.orch.StartMission(req.MissionType, req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The scheduler mutates the live mission; respond from a copy.
	snap, _ := s.orch.Missions().Snapshot(m.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"mission_id": snap.ID,
		"type":       snap.Type,
		"state":      snap.State,
		"created_at": snap.CreatedAt,
	})
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	m, ok := s.orch.Missions().Snapshot(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown mission")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMissionSummary(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	id := r.PathValue("id")
	summary, llmUsed, err := s.orch.SummarizeMission(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	m, _ := s.orch.Missions().Snapshot(id)

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# Mission %s\n\n%s\n", id, summary)
		var html bytes.Buffer
		if err := s.md.Convert(buf.Bytes(), &html); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(html.Bytes())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":  summary,
		"mission":  m,
		"llm_used": llmUsed,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}
	writeJSON(w, http.StatusOK, s.orch.HandleChat(r.Context(), req.Message))
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeError(w, http.StatusServiceUnavailable, "routing not running")
		return
	}
	var req struct {
		Start       []float64 `json:"start_location"`
		End         []float64 `json:"end_location"`
		Preferences struct {
			Mode agos.RouteMode `json:"mode"`
		} `json:"preferences"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Start) != 2 || len(req.End) != 2 {
		writeError(w, http.StatusBadRequest, "start_location and end_location must be [lat, lon]")
		return
	}
	result, err := s.router.Route(agos.CalculateRoute{
		StartLat: req.Start[0], StartLon: req.Start[1],
		EndLat: req.End[0], EndLon: req.End[1],
		Mode: req.Preferences.Mode,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.evac == nil {
		writeError(w, http.StatusServiceUnavailable, "evacuation manager not running")
		return
	}
	var req struct {
		RouteID      string    `json:"route_id"`
		FeedbackType string    `json:"feedback_type"`
		Location     string    `json:"location"`
		Coords       []float64 `json:"coordinates"`
		Severity     float64   `json:"severity"`
		Description  string    `json:"description"`
		HasPhoto     bool      `json:"has_photo"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	fb := evac.Feedback{
		RouteID:     req.RouteID,
		Type:        agos.ReportType(req.FeedbackType),
		Location:    req.Location,
		Severity:    req.Severity,
		Description: req.Description,
		HasPhoto:    req.HasPhoto,
	}
	if len(req.Coords) == 2 {
		fb.Lat, fb.Lon, fb.HasCoords = req.Coords[0], req.Coords[1], true
	}
	switch fb.Type {
	case agos.ReportClear, agos.ReportBlocked, agos.ReportFlooded, agos.ReportTraffic:
	default:
		writeError(w, http.StatusBadRequest, "feedback_type must be clear|blocked|flooded|traffic")
		return
	}
	if err := s.evac.SubmitFeedback(r.Context(), fb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleEvacuationCenter(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeError(w, http.StatusServiceUnavailable, "routing not running")
		return
	}
	var req struct {
		Location []float64 `json:"location"`
		Query    string    `json:"query"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Location) != 2 {
		writeError(w, http.StatusBadRequest, "location must be [lat, lon]")
		return
	}
	result, err := s.router.FindCenter(r.Context(), agos.FindEvacuationCenter{
		Lat: req.Location[0], Lon: req.Location[1], Query: req.Query,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFloodHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	entries, err := s.store.RecentFloodEntries(r.Context(),
		r.URL.Query().Get("location"), historyLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries, "count": len(entries),
	})
}

func (s *Server) handleReportHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	reports, err := s.store.RecentScoutReports(r.Context(), historyLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports, "count": len(reports),
	})
}

func (s *Server) handleMissionHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	missions, err := s.store.RecentMissions(r.Context(), historyLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"missions": missions, "count": len(missions),
	})
}

// historyLimit parses ?limit=n, defaulting to 50 and capping at 500.
func historyLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 50
	}
	if n > 500 {
		return 500
	}
	return n
}

func readJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
