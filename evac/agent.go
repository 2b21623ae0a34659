// Package evac coordinates evacuations: it classifies distress calls,
// finds the best reachable evacuation center through the routing agent,
// generates instructions, and turns user feedback into scout reports
// for the hazard agent.
package evac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/agos"
)

const defaultMaxHistory = 100

// CenterFinder is the routing capability the evacuation manager
// depends on. Implemented by the routing agent.
type CenterFinder interface {
	FindCenter(ctx context.Context, req agos.FindEvacuationCenter) (agos.EvacuationResult, error)
}

// CallRecord is one handled distress call, kept in a bounded history.
type CallRecord struct {
	Call      agos.DistressCall
	Result    agos.DistressResult
	HandledAt time.Time
}

// Feedback is a user's road-condition report submitted after a route.
type Feedback struct {
	RouteID     string
	Type        agos.ReportType // clear | blocked | flooded | traffic
	Location    string
	Lat         float64
	Lon         float64
	HasCoords   bool
	Severity    float64
	Description string
	HasPhoto    bool
}

// Agent is the evacuation manager.
type Agent struct {
	agos.BaseAgent
	llm         *agos.LLMService
	finder      CenterFinder
	forceSafest bool
	maxHistory  int
	now         func() time.Time

	mu      sync.Mutex
	history []CallRecord
}

// Option configures an evacuation Agent.
type Option func(*Agent)

// WithLLM enables distress classification and instruction generation.
func WithLLM(s *agos.LLMService) Option { return func(a *Agent) { a.llm = s } }

// WithFinder sets the routing collaborator.
func WithFinder(f CenterFinder) Option { return func(a *Agent) { a.finder = f } }

// WithoutForcedSafest lets distress routes use the requested mode
// instead of always forcing safest.
func WithoutForcedSafest() Option { return func(a *Agent) { a.forceSafest = false } }

// WithMaxHistory bounds the distress call history.
func WithMaxHistory(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxHistory = n
		}
	}
}

// withClock replaces the time source in tests.
func withClock(fn func() time.Time) Option {
	return func(a *Agent) { a.now = fn }
}

// NewAgent registers the evacuation manager on the bus.
func NewAgent(bus *agos.Bus, logger *slog.Logger, opts ...Option) (*Agent, error) {
	base, err := agos.NewBaseAgent(agos.AgentEvac, bus, logger)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		BaseAgent:   base,
		forceSafest: true,
		maxHistory:  defaultMaxHistory,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Step answers distress calls and evacuation-center lookups.
func (a *Agent) Step(ctx context.Context) error {
	for _, msg := range a.Drain(0) {
		if msg.Performative != agos.Request {
			continue
		}
		switch body := msg.Body.(type) {
		case agos.DistressCall:
			result := a.HandleDistress(ctx, body)
			if err := a.ReplyTo(msg, agos.Inform, result); err != nil {
				a.Logger().Warn("evac: reply failed", "err", err)
			}
		case agos.FindEvacuationCenter:
			if a.finder == nil {
				a.FailTo(msg, fmt.Errorf("no routing collaborator configured"))
				continue
			}
			result, err := a.finder.FindCenter(ctx, body)
			if err != nil {
				a.FailTo(msg, err)
				continue
			}
			if err := a.ReplyTo(msg, agos.Inform, result); err != nil {
				a.Logger().Warn("evac: reply failed", "err", err)
			}
		default:
			a.FailTo(msg, fmt.Errorf("unsupported request %q", msg.Body.Kind()))
		}
	}
	return nil
}

// HandleDistress runs the full distress pipeline: classify, route to
// the best center, generate instructions, record.
func (a *Agent) HandleDistress(ctx context.Context, call agos.DistressCall) agos.DistressResult {
	assessment := a.classify(ctx, call.Message)

	req := agos.FindEvacuationCenter{Lat: call.Lat, Lon: call.Lon}
	if a.forceSafest {
		req.Mode = agos.ModeSafest
	}

	var evacuation agos.EvacuationResult
	if a.finder != nil {
		result, err := a.finder.FindCenter(ctx, req)
		if err != nil {
			a.Logger().Warn("evac: center lookup failed", "err", err)
			evacuation = agos.EvacuationResult{Status: agos.RouteImpassable}
		} else {
			evacuation = result
		}
	} else {
		evacuation = agos.EvacuationResult{Status: agos.RouteImpassable}
	}

	result := agos.DistressResult{
		Urgency:      assessment.Urgency,
		Evacuation:   evacuation,
		Instructions: a.instructions(ctx, call, assessment, evacuation),
	}

	a.mu.Lock()
	a.history = append(a.history, CallRecord{Call: call, Result: result, HandledAt: a.now()})
	if len(a.history) > a.maxHistory {
		a.history = a.history[len(a.history)-a.maxHistory:]
	}
	a.mu.Unlock()

	a.Logger().Info("evac: distress handled",
		"urgency", result.Urgency, "center", evacuation.Center.Name,
		"status", evacuation.Status)
	return result
}

// classify runs the LLM assessment with the documented defaults on
// failure: medium urgency, no special conditions.
func (a *Agent) classify(ctx context.Context, message string) agos.DistressAssessment {
	if a.llm != nil {
		if da, ok := a.llm.ClassifyDistress(ctx, message); ok {
			return da
		}
	}
	return agos.DistressAssessment{Urgency: "medium"}
}

// instructions asks the LLM for a short evacuation briefing and falls
// back to a fixed bilingual message.
func (a *Agent) instructions(ctx context.Context, call agos.DistressCall, da agos.DistressAssessment, ev agos.EvacuationResult) string {
	if a.llm != nil {
		prompt := fmt.Sprintf(
			"Write 2-3 sentences of calm evacuation instructions for a resident. "+
				"Urgency: %s. Nearest center: %s (%.0f min away, route status %s). "+
				"Their message: %q",
			da.Urgency, ev.Center.Name, ev.Route.EstTimeMin, ev.Status, call.Message)
		if out, err := a.llm.TextChat(ctx, prompt); err == nil {
			if s := strings.TrimSpace(out); s != "" {
				return s
			}
		}
	}
	if ev.Status == agos.RouteOK && ev.Center.Name != "" {
		return fmt.Sprintf(
			"Proceed to %s, about %.0f minutes away, and follow the safest marked route. "+
				"Pumunta po kayo sa %s at sundan ang pinakaligtas na daan. "+
				"Bring water, medicine, and identification.",
			ev.Center.Name, ev.Route.EstTimeMin, ev.Center.Name)
	}
	return "Move to the highest floor or elevated ground nearby and wait for rescuers. " +
		"Pumunta po kayo sa pinakamataas na lugar at hintayin ang mga rescuer. " +
		"Keep your phone dry and conserve its battery."
}

// History returns a copy of the recorded distress calls, newest last.
func (a *Agent) History() []CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]CallRecord(nil), a.history...)
}

// feedbackConfidence maps a feedback type to the trust placed in it.
// Blocked reports with a photo are the most trusted.
func feedbackConfidence(typ agos.ReportType, hasPhoto bool) float64 {
	switch typ {
	case agos.ReportBlocked:
		if hasPhoto {
			return 0.9
		}
		return 0.8
	case agos.ReportFlooded:
		return 0.7
	case agos.ReportClear:
		return 0.6
	default: // traffic and anything else
		return 0.5
	}
}

// feedbackSeverity fills a default severity when the user gave none.
func feedbackSeverity(fb Feedback) float64 {
	if fb.Severity > 0 {
		if fb.Severity > 1 {
			return 1
		}
		return fb.Severity
	}
	switch fb.Type {
	case agos.ReportBlocked:
		return 0.8
	case agos.ReportFlooded:
		return 0.6
	case agos.ReportTraffic:
		return 0.3
	default:
		return 0
	}
}

// SubmitFeedback converts user feedback into a synthesized scout
// report and INFORMs the hazard agent.
func (a *Agent) SubmitFeedback(ctx context.Context, fb Feedback) error {
	if fb.Location == "" && !fb.HasCoords {
		return &agos.ErrComm{Agent: a.ID(), Message: "feedback carries no location"}
	}
	text := fb.Description
	if text == "" {
		text = fmt.Sprintf("user feedback: %s at %s", fb.Type, fb.Location)
	}
	report := agos.ScoutReport{
		Location:   fb.Location,
		Lat:        fb.Lat,
		Lon:        fb.Lon,
		HasCoords:  fb.HasCoords,
		Severity:   feedbackSeverity(fb),
		Confidence: feedbackConfidence(fb.Type, fb.HasPhoto),
		Type:       fb.Type,
		Passable:   fb.Type == agos.ReportClear,
		Text:       text,
		Timestamp:  a.now().Unix(),
	}
	batch := agos.ScoutReportBatch{
		Reports:     []agos.ScoutReport{report},
		ReportCount: 1,
		Version:     agos.ProcessingVersion,
	}
	if err := a.Send(agos.Inform, agos.AgentHazard, batch); err != nil {
		return err
	}
	a.Logger().Debug("evac: feedback forwarded",
		"type", fb.Type, "route_id", fb.RouteID, "confidence", report.Confidence)
	return nil
}
