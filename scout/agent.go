package scout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevindra/agos"
)

const defaultCycleInterval = 300 * time.Second

// RawPost is one crowdsourced post before processing.
type RawPost struct {
	TweetID   string
	Username  string
	Text      string
	Timestamp int64 // unix seconds
	URL       string
	ImagePath string // empty when the post carries no image
}

// SocialSource provides raw posts to process.
type SocialSource interface {
	Posts(ctx context.Context) ([]RawPost, error)
}

// Geocoder resolves a location name to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, name string) (lat, lon float64, ok bool)
}

// TableGeocoder is a Geocoder over a fixed name table. Lookup is
// case-insensitive.
type TableGeocoder map[string][2]float64

func (t TableGeocoder) Geocode(_ context.Context, name string) (float64, float64, bool) {
	for k, v := range t {
		if strings.EqualFold(k, strings.TrimSpace(name)) {
			return v[0], v[1], true
		}
	}
	return 0, 0, false
}

// Agent turns raw posts into normalized scout reports and INFORMs the
// hazard agent with one batch per cycle.
type Agent struct {
	agos.BaseAgent
	source       SocialSource
	llm          *agos.LLMService
	geocoder     Geocoder
	locations    []string // known location names for the rule-based parser
	interval     time.Duration
	keepUnplaced bool
	now          func() time.Time

	mu        sync.Mutex
	lastCycle time.Time
	seen      map[string]struct{} // processed post ids

	inFlight atomic.Bool
}

// Option configures a scout Agent.
type Option func(*Agent)

// WithSource sets the social post source.
func WithSource(s SocialSource) Option { return func(a *Agent) { a.source = s } }

// WithLLM enables LLM text and vision analysis. The rule-based
// pipeline remains the fallback.
func WithLLM(s *agos.LLMService) Option { return func(a *Agent) { a.llm = s } }

// WithGeocoder sets the location resolver.
func WithGeocoder(g Geocoder) Option { return func(a *Agent) { a.geocoder = g } }

// WithKnownLocations sets the names the rule-based parser matches.
func WithKnownLocations(names []string) Option {
	return func(a *Agent) { a.locations = names }
}

// WithInterval overrides the cycle interval.
func WithInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithKeepUnplaced keeps reports whose location could not be geocoded.
// The hazard agent can still place them through its own table.
func WithKeepUnplaced() Option { return func(a *Agent) { a.keepUnplaced = true } }

// withClock replaces the time source in tests.
func withClock(fn func() time.Time) Option {
	return func(a *Agent) { a.now = fn }
}

// NewAgent registers the scout agent on the bus.
func NewAgent(bus *agos.Bus, logger *slog.Logger, opts ...Option) (*Agent, error) {
	base, err := agos.NewBaseAgent(agos.AgentScout, bus, logger)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		BaseAgent: base,
		interval:  defaultCycleInterval,
		now:       time.Now,
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Step answers forced-collection requests synchronously and runs the
// periodic cycle in a worker when due.
func (a *Agent) Step(ctx context.Context) error {
	for _, msg := range a.Drain(0) {
		switch msg.Body.(type) {
		case agos.CollectData:
			if msg.Performative != agos.Request {
				continue
			}
			batch := a.Cycle(ctx)
			if err := a.Send(agos.Inform, agos.AgentHazard, batch); err != nil {
				a.Logger().Warn("scout: hazard inform failed", "err", err)
			}
			if err := a.ReplyTo(msg, agos.Inform, batch); err != nil {
				a.Logger().Warn("scout: reply failed", "err", err)
			}
		default:
			if msg.Performative == agos.Request {
				a.FailTo(msg, fmt.Errorf("unsupported request %q", msg.Body.Kind()))
			}
		}
	}

	if a.cycleDue() && a.inFlight.CompareAndSwap(false, true) {
		go func() {
			defer a.inFlight.Store(false)
			batch := a.Cycle(ctx)
			if ctx.Err() != nil || len(batch.Reports) == 0 {
				return
			}
			if err := a.Send(agos.Inform, agos.AgentHazard, batch); err != nil {
				a.Logger().Warn("scout: hazard inform failed", "err", err)
			}
		}()
	}
	return nil
}

func (a *Agent) cycleDue() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if !a.lastCycle.IsZero() && now.Sub(a.lastCycle) < a.interval {
		return false
	}
	a.lastCycle = now
	return true
}

// Cycle pulls and processes all new posts, returning the batch.
func (a *Agent) Cycle(ctx context.Context) agos.ScoutReportBatch {
	batch := agos.ScoutReportBatch{Version: agos.ProcessingVersion}
	if a.source == nil {
		return batch
	}
	posts, err := a.source.Posts(ctx)
	if err != nil {
		a.Logger().Warn("scout: source failed", "err", err)
		return batch
	}
	for _, post := range posts {
		if a.alreadySeen(post) {
			continue
		}
		report, ok := a.Process(ctx, post)
		if !ok {
			continue
		}
		batch.Reports = append(batch.Reports, report)
		if report.Visual != nil {
			batch.VisualCount++
		}
	}
	batch.ReportCount = len(batch.Reports)
	a.Logger().Debug("scout: cycle complete",
		"posts", len(posts), "reports", batch.ReportCount, "visual", batch.VisualCount)
	return batch
}

func (a *Agent) alreadySeen(post RawPost) bool {
	key := post.TweetID
	if key == "" {
		key = post.Username + "|" + post.Text
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[key]; ok {
		return true
	}
	a.seen[key] = struct{}{}
	return false
}

// Process runs the full pipeline on one post: vision, text analysis,
// fusion, geocoding, assembly. Returns ok=false when the post yields no
// usable observation.
func (a *Agent) Process(ctx context.Context, post RawPost) (agos.ScoutReport, bool) {
	var visual *agos.VisualEvidence
	if post.ImagePath != "" && a.llm != nil {
		if ve, ok := a.llm.AnalyzeFloodImage(ctx, post.ImagePath); ok {
			visual = &ve
		}
	}

	ta, ok := a.analyzeText(ctx, post.Text)
	if !ok && visual == nil {
		return agos.ScoutReport{}, false
	}

	// Fusion: the stronger of image and text severity wins. Confident
	// visual evidence of significant flooding pins confidence high.
	severity := ta.Severity
	if visual != nil && visual.RiskScore > severity {
		severity = visual.RiskScore
	}
	confidence := ta.Confidence
	if visual != nil && severity > 0.5 {
		confidence = 0.9
	}

	report := agos.ScoutReport{
		Location:   ta.Location,
		Severity:   severity,
		Confidence: confidence,
		Type:       ta.ReportType,
		Passable:   ta.Passable,
		Text:       post.Text,
		Visual:     visual,
		Timestamp:  a.postTime(post),
	}
	if report.Type == "" {
		report.Type = agos.ReportObservation
	}

	if report.Location != "" && a.geocoder != nil {
		if lat, lon, found := a.geocoder.Geocode(ctx, report.Location); found {
			report.Lat, report.Lon = lat, lon
			report.HasCoords = true
		}
	}
	// Named but ungeocoded reports pass through; the hazard agent has
	// its own location table. Fully unplaced reports are dropped.
	if !report.HasCoords && report.Location == "" && !a.keepUnplaced {
		return agos.ScoutReport{}, false
	}
	return report, true
}

// analyzeText prefers the LLM extraction and falls back to the
// rule-based parser.
func (a *Agent) analyzeText(ctx context.Context, text string) (agos.TextAnalysis, bool) {
	if a.llm != nil {
		if ta, ok := a.llm.AnalyzeTextReport(ctx, text); ok {
			return ta, true
		}
	}
	return analyzeTextRules(text, a.locations)
}

func (a *Agent) postTime(post RawPost) int64 {
	if post.Timestamp > 0 {
		return post.Timestamp
	}
	return a.now().Unix()
}
