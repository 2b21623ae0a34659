package collect

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

const (
	defaultCycleInterval = 300 * time.Second
	defaultDedupeSize    = 5000
	failureAlertAfter    = 3
)

// LevelCritical is logged when the collector has had several
// consecutive empty cycles and the system is running on stale data.
const LevelCritical = slog.Level(12)

// Agent is the flood collector. Each cycle it pulls every configured
// source, classifies the readings, and INFORMs the hazard agent with
// one FloodDataBatch. It also answers CollectData requests by forcing
// a cycle within the same step.
type Agent struct {
	agos.BaseAgent
	gauges     GaugeSource
	dams       DamSource
	weather    WeatherSource
	advisories []AdvisorySource
	llm        *agos.LLMService
	sim        *Simulator

	stationFilter []string
	riverDefaults RiverThresholds
	damDefaults   DamThresholds
	rain          RainfallThresholds
	areas         []string
	interval      time.Duration
	now           func() time.Time

	mu          sync.Mutex
	dedupe      *dedupeRing
	lastCycle   time.Time
	lastSuccess time.Time
	failures    int

	inFlight atomic.Bool
}

// Option configures a collector Agent.
type Option func(*Agent)

// WithGauges sets the river gauge source.
func WithGauges(s GaugeSource) Option { return func(a *Agent) { a.gauges = s } }

// WithDams sets the dam level source.
func WithDams(s DamSource) Option { return func(a *Agent) { a.dams = s } }

// WithWeather sets the rainfall source.
func WithWeather(s WeatherSource) Option { return func(a *Agent) { a.weather = s } }

// WithAdvisories appends advisory sources.
func WithAdvisories(sources ...AdvisorySource) Option {
	return func(a *Agent) { a.advisories = append(a.advisories, sources...) }
}

// WithLLM enables structured advisory parsing through the LLM facade.
// The rule-based parser remains the fallback.
func WithLLM(s *agos.LLMService) Option { return func(a *Agent) { a.llm = s } }

// WithSimulator enables the simulated fallback generator, used when
// every live source fails.
func WithSimulator(s *Simulator) Option { return func(a *Agent) { a.sim = s } }

// WithStationFilter keeps only stations whose name contains one of the
// given substrings (case-insensitive). Empty keeps all stations.
func WithStationFilter(substrings ...string) Option {
	return func(a *Agent) {
		a.stationFilter = a.stationFilter[:0]
		for _, s := range substrings {
			a.stationFilter = append(a.stationFilter, strings.ToLower(s))
		}
	}
}

// WithRiverDefaults overrides the fallback station thresholds.
func WithRiverDefaults(th RiverThresholds) Option {
	return func(a *Agent) { a.riverDefaults = th }
}

// WithDamDefaults overrides the fallback dam deviation steps.
func WithDamDefaults(th DamThresholds) Option {
	return func(a *Agent) { a.damDefaults = th }
}

// WithRainfallThresholds overrides the intensity cut points.
func WithRainfallThresholds(th RainfallThresholds) Option {
	return func(a *Agent) { a.rain = th }
}

// WithKnownAreas sets the area names matched against advisory text.
func WithKnownAreas(areas []string) Option {
	return func(a *Agent) { a.areas = areas }
}

// WithInterval overrides the collection cycle interval.
func WithInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.interval = d
		}
	}
}

// withClock replaces the time source in tests.
func withClock(fn func() time.Time) Option {
	return func(a *Agent) { a.now = fn }
}

// NewAgent registers the collector on the bus.
func NewAgent(bus *agos.Bus, logger *slog.Logger, opts ...Option) (*Agent, error) {
	base, err := agos.NewBaseAgent(agos.AgentCollector, bus, logger)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		BaseAgent:     base,
		stationFilter: []string{"marikina"},
		riverDefaults: DefaultRiverThresholds(),
		damDefaults:   DefaultDamThresholds(),
		rain:          DefaultRainfallThresholds(),
		interval:      defaultCycleInterval,
		now:           time.Now,
		dedupe:        newDedupeRing(defaultDedupeSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Step answers forced-collection requests synchronously and kicks off
// the periodic cycle in a worker when it is due. The periodic pull
// never blocks the scheduler tick.
func (a *Agent) Step(ctx context.Context) error {
	for _, msg := range a.Drain(0) {
		switch msg.Body.(type) {
		case agos.CollectData:
			if msg.Performative != agos.Request {
				continue
			}
			batch := a.Collect(ctx)
			if err := a.Send(agos.Inform, agos.AgentHazard, batch); err != nil {
				a.Logger().Warn("collect: hazard inform failed", "err", err)
			}
			if err := a.ReplyTo(msg, agos.Inform, batch); err != nil {
				a.Logger().Warn("collect: reply failed", "err", err)
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
			batch := a.Collect(ctx)
			if ctx.Err() != nil {
				return
			}
			if err := a.Send(agos.Inform, agos.AgentHazard, batch); err != nil {
				a.Logger().Warn("collect: hazard inform failed", "err", err)
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

// Collect runs one full collection cycle and returns the batch. When
// every source fails the simulated generator (if configured) stands in
// and the batch is flagged as simulated.
func (a *Agent) Collect(ctx context.Context) agos.FloodDataBatch {
	now := a.now()
	entries := make(map[string]agos.FloodEntry)
	riverAlert := false
	sourcesOK := 0

	if a.gauges != nil {
		if n, alert := a.collectRivers(ctx, entries, now); n > 0 {
			sourcesOK++
			riverAlert = riverAlert || alert
		}
	}
	if a.dams != nil && a.collectDams(ctx, entries, now) > 0 {
		sourcesOK++
	}
	if a.weather != nil && a.collectRainfall(ctx, entries, now) > 0 {
		sourcesOK++
	}
	if len(a.advisories) > 0 && a.collectAdvisories(ctx, entries, now) > 0 {
		sourcesOK++
	}

	a.mu.Lock()
	if sourcesOK == 0 {
		a.failures++
		failures := a.failures
		sinceSuccess := time.Duration(0)
		if !a.lastSuccess.IsZero() {
			sinceSuccess = now.Sub(a.lastSuccess)
		}
		a.mu.Unlock()
		if failures >= failureAlertAfter {
			a.Logger().Log(ctx, LevelCritical, "collect: all sources failing",
				"consecutive_failures", failures,
				"since_last_success", sinceSuccess)
		}
		if a.sim != nil {
			a.Logger().Info("collect: using simulated fallback")
			return a.sim.Batch(now)
		}
		return agos.FloodDataBatch{Entries: entries, CollectedAt: now}
	}
	a.failures = 0
	a.lastSuccess = now
	a.mu.Unlock()

	a.Logger().Debug("collect: cycle complete",
		"entries", len(entries), "sources_ok", sourcesOK, "river_alert", riverAlert)
	return agos.FloodDataBatch{
		Entries:     entries,
		RiverAlert:  riverAlert,
		CollectedAt: now,
	}
}

func (a *Agent) collectRivers(ctx context.Context, entries map[string]agos.FloodEntry, now time.Time) (int, bool) {
	stations, err := a.gauges.Stations(ctx)
	if err != nil {
		a.Logger().Warn("collect: river source failed", "err", err)
		return 0, false
	}
	riverAlert := false
	kept := 0
	for _, st := range stations {
		if !a.stationMatches(st.Name) {
			continue
		}
		th := RiverThresholds{AlertM: st.AlertM, AlarmM: st.AlarmM, CriticalM: st.CriticalM}
		if th.AlertM == 0 || th.AlarmM == 0 || th.CriticalM == 0 {
			th = a.riverDefaults
		}
		status, risk := classifyRiver(st.WaterLevelM, th)
		if risk >= 0.5 {
			riverAlert = true
		}
		upsert(entries, agos.FloodEntry{
			Location:   st.Name,
			RiskScore:  risk,
			Status:     status,
			WaterLevel: st.WaterLevelM,
			Source:     "river_gauge",
			Timestamp:  now.Unix(),
		})
		kept++
	}
	return kept, riverAlert
}

func (a *Agent) collectDams(ctx context.Context, entries map[string]agos.FloodEntry, now time.Time) int {
	dams, err := a.dams.Dams(ctx)
	if err != nil {
		a.Logger().Warn("collect: dam source failed", "err", err)
		return 0
	}
	for _, d := range dams {
		if d.AlertDevM == 0 && d.AlarmDevM == 0 && d.CriticalDevM == 0 {
			d.AlertDevM = a.damDefaults.AlertDevM
			d.AlarmDevM = a.damDefaults.AlarmDevM
			d.CriticalDevM = a.damDefaults.CriticalDevM
		}
		status, risk := classifyDam(d)
		upsert(entries, agos.FloodEntry{
			Location:   d.Name,
			RiskScore:  risk,
			Status:     status,
			WaterLevel: d.RWLMeters,
			Source:     "dam",
			Timestamp:  now.Unix(),
		})
	}
	return len(dams)
}

func (a *Agent) collectRainfall(ctx context.Context, entries map[string]agos.FloodEntry, now time.Time) int {
	readings, err := a.weather.Rainfall(ctx)
	if err != nil {
		a.Logger().Warn("collect: weather source failed", "err", err)
		return 0
	}
	for _, r := range readings {
		band, risk := classifyRainfall(r.MMPerHr, a.rain)
		upsert(entries, agos.FloodEntry{
			Location:  r.Location,
			RiskScore: risk,
			Status:    band,
			Source:    "rainfall",
			Timestamp: now.Unix(),
		})
	}
	return len(readings)
}

func (a *Agent) collectAdvisories(ctx context.Context, entries map[string]agos.FloodEntry, now time.Time) int {
	parsed := 0
	for _, src := range a.advisories {
		docs, err := src.Advisories(ctx)
		if err != nil {
			a.Logger().Warn("collect: advisory source failed", "err", err)
			continue
		}
		for _, doc := range docs {
			a.mu.Lock()
			dup := a.dedupe.seen(doc.Text)
			a.mu.Unlock()
			if dup {
				continue
			}
			adv := a.parseAdvisory(ctx, doc.Text)
			risk := advisoryRisk(adv.WarningColor)
			areas := adv.AffectedAreas
			if len(areas) == 0 {
				areas = []string{"Marikina"}
			}
			for _, area := range areas {
				upsert(entries, agos.FloodEntry{
					Location:  area,
					RiskScore: risk,
					Status:    adv.Type,
					Source:    "advisory",
					Timestamp: now.Unix(),
				})
			}
			parsed++
		}
	}
	return parsed
}

// parseAdvisory tries the LLM first and falls back to the rule-based
// parser on any failure.
func (a *Agent) parseAdvisory(ctx context.Context, text string) agos.Advisory {
	if a.llm != nil {
		if adv, ok := a.llm.ParseAdvisory(ctx, text); ok {
			return adv
		}
	}
	return parseAdvisoryRules(text, a.areas)
}

func (a *Agent) stationMatches(name string) bool {
	if len(a.stationFilter) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, f := range a.stationFilter {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// upsert keeps the higher-risk entry when two sources cover the same
// location.
func upsert(entries map[string]agos.FloodEntry, e agos.FloodEntry) {
	key := strings.ToLower(e.Location)
	if prev, ok := entries[key]; ok && prev.RiskScore >= e.RiskScore {
		return
	}
	entries[key] = e
}
