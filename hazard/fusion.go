// Package hazard fuses sensor feeds and crowd reports into per-edge
// flood risk on the shared road graph.
package hazard

import (
	"math"
	"time"

	"github.com/nevindra/agos"
)

// Decay and propagation tuning. TTLs and override thresholds are
// defaults; agent options replace them from config.
const (
	defaultFloodTTL = 90 * time.Minute
	defaultScoutTTL = 45 * time.Minute

	// Standing per-edge risk decays exponentially between fusion
	// cycles. Values below the floor drop to zero.
	riskDecayPerMin = 0.08
	decayFloor      = 0.01

	// Scout reports decay per minute of age. Slow during an active
	// river alert (flooding persists), fast otherwise.
	scoutDecayFast = 0.10
	scoutDecaySlow = 0.03

	// Spatial propagation: a report influences nodes within this
	// radius, falling off linearly with distance. Contributions below
	// the skip threshold are ignored.
	propagationRadiusM = 500.0
	propagationSkip    = 0.05

	// Visual evidence overrides the text analysis when it is both
	// severe and confident.
	defaultVisualRisk = 0.7
	defaultVisualConf = 0.75
)

// DepthRaster samples modeled flood depth at a coordinate. Implemented
// by offline hazard-map rasters; nil when no raster is configured.
type DepthRaster interface {
	DepthAt(lat, lon float64) (depthM float64, ok bool)
}

// ScenarioRaster is a DepthRaster whose layer can be switched between
// simulated flood scenarios.
type ScenarioRaster interface {
	DepthRaster
	SetScenario(returnPeriod string, timeStep int) error
}

// Scenario layer bounds, matching the published hazard-map set.
const (
	minScenarioStep = 1
	maxScenarioStep = 18
)

var scenarioReturnPeriods = map[string]bool{
	"5yr":   true,
	"25yr":  true,
	"100yr": true,
}

// RiskWeights blends the fusion sources. FloodDepth scales sensor and
// raster depth risk, Crowdsourced scales scout severity. Historical is
// reserved for a baseline layer.
type RiskWeights struct {
	FloodDepth   float64
	Crowdsourced float64
	Historical   float64
}

// DefaultRiskWeights returns the deployed blend.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{FloodDepth: 0.5, Crowdsourced: 0.3, Historical: 0.2}
}

// DepthCurve converts water depth in meters to a risk score. Two
// methods: "breakpoints" follows the vehicle passability bands,
// "sigmoid" is a smooth logistic alternative.
type DepthCurve struct {
	Method     string
	Steepness  float64 // sigmoid only
	Inflection float64 // sigmoid only, meters
	MaxDepthM  float64 // depths clamp here before conversion
}

// DefaultDepthCurve returns the piecewise passability curve.
func DefaultDepthCurve() DepthCurve {
	return DepthCurve{Method: "breakpoints", Steepness: 4.0, Inflection: 0.7, MaxDepthM: 3.0}
}

// Risk maps a depth to [0, 1]. Non-positive depths are risk-free.
func (c DepthCurve) Risk(depthM float64) float64 {
	if depthM <= 0 {
		return 0
	}
	if c.MaxDepthM > 0 && depthM > c.MaxDepthM {
		depthM = c.MaxDepthM
	}
	if c.Method == "sigmoid" {
		return 1 / (1 + math.Exp(-c.Steepness*(depthM-c.Inflection)))
	}
	return breakpointRisk(depthM)
}

// breakpointRisk is linear up to knee depth, then progressively
// shallower bands: cars stall well before water reaches a meter.
func breakpointRisk(d float64) float64 {
	switch {
	case d <= 0.6:
		return d
	case d <= 1.0:
		return 0.6 + 0.5*(d-0.6)
	default:
		return math.Min(0.8+0.2*(d-1.0), 1.0)
	}
}

// riskDecay returns the multiplier for standing edge risk dtMin minutes
// after the previous fusion cycle.
func riskDecay(dtMin float64) float64 {
	if dtMin <= 0 {
		return 1
	}
	return math.Exp(-riskDecayPerMin * dtMin)
}

// scoutDecay returns the multiplier for a scout report ageMin minutes
// old. Decay slows during a river alert.
func scoutDecay(ageMin float64, riverAlert bool) float64 {
	if ageMin <= 0 {
		return 1
	}
	rate := scoutDecayFast
	if riverAlert {
		rate = scoutDecaySlow
	}
	return math.Exp(-rate * ageMin)
}

// propagationFactor returns the linear falloff for a node distM away
// from a report. Zero beyond the radius.
func propagationFactor(distM float64) float64 {
	if distM >= propagationRadiusM {
		return 0
	}
	if distM <= 0 {
		return 1
	}
	return 1 - distM/propagationRadiusM
}

// visualOverrides reports whether the report's imagery is strong enough
// to replace the fused edge value outright instead of merging into it.
func visualOverrides(r agos.ScoutReport, riskThreshold, confThreshold float64) bool {
	v := r.Visual
	return v != nil && v.RiskScore >= riskThreshold && v.Confidence >= confThreshold
}

// effectiveSeverity is the report severity after the visual override:
// qualifying imagery replaces the text-derived value when higher.
func effectiveSeverity(r agos.ScoutReport, riskThreshold, confThreshold float64) float64 {
	sev := r.Severity
	if visualOverrides(r, riskThreshold, confThreshold) && r.Visual.RiskScore > sev {
		sev = r.Visual.RiskScore
	}
	return sev
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Trend thresholds: average-risk change per minute.
const trendEpsilon = 0.001

func classifyTrend(ratePerMin float64) agos.RiskTrend {
	switch {
	case ratePerMin > trendEpsilon:
		return agos.TrendIncreasing
	case ratePerMin < -trendEpsilon:
		return agos.TrendDecreasing
	default:
		return agos.TrendStable
	}
}
