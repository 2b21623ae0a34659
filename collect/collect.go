// Package collect pulls river gauge, dam, rainfall, and weather
// advisory data from external sources, classifies readings into risk
// scores, and emits batched flood observations to the hazard agent.
package collect

import "context"

// StationReading is one river gauge observation. Threshold fields are
// zero when the feed omits them; the agent then applies its configured
// defaults.
type StationReading struct {
	Name        string
	WaterLevelM float64
	AlertM      float64
	AlarmM      float64
	CriticalM   float64
}

// DamReading is one dam level observation.
type DamReading struct {
	Name         string
	RWLMeters    float64 // reservoir water level
	NHWLMeters   float64 // normal high water level
	AlertDevM    float64 // deviations above NHWL per escalation step
	AlarmDevM    float64
	CriticalDevM float64
}

// RainReading is rainfall intensity observed at a named area.
type RainReading struct {
	Location string
	MMPerHr  float64
}

// AdvisoryDoc is one raw advisory document before parsing.
type AdvisoryDoc struct {
	Title string
	Text  string
	Link  string
}

// GaugeSource provides river station readings.
type GaugeSource interface {
	Stations(ctx context.Context) ([]StationReading, error)
}

// DamSource provides dam level readings.
type DamSource interface {
	Dams(ctx context.Context) ([]DamReading, error)
}

// WeatherSource provides rainfall intensity readings.
type WeatherSource interface {
	Rainfall(ctx context.Context) ([]RainReading, error)
}

// AdvisorySource provides raw advisory documents.
type AdvisorySource interface {
	Advisories(ctx context.Context) ([]AdvisoryDoc, error)
}

// RiverThresholds are the fallback water levels used when a station
// carries no thresholds of its own. Defaults follow the Sto. Nino
// gauge on the Marikina River.
type RiverThresholds struct {
	AlertM    float64
	AlarmM    float64
	CriticalM float64
}

// DefaultRiverThresholds returns the Marikina River defaults.
func DefaultRiverThresholds() RiverThresholds {
	return RiverThresholds{AlertM: 15.0, AlarmM: 16.0, CriticalM: 18.0}
}

// DamThresholds are the fallback deviation steps above normal high
// water level used when a dam reading carries none of its own.
type DamThresholds struct {
	AlertDevM    float64
	AlarmDevM    float64
	CriticalDevM float64
}

// DefaultDamThresholds returns the deployed escalation steps.
func DefaultDamThresholds() DamThresholds {
	return DamThresholds{AlertDevM: 0.2, AlarmDevM: 0.5, CriticalDevM: 1.0}
}

// RainfallThresholds are the mm/hr cut points for intensity bands.
// Above Extreme is torrential.
type RainfallThresholds struct {
	Light    float64
	Moderate float64
	Heavy    float64
	Extreme  float64
}

// DefaultRainfallThresholds returns the PAGASA intensity cut points.
func DefaultRainfallThresholds() RainfallThresholds {
	return RainfallThresholds{Light: 2.5, Moderate: 7.5, Heavy: 15, Extreme: 30}
}

// classifyRiver maps a water level to a status and risk score using
// the station's own thresholds.
func classifyRiver(levelM float64, th RiverThresholds) (status string, risk float64) {
	switch {
	case levelM >= th.CriticalM:
		return "critical", 1.0
	case levelM >= th.AlarmM:
		return "alarm", 0.8
	case levelM >= th.AlertM:
		return "alert", 0.5
	default:
		return "normal", 0.2
	}
}

// classifyDam maps a dam reading to a status and risk score by its
// deviation above normal high water level. Escalation steps with a
// zero threshold are skipped.
func classifyDam(d DamReading) (status string, risk float64) {
	dev := d.RWLMeters - d.NHWLMeters
	switch {
	case dev < 0:
		return "normal", 0.1
	case d.CriticalDevM > 0 && dev >= d.CriticalDevM:
		return "critical", 1.0
	case d.AlarmDevM > 0 && dev >= d.AlarmDevM:
		return "alarm", 0.8
	case d.AlertDevM > 0 && dev >= d.AlertDevM:
		return "alert", 0.5
	default:
		return "watch", 0.3
	}
}

// classifyRainfall maps an intensity in mm/hr to a band and risk score.
func classifyRainfall(mmHr float64, th RainfallThresholds) (band string, risk float64) {
	switch {
	case mmHr <= th.Light:
		return "light", 0.1
	case mmHr <= th.Moderate:
		return "moderate", 0.3
	case mmHr <= th.Heavy:
		return "heavy", 0.6
	case mmHr <= th.Extreme:
		return "extreme", 0.8
	default:
		return "torrential", 1.0
	}
}

// advisoryRisk maps a warning color to a risk score.
func advisoryRisk(color string) float64 {
	switch color {
	case "red":
		return 0.8
	case "orange":
		return 0.5
	case "yellow":
		return 0.3
	default:
		return 0.2
	}
}
