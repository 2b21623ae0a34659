// Package config loads the runtime configuration: defaults, then an
// agos.toml file, then AGOS_* environment overrides. Unknown keys in
// the file are rejected so typos fail at startup instead of silently
// falling back to defaults.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Runtime     RuntimeConfig    `toml:"runtime"`
	Gateway     GatewayConfig    `toml:"gateway"`
	LLM         LLMConfig        `toml:"llm"`
	Sources     SourcesConfig    `toml:"sources"`
	RiskWeights RiskWeights      `toml:"risk_weights"`
	DepthToRisk DepthToRisk      `toml:"depth_to_risk"`
	Rainfall    RainfallConfig   `toml:"rainfall_thresholds_mm"`
	WaterLevel  LevelThresholds  `toml:"water_level"`
	Dam         LevelThresholds  `toml:"dam"`
	RiskPenalty RiskPenalties    `toml:"risk_penalties"`
	VisualOver  VisualOverride   `toml:"visual_override"`
	Missions    MissionConfig    `toml:"missions"`
	Coordinates CoordinateBounds `toml:"coordinates"`
	Database    DatabaseConfig   `toml:"database"`
	Observer    ObserverConfig   `toml:"observer"`

	// Known locations (barangay name to [lat, lon]) used for geocoding
	// fallbacks. Merged over the built-in Marikina set.
	Locations map[string][2]float64 `toml:"locations"`
}

type RuntimeConfig struct {
	TickIntervalSeconds   float64 `toml:"tick_interval_seconds"`
	FloodUpdateIntervalS  int     `toml:"flood_update_interval_sec"`
	ScoutTTLMinutes       int     `toml:"scout_ttl_minutes"`
	FloodTTLMinutes       int     `toml:"flood_ttl_minutes"`
	MaxNodeDistanceM      float64 `toml:"max_node_distance_m"`
	CriticalRiskThreshold float64 `toml:"critical_risk_threshold"`
	RiskRadiusM           float64 `toml:"risk_radius_m"`
	GraphPath             string  `toml:"graph_path"`
	CentersCSV            string  `toml:"centers_csv"`
	RasterDir             string  `toml:"raster_dir"`
	SnapshotPath          string  `toml:"snapshot_path"`
	SnapshotIntervalSec   int     `toml:"snapshot_interval_sec"`
}

type GatewayConfig struct {
	ListenAddr          string `toml:"listen_addr"`
	RiskFeedIntervalSec int    `toml:"risk_feed_interval_sec"`
}

type LLMConfig struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	Model       string `toml:"model"`
	VisionModel string `toml:"vision_model"`

	// Client-side throttles for the backend's quota. Zero disables the
	// corresponding limit.
	RequestsPerMinute int `toml:"requests_per_minute"`
	TokensPerMinute   int `toml:"tokens_per_minute"`
}

type SourcesConfig struct {
	GaugesURL     string   `toml:"gauges_url"`
	DamsURL       string   `toml:"dams_url"`
	WeatherURL    string   `toml:"weather_url"`
	AdvisoryRSS   string   `toml:"advisory_rss"`
	BulletinDir   string   `toml:"bulletin_dir"`
	StationFilter string   `toml:"station_filter"`
	Simulate      bool     `toml:"simulate"`
	SimulateSeed  int64    `toml:"simulate_seed"`
	SimLocations  []string `toml:"sim_locations"`
}

type RiskWeights struct {
	FloodDepth   float64 `toml:"flood_depth"`
	Crowdsourced float64 `toml:"crowdsourced"`
	Historical   float64 `toml:"historical"`
}

type DepthToRisk struct {
	Method            string  `toml:"method"`
	SigmoidSteepness  float64 `toml:"sigmoid_steepness"`
	SigmoidInflection float64 `toml:"sigmoid_inflection"`
	MaxDepthM         float64 `toml:"max_depth_m"`
}

type RainfallConfig struct {
	Light    float64 `toml:"light"`
	Moderate float64 `toml:"moderate"`
	Heavy    float64 `toml:"heavy"`
	Extreme  float64 `toml:"extreme"`
}

// LevelThresholds is a three-step escalation ladder in meters. For
// water_level the steps are absolute gauge heights; for dam they are
// deviations above normal high water level.
type LevelThresholds struct {
	AlertM    float64 `toml:"alert_m"`
	AlarmM    float64 `toml:"alarm_m"`
	CriticalM float64 `toml:"critical_m"`
}

type RiskPenalties struct {
	Safest   float64 `toml:"safest"`
	Balanced float64 `toml:"balanced"`
	Fastest  float64 `toml:"fastest"`
}

type VisualOverride struct {
	RiskThreshold       float64 `toml:"risk_threshold"`
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
}

type MissionConfig struct {
	TimeoutDefaultSec   int `toml:"timeout_default_sec"`
	TimeoutAssessSec    int `toml:"timeout_assess_risk_sec"`
	TimeoutEvacSec      int `toml:"timeout_coordinated_evacuation_sec"`
	TimeoutRouteSec     int `toml:"timeout_route_calculation_sec"`
	TimeoutCascadeSec   int `toml:"timeout_cascade_risk_update_sec"`
	MaxConcurrent       int `toml:"max_concurrent_missions"`
	MaxCompletedHistory int `toml:"max_completed_history"`
	MaxChatTurns        int `toml:"max_chat_turns"`
}

type CoordinateBounds struct {
	MinLat float64 `toml:"min_lat"`
	MaxLat float64 `toml:"max_lat"`
	MinLon float64 `toml:"min_lon"`
	MaxLon float64 `toml:"max_lon"`
}

type DatabaseConfig struct {
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled  bool                       `toml:"enabled"`
	Endpoint string                     `toml:"endpoint"`
	Pricing  map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied. The values match
// the Marikina deployment: Sto. Nino gauge thresholds, PAGASA rainfall
// cut points, and the city's coordinate envelope.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			TickIntervalSeconds:   1.0,
			FloodUpdateIntervalS:  300,
			ScoutTTLMinutes:       45,
			FloodTTLMinutes:       90,
			MaxNodeDistanceM:      500,
			CriticalRiskThreshold: 0.9,
			RiskRadiusM:           500,
			SnapshotIntervalSec:   600,
		},
		Gateway: GatewayConfig{ListenAddr: ":8080", RiskFeedIntervalSec: 5},
		LLM:     LLMConfig{Model: "gpt-4o-mini", VisionModel: "gpt-4o"},
		Sources: SourcesConfig{StationFilter: "marikina"},
		RiskWeights: RiskWeights{
			FloodDepth:   0.5,
			Crowdsourced: 0.3,
			Historical:   0.2,
		},
		DepthToRisk: DepthToRisk{
			Method:            "breakpoints",
			SigmoidSteepness:  4.0,
			SigmoidInflection: 0.7,
			MaxDepthM:         3.0,
		},
		Rainfall:    RainfallConfig{Light: 2.5, Moderate: 7.5, Heavy: 15, Extreme: 30},
		WaterLevel:  LevelThresholds{AlertM: 15, AlarmM: 16, CriticalM: 18},
		Dam:         LevelThresholds{AlertM: 0.2, AlarmM: 0.5, CriticalM: 1.0},
		RiskPenalty: RiskPenalties{Safest: 100, Balanced: 3, Fastest: 0},
		VisualOver:  VisualOverride{RiskThreshold: 0.7, ConfidenceThreshold: 0.75},
		Missions: MissionConfig{
			TimeoutDefaultSec:   120,
			TimeoutAssessSec:    120,
			TimeoutEvacSec:      180,
			TimeoutRouteSec:     60,
			TimeoutCascadeSec:   120,
			MaxConcurrent:       10,
			MaxCompletedHistory: 50,
			MaxChatTurns:        10,
		},
		Coordinates: CoordinateBounds{
			MinLat: 14.60, MaxLat: 14.70,
			MinLon: 121.05, MaxLon: 121.15,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// A missing file is fine; a malformed file or an unknown key is not.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "agos.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, &ParseError{Path: path, Err: err}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return cfg, &UnknownKeyError{Path: path, Keys: keys}
		}
	}

	// Env overrides
	if v := os.Getenv("AGOS_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("AGOS_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGOS_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("AGOS_LISTEN_ADDR"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if v := os.Getenv("AGOS_SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("AGOS_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("AGOS_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("AGOS_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("AGOS_SIMULATE"); v == "true" || v == "1" {
		cfg.Sources.Simulate = true
	}

	return cfg, cfg.Validate()
}

// ParseError reports a malformed config file.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnknownKeyError reports keys the config schema does not define.
type UnknownKeyError struct {
	Path string
	Keys []string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("config %s: unknown keys: %s", e.Path, strings.Join(e.Keys, ", "))
}

// InvalidError reports a config value that fails validation.
type InvalidError struct {
	Key     string
	Message string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config key %s: %s", e.Key, e.Message)
}

func invalid(key, msg string) error {
	return &InvalidError{Key: key, Message: msg}
}

const weightTolerance = 1e-6

// Validate checks the cross-field constraints and returns the first
// violation found.
func (c Config) Validate() error {
	if c.Runtime.TickIntervalSeconds <= 0 {
		return invalid("tick_interval_seconds", "must be positive")
	}
	if c.Runtime.FloodUpdateIntervalS <= 0 {
		return invalid("flood_update_interval_sec", "must be positive")
	}
	if c.Runtime.ScoutTTLMinutes <= 0 || c.Runtime.FloodTTLMinutes <= 0 {
		return invalid("scout_ttl_minutes", "ttls must be positive")
	}
	sum := c.RiskWeights.FloodDepth + c.RiskWeights.Crowdsourced + c.RiskWeights.Historical
	if math.Abs(sum-1.0) > weightTolerance {
		return invalid("risk_weights", fmt.Sprintf("must sum to 1.0, got %.4f", sum))
	}
	if m := c.DepthToRisk.Method; m != "breakpoints" && m != "sigmoid" {
		return invalid("depth_to_risk.method", fmt.Sprintf("unknown method %q", m))
	}
	if c.DepthToRisk.MaxDepthM <= 0 {
		return invalid("depth_to_risk.max_depth_m", "must be positive")
	}
	r := c.Rainfall
	if !(r.Light < r.Moderate && r.Moderate < r.Heavy && r.Heavy < r.Extreme) {
		return invalid("rainfall_thresholds_mm", "cut points must be strictly increasing")
	}
	w := c.WaterLevel
	if !(w.AlertM < w.AlarmM && w.AlarmM < w.CriticalM) {
		return invalid("water_level", "thresholds must be strictly increasing")
	}
	d := c.Dam
	if !(d.AlertM < d.AlarmM && d.AlarmM < d.CriticalM) {
		return invalid("dam", "deviation steps must be strictly increasing")
	}
	if c.RiskPenalty.Safest < c.RiskPenalty.Balanced || c.RiskPenalty.Balanced < c.RiskPenalty.Fastest {
		return invalid("risk_penalties", "safest >= balanced >= fastest required")
	}
	if t := c.Runtime.CriticalRiskThreshold; t <= 0 || t > 1 {
		return invalid("critical_risk_threshold", "must be in (0, 1]")
	}
	if c.Runtime.MaxNodeDistanceM <= 0 || c.Runtime.RiskRadiusM <= 0 {
		return invalid("max_node_distance_m", "distances must be positive")
	}
	// Snapshots are a coarse recovery aid, not a journal; anything more
	// frequent than 10 minutes churns disk for no benefit.
	if s := c.Runtime.SnapshotIntervalSec; s != 0 && s < 600 {
		return invalid("snapshot_interval_sec", "must be at least 600 seconds (0 for the default)")
	}
	if c.LLM.RequestsPerMinute < 0 || c.LLM.TokensPerMinute < 0 {
		return invalid("llm.requests_per_minute", "rate limits must not be negative")
	}
	v := c.VisualOver
	if v.RiskThreshold < 0 || v.RiskThreshold > 1 || v.ConfidenceThreshold < 0 || v.ConfidenceThreshold > 1 {
		return invalid("visual_override", "thresholds must be in [0, 1]")
	}
	b := c.Coordinates
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		return invalid("coordinates", "min must be below max")
	}
	m := c.Missions
	if m.MaxConcurrent <= 0 || m.MaxCompletedHistory <= 0 || m.MaxChatTurns <= 0 {
		return invalid("missions", "limits must be positive")
	}
	if m.TimeoutDefaultSec <= 0 {
		return invalid("missions.timeout_default_sec", "must be positive")
	}
	for name, loc := range c.Locations {
		if loc[0] < b.MinLat || loc[0] > b.MaxLat || loc[1] < b.MinLon || loc[1] > b.MaxLon {
			return invalid("locations", fmt.Sprintf("%q lies outside the coordinate bounds", name))
		}
	}
	return nil
}
