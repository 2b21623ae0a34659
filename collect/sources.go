package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nevindra/agos"
)

const fetchBodyLimit = 1 << 20 // 1MB

var defaultClient = &http.Client{Timeout: 30 * time.Second}

// fetchJSON downloads a URL and decodes its JSON body into out.
func fetchJSON(ctx context.Context, client *http.Client, source, url string, out any) error {
	if client == nil {
		client = defaultClient
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return &agos.ErrCollect{Source: source, Message: "invalid URL: " + err.Error()}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; AgosBot/1.0)")
	resp, err := client.Do(req)
	if err != nil {
		return &agos.ErrCollect{Source: source, Message: "fetch: " + err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &agos.ErrCollect{Source: source,
			Message: fmt.Sprintf("http %d from %s", resp.StatusCode, url)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return &agos.ErrCollect{Source: source, Message: "read: " + err.Error()}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &agos.ErrCollect{Source: source, Message: "decode: " + err.Error()}
	}
	return nil
}

// HTTPGaugeSource reads river station records from a JSON endpoint.
type HTTPGaugeSource struct {
	URL    string
	Client *http.Client
}

type stationRecord struct {
	StationName string   `json:"station_name"`
	WaterLevelM float64  `json:"water_level_m"`
	AlertM      *float64 `json:"alert_level_m"`
	AlarmM      *float64 `json:"alarm_level_m"`
	CriticalM   *float64 `json:"critical_level_m"`
}

func (s *HTTPGaugeSource) Stations(ctx context.Context) ([]StationReading, error) {
	var records []stationRecord
	if err := fetchJSON(ctx, s.Client, "river_gauge", s.URL, &records); err != nil {
		return nil, err
	}
	readings := make([]StationReading, 0, len(records))
	for _, r := range records {
		sr := StationReading{Name: r.StationName, WaterLevelM: r.WaterLevelM}
		if r.AlertM != nil {
			sr.AlertM = *r.AlertM
		}
		if r.AlarmM != nil {
			sr.AlarmM = *r.AlarmM
		}
		if r.CriticalM != nil {
			sr.CriticalM = *r.CriticalM
		}
		readings = append(readings, sr)
	}
	return readings, nil
}

// HTTPDamSource reads dam records from a JSON endpoint.
type HTTPDamSource struct {
	URL    string
	Client *http.Client
}

type damRecord struct {
	DamName      string  `json:"dam_name"`
	RWLMeters    float64 `json:"rwl_m"`
	NHWLMeters   float64 `json:"nhwl_m"`
	AlertDevM    float64 `json:"alert_deviation_m"`
	AlarmDevM    float64 `json:"alarm_deviation_m"`
	CriticalDevM float64 `json:"critical_deviation_m"`
}

func (s *HTTPDamSource) Dams(ctx context.Context) ([]DamReading, error) {
	var records []damRecord
	if err := fetchJSON(ctx, s.Client, "dam", s.URL, &records); err != nil {
		return nil, err
	}
	readings := make([]DamReading, 0, len(records))
	for _, r := range records {
		readings = append(readings, DamReading{
			Name:         r.DamName,
			RWLMeters:    r.RWLMeters,
			NHWLMeters:   r.NHWLMeters,
			AlertDevM:    r.AlertDevM,
			AlarmDevM:    r.AlarmDevM,
			CriticalDevM: r.CriticalDevM,
		})
	}
	return readings, nil
}

// HTTPWeatherSource reads current and hourly rainfall from a JSON
// endpoint. Location names the area the forecast covers; the hourly
// array contributes its maximum intensity.
type HTTPWeatherSource struct {
	URL      string
	Location string
	Client   *http.Client
}

type weatherResponse struct {
	Current weatherEntry   `json:"current"`
	Hourly  []weatherEntry `json:"hourly"`
}

type weatherEntry struct {
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
}

func (s *HTTPWeatherSource) Rainfall(ctx context.Context) ([]RainReading, error) {
	var resp weatherResponse
	if err := fetchJSON(ctx, s.Client, "weather", s.URL, &resp); err != nil {
		return nil, err
	}
	mm := resp.Current.Rain.OneHour
	for _, h := range resp.Hourly {
		if h.Rain.OneHour > mm {
			mm = h.Rain.OneHour
		}
	}
	loc := s.Location
	if loc == "" {
		loc = "Marikina"
	}
	return []RainReading{{Location: loc, MMPerHr: mm}}, nil
}
