package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const openMeteoArchiveURL = "https://archive-api.open-meteo.com/v1/archive"

// Seongsu station.
const (
	DefaultLatitude  = 37.5445
	DefaultLongitude = 127.0565
	DefaultTimezone  = "Asia/Seoul"
)

var archiveDailyVars = "temperature_2m_mean,precipitation_sum,rain_sum,snowfall_sum"

// OpenMeteoArchive reads daily weather history for a fixed point.
type OpenMeteoArchive struct {
	http     *upstream
	baseURL  string
	lat      float64
	lon      float64
	timezone string
}

// NewOpenMeteoArchive creates an archive client. Zero coordinates fall back to Seongsu.
func NewOpenMeteoArchive(baseURL string, lat, lon float64, timezone string, opts ClientOptions) *OpenMeteoArchive {
	if baseURL == "" {
		baseURL = openMeteoArchiveURL
	}
	if lat == 0 && lon == 0 {
		lat, lon = DefaultLatitude, DefaultLongitude
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	return &OpenMeteoArchive{
		http:     newUpstream(SourceArchive, opts),
		baseURL:  baseURL,
		lat:      lat,
		lon:      lon,
		timezone: timezone,
	}
}

func (o *OpenMeteoArchive) Name() SourceType { return SourceArchive }

// FetchHistory issues one ranged request for [start, end]. An empty daily block
// yields an empty slice and no error.
func (o *OpenMeteoArchive) FetchHistory(ctx context.Context, start, end time.Time) ([]DailyWeather, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("archive range end %s before start %s",
			end.Format(DateLayout), start.Format(DateLayout))
	}

	query := map[string]string{
		"latitude":   fmt.Sprintf("%f", o.lat),
		"longitude":  fmt.Sprintf("%f", o.lon),
		"start_date": start.Format(DateLayout),
		"end_date":   end.Format(DateLayout),
		"daily":      archiveDailyVars,
		"timezone":   o.timezone,
	}
	body, err := o.http.get(ctx, o.baseURL, query)
	if err != nil {
		return nil, err
	}

	days, err := decodeArchive(body)
	if err != nil {
		return nil, &ParseError{Source: SourceArchive, Err: err}
	}
	return days, nil
}

type archiveDaily struct {
	Time        []string   `json:"time"`
	TempMean    []*float64 `json:"temperature_2m_mean"`
	PrecipSum   []*float64 `json:"precipitation_sum"`
	RainSum     []*float64 `json:"rain_sum"`
	SnowfallSum []*float64 `json:"snowfall_sum"`
}

func decodeArchive(body []byte) ([]DailyWeather, error) {
	var payload struct {
		Daily *archiveDaily `json:"daily"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode archive response: %w", err)
	}
	if payload.Daily == nil || len(payload.Daily.Time) == 0 {
		return nil, nil
	}

	d := payload.Daily
	n := len(d.Time)
	for name, col := range map[string][]*float64{
		"temperature_2m_mean": d.TempMean,
		"precipitation_sum":   d.PrecipSum,
		"rain_sum":            d.RainSum,
		"snowfall_sum":        d.SnowfallSum,
	} {
		if len(col) != n {
			return nil, fmt.Errorf("daily %s has %d values, want %d", name, len(col), n)
		}
	}

	days := make([]DailyWeather, 0, n)
	for i, raw := range d.Time {
		day, err := time.Parse(DateLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("bad daily time %q: %w", raw, err)
		}
		days = append(days, DailyWeather{
			Date:              day,
			AvgTemp:           d.TempMean[i],
			PrecipTotal:       d.PrecipSum[i],
			PrecipitationType: classifyPrecipitation(d.RainSum[i], d.SnowfallSum[i]),
		})
	}
	return days, nil
}

// classifyPrecipitation maps daily rain and snowfall sums onto the PTY code set.
func classifyPrecipitation(rain, snow *float64) PrecipitationType {
	wet := rain != nil && *rain > 0
	snowy := snow != nil && *snow > 0
	switch {
	case wet && snowy:
		return PrecipRainSnow
	case snowy:
		return PrecipSnow
	case wet:
		return PrecipRain
	default:
		return PrecipNone
	}
}
