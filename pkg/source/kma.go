package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const kmaNowcastURL = "http://apis.data.go.kr/1360000/VilageFcstInfoService_2.0/getUltraSrtNcst"

// Seongdong-gu on the KMA forecast grid.
const (
	DefaultGridX = 61
	DefaultGridY = 126
)

// KST is fixed; Korea does not observe daylight saving time.
var KST = time.FixedZone("KST", 9*60*60)

// KMANowcast reads the ultra-short-term observation for one grid cell.
type KMANowcast struct {
	http    *upstream
	baseURL string
	apiKey  string
	nx, ny  int
	now     func() time.Time
}

// NewKMANowcast creates a live observation client. Zero grid coordinates fall back to Seongdong-gu.
func NewKMANowcast(baseURL, apiKey string, nx, ny int, opts ClientOptions) *KMANowcast {
	if baseURL == "" {
		baseURL = kmaNowcastURL
	}
	if nx == 0 && ny == 0 {
		nx, ny = DefaultGridX, DefaultGridY
	}
	return &KMANowcast{
		http:    newUpstream(SourceLive, opts),
		baseURL: baseURL,
		apiKey:  apiKey,
		nx:      nx,
		ny:      ny,
		now:     time.Now,
	}
}

func (k *KMANowcast) Name() SourceType { return SourceLive }

// BaseTime returns the base_date/base_time pair for the nearest fully published past hour.
func BaseTime(now time.Time) (string, string) {
	t := now.In(KST).Add(-time.Hour)
	return t.Format(CompactDateLayout), t.Format("15") + "00"
}

// FetchCurrent fetches the latest observation and pivots it into a WeatherRecord.
func (k *KMANowcast) FetchCurrent(ctx context.Context) (WeatherRecord, error) {
	if k.apiKey == "" {
		return WeatherRecord{}, ErrMissingKey
	}

	now := k.now()
	baseDate, baseTime := BaseTime(now)
	query := map[string]string{
		"serviceKey": k.apiKey,
		"pageNo":     "1",
		"numOfRows":  "1000",
		"dataType":   "JSON",
		"base_date":  baseDate,
		"base_time":  baseTime,
		"nx":         strconv.Itoa(k.nx),
		"ny":         strconv.Itoa(k.ny),
	}
	body, err := k.http.get(ctx, k.baseURL, query)
	if err != nil {
		return WeatherRecord{}, err
	}

	rec, err := ParseObservation(body, now)
	if err != nil {
		return WeatherRecord{}, &ParseError{Source: SourceLive, Err: err}
	}
	return rec, nil
}

type kmaItem struct {
	BaseDate  string          `json:"baseDate"`
	BaseTime  string          `json:"baseTime"`
	Category  string          `json:"category"`
	ObsrValue json.RawMessage `json:"obsrValue"`
}

// ParseObservation pivots KMA category/value pairs (T1H, PTY, REH) into a flat record.
// Missing categories stay nil; a missing base timestamp falls back to now in UTC.
func ParseObservation(body []byte, now time.Time) (WeatherRecord, error) {
	var payload struct {
		Response struct {
			Header struct {
				ResultCode string `json:"resultCode"`
				ResultMsg  string `json:"resultMsg"`
			} `json:"header"`
			Body struct {
				Items struct {
					Item []kmaItem `json:"item"`
				} `json:"items"`
			} `json:"body"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WeatherRecord{}, fmt.Errorf("decode observation: %w", err)
	}
	if code := payload.Response.Header.ResultCode; code != "" && code != "00" {
		return WeatherRecord{}, fmt.Errorf("api error %s: %s", code, payload.Response.Header.ResultMsg)
	}

	rec := WeatherRecord{Kind: WeatherLive}
	items := payload.Response.Body.Items.Item
	if len(items) > 0 && items[0].BaseDate != "" && items[0].BaseTime != "" {
		ts, err := time.ParseInLocation("200601021504", items[0].BaseDate+items[0].BaseTime, KST)
		if err == nil {
			rec.MeasuredAt = ts.UTC()
		}
	}
	if rec.MeasuredAt.IsZero() {
		rec.MeasuredAt = now.UTC()
	}

	for _, item := range items {
		v, ok := observedValue(item.ObsrValue)
		if !ok {
			continue
		}
		switch item.Category {
		case "T1H":
			rec.Temperature = float64Ptr(v)
		case "PTY":
			if pty, ok := kmaPrecipitation(int(v)); ok {
				rec.PrecipitationType = &pty
			}
		case "REH":
			rec.Humidity = float64Ptr(v)
		case "RN1":
			rec.Precipitation = float64Ptr(v)
		}
	}
	return rec, nil
}

// kmaPrecipitation folds the nowcast PTY codes onto the four-value set.
// 5 raindrops, 6 raindrops with snow flurries, 7 snow flurries; 4 is a shower.
func kmaPrecipitation(code int) (PrecipitationType, bool) {
	switch code {
	case 0, 1, 2, 3:
		return PrecipitationType(code), true
	case 4, 5:
		return PrecipRain, true
	case 6:
		return PrecipRainSnow, true
	case 7:
		return PrecipSnow, true
	}
	return 0, false
}

// observedValue accepts obsrValue as either a JSON string or number.
func observedValue(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	return 0, false
}
