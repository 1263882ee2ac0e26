package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	seoulBaseURL    = "http://openapi.seoul.go.kr:8088"
	seoulService    = "CardSubwayStatsNew"
	seoulPageSize   = 1000
	seoulNoDataCode = "INFO-200"
)

// SeoulRidership collects daily card-tap counts from the Seoul Open Data Plaza.
type SeoulRidership struct {
	http    *upstream
	baseURL string
	apiKey  string
	filter  *StationFilter
	log     *slog.Logger
}

// NewSeoulRidership creates a ridership client. An empty baseURL uses the public endpoint.
func NewSeoulRidership(baseURL, apiKey string, filter *StationFilter, opts ClientOptions) *SeoulRidership {
	if baseURL == "" {
		baseURL = seoulBaseURL
	}
	if filter == nil {
		filter = NewStationFilter("", "")
	}
	return &SeoulRidership{
		http:    newUpstream(SourceRidership, opts),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		filter:  filter,
		log:     slog.Default().With("component", "source", "source", string(SourceRidership)),
	}
}

func (s *SeoulRidership) Name() SourceType { return SourceRidership }

// FetchDaily returns the tracked station's rows for one day. A day the API has
// not published yet yields an empty slice and no error.
func (s *SeoulRidership) FetchDaily(ctx context.Context, day time.Time) ([]RidershipRecord, error) {
	if s.apiKey == "" {
		return nil, ErrMissingKey
	}

	reqURL := fmt.Sprintf("%s/%s/json/%s/1/%d/%s",
		s.baseURL, s.apiKey, seoulService, seoulPageSize, day.Format(CompactDateLayout))
	body, err := s.http.get(ctx, reqURL, nil)
	if err != nil {
		return nil, err
	}

	rows, err := decodeSeoulRows(body)
	if err != nil {
		return nil, &ParseError{Source: SourceRidership, Err: err}
	}

	var records []RidershipRecord
	for _, row := range rows {
		station, _ := row["SUB_STA_NM"].(string)
		line, _ := row["LINE_NUM"].(string)
		if !s.filter.Matches(station, line) {
			continue
		}
		rec, err := normalizeSeoulRow(row)
		if err != nil {
			s.log.Warn("skipping ridership row", "day", day.Format(CompactDateLayout), "err", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

type seoulResult struct {
	Code    string `json:"CODE"`
	Message string `json:"MESSAGE"`
}

// decodeSeoulRows unwraps {"CardSubwayStatsNew": {"row": [...]}} keeping each row as a raw map.
func decodeSeoulRows(body []byte) ([]map[string]any, error) {
	var payload struct {
		Service *struct {
			Result seoulResult      `json:"RESULT"`
			Rows   []map[string]any `json:"row"`
		} `json:"CardSubwayStatsNew"`
		Result *seoulResult `json:"RESULT"`
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode ridership response: %w", err)
	}

	if payload.Service == nil {
		if payload.Result != nil {
			if payload.Result.Code == seoulNoDataCode {
				return nil, nil
			}
			return nil, fmt.Errorf("api error %s: %s", payload.Result.Code, payload.Result.Message)
		}
		return nil, fmt.Errorf("missing %s envelope", seoulService)
	}
	if payload.Service.Result.Code == seoulNoDataCode {
		return nil, nil
	}
	return payload.Service.Rows, nil
}

// normalizeSeoulRow maps a raw API row onto a RidershipRecord.
func normalizeSeoulRow(row map[string]any) (RidershipRecord, error) {
	rawDate, ok := row["USE_DT"].(string)
	if !ok || rawDate == "" {
		return RidershipRecord{}, fmt.Errorf("missing USE_DT")
	}
	day, err := time.Parse(CompactDateLayout, strings.TrimSpace(rawDate))
	if err != nil {
		return RidershipRecord{}, fmt.Errorf("bad USE_DT %q: %w", rawDate, err)
	}

	station, _ := row["SUB_STA_NM"].(string)
	line, _ := row["LINE_NUM"].(string)
	if station == "" || line == "" {
		return RidershipRecord{}, fmt.Errorf("missing station or line")
	}

	boarding, err := countField(row, "RIDE_PASGR_NUM")
	if err != nil {
		return RidershipRecord{}, err
	}
	alighting, err := countField(row, "ALIGHT_PASGR_NUM")
	if err != nil {
		return RidershipRecord{}, err
	}

	return RidershipRecord{
		Date:           day,
		StationName:    strings.TrimSpace(station),
		LineNumber:     strings.TrimSpace(line),
		BoardingCount:  boarding,
		AlightingCount: alighting,
	}, nil
}

func countField(row map[string]any, key string) (int64, error) {
	v, ok := row[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing %s", key)
	}

	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("bad %s %q: %w", key, n, err)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("bad %s %q: %w", key, n, err)
		}
		f = parsed
	case float64:
		f = n
	default:
		return 0, fmt.Errorf("bad %s type %T", key, v)
	}
	return int64(f), nil
}
