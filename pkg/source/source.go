package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SourceType identifies which upstream a record came from.
type SourceType string

const (
	SourceRidership SourceType = "seoul-ridership"
	SourceArchive   SourceType = "openmeteo-archive"
	SourceLive      SourceType = "kma-nowcast"
)

// DateLayout is the calendar-date format used by storage and the archive API.
const DateLayout = "2006-01-02"

// CompactDateLayout is the YYYYMMDD format used by the ridership API and the CLI.
const CompactDateLayout = "20060102"

// PrecipitationType follows the KMA PTY code set.
type PrecipitationType int

const (
	PrecipNone     PrecipitationType = 0
	PrecipRain     PrecipitationType = 1
	PrecipRainSnow PrecipitationType = 2
	PrecipSnow     PrecipitationType = 3
)

// RidershipRecord is one station/line daily count. Natural key is (Date, StationName, LineNumber).
type RidershipRecord struct {
	Date           time.Time `json:"date" validate:"required"`
	StationName    string    `json:"station_name" validate:"required"`
	LineNumber     string    `json:"line_number" validate:"required"`
	BoardingCount  int64     `json:"boarding_count" validate:"gte=0"`
	AlightingCount int64     `json:"alighting_count" validate:"gte=0"`
}

// Key returns the natural key used for conflict resolution.
func (r RidershipRecord) Key() string {
	return r.Date.Format(DateLayout) + "|" + r.StationName + "|" + r.LineNumber
}

// WeatherKind separates day-granularity archive rows from hourly live observations.
type WeatherKind string

const (
	WeatherArchive WeatherKind = "archive"
	WeatherLive    WeatherKind = "live"
)

// WeatherRecord is the flat row persisted to the weather table. Nil pointers are stored as NULL.
type WeatherRecord struct {
	MeasuredAt        time.Time          `json:"measured_at"`
	Kind              WeatherKind        `json:"kind"`
	Temperature       *float64           `json:"temperature"`
	PrecipitationType *PrecipitationType `json:"precipitation_type"`
	Humidity          *float64           `json:"humidity"`
	Precipitation     *float64           `json:"precipitation"`
}

// DailyWeather is one day of aggregated weather as consumed by the feature pipeline.
type DailyWeather struct {
	Date              time.Time
	AvgTemp           *float64
	PrecipTotal       *float64
	PrecipitationType PrecipitationType
}

// Record converts a daily archive value into its storage shape, pinned to local noon.
func (d DailyWeather) Record(loc *time.Location) WeatherRecord {
	pty := d.PrecipitationType
	noon := time.Date(d.Date.Year(), d.Date.Month(), d.Date.Day(), 12, 0, 0, 0, loc)
	return WeatherRecord{
		MeasuredAt:        noon.UTC(),
		Kind:              WeatherArchive,
		Temperature:       d.AvgTemp,
		PrecipitationType: &pty,
		Precipitation:     d.PrecipTotal,
	}
}

// RidershipSource fetches one calendar day of ridership.
type RidershipSource interface {
	Name() SourceType
	FetchDaily(ctx context.Context, day time.Time) ([]RidershipRecord, error)
}

// WeatherHistory returns daily weather for an inclusive date range.
type WeatherHistory interface {
	FetchHistory(ctx context.Context, start, end time.Time) ([]DailyWeather, error)
}

// ErrMissingKey is returned by clients constructed without an API key.
var ErrMissingKey = errors.New("api key not configured")

// TransportError is a network or HTTP level failure reaching an upstream.
type TransportError struct {
	Source SourceType
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Source, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError is an unexpected response shape from an upstream.
type ParseError struct {
	Source SourceType
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s parse: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Truncate returns the calendar day of t in UTC.
func Truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func float64Ptr(v float64) *float64 { return &v }
