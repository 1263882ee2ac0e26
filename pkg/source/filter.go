package source

import "strings"

// DefaultStation and DefaultLine identify Seongsu station on Line 2.
const (
	DefaultStation = "성수"
	DefaultLine    = "2호선"
)

// StationFilter keeps only rows for one station on one line.
type StationFilter struct {
	station string
	line    string
}

// NewStationFilter creates a filter, falling back to the default station and line.
func NewStationFilter(station, line string) *StationFilter {
	station = strings.TrimSpace(station)
	line = strings.TrimSpace(line)
	if station == "" {
		station = DefaultStation
	}
	if line == "" {
		line = DefaultLine
	}
	return &StationFilter{station: station, line: line}
}

// Matches reports whether a raw station/line pair is the tracked one.
func (f *StationFilter) Matches(station, line string) bool {
	return strings.TrimSpace(station) == f.station && strings.TrimSpace(line) == f.line
}

func (f *StationFilter) Station() string { return f.station }
func (f *StationFilter) Line() string    { return f.line }
