package store

import (
	"context"
	"fmt"
)

// ReadyThreshold is the row count both base tables must exceed before
// features are worth building.
const ReadyThreshold = 30

// Status summarizes the base tables.
type Status struct {
	Ridership int    `json:"ridership_rows"`
	Weather   int    `json:"weather_rows"`
	First     string `json:"first_date,omitempty"`
	Last      string `json:"last_date,omitempty"`
	Features  int    `json:"feature_rows"`
	Ready     bool   `json:"ready"`
}

// CheckStatus counts the stored rows and reports readiness.
func CheckStatus(ctx context.Context, st Store) (Status, error) {
	var (
		s   Status
		err error
	)
	if s.Ridership, err = st.Count(ctx, TableRidership); err != nil {
		return s, err
	}
	if s.Weather, err = st.Count(ctx, TableWeather); err != nil {
		return s, err
	}
	if s.First, s.Last, err = st.RidershipRange(ctx); err != nil {
		return s, err
	}
	if s.Features, err = st.Count(ctx, TableFeatures); err != nil {
		return s, err
	}
	s.Ready = s.Ridership > ReadyThreshold && s.Weather > ReadyThreshold
	return s, nil
}

// TimeColumn returns the column previews of table are ordered by.
func TimeColumn(table string) (string, error) {
	switch table {
	case TableRidership, TableFeatures:
		return "date", nil
	case TableWeather:
		return "measured_at", nil
	default:
		return "", fmt.Errorf("unknown table %q", table)
	}
}
