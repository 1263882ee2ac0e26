package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/elonfeng/ridecast/pkg/source"
)

// Outcome classifies one progress event.
type Outcome string

const (
	OutcomeSaved   Outcome = "saved"
	OutcomeNoData  Outcome = "no_data"
	OutcomeFailed  Outcome = "failed"
	OutcomeSummary Outcome = "summary"
)

// Event is one unit of backfill progress: a processed date, or the final summary.
type Event struct {
	Label   string
	Outcome Outcome
	Index   int
	Total   int
	Date    time.Time
	Rows    int
	Err     error
	Summary *Summary
}

// Summary totals a finished backfill.
type Summary struct {
	Days   int `json:"days"`
	Saved  int `json:"saved"`
	NoData int `json:"no_data"`
	Failed int `json:"failed"`
	Rows   int `json:"rows"`
}

func (s *Summary) add(ev Event) {
	s.Days++
	switch ev.Outcome {
	case OutcomeSaved:
		s.Saved++
		s.Rows += ev.Rows
	case OutcomeNoData:
		s.NoData++
	case OutcomeFailed:
		s.Failed++
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%d days: %d saved, %d no data, %d failed, %d rows",
		s.Days, s.Saved, s.NoData, s.Failed, s.Rows)
}

// String renders the human progress line, e.g. "[Ridership 3/10] 20240103: saved 1 rows".
func (e Event) String() string {
	if e.Outcome == OutcomeSummary {
		return fmt.Sprintf("=== %s backfill complete: %s ===", e.Label, e.Summary)
	}
	prefix := fmt.Sprintf("[%s %d/%d] %s", e.Label, e.Index, e.Total, e.Date.Format(source.CompactDateLayout))
	switch e.Outcome {
	case OutcomeSaved:
		return fmt.Sprintf("%s: saved %d rows", prefix, e.Rows)
	case OutcomeNoData:
		return prefix + ": no data"
	default:
		return fmt.Sprintf("%s: error: %v", prefix, e.Err)
	}
}

// MarshalJSON flattens the error so events can be published to observers.
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Label   string   `json:"label"`
		Outcome Outcome  `json:"outcome"`
		Index   int      `json:"index,omitempty"`
		Total   int      `json:"total,omitempty"`
		Date    string   `json:"date,omitempty"`
		Rows    int      `json:"rows,omitempty"`
		Error   string   `json:"error,omitempty"`
		Summary *Summary `json:"summary,omitempty"`
		Line    string   `json:"line"`
	}{
		Label:   e.Label,
		Outcome: e.Outcome,
		Index:   e.Index,
		Total:   e.Total,
		Rows:    e.Rows,
		Summary: e.Summary,
		Line:    e.String(),
	}
	if !e.Date.IsZero() {
		out.Date = e.Date.Format(source.DateLayout)
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
