package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoData means a required table or range yielded no usable rows.
var ErrNoData = errors.New("no data")

// ValidationError blocks the store step when computed features break an invariant.
type ValidationError struct {
	Date         string
	TotalTraffic int64
	Violations   int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d rows with negative total_traffic (first %s = %d)",
		e.Violations, e.Date, e.TotalTraffic)
}

// PrerequisiteError is returned when a stage runs before the stage it depends on.
type PrerequisiteError struct {
	Stage    string
	Requires State
	Current  State
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("%s requires state %s, pipeline is %s", e.Stage, e.Requires, e.Current)
}
