package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/elonfeng/ridecast/internal/ingest"
	"github.com/elonfeng/ridecast/internal/pipeline"
	"github.com/elonfeng/ridecast/pkg/alert"
	"github.com/elonfeng/ridecast/pkg/source"
)

// Job is one scheduled unit of work. It always returns a notification
// describing the run, even when err is non-nil.
type Job interface {
	Run(ctx context.Context, now time.Time) (*alert.Notification, error)
}

// Daily ingests the most recent published day and rebuilds the feature table.
type Daily struct {
	Engine    *ingest.Engine
	Ridership source.RidershipSource
	Weather   source.WeatherHistory
	// NewPipeline returns a fresh pipeline per run so each run gets its own version id.
	NewPipeline func() *pipeline.Pipeline
	Sinks       []ingest.Sink
	Location    *time.Location
	// LagDays is how far behind now the ridership source publishes.
	LagDays int
}

// Target returns the calendar day a run at now ingests.
func (d *Daily) Target(now time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = source.KST
	}
	return source.Truncate(now.In(loc)).AddDate(0, 0, -d.LagDays)
}

func (d *Daily) Run(ctx context.Context, now time.Time) (*alert.Notification, error) {
	day := d.Target(now)
	n := &alert.Notification{
		Title:     "ridecast daily run " + day.Format(source.DateLayout),
		Status:    alert.StatusOK,
		Fields:    map[string]string{},
		Timestamp: now.UTC(),
	}

	ridership, err := ingest.Drain(ctx, d.Engine.BackfillRidership(ctx, d.Ridership, day, day), d.Sinks...)
	if err != nil {
		n.Fields["sink"] = err.Error()
	}
	n.Fields["ridership"] = ridership.String()

	weather, err := ingest.Drain(ctx, d.Engine.BackfillWeather(ctx, d.Weather, day, day), d.Sinks...)
	if err != nil {
		n.Fields["sink"] = err.Error()
	}
	n.Fields["weather"] = weather.String()

	if ctx.Err() != nil {
		return d.failed(n, ctx.Err())
	}

	p := d.NewPipeline()
	n.Version = p.VersionID()
	results, err := p.Run(ctx)
	for _, res := range results {
		n.Fields[res.Stage] = res.Message
		if res.Stage == "store" {
			n.Rows = res.Rows
		}
	}
	if err != nil {
		return d.failed(n, err)
	}
	n.Body = fmt.Sprintf("stored %d feature rows as %s", n.Rows, n.Version)
	return n, nil
}

func (d *Daily) failed(n *alert.Notification, err error) (*alert.Notification, error) {
	n.Status = alert.StatusFailed
	n.Body = err.Error()
	return n, err
}
