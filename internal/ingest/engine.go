package ingest

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/elonfeng/ridecast/internal/metrics"
	"github.com/elonfeng/ridecast/internal/store"
	"github.com/elonfeng/ridecast/pkg/source"
)

// Writer is the subset of the storage adapter the engine writes through.
type Writer interface {
	UpsertRidership(ctx context.Context, records []source.RidershipRecord) (int, error)
	UpsertWeather(ctx context.Context, records []source.WeatherRecord) (int, error)
}

// LiveSource returns the current weather observation.
type LiveSource interface {
	FetchCurrent(ctx context.Context) (source.WeatherRecord, error)
}

// Engine pulls source data for a date range and persists it.
type Engine struct {
	store    Writer
	delay    DelayPolicy
	metrics  *metrics.Metrics
	location *time.Location
	log      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithDelay(d DelayPolicy) Option { return func(e *Engine) { e.delay = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLocation sets the zone archive days are pinned to when stored.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.location = loc } }

// New creates an engine writing to w.
func New(w Writer, opts ...Option) *Engine {
	e := &Engine{
		store:    w,
		delay:    FixedDelay(DefaultDelay),
		location: source.KST,
		log:      slog.Default().With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BackfillRidership fetches one day at a time over [from, to]. The sequence
// yields exactly one event per date in order, then a summary event. A failed
// date is reported and skipped. Cancelling ctx stops the run between dates.
// The sequence can be consumed once.
func (e *Engine) BackfillRidership(ctx context.Context, src source.RidershipSource, from, to time.Time) iter.Seq[Event] {
	var used atomic.Bool
	return func(yield func(Event) bool) {
		if used.Swap(true) {
			return
		}

		days := Days(from, to)
		var sum Summary
		for i, day := range days {
			if i > 0 {
				if err := e.delay.Wait(ctx); err != nil {
					break
				}
			}
			if ctx.Err() != nil {
				break
			}

			ev := e.ingestDay(ctx, src, day)
			ev.Index, ev.Total = i+1, len(days)
			sum.add(ev)
			e.metrics.BackfillDay(string(src.Name()), string(ev.Outcome))
			if !yield(ev) {
				return
			}
		}

		if ctx.Err() != nil {
			e.log.Warn("ridership backfill cancelled", "processed", sum.Days, "of", len(days))
		}
		yield(Event{Label: "Ridership", Outcome: OutcomeSummary, Summary: &sum})
	}
}

func (e *Engine) ingestDay(ctx context.Context, src source.RidershipSource, day time.Time) Event {
	ev := Event{Label: "Ridership", Date: day}

	records, err := src.FetchDaily(ctx, day)
	if err != nil {
		ev.Outcome, ev.Err = OutcomeFailed, err
		e.log.Error("ridership fetch failed", "date", day.Format(source.DateLayout), "err", err)
		return ev
	}
	if len(records) == 0 {
		ev.Outcome = OutcomeNoData
		return ev
	}

	n, err := e.store.UpsertRidership(ctx, records)
	e.metrics.RowsWritten(store.TableRidership, n)
	if err != nil {
		ev.Outcome, ev.Err = OutcomeFailed, err
		e.log.Error("ridership upsert failed", "date", day.Format(source.DateLayout), "err", err)
		return ev
	}
	if n == 0 {
		ev.Outcome = OutcomeNoData
		return ev
	}
	ev.Outcome, ev.Rows = OutcomeSaved, n
	return ev
}

// BackfillWeather issues a single ranged archive request for [from, to] and
// stores the daily rows. Errors and empty responses are reported as events,
// never returned.
func (e *Engine) BackfillWeather(ctx context.Context, hist source.WeatherHistory, from, to time.Time) iter.Seq[Event] {
	var used atomic.Bool
	return func(yield func(Event) bool) {
		if used.Swap(true) {
			return
		}

		ev := Event{Label: "Weather", Index: 1, Total: 1, Date: from}
		days, err := hist.FetchHistory(ctx, from, to)
		switch {
		case err != nil:
			ev.Outcome, ev.Err = OutcomeFailed, err
			e.log.Error("weather archive fetch failed", "from", from.Format(source.DateLayout),
				"to", to.Format(source.DateLayout), "err", err)
		case len(days) == 0:
			ev.Outcome = OutcomeNoData
		default:
			records := make([]source.WeatherRecord, 0, len(days))
			for _, d := range days {
				records = append(records, d.Record(e.location))
			}
			n, err := e.store.UpsertWeather(ctx, records)
			e.metrics.RowsWritten(store.TableWeather, n)
			if err != nil {
				ev.Outcome, ev.Err = OutcomeFailed, err
				e.log.Error("weather upsert failed", "err", err)
			} else {
				ev.Outcome, ev.Rows = OutcomeSaved, n
			}
		}
		e.metrics.BackfillDay(string(source.SourceArchive), string(ev.Outcome))

		if !yield(ev) {
			return
		}
		sum := Summary{}
		sum.add(ev)
		yield(Event{Label: "Weather", Outcome: OutcomeSummary, Summary: &sum})
	}
}

// IngestLive stores the current observation. Unlike backfills it returns its error.
func (e *Engine) IngestLive(ctx context.Context, src LiveSource) (source.WeatherRecord, error) {
	rec, err := src.FetchCurrent(ctx)
	if err != nil {
		e.metrics.BackfillDay(string(source.SourceLive), string(OutcomeFailed))
		return source.WeatherRecord{}, err
	}
	rec.Kind = source.WeatherLive
	n, err := e.store.UpsertWeather(ctx, []source.WeatherRecord{rec})
	e.metrics.RowsWritten(store.TableWeather, n)
	if err != nil {
		return rec, err
	}
	e.metrics.BackfillDay(string(source.SourceLive), string(OutcomeSaved))
	return rec, nil
}

// Drain consumes seq, forwarding every event to each sink, and returns the
// summary along with any sink errors.
func Drain(ctx context.Context, seq iter.Seq[Event], sinks ...Sink) (Summary, error) {
	var (
		sum  Summary
		errs []error
	)
	for ev := range seq {
		for _, s := range sinks {
			if err := s.Publish(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		if ev.Outcome == OutcomeSummary && ev.Summary != nil {
			sum = *ev.Summary
		}
	}
	return sum, errors.Join(errs...)
}
