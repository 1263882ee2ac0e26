package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/elonfeng/ridecast/internal/metrics"
	"github.com/elonfeng/ridecast/internal/store"
	"github.com/elonfeng/ridecast/pkg/feature"
	"github.com/elonfeng/ridecast/pkg/source"
	"github.com/google/uuid"
)

// State is the furthest stage a pipeline has completed.
type State int

const (
	StateEmpty State = iota
	StateMerged
	StateFeatureGenerated
	StateStored
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateMerged:
		return "merged"
	case StateFeatureGenerated:
		return "feature_generated"
	case StateStored:
		return "stored"
	case StateVerified:
		return "verified"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Store is the storage the pipeline reads base tables from and writes features to.
type Store interface {
	FetchAllRidership(ctx context.Context) ([]source.RidershipRecord, error)
	UpsertFeatures(ctx context.Context, rows []store.FeatureRow) (int, error)
	ReadRecent(ctx context.Context, table, orderColumn string, limit int) ([]map[string]any, error)
	Count(ctx context.Context, table string) (int, error)
}

// Options configures a pipeline run.
type Options struct {
	Version string // semantic version, e.g. "2.0"
	LogDir  string
	// Demo relaxes the yearly-lag requirement so short histories produce rows.
	// Never set it for production runs.
	Demo    bool
	Now     func() time.Time
	Metrics *metrics.Metrics
}

// Result is what every stage returns, success or not, so an operator can see
// where a run stopped.
type Result struct {
	Stage   string
	State   State
	Message string
	Rows    int
	Dropped int
	LogPath string
	Recent  []map[string]any
	Total   int
}

// Pipeline turns ridership and weather history into stored feature rows.
// Stages run in order; each keeps its output for the next.
type Pipeline struct {
	store   Store
	weather source.WeatherHistory
	opts    Options
	version string
	runID   string
	log     *slog.Logger

	state    State
	merged   []feature.MergedRow
	features *feature.Result
}

// New creates a pipeline. The version id is fixed for the pipeline's lifetime.
func New(st Store, weather source.WeatherHistory, opts Options) *Pipeline {
	if opts.Version == "" {
		opts.Version = "2.0"
	}
	if opts.LogDir == "" {
		opts.LogDir = "logs"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store:   st,
		weather: weather,
		opts:    opts,
		version: fmt.Sprintf("v%s_%s", opts.Version, opts.Now().Format(source.CompactDateLayout)),
		runID:   uuid.NewString(),
		log:     slog.Default().With("component", "pipeline"),
	}
}

func (p *Pipeline) State() State { return p.state }

func (p *Pipeline) VersionID() string { return p.version }

func (p *Pipeline) RunID() string { return p.runID }

func (p *Pipeline) Merged() []feature.MergedRow { return p.merged }

// Features returns the rows produced by Generate, or nil before it has run.
func (p *Pipeline) Features() []feature.Row {
	if p.features == nil {
		return nil
	}
	return p.features.Rows
}

func (p *Pipeline) require(stage string, need State) error {
	if p.state < need {
		return &PrerequisiteError{Stage: stage, Requires: need, Current: p.state}
	}
	return nil
}

func (p *Pipeline) fail(res Result, err error) (Result, error) {
	res.State = p.state
	res.Message = fmt.Sprintf("%s failed: %v", res.Stage, err)
	p.log.Error("stage failed", "stage", res.Stage, "err", err)
	return res, err
}

// Merge loads all ridership, fetches weather for exactly its date span, and
// left-joins them on date. Ridership dates without weather keep nil weather.
func (p *Pipeline) Merge(ctx context.Context) (res Result, err error) {
	res.Stage = "merge"
	defer p.observe(res.Stage, time.Now(), &err)

	records, err := p.store.FetchAllRidership(ctx)
	if err != nil {
		return p.fail(res, fmt.Errorf("fetch ridership: %w", err))
	}
	if len(records) == 0 {
		return p.fail(res, fmt.Errorf("ridership table is empty: %w", ErrNoData))
	}

	byDate := map[string]*feature.MergedRow{}
	for _, r := range records {
		key := r.Date.Format(source.DateLayout)
		row, ok := byDate[key]
		if !ok {
			row = &feature.MergedRow{Date: source.Truncate(r.Date)}
			byDate[key] = row
		}
		row.BoardingCount += r.BoardingCount
		row.AlightingCount += r.AlightingCount
	}
	merged := make([]feature.MergedRow, 0, len(byDate))
	for _, row := range byDate {
		merged = append(merged, *row)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Date.Before(merged[j].Date) })

	first, last := merged[0].Date, merged[len(merged)-1].Date
	days, err := p.weather.FetchHistory(ctx, first, last)
	if err != nil {
		return p.fail(res, fmt.Errorf("fetch weather: %w", err))
	}
	if len(days) == 0 {
		return p.fail(res, fmt.Errorf("no weather between %s and %s: %w",
			first.Format(source.DateLayout), last.Format(source.DateLayout), ErrNoData))
	}

	weather := make(map[string]source.DailyWeather, len(days))
	for _, d := range days {
		weather[d.Date.Format(source.DateLayout)] = d
	}
	missing := 0
	for i := range merged {
		w, ok := weather[merged[i].Date.Format(source.DateLayout)]
		if !ok {
			missing++
			continue
		}
		pty := int(w.PrecipitationType)
		merged[i].AvgTemp = w.AvgTemp
		merged[i].PrecipTotal = w.PrecipTotal
		merged[i].PrecipitationType = &pty
	}

	p.merged = merged
	p.features = nil
	p.state = StateMerged
	res.State = p.state
	res.Rows = len(merged)
	res.Message = fmt.Sprintf("merged %d days (%s ~ %s), %d without weather",
		len(merged), first.Format(source.DateLayout), last.Format(source.DateLayout), missing)
	p.log.Info("merge complete", "rows", len(merged), "missing_weather", missing)
	return res, nil
}

// Generate derives features from the merged rows and drops rows with any missing lag.
func (p *Pipeline) Generate(ctx context.Context) (res Result, err error) {
	res.Stage = "generate"
	defer p.observe(res.Stage, time.Now(), &err)

	if err := p.require(res.Stage, StateMerged); err != nil {
		return p.fail(res, err)
	}

	out := feature.Generate(p.merged, feature.Options{AllowMissingYearlyLag: p.opts.Demo})
	res.Dropped = out.Dropped
	if len(out.Rows) == 0 {
		return p.fail(res, fmt.Errorf("all %d rows dropped for missing lags (need more than %d days): %w",
			out.Input, feature.LagYear, ErrNoData))
	}

	p.features = &out
	p.state = StateFeatureGenerated
	res.State = p.state
	res.Rows = len(out.Rows)
	res.Message = fmt.Sprintf("generated %d feature rows, dropped %d with incomplete lags", len(out.Rows), out.Dropped)
	p.log.Info("features generated", "rows", len(out.Rows), "dropped", out.Dropped)
	return res, nil
}

// Store validates the generated rows, tags them with the version id, upserts
// them and appends an execution log entry. Nothing is written if validation fails.
// Storage errors are returned unchanged.
func (p *Pipeline) Store(ctx context.Context) (res Result, err error) {
	res.Stage = "store"
	defer p.observe(res.Stage, time.Now(), &err)

	if err := p.require(res.Stage, StateFeatureGenerated); err != nil {
		return p.fail(res, err)
	}
	if err := validate(p.features.Rows); err != nil {
		return p.fail(res, err)
	}

	rows := p.storeRows()
	n, err := p.store.UpsertFeatures(ctx, rows)
	res.Rows = n
	if err != nil {
		res.State = p.state
		res.Message = err.Error()
		p.log.Error("feature upsert failed", "written", n, "err", err)
		return res, err
	}
	p.opts.Metrics.RowsWritten(store.TableFeatures, n)

	at := p.opts.Now()
	path, logErr := ExecutionLog{Dir: p.opts.LogDir}.Append(p.runID, at, p.version, p.features.Dropped, rows)
	if logErr != nil {
		p.log.Warn("execution log not written", "err", logErr)
	}

	p.state = StateStored
	res.State = p.state
	res.LogPath = path
	res.Message = fmt.Sprintf("stored %d rows as %s", n, p.version)
	p.log.Info("features stored", "rows", n, "version", p.version, "log", path)
	return res, nil
}

// Verify re-reads the feature table from storage. It never consults the
// in-memory rows, so a write that did not land shows up here.
func (p *Pipeline) Verify(ctx context.Context) (res Result, err error) {
	res.Stage = "verify"
	defer p.observe(res.Stage, time.Now(), &err)

	recent, err := p.store.ReadRecent(ctx, store.TableFeatures, "date", logTail)
	if err != nil {
		return p.fail(res, fmt.Errorf("read recent features: %w", err))
	}
	total, err := p.store.Count(ctx, store.TableFeatures)
	if err != nil {
		return p.fail(res, fmt.Errorf("count features: %w", err))
	}
	res.Recent, res.Total = recent, total
	if total == 0 {
		return p.fail(res, fmt.Errorf("%s is empty: %w", store.TableFeatures, ErrNoData))
	}

	if p.state == StateStored {
		p.state = StateVerified
	}
	res.State = p.state
	res.Rows = len(recent)
	res.Message = fmt.Sprintf("%s holds %d rows, latest %v", store.TableFeatures, total, recent[0]["date"])
	return res, nil
}

// Run executes every stage in order and stops at the first failure.
func (p *Pipeline) Run(ctx context.Context) ([]Result, error) {
	stages := []func(context.Context) (Result, error){p.Merge, p.Generate, p.Store, p.Verify}
	var results []Result
	for _, stage := range stages {
		res, err := stage(ctx)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (p *Pipeline) storeRows() []store.FeatureRow {
	rows := make([]store.FeatureRow, 0, len(p.features.Rows))
	for _, r := range p.features.Rows {
		rows = append(rows, store.FeatureRow{
			Date:         r.Date.Format(source.DateLayout),
			Year:         r.Year,
			Month:        r.Month,
			Day:          r.Day,
			DayOfWeek:    r.DayOfWeek,
			IsWeekend:    r.IsWeekend,
			IsHoliday:    r.IsHoliday,
			AvgTemp:      r.AvgTemp,
			PrecipTotal:  r.PrecipTotal,
			TotalTraffic: r.TotalTraffic,
			Lag1d:        r.Lag1d,
			Lag7d:        r.Lag7d,
			Lag364d:      r.Lag364d,
			Rolling7dAvg: r.Rolling7dAvg,
			VersionID:    p.version,
		})
	}
	return rows
}

func validate(rows []feature.Row) error {
	var verr *ValidationError
	for _, r := range rows {
		if r.TotalTraffic >= 0 {
			continue
		}
		if verr == nil {
			verr = &ValidationError{Date: r.Date.Format(source.DateLayout), TotalTraffic: r.TotalTraffic}
		}
		verr.Violations++
	}
	if verr != nil {
		return verr
	}
	return nil
}

func (p *Pipeline) observe(stage string, start time.Time, err *error) {
	p.opts.Metrics.Stage(stage, start, *err)
}

// IsUserFacing reports whether err is a pipeline short-circuit rather than an infrastructure failure.
func IsUserFacing(err error) bool {
	var verr *ValidationError
	var perr *PrerequisiteError
	return errors.Is(err, ErrNoData) || errors.As(err, &verr) || errors.As(err, &perr)
}
