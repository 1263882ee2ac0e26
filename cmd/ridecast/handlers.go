package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/elonfeng/ridecast/internal/config"
	"github.com/elonfeng/ridecast/internal/ingest"
	"github.com/elonfeng/ridecast/internal/metrics"
	"github.com/elonfeng/ridecast/internal/pipeline"
	"github.com/elonfeng/ridecast/internal/scheduler"
	"github.com/elonfeng/ridecast/internal/store"
	"github.com/elonfeng/ridecast/pkg/alert"
	"github.com/elonfeng/ridecast/pkg/feature"
	"github.com/elonfeng/ridecast/pkg/server"
	"github.com/elonfeng/ridecast/pkg/source"
)

func loadConfig(ctx context.Context) (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openStore connects to storage and fails early when it is unreachable.
func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	st := store.New(store.Options{
		URL:       cfg.Database.URL,
		Key:       cfg.Database.Key,
		PageSize:  cfg.Database.PageSize,
		MaxRows:   cfg.Database.MaxRows,
		BatchSize: cfg.Database.BatchSize,
	})
	if err := st.Ping(ctx); err != nil {
		st.Close()
		if errors.Is(err, store.ErrStorageUnavailable) {
			return nil, fmt.Errorf("open store (set RIDECAST_DB_URL and RIDECAST_DB_KEY): %w", err)
		}
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func clientOptions(timeout time.Duration, retries int) source.ClientOptions {
	return source.ClientOptions{Timeout: timeout, Retries: retries}
}

func buildRidership(cfg *config.Config) (*source.SeoulRidership, error) {
	c := cfg.Sources.Ridership
	if c.APIKey == "" {
		return nil, fmt.Errorf("SEOUL_DATA_API_KEY not set: %w", source.ErrMissingKey)
	}
	filter := source.NewStationFilter(c.Station, c.Line)
	return source.NewSeoulRidership(c.BaseURL, c.APIKey, filter, clientOptions(c.Timeout, c.Retries)), nil
}

func buildArchive(cfg *config.Config) *source.OpenMeteoArchive {
	c := cfg.Sources.Archive
	return source.NewOpenMeteoArchive(c.BaseURL, c.Latitude, c.Longitude, c.Timezone, clientOptions(c.Timeout, c.Retries))
}

func buildEngine(cfg *config.Config, st ingest.Writer, m *metrics.Metrics) *ingest.Engine {
	return ingest.New(st,
		ingest.WithDelay(ingest.FixedDelay(cfg.Sources.Ridership.Delay)),
		ingest.WithMetrics(m),
		ingest.WithLocation(cfg.Location()),
	)
}

// buildSinks returns the progress sinks and a function releasing them.
func buildSinks(cfg *config.Config, console bool) ([]ingest.Sink, func()) {
	var sinks []ingest.Sink
	if console {
		sinks = append(sinks, ingest.WriterSink{W: os.Stderr})
	}
	if cfg.Progress.RedisURL == "" {
		return sinks, func() {}
	}
	rs, err := ingest.NewRedisSink(cfg.Progress.RedisURL, cfg.Progress.Channel)
	if err != nil {
		slog.Warn("progress publishing disabled", "err", err)
		return sinks, func() {}
	}
	return append(sinks, rs), func() { rs.Close() }
}

func pipelineWeather(cfg *config.Config, st *store.SQLStore) source.WeatherHistory {
	if cfg.Pipeline.WeatherSource == "store" {
		return pipeline.StoredWeather{Store: st, Location: cfg.Location()}
	}
	return buildArchive(cfg)
}

func newPipeline(cfg *config.Config, st *store.SQLStore, m *metrics.Metrics) *pipeline.Pipeline {
	return pipeline.New(st, pipelineWeather(cfg, st), pipeline.Options{
		Version: cfg.Pipeline.Version,
		LogDir:  cfg.Pipeline.LogDir,
		Demo:    cfg.Pipeline.Demo,
		Metrics: m,
	})
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func writeMetrics(cfg *config.Config, m *metrics.Metrics) {
	if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		slog.Warn("metrics textfile not written", "err", err)
	}
}

func runBackfillRidership(ctx context.Context, start, end string) error {
	from, to, err := ingest.ParseRange(start, end)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	src, err := buildRidership(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	sinks, release := buildSinks(cfg, true)
	defer release()

	fmt.Fprintf(os.Stderr, "backfilling ridership for %s %s, %s ~ %s\n",
		cfg.Sources.Ridership.Station, cfg.Sources.Ridership.Line, start, end)
	_, err = ingest.Drain(ctx, buildEngine(cfg, st, m).BackfillRidership(ctx, src, from, to), sinks...)
	if err != nil {
		slog.Warn("progress sink errors", "err", err)
	}
	writeMetrics(cfg, m)
	if ctx.Err() != nil {
		return fmt.Errorf("ridership backfill interrupted: %w", ctx.Err())
	}
	return nil
}

func runBackfillWeather(ctx context.Context, start, end string) error {
	from, to, err := ingest.ParseRange(start, end)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	sinks, release := buildSinks(cfg, true)
	defer release()

	sum, err := ingest.Drain(ctx, buildEngine(cfg, st, m).BackfillWeather(ctx, buildArchive(cfg), from, to), sinks...)
	if err != nil {
		slog.Warn("progress sink errors", "err", err)
	}
	writeMetrics(cfg, m)
	if sum.Failed > 0 {
		return errors.New("weather backfill failed, see log above")
	}
	return nil
}

func runWeatherLive(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	c := cfg.Sources.Live
	if c.APIKey == "" {
		return fmt.Errorf("KMA_API_KEY not set: %w", source.ErrMissingKey)
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	live := source.NewKMANowcast(c.BaseURL, c.APIKey, c.NX, c.NY, clientOptions(c.Timeout, c.Retries))
	rec, err := buildEngine(cfg, st, m).IngestLive(ctx, live)
	writeMetrics(cfg, m)
	if err != nil {
		return fmt.Errorf("ingest live weather: %w", err)
	}

	pty := "-"
	if rec.PrecipitationType != nil {
		pty = fmt.Sprint(int(*rec.PrecipitationType))
	}
	fmt.Printf("%s  temp %s°C  humidity %s%%  precip %smm  type %s\n",
		rec.MeasuredAt.In(cfg.Location()).Format("2006-01-02 15:04"),
		fmtFloat(rec.Temperature), fmtFloat(rec.Humidity), fmtFloat(rec.Precipitation), pty)
	return nil
}

var stageOrder = []string{"merge", "generate", "store", "verify"}

func runFeatures(ctx context.Context, through string) error {
	last := -1
	for i, name := range stageOrder {
		if name == through {
			last = i
		}
	}
	if last < 0 {
		return fmt.Errorf("unknown stage %q (want one of %s)", through, strings.Join(stageOrder, ", "))
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	defer writeMetrics(cfg, m)
	p := newPipeline(cfg, st, m)
	fmt.Fprintf(os.Stderr, "feature pipeline %s (run %s)\n", p.VersionID(), p.RunID())

	stages := []func(context.Context) (pipeline.Result, error){p.Merge, p.Generate, p.Store, p.Verify}
	for _, stage := range stages[:last+1] {
		res, err := stage(ctx)
		printResult(res)
		if err != nil {
			return err
		}
		if res.Stage == "verify" {
			return printRows(os.Stdout, store.Columns(store.TableFeatures), res.Recent)
		}
	}
	return nil
}

func runVerify(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := newPipeline(cfg, st, nil).Verify(ctx)
	printResult(res)
	if err != nil {
		return err
	}
	return printRows(os.Stdout, store.Columns(store.TableFeatures), res.Recent)
}

func runStatus(ctx context.Context, jsonOutput bool) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	status, err := store.CheckStatus(ctx, st)
	if err != nil {
		return fmt.Errorf("check status: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tROWS\tRANGE")
	fmt.Fprintf(w, "%s\t%d\t%s ~ %s\n", store.TableRidership, status.Ridership, orDash(status.First), orDash(status.Last))
	fmt.Fprintf(w, "%s\t%d\t\n", store.TableWeather, status.Weather)
	fmt.Fprintf(w, "%s\t%d\t\n", store.TableFeatures, status.Features)
	if err := w.Flush(); err != nil {
		return err
	}

	if status.Ready {
		fmt.Println("\nREADY: both base tables hold more than", store.ReadyThreshold, "rows")
	} else {
		fmt.Println("\nNOT READY: backfill until both base tables hold more than", store.ReadyThreshold, "rows")
	}
	return nil
}

func runPreview(ctx context.Context, table string, limit int, jsonOutput bool) error {
	column, err := store.TimeColumn(table)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.ReadRecent(ctx, table, column, limit)
	if err != nil {
		return fmt.Errorf("preview %s: %w", table, err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		fmt.Printf("%s is empty\n", table)
		return nil
	}
	return printRows(os.Stdout, store.Columns(table), rows)
}

func runCheck(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	scheme := "-"
	if u, err := url.Parse(cfg.Database.URL); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	fmt.Fprintf(w, "database url\t%s\t%s\n", present(cfg.Database.URL), scheme)
	fmt.Fprintf(w, "database key\t%s\t\n", present(cfg.Database.Key))

	var failed []string
	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(w, "storage\tunreachable\t%v\n", err)
		failed = append(failed, "storage")
	} else {
		fmt.Fprintf(w, "storage\tok\t\n")
		st.Close()
	}

	fmt.Fprintf(w, "SEOUL_DATA_API_KEY\t%s\tridership\n", present(cfg.Sources.Ridership.APIKey))
	fmt.Fprintf(w, "KMA_API_KEY\t%s\tlive weather\n", present(cfg.Sources.Live.APIKey))
	fmt.Fprintf(w, "progress redis\t%s\t%s\n", present(cfg.Progress.RedisURL), cfg.Progress.Channel)
	alerts := "none"
	if buildAlertManager(cfg).HasNotifiers() {
		alerts = "ok"
	}
	fmt.Fprintf(w, "alerts\t%s\t\n", alerts)
	if err := w.Flush(); err != nil {
		return err
	}

	if cfg.Sources.Ridership.APIKey == "" {
		failed = append(failed, "ridership key")
	}
	if len(failed) > 0 {
		return fmt.Errorf("check failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

func runCalendar(start string, days int) error {
	day := source.Truncate(time.Now().In(source.KST))
	if start != "" {
		d, err := ingest.ParseDate(start)
		if err != nil {
			return err
		}
		day = d
	}
	if days <= 0 {
		return fmt.Errorf("--days must be positive, got %d", days)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tDOW\tWEEKEND\tHOLIDAY\tNAME")
	for _, d := range feature.CalendarRange(day, days) {
		name, _ := feature.HolidayName(d.Date)
		fmt.Fprintf(w, "%s\t%d\t%t\t%t\t%s\n",
			d.Date.Format(source.DateLayout), d.DayOfWeek, d.IsWeekend, d.IsHoliday, name)
	}
	return w.Flush()
}

func runMigrate(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(os.Stderr, "schema ready: %s, %s, %s\n", store.TableRidership, store.TableWeather, store.TableFeatures)
	return nil
}

func runDaemon(ctx context.Context, port int, runNow bool) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	src, err := buildRidership(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	sinks, release := buildSinks(cfg, false)
	defer release()

	daily := &scheduler.Daily{
		Engine:      buildEngine(cfg, st, m),
		Ridership:   src,
		Weather:     buildArchive(cfg),
		NewPipeline: func() *pipeline.Pipeline { return newPipeline(cfg, st, m) },
		Sinks:       sinks,
		Location:    cfg.Location(),
		LagDays:     cfg.Schedule.LagDays,
	}
	sched := scheduler.New(daily, buildAlertManager(cfg), scheduler.Options{
		At:       cfg.Schedule.DailyAt,
		Location: cfg.Location(),
		Metrics:  m,
		Textfile: cfg.Metrics.Textfile,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()
	fmt.Fprintf(os.Stderr, "daily run at %s %s, next %s\n", cfg.Schedule.DailyAt, cfg.Location(),
		sched.NextRun().Format(time.RFC3339))

	if runNow {
		go func() {
			if err := sched.RunOnce(ctx); err != nil {
				slog.Error("startup run failed", "err", err)
			}
		}()
	}

	return server.New(st, m, sched.RunOnce, port).ListenAndServe(ctx)
}

func printResult(res pipeline.Result) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", res.Stage, res.Message)
	if res.LogPath != "" {
		fmt.Fprintf(os.Stderr, "  execution log: %s\n", res.LogPath)
	}
}

func printRows(out io.Writer, columns []string, rows []map[string]any) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(columns, "\t")))
	for _, row := range rows {
		vals := make([]string, len(columns))
		for i, c := range columns {
			vals[i] = fmtValue(row[c])
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	return w.Flush()
}

func fmtValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		return fmt.Sprintf("%.2f", x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func fmtFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func present(v string) string {
	if v == "" {
		return "missing"
	}
	return "ok"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
