package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elonfeng/ridecast/pkg/source"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	// ErrStorageUnavailable is returned by every operation when credentials are
	// missing or the connection could not be established.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrSchemaMissing means a target table does not exist; run `ridecast migrate`.
	ErrSchemaMissing = errors.New("schema not provisioned")
)

// FeatureRow is the stored shape of model_features. Its fields are the full
// column contract; a schema change means a new version_id, not new aliases.
type FeatureRow struct {
	Date         string   `db:"date" json:"date"`
	Year         int      `db:"year" json:"year"`
	Month        int      `db:"month" json:"month"`
	Day          int      `db:"day" json:"day"`
	DayOfWeek    int      `db:"day_of_week" json:"day_of_week"`
	IsWeekend    bool     `db:"is_weekend" json:"is_weekend"`
	IsHoliday    bool     `db:"is_holiday" json:"is_holiday"`
	AvgTemp      *float64 `db:"avg_temp" json:"avg_temp"`
	PrecipTotal  *float64 `db:"precip_total" json:"precip_total"`
	TotalTraffic int64    `db:"total_traffic" json:"total_traffic"`
	Lag1d        *float64 `db:"lag_1d" json:"lag_1d"`
	Lag7d        *float64 `db:"lag_7d" json:"lag_7d"`
	Lag364d      *float64 `db:"lag_364d" json:"lag_364d"`
	Rolling7dAvg *float64 `db:"rolling_7d_avg" json:"rolling_7d_avg"`
	VersionID    string   `db:"version_id" json:"version_id"`
}

// Store is the persistence interface. Every read and write in the pipeline goes through it.
type Store interface {
	Connected(ctx context.Context) bool
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	UpsertRidership(ctx context.Context, records []source.RidershipRecord) (int, error)
	FetchAllRidership(ctx context.Context) ([]source.RidershipRecord, error)
	RidershipRange(ctx context.Context) (first, last string, err error)

	UpsertWeather(ctx context.Context, records []source.WeatherRecord) (int, error)
	FetchWeather(ctx context.Context, kind source.WeatherKind, from, to time.Time) ([]source.WeatherRecord, error)

	UpsertFeatures(ctx context.Context, rows []FeatureRow) (int, error)

	ReadRecent(ctx context.Context, table, orderColumn string, limit int) ([]map[string]any, error)
	Count(ctx context.Context, table string) (int, error)

	Close() error
}

// Options configures the adapter.
type Options struct {
	URL       string
	Key       string
	PageSize  int
	MaxRows   int
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 1000
	}
	if o.MaxRows <= 0 {
		o.MaxRows = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	return o
}

// SQLStore implements Store over database/sql. sqlite:// and file: URLs use
// the embedded SQLite driver; postgres:// URLs use pgx.
type SQLStore struct {
	opts     Options
	driver   string
	dsn      string
	validate *validator.Validate
	log      *slog.Logger

	once    sync.Once
	db      *sqlx.DB
	connErr error
}

// New creates a lazily connected adapter. Missing credentials do not fail
// here: the adapter starts disconnected and every operation returns
// ErrStorageUnavailable.
func New(opts Options) *SQLStore {
	s := &SQLStore{
		opts:     opts.withDefaults(),
		validate: validator.New(),
		log:      slog.Default().With("component", "store"),
	}

	driver, dsn, err := resolveDSN(opts.URL, opts.Key)
	if err != nil {
		s.connErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		s.once.Do(func() {})
		s.log.Warn("storage disconnected", "reason", err)
		return s
	}
	s.driver, s.dsn = driver, dsn
	return s
}

func resolveDSN(rawURL, key string) (string, string, error) {
	if rawURL == "" || key == "" {
		return "", "", errors.New("database url and key are both required")
	}

	switch {
	case strings.HasPrefix(rawURL, "sqlite://"):
		path := strings.TrimPrefix(rawURL, "sqlite://")
		return "sqlite", path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	case strings.HasPrefix(rawURL, "file:"):
		return "sqlite", rawURL, nil
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", "", fmt.Errorf("parse database url: %w", err)
		}
		if _, hasPassword := u.User.Password(); !hasPassword {
			user := "postgres"
			if u.User != nil && u.User.Username() != "" {
				user = u.User.Username()
			}
			u.User = url.UserPassword(user, key)
		}
		return "pgx", u.String(), nil
	default:
		return "", "", fmt.Errorf("unsupported database url scheme in %q", redact(rawURL))
	}
}

func redact(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		return rawURL[:i+3] + "..."
	}
	return "..."
}

func (s *SQLStore) conn(ctx context.Context) (*sqlx.DB, error) {
	s.once.Do(func() {
		db, err := sqlx.Open(s.driver, s.dsn)
		if err != nil {
			s.connErr = fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, s.driver, err)
			return
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			s.connErr = fmt.Errorf("%w: ping %s: %v", ErrStorageUnavailable, s.driver, err)
			return
		}
		if s.driver == "sqlite" {
			db.SetMaxOpenConns(1)
		}
		s.db = db
	})
	if s.connErr != nil {
		return nil, s.connErr
	}
	return s.db, nil
}

// Connected reports whether the adapter can serve requests, connecting on first use.
func (s *SQLStore) Connected(ctx context.Context) bool {
	_, err := s.conn(ctx)
	return err == nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// classify tags missing-table errors from either backend with ErrSchemaMissing.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("%s: %w: %w", op, ErrSchemaMissing, err)
	}
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%s: %w: %w", op, ErrSchemaMissing, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// insertSQL builds a multi-row INSERT with `?` placeholders for the caller to Rebind.
func insertSQL(table string, columns []string, rows int, conflict string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
	}
	if conflict != "" {
		b.WriteString(" ")
		b.WriteString(conflict)
	}
	return b.String()
}

// updateAll renders `DO UPDATE SET c = excluded.c` for every column not in the key.
func updateAll(columns []string, key ...string) string {
	skip := make(map[string]bool, len(key))
	for _, k := range key {
		skip[k] = true
	}
	var sets []string
	for _, c := range columns {
		if !skip[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(key, ", "), strings.Join(sets, ", "))
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
