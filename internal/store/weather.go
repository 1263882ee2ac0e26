package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/ridecast/pkg/source"
)

var weatherColumns = []string{"measured_at", "kind", "temperature", "precipitation_type", "humidity", "precipitation"}

type weatherRow struct {
	MeasuredAt        string   `db:"measured_at"`
	Kind              string   `db:"kind"`
	Temperature       *float64 `db:"temperature"`
	PrecipitationType *int64   `db:"precipitation_type"`
	Humidity          *float64 `db:"humidity"`
	Precipitation     *float64 `db:"precipitation"`
}

// UpsertWeather stores weather records. Archive rows overwrite on
// (measured_at, kind) so re-running a backfill is safe; live rows are
// append-only and a repeated observation for the same hour is ignored.
func (s *SQLStore) UpsertWeather(ctx context.Context, records []source.WeatherRecord) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	byKind := map[source.WeatherKind][]weatherRow{}
	seen := map[string]int{}
	for _, r := range records {
		kind := r.Kind
		if kind == "" {
			kind = source.WeatherArchive
		}
		measured := r.MeasuredAt
		if measured.IsZero() {
			measured = time.Now()
		}
		row := weatherRow{
			MeasuredAt:    measured.UTC().Format(time.RFC3339),
			Kind:          string(kind),
			Temperature:   finite(r.Temperature),
			Humidity:      finite(r.Humidity),
			Precipitation: finite(r.Precipitation),
		}
		if r.PrecipitationType != nil {
			pty := int64(*r.PrecipitationType)
			row.PrecipitationType = &pty
		}

		key := row.MeasuredAt + "|" + row.Kind
		if i, dup := seen[key]; dup {
			byKind[kind][i] = row
			continue
		}
		seen[key] = len(byKind[kind])
		byKind[kind] = append(byKind[kind], row)
	}

	var (
		written int
		errs    []error
	)
	for kind, rows := range byKind {
		conflict := updateAll(weatherColumns, "measured_at", "kind")
		if kind == source.WeatherLive {
			conflict = "ON CONFLICT(measured_at, kind) DO NOTHING"
		}
		for _, chunk := range chunks(rows, s.opts.BatchSize) {
			args := make([]any, 0, len(chunk)*len(weatherColumns))
			for _, r := range chunk {
				args = append(args, r.MeasuredAt, r.Kind, r.Temperature, r.PrecipitationType, r.Humidity, r.Precipitation)
			}
			query := db.Rebind(insertSQL(TableWeather, weatherColumns, len(chunk), conflict))
			if _, err := db.ExecContext(ctx, query, args...); err != nil {
				errs = append(errs, classify("upsert "+TableWeather, err))
				continue
			}
			written += len(chunk)
		}
	}
	return written, errors.Join(errs...)
}

// FetchWeather returns rows of one kind measured within [from, to), oldest first.
func (s *SQLStore) FetchWeather(ctx context.Context, kind source.WeatherKind, from, to time.Time) ([]source.WeatherRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []weatherRow
	query := db.Rebind(`SELECT measured_at, kind, temperature, precipitation_type, humidity, precipitation
		FROM weather_data WHERE kind = ? AND measured_at >= ? AND measured_at < ? ORDER BY measured_at`)
	err = db.SelectContext(ctx, &rows, query, string(kind),
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, classify("fetch "+TableWeather, err)
	}

	out := make([]source.WeatherRecord, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(time.RFC3339, row.MeasuredAt)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: bad measured_at %q: %w", TableWeather, row.MeasuredAt, err)
		}
		rec := source.WeatherRecord{
			MeasuredAt:    ts,
			Kind:          source.WeatherKind(row.Kind),
			Temperature:   row.Temperature,
			Humidity:      row.Humidity,
			Precipitation: row.Precipitation,
		}
		if row.PrecipitationType != nil {
			pty := source.PrecipitationType(*row.PrecipitationType)
			rec.PrecipitationType = &pty
		}
		out = append(out, rec)
	}
	return out, nil
}
