package store

import (
	"context"
	"fmt"
)

// Table names.
const (
	TableRidership = "subway_traffic"
	TableWeather   = "weather_data"
	TableFeatures  = "model_features"
)

// schema is portable between SQLite and Postgres. Dates are stored as
// YYYY-MM-DD text and timestamps as RFC 3339 UTC text so ordering is lexical.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS subway_traffic (
    date            TEXT NOT NULL,
    station_name    TEXT NOT NULL,
    line_number     TEXT NOT NULL,
    boarding_count  BIGINT NOT NULL DEFAULT 0,
    alighting_count BIGINT NOT NULL DEFAULT 0,
    UNIQUE(date, station_name, line_number)
)`,
	`CREATE INDEX IF NOT EXISTS idx_subway_traffic_date ON subway_traffic(date)`,

	`CREATE TABLE IF NOT EXISTS weather_data (
    measured_at        TEXT NOT NULL,
    kind               TEXT NOT NULL DEFAULT 'archive',
    temperature        DOUBLE PRECISION,
    precipitation_type INTEGER,
    humidity           DOUBLE PRECISION,
    precipitation      DOUBLE PRECISION,
    UNIQUE(measured_at, kind)
)`,
	`CREATE INDEX IF NOT EXISTS idx_weather_data_measured_at ON weather_data(measured_at)`,

	`CREATE TABLE IF NOT EXISTS model_features (
    date           TEXT PRIMARY KEY,
    year           INTEGER NOT NULL,
    month          INTEGER NOT NULL,
    day            INTEGER NOT NULL,
    day_of_week    INTEGER NOT NULL,
    is_weekend     BOOLEAN NOT NULL,
    is_holiday     BOOLEAN NOT NULL,
    avg_temp       DOUBLE PRECISION,
    precip_total   DOUBLE PRECISION,
    total_traffic  BIGINT NOT NULL,
    lag_1d         DOUBLE PRECISION,
    lag_7d         DOUBLE PRECISION,
    lag_364d       DOUBLE PRECISION,
    rolling_7d_avg DOUBLE PRECISION,
    version_id     TEXT NOT NULL
)`,
}

// Migrate creates the tables and indexes. It is never run implicitly.
func (s *SQLStore) Migrate(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	s.log.Info("schema provisioned", "driver", s.driver)
	return nil
}
