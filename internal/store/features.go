package store

import (
	"context"
	"fmt"
	"math"
	"strings"
)

var featureColumns = []string{
	"date", "year", "month", "day", "day_of_week", "is_weekend", "is_holiday",
	"avg_temp", "precip_total", "total_traffic",
	"lag_1d", "lag_7d", "lag_364d", "rolling_7d_avg", "version_id",
}

// UpsertFeatures writes feature rows keyed on date in BatchSize chunks.
// NaN and Inf are written as NULL. The first failing chunk stops the write and
// its error is returned as is; rows in earlier chunks stay written.
func (s *SQLStore) UpsertFeatures(ctx context.Context, rows []FeatureRow) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	conflict := updateAll(featureColumns, "date")
	written := 0
	for _, chunk := range chunks(rows, s.opts.BatchSize) {
		args := make([]any, 0, len(chunk)*len(featureColumns))
		for _, r := range chunk {
			args = append(args,
				r.Date, r.Year, r.Month, r.Day, r.DayOfWeek, r.IsWeekend, r.IsHoliday,
				finite(r.AvgTemp), finite(r.PrecipTotal), r.TotalTraffic,
				finite(r.Lag1d), finite(r.Lag7d), finite(r.Lag364d), finite(r.Rolling7dAvg), r.VersionID,
			)
		}
		query := db.Rebind(insertSQL(TableFeatures, featureColumns, len(chunk), conflict))
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return written, classify("upsert "+TableFeatures, err)
		}
		written += len(chunk)
		s.log.Debug("feature chunk written", "rows", len(chunk), "total", written)
	}
	return written, nil
}

// readable lists each table's sortable columns; anything else is rejected.
var readable = map[string][]string{
	TableRidership: ridershipColumns,
	TableWeather:   weatherColumns,
	TableFeatures:  featureColumns,
}

// ReadRecent returns up to limit rows of table ordered by orderColumn descending.
func (s *SQLStore) ReadRecent(ctx context.Context, table, orderColumn string, limit int) ([]map[string]any, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkColumn(table, orderColumn); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	query := db.Rebind(fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC LIMIT ?",
		strings.Join(readable[table], ", "), table, orderColumn))
	rows, err := db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, classify("read "+table, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		m := make(map[string]any)
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("read %s: %w", table, err)
		}
		for k, v := range m {
			if b, ok := v.([]byte); ok {
				m[k] = string(b)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read "+table, err)
	}
	return out, nil
}

// Count returns the number of rows in table.
func (s *SQLStore) Count(ctx context.Context, table string) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	if _, ok := readable[table]; !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, classify("count "+table, err)
	}
	return n, nil
}

// Columns returns the readable columns of table.
func Columns(table string) []string {
	return readable[table]
}

func checkColumn(table, column string) error {
	cols, ok := readable[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	for _, c := range cols {
		if c == column {
			return nil
		}
	}
	return fmt.Errorf("unknown column %q for table %s", column, table)
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}
