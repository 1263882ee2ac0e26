package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/ridecast/pkg/source"
)

var ridershipColumns = []string{"date", "station_name", "line_number", "boarding_count", "alighting_count"}

type ridershipRow struct {
	Date           string `db:"date"`
	StationName    string `db:"station_name"`
	LineNumber     string `db:"line_number"`
	BoardingCount  int64  `db:"boarding_count"`
	AlightingCount int64  `db:"alighting_count"`
}

// UpsertRidership writes records keyed on (date, station_name, line_number).
// Invalid records are skipped and logged. Within one call the last record for
// a key wins. A failing chunk does not stop later chunks; the returned count
// covers the chunks that landed and the error joins every chunk failure.
func (s *SQLStore) UpsertRidership(ctx context.Context, records []source.RidershipRecord) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	index := make(map[string]int, len(records))
	var rows []ridershipRow
	for _, r := range records {
		if err := s.validate.Struct(r); err != nil {
			s.log.Warn("skipping invalid ridership record", "key", r.Key(), "err", err)
			continue
		}
		row := ridershipRow{
			Date:           r.Date.Format(source.DateLayout),
			StationName:    r.StationName,
			LineNumber:     r.LineNumber,
			BoardingCount:  r.BoardingCount,
			AlightingCount: r.AlightingCount,
		}
		if i, dup := index[r.Key()]; dup {
			rows[i] = row
			continue
		}
		index[r.Key()] = len(rows)
		rows = append(rows, row)
	}

	conflict := updateAll(ridershipColumns, "date", "station_name", "line_number")
	var (
		written int
		errs    []error
	)
	for _, chunk := range chunks(rows, s.opts.BatchSize) {
		args := make([]any, 0, len(chunk)*len(ridershipColumns))
		for _, r := range chunk {
			args = append(args, r.Date, r.StationName, r.LineNumber, r.BoardingCount, r.AlightingCount)
		}
		query := db.Rebind(insertSQL(TableRidership, ridershipColumns, len(chunk), conflict))
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			errs = append(errs, classify("upsert "+TableRidership, err))
			continue
		}
		written += len(chunk)
	}
	return written, errors.Join(errs...)
}

// FetchAllRidership pages through the whole table ordered by date. Reading
// stops at MaxRows; hitting the ceiling is logged.
func (s *SQLStore) FetchAllRidership(ctx context.Context) ([]source.RidershipRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Rebind(`SELECT date, station_name, line_number, boarding_count, alighting_count
		FROM subway_traffic ORDER BY date, station_name, line_number LIMIT ? OFFSET ?`)

	var records []source.RidershipRecord
	for offset := 0; offset < s.opts.MaxRows; offset += s.opts.PageSize {
		limit := min(s.opts.PageSize, s.opts.MaxRows-offset)
		var page []ridershipRow
		if err := db.SelectContext(ctx, &page, query, limit, offset); err != nil {
			return nil, classify("fetch "+TableRidership, err)
		}
		for _, row := range page {
			day, err := time.Parse(source.DateLayout, row.Date)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: bad date %q: %w", TableRidership, row.Date, err)
			}
			records = append(records, source.RidershipRecord{
				Date:           day,
				StationName:    row.StationName,
				LineNumber:     row.LineNumber,
				BoardingCount:  row.BoardingCount,
				AlightingCount: row.AlightingCount,
			})
		}
		if len(page) < limit {
			return records, nil
		}
	}

	s.log.Warn("ridership fetch hit row ceiling", "max_rows", s.opts.MaxRows)
	return records, nil
}

// RidershipRange returns the first and last stored dates, or empty strings for an empty table.
func (s *SQLStore) RidershipRange(ctx context.Context) (string, string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return "", "", err
	}
	var first, last sql.NullString
	err = db.QueryRowxContext(ctx, "SELECT MIN(date), MAX(date) FROM subway_traffic").Scan(&first, &last)
	if err != nil {
		return "", "", classify("range "+TableRidership, err)
	}
	return first.String, last.String, nil
}
