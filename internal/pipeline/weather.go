package pipeline

import (
	"context"
	"time"

	"github.com/elonfeng/ridecast/pkg/source"
)

// WeatherReader reads stored weather rows.
type WeatherReader interface {
	FetchWeather(ctx context.Context, kind source.WeatherKind, from, to time.Time) ([]source.WeatherRecord, error)
}

// StoredWeather serves daily weather history from archive rows already in
// storage instead of calling the upstream archive.
type StoredWeather struct {
	Store    WeatherReader
	Location *time.Location
}

func (w StoredWeather) FetchHistory(ctx context.Context, start, end time.Time) ([]source.DailyWeather, error) {
	loc := w.Location
	if loc == nil {
		loc = source.KST
	}
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	records, err := w.Store.FetchWeather(ctx, source.WeatherArchive, from, to)
	if err != nil {
		return nil, err
	}

	days := make([]source.DailyWeather, 0, len(records))
	for _, r := range records {
		local := r.MeasuredAt.In(loc)
		d := source.DailyWeather{
			Date:        time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC),
			AvgTemp:     r.Temperature,
			PrecipTotal: r.Precipitation,
		}
		if r.PrecipitationType != nil {
			d.PrecipitationType = *r.PrecipitationType
		}
		days = append(days, d)
	}
	return days, nil
}
