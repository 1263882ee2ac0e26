package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/ridecast/pkg/source"
)

type fakeRidership struct {
	fail  map[string]error
	empty map[string]bool
	calls []string
}

func (f *fakeRidership) Name() source.SourceType { return source.SourceRidership }

func (f *fakeRidership) FetchDaily(_ context.Context, day time.Time) ([]source.RidershipRecord, error) {
	key := day.Format(source.CompactDateLayout)
	f.calls = append(f.calls, key)
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	if f.empty[key] {
		return nil, nil
	}
	return []source.RidershipRecord{{
		Date: day, StationName: "성수", LineNumber: "2호선", BoardingCount: 10, AlightingCount: 5,
	}}, nil
}

type memWriter struct {
	ridership map[string]source.RidershipRecord
	weather   []source.WeatherRecord
	err       error
}

func newMemWriter() *memWriter {
	return &memWriter{ridership: map[string]source.RidershipRecord{}}
}

func (m *memWriter) UpsertRidership(_ context.Context, records []source.RidershipRecord) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	for _, r := range records {
		m.ridership[r.Key()] = r
	}
	return len(records), nil
}

func (m *memWriter) UpsertWeather(_ context.Context, records []source.WeatherRecord) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.weather = append(m.weather, records...)
	return len(records), nil
}

func mustRange(t *testing.T, start, end string) (time.Time, time.Time) {
	t.Helper()
	from, to, err := ParseRange(start, end)
	if err != nil {
		t.Fatalf("ParseRange(%s, %s) error = %v", start, end, err)
	}
	return from, to
}

func TestBackfillRidershipPartialFailure(t *testing.T) {
	src := &fakeRidership{
		fail:  map[string]error{"20240103": &source.TransportError{Source: source.SourceRidership, Err: errors.New("connection reset")}},
		empty: map[string]bool{"20240104": true},
	}
	w := newMemWriter()
	from, to := mustRange(t, "20240101", "20240105")

	var events []Event
	for ev := range New(w, WithDelay(NoDelay)).BackfillRidership(context.Background(), src, from, to) {
		events = append(events, ev)
	}

	if len(events) != 6 {
		t.Fatalf("got %d events, want 5 dates + summary", len(events))
	}
	var failed []string
	for i, ev := range events[:5] {
		if want := from.AddDate(0, 0, i); !ev.Date.Equal(want) {
			t.Errorf("event %d date = %v, want %v", i, ev.Date, want)
		}
		if ev.Index != i+1 || ev.Total != 5 {
			t.Errorf("event %d position = %d/%d", i, ev.Index, ev.Total)
		}
		if ev.Outcome == OutcomeFailed {
			failed = append(failed, ev.String())
		}
	}
	if len(failed) != 1 {
		t.Fatalf("got %d error lines, want 1: %v", len(failed), failed)
	}
	if !strings.Contains(failed[0], "20240103") || !strings.Contains(failed[0], "connection reset") {
		t.Errorf("error line = %q", failed[0])
	}
	if events[3].Outcome != OutcomeNoData {
		t.Errorf("20240104 outcome = %s, want no_data", events[3].Outcome)
	}

	last := events[5]
	if last.Outcome != OutcomeSummary {
		t.Fatalf("final event = %s, want summary", last.Outcome)
	}
	want := Summary{Days: 5, Saved: 3, NoData: 1, Failed: 1, Rows: 3}
	if *last.Summary != want {
		t.Errorf("summary = %+v, want %+v", *last.Summary, want)
	}
	if len(w.ridership) != 3 {
		t.Errorf("stored %d records, want 3", len(w.ridership))
	}
}

func TestBackfillRidershipIdempotentRerun(t *testing.T) {
	w := newMemWriter()
	e := New(w, WithDelay(NoDelay))
	from, to := mustRange(t, "20240101", "20240103")

	for i := 0; i < 2; i++ {
		if _, err := Drain(context.Background(), e.BackfillRidership(context.Background(), &fakeRidership{}, from, to)); err != nil {
			t.Fatal(err)
		}
	}
	if len(w.ridership) != 3 {
		t.Errorf("stored %d records after rerun, want 3", len(w.ridership))
	}
}

func TestBackfillRidershipOneShot(t *testing.T) {
	src := &fakeRidership{}
	from, to := mustRange(t, "20240101", "20240102")
	seq := New(newMemWriter(), WithDelay(NoDelay)).BackfillRidership(context.Background(), src, from, to)

	first := 0
	for range seq {
		first++
	}
	second := 0
	for range seq {
		second++
	}
	if first != 3 || second != 0 {
		t.Errorf("events = %d then %d, want 3 then 0", first, second)
	}
	if len(src.calls) != 2 {
		t.Errorf("source called %d times, want 2", len(src.calls))
	}
}

func TestBackfillRidershipCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeRidership{}
	from, to := mustRange(t, "20240101", "20240110")

	var events []Event
	for ev := range New(newMemWriter(), WithDelay(NoDelay)).BackfillRidership(ctx, src, from, to) {
		events = append(events, ev)
		if ev.Index == 2 {
			cancel()
		}
	}
	if len(src.calls) != 2 {
		t.Errorf("source called %d times after cancel, want 2", len(src.calls))
	}
	last := events[len(events)-1]
	if last.Outcome != OutcomeSummary || last.Summary.Days != 2 {
		t.Errorf("final event = %+v, want summary of 2 days", last)
	}
}

func TestBackfillRidershipStoreError(t *testing.T) {
	w := newMemWriter()
	w.err = errors.New("storage unavailable")
	from, to := mustRange(t, "20240101", "20240102")

	sum, err := Drain(context.Background(), New(w, WithDelay(NoDelay)).BackfillRidership(context.Background(), &fakeRidership{}, from, to))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 2 || sum.Saved != 0 {
		t.Errorf("summary = %+v, want 2 failed", sum)
	}
}

type fakeHistory struct {
	days  []source.DailyWeather
	err   error
	calls int
}

func (f *fakeHistory) FetchHistory(_ context.Context, _, _ time.Time) ([]source.DailyWeather, error) {
	f.calls++
	return f.days, f.err
}

func TestBackfillWeather(t *testing.T) {
	temp := 1.5
	from, to := mustRange(t, "20240101", "20240102")
	tests := []struct {
		name    string
		hist    *fakeHistory
		outcome Outcome
		stored  int
	}{
		{
			name: "saved",
			hist: &fakeHistory{days: []source.DailyWeather{
				{Date: from, AvgTemp: &temp},
				{Date: to, AvgTemp: &temp, PrecipitationType: source.PrecipRain},
			}},
			outcome: OutcomeSaved,
			stored:  2,
		},
		{name: "empty", hist: &fakeHistory{}, outcome: OutcomeNoData},
		{name: "upstream error", hist: &fakeHistory{err: &source.ParseError{Source: source.SourceArchive, Err: errors.New("bad json")}}, outcome: OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newMemWriter()
			var events []Event
			for ev := range New(w).BackfillWeather(context.Background(), tt.hist, from, to) {
				events = append(events, ev)
			}
			if tt.hist.calls != 1 {
				t.Errorf("archive called %d times, want 1", tt.hist.calls)
			}
			if len(events) != 2 || events[1].Outcome != OutcomeSummary {
				t.Fatalf("events = %v", events)
			}
			if events[0].Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", events[0].Outcome, tt.outcome)
			}
			if len(w.weather) != tt.stored {
				t.Errorf("stored %d rows, want %d", len(w.weather), tt.stored)
			}
			for _, rec := range w.weather {
				if rec.Kind != source.WeatherArchive || rec.MeasuredAt.Hour() != 3 {
					t.Errorf("stored %+v, want archive row at 03:00 UTC", rec)
				}
			}
		})
	}
}

type fakeLive struct {
	rec source.WeatherRecord
	err error
}

func (f fakeLive) FetchCurrent(context.Context) (source.WeatherRecord, error) { return f.rec, f.err }

func TestIngestLive(t *testing.T) {
	w := newMemWriter()
	temp := 4.0
	rec, err := New(w).IngestLive(context.Background(), fakeLive{rec: source.WeatherRecord{MeasuredAt: time.Now(), Temperature: &temp}})
	if err != nil {
		t.Fatalf("IngestLive() error = %v", err)
	}
	if rec.Kind != source.WeatherLive || len(w.weather) != 1 {
		t.Errorf("IngestLive() stored %+v", w.weather)
	}

	_, err = New(w).IngestLive(context.Background(), fakeLive{err: source.ErrMissingKey})
	if !errors.Is(err, source.ErrMissingKey) {
		t.Errorf("IngestLive() error = %v, want ErrMissingKey", err)
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		start, end string
		parseErr   bool
		wantErr    bool
	}{
		{"20240101", "20240110", false, false},
		{"20240101", "20240101", false, false},
		{"2024-01-01", "20240110", true, true},
		{"20240101", "2024013", true, true},
		{"20240110", "20240101", false, true},
	}
	for _, tt := range tests {
		_, _, err := ParseRange(tt.start, tt.end)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRange(%s, %s) error = %v, wantErr %v", tt.start, tt.end, err, tt.wantErr)
		}
		var dpe *DateParseError
		if errors.As(err, &dpe) != tt.parseErr {
			t.Errorf("ParseRange(%s, %s) DateParseError = %v, want %v", tt.start, tt.end, err, tt.parseErr)
		}
	}
}

func TestDrainWriterSink(t *testing.T) {
	var buf bytes.Buffer
	from, to := mustRange(t, "20240101", "20240102")
	seq := New(newMemWriter(), WithDelay(NoDelay)).BackfillRidership(context.Background(), &fakeRidership{}, from, to)

	sum, err := Drain(context.Background(), seq, WriterSink{W: &buf})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Saved != 2 {
		t.Errorf("summary saved = %d, want 2", sum.Saved)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("printed %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if lines[0] != "[Ridership 1/2] 20240101: saved 1 rows" {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestEventJSON(t *testing.T) {
	ev := Event{
		Label: "Ridership", Outcome: OutcomeFailed, Index: 2, Total: 3,
		Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Err: errors.New("timeout"),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["date"] != "2024-01-02" || got["error"] != "timeout" || got["outcome"] != "failed" {
		t.Errorf("json = %s", data)
	}
}
