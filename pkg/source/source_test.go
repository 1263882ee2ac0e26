package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testOpts = ClientOptions{Timeout: 5 * time.Second, Retries: 0}

func ptr[T any](v T) *T { return &v }

func TestSeoulRidershipFetchDaily(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"CardSubwayStatsNew":{"list_total_count":3,
			"RESULT":{"CODE":"INFO-000","MESSAGE":"OK"},
			"row":[
				{"USE_DT":"20240102","LINE_NUM":"2호선","SUB_STA_NM":"성수","RIDE_PASGR_NUM":52113,"ALIGHT_PASGR_NUM":"50880"},
				{"USE_DT":"20240102","LINE_NUM":"2호선","SUB_STA_NM":"강남","RIDE_PASGR_NUM":90000,"ALIGHT_PASGR_NUM":91000},
				{"USE_DT":"20240102","LINE_NUM":"2호선","SUB_STA_NM":"성수","ALIGHT_PASGR_NUM":1}
			]}}`))
	}))
	defer srv.Close()

	src := NewSeoulRidership(srv.URL, "key123", nil, testOpts)
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	recs, err := src.FetchDaily(context.Background(), day)
	if err != nil {
		t.Fatalf("FetchDaily() error = %v", err)
	}

	if want := "/key123/json/CardSubwayStatsNew/1/1000/20240102"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1 (other station filtered, incomplete row skipped)", len(recs))
	}
	r := recs[0]
	if r.StationName != "성수" || r.LineNumber != "2호선" {
		t.Errorf("station/line = %q/%q", r.StationName, r.LineNumber)
	}
	if r.BoardingCount != 52113 || r.AlightingCount != 50880 {
		t.Errorf("counts = %d/%d, want 52113/50880", r.BoardingCount, r.AlightingCount)
	}
	if !r.Date.Equal(day) {
		t.Errorf("date = %v, want %v", r.Date, day)
	}
}

func TestSeoulRidershipNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"RESULT":{"CODE":"INFO-200","MESSAGE":"no data"}}`))
	}))
	defer srv.Close()

	src := NewSeoulRidership(srv.URL, "k", nil, testOpts)
	recs, err := src.FetchDaily(context.Background(), time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchDaily() error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records, want 0", len(recs))
	}
}

func TestSeoulRidershipErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantParse bool
	}{
		{"server error", http.StatusInternalServerError, `oops`, false},
		{"api error code", http.StatusOK, `{"RESULT":{"CODE":"ERROR-337","MESSAGE":"limit"}}`, true},
		{"not json", http.StatusOK, `<xml/>`, true},
		{"unknown envelope", http.StatusOK, `{"other":{}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			src := NewSeoulRidership(srv.URL, "k", nil, testOpts)
			_, err := src.FetchDaily(context.Background(), time.Now())
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *ParseError
			var te *TransportError
			if tt.wantParse && !errors.As(err, &pe) {
				t.Errorf("err = %v, want ParseError", err)
			}
			if !tt.wantParse && !errors.As(err, &te) {
				t.Errorf("err = %v, want TransportError", err)
			}
		})
	}
}

func TestSeoulRidershipMissingKey(t *testing.T) {
	src := NewSeoulRidership("http://unused", "", nil, testOpts)
	if _, err := src.FetchDaily(context.Background(), time.Now()); !errors.Is(err, ErrMissingKey) {
		t.Errorf("err = %v, want ErrMissingKey", err)
	}
}

func TestOpenMeteoArchiveFetchHistory(t *testing.T) {
	var q map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q = map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		w.Write([]byte(`{"daily":{
			"time":["2024-01-01","2024-01-02","2024-01-03","2024-01-04"],
			"temperature_2m_mean":[-1.5,2.0,null,0.5],
			"precipitation_sum":[0,3.2,1.0,4.0],
			"rain_sum":[0,3.2,0,1.0],
			"snowfall_sum":[0,0,0.7,2.1]}}`))
	}))
	defer srv.Close()

	src := NewOpenMeteoArchive(srv.URL, 0, 0, "", testOpts)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	days, err := src.FetchHistory(context.Background(), start, end)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}

	if q["start_date"] != "2024-01-01" || q["end_date"] != "2024-01-04" {
		t.Errorf("range params = %s..%s", q["start_date"], q["end_date"])
	}
	if q["timezone"] != DefaultTimezone {
		t.Errorf("timezone = %q, want %q", q["timezone"], DefaultTimezone)
	}
	if !strings.Contains(q["daily"], "temperature_2m_mean") {
		t.Errorf("daily = %q", q["daily"])
	}

	if len(days) != 4 {
		t.Fatalf("got %d days, want 4", len(days))
	}
	wantPTY := []PrecipitationType{PrecipNone, PrecipRain, PrecipSnow, PrecipRainSnow}
	for i, d := range days {
		if d.PrecipitationType != wantPTY[i] {
			t.Errorf("day %d pty = %d, want %d", i, d.PrecipitationType, wantPTY[i])
		}
	}
	if days[2].AvgTemp != nil {
		t.Errorf("null temperature should stay nil, got %v", *days[2].AvgTemp)
	}
	if days[1].AvgTemp == nil || *days[1].AvgTemp != 2.0 {
		t.Errorf("day 1 avg temp = %v, want 2.0", days[1].AvgTemp)
	}
}

func TestUpstreamRetries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
		wantErr   bool
	}{
		{"server error recovers", http.StatusServiceUnavailable, 2, false},
		{"rate limit recovers", http.StatusTooManyRequests, 2, false},
		{"client error is final", http.StatusNotFound, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(tt.status)
					return
				}
				w.Write([]byte(`{"daily":{"time":["2024-01-01"],"temperature_2m_mean":[1.0],
					"precipitation_sum":[0],"rain_sum":[0],"snowfall_sum":[0]}}`))
			}))
			defer srv.Close()

			opts := ClientOptions{Timeout: 5 * time.Second, Retries: 2, RetryWait: 5 * time.Millisecond}
			src := NewOpenMeteoArchive(srv.URL, 0, 0, "", opts)
			day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			_, err := src.FetchHistory(context.Background(), day, day)
			if (err != nil) != tt.wantErr {
				t.Errorf("FetchHistory() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestOpenMeteoArchiveMalformed(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		wantLen int
	}{
		{"empty daily", `{"daily":{}}`, false, 0},
		{"no daily", `{}`, false, 0},
		{"ragged arrays", `{"daily":{"time":["2024-01-01","2024-01-02"],"temperature_2m_mean":[1],
			"precipitation_sum":[0,0],"rain_sum":[0,0],"snowfall_sum":[0,0]}}`, true, 0},
		{"bad json", `{`, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			src := NewOpenMeteoArchive(srv.URL, 0, 0, "", testOpts)
			now := time.Now()
			days, err := src.FetchHistory(context.Background(), now, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(days) != tt.wantLen {
				t.Errorf("got %d days, want %d", len(days), tt.wantLen)
			}
		})
	}
}

func TestParseObservation(t *testing.T) {
	now := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)

	t.Run("pivots categories", func(t *testing.T) {
		body := []byte(`{"response":{"header":{"resultCode":"00","resultMsg":"NORMAL_SERVICE"},
			"body":{"items":{"item":[
				{"baseDate":"20240301","baseTime":"1300","category":"T1H","obsrValue":"7.4"},
				{"baseDate":"20240301","baseTime":"1300","category":"PTY","obsrValue":"1"},
				{"baseDate":"20240301","baseTime":"1300","category":"REH","obsrValue":62},
				{"baseDate":"20240301","baseTime":"1300","category":"WSD","obsrValue":"2.1"}
			]}}}}`)
		rec, err := ParseObservation(body, now)
		if err != nil {
			t.Fatalf("ParseObservation() error = %v", err)
		}
		if rec.Temperature == nil || *rec.Temperature != 7.4 {
			t.Errorf("temperature = %v, want 7.4", rec.Temperature)
		}
		if rec.PrecipitationType == nil || *rec.PrecipitationType != PrecipRain {
			t.Errorf("pty = %v, want rain", rec.PrecipitationType)
		}
		if rec.Humidity == nil || *rec.Humidity != 62 {
			t.Errorf("humidity = %v, want 62", rec.Humidity)
		}
		want := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
		if !rec.MeasuredAt.Equal(want) {
			t.Errorf("measured_at = %v, want %v", rec.MeasuredAt, want)
		}
		if rec.Kind != WeatherLive {
			t.Errorf("kind = %q, want live", rec.Kind)
		}
	})

	t.Run("missing fields fall back", func(t *testing.T) {
		body := []byte(`{"response":{"header":{"resultCode":"00"},"body":{"items":{"item":[]}}}}`)
		rec, err := ParseObservation(body, now)
		if err != nil {
			t.Fatalf("ParseObservation() error = %v", err)
		}
		if rec.Temperature != nil || rec.Humidity != nil || rec.PrecipitationType != nil {
			t.Errorf("expected nil fields, got %+v", rec)
		}
		if !rec.MeasuredAt.Equal(now) {
			t.Errorf("measured_at = %v, want now %v", rec.MeasuredAt, now)
		}
	})

	t.Run("folds extended pty codes", func(t *testing.T) {
		tests := []struct {
			code string
			want *PrecipitationType
		}{
			{"0", ptr(PrecipNone)},
			{"3", ptr(PrecipSnow)},
			{"5", ptr(PrecipRain)},
			{"6", ptr(PrecipRainSnow)},
			{"7", ptr(PrecipSnow)},
			{"9", nil},
		}
		for _, tt := range tests {
			body := []byte(`{"response":{"header":{"resultCode":"00"},"body":{"items":{"item":[
				{"baseDate":"20240301","baseTime":"1300","category":"PTY","obsrValue":"` + tt.code + `"}]}}}}`)
			rec, err := ParseObservation(body, now)
			if err != nil {
				t.Fatalf("ParseObservation(pty %s) error = %v", tt.code, err)
			}
			switch {
			case tt.want == nil && rec.PrecipitationType != nil:
				t.Errorf("pty %s = %v, want nil", tt.code, *rec.PrecipitationType)
			case tt.want != nil && (rec.PrecipitationType == nil || *rec.PrecipitationType != *tt.want):
				t.Errorf("pty %s = %v, want %v", tt.code, rec.PrecipitationType, *tt.want)
			}
		}
	})

	t.Run("api error", func(t *testing.T) {
		body := []byte(`{"response":{"header":{"resultCode":"30","resultMsg":"SERVICE_KEY_IS_NOT_REGISTERED_ERROR"}}}`)
		if _, err := ParseObservation(body, now); err == nil {
			t.Error("expected error for non-00 result code")
		}
	})
}

func TestBaseTime(t *testing.T) {
	// 00:30 KST on Mar 2 -> previous hour is 23:00 on Mar 1.
	now := time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)
	date, hour := BaseTime(now)
	if date != "20240301" || hour != "2300" {
		t.Errorf("BaseTime() = %s %s, want 20240301 2300", date, hour)
	}
}

func TestStationFilter(t *testing.T) {
	f := NewStationFilter("", "")
	if !f.Matches(" 성수 ", "2호선") {
		t.Error("default filter should match Seongsu line 2")
	}
	if f.Matches("성수", "7호선") {
		t.Error("filter should reject other lines")
	}
}

func TestDailyWeatherRecord(t *testing.T) {
	temp := 3.5
	d := DailyWeather{Date: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), AvgTemp: &temp, PrecipitationType: PrecipSnow}
	rec := d.Record(KST)
	want := time.Date(2024, 1, 5, 3, 0, 0, 0, time.UTC)
	if !rec.MeasuredAt.Equal(want) {
		t.Errorf("measured_at = %v, want %v", rec.MeasuredAt, want)
	}
	if rec.Kind != WeatherArchive || rec.Humidity != nil {
		t.Errorf("unexpected record %+v", rec)
	}
}
