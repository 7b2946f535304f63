package ingest

import (
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pvallen/gridcast/internal/models"
)

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadTSF(t *testing.T) {
	path := writeFixture(t, "phase.tsf", `@attribute series_name string
@attribute start_timestamp date
@frequency 15_minutes
@horizon 96
@missing true
@equallength false
@data
Building0:2020-11-01 00-00-00:10,?,12
Solar3:2020-11-01 00-00-00:0,1.5,3
`)

	res, err := LoadTSF(path)
	if err != nil {
		t.Fatalf("LoadTSF: %v", err)
	}
	if len(res.Sites) != 2 || len(res.Series) != 2 {
		t.Fatalf("got %d sites, %d series, want 2 each", len(res.Sites), len(res.Series))
	}
	if res.Meta.Horizon != 96 {
		t.Errorf("Meta.Horizon = %d, want 96", res.Meta.Horizon)
	}

	if res.Sites[0].Kind != KindBuilding {
		t.Errorf("Building0 kind = %q, want %q", res.Sites[0].Kind, KindBuilding)
	}
	if res.Sites[1].Kind != KindSolar {
		t.Errorf("Solar3 kind = %q, want %q", res.Sites[1].Kind, KindSolar)
	}

	b0 := res.Series[0]
	if b0.Freq != 15*time.Minute {
		t.Errorf("Freq = %v, want 15m", b0.Freq)
	}
	wantStart := time.Date(2020, 11, 1, 0, 0, 0, 0, time.UTC)
	if !b0.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", b0.Start, wantStart)
	}
	if len(b0.Values) != 3 || !math.IsNaN(b0.Values[1]) {
		t.Errorf("Values = %v, want missing slot at index 1", b0.Values)
	}
}

func TestValidateSeries(t *testing.T) {
	s := models.Series{
		SiteID: "Solar0",
		Start:  time.Date(2020, 11, 1, 0, 0, 0, 0, time.UTC),
		Freq:   15 * time.Minute,
		Values: []float64{5, math.NaN(), -2, 4000},
	}

	flags := ValidateSeries(s, KindSolar, 3000)
	if len(flags) != 4 {
		t.Fatalf("len(flags) = %d, want 4", len(flags))
	}
	if flags[0] != nil {
		t.Errorf("clean value flagged: %v", flags[0])
	}
	if len(flags[1]) != 1 || flags[1][0] != FlagValueMissing {
		t.Errorf("flags[1] = %v, want [%s]", flags[1], FlagValueMissing)
	}
	// negative generation on a solar site carries both flags
	if len(flags[2]) != 2 || flags[2][0] != FlagNegativeValue || flags[2][1] != FlagNegativeSolarOnly {
		t.Errorf("flags[2] = %v", flags[2])
	}
	if len(flags[3]) != 1 || flags[3][0] != FlagAboveCeiling {
		t.Errorf("flags[3] = %v, want [%s]", flags[3], FlagAboveCeiling)
	}

	building := ValidateSeries(s, KindBuilding, 3000)
	if len(building[2]) != 1 || building[2][0] != FlagNegativeValue {
		t.Errorf("building flags[2] = %v, want [%s]", building[2], FlagNegativeValue)
	}
}

func TestQualityFlagsToJSON(t *testing.T) {
	if got := QualityFlagsToJSON(nil); got != "" {
		t.Errorf("empty flags = %q, want empty string", got)
	}
	got := QualityFlagsToJSON([]string{FlagValueMissing, FlagAboveCeiling})
	want := `["value_missing","above_ceiling"]`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReadPrices(t *testing.T) {
	path := writeFixture(t, "prices.csv", `REGION,SETTLEMENTDATE,TOTALDEMAND,RRP,PERIODTYPE
VIC1,"2020/10/01 00:30:00",4000,45.5,TRADE
VIC1,"2020/10/01 01:00:00",3900,-12.25,TRADE
`)

	prices, err := ReadPrices(path)
	if err != nil {
		t.Fatalf("ReadPrices: %v", err)
	}
	// each half-hourly settlement row becomes two 15-minute rows
	if len(prices) != 4 {
		t.Fatalf("len(prices) = %d, want 4", len(prices))
	}

	want := []models.PriceRecord{
		{Timestamp: time.Date(2020, 10, 1, 0, 15, 0, 0, time.UTC), Price: 45.5},
		{Timestamp: time.Date(2020, 10, 1, 0, 30, 0, 0, time.UTC), Price: 45.5},
		{Timestamp: time.Date(2020, 10, 1, 0, 45, 0, 0, time.UTC), Price: -12.25},
		{Timestamp: time.Date(2020, 10, 1, 1, 0, 0, 0, time.UTC), Price: -12.25},
	}
	for i, p := range prices {
		if !p.Timestamp.Equal(want[i].Timestamp) || p.Price != want[i].Price {
			t.Errorf("prices[%d] = %+v, want %+v", i, p, want[i])
		}
	}
}

func TestReadPricesErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing columns", "REGION,TOTALDEMAND\nVIC1,4000\n"},
		{"bad timestamp", "SETTLEMENTDATE,RRP\nnot-a-date,45.5\n"},
		{"bad price", "SETTLEMENTDATE,RRP\n2020/10/01 00:30:00,cheap\n"},
		{"no data rows", "SETTLEMENTDATE,RRP\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parsePrices(strings.NewReader(tt.content)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestPriceClientFetch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/PRICE_AND_DEMAND_202011_VIC1.csv" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte("SETTLEMENTDATE,RRP\n"))
	}))
	defer srv.Close()

	body, err := NewPriceClient(srv.URL).Fetch("202011", "VIC1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != "SETTLEMENTDATE,RRP\n" {
		t.Errorf("body = %q", body)
	}
	if calls.Load() != 2 {
		t.Errorf("server calls = %d, want 2 (one retry)", calls.Load())
	}
}

func TestPriceClientFetchNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := NewPriceClient(srv.URL).Fetch("190001", "VIC1"); err == nil {
		t.Fatal("expected error for missing month")
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1 (no retries on 404)", calls.Load())
	}
}

func TestReadWeather(t *testing.T) {
	path := writeFixture(t, "weather.csv", `datetime (UTC),temperature (degC),dewpoint_temperature (degC),wind_speed (m/s),mean_sea_level_pressure (Pa),relative_humidity ((0-1)),surface_solar_radiation (W/m^2),surface_thermal_radiation (W/m^2),total_cloud_cover (0-1)
2020-11-01 00:00:00,18.2,12.1,3.4,101325,0.68,450.5,320.1,0.25
2020-11-01 01:00:00,19.0,12.3,3.1,101300,0.65,520.0,318.9,0.10
`)

	recs, err := ReadWeather(path)
	if err != nil {
		t.Fatalf("ReadWeather: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	r0 := recs[0]
	if !r0.Timestamp.Equal(time.Date(2020, 11, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", r0.Timestamp)
	}
	if r0.Temperature != 18.2 || r0.CloudCover != 0.25 || r0.SolarRadiation != 450.5 {
		t.Errorf("record = %+v", r0)
	}
}

func TestReadWeatherErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing column", "datetime (UTC),temperature (degC)\n2020-11-01 00:00:00,18.2\n"},
		{"bad number", `datetime (UTC),temperature (degC),dewpoint_temperature (degC),wind_speed (m/s),mean_sea_level_pressure (Pa),relative_humidity ((0-1)),surface_solar_radiation (W/m^2),surface_thermal_radiation (W/m^2),total_cloud_cover (0-1)
2020-11-01 00:00:00,warm,12.1,3.4,101325,0.68,450.5,320.1,0.25
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFixture(t, "weather.csv", tt.content)
			if _, err := ReadWeather(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
