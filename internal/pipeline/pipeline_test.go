package pipeline

import (
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pvallen/gridcast/internal/clean"
	"github.com/pvallen/gridcast/internal/models"
	"github.com/pvallen/gridcast/internal/store"
)

const fixtureTSF = `@attribute series_name string
@attribute start_timestamp date
@frequency 15_minutes
@horizon 4
@missing true
@equallength false
@data
Building0:2020-11-01 00-00-00:10,11,12,13,10,11,12,13,10,11,12,13,10,11,12,13
Solar0:2020-11-01 00-00-00:0,5,?,5,0,5,8,5,0,5,8,5,0,5,8,5
Building1:2020-11-01 00-00-00:7,8,9
`

func setupPipeline(t *testing.T, opts Options) (*Pipeline, *store.Store) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dir := t.TempDir()
	tsfPath := filepath.Join(dir, "data.tsf")
	if err := os.WriteFile(tsfPath, []byte(fixtureTSF), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	opts.TSFPath = tsfPath
	opts.OutputDir = dir
	if opts.Model == "" {
		opts.Model = ModelNaive
	}
	if opts.Lag == 0 {
		opts.Lag = 4
	}
	if opts.Horizon == 0 {
		opts.Horizon = 4
	}
	if opts.Clean.Freq == 0 {
		opts.Clean = clean.DefaultConfig()
	}

	p, err := New(st, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, st
}

func TestRun_SkipsCorruptSiteAndContinues(t *testing.T) {
	p, st := setupPipeline(t, Options{})

	report, err := p.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Building1 has 3 values: too short for the horizon, so it is skipped,
	// while the two healthy sites produce forecasts.
	if report.SitesOK != 2 {
		t.Errorf("SitesOK = %d, want 2", report.SitesOK)
	}
	if report.SitesSkipped != 1 {
		t.Errorf("SitesSkipped = %d, want 1", report.SitesSkipped)
	}
	if len(report.Skips) != 1 || report.Skips[0].SiteID != "Building1" {
		t.Errorf("Skips = %+v, want one skip for Building1", report.Skips)
	}

	run, err := st.GetRun(report.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.SitesOK != 2 || run.SitesSkipped != 1 {
		t.Errorf("persisted run = %+v", run)
	}

	// one prediction row per healthy site, no header
	f, err := os.Open(filepath.Join(p.opts.OutputDir, "predictions.csv"))
	if err != nil {
		t.Fatalf("open predictions: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read predictions: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("prediction rows = %d, want 2", len(rows))
	}
	if rows[0][0] != "Building0" || rows[1][0] != "Solar0" {
		t.Errorf("row sites = %q, %q", rows[0][0], rows[1][0])
	}
	if len(rows[0]) != 5 { // site + 4 horizon values
		t.Errorf("row width = %d, want 5", len(rows[0]))
	}
}

func TestRun_SeasonalNaiveForecastValues(t *testing.T) {
	p, st := setupPipeline(t, Options{})

	report, err := p.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Building0 repeats [10 11 12 13]; at lag 4 the forecast of the final
	// held-out window is the preceding season, identical values.
	forecasts, err := st.GetForecasts(report.RunID, "Building0")
	if err != nil {
		t.Fatalf("GetForecasts: %v", err)
	}
	if len(forecasts) != 4 {
		t.Fatalf("len(forecasts) = %d, want 4", len(forecasts))
	}
	want := []float64{10, 11, 12, 13}
	for i, fc := range forecasts {
		if fc.Value != want[i] {
			t.Errorf("forecast[%d] = %v, want %v", i, fc.Value, want[i])
		}
		if fc.Model != "naive" {
			t.Errorf("Model = %q, want naive", fc.Model)
		}
	}

	// the forecast window aligns 1:1 with the last 4 grid timestamps
	start := time.Date(2020, 11, 1, 0, 0, 0, 0, time.UTC)
	for i, fc := range forecasts {
		wantTS := start.Add(time.Duration(12+i) * 15 * time.Minute)
		if !fc.ValidAt.UTC().Equal(wantTS) {
			t.Errorf("ValidAt[%d] = %v, want %v", i, fc.ValidAt.UTC(), wantTS)
		}
	}
}

func TestRun_PersistsCleanedObservations(t *testing.T) {
	p, st := setupPipeline(t, Options{})

	if _, err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	start := time.Date(2020, 11, 1, 0, 0, 0, 0, time.UTC)
	records, err := st.GetObservations("Solar0", start, start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if len(records) != 16 {
		t.Fatalf("len(records) = %d, want 16", len(records))
	}
	// the "?" at position 2 was imputed and flagged
	if !records[2].Imputed {
		t.Error("records[2].Imputed = false, want true")
	}
	if !strings.Contains(records[2].QCFlags, "value_missing") {
		t.Errorf("records[2].QCFlags = %q, want value_missing flag", records[2].QCFlags)
	}
	for i := 1; i < len(records); i++ {
		if got := records[i].Timestamp.Sub(records[i-1].Timestamp); got != 15*time.Minute {
			t.Errorf("gap at %d = %v, want 15m", i, got)
		}
	}
}

func TestRun_FlagsFollowTrimmedGrid(t *testing.T) {
	// Trimming the grid with a later start shifts every position; quality
	// flags must land on the persisted rows, not the raw archive offsets.
	cfg := clean.DefaultConfig()
	cfg.Start = time.Date(2020, 11, 1, 0, 30, 0, 0, time.UTC)
	p, st := setupPipeline(t, Options{Clean: cfg})

	report, err := p.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Building1 trims down to a single value and is skipped.
	if report.SitesOK != 2 {
		t.Errorf("SitesOK = %d, want 2", report.SitesOK)
	}

	records, err := st.GetObservations("Solar0", cfg.Start, cfg.Start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if len(records) != 14 {
		t.Fatalf("len(records) = %d, want 14", len(records))
	}
	// the "?" in the archive is the first value on the trimmed grid
	if !records[0].Timestamp.UTC().Equal(cfg.Start) {
		t.Fatalf("records[0].Timestamp = %v, want %v", records[0].Timestamp.UTC(), cfg.Start)
	}
	if !records[0].Imputed {
		t.Error("records[0].Imputed = false, want true")
	}
	if !strings.Contains(records[0].QCFlags, "value_missing") {
		t.Errorf("records[0].QCFlags = %q, want value_missing flag", records[0].QCFlags)
	}
	if records[1].QCFlags != "" {
		t.Errorf("records[1].QCFlags = %q, want none", records[1].QCFlags)
	}
}

func TestRun_FlagsNightGeneration(t *testing.T) {
	weatherPath := filepath.Join(t.TempDir(), "weather.csv")
	weather := `datetime (UTC),temperature (degC),dewpoint_temperature (degC),wind_speed (m/s),mean_sea_level_pressure (Pa),relative_humidity ((0-1)),surface_solar_radiation (W/m^2),surface_thermal_radiation (W/m^2),total_cloud_cover (0-1)
2020-11-01 00:00:00,15,10,2,101325,0.7,0,300,0.2
2020-11-01 02:00:00,16,10,2,101325,0.7,450,310,0.2
`
	if err := os.WriteFile(weatherPath, []byte(weather), 0o644); err != nil {
		t.Fatalf("write weather: %v", err)
	}

	p, st := setupPipeline(t, Options{WeatherPath: weatherPath})
	if _, err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	start := time.Date(2020, 11, 1, 0, 0, 0, 0, time.UTC)
	records, err := st.GetObservations("Solar0", start, start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}

	// Radiation is zero until 02:00, so generation in the first two hours is
	// flagged; the same values after 02:00 are not.
	if !strings.Contains(records[1].QCFlags, "night_generation") {
		t.Errorf("records[1].QCFlags = %q, want night_generation", records[1].QCFlags)
	}
	if strings.Contains(records[9].QCFlags, "night_generation") {
		t.Errorf("records[9].QCFlags = %q, want no night_generation after sunrise", records[9].QCFlags)
	}

	// building sites never carry the flag
	b, err := st.GetObservations("Building0", start, start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	for i, r := range b {
		if strings.Contains(r.QCFlags, "night_generation") {
			t.Errorf("building record %d flagged: %q", i, r.QCFlags)
		}
	}
}

func TestRun_RecordsEvaluations(t *testing.T) {
	p, st := setupPipeline(t, Options{})

	report, err := p.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	evals, err := st.GetEvaluations(report.RunID)
	if err != nil {
		t.Fatalf("GetEvaluations: %v", err)
	}
	// Building0 is perfectly periodic: its naive baseline is degenerate, so
	// MASE is reported undefined and only Solar0 gets an evaluation.
	if len(evals) != 1 {
		t.Fatalf("len(evals) = %d, want 1", len(evals))
	}
	if evals[0].SiteID != "Solar0" {
		t.Errorf("eval site = %q, want Solar0", evals[0].SiteID)
	}
	if evals[0].Samples != 4 {
		t.Errorf("Samples = %d, want 4", evals[0].Samples)
	}
}

func TestRun_AllSitesFailing(t *testing.T) {
	p, st := setupPipeline(t, Options{Horizon: 100})

	report, err := p.Run()
	if err == nil {
		t.Fatal("expected error when every site fails")
	}
	if report == nil || report.SitesSkipped != 3 {
		t.Fatalf("report = %+v, want 3 skips", report)
	}

	// the run row is still closed out so the failure is visible afterwards
	run, err := st.GetRun(report.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run == nil {
		t.Fatal("run not persisted")
	}
	if run.SitesOK != 0 || run.SitesSkipped != 3 {
		t.Errorf("persisted run = %+v, want 0 ok / 3 skipped", run)
	}
	if run.Notes == "" {
		t.Error("Notes empty, want failure note")
	}
}

func TestRun_LSTMMissingArtifactSkips(t *testing.T) {
	p, _ := setupPipeline(t, Options{Model: ModelLSTM, ArtifactDir: t.TempDir()})

	report, err := p.Run()
	if err == nil {
		t.Fatal("expected error: no artifacts means every site fails")
	}
	if report.SitesOK != 0 {
		t.Errorf("SitesOK = %d, want 0", report.SitesOK)
	}
}

func TestWritePrices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.csv")

	ts := time.Date(2020, 11, 1, 0, 30, 0, 0, time.UTC)
	prices := []models.PriceRecord{
		{Timestamp: ts.Add(-15 * time.Minute), Price: 45.5},
		{Timestamp: ts, Price: 45.5},
	}
	if err := WritePrices(path, prices); err != nil {
		t.Fatalf("WritePrices: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "timestep" || rows[1][1] != "45.5" {
		t.Errorf("unexpected rows: %v", rows)
	}
}
