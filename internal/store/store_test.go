package store

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pvallen/gridcast/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

var obsStart = time.Date(2020, 11, 1, 0, 0, 0, 0, time.UTC)

func TestUpsertAndGetSite(t *testing.T) {
	store := setupTestStore(t)

	site := models.Site{SiteID: "Building0", Name: "Building0", Kind: "building", Active: true}
	if err := store.UpsertSite(site); err != nil {
		t.Fatalf("UpsertSite: %v", err)
	}

	sites, err := store.GetActiveSites()
	if err != nil {
		t.Fatalf("GetActiveSites: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("len(sites) = %d, want 1", len(sites))
	}
	if sites[0].SiteID != "Building0" || sites[0].Kind != "building" {
		t.Errorf("site = %+v", sites[0])
	}

	// upsert updates in place
	site.Kind = "solar"
	if err := store.UpsertSite(site); err != nil {
		t.Fatalf("UpsertSite update: %v", err)
	}
	sites, err = store.GetActiveSites()
	if err != nil {
		t.Fatalf("GetActiveSites: %v", err)
	}
	if len(sites) != 1 || sites[0].Kind != "solar" {
		t.Errorf("after update sites = %+v", sites)
	}
}

func TestInsertAndGetObservations(t *testing.T) {
	store := setupTestStore(t)

	records := []models.Record{
		{SiteID: "Solar0", Timestamp: obsStart, Value: 0},
		{SiteID: "Solar0", Timestamp: obsStart.Add(15 * time.Minute), Value: 1.5, Imputed: true, QCFlags: `["value_missing"]`},
		{SiteID: "Solar0", Timestamp: obsStart.Add(30 * time.Minute), Value: 3},
	}
	if err := store.InsertObservations(records); err != nil {
		t.Fatalf("InsertObservations: %v", err)
	}

	// duplicates are ignored, not an error
	if err := store.InsertObservations(records[:1]); err != nil {
		t.Fatalf("InsertObservations duplicate: %v", err)
	}

	got, err := store.GetObservations("Solar0", obsStart, obsStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[1].Value != 1.5 || !got[1].Imputed {
		t.Errorf("got[1] = %+v, want imputed 1.5", got[1])
	}
	if got[1].QCFlags != `["value_missing"]` {
		t.Errorf("QCFlags = %q", got[1].QCFlags)
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Error("observations not ordered by timestamp")
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)

	runID, err := store.CreateRun("naive", obsStart)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// an in-flight run has no finished_at yet; it reads back as started_at
	inflight, err := store.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun in-flight: %v", err)
	}
	if inflight == nil {
		t.Fatal("GetRun in-flight returned nil")
	}
	if !inflight.FinishedAt.Equal(inflight.StartedAt) {
		t.Errorf("in-flight FinishedAt = %v, want StartedAt %v", inflight.FinishedAt, inflight.StartedAt)
	}

	if err := store.FinishRun(runID, 11, 1, "one corrupt site"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := store.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run == nil {
		t.Fatal("GetRun returned nil")
	}
	if !run.FinishedAt.After(run.StartedAt) {
		t.Errorf("FinishedAt = %v, want after StartedAt %v", run.FinishedAt, run.StartedAt)
	}
	if run.SitesOK != 11 || run.SitesSkipped != 1 {
		t.Errorf("run = %+v, want 11 ok / 1 skipped", run)
	}
	if run.Model != "naive" {
		t.Errorf("Model = %q, want naive", run.Model)
	}

	missing, err := store.GetRun(runID + 999)
	if err != nil {
		t.Fatalf("GetRun missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown run")
	}
}

func TestForecastsRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	runID, err := store.CreateRun("naive", obsStart)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	forecasts := []models.Forecast{
		{RunID: runID, SiteID: "Building0", ValidAt: obsStart, Value: 42, Model: "naive"},
		{RunID: runID, SiteID: "Building0", ValidAt: obsStart.Add(15 * time.Minute), Value: 43, Model: "naive"},
	}
	if err := store.InsertForecasts(forecasts); err != nil {
		t.Fatalf("InsertForecasts: %v", err)
	}

	got, err := store.GetForecasts(runID, "Building0")
	if err != nil {
		t.Fatalf("GetForecasts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Value != 42 || got[1].Value != 43 {
		t.Errorf("values = %v, %v", got[0].Value, got[1].Value)
	}
}

func TestEvaluationStats(t *testing.T) {
	store := setupTestStore(t)

	runID, err := store.CreateRun("naive", obsStart)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	evals := []models.Evaluation{
		{RunID: runID, SiteID: "Building0", Model: "naive", MASE: 0.8, MAE: 5, Samples: 100},
		{RunID: runID, SiteID: "Solar0", Model: "naive", MASE: 1.2, MAE: 3, Samples: 100},
		{RunID: runID, SiteID: "Building0", Model: "lstm", MASE: 1.4, MAE: 8, Samples: 100},
	}
	for _, e := range evals {
		if err := store.InsertEvaluation(e); err != nil {
			t.Fatalf("InsertEvaluation: %v", err)
		}
	}

	stats, err := store.GetEvaluationStats()
	if err != nil {
		t.Fatalf("GetEvaluationStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}
	// ordered by model: lstm then naive
	if stats[0].Model != "lstm" || stats[0].Count != 1 {
		t.Errorf("stats[0] = %+v", stats[0])
	}
	if stats[1].Model != "naive" || stats[1].Count != 2 {
		t.Errorf("stats[1] = %+v", stats[1])
	}
	if diff := stats[1].AvgMASE - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("naive AvgMASE = %v, want 1.0", stats[1].AvgMASE)
	}

	byRun, err := store.GetEvaluations(runID)
	if err != nil {
		t.Fatalf("GetEvaluations: %v", err)
	}
	if len(byRun) != 3 {
		t.Errorf("len(byRun) = %d, want 3", len(byRun))
	}
}
