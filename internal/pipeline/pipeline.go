// Package pipeline wires the loader, cleaner, forecaster and metric together
// and writes the files the optimisation step consumes.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/pvallen/gridcast/internal/clean"
	"github.com/pvallen/gridcast/internal/forecast"
	"github.com/pvallen/gridcast/internal/ingest"
	"github.com/pvallen/gridcast/internal/lstm"
	"github.com/pvallen/gridcast/internal/metrics"
	"github.com/pvallen/gridcast/internal/models"
	"github.com/pvallen/gridcast/internal/store"
)

const (
	ModelNaive = "naive"
	ModelLSTM  = "lstm"
)

type Options struct {
	TSFPath     string
	OutputDir   string
	Model       string       // forecaster to run; naive is production
	Lag         int          // seasonal lag in grid steps
	Horizon     int          // forecast steps, also the held-out window
	Clean       clean.Config
	ArtifactDir string       // lstm artifacts, one <site>.json per site
	PricesPath  string       // optional AEMO CSV to resample for the optimiser
	WeatherPath string       // optional ERA5 CSV for weather-based quality checks
	LongFormat  bool         // also write the readable long-format CSV
}

// SiteSkip records why one site was left out of a run.
type SiteSkip struct {
	SiteID string
	Reason string
}

// Report summarizes a completed run. A run with skips is still a success;
// only unrecoverable I/O fails the whole pipeline.
type Report struct {
	RunID        int64
	SitesOK      int
	SitesSkipped int
	Skips        []SiteSkip
	Evaluations  []models.Evaluation
}

type Pipeline struct {
	store   *store.Store
	opts    Options
	weather []models.WeatherRecord
}

func New(st *store.Store, opts Options) (*Pipeline, error) {
	if opts.Model == "" {
		opts.Model = ModelNaive
	}
	if opts.Model != ModelNaive && opts.Model != ModelLSTM {
		return nil, fmt.Errorf("unknown model %q", opts.Model)
	}
	if opts.Lag <= 0 {
		return nil, fmt.Errorf("seasonal lag must be positive, got %d", opts.Lag)
	}
	if opts.Horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", opts.Horizon)
	}
	return &Pipeline{store: st, opts: opts}, nil
}

// Run executes load -> clean -> forecast -> evaluate for every site in the
// archive, persists results, and writes the prediction files. Per-site
// failures are reported and skipped; the run carries on.
func (p *Pipeline) Run() (*Report, error) {
	loaded, err := ingest.LoadTSF(p.opts.TSFPath)
	if err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	log.Printf("pipeline: loaded %d series from %s", len(loaded.Series), p.opts.TSFPath)

	if p.opts.WeatherPath != "" {
		p.weather, err = ingest.ReadWeather(p.opts.WeatherPath)
		if err != nil {
			return nil, fmt.Errorf("load weather: %w", err)
		}
		log.Printf("pipeline: loaded %d weather rows from %s", len(p.weather), p.opts.WeatherPath)
	}

	runID, err := p.store.CreateRun(p.opts.Model, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	report := &Report{RunID: runID}
	var rows []PredictionRow
	var longRows []models.Forecast

	for i, raw := range loaded.Series {
		site := loaded.Sites[i]
		if err := p.store.UpsertSite(site); err != nil {
			return nil, fmt.Errorf("upsert site %s: %w", site.SiteID, err)
		}

		pred, eval, err := p.runSite(runID, site, raw)
		if err != nil {
			log.Printf("pipeline: skipping %s: %v", site.SiteID, err)
			metrics.SitesSkipped.WithLabelValues(skipReason(err)).Inc()
			report.SitesSkipped++
			report.Skips = append(report.Skips, SiteSkip{SiteID: site.SiteID, Reason: err.Error()})
			continue
		}

		metrics.SitesProcessed.WithLabelValues(p.opts.Model).Inc()
		report.SitesOK++
		if eval != nil {
			report.Evaluations = append(report.Evaluations, *eval)
		}
		rows = append(rows, PredictionRow{SiteID: site.SiteID, Values: pred.values})
		longRows = append(longRows, pred.forecasts...)
	}

	if report.SitesOK == 0 {
		if ferr := p.store.FinishRun(runID, 0, report.SitesSkipped, "no sites produced forecasts"); ferr != nil {
			log.Printf("pipeline: finish run %d: %v", runID, ferr)
		}
		return report, fmt.Errorf("all %d sites failed", report.SitesSkipped)
	}

	if err := p.writeOutputs(rows, longRows); err != nil {
		return nil, err
	}

	notes := ""
	if report.SitesSkipped > 0 {
		notes = fmt.Sprintf("%d sites skipped", report.SitesSkipped)
	}
	if err := p.store.FinishRun(runID, report.SitesOK, report.SitesSkipped, notes); err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}

	log.Printf("pipeline: run %d complete: %d sites ok, %d skipped", runID, report.SitesOK, report.SitesSkipped)
	return report, nil
}

type sitePrediction struct {
	values    []float64
	forecasts []models.Forecast
}

// runSite cleans one site, forecasts the held-out window and evaluates
// against it.
func (p *Pipeline) runSite(runID int64, site models.Site, raw models.Series) (*sitePrediction, *models.Evaluation, error) {
	if missing := raw.MissingCount(); missing > 0 {
		log.Printf("pipeline: %s: %d of %d raw values missing", site.SiteID, missing, raw.Len())
	}

	cleaner := clean.New(p.opts.Clean)
	res, err := cleaner.Clean(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("clean: %w", err)
	}
	metrics.ValuesImputed.Add(float64(res.MissingFilled))
	metrics.OutliersReplaced.Add(float64(res.OutliersFixed))

	cleaned := res.Series
	if cleaned.Len() <= p.opts.Horizon {
		return nil, nil, fmt.Errorf("cleaned series of %d values leaves no history before %d-step horizon", cleaned.Len(), p.opts.Horizon)
	}

	// validate on the aligned grid, not the raw series: the configured range
	// can trim or pad, and flag positions must line up with the persisted rows
	alignedRaw, err := cleaner.Align(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("align: %w", err)
	}
	flags := ingest.ValidateSeries(alignedRaw, site.Kind, p.opts.Clean.Upper)
	var nightFlags []bool
	if p.weather != nil && site.Kind == ingest.KindSolar {
		merged, err := clean.MergeWeather(cleaned, p.weather)
		if err != nil {
			log.Printf("pipeline: %s: weather merge: %v", site.SiteID, err)
		} else {
			nightFlags = ingest.ValidateNightGeneration(cleaned, merged)
		}
	}

	records := cleaned.Records()
	for i := range records {
		records[i].Imputed = res.Imputed[i]
		posFlags := flags[i]
		if nightFlags != nil && nightFlags[i] {
			posFlags = append(posFlags, ingest.FlagNightGeneration)
		}
		records[i].QCFlags = ingest.QualityFlagsToJSON(posFlags)
	}
	if err := p.store.InsertObservations(records); err != nil {
		return nil, nil, fmt.Errorf("persist observations: %w", err)
	}

	testStart := cleaned.TimeAt(cleaned.Len() - p.opts.Horizon)
	split, err := clean.Split(cleaned, time.Time{}, testStart)
	if err != nil {
		return nil, nil, fmt.Errorf("split: %w", err)
	}

	pred, modelName, err := p.forecastSite(site.SiteID, split.Train)
	if err != nil {
		return nil, nil, fmt.Errorf("forecast: %w", err)
	}

	forecasts := make([]models.Forecast, len(pred))
	for i, v := range pred {
		forecasts[i] = models.Forecast{
			RunID:   runID,
			SiteID:  site.SiteID,
			ValidAt: split.Test.TimeAt(i),
			Value:   v,
			Model:   modelName,
		}
	}
	if err := p.store.InsertForecasts(forecasts); err != nil {
		return nil, nil, fmt.Errorf("persist forecasts: %w", err)
	}

	eval := p.evaluateSite(runID, site.SiteID, modelName, pred, split)
	if eval != nil {
		if err := p.store.InsertEvaluation(*eval); err != nil {
			return nil, nil, fmt.Errorf("persist evaluation: %w", err)
		}
	}

	return &sitePrediction{values: pred, forecasts: forecasts}, eval, nil
}

func (p *Pipeline) forecastSite(siteID string, history models.Series) ([]float64, string, error) {
	switch p.opts.Model {
	case ModelLSTM:
		model, err := lstm.Load(filepath.Join(p.opts.ArtifactDir, siteID+".json"))
		if err != nil {
			return nil, "", fmt.Errorf("load artifact: %w", err)
		}
		pred, err := model.Forecast(history, p.opts.Horizon)
		if err != nil {
			return nil, "", err
		}
		return pred, ModelLSTM, nil
	default:
		naive := forecast.NewNaive(p.opts.Lag)
		pred, err := naive.Forecast(history.Values, p.opts.Horizon)
		if err != nil {
			return nil, "", err
		}
		return pred, ModelNaive, nil
	}
}

// evaluateSite scores a forecast against the held-out window. A degenerate
// baseline is reported, not fatal: the forecast still ships, the score does
// not.
func (p *Pipeline) evaluateSite(runID int64, siteID, modelName string, pred []float64, split clean.SplitSet) *models.Evaluation {
	mase, err := forecast.MASE(pred, split.Test.Values, split.Train.Values, p.opts.Lag)
	if err != nil {
		if errors.Is(err, forecast.ErrDegenerateBaseline) {
			log.Printf("pipeline: %s: MASE undefined: %v", siteID, err)
		} else {
			log.Printf("pipeline: %s: evaluation failed: %v", siteID, err)
		}
		return nil
	}
	mae, err := forecast.MAE(pred, split.Test.Values)
	if err != nil {
		log.Printf("pipeline: %s: MAE failed: %v", siteID, err)
		return nil
	}
	return &models.Evaluation{
		RunID:   runID,
		SiteID:  siteID,
		Model:   modelName,
		MASE:    mase,
		MAE:     mae,
		Samples: len(pred),
	}
}

func (p *Pipeline) writeOutputs(rows []PredictionRow, longRows []models.Forecast) error {
	predPath := filepath.Join(p.opts.OutputDir, "predictions.csv")
	if err := WritePredictions(predPath, rows); err != nil {
		return fmt.Errorf("write predictions: %w", err)
	}
	log.Printf("pipeline: wrote %s", predPath)

	if p.opts.LongFormat {
		longPath := filepath.Join(p.opts.OutputDir, "predictions_long.csv")
		if err := WriteForecastsCSV(longPath, longRows); err != nil {
			return fmt.Errorf("write long-format predictions: %w", err)
		}
		log.Printf("pipeline: wrote %s", longPath)
	}

	if p.opts.PricesPath != "" {
		prices, err := ingest.ReadPrices(p.opts.PricesPath)
		if err != nil {
			return fmt.Errorf("read prices: %w", err)
		}
		pricePath := filepath.Join(p.opts.OutputDir, "prices_15min.csv")
		if err := WritePrices(pricePath, prices); err != nil {
			return fmt.Errorf("write prices: %w", err)
		}
		log.Printf("pipeline: wrote %s", pricePath)
	}
	return nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, clean.ErrInsufficientHistory):
		return "insufficient_history"
	case errors.Is(err, forecast.ErrInsufficientHistory):
		return "insufficient_history"
	default:
		return "data_error"
	}
}
