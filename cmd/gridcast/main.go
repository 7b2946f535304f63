package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/pvallen/gridcast/internal/clean"
	"github.com/pvallen/gridcast/internal/forecast"
	"github.com/pvallen/gridcast/internal/ingest"
	"github.com/pvallen/gridcast/internal/lstm"
	"github.com/pvallen/gridcast/internal/pipeline"
	"github.com/pvallen/gridcast/internal/store"
)

type globals struct {
	DB            string `help:"Path to the SQLite database." default:"data/gridcast.db" env:"GRIDCAST_DB"`
	MetricsListen string `help:"Address to serve Prometheus /metrics on for the duration of the command." env:"GRIDCAST_METRICS_LISTEN"`
}

type cli struct {
	globals

	Run         runCmd         `cmd:"" help:"Run the full forecasting pipeline over a tsf archive."`
	Train       trainCmd       `cmd:"" help:"Train per-site LSTM artifacts from a tsf archive."`
	Evaluate    evaluateCmd    `cmd:"" help:"Score naive and LSTM forecasters on the held-out window."`
	FetchPrices fetchPricesCmd `cmd:"" name:"fetch-prices" help:"Download a monthly AEMO price CSV."`
}

func main() {
	var app cli
	ctx := kong.Parse(&app,
		kong.Name("gridcast"),
		kong.Description("Site-level power forecasting for battery scheduling."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.UsageOnError(),
	)

	if app.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Printf("metrics: listening on %s", app.MetricsListen)
			if err := http.ListenAndServe(app.MetricsListen, mux); err != nil {
				log.Printf("metrics: listener stopped: %v", err)
			}
		}()
	}

	ctx.FatalIfErrorf(ctx.Run(&app.globals))
}

// cleanFlags are the cleaning knobs shared by run, train and evaluate.
type cleanFlags struct {
	Freq     time.Duration `help:"Grid frequency." default:"15m"`
	From     time.Time     `help:"Grid range start (RFC3339); defaults to each series' own start." optional:""`
	To       time.Time     `help:"Grid range end (RFC3339), exclusive; defaults to each series' own end." optional:""`
	Lower    float64       `help:"Lowest plausible reading in kW." default:"0"`
	Upper    float64       `help:"Highest plausible reading in kW." default:"3000"`
	SpikeZ   float64       `help:"Z-score above which a reading is a spike; 0 disables." default:"0"`
	Strategy string        `help:"Imputation strategy." enum:"interpolate,mean,ffill" default:"interpolate"`
}

func (c cleanFlags) config() clean.Config {
	cfg := clean.DefaultConfig()
	cfg.Freq = c.Freq
	cfg.Start = c.From
	cfg.End = c.To
	cfg.Lower = c.Lower
	cfg.Upper = c.Upper
	cfg.SpikeZ = c.SpikeZ
	cfg.Strategy = c.Strategy
	return cfg
}

type runCmd struct {
	TSF         string `arg:"" help:"Path to the .tsf archive." type:"existingfile"`
	Output      string `help:"Directory for prediction CSVs." default:"out" env:"GRIDCAST_OUTPUT"`
	Model       string `help:"Forecaster to run." enum:"naive,lstm" default:"naive"`
	Lag         int    `help:"Seasonal lag in grid steps." default:"96"`
	Horizon     int    `help:"Forecast steps held out for scoring." default:"96"`
	ArtifactDir string `help:"Directory of per-site LSTM artifacts." default:"artifacts"`
	Prices      string `help:"AEMO price CSV to resample alongside the predictions." type:"existingfile" optional:""`
	Weather     string `help:"ERA5 weather CSV for solar quality checks." type:"existingfile" optional:""`
	LongFormat  bool   `help:"Also write the long-format forecasts CSV."`

	cleanFlags
}

func (r *runCmd) Run(g *globals) error {
	st, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := os.MkdirAll(r.Output, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	p, err := pipeline.New(st, pipeline.Options{
		TSFPath:     r.TSF,
		OutputDir:   r.Output,
		Model:       r.Model,
		Lag:         r.Lag,
		Horizon:     r.Horizon,
		Clean:       r.config(),
		ArtifactDir: r.ArtifactDir,
		PricesPath:  r.Prices,
		WeatherPath: r.Weather,
		LongFormat:  r.LongFormat,
	})
	if err != nil {
		return err
	}

	report, err := p.Run()
	if err != nil {
		return err
	}
	for _, skip := range report.Skips {
		log.Printf("run: skipped %s: %s", skip.SiteID, skip.Reason)
	}
	log.Printf("run %d: %d sites forecast, %d skipped, outputs in %s",
		report.RunID, report.SitesOK, report.SitesSkipped, r.Output)
	return nil
}

type trainCmd struct {
	TSF          string  `arg:"" help:"Path to the .tsf archive." type:"existingfile"`
	ArtifactDir  string  `help:"Directory to write per-site artifacts." default:"artifacts"`
	ValSteps     int     `help:"Grid steps held out for validation." default:"1344"`
	Window       int     `help:"Input window length in grid steps." default:"96"`
	Hidden       int     `help:"LSTM hidden units." default:"32"`
	LearningRate float64 `help:"SGD learning rate." default:"0.01"`
	Epochs       int     `help:"Maximum training epochs." default:"30"`
	Patience     int     `help:"Early-stopping patience; 0 disables." default:"5"`
	Seed         int64   `help:"Weight init seed." default:"1"`

	cleanFlags
}

func (t *trainCmd) Run(g *globals) error {
	loaded, err := ingest.LoadTSF(t.TSF)
	if err != nil {
		return fmt.Errorf("load archive: %w", err)
	}
	if err := os.MkdirAll(t.ArtifactDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	cfg := lstm.DefaultConfig()
	cfg.Window = t.Window
	cfg.Hidden = t.Hidden
	cfg.LearningRate = t.LearningRate
	cfg.Epochs = t.Epochs
	cfg.Patience = t.Patience
	cfg.Seed = t.Seed

	cleaner := clean.New(t.config())
	trained, failed := 0, 0
	for i, site := range loaded.Sites {
		res, err := cleaner.Clean(loaded.Series[i])
		if err != nil {
			log.Printf("train: skipping %s: %v", site.SiteID, err)
			failed++
			continue
		}
		s := res.Series
		if s.Len() <= t.ValSteps+cfg.Window {
			log.Printf("train: skipping %s: %d cleaned values is too short for a %d-step validation window",
				site.SiteID, s.Len(), t.ValSteps)
			failed++
			continue
		}

		valStart := s.TimeAt(s.Len() - t.ValSteps)
		splits, err := clean.Split(s, time.Time{}, valStart)
		if err != nil {
			log.Printf("train: skipping %s: %v", site.SiteID, err)
			failed++
			continue
		}

		model, result, err := lstm.Train(cfg, splits.Train, splits.Test)
		if err != nil {
			log.Printf("train: skipping %s: %v", site.SiteID, err)
			failed++
			continue
		}
		model.SiteID = site.SiteID

		path := filepath.Join(t.ArtifactDir, site.SiteID+".json")
		if err := model.Save(path); err != nil {
			return fmt.Errorf("save artifact for %s: %w", site.SiteID, err)
		}
		log.Printf("train: %s: %d epochs, train loss %.4f, val loss %.4f (early stop: %v)",
			site.SiteID, result.Epochs, result.TrainLoss, result.ValLoss, result.EarlyStop)
		trained++
	}

	if trained == 0 {
		return fmt.Errorf("no sites trained (%d failed)", failed)
	}
	log.Printf("train: %d artifacts written to %s, %d sites skipped", trained, t.ArtifactDir, failed)
	return nil
}

type evaluateCmd struct {
	TSF         string `arg:"" help:"Path to the .tsf archive." type:"existingfile"`
	ArtifactDir string `help:"Directory of per-site LSTM artifacts." default:"artifacts"`
	Lag         int    `help:"Seasonal lag in grid steps." default:"96"`
	Horizon     int    `help:"Forecast steps held out for scoring." default:"96"`

	cleanFlags
}

func (e *evaluateCmd) Run(g *globals) error {
	loaded, err := ingest.LoadTSF(e.TSF)
	if err != nil {
		return fmt.Errorf("load archive: %w", err)
	}

	cleaner := clean.New(e.config())
	naive := forecast.NewNaive(e.Lag)
	var naiveSum, lstmSum float64
	var naiveN, lstmN int

	for i, site := range loaded.Sites {
		res, err := cleaner.Clean(loaded.Series[i])
		if err != nil {
			log.Printf("evaluate: skipping %s: %v", site.SiteID, err)
			continue
		}
		s := res.Series
		if s.Len() <= e.Horizon {
			log.Printf("evaluate: skipping %s: no history before the held-out window", site.SiteID)
			continue
		}

		splits, err := clean.Split(s, time.Time{}, s.TimeAt(s.Len()-e.Horizon))
		if err != nil {
			log.Printf("evaluate: skipping %s: %v", site.SiteID, err)
			continue
		}
		history, actual := splits.Train.Values, splits.Test.Values

		if pred, err := naive.Forecast(history, e.Horizon); err != nil {
			log.Printf("evaluate: %s: naive: %v", site.SiteID, err)
		} else if mase, err := forecast.MASE(pred, actual, history, e.Lag); err != nil {
			log.Printf("evaluate: %s: naive: %v", site.SiteID, err)
		} else {
			// the competition scoreboard scales over the full series instead
			// of the training history alone; report both
			comp, err := forecast.MASEFromSeries(pred, s.Values, e.Lag)
			if err != nil {
				log.Printf("evaluate: %s: competition MASE: %v", site.SiteID, err)
				fmt.Printf("%-12s naive MASE %.4f\n", site.SiteID, mase)
			} else {
				fmt.Printf("%-12s naive MASE %.4f (competition %.4f)\n", site.SiteID, mase, comp)
			}
			naiveSum += mase
			naiveN++
		}

		model, err := lstm.Load(filepath.Join(e.ArtifactDir, site.SiteID+".json"))
		if err != nil {
			log.Printf("evaluate: %s: no artifact: %v", site.SiteID, err)
			continue
		}
		if pred, err := model.Forecast(splits.Train, e.Horizon); err != nil {
			log.Printf("evaluate: %s: lstm: %v", site.SiteID, err)
		} else if mase, err := forecast.MASE(pred, actual, history, e.Lag); err != nil {
			log.Printf("evaluate: %s: lstm: %v", site.SiteID, err)
		} else {
			fmt.Printf("%-12s lstm  MASE %.4f\n", site.SiteID, mase)
			lstmSum += mase
			lstmN++
		}
	}

	if naiveN == 0 && lstmN == 0 {
		return fmt.Errorf("no sites evaluated")
	}
	if naiveN > 0 {
		fmt.Printf("mean naive MASE %.4f over %d sites\n", naiveSum/float64(naiveN), naiveN)
	}
	if lstmN > 0 {
		fmt.Printf("mean lstm  MASE %.4f over %d sites\n", lstmSum/float64(lstmN), lstmN)
	}

	// persisted comparison across all recorded runs
	st, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer st.Close()
	stats, err := st.GetEvaluationStats()
	if err != nil {
		return fmt.Errorf("evaluation stats: %w", err)
	}
	for _, row := range stats {
		fmt.Printf("recorded: %-5s avg MASE %.4f avg MAE %.2f over %d evaluations\n",
			row.Model, row.AvgMASE, row.AvgMAE, row.Count)
	}
	return nil
}

type fetchPricesCmd struct {
	Month   string `arg:"" help:"Month to download, YYYYMM."`
	Region  string `help:"NEM region." default:"VIC1"`
	Output  string `help:"File to write the CSV to; defaults to PRICE_AND_DEMAND_<month>_<region>.csv."`
	BaseURL string `help:"Override the AEMO base URL." env:"GRIDCAST_AEMO_URL"`
}

func (f *fetchPricesCmd) Run(g *globals) error {
	body, err := f.fetch()
	if err != nil {
		return err
	}

	out := f.Output
	if out == "" {
		out = fmt.Sprintf("PRICE_AND_DEMAND_%s_%s.csv", f.Month, f.Region)
	}
	if err := os.WriteFile(out, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	log.Printf("fetch-prices: wrote %d bytes to %s", len(body), out)
	return nil
}

func (f *fetchPricesCmd) fetch() ([]byte, error) {
	return ingest.NewPriceClient(f.BaseURL).Fetch(f.Month, f.Region)
}

func openStore(path string) (*store.Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	return store.Open(path)
}
