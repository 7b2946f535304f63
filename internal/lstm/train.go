package lstm

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/pvallen/gridcast/internal/metrics"
	"github.com/pvallen/gridcast/internal/models"
)

// ErrDiverged is returned when training produces a non-finite loss. The
// operator decides what to do; there is no automatic retry.
var ErrDiverged = errors.New("training diverged: non-finite loss")

type Config struct {
	Window       int     // sliding window length
	Hidden       int     // LSTM hidden units
	TimeFeatures bool    // add sin/cos time-of-day features to each step
	LearningRate float64
	Epochs       int     // fixed epoch budget
	Patience     int     // early-stopping patience on validation loss; 0 disables
	Seed         int64
}

func DefaultConfig() Config {
	return Config{
		Window:       96, // one day on the 15-minute grid
		Hidden:       32,
		TimeFeatures: true,
		LearningRate: 0.01,
		Epochs:       30,
		Patience:     5,
		Seed:         1,
	}
}

// Normalization holds the z-score parameters fitted on training data.
type Normalization struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

func (n Normalization) apply(v float64) float64   { return (v - n.Mean) / n.Std }
func (n Normalization) restore(v float64) float64 { return v*n.Std + n.Mean }

// Model is a trained, inference-only forecaster.
type Model struct {
	SiteID string
	cfg    Config
	norm   Normalization
	net    *Network
}

func (m *Model) Name() string { return "lstm" }

// TrainResult summarizes a finished training run.
type TrainResult struct {
	Epochs    int
	TrainLoss float64
	ValLoss   float64
	EarlyStop bool
}

// inputSize is the per-timestep feature count.
func (c Config) inputSize() int {
	if c.TimeFeatures {
		return 3
	}
	return 1
}

// Train fits a model to a cleaned training series, validating each epoch on
// the validation window when one is provided. Training is one-shot and
// offline; the returned model never retrains.
func Train(cfg Config, train, val models.Series) (*Model, *TrainResult, error) {
	if cfg.Window <= 0 || cfg.Hidden <= 0 {
		return nil, nil, fmt.Errorf("window and hidden size must be positive")
	}
	if cfg.Epochs <= 0 {
		return nil, nil, fmt.Errorf("epoch budget must be positive")
	}
	if train.Len() <= cfg.Window {
		return nil, nil, fmt.Errorf("training series of %d values too short for window %d", train.Len(), cfg.Window)
	}

	norm := fitNormalization(train.Values)
	windows, targets := buildWindows(cfg, norm, train)
	valWindows, valTargets := buildWindows(cfg, norm, val)

	rng := rand.New(rand.NewSource(cfg.Seed))
	net := NewNetwork(cfg.inputSize(), cfg.Hidden, rng)
	g := newGrads(cfg.inputSize(), cfg.Hidden)

	order := make([]int, len(windows))
	for i := range order {
		order[i] = i
	}

	best := net
	bestVal := math.Inf(1)
	sinceBest := 0
	result := &TrainResult{}

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var sum float64
		for _, idx := range order {
			loss := net.backward(windows[idx], targets[idx], g)
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return nil, nil, fmt.Errorf("%w at epoch %d (site %s)", ErrDiverged, epoch, train.SiteID)
			}
			sum += loss
			net.apply(g, cfg.LearningRate)
		}
		result.TrainLoss = sum / float64(len(windows))
		result.Epochs = epoch
		metrics.TrainingEpochs.WithLabelValues(train.SiteID).Inc()

		if len(valWindows) == 0 {
			best = net
			continue
		}

		valLoss := meanLoss(net, valWindows, valTargets)
		if math.IsNaN(valLoss) || math.IsInf(valLoss, 0) {
			return nil, nil, fmt.Errorf("%w on validation at epoch %d (site %s)", ErrDiverged, epoch, train.SiteID)
		}
		result.ValLoss = valLoss
		log.Printf("lstm: site %s epoch %d train=%.6f val=%.6f", train.SiteID, epoch, result.TrainLoss, valLoss)

		if valLoss < bestVal {
			bestVal = valLoss
			best = net.clone()
			sinceBest = 0
		} else if cfg.Patience > 0 {
			sinceBest++
			if sinceBest >= cfg.Patience {
				result.EarlyStop = true
				break
			}
		}
	}

	if len(valWindows) > 0 {
		result.ValLoss = bestVal
	}

	return &Model{SiteID: train.SiteID, cfg: cfg, norm: norm, net: best}, result, nil
}

// Forecast produces a recursive multi-step forecast from the end of history.
// Each predicted value feeds the next window; time-of-day features for future
// steps come from the grid timestamps, which are always known.
func (m *Model) Forecast(history models.Series, horizon int) ([]float64, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}
	if history.Len() < m.cfg.Window {
		return nil, fmt.Errorf("history of %d values too short for window %d", history.Len(), m.cfg.Window)
	}

	// normalized tail of the history, extended with predictions as we go
	tail := make([]float64, m.cfg.Window, m.cfg.Window+horizon)
	for i := range tail {
		tail[i] = m.norm.apply(history.Values[history.Len()-m.cfg.Window+i])
	}
	tailStart := history.TimeAt(history.Len() - m.cfg.Window)

	out := make([]float64, horizon)
	for h := 0; h < horizon; h++ {
		window := make([][]float64, m.cfg.Window)
		for t := 0; t < m.cfg.Window; t++ {
			pos := len(tail) - m.cfg.Window + t
			ts := tailStart.Add(time.Duration(pos) * history.Freq)
			window[t] = m.features(tail[pos], ts)
		}
		pred := m.net.Forward(window)
		tail = append(tail, pred)
		out[h] = m.norm.restore(pred)
	}
	return out, nil
}

func (m *Model) features(normValue float64, ts time.Time) []float64 {
	if !m.cfg.TimeFeatures {
		return []float64{normValue}
	}
	dayFrac := float64(ts.Hour()*3600+ts.Minute()*60+ts.Second()) / 86400
	angle := 2 * math.Pi * dayFrac
	return []float64{normValue, math.Sin(angle), math.Cos(angle)}
}

func fitNormalization(values []float64) Normalization {
	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	return Normalization{Mean: mean, Std: std}
}

// buildWindows slices a series into (window, next value) training pairs in
// normalized space.
func buildWindows(cfg Config, norm Normalization, s models.Series) ([][][]float64, []float64) {
	if s.Len() <= cfg.Window {
		return nil, nil
	}
	count := s.Len() - cfg.Window
	windows := make([][][]float64, count)
	targets := make([]float64, count)

	m := &Model{cfg: cfg, norm: norm}
	for i := 0; i < count; i++ {
		window := make([][]float64, cfg.Window)
		for t := 0; t < cfg.Window; t++ {
			window[t] = m.features(norm.apply(s.Values[i+t]), s.TimeAt(i+t))
		}
		windows[i] = window
		targets[i] = norm.apply(s.Values[i+cfg.Window])
	}
	return windows, targets
}

func meanLoss(net *Network, windows [][][]float64, targets []float64) float64 {
	var sum float64
	for i, w := range windows {
		err := net.Forward(w) - targets[i]
		sum += err * err
	}
	return sum / float64(len(windows))
}
