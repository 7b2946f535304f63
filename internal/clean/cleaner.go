// Package clean puts raw per-site series onto a uniform time grid, fills
// gaps, replaces implausible values and splits cleaned series into
// train/validation/test windows.
package clean

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/pvallen/gridcast/internal/models"
)

// ErrInsufficientHistory is returned when a site has too few usable values
// to clean. The pipeline reports it and skips the site.
var ErrInsufficientHistory = errors.New("insufficient history")

// Imputation strategies. Interpolate is the default; Mean fills every hole
// with the series mean, which is how the first competition phase was run.
const (
	StrategyInterpolate = "interpolate"
	StrategyMean        = "mean"
	StrategyFFill       = "ffill"
)

// Config holds cleaning parameters. Value bounds and the spike threshold are
// deliberately configuration, not constants: the right thresholds depend on
// the site mix being cleaned.
type Config struct {
	Freq       time.Duration // grid frequency
	Start      time.Time     // requested range start (inclusive)
	End        time.Time     // requested range end (exclusive); zero means series end
	Lower      float64       // values below are treated as implausible
	Upper      float64       // values above are treated as implausible
	SpikeZ     float64       // z-score above which a value is a spike; 0 disables
	Strategy   string        // imputation strategy
	MinHistory int           // minimum usable (non-missing) values required
}

// DefaultConfig mirrors the competition data: 15-minute grid, plausible
// values in [0, 3000] kW, spike detection off.
func DefaultConfig() Config {
	return Config{
		Freq:       15 * time.Minute,
		Lower:      0,
		Upper:      3000,
		Strategy:   StrategyInterpolate,
		MinHistory: 4,
	}
}

// Result carries the cleaned series plus counts of what was changed,
// and the grid indexes that were imputed.
type Result struct {
	Series        models.Series
	Imputed       []bool
	MissingFilled int
	OutliersFixed int
}

// Cleaner applies a Config to raw series. It keeps no state between calls
// and never mutates its input.
type Cleaner struct {
	cfg Config
}

func New(cfg Config) *Cleaner {
	if cfg.Freq <= 0 {
		cfg.Freq = 15 * time.Minute
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyInterpolate
	}
	return &Cleaner{cfg: cfg}
}

// Clean aligns a raw series to the configured grid, marks out-of-bounds and
// spike values as missing, and imputes every hole. The returned series has no
// NaN values and no timestamp gaps.
func (c *Cleaner) Clean(raw models.Series) (*Result, error) {
	aligned, err := c.Align(raw)
	if err != nil {
		return nil, err
	}

	values := aligned.Values
	outliers := c.maskImplausible(values)

	// count after masking: a series of nothing but implausible values has no
	// usable history even when every position was observed
	usable := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			usable++
		}
	}
	if usable < c.cfg.MinHistory {
		return nil, fmt.Errorf("%w: site %s has %d usable values, need %d",
			ErrInsufficientHistory, raw.SiteID, usable, c.cfg.MinHistory)
	}

	imputed := make([]bool, len(values))
	filled := 0
	for i, v := range values {
		if math.IsNaN(v) {
			imputed[i] = true
			filled++
		}
	}

	if err := c.impute(values); err != nil {
		return nil, fmt.Errorf("impute site %s: %w", raw.SiteID, err)
	}

	return &Result{
		Series:        aligned,
		Imputed:       imputed,
		MissingFilled: filled - outliers,
		OutliersFixed: outliers,
	}, nil
}

// Align places a raw series onto the uniform grid covering the configured
// range. Positions with no observation become NaN. The raw series is assumed
// to already be sampled at the grid frequency (the tsf archives are); Align
// trims and pads it to the requested window.
func (c *Cleaner) Align(raw models.Series) (models.Series, error) {
	if raw.Len() == 0 {
		return models.Series{}, fmt.Errorf("%w: site %s is empty", ErrInsufficientHistory, raw.SiteID)
	}
	if raw.Freq != 0 && raw.Freq != c.cfg.Freq {
		return models.Series{}, fmt.Errorf("site %s frequency %v does not match grid %v", raw.SiteID, raw.Freq, c.cfg.Freq)
	}

	start := c.cfg.Start
	if start.IsZero() {
		start = raw.Start
	}
	end := c.cfg.End
	if end.IsZero() {
		end = raw.Start.Add(time.Duration(raw.Len()) * c.cfg.Freq)
	}
	if !end.After(start) {
		return models.Series{}, fmt.Errorf("range end %v not after start %v", end, start)
	}

	n := int(end.Sub(start) / c.cfg.Freq)
	values := make([]float64, n)
	for i := range values {
		values[i] = math.NaN()
	}

	// Offset of the raw series within the grid, in whole steps.
	offset := int(raw.Start.Sub(start) / c.cfg.Freq)
	if raw.Start.Sub(start)%c.cfg.Freq != 0 {
		return models.Series{}, fmt.Errorf("site %s start %v is off-grid for %v steps from %v",
			raw.SiteID, raw.Start, c.cfg.Freq, start)
	}
	for i, v := range raw.Values {
		gi := offset + i
		if gi < 0 || gi >= n {
			continue
		}
		values[gi] = v
	}

	return models.Series{SiteID: raw.SiteID, Start: start, Freq: c.cfg.Freq, Values: values}, nil
}

// maskImplausible sets out-of-bounds values and spikes to NaN and returns how
// many values it masked.
func (c *Cleaner) maskImplausible(values []float64) int {
	masked := 0
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if v < c.cfg.Lower || v > c.cfg.Upper {
			values[i] = math.NaN()
			masked++
		}
	}

	if c.cfg.SpikeZ > 0 {
		present := make([]float64, 0, len(values))
		for _, v := range values {
			if !math.IsNaN(v) {
				present = append(present, v)
			}
		}
		if len(present) >= 2 {
			mean, std := stat.MeanStdDev(present, nil)
			if std > 0 {
				for i, v := range values {
					if !math.IsNaN(v) && math.Abs(v-mean)/std > c.cfg.SpikeZ {
						values[i] = math.NaN()
						masked++
					}
				}
			}
		}
	}
	return masked
}

func (c *Cleaner) impute(values []float64) error {
	switch c.cfg.Strategy {
	case StrategyInterpolate:
		interpolate(values)
	case StrategyMean:
		meanFill(values)
	case StrategyFFill:
		forwardFill(values)
	default:
		return fmt.Errorf("unknown imputation strategy %q", c.cfg.Strategy)
	}
	return nil
}

// interpolate fills NaN runs linearly between their bounding observations.
// Leading and trailing runs take the nearest observed value.
func interpolate(values []float64) {
	n := len(values)
	i := 0
	for i < n {
		if !math.IsNaN(values[i]) {
			i++
			continue
		}
		// [i, j) is a missing run
		j := i
		for j < n && math.IsNaN(values[j]) {
			j++
		}
		switch {
		case i == 0 && j == n:
			// nothing observed at all; caller guards via MinHistory
		case i == 0:
			for k := i; k < j; k++ {
				values[k] = values[j]
			}
		case j == n:
			for k := i; k < j; k++ {
				values[k] = values[i-1]
			}
		default:
			lo, hi := values[i-1], values[j]
			span := float64(j - i + 1)
			for k := i; k < j; k++ {
				frac := float64(k-i+1) / span
				values[k] = lo + (hi-lo)*frac
			}
		}
		i = j
	}
}

// meanFill replaces every NaN with the mean of the observed values.
func meanFill(values []float64) {
	present := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			present = append(present, v)
		}
	}
	if len(present) == 0 {
		return
	}
	mean := stat.Mean(present, nil)
	for i, v := range values {
		if math.IsNaN(v) {
			values[i] = mean
		}
	}
}

// forwardFill carries the last observed value forward; a leading run takes
// the first observed value.
func forwardFill(values []float64) {
	last := math.NaN()
	for i, v := range values {
		if math.IsNaN(v) {
			if !math.IsNaN(last) {
				values[i] = last
			}
		} else {
			last = v
		}
	}
	// leading gap: backfill from the first observation
	first := math.NaN()
	for _, v := range values {
		if !math.IsNaN(v) {
			first = v
			break
		}
	}
	for i, v := range values {
		if math.IsNaN(v) {
			values[i] = first
		} else {
			break
		}
	}
}
