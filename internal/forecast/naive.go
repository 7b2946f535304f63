// Package forecast provides the production seasonal-naive forecaster and the
// MASE accuracy metric used to score forecasts for the competition.
package forecast

import (
	"errors"
	"fmt"
)

// ErrInsufficientHistory is returned when a series is too short for the
// requested seasonal lag.
var ErrInsufficientHistory = errors.New("insufficient history for seasonal lag")

// Naive forecasts each timestep as the value observed Lag timesteps earlier.
// For a 15-minute grid, a Lag of 96 repeats yesterday and 672 repeats last
// week. It learns nothing and keeps no state between calls.
//
// Naive is the production forecaster: on the competition's validation metric
// it outperformed the trained LSTM, so the simpler model ships.
type Naive struct {
	Lag int
}

func NewNaive(lag int) *Naive {
	return &Naive{Lag: lag}
}

func (n *Naive) Name() string { return "naive" }

// Forecast returns horizon values. When the horizon exceeds the lag, the last
// observed season tiles forward, so forecasts never reference other forecasts.
func (n *Naive) Forecast(history []float64, horizon int) ([]float64, error) {
	if n.Lag <= 0 {
		return nil, fmt.Errorf("seasonal lag must be positive, got %d", n.Lag)
	}
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}
	if len(history) < n.Lag {
		return nil, fmt.Errorf("%w: have %d values, lag %d", ErrInsufficientHistory, len(history), n.Lag)
	}

	season := history[len(history)-n.Lag:]
	out := make([]float64, horizon)
	for i := range out {
		out[i] = season[i%n.Lag]
	}
	return out, nil
}
