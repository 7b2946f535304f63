package forecast

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrDegenerateBaseline is returned when the naive in-sample error is zero
// (a constant history), which leaves MASE undefined. Callers must treat this
// as a reported singularity, not a zero or infinite score.
var ErrDegenerateBaseline = errors.New("degenerate naive baseline: in-sample error is zero")

// MASE computes the Mean Absolute Scaled Error of a forecast against the
// observed actuals, scaled by the in-sample error of a seasonal-naive
// forecast at lag m over the training history:
//
//	mean(|forecast - actual|) / mean(|history[i] - history[i-m]|, i >= m)
//
// The result is scale-free and comparable across series of different units.
func MASE(forecast, actual, history []float64, m int) (float64, error) {
	if len(forecast) == 0 {
		return 0, fmt.Errorf("empty forecast")
	}
	if len(forecast) != len(actual) {
		return 0, fmt.Errorf("forecast length %d does not match actual length %d", len(forecast), len(actual))
	}
	if m <= 0 {
		return 0, fmt.Errorf("seasonal lag must be positive, got %d", m)
	}
	if len(history) <= m {
		return 0, fmt.Errorf("history length %d too short for seasonal lag %d", len(history), m)
	}

	var numer float64
	for i := range forecast {
		numer += math.Abs(forecast[i] - actual[i])
	}
	numer /= float64(len(forecast))

	var denom float64
	for i := m; i < len(history); i++ {
		denom += math.Abs(history[i] - history[i-m])
	}
	denom /= float64(len(history) - m)

	if denom == 0 {
		return 0, ErrDegenerateBaseline
	}
	return numer / denom, nil
}

// MASEFromSeries is the competition formulation: full is the complete
// observed series whose final len(pred) values are the forecast targets and
// whose preceding values, together with the targets, scale the error.
func MASEFromSeries(pred, full []float64, m int) (float64, error) {
	if len(pred) == 0 {
		return 0, fmt.Errorf("empty forecast")
	}
	if len(full) <= len(pred) {
		return 0, fmt.Errorf("series length %d leaves no history before %d forecast targets", len(full), len(pred))
	}
	actual := full[len(full)-len(pred):]
	return MASE(pred, actual, full, m)
}

// MAE is the mean absolute error between a forecast and the actuals.
func MAE(forecast, actual []float64) (float64, error) {
	if len(forecast) == 0 || len(forecast) != len(actual) {
		return 0, fmt.Errorf("forecast length %d does not match actual length %d", len(forecast), len(actual))
	}
	diff := make([]float64, len(forecast))
	floats.SubTo(diff, forecast, actual)
	var sum float64
	for _, d := range diff {
		sum += math.Abs(d)
	}
	return sum / float64(len(forecast)), nil
}
