package clean

import (
	"fmt"
	"time"

	"github.com/pvallen/gridcast/internal/models"
)

// SplitSet partitions a cleaned series into non-overlapping windows ordered
// train, then validation, then test.
type SplitSet struct {
	Train models.Series
	Val   models.Series
	Test  models.Series
}

// Split cuts a cleaned series at the validation and test boundaries. Values
// with timestamps before valStart go to train, before testStart to
// validation, the remainder to test. A zero valStart produces an empty
// validation window (two-way split).
func Split(s models.Series, valStart, testStart time.Time) (SplitSet, error) {
	if testStart.IsZero() {
		return SplitSet{}, fmt.Errorf("test boundary is required")
	}
	if valStart.IsZero() {
		valStart = testStart
	}
	if testStart.Before(valStart) {
		return SplitSet{}, fmt.Errorf("test boundary %v before validation boundary %v", testStart, valStart)
	}

	vi := indexAt(s, valStart)
	ti := indexAt(s, testStart)

	if vi <= 0 {
		return SplitSet{}, fmt.Errorf("validation boundary %v leaves no training data", valStart)
	}
	if ti >= s.Len() {
		return SplitSet{}, fmt.Errorf("test boundary %v leaves no test data", testStart)
	}

	return SplitSet{
		Train: window(s, 0, vi),
		Val:   window(s, vi, ti),
		Test:  window(s, ti, s.Len()),
	}, nil
}

// indexAt returns the grid index of the first value at or after t, clamped
// to [0, len].
func indexAt(s models.Series, t time.Time) int {
	if !t.After(s.Start) {
		return 0
	}
	steps := t.Sub(s.Start) / s.Freq
	if t.Sub(s.Start)%s.Freq != 0 {
		steps++
	}
	if int(steps) > s.Len() {
		return s.Len()
	}
	return int(steps)
}

func window(s models.Series, from, to int) models.Series {
	return models.Series{
		SiteID: s.SiteID,
		Start:  s.TimeAt(from),
		Freq:   s.Freq,
		Values: s.Values[from:to],
	}
}
