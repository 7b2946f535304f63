package models

import (
	"math"
	"time"
)

type Site struct {
	SiteID string
	Name   string
	Kind   string // "building" or "solar"
	Active bool
}

// Record is one cleaned observation on the uniform grid.
type Record struct {
	ID        int64
	SiteID    string
	Timestamp time.Time
	Value     float64
	Imputed   bool
	QCFlags   string // JSON array of validation flags, empty when clean
	CreatedAt time.Time
}

// Series is a dense per-site sequence on a fixed frequency grid.
// Values may contain NaN before cleaning; never after.
type Series struct {
	SiteID string
	Start  time.Time
	Freq   time.Duration
	Values []float64
}

// TimeAt returns the timestamp of the i-th value.
func (s Series) TimeAt(i int) time.Time {
	return s.Start.Add(time.Duration(i) * s.Freq)
}

// Len returns the number of values in the series.
func (s Series) Len() int {
	return len(s.Values)
}

// Records expands the dense series into per-timestamp records.
func (s Series) Records() []Record {
	records := make([]Record, len(s.Values))
	for i, v := range s.Values {
		records[i] = Record{
			SiteID:    s.SiteID,
			Timestamp: s.TimeAt(i),
			Value:     v,
		}
	}
	return records
}

// MissingCount returns how many values are NaN.
func (s Series) MissingCount() int {
	n := 0
	for _, v := range s.Values {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}

type Forecast struct {
	ID      int64
	RunID   int64
	SiteID  string
	ValidAt time.Time
	Value   float64
	Model   string // "naive" or "lstm"
}

type Evaluation struct {
	ID      int64
	RunID   int64
	SiteID  string
	Model   string
	MASE    float64
	MAE     float64
	Samples int
}

// Run records one pipeline invocation.
type Run struct {
	ID           int64
	StartedAt    time.Time
	FinishedAt   time.Time
	Model        string
	SitesOK      int
	SitesSkipped int
	Notes        string
}

// EvaluationStats aggregates evaluations per model, used to compare the
// production naive forecaster against trained models.
type EvaluationStats struct {
	Model   string
	Count   int
	AvgMASE float64
	AvgMAE  float64
}

// WeatherRecord is one row of the ERA5 weather extract.
type WeatherRecord struct {
	Timestamp        time.Time
	Temperature      float64 // degC
	Dewpoint         float64 // degC
	WindSpeed        float64 // m/s
	Pressure         float64 // Pa, mean sea level
	RelativeHumidity float64 // 0-1
	SolarRadiation   float64 // W/m^2
	ThermalRadiation float64 // W/m^2
	CloudCover       float64 // 0-1
}

// PriceRecord is one settlement price on the 15-minute grid.
type PriceRecord struct {
	Timestamp time.Time
	Price     float64 // $/MWh
}
