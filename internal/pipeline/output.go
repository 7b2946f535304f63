package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/pvallen/gridcast/internal/models"
)

// PredictionRow is one site's forecast in the matrix layout the optimisation
// code expects: the site name followed by one value per timestep, no header.
type PredictionRow struct {
	SiteID string
	Values []float64
}

func WritePredictions(path string, rows []PredictionRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, row := range rows {
		record := make([]string, 0, len(row.Values)+1)
		record = append(record, row.SiteID)
		for _, v := range row.Values {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// WriteForecastsCSV writes the readable long format: one row per
// (timestamp, site, value), with a header.
func WriteForecastsCSV(path string, forecasts []models.Forecast) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp", "site_id", "forecast_value"}); err != nil {
		return err
	}
	for _, fc := range forecasts {
		record := []string{
			fc.ValidAt.UTC().Format("2006-01-02 15:04:05"),
			fc.SiteID,
			strconv.FormatFloat(fc.Value, 'g', -1, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// WritePrices writes the 15-minute resampled settlement prices consumed by
// the optimiser alongside the predictions.
func WritePrices(path string, prices []models.PriceRecord) error {
	if len(prices) == 0 {
		return fmt.Errorf("no prices to write")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestep", "electricity"}); err != nil {
		return err
	}
	for _, p := range prices {
		record := []string{
			p.Timestamp.Format("2006-01-02 15:04:05"),
			strconv.FormatFloat(p.Price, 'g', -1, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
