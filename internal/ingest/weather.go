package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pvallen/gridcast/internal/models"
)

// Column order of the ERA5 extract shipped with the competition data.
var weatherColumns = []string{
	"datetime (UTC)",
	"temperature (degC)",
	"dewpoint_temperature (degC)",
	"wind_speed (m/s)",
	"mean_sea_level_pressure (Pa)",
	"relative_humidity ((0-1))",
	"surface_solar_radiation (W/m^2)",
	"surface_thermal_radiation (W/m^2)",
	"total_cloud_cover (0-1)",
}

const weatherTimeLayout = "2006-01-02 15:04:05"

// ReadWeather reads the ERA5 weather CSV. The header row must carry the
// expected columns in order; rows with unparseable numbers are rejected
// (weather is a supporting feature, a silently bad row would poison training).
func ReadWeather(path string) ([]models.WeatherRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weather csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read weather header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, want := range weatherColumns {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("weather csv missing column %q", want)
		}
	}

	var out []models.WeatherRecord
	line := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read weather row %d: %w", line, err)
		}
		line++

		ts, err := time.Parse(weatherTimeLayout, row[col["datetime (UTC)"]])
		if err != nil {
			return nil, fmt.Errorf("weather row %d: %w", line, err)
		}

		nums := make([]float64, len(weatherColumns)-1)
		for i, name := range weatherColumns[1:] {
			v, err := strconv.ParseFloat(row[col[name]], 64)
			if err != nil {
				return nil, fmt.Errorf("weather row %d column %s: %w", line, name, err)
			}
			nums[i] = v
		}

		out = append(out, models.WeatherRecord{
			Timestamp:        ts,
			Temperature:      nums[0],
			Dewpoint:         nums[1],
			WindSpeed:        nums[2],
			Pressure:         nums[3],
			RelativeHumidity: nums[4],
			SolarRadiation:   nums[5],
			ThermalRadiation: nums[6],
			CloudCover:       nums[7],
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("weather csv %s has no data rows", path)
	}
	return out, nil
}
