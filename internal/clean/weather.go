package clean

import (
	"fmt"

	"github.com/pvallen/gridcast/internal/models"
)

// MergeWeather aligns weather rows 1:1 with a cleaned series' grid. Grid
// timestamps with no weather row take the previous matched row, so the result
// always has one row per series value. The first grid timestamp must have a
// weather match.
func MergeWeather(s models.Series, weather []models.WeatherRecord) ([]models.WeatherRecord, error) {
	if len(weather) == 0 {
		return nil, fmt.Errorf("no weather rows")
	}

	byTime := make(map[int64]models.WeatherRecord, len(weather))
	for _, w := range weather {
		byTime[w.Timestamp.Unix()] = w
	}

	out := make([]models.WeatherRecord, s.Len())
	var last models.WeatherRecord
	haveLast := false
	for i := range out {
		ts := s.TimeAt(i)
		if w, ok := byTime[ts.Unix()]; ok {
			last = w
			haveLast = true
		} else if !haveLast {
			return nil, fmt.Errorf("no weather row at or before series start %v", ts)
		}
		w := last
		w.Timestamp = ts
		out[i] = w
	}
	return out, nil
}
