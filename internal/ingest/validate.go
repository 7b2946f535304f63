package ingest

import (
	"encoding/json"
	"math"

	"github.com/pvallen/gridcast/internal/models"
)

const (
	FlagValueMissing      = "value_missing"
	FlagNegativeValue     = "negative_value"
	FlagAboveCeiling      = "above_ceiling"
	FlagNegativeSolarOnly = "solar_negative"
	FlagNightGeneration   = "night_generation"
)

// Readings under this many kW are treated as inverter standby noise rather
// than real generation.
const nightGenerationFloor = 1.0

// ValidateSeries flags implausible values per grid position. Ceiling is the
// maximum plausible kW reading for the site mix (configurable upstream).
// Solar sites additionally flag negative generation, which is physically
// impossible rather than merely implausible.
func ValidateSeries(s models.Series, kind string, ceiling float64) [][]string {
	flags := make([][]string, s.Len())
	for i, v := range s.Values {
		if math.IsNaN(v) {
			flags[i] = append(flags[i], FlagValueMissing)
			continue
		}
		if v < 0 {
			flags[i] = append(flags[i], FlagNegativeValue)
			if kind == KindSolar {
				flags[i] = append(flags[i], FlagNegativeSolarOnly)
			}
		}
		if v > ceiling {
			flags[i] = append(flags[i], FlagAboveCeiling)
		}
	}
	return flags
}

// ValidateNightGeneration flags grid positions where a solar site reports
// generation while the matched ERA5 row shows zero surface solar radiation.
// weather must be aligned 1:1 with the series grid.
func ValidateNightGeneration(s models.Series, weather []models.WeatherRecord) []bool {
	flags := make([]bool, s.Len())
	for i, v := range s.Values {
		if i >= len(weather) {
			break
		}
		if weather[i].SolarRadiation == 0 && v > nightGenerationFloor {
			flags[i] = true
		}
	}
	return flags
}

// QualityFlagsToJSON serializes one position's flags for storage. Empty flag
// lists serialize to the empty string so clean rows stay cheap.
func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
