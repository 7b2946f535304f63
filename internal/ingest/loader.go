// Package ingest loads the competition's raw inputs: per-site power series
// from .tsf archives, the ERA5 weather extract, and AEMO settlement prices.
package ingest

import (
	"fmt"
	"strings"

	"github.com/pvallen/gridcast/internal/models"
	"github.com/pvallen/gridcast/internal/tsf"
)

const (
	KindBuilding = "building"
	KindSolar    = "solar"
)

// LoadResult is the raw per-site dataset read from a tsf archive.
type LoadResult struct {
	Sites  []models.Site
	Series []models.Series
	Meta   tsf.Metadata
}

// LoadTSF reads a tsf archive into per-site dense series. Site kind comes
// from the series name prefix (Building* consume, Solar* generate).
func LoadTSF(path string) (*LoadResult, error) {
	file, err := tsf.ReadFile(path)
	if err != nil {
		return nil, err
	}

	freq, err := tsf.FreqDuration(file.Meta.Frequency)
	if err != nil {
		return nil, err
	}

	res := &LoadResult{Meta: file.Meta}
	for _, s := range file.Series {
		if s.Name == "" {
			return nil, fmt.Errorf("series without a name in %s", path)
		}
		if s.Start.IsZero() {
			return nil, fmt.Errorf("series %s has no start timestamp", s.Name)
		}
		res.Sites = append(res.Sites, models.Site{
			SiteID: s.Name,
			Name:   s.Name,
			Kind:   siteKind(s.Name),
			Active: true,
		})
		res.Series = append(res.Series, models.Series{
			SiteID: s.Name,
			Start:  s.Start,
			Freq:   freq,
			Values: s.Values,
		})
	}
	return res, nil
}

func siteKind(name string) string {
	if strings.HasPrefix(strings.ToLower(name), "solar") {
		return KindSolar
	}
	return KindBuilding
}
