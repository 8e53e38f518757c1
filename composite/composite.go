// Package composite aggregates masked scenes into quarterly composites and
// mosaics the tiles of a zone.
package composite

import (
	"errors"
	"fmt"
	"sort"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/raster"
)

// ErrNoInput is returned when there is nothing to composite
var ErrNoInput = errors.New("no input raster")

// ErrMismatch is returned when the rasters to composite do not share the same grid
type ErrMismatch struct {
	Reason string
}

func (e ErrMismatch) Error() string {
	return "composite: " + e.Reason
}

// Median returns the per-pixel median of the grids, ignoring the missing values.
// Pixels missing in all the grids are missing.
func Median(grids []*raster.Grid) (*raster.Grid, error) {
	if len(grids) == 0 {
		return nil, ErrNoInput
	}
	w, h := grids[0].Width, grids[0].Height
	for _, g := range grids[1:] {
		if err := g.CheckShape(w, h); err != nil {
			return nil, ErrMismatch{Reason: err.Error()}
		}
	}
	out := raster.NewGrid(w, h)
	values := make([]float64, 0, len(grids))
	for idx := range out.Data {
		values = values[:0]
		for _, g := range grids {
			if v := g.Data[idx]; !raster.IsNoData(v) {
				values = append(values, v)
			}
		}
		out.Data[idx] = median(values)
	}
	return out, nil
}

// median sorts values in place
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return raster.NoData
	}
	sort.Float64s(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}

// MedianBand returns the median of the band over the composites, that must share the same georef
func MedianBand(composites []*masker.Composite, band masker.Band) (*raster.Grid, raster.Georef, error) {
	if len(composites) == 0 {
		return nil, raster.Georef{}, ErrNoInput
	}
	georef := composites[0].Georef
	grids := make([]*raster.Grid, 0, len(composites))
	for _, c := range composites {
		if err := georef.Compare(c.Georef); err != nil {
			return nil, georef, ErrMismatch{Reason: fmt.Sprintf("%s: %v", c.SourceID, err)}
		}
		g, ok := c.Band(band)
		if !ok {
			return nil, georef, ErrMismatch{Reason: fmt.Sprintf("%s: missing band %s", c.SourceID, band)}
		}
		grids = append(grids, g)
	}
	g, err := Median(grids)
	return g, georef, err
}

// GroupByQuarter groups the composites by the quarter of their acquisition date
func GroupByQuarter(composites []*masker.Composite) map[common.Quarter][]*masker.Composite {
	groups := map[common.Quarter][]*masker.Composite{}
	for _, c := range composites {
		q := common.QuarterOf(c.Date)
		groups[q] = append(groups[q], c)
	}
	return groups
}
