package gapfill

import (
	"fmt"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/raster"
	"gonum.org/v1/gonum/stat"
)

func validValues(values []float64, buf []float64) []float64 {
	buf = buf[:0]
	for _, v := range values {
		if !raster.IsNoData(v) {
			buf = append(buf, v)
		}
	}
	return buf
}

// FillRemaining fills the values still missing after interpolation, as a last resort before persistence:
//   - common.FallbackPixelMean: mean of the valid values of the pixel series
//   - common.FallbackRasterMean: mean of the valid values of the member raster
//
// Values without any valid value to average are left missing.
// It returns a new stack and the number of values filled.
func FillRemaining(s *Stack, policy string) (*Stack, int64, error) {
	grids := s.cloneGrids()
	var filled int64
	switch policy {
	case common.FallbackNone:
		return s, 0, nil
	case common.FallbackPixelMean:
		series := make([]float64, len(grids))
		var buf []float64
		for idx := 0; idx < s.Width*s.Height; idx++ {
			missing := false
			for i, g := range grids {
				series[i] = g.Data[idx]
				missing = missing || raster.IsNoData(series[i])
			}
			if !missing {
				continue
			}
			buf = validValues(series, buf)
			if len(buf) == 0 {
				continue
			}
			mean := stat.Mean(buf, nil)
			for _, g := range grids {
				if raster.IsNoData(g.Data[idx]) {
					g.Data[idx] = mean
					filled++
				}
			}
		}
	case common.FallbackRasterMean:
		var buf []float64
		for _, g := range grids {
			buf = validValues(g.Data, buf)
			if len(buf) == 0 || len(buf) == len(g.Data) {
				continue
			}
			mean := stat.Mean(buf, nil)
			for idx, v := range g.Data {
				if raster.IsNoData(v) {
					g.Data[idx] = mean
					filled++
				}
			}
		}
	default:
		return nil, 0, fmt.Errorf("FillRemaining: unknown fallback policy '%s'", policy)
	}
	return s.withGrids(grids), filled, nil
}
