package composite

import (
	"math"

	"github.com/airbusgeo/s2-gapfill/raster"
)

// Tile is a georeferenced grid to mosaic
type Tile struct {
	Georef raster.Georef
	Grid   *raster.Grid
}

// MosaicMax merges the tiles on the union of their extents. Where tiles overlap,
// the maximum of the valid values is kept. Tiles must share the projection and the resolution
// and be aligned on the same pixel grid.
func MosaicMax(tiles []Tile) (*raster.Grid, raster.Georef, error) {
	if len(tiles) == 0 {
		return nil, raster.Georef{}, ErrNoInput
	}
	ref := tiles[0].Georef
	extent := ref.Extent(tiles[0].Grid.Width, tiles[0].Grid.Height)
	for _, t := range tiles[1:] {
		if !ref.SameResolution(t.Georef) {
			return nil, ref, ErrMismatch{Reason: "tiles must share the projection and the resolution"}
		}
		extent.Add(t.Georef.Extent(t.Grid.Width, t.Grid.Height))
	}
	georef, w, h := ref.Covering(extent)
	out := raster.NewGridFilled(w, h, raster.NoData)

	for _, t := range tiles {
		// pixel offset of the tile, using the center of its first pixel
		c0, r0 := georef.PixelOf(t.Georef.GeoTransform[0]+t.Georef.GeoTransform[1]/2, t.Georef.GeoTransform[3]+t.Georef.GeoTransform[5]/2)
		for row := 0; row < t.Grid.Height; row++ {
			orow := r0 + row
			if orow < 0 || orow >= h {
				continue
			}
			for col := 0; col < t.Grid.Width; col++ {
				ocol := c0 + col
				if ocol < 0 || ocol >= w {
					continue
				}
				v := t.Grid.At(col, row)
				if raster.IsNoData(v) {
					continue
				}
				if cur := out.At(ocol, orow); raster.IsNoData(cur) {
					out.Set(ocol, orow, v)
				} else {
					out.Set(ocol, orow, math.Max(cur, v))
				}
			}
		}
	}
	return out, georef, nil
}
