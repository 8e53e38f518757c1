package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/composite"
	"github.com/airbusgeo/s2-gapfill/interface/rasterio"
	"github.com/airbusgeo/s2-gapfill/service"
	"github.com/airbusgeo/s2-gapfill/service/log"
)

// OutputName returns the name of the mosaic of the band for the quarter and the zone, following pattern
// (e.g. common.DefaultOutputPattern)
func OutputName(pattern, band string, q common.Quarter, zone string) string {
	return common.FormatBrackets(pattern, map[string]string{"BAND": band, "QUARTER": q.String(), "ZONE": zone}) + ".tif"
}

// MosaicQuarter merges the gap-filled rasters of the band of the tiles for the quarter and writes the result in output.
// Overlapping pixels take the maximum of the valid values.
func MosaicQuarter(ctx context.Context, storageService service.Storage, tiles []common.Unit, band string, q common.Quarter, enc rasterio.Encoding, output, workdir string) error {
	tag := fmt.Sprintf("%s_%s", band, q)
	workdir, err := newWorkdir(workdir)
	if err != nil {
		return fmt.Errorf("MosaicQuarter[%s].%w", tag, err)
	}
	defer os.RemoveAll(workdir)

	file := service.QuarterFile(band, q, service.LayerFilled, service.ExtensionGTiff)
	toMerge := make([]composite.Tile, 0, len(tiles))
	for _, tile := range tiles {
		tileDir := filepath.Join(workdir, tile.Tile)
		if err := os.MkdirAll(tileDir, 0766); err != nil {
			return service.MakeTemporary(fmt.Errorf("MosaicQuarter[%s]: %w", tag, err))
		}
		path, err := importLayer(ctx, storageService, tile, file, tileDir)
		if err != nil {
			return fmt.Errorf("MosaicQuarter[%s].%w", tag, err)
		}
		g, georef, err := rasterio.ReadGrid(ctx, path, enc.Scale)
		if err != nil {
			return fmt.Errorf("MosaicQuarter[%s].%w", tag, err)
		}
		toMerge = append(toMerge, composite.Tile{Georef: georef, Grid: g})
	}

	log.Logger(ctx).Sugar().Infof("mosaic %d tiles into %s", len(toMerge), output)
	g, georef, err := composite.MosaicMax(toMerge)
	if err != nil {
		return service.MakeFatal(fmt.Errorf("MosaicQuarter[%s].%w", tag, err))
	}
	metadata := map[string]string{
		rasterio.MetadataBand:    band,
		rasterio.MetadataQuarter: q.String(),
	}
	if err := rasterio.WriteGrid(ctx, output, g, georef, enc, band, metadata); err != nil {
		return fmt.Errorf("MosaicQuarter[%s].%w", tag, err)
	}
	return nil
}
