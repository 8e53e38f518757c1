package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/composite"
	"github.com/airbusgeo/s2-gapfill/interface/rasterio"
	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/service"
	"github.com/airbusgeo/s2-gapfill/service/log"
)

// ComposeQuarter computes the median of the band over the masked scenes of the quarter
// and saves it as a reflectance in [0, 1].
// Scenes outside of the quarter are ignored.
func ComposeQuarter(ctx context.Context, storageService service.Storage, job common.QuarterToCompose, workdir string) error {
	tag := job.Name()
	ctx = log.With(ctx, "composite", tag)

	var scenes []common.SceneRef
	for _, s := range job.Scenes {
		if !job.Quarter.Contains(s.Date) {
			log.Logger(ctx).Sugar().Warnf("scene %s (%s) is not in %s: ignored", s.SourceID, s.Date.Format("2006-01-02"), job.Quarter)
			continue
		}
		scenes = append(scenes, s)
	}
	if len(scenes) == 0 {
		return service.MakeFatal(fmt.Errorf("ComposeQuarter[%s]: %w", tag, composite.ErrNoInput))
	}

	workdir, err := newWorkdir(workdir)
	if err != nil {
		return fmt.Errorf("ComposeQuarter[%s].%w", tag, err)
	}
	defer os.RemoveAll(workdir)

	log.Logger(ctx).Sugar().Infof("import %d masked scenes", len(scenes))
	composites := make([]*masker.Composite, 0, len(scenes))
	for _, s := range scenes {
		path, err := importLayer(ctx, storageService, job.Unit, service.SceneFile(s, service.LayerMasked, service.ExtensionGTiff), workdir)
		if err != nil {
			return fmt.Errorf("ComposeQuarter[%s].%w", tag, err)
		}
		c, err := rasterio.ReadComposite(ctx, path)
		if err != nil {
			return fmt.Errorf("ComposeQuarter[%s].%w", tag, err)
		}
		composites = append(composites, c)
		// Free disk space as soon as possible
		os.Remove(path)
	}
	// The sensing time of the masked scene prevails over the date of the reference
	if composites = composite.GroupByQuarter(composites)[job.Quarter]; len(composites) == 0 {
		return service.MakeFatal(fmt.Errorf("ComposeQuarter[%s]: no masked scene sensed in %s: %w", tag, job.Quarter, composite.ErrNoInput))
	}
	if len(composites) < len(scenes) {
		log.Logger(ctx).Sugar().Warnf("%d masked scenes are not sensed in %s: ignored", len(scenes)-len(composites), job.Quarter)
	}

	g, georef, err := composite.MedianBand(composites, masker.Band(job.Band))
	if err != nil {
		if errors.As(err, &composite.ErrMismatch{}) {
			return service.MakeFatal(fmt.Errorf("ComposeQuarter[%s].%w", tag, err))
		}
		return fmt.Errorf("ComposeQuarter[%s].%w", tag, err)
	}
	if nodata := g.CountNoData(); nodata > 0 {
		log.Logger(ctx).Sugar().Infof("%d/%d pixels without valid value", nodata, g.Width*g.Height)
	}

	output := service.QuarterFile(job.Band, job.Quarter, service.LayerComposite, service.ExtensionGTiff)
	metadata := map[string]string{
		rasterio.MetadataBand:    job.Band,
		rasterio.MetadataQuarter: job.Quarter.String(),
	}
	if err := rasterio.WriteGrid(ctx, filepath.Join(workdir, output.Name()), g, georef, rasterio.EncodingReflectance, job.Band, metadata); err != nil {
		return fmt.Errorf("ComposeQuarter[%s].%w", tag, err)
	}
	if _, err := saveLayer(ctx, storageService, job.Unit, output, workdir); err != nil {
		return fmt.Errorf("ComposeQuarter[%s].%w", tag, err)
	}
	return nil
}
