package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/interface/rasterio"
	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/raster"
	"github.com/airbusgeo/s2-gapfill/service"
	"github.com/airbusgeo/s2-gapfill/service/log"
	"github.com/google/uuid"
)

// newWorkdir creates a unique working directory in workdir.
// The working directory of the process is not changed, as jobs may run concurrently.
func newWorkdir(workdir string) (string, error) {
	workdir = filepath.Join(workdir, uuid.New().String())
	if err := os.MkdirAll(workdir, 0766); err != nil {
		return "", service.MakeTemporary(fmt.Errorf("make directory %s: %w", workdir, err))
	}
	return workdir, nil
}

// importLayer imports the file from the storage and returns its local path
func importLayer(ctx context.Context, storageService service.Storage, unit common.Unit, file service.File, workdir string) (string, error) {
	log.Logger(ctx).Sugar().Debugf("import %s", file.Name())
	if err := storageService.ImportLayer(ctx, unit, file, workdir); err != nil {
		if errors.As(err, &service.ErrFileNotFound{}) {
			return "", service.MakeFatal(err)
		}
		return "", service.MakeTemporary(err)
	}
	return filepath.Join(workdir, file.Name()), nil
}

func saveLayer(ctx context.Context, storageService service.Storage, unit common.Unit, file service.File, workdir string) (string, error) {
	log.Logger(ctx).Sugar().Infof("save layer '%s'", file.Name())
	uri, err := storageService.SaveLayer(ctx, unit, file, workdir)
	if err != nil {
		return "", service.MakeTemporary(err)
	}
	return uri, nil
}

// MaskScene computes the cloud/shadow mask of the scene and saves the masked composite and the mask.
// The thresholds of the job override the defaults.
func MaskScene(ctx context.Context, storageService service.Storage, job common.SceneToMask, defaults masker.Thresholds, workdir string) error {
	input := service.SceneFile(job.Scene, service.Product, service.ExtensionGTiff)
	tag := input.SourceID
	ctx = log.With(ctx, "scene", tag)

	thresholds := defaults
	if err := thresholds.Apply(job.MaskerConfig); err != nil {
		return service.MakeFatal(fmt.Errorf("MaskScene[%s].%w", tag, err))
	}
	m, err := masker.New(thresholds)
	if err != nil {
		return service.MakeFatal(fmt.Errorf("MaskScene[%s].%w", tag, err))
	}

	workdir, err = newWorkdir(workdir)
	if err != nil {
		return fmt.Errorf("MaskScene[%s].%w", tag, err)
	}
	defer os.RemoveAll(workdir)

	log.Logger(ctx).Info("import scene")
	path, err := importLayer(ctx, storageService, job.Unit, input, workdir)
	if err != nil {
		return fmt.Errorf("MaskScene[%s].%w", tag, err)
	}
	scene, err := rasterio.ReadScene(ctx, path)
	if err != nil {
		if errors.As(err, &masker.MissingAuxiliaryBandError{}) {
			return service.MakeFatal(fmt.Errorf("MaskScene[%s].%w", tag, err))
		}
		return fmt.Errorf("MaskScene[%s].%w", tag, err)
	}

	log.Logger(ctx).Sugar().Infof("mask scene (solar azimuth: %.1f°)", scene.SolarAzimuth)
	masked, layers, err := m.Process(scene)
	if err != nil {
		if errors.As(err, &masker.MissingAuxiliaryBandError{}) {
			return service.MakeFatal(fmt.Errorf("MaskScene[%s].%w", tag, err))
		}
		return fmt.Errorf("MaskScene[%s].%w", tag, err)
	}
	log.Logger(ctx).Sugar().Infof("%d/%d pixels masked", layers.Mask.Count(), scene.Width()*scene.Height())

	outputs := []service.File{
		service.SceneFile(job.Scene, service.LayerMasked, service.ExtensionGTiff),
		service.SceneFile(job.Scene, service.LayerMask, service.ExtensionGTiff),
	}
	if err := rasterio.WriteComposite(ctx, filepath.Join(workdir, outputs[0].Name()), masked, rasterio.EncodingFloat32); err != nil {
		return fmt.Errorf("MaskScene[%s].%w", tag, err)
	}
	if err := rasterio.WriteMask(ctx, filepath.Join(workdir, outputs[1].Name()), layers.Mask, scene.Georef, "mask"); err != nil {
		return fmt.Errorf("MaskScene[%s].%w", tag, err)
	}
	if job.ExportLayers {
		debug := service.SceneFile(job.Scene, service.LayerDebug, service.ExtensionDir)
		if err := writeLayers(ctx, filepath.Join(workdir, debug.Name()), layers, scene.Georef); err != nil {
			return fmt.Errorf("MaskScene[%s].%w", tag, err)
		}
		outputs = append(outputs, debug)
	}

	for _, f := range outputs {
		if _, err := saveLayer(ctx, storageService, job.Unit, f, workdir); err != nil {
			return fmt.Errorf("MaskScene[%s].%w", tag, err)
		}
	}
	return nil
}

// writeLayers writes the intermediate layers of the masker in dir
func writeLayers(ctx context.Context, dir string, layers *masker.Layers, georef raster.Georef) error {
	if err := os.MkdirAll(dir, 0766); err != nil {
		return service.MakeTemporary(fmt.Errorf("writeLayers: %w", err))
	}
	for name, mask := range map[string]*raster.Mask{
		"cloud":  layers.Cloud,
		"water":  layers.Water,
		"dark":   layers.Dark,
		"shadow": layers.Shadow,
	} {
		if err := rasterio.WriteMask(ctx, filepath.Join(dir, name+".tif"), mask, georef, name); err != nil {
			return fmt.Errorf("writeLayers.%w", err)
		}
	}
	// Distance in pixels at the projection scale
	if err := rasterio.WriteGrid(ctx, filepath.Join(dir, "cloud_transform.tif"), layers.CloudTransform, georef, rasterio.EncodingFloat32, "cloud_transform", nil); err != nil {
		return fmt.Errorf("writeLayers.%w", err)
	}
	return nil
}
