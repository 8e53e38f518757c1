// Package rasterio reads and writes the rasters of the workflow with GDAL
package rasterio

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/raster"
	"github.com/airbusgeo/s2-gapfill/service/log"
	"github.com/araddon/dateparse"
)

// Metadata items of the scenes and composites
const (
	MetadataSourceID     = "SOURCE_ID"
	MetadataSensingTime  = "SENSING_TIME"
	MetadataSolarAzimuth = "MEAN_SOLAR_AZIMUTH_ANGLE"
	MetadataPixelScale   = "PIXEL_SCALE" // nominal pixel scale in meters
	MetadataBand         = "BAND"
	MetadataQuarter      = "QUARTER"
)

var creationOptions = []string{"TILED=YES", "BLOCKXSIZE=256", "BLOCKYSIZE=256", "COMPRESS=LZW"}

func init() {
	godal.RegisterAll()
}

// RegisterGCS registers a handler to let GDAL read gs:// uris
func RegisterGCS(ctx context.Context) error {
	gcsh, err := gcs.Handle(ctx)
	if err != nil {
		return fmt.Errorf("RegisterGCS.gcs.handle: %w", err)
	}
	gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize("512k"), osio.NumCachedBlocks(1000))
	if err != nil {
		return fmt.Errorf("RegisterGCS.osio.new: %w", err)
	}
	if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
		return fmt.Errorf("RegisterGCS.register osio: %w", err)
	}
	return nil
}

// errLogger logs the warnings of GDAL and returns the errors
func errLogger(ctx context.Context) godal.ErrorHandler {
	return func(ec godal.ErrorCategory, code int, msg string) error {
		if ec <= godal.CE_Warning {
			log.Logger(ctx).Sugar().Debugf("gdal: %s", msg)
			return nil
		}
		return fmt.Errorf("gdal[%d]: %s", code, msg)
	}
}

func open(ctx context.Context, path string) (*godal.Dataset, error) {
	ds, err := godal.Open(path, godal.RasterOnly(), godal.ErrLogger(errLogger(ctx)))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return ds, nil
}

func readGeoref(ds *godal.Dataset) (raster.Georef, error) {
	gt, err := ds.GeoTransform()
	if err != nil {
		return raster.Georef{}, fmt.Errorf("geotransform: %w", err)
	}
	return raster.Georef{Projection: ds.Projection(), GeoTransform: gt}, nil
}

// readBand reads the band, converting nodata to raster.NoData and dividing by scale
func readBand(band godal.Band, width, height int, scale float64) (*raster.Grid, error) {
	g := raster.NewGrid(width, height)
	if err := band.Read(0, 0, g.Data, width, height); err != nil {
		return nil, err
	}
	nodata, hasNodata := band.NoData()
	for i, v := range g.Data {
		switch {
		case math.IsNaN(v), hasNodata && v == nodata:
			g.Data[i] = raster.NoData
		case scale != 1:
			g.Data[i] = v / scale
		}
	}
	return g, nil
}

// ReadGrid reads the first band of the file, dividing its values by scale
func ReadGrid(ctx context.Context, path string, scale float64) (*raster.Grid, raster.Georef, error) {
	ds, err := open(ctx, path)
	if err != nil {
		return nil, raster.Georef{}, fmt.Errorf("ReadGrid.%w", err)
	}
	defer ds.Close()

	georef, err := readGeoref(ds)
	if err != nil {
		return nil, georef, fmt.Errorf("ReadGrid[%s].%w", path, err)
	}
	st := ds.Structure()
	g, err := readBand(ds.Bands()[0], st.SizeX, st.SizeY, scale)
	if err != nil {
		return nil, georef, fmt.Errorf("ReadGrid[%s].%w", path, err)
	}
	return g, georef, nil
}

// readBands reads all the bands, named after their description
func readBands(ds *godal.Dataset, path string) (map[masker.Band]*raster.Grid, error) {
	st := ds.Structure()
	bands := map[masker.Band]*raster.Grid{}
	for i, band := range ds.Bands() {
		name := masker.Band(strings.TrimSpace(band.Description()))
		if name == "" {
			return nil, fmt.Errorf("band %d of %s has no description", i+1, path)
		}
		g, err := readBand(band, st.SizeX, st.SizeY, 1)
		if err != nil {
			return nil, fmt.Errorf("band %s: %w", name, err)
		}
		bands[name] = g
	}
	return bands, nil
}

func sourceIDOf(ds *godal.Dataset, path string) string {
	if id := ds.Metadata(MetadataSourceID); id != "" {
		return id
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// sensingTime returns the sensing time from the metadata or from the name of the product
func sensingTime(ds *godal.Dataset, sourceID string) (time.Time, error) {
	if s := ds.Metadata(MetadataSensingTime); s != "" {
		return dateparse.ParseIn(s, time.UTC)
	}
	t, err := common.GetDateFromProductId(sourceID)
	if err != nil {
		return time.Time{}, fmt.Errorf("no %s metadata and %w", MetadataSensingTime, err)
	}
	return t, nil
}

// centerLonLat returns the coordinates of the center of the dataset in WGS84
func centerLonLat(ds *godal.Dataset, georef raster.Georef) (float64, float64, error) {
	st := ds.Structure()
	gt := georef.GeoTransform
	xs := []float64{gt[0] + gt[1]*float64(st.SizeX)/2 + gt[2]*float64(st.SizeY)/2}
	ys := []float64{gt[3] + gt[4]*float64(st.SizeX)/2 + gt[5]*float64(st.SizeY)/2}

	srcSR := ds.SpatialRef()
	if srcSR == nil {
		return 0, 0, fmt.Errorf("no spatial reference")
	}
	defer srcSR.Close()
	dstSR, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		return 0, 0, err
	}
	defer dstSR.Close()
	tr, err := godal.NewTransform(srcSR, dstSR)
	if err != nil {
		return 0, 0, err
	}
	defer tr.Close()
	if err := tr.TransformEx(xs, ys, nil, nil); err != nil {
		return 0, 0, fmt.Errorf("transform: %w", err)
	}
	return xs[0], ys[0], nil
}

// pixelScale returns the nominal pixel scale in meters, from the metadata or from the geotransform
func pixelScale(ds *godal.Dataset, georef raster.Georef) (float64, error) {
	if s := ds.Metadata(MetadataPixelScale); s != "" {
		scale, err := strconv.ParseFloat(s, 64)
		if err != nil || scale <= 0 {
			return 0, fmt.Errorf("invalid %s: '%s'", MetadataPixelScale, s)
		}
		return scale, nil
	}
	st := ds.Structure()
	_, lat := georef.Center(st.SizeX, st.SizeY)
	return georef.PixelSizeMeters(lat), nil
}

// ReadScene reads a multiband scene whose band descriptions are the names of the bands.
// The metadata of the file provides the source ID, the sensing time, the mean solar azimuth and the pixel scale.
// If the solar azimuth is not provided, it is estimated at the center of the scene.
// If the pixel scale is not provided, it is computed from the geotransform, in meters.
func ReadScene(ctx context.Context, path string) (*masker.Scene, error) {
	ds, err := open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("ReadScene.%w", err)
	}
	defer ds.Close()

	info := masker.SceneInfo{SourceID: sourceIDOf(ds, path)}
	if info.Georef, err = readGeoref(ds); err != nil {
		return nil, fmt.Errorf("ReadScene[%s].%w", info.SourceID, err)
	}
	if info.Date, err = sensingTime(ds, info.SourceID); err != nil {
		return nil, fmt.Errorf("ReadScene[%s].%w", info.SourceID, err)
	}
	if s := ds.Metadata(MetadataSolarAzimuth); s != "" {
		if info.SolarAzimuth, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("ReadScene[%s]: invalid %s: %w", info.SourceID, MetadataSolarAzimuth, err)
		}
	} else {
		lon, lat, err := centerLonLat(ds, info.Georef)
		if err != nil {
			return nil, fmt.Errorf("ReadScene[%s].centerLonLat: %w", info.SourceID, err)
		}
		info.SolarAzimuth = masker.EstimateSolarAzimuth(info.Date, lat, lon)
		log.Logger(ctx).Sugar().Debugf("%s: estimated solar azimuth: %.2f", info.SourceID, info.SolarAzimuth)
	}

	if info.PixelScale, err = pixelScale(ds, info.Georef); err != nil {
		return nil, fmt.Errorf("ReadScene[%s].%w", info.SourceID, err)
	}

	bands, err := readBands(ds, path)
	if err != nil {
		return nil, fmt.Errorf("ReadScene[%s].%w", info.SourceID, err)
	}
	return masker.NewScene(info, bands)
}

// ReadComposite reads a masked composite written by WriteComposite
func ReadComposite(ctx context.Context, path string) (*masker.Composite, error) {
	ds, err := open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("ReadComposite.%w", err)
	}
	defer ds.Close()

	sourceID := sourceIDOf(ds, path)
	georef, err := readGeoref(ds)
	if err != nil {
		return nil, fmt.Errorf("ReadComposite[%s].%w", sourceID, err)
	}
	date, err := sensingTime(ds, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ReadComposite[%s].%w", sourceID, err)
	}
	bands, err := readBands(ds, path)
	if err != nil {
		return nil, fmt.Errorf("ReadComposite[%s].%w", sourceID, err)
	}
	return masker.NewComposite(sourceID, date, georef, bands)
}

func create(path string, nbands int, width, height int, georef raster.Georef, dtype DType) (*godal.Dataset, error) {
	gdtype, err := dtype.godal()
	if err != nil {
		return nil, err
	}
	ds, err := godal.Create(godal.GTiff, path, nbands, gdtype, width, height, godal.CreationOption(creationOptions...))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := ds.SetGeoTransform(georef.GeoTransform); err != nil {
		ds.Close()
		return nil, fmt.Errorf("set geotransform: %w", err)
	}
	if georef.Projection != "" {
		sr, err := godal.NewSpatialRef(georef.Projection)
		if err != nil {
			ds.Close()
			return nil, fmt.Errorf("spatial ref '%s': %w", georef.Projection, err)
		}
		defer sr.Close()
		if err := ds.SetSpatialRef(sr); err != nil {
			ds.Close()
			return nil, fmt.Errorf("set spatial ref: %w", err)
		}
	}
	return ds, nil
}

// writeBand encodes and writes the grid in the band
func writeBand(band godal.Band, g *raster.Grid, enc Encoding, desc string) error {
	if enc.DType == Float32 || !math.IsNaN(enc.NoData) {
		if err := band.SetNoData(enc.NoData); err != nil {
			return fmt.Errorf("set nodata: %w", err)
		}
	}
	if desc != "" {
		if err := band.SetDescription(desc); err != nil {
			return fmt.Errorf("set description: %w", err)
		}
	}
	var buf interface{}
	switch enc.DType {
	case Int16:
		b := make([]int16, len(g.Data))
		for i, v := range g.Data {
			b[i] = int16(enc.Encode(v))
		}
		buf = b
	case UInt8:
		b := make([]uint8, len(g.Data))
		for i, v := range g.Data {
			b[i] = uint8(enc.Encode(v))
		}
		buf = b
	default:
		b := make([]float32, len(g.Data))
		for i, v := range g.Data {
			b[i] = float32(enc.Encode(v))
		}
		buf = b
	}
	if err := band.Write(0, 0, buf, g.Width, g.Height); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func closeDataset(ds *godal.Dataset, err error) error {
	if cerr := ds.Close(); err == nil && cerr != nil {
		return fmt.Errorf("close: %w", cerr)
	}
	return err
}

// WriteGrid writes a single band GeoTIFF. Metadata items are optional.
func WriteGrid(ctx context.Context, path string, g *raster.Grid, georef raster.Georef, enc Encoding, desc string, metadata map[string]string) error {
	log.Logger(ctx).Sugar().Debugf("write %s (%s)", path, enc.DType)
	ds, err := create(path, 1, g.Width, g.Height, georef, enc.DType)
	if err != nil {
		return fmt.Errorf("WriteGrid.%w", err)
	}
	err = func() error {
		for k, v := range metadata {
			if err := ds.SetMetadata(k, v); err != nil {
				return fmt.Errorf("set metadata %s: %w", k, err)
			}
		}
		return writeBand(ds.Bands()[0], g, enc, desc)
	}()
	if err = closeDataset(ds, err); err != nil {
		return fmt.Errorf("WriteGrid[%s].%w", path, err)
	}
	return nil
}

// WriteComposite writes the bands of the composite in a multiband GeoTIFF, described by their names
func WriteComposite(ctx context.Context, path string, c *masker.Composite, enc Encoding) error {
	bands := c.Bands()
	if len(bands) == 0 {
		return fmt.Errorf("WriteComposite[%s]: no band", c.SourceID)
	}
	log.Logger(ctx).Sugar().Debugf("write %s (%d bands, %s)", path, len(bands), enc.DType)
	ds, err := create(path, len(bands), c.Width, c.Height, c.Georef, enc.DType)
	if err != nil {
		return fmt.Errorf("WriteComposite.%w", err)
	}
	err = func() error {
		if err := ds.SetMetadata(MetadataSourceID, c.SourceID); err != nil {
			return fmt.Errorf("set metadata: %w", err)
		}
		if err := ds.SetMetadata(MetadataSensingTime, c.Date.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("set metadata: %w", err)
		}
		gdalBands := ds.Bands()
		for i, b := range bands {
			g, _ := c.Band(b)
			if err := writeBand(gdalBands[i], g, enc, string(b)); err != nil {
				return fmt.Errorf("band %s: %w", b, err)
			}
		}
		return nil
	}()
	if err = closeDataset(ds, err); err != nil {
		return fmt.Errorf("WriteComposite[%s].%w", path, err)
	}
	return nil
}

// WriteMask writes the mask as a Byte GeoTIFF (1: true, 0: false)
func WriteMask(ctx context.Context, path string, m *raster.Mask, georef raster.Georef, desc string) error {
	enc := Encoding{DType: UInt8, NoData: math.NaN(), Scale: 1}
	if err := WriteGrid(ctx, path, m.ToGrid(), georef, enc, desc, nil); err != nil {
		return fmt.Errorf("WriteMask.%w", err)
	}
	return nil
}
