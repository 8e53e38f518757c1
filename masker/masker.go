// Package masker flags the cloud, cloud shadow (and optionally water) pixels of a
// Sentinel-2 scene and nulls them out of its reflectance bands.
package masker

import (
	"fmt"
	"math"
	"time"

	"github.com/airbusgeo/s2-gapfill/raster"
)

// Layers are the intermediate layers computed by the masker, at the native resolution of the scene
type Layers struct {
	Cloud          *raster.Mask // probability > threshold (or brighter than the ceiling)
	Water          *raster.Mask // SCL == water
	Dark           *raster.Mask // not water and NIR < threshold
	CloudTransform *raster.Grid // distance to the cloud that may cast a shadow on the pixel (NoData if none)
	Shadow         *raster.Mask // dark and projected by a cloud
	Mask           *raster.Mask // final mask
}

// Composite is a scene whose masked pixels have been set to NoData.
// It only carries the reflectance bands.
type Composite struct {
	SourceID string
	Date     time.Time
	Georef   raster.Georef
	Width    int
	Height   int
	bands    map[Band]*raster.Grid
	order    []Band
}

// NewComposite creates a composite from reflectance bands sharing the same shape
func NewComposite(sourceID string, date time.Time, georef raster.Georef, bands map[Band]*raster.Grid) (*Composite, error) {
	c := &Composite{SourceID: sourceID, Date: date, Georef: georef, Width: -1, bands: map[Band]*raster.Grid{}}
	for b, g := range bands {
		if !b.IsReflectance() {
			return nil, fmt.Errorf("NewComposite[%s]: %s is not a reflectance band", sourceID, b)
		}
		if c.Width < 0 {
			c.Width, c.Height = g.Width, g.Height
		} else if err := g.CheckShape(c.Width, c.Height); err != nil {
			return nil, fmt.Errorf("NewComposite[%s].band %s: %w", sourceID, b, err)
		}
		c.bands[b] = g
		c.order = append(c.order, b)
	}
	if c.Width < 0 {
		c.Width = 0
	}
	sortBands(c.order)
	return c, nil
}

// Bands returns the bands of the composite, ordered by wavelength
func (c *Composite) Bands() []Band {
	return append([]Band(nil), c.order...)
}

// Band returns the grid of the band
func (c *Composite) Band(b Band) (*raster.Grid, bool) {
	g, ok := c.bands[b]
	return g, ok
}

// Masker computes the cloud/shadow mask of scenes
type Masker struct {
	t Thresholds
}

// New creates a masker with validated thresholds
func New(t Thresholds) (*Masker, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("masker.New: %w", err)
	}
	return &Masker{t: t}, nil
}

// Thresholds returns the thresholds of the masker
func (m *Masker) Thresholds() Thresholds {
	return m.t
}

// Layers computes all the layers of the scene
func (m *Masker) Layers(s *Scene) (*Layers, error) {
	l := &Layers{}

	// Clouds
	thr := m.t.CloudProbability
	l.Cloud = s.Probability().Threshold(func(v float64) bool { return v > thr })
	if m.t.Brightness.Enabled {
		g, ok := s.Reflectance(m.t.Brightness.Band)
		if !ok {
			return nil, MissingAuxiliaryBandError{SourceID: s.SourceID, Band: m.t.Brightness.Band}
		}
		ceiling := m.t.Brightness.Value
		bright := g.Threshold(func(v float64) bool { return v > ceiling })
		l.Cloud, _ = l.Cloud.Or(bright)
	}

	// Water & dark pixels
	l.Water = s.SCL().Threshold(func(v float64) bool { return v == SCLWater })
	nir, ok := s.Reflectance(NIR)
	if !ok {
		return nil, MissingAuxiliaryBandError{SourceID: s.SourceID, Band: NIR}
	}
	darkThr := m.t.NIRDark * ReflectanceScale
	l.Dark = nir.Threshold(func(v float64) bool { return v < darkThr })
	for i, w := range l.Water.Data {
		if w {
			l.Dark.Data[i] = false
		}
	}

	// Shadows: project clouds along the solar azimuth, at a coarser resolution
	factor := raster.ScaleFactor(s.PixelScale, m.t.ProjectionScaleM)
	maxDistance := int(math.Round(m.t.ShadowSearchDistanceKm * 1000 / (float64(factor) * s.PixelScale)))
	transform := raster.DirectionalDistance(raster.Downsample(l.Cloud, factor), 90-s.SolarAzimuth, maxDistance)
	l.CloudTransform = raster.UpsampleGrid(transform, factor, s.Width(), s.Height())
	l.Shadow = raster.NewMask(s.Width(), s.Height())
	for i, d := range l.CloudTransform.Data {
		l.Shadow.Data[i] = l.Dark.Data[i] && !raster.IsNoData(d)
	}

	combined, err := l.Cloud.Or(l.Shadow)
	if err != nil {
		return nil, fmt.Errorf("Layers[%s].%w", s.SourceID, err)
	}

	// Remove small patches and dilate, at the working resolution
	factor = raster.ScaleFactor(s.PixelScale, m.t.WorkingScaleM)
	processed := raster.Downsample(combined, factor)
	processed = raster.FocalMin(processed, m.t.DenoiseRadius)
	processed = raster.FocalMax(processed, m.t.DilationBufferM*2/s.PixelScale)
	dilated := raster.Upsample(processed, factor, s.Width(), s.Height())

	// Clouds are never removed by the denoising
	if l.Mask, err = l.Cloud.Or(dilated); err != nil {
		return nil, fmt.Errorf("Layers[%s].%w", s.SourceID, err)
	}

	switch m.t.MaskWater {
	case WaterSCL:
		l.Mask, _ = l.Mask.Or(l.Water)
	case WaterNDWI:
		water, err := m.ndwiWater(s)
		if err != nil {
			return nil, err
		}
		l.Mask, _ = l.Mask.Or(water)
	}
	return l, nil
}

func (m *Masker) ndwiWater(s *Scene) (*raster.Mask, error) {
	green, ok := s.Reflectance(B3)
	if !ok {
		return nil, MissingAuxiliaryBandError{SourceID: s.SourceID, Band: B3}
	}
	nir, _ := s.Reflectance(NIR)
	water := raster.NewMask(s.Width(), s.Height())
	for i := range water.Data {
		g, n := green.Data[i], nir.Data[i]
		if g+n != 0 {
			water.Data[i] = (g-n)/(g+n) > m.t.NDWIThreshold
		}
	}
	return water, nil
}

// Mask returns the final mask of the scene
func (m *Masker) Mask(s *Scene) (*raster.Mask, error) {
	l, err := m.Layers(s)
	if err != nil {
		return nil, err
	}
	return l.Mask, nil
}

// Apply returns the composite of the reflectance bands of the scene, where the masked pixels are set to NoData.
// The scene is not modified.
func Apply(s *Scene, mask *raster.Mask) (*Composite, error) {
	if mask.Width != s.Width() || mask.Height != s.Height() {
		return nil, fmt.Errorf("Apply[%s]: %w", s.SourceID, raster.ErrShapeMismatch{Width: mask.Width, Height: mask.Height, WantWidth: s.Width(), WantHeight: s.Height()})
	}
	bands := map[Band]*raster.Grid{}
	for _, b := range s.Bands() {
		g, _ := s.Reflectance(b)
		masked := g.Clone()
		for i, v := range mask.Data {
			if v {
				masked.Data[i] = raster.NoData
			}
		}
		bands[b] = masked
	}
	return NewComposite(s.SourceID, s.Date, s.Georef, bands)
}

// Process computes the layers of the scene and applies the final mask
func (m *Masker) Process(s *Scene) (*Composite, *Layers, error) {
	l, err := m.Layers(s)
	if err != nil {
		return nil, nil, err
	}
	c, err := Apply(s, l.Mask)
	if err != nil {
		return nil, nil, err
	}
	return c, l, nil
}
