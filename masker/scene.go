package masker

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/airbusgeo/s2-gapfill/raster"
)

// Band is the name of a band of a Sentinel-2 scene
type Band string

// Bands of a scene
const (
	B2  Band = "B2"
	B3  Band = "B3"
	B4  Band = "B4"
	B8  Band = "B8"
	B11 Band = "B11"
	B12 Band = "B12"

	SCL         Band = "SCL"         // Scene classification layer
	Probability Band = "probability" // s2cloudless cloud probability (0-100)
)

// NIR is the near infrared band
const NIR = B8

// SCLWater is the class of water pixels in the scene classification layer
const SCLWater = 6

// ReflectanceScale is the scale factor of the surface reflectance integer encoding
const ReflectanceScale = 1e4

var reflectanceRegexp = regexp.MustCompile(`^B\d{1,2}A?$`)

// IsReflectance returns true if the band is a surface reflectance band (B.*)
func (b Band) IsReflectance() bool {
	return reflectanceRegexp.MatchString(string(b))
}

// MissingAuxiliaryBandError is returned when a band required by the masker is missing
type MissingAuxiliaryBandError struct {
	SourceID string
	Band     Band
}

func (e MissingAuxiliaryBandError) Error() string {
	return fmt.Sprintf("scene %s: missing required band %s", e.SourceID, e.Band)
}

// SceneInfo is the metadata of a scene
type SceneInfo struct {
	SourceID     string
	Date         time.Time
	Georef       raster.Georef
	SolarAzimuth float64 // Mean solar azimuth angle (degrees, clockwise from north)
	PixelScale   float64 // Nominal pixel scale (meters)
}

// Scene is a validated and immutable Sentinel-2 acquisition.
// The grids returned by its accessors must not be modified.
type Scene struct {
	SceneInfo
	width, height int
	reflectance   map[Band]*raster.Grid
	bandOrder     []Band
	scl           *raster.Grid
	probability   *raster.Grid
}

var requiredBands = []Band{SCL, Probability, NIR}

// NewScene validates the bands and creates a Scene.
// SCL, probability and B8 are required (MissingAuxiliaryBandError) and all bands must share the same shape.
// Bands that are neither reflectance nor auxiliary bands are ignored.
func NewScene(info SceneInfo, bands map[Band]*raster.Grid) (*Scene, error) {
	for _, b := range requiredBands {
		if g, ok := bands[b]; !ok || g == nil {
			return nil, MissingAuxiliaryBandError{SourceID: info.SourceID, Band: b}
		}
	}
	if info.PixelScale <= 0 {
		if info.Georef.Geographic() {
			return nil, fmt.Errorf("NewScene[%s]: the pixel scale is required with a geographic projection", info.SourceID)
		}
		info.PixelScale = info.Georef.PixelSizeMeters(0)
	}
	if info.PixelScale <= 0 {
		return nil, fmt.Errorf("NewScene[%s]: unknown pixel scale", info.SourceID)
	}

	s := &Scene{
		SceneInfo:   info,
		width:       bands[SCL].Width,
		height:      bands[SCL].Height,
		reflectance: map[Band]*raster.Grid{},
		scl:         bands[SCL],
		probability: bands[Probability],
	}
	for b, g := range bands {
		if g == nil {
			continue
		}
		if !b.IsReflectance() && b != SCL && b != Probability {
			continue
		}
		if err := g.CheckShape(s.width, s.height); err != nil {
			return nil, fmt.Errorf("NewScene[%s].band %s: %w", info.SourceID, b, err)
		}
		if b.IsReflectance() {
			s.reflectance[b] = g
			s.bandOrder = append(s.bandOrder, b)
		}
	}
	sortBands(s.bandOrder)
	return s, nil
}

// sortBands sorts the bands by wavelength order (B2 < B8 < B8A < B11)
func sortBands(bands []Band) {
	num := func(b Band) (int, bool) {
		var n int
		fmt.Sscanf(string(b), "B%d", &n)
		return n, len(b) > 0 && b[len(b)-1] == 'A'
	}
	sort.Slice(bands, func(i, j int) bool {
		ni, ai := num(bands[i])
		nj, aj := num(bands[j])
		if ni != nj {
			return ni < nj
		}
		return !ai && aj
	})
}

// Width of the scene in pixels
func (s *Scene) Width() int { return s.width }

// Height of the scene in pixels
func (s *Scene) Height() int { return s.height }

// Bands returns the reflectance bands, ordered by wavelength
func (s *Scene) Bands() []Band {
	return append([]Band(nil), s.bandOrder...)
}

// Reflectance returns the grid of a reflectance band
func (s *Scene) Reflectance(b Band) (*raster.Grid, bool) {
	g, ok := s.reflectance[b]
	return g, ok
}

// SCL returns the scene classification layer
func (s *Scene) SCL() *raster.Grid { return s.scl }

// Probability returns the cloud probability layer
func (s *Scene) Probability() *raster.Grid { return s.probability }
