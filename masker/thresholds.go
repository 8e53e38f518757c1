package masker

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Water masking policies of the final mask.
// Water pixels are always excluded from shadow candidacy using the scene classification layer.
const (
	WaterKeep = "none" // water pixels are kept
	WaterSCL  = "scl"  // water pixels of the scene classification layer are masked
	WaterNDWI = "ndwi" // pixels with NDWI=(B3-B8)/(B3+B8) above NDWIThreshold are masked
)

// BrightnessCeiling is an optional cloud heuristic: pixels whose Band exceeds Value are flagged as cloud
type BrightnessCeiling struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	Band    Band    `yaml:"band" json:"band"`
	Value   float64 `yaml:"value" json:"value"` // on the native integer encoding
}

// Thresholds are the tunable parameters of the masker
type Thresholds struct {
	CloudProbability       float64           `yaml:"cloud_probability_threshold" json:"cloud_probability_threshold"` // 0-100
	NIRDark                float64           `yaml:"nir_dark_threshold" json:"nir_dark_threshold"`                   // reflectance fraction (0-1)
	ShadowSearchDistanceKm float64           `yaml:"shadow_search_distance_km" json:"shadow_search_distance_km"`
	DilationBufferM        float64           `yaml:"dilation_buffer_m" json:"dilation_buffer_m"`
	WorkingScaleM          float64           `yaml:"working_scale_m" json:"working_scale_m"`
	ProjectionScaleM       float64           `yaml:"projection_scale_m" json:"projection_scale_m"`
	DenoiseRadius          float64           `yaml:"denoise_radius" json:"denoise_radius"` // in pixels at WorkingScaleM
	MaskWater              string            `yaml:"mask_water" json:"mask_water"`
	NDWIThreshold          float64           `yaml:"ndwi_threshold" json:"ndwi_threshold"`
	Brightness             BrightnessCeiling `yaml:"brightness_ceiling" json:"brightness_ceiling"`
}

// DefaultThresholds returns the thresholds used in production for Malawi
func DefaultThresholds() Thresholds {
	return Thresholds{
		CloudProbability:       30,
		NIRDark:                0.2,
		ShadowSearchDistanceKm: 2,
		DilationBufferM:        40,
		WorkingScaleM:          20,
		ProjectionScaleM:       100,
		DenoiseRadius:          2,
		MaskWater:              WaterKeep,
		NDWIThreshold:          0.3,
		Brightness:             BrightnessCeiling{Band: B3, Value: 1000},
	}
}

// Validate checks the consistency of the thresholds
func (t Thresholds) Validate() error {
	if t.CloudProbability < 0 || t.CloudProbability > 100 {
		return fmt.Errorf("cloud_probability_threshold must be in [0, 100], got %v", t.CloudProbability)
	}
	if t.NIRDark < 0 || t.NIRDark > 1 {
		return fmt.Errorf("nir_dark_threshold must be in [0, 1], got %v", t.NIRDark)
	}
	if t.ShadowSearchDistanceKm < 0 {
		return fmt.Errorf("shadow_search_distance_km must be positive, got %v", t.ShadowSearchDistanceKm)
	}
	if t.DilationBufferM < 0 {
		return fmt.Errorf("dilation_buffer_m must be positive, got %v", t.DilationBufferM)
	}
	if t.WorkingScaleM <= 0 || t.ProjectionScaleM <= 0 {
		return fmt.Errorf("working_scale_m and projection_scale_m must be strictly positive")
	}
	if t.DenoiseRadius < 0 {
		return fmt.Errorf("denoise_radius must be positive, got %v", t.DenoiseRadius)
	}
	switch t.MaskWater {
	case WaterKeep, WaterSCL, WaterNDWI:
	default:
		return fmt.Errorf("mask_water must be one of %s, %s, %s: got '%s'", WaterKeep, WaterSCL, WaterNDWI, t.MaskWater)
	}
	if t.Brightness.Enabled && !t.Brightness.Band.IsReflectance() {
		return fmt.Errorf("brightness_ceiling.band must be a reflectance band, got '%s'", t.Brightness.Band)
	}
	return nil
}

// Set sets a threshold given its yaml key
func (t *Thresholds) Set(key, value string) error {
	parse := func(dst *float64) error {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("Set[%s]: %w", key, err)
		}
		*dst = v
		return nil
	}
	switch strings.ToLower(key) {
	case "cloud_probability_threshold":
		return parse(&t.CloudProbability)
	case "nir_dark_threshold":
		return parse(&t.NIRDark)
	case "shadow_search_distance_km":
		return parse(&t.ShadowSearchDistanceKm)
	case "dilation_buffer_m":
		return parse(&t.DilationBufferM)
	case "working_scale_m":
		return parse(&t.WorkingScaleM)
	case "projection_scale_m":
		return parse(&t.ProjectionScaleM)
	case "denoise_radius":
		return parse(&t.DenoiseRadius)
	case "ndwi_threshold":
		return parse(&t.NDWIThreshold)
	case "mask_water":
		t.MaskWater = strings.ToLower(value)
		return nil
	case "brightness_ceiling":
		if value == "" || strings.EqualFold(value, "off") {
			t.Brightness.Enabled = false
			return nil
		}
		t.Brightness.Enabled = true
		return parse(&t.Brightness.Value)
	case "brightness_ceiling_band":
		t.Brightness.Band = Band(value)
		return nil
	}
	return fmt.Errorf("Set: unknown threshold '%s'", key)
}

// Apply sets all the thresholds of the config and validates the result
func (t *Thresholds) Apply(config map[string]string) error {
	for k, v := range config {
		if err := t.Set(k, v); err != nil {
			return err
		}
	}
	return t.Validate()
}

// LoadThresholds loads the thresholds from a yaml file. Missing keys keep their default value.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	b, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("LoadThresholds: %w", err)
	}
	if err := yaml.UnmarshalStrict(b, &t); err != nil {
		return t, fmt.Errorf("LoadThresholds[%s]: %w", path, err)
	}
	return t, t.Validate()
}
