package masker_test

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/raster"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type pixel struct {
	prob, scl, nir, green float64
}

func clearPixel() pixel {
	return pixel{prob: 5, scl: 4, nir: 3000, green: 800}
}

var utmGeoref = raster.Georef{Projection: "EPSG:32736", GeoTransform: [6]float64{600000, 10, 0, 8500000, 0, -10}}

func makeScene(w, h int, azimuth float64, fill func(col, row int) pixel) *masker.Scene {
	scene, err := masker.NewScene(masker.SceneInfo{
		SourceID:     "20210105T081239_20210105T083057_T36LXP",
		Date:         time.Date(2021, 1, 5, 8, 12, 39, 0, time.UTC),
		Georef:       utmGeoref,
		SolarAzimuth: azimuth,
	}, makeBands(w, h, fill))
	Expect(err).NotTo(HaveOccurred())
	return scene
}

func makeBands(w, h int, fill func(col, row int) pixel) map[masker.Band]*raster.Grid {
	bands := map[masker.Band]*raster.Grid{
		masker.Probability: raster.NewGrid(w, h),
		masker.SCL:         raster.NewGrid(w, h),
		masker.B8:          raster.NewGrid(w, h),
		masker.B3:          raster.NewGrid(w, h),
		masker.B2:          raster.NewGridFilled(w, h, 500),
	}
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			p := fill(col, row)
			bands[masker.Probability].Set(col, row, p.prob)
			bands[masker.SCL].Set(col, row, p.scl)
			bands[masker.B8].Set(col, row, p.nir)
			bands[masker.B3].Set(col, row, p.green)
		}
	}
	return bands
}

func randomScene(seed int64, w, h int) *masker.Scene {
	r := rand.New(rand.NewSource(seed))
	return makeScene(w, h, 110, func(col, row int) pixel {
		p := clearPixel()
		p.prob = float64(r.Intn(100))
		p.nir = float64(r.Intn(4000))
		if r.Intn(5) == 0 {
			p.scl = masker.SCLWater
		}
		return p
	})
}

func newMasker(t masker.Thresholds) *masker.Masker {
	m, err := masker.New(t)
	Expect(err).NotTo(HaveOccurred())
	return m
}

var _ = Describe("Masker", func() {
	var thresholds masker.Thresholds

	BeforeEach(func() {
		thresholds = masker.DefaultThresholds()
	})

	Describe("NewScene", func() {
		It("should reject a scene without scene classification layer", func() {
			_, err := masker.NewScene(masker.SceneInfo{SourceID: "s", PixelScale: 10}, map[masker.Band]*raster.Grid{
				masker.Probability: raster.NewGrid(2, 2),
				masker.B8:          raster.NewGrid(2, 2),
			})
			var merr masker.MissingAuxiliaryBandError
			Expect(errors.As(err, &merr)).To(BeTrue())
			Expect(merr.Band).To(Equal(masker.SCL))
		})
		It("should reject a scene without cloud probability", func() {
			_, err := masker.NewScene(masker.SceneInfo{SourceID: "s", PixelScale: 10}, map[masker.Band]*raster.Grid{
				masker.SCL: raster.NewGrid(2, 2),
				masker.B8:  raster.NewGrid(2, 2),
			})
			var merr masker.MissingAuxiliaryBandError
			Expect(errors.As(err, &merr)).To(BeTrue())
			Expect(merr.Band).To(Equal(masker.Probability))
		})
		It("should reject bands of different shapes", func() {
			_, err := masker.NewScene(masker.SceneInfo{SourceID: "s", PixelScale: 10}, map[masker.Band]*raster.Grid{
				masker.SCL:         raster.NewGrid(2, 2),
				masker.Probability: raster.NewGrid(2, 2),
				masker.B8:          raster.NewGrid(3, 2),
			})
			var serr raster.ErrShapeMismatch
			Expect(errors.As(err, &serr)).To(BeTrue())
		})
		It("should order and filter the bands", func() {
			s, err := masker.NewScene(masker.SceneInfo{SourceID: "s", PixelScale: 10}, map[masker.Band]*raster.Grid{
				masker.SCL:         raster.NewGrid(2, 2),
				masker.Probability: raster.NewGrid(2, 2),
				masker.B8:          raster.NewGrid(2, 2),
				"B8A":              raster.NewGrid(2, 2),
				masker.B11:         raster.NewGrid(2, 2),
				masker.B2:          raster.NewGrid(2, 2),
				"QA60":             raster.NewGrid(5, 5),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Bands()).To(Equal([]masker.Band{masker.B2, masker.B8, "B8A", masker.B11}))
		})
		It("should compute the pixel scale in meters of a projected scene", func() {
			s, err := masker.NewScene(masker.SceneInfo{SourceID: "s", Georef: utmGeoref}, makeBands(2, 2, func(int, int) pixel { return clearPixel() }))
			Expect(err).NotTo(HaveOccurred())
			Expect(s.PixelScale).To(Equal(10.0))
		})
		It("should require the pixel scale of a geographic scene", func() {
			georef := raster.Georef{Projection: "EPSG:4326", GeoTransform: [6]float64{34, 8.98e-5, 0, -13, 0, -8.98e-5}}
			_, err := masker.NewScene(masker.SceneInfo{SourceID: "s", Georef: georef}, makeBands(2, 2, func(int, int) pixel { return clearPixel() }))
			Expect(err).To(HaveOccurred())
		})
		It("should mask a geographic scene like a projected one", func() {
			oneCloud := func(col, row int) pixel {
				p := clearPixel()
				if col == 100 && row == 100 {
					p.prob = 95
				}
				return p
			}
			georef := raster.Georef{Projection: "EPSG:4326", GeoTransform: [6]float64{34, 8.98e-5, 0, -13, 0, -8.98e-5}}
			geographic, err := masker.NewScene(masker.SceneInfo{
				SourceID:     "s",
				Georef:       georef,
				SolarAzimuth: 110,
				PixelScale:   georef.PixelSizeMeters(-13),
			}, makeBands(200, 200, oneCloud))
			Expect(err).NotTo(HaveOccurred())
			projected := makeScene(200, 200, 110, oneCloud)

			m := newMasker(thresholds)
			gmask, err := m.Mask(geographic)
			Expect(err).NotTo(HaveOccurred())
			pmask, err := m.Mask(projected)
			Expect(err).NotTo(HaveOccurred())
			Expect(gmask.Count()).To(Equal(pmask.Count()))
			Expect(gmask.Count()).To(BeNumerically("<", 100))
		})
	})

	Describe("cloud layer", func() {
		It("should flag pixels above the probability threshold", func() {
			probs := []float64{10, 95}
			scene := makeScene(2, 1, 110, func(col, row int) pixel {
				p := clearPixel()
				p.prob = probs[col]
				return p
			})
			l, err := newMasker(thresholds).Layers(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Cloud.Data).To(Equal([]bool{false, true}))
			Expect(l.Mask.At(1, 0)).To(BeTrue())
		})
		It("should flag bright pixels when the ceiling is enabled", func() {
			scene := makeScene(2, 1, 110, func(col, row int) pixel {
				p := clearPixel()
				if col == 0 {
					p.green = 1500
				}
				return p
			})
			l, err := newMasker(thresholds).Layers(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Cloud.Any()).To(BeFalse())

			thresholds.Brightness.Enabled = true
			l, err = newMasker(thresholds).Layers(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Cloud.Data).To(Equal([]bool{true, false}))
		})
	})

	Describe("shadow layer", func() {
		BeforeEach(func() {
			thresholds.ProjectionScaleM = 10
			thresholds.ShadowSearchDistanceKm = 0.05
		})
		It("should project the shadows away from the sun", func() {
			// Sun in the east: the shadow is cast westward
			scene := makeScene(60, 21, 90, func(col, row int) pixel {
				p := clearPixel()
				p.nir = 500
				if col == 30 && row == 10 {
					p.prob = 90
				}
				return p
			})
			l, err := newMasker(thresholds).Layers(scene)
			Expect(err).NotTo(HaveOccurred())
			for col := 25; col < 30; col++ {
				Expect(l.Shadow.At(col, 10)).To(BeTrue(), "col %d", col)
				Expect(l.CloudTransform.At(col, 10)).To(Equal(float64(30 - col)))
			}
			Expect(l.Shadow.At(31, 10)).To(BeFalse())
			Expect(l.Shadow.At(24, 10)).To(BeFalse())
			Expect(l.Shadow.At(28, 5)).To(BeFalse())
		})
		It("should not flag bright pixels as shadow", func() {
			scene := makeScene(60, 21, 90, func(col, row int) pixel {
				p := clearPixel()
				if col == 30 && row == 10 {
					p.prob = 90
				}
				return p
			})
			l, err := newMasker(thresholds).Layers(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Dark.Any()).To(BeFalse())
			Expect(l.Shadow.Any()).To(BeFalse())
		})
		It("should never flag water as dark or shadow", func() {
			scene := makeScene(60, 21, 90, func(col, row int) pixel {
				p := clearPixel()
				p.nir = 100
				if col < 30 {
					p.scl = masker.SCLWater
				}
				if col == 32 && row == 10 {
					p.prob = 90
				}
				return p
			})
			l, err := newMasker(thresholds).Layers(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Shadow.At(31, 10)).To(BeTrue())
			for i, water := range l.Water.Data {
				if water {
					Expect(l.Dark.Data[i]).To(BeFalse())
					Expect(l.Shadow.Data[i]).To(BeFalse())
				}
			}
		})
	})

	Describe("final mask", func() {
		It("should always contain the clouds", func() {
			for seed := int64(0); seed < 5; seed++ {
				scene := randomScene(seed, 50, 40)
				for _, thr := range []float64{0, 30, 60, 99} {
					thresholds.CloudProbability = thr
					l, err := newMasker(thresholds).Layers(scene)
					Expect(err).NotTo(HaveOccurred())
					cloud := scene.Probability().Threshold(func(v float64) bool { return v > thr })
					Expect(l.Mask.Contains(cloud)).To(BeTrue())
				}
			}
		})
		It("should keep water invariant on random scenes", func() {
			scene := randomScene(42, 50, 40)
			l, err := newMasker(thresholds).Layers(scene)
			Expect(err).NotTo(HaveOccurred())
			for i, water := range l.Water.Data {
				if water {
					Expect(l.Dark.Data[i] || l.Shadow.Data[i]).To(BeFalse())
				}
			}
		})
		It("should never shrink when the dilation buffer increases", func() {
			scene := randomScene(7, 80, 60)
			thresholds.CloudProbability = 90
			var prev *raster.Mask
			for _, buffer := range []float64{0, 10, 20, 40, 80, 120} {
				thresholds.DilationBufferM = buffer
				mask, err := newMasker(thresholds).Mask(scene)
				Expect(err).NotTo(HaveOccurred())
				if prev != nil {
					Expect(mask.Contains(prev)).To(BeTrue(), "buffer %v", buffer)
				}
				prev = mask
			}
		})
		It("should remove isolated pixels before dilating", func() {
			// isolated cloud pixel and isolated shadow pixel west of it
			scene := makeScene(100, 100, 90, func(col, row int) pixel {
				p := clearPixel()
				if col == 50 && row == 50 {
					p.prob = 90
				}
				if col == 45 && row == 50 {
					p.nir = 100
				}
				return p
			})
			l, err := newMasker(thresholds).Layers(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Shadow.At(45, 50)).To(BeTrue())
			Expect(l.Mask.At(45, 50)).To(BeFalse())
			Expect(l.Mask.Count()).To(Equal(1))
			Expect(l.Mask.At(50, 50)).To(BeTrue())
		})
		It("should grow the mask around a large cloud", func() {
			scene := makeScene(100, 100, 110, func(col, row int) pixel {
				p := clearPixel()
				if col >= 40 && col < 60 && row >= 40 && row < 60 {
					p.prob = 90
				}
				return p
			})
			l, err := newMasker(thresholds).Layers(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Mask.Count()).To(BeNumerically(">", l.Cloud.Count()))
			Expect(l.Mask.At(35, 50)).To(BeTrue())
			Expect(l.Mask.At(5, 5)).To(BeFalse())
		})
		It("should mask water when requested", func() {
			scene := makeScene(4, 1, 110, func(col, row int) pixel {
				p := clearPixel()
				if col == 0 {
					p.scl = masker.SCLWater
				}
				if col == 1 {
					p.green, p.nir = 1200, 300
				}
				return p
			})
			thresholds.MaskWater = masker.WaterSCL
			mask, err := newMasker(thresholds).Mask(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(mask.Data).To(Equal([]bool{true, false, false, false}))

			thresholds.MaskWater = masker.WaterNDWI
			mask, err = newMasker(thresholds).Mask(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(mask.Data).To(Equal([]bool{false, true, false, false}))
		})
	})

	Describe("Apply", func() {
		It("should null the masked pixels of the reflectance bands only", func() {
			scene := randomScene(3, 30, 30)
			nir, _ := scene.Reflectance(masker.B8)
			original := nir.Clone()

			composite, layers, err := newMasker(thresholds).Process(scene)
			Expect(err).NotTo(HaveOccurred())
			Expect(composite.Bands()).To(Equal([]masker.Band{masker.B2, masker.B3, masker.B8}))
			Expect(nir.Data).To(Equal(original.Data))

			masked, ok := composite.Band(masker.B8)
			Expect(ok).To(BeTrue())
			for i, m := range layers.Mask.Data {
				if m {
					Expect(math.IsNaN(masked.Data[i])).To(BeTrue())
				} else {
					Expect(masked.Data[i]).To(Equal(original.Data[i]))
				}
			}
			_, ok = composite.Band(masker.SCL)
			Expect(ok).To(BeFalse())
			_, ok = composite.Band(masker.Probability)
			Expect(ok).To(BeFalse())
		})
		It("should be idempotent", func() {
			scene := randomScene(11, 40, 40)
			m := newMasker(thresholds)
			c1, _, err := m.Process(scene)
			Expect(err).NotTo(HaveOccurred())
			c2, _, err := m.Process(scene)
			Expect(err).NotTo(HaveOccurred())
			for _, b := range c1.Bands() {
				g1, _ := c1.Band(b)
				g2, _ := c2.Band(b)
				for i := range g1.Data {
					Expect(math.Float64bits(g1.Data[i])).To(Equal(math.Float64bits(g2.Data[i])))
				}
			}
		})
		It("should reject a mask of another shape", func() {
			scene := randomScene(1, 10, 10)
			_, err := masker.Apply(scene, raster.NewMask(5, 5))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Thresholds", func() {
		It("should apply a configuration", func() {
			err := thresholds.Apply(map[string]string{
				"cloud_probability_threshold": "40",
				"dilation_buffer_m":           "100",
				"mask_water":                  "NDWI",
				"brightness_ceiling":          "1200",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(thresholds.CloudProbability).To(Equal(40.0))
			Expect(thresholds.DilationBufferM).To(Equal(100.0))
			Expect(thresholds.MaskWater).To(Equal(masker.WaterNDWI))
			Expect(thresholds.Brightness).To(Equal(masker.BrightnessCeiling{Enabled: true, Band: masker.B3, Value: 1200}))
		})
		It("should reject invalid values", func() {
			Expect(thresholds.Apply(map[string]string{"cloud_probability_threshold": "140"})).To(HaveOccurred())
			Expect(thresholds.Apply(map[string]string{"unknown": "1"})).To(HaveOccurred())
			Expect(thresholds.Apply(map[string]string{"nir_dark_threshold": "abc"})).To(HaveOccurred())
		})
		It("should load a yaml file", func() {
			dir, err := os.MkdirTemp("", "thresholds")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)
			path := filepath.Join(dir, "thresholds.yaml")
			Expect(os.WriteFile(path, []byte("cloud_probability_threshold: 50\nbrightness_ceiling:\n  enabled: true\n  band: B4\n  value: 2000\n"), 0644)).To(Succeed())
			t, err := masker.LoadThresholds(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.CloudProbability).To(Equal(50.0))
			Expect(t.NIRDark).To(Equal(0.2))
			Expect(t.Brightness.Band).To(Equal(masker.B4))

			Expect(os.WriteFile(path, []byte("cloud_prob: 50\n"), 0644)).To(Succeed())
			_, err = masker.LoadThresholds(path)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("EstimateSolarAzimuth", func() {
		It("should locate the sun in the north-east on a Malawi morning of July", func() {
			az := masker.EstimateSolarAzimuth(time.Date(2021, 7, 15, 8, 0, 0, 0, time.UTC), -13, 34)
			Expect(az).To(BeNumerically(">", 20))
			Expect(az).To(BeNumerically("<", 60))
		})
		It("should locate the sun in the west in the afternoon", func() {
			az := masker.EstimateSolarAzimuth(time.Date(2021, 3, 20, 15, 0, 0, 0, time.UTC), 0, 0)
			Expect(az).To(BeNumerically(">", 180))
			Expect(az).To(BeNumerically("<", 360))
		})
	})
})
