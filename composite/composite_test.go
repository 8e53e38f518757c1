package composite

import (
	"math"
	"testing"
	"time"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/raster"
)

var nan = math.NaN()

func grid(t *testing.T, rows ...[]float64) *raster.Grid {
	g, err := raster.GridFromRows(rows)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestMedian(t *testing.T) {
	m, err := Median([]*raster.Grid{
		grid(t, []float64{1, nan, 5, nan}),
		grid(t, []float64{3, nan, 1, 2}),
		grid(t, []float64{2, nan, nan, nan}),
	})
	if err != nil {
		t.Fatal(err)
	}
	expected := []float64{2, nan, 3, 2}
	for i, v := range expected {
		if math.IsNaN(v) != math.IsNaN(m.Data[i]) || (!math.IsNaN(v) && v != m.Data[i]) {
			t.Errorf("pixel %d: expected %v, got %v", i, v, m.Data[i])
		}
	}
	if _, err := Median(nil); err != ErrNoInput {
		t.Errorf("expected ErrNoInput, got %v", err)
	}
	if _, err := Median([]*raster.Grid{raster.NewGrid(2, 1), raster.NewGrid(1, 2)}); err == nil {
		t.Errorf("shape mismatch expected")
	}
}

func TestMedianBand(t *testing.T) {
	georef := raster.Georef{Projection: "EPSG:32736", GeoTransform: [6]float64{0, 10, 0, 0, 0, -10}}
	mk := func(id string, date time.Time, g raster.Georef, v float64) *masker.Composite {
		c, err := masker.NewComposite(id, date, g, map[masker.Band]*raster.Grid{masker.B2: raster.NewGridFilled(2, 2, v)})
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	jan := time.Date(2021, 1, 10, 8, 0, 0, 0, time.UTC)
	feb := time.Date(2021, 2, 10, 8, 0, 0, 0, time.UTC)
	jul := time.Date(2021, 7, 10, 8, 0, 0, 0, time.UTC)
	composites := []*masker.Composite{mk("a", jan, georef, 100), mk("b", feb, georef, 300), mk("c", jul, georef, 200)}

	groups := GroupByQuarter(composites)
	if len(groups) != 2 || len(groups[common.Quarter{Year: 2021, Q: 1}]) != 2 || len(groups[common.Quarter{Year: 2021, Q: 3}]) != 1 {
		t.Errorf("unexpected groups %v", groups)
	}

	m, g, err := MedianBand(groups[common.Quarter{Year: 2021, Q: 1}], masker.B2)
	if err != nil {
		t.Fatal(err)
	}
	if m.At(1, 1) != 200 || !g.Equal(georef) {
		t.Errorf("expected 200, got %v", m.At(1, 1))
	}

	if _, _, err := MedianBand(composites, masker.B8); err == nil {
		t.Errorf("missing band must fail")
	}
	shifted := georef
	shifted.GeoTransform[0] = 10
	if _, _, err := MedianBand(append(composites, mk("d", jan, shifted, 0)), masker.B2); err == nil {
		t.Errorf("georef mismatch must fail")
	}
}

func TestMosaicMax(t *testing.T) {
	// two 3x2 tiles overlapping on one column
	left := Tile{
		Georef: raster.Georef{Projection: "EPSG:32736", GeoTransform: [6]float64{0, 10, 0, 100, 0, -10}},
		Grid:   grid(t, []float64{1, 1, 5}, []float64{1, 1, nan}),
	}
	right := Tile{
		Georef: raster.Georef{Projection: "EPSG:32736", GeoTransform: [6]float64{20, 10, 0, 100, 0, -10}},
		Grid:   grid(t, []float64{3, 2, 2}, []float64{4, 2, 2}),
	}
	m, georef, err := MosaicMax([]Tile{left, right})
	if err != nil {
		t.Fatal(err)
	}
	if m.Width != 5 || m.Height != 2 {
		t.Fatalf("expected 5x2, got %dx%d", m.Width, m.Height)
	}
	if georef.GeoTransform[0] != 0 || georef.GeoTransform[3] != 100 {
		t.Errorf("unexpected origin %v", georef.GeoTransform)
	}
	expected := []float64{1, 1, 5, 2, 2, 1, 1, 4, 2, 2}
	for i, v := range expected {
		if m.Data[i] != v {
			t.Errorf("pixel %d: expected %v, got %v", i, v, m.Data[i])
		}
	}

	other := right
	other.Georef.GeoTransform[1] = 20
	if _, _, err := MosaicMax([]Tile{left, other}); err == nil {
		t.Errorf("resolution mismatch must fail")
	}
}
