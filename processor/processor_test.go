package processor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/interface/rasterio"
	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/raster"
	"github.com/airbusgeo/s2-gapfill/service"
)

var (
	testUnit   = common.Unit{ID: 1, Run: "run", Zone: "south", Tile: "T36LYH"}
	testGeoref = raster.Georef{Projection: "EPSG:32736", GeoTransform: [6]float64{700000, 10, 0, 8400000, 0, -10}}
	testScene  = common.SceneRef{
		SourceID: "S2A_MSIL2A_20210104T074321_N0214_R092_T36LYH_20210104T095436",
		Date:     time.Date(2021, 1, 4, 7, 43, 21, 0, time.UTC),
	}
)

func newTestStorage(t *testing.T) (service.Storage, string) {
	dist := t.TempDir()
	s, err := service.NewStorageStrategy(context.Background(), dist)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dist, testUnit.Zone, testUnit.Tile), 0766); err != nil {
		t.Fatal(err)
	}
	return s, filepath.Join(dist, testUnit.Zone, testUnit.Tile)
}

// writeTestScene writes a 20x20 scene with a cloud on the 5x5 pixels of the top left corner
func writeTestScene(t *testing.T, path string) {
	const size = 20
	ds, err := godal.Create(godal.GTiff, path, 4, godal.Float32, size, size)
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()
	sr, err := godal.NewSpatialRefFromEPSG(32736)
	if err != nil {
		t.Fatal(err)
	}
	defer sr.Close()
	if err := ds.SetSpatialRef(sr); err != nil {
		t.Fatal(err)
	}
	if err := ds.SetGeoTransform(testGeoref.GeoTransform); err != nil {
		t.Fatal(err)
	}
	if err := ds.SetMetadata(rasterio.MetadataSolarAzimuth, "120"); err != nil {
		t.Fatal(err)
	}
	probability := make([]float32, size*size)
	for row := 0; row < 5; row++ {
		for col := 0; col < 5; col++ {
			probability[row*size+col] = 90
		}
	}
	values := map[masker.Band][]float32{
		masker.SCL:         fill(size*size, 4),
		masker.Probability: probability,
		masker.B4:          fill(size*size, 800),
		masker.B8:          fill(size*size, 3000),
	}
	for i, b := range []masker.Band{masker.SCL, masker.Probability, masker.B4, masker.B8} {
		band := ds.Bands()[i]
		if err := band.SetDescription(string(b)); err != nil {
			t.Fatal(err)
		}
		if err := band.Write(0, 0, values[b], size, size); err != nil {
			t.Fatal(err)
		}
	}
}

func fill(n int, v float32) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	return data
}

func TestMaskScene(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	writeTestScene(t, filepath.Join(dir, testScene.SourceID+".tif"))

	job := common.SceneToMask{Unit: testUnit, Scene: testScene, ExportLayers: true}
	if err := MaskScene(ctx, storage, job, masker.DefaultThresholds(), t.TempDir()); err != nil {
		t.Fatal(err)
	}

	masked, err := rasterio.ReadComposite(ctx, filepath.Join(dir, service.SceneFile(testScene, service.LayerMasked, service.ExtensionGTiff).Name()))
	if err != nil {
		t.Fatal(err)
	}
	if len(masked.Bands()) != 2 {
		t.Errorf("expected 2 reflectance bands, got %v", masked.Bands())
	}
	b8, _ := masked.Band(masker.B8)
	if !raster.IsNoData(b8.At(0, 0)) {
		t.Errorf("cloudy pixel must be masked")
	}
	if b8.At(19, 19) != 3000 {
		t.Errorf("clear pixel must be kept, got %v", b8.At(19, 19))
	}

	mask, _, err := rasterio.ReadGrid(ctx, filepath.Join(dir, service.SceneFile(testScene, service.LayerMask, service.ExtensionGTiff).Name()), 1)
	if err != nil {
		t.Fatal(err)
	}
	if mask.At(4, 4) != 1 {
		t.Errorf("cloud must be in the mask")
	}
	if _, err := os.Stat(filepath.Join(dir, service.SceneFile(testScene, service.LayerDebug, service.ExtensionZIP).Name())); err != nil {
		t.Errorf("layers must be exported: %v", err)
	}
}

func TestMaskSceneErrors(t *testing.T) {
	ctx := context.Background()
	storage, _ := newTestStorage(t)

	job := common.SceneToMask{Unit: testUnit, Scene: testScene}
	if err := MaskScene(ctx, storage, job, masker.DefaultThresholds(), t.TempDir()); !service.Fatal(err) {
		t.Errorf("missing product must be fatal, got %v", err)
	}

	job.MaskerConfig = map[string]string{"cloud_probability_threshold": "150"}
	if err := MaskScene(ctx, storage, job, masker.DefaultThresholds(), t.TempDir()); !service.Fatal(err) {
		t.Errorf("invalid thresholds must be fatal, got %v", err)
	}
}

func writeTestComposite(t *testing.T, dir string, q common.Quarter, values []float64) {
	g := raster.NewGrid(len(values), 1)
	copy(g.Data, values)
	path := filepath.Join(dir, service.QuarterFile("B8", q, service.LayerComposite, service.ExtensionGTiff).Name())
	if err := rasterio.WriteGrid(context.Background(), path, g, testGeoref, rasterio.EncodingFloat32, "B8", nil); err != nil {
		t.Fatal(err)
	}
}

func TestComposeQuarter(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	q := common.Quarter{Year: 2021, Q: 1}

	var scenes []common.SceneRef
	for i, v := range []float64{1000, math.NaN(), 3000} {
		s := common.SceneRef{SourceID: testScene.SourceID + string(rune('A'+i)), Date: testScene.Date.AddDate(0, 0, 10*i)}
		c, err := masker.NewComposite(s.SourceID, s.Date, testGeoref, map[masker.Band]*raster.Grid{masker.B8: raster.NewGridFilled(2, 2, v)})
		if err != nil {
			t.Fatal(err)
		}
		if err := rasterio.WriteComposite(ctx, filepath.Join(dir, service.SceneFile(s, service.LayerMasked, service.ExtensionGTiff).Name()), c, rasterio.EncodingFloat32); err != nil {
			t.Fatal(err)
		}
		scenes = append(scenes, s)
	}
	// Referenced in the quarter, but sensed in the next one
	late := common.SceneRef{SourceID: testScene.SourceID + "late", Date: testScene.Date}
	c, err := masker.NewComposite(late.SourceID, time.Date(2021, 4, 2, 0, 0, 0, 0, time.UTC), testGeoref, map[masker.Band]*raster.Grid{masker.B8: raster.NewGridFilled(2, 2, 9000)})
	if err != nil {
		t.Fatal(err)
	}
	if err := rasterio.WriteComposite(ctx, filepath.Join(dir, service.SceneFile(late, service.LayerMasked, service.ExtensionGTiff).Name()), c, rasterio.EncodingFloat32); err != nil {
		t.Fatal(err)
	}
	// Out of the quarter
	scenes = append(scenes, common.SceneRef{SourceID: "ignored", Date: time.Date(2021, 4, 2, 0, 0, 0, 0, time.UTC)}, late)

	job := common.QuarterToCompose{Unit: testUnit, Quarter: q, Band: "B8", Scenes: scenes}
	if err := ComposeQuarter(ctx, storage, job, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	g, _, err := rasterio.ReadGrid(ctx, filepath.Join(dir, service.QuarterFile("B8", q, service.LayerComposite, service.ExtensionGTiff).Name()), 1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(g.At(1, 1)-0.2) > 1e-6 {
		t.Errorf("expected median reflectance 0.2, got %v", g.At(1, 1))
	}

	job.Scenes = scenes[3:4]
	if err := ComposeQuarter(ctx, storage, job, t.TempDir()); !service.Fatal(err) {
		t.Errorf("no scene in the quarter must be fatal, got %v", err)
	}
	job.Scenes = scenes[4:]
	if err := ComposeQuarter(ctx, storage, job, t.TempDir()); !service.Fatal(err) {
		t.Errorf("no scene sensed in the quarter must be fatal, got %v", err)
	}
}

func TestFillStack(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	quarters := common.QuarterRange(common.Quarter{Year: 2021, Q: 1}, common.Quarter{Year: 2021, Q: 3})
	nan := math.NaN()
	writeTestComposite(t, dir, quarters[0], []float64{0.5, nan, 0.2})
	writeTestComposite(t, dir, quarters[1], []float64{nan, 0.4, nan})
	writeTestComposite(t, dir, quarters[2], []float64{0.9, 0.6, 0.4})

	job := common.StackToFill{Unit: testUnit, Band: "B8", Quarters: quarters}
	res, err := FillStack(ctx, storage, nil, job, t.TempDir(), FillOptions{Workers: 2, BlockSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status() != common.StatusINCOMPLETE || res.Stats.Filled != 2 || res.Stats.Remaining != 1 {
		t.Errorf("unexpected result %+v", res.Stats)
	}

	g, _, err := rasterio.ReadGrid(ctx, filepath.Join(dir, service.QuarterFile("B8", quarters[1], service.LayerFilled, service.ExtensionGTiff).Name()), 1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(g.At(0, 0)-0.7) > 1e-6 || math.Abs(g.At(2, 0)-0.3) > 1e-6 {
		t.Errorf("unexpected filled values %v", g.Data)
	}
	nodata, _, err := rasterio.ReadGrid(ctx, filepath.Join(dir, service.QuarterFile("B8", quarters[0], service.LayerNoData, service.ExtensionGTiff).Name()), 1)
	if err != nil {
		t.Fatal(err)
	}
	if nodata.At(1, 0) != 1 || nodata.At(0, 0) != 0 {
		t.Errorf("unexpected nodata mask %v", nodata.Data)
	}

	// Fallback and int16
	job.Fallback = common.FallbackPixelMean
	job.Int16 = true
	if res, err = FillStack(ctx, storage, nil, job, t.TempDir(), FillOptions{}); err != nil {
		t.Fatal(err)
	}
	if res.Status() != common.StatusDONE || res.Stats.Fallback != 1 || res.Stats.Remaining != 0 {
		t.Errorf("unexpected result %+v", res.Stats)
	}
	g, _, err = rasterio.ReadGrid(ctx, filepath.Join(dir, service.QuarterFile("B8", quarters[0], service.LayerFilled, service.ExtensionGTiff).Name()), 1e4)
	if err != nil {
		t.Fatal(err)
	}
	if g.At(1, 0) != 0.5 {
		t.Errorf("expected pixel mean 0.5, got %v", g.At(1, 0))
	}
}

func TestFillStackFallbackWarning(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	quarters := common.QuarterRange(common.Quarter{Year: 2021, Q: 1}, common.Quarter{Year: 2021, Q: 3})
	nan := math.NaN()
	// pixel 0 misses its edges, pixel 1 is always missing
	writeTestComposite(t, dir, quarters[0], []float64{nan, nan})
	writeTestComposite(t, dir, quarters[1], []float64{0.4, nan})
	writeTestComposite(t, dir, quarters[2], []float64{nan, nan})

	job := common.StackToFill{Unit: testUnit, Band: "B8", Quarters: quarters, Fallback: common.FallbackPixelMean}
	res, err := FillStack(ctx, storage, nil, job, t.TempDir(), FillOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status() != common.StatusINCOMPLETE || res.Stats.Fallback != 2 || res.Stats.Remaining != 3 {
		t.Errorf("unexpected result %+v", res.Stats)
	}
	w := res.Warning
	if w == nil || w.EdgeMissing != 0 || w.EmptySeries != 1 || w.Pixels != 1 {
		t.Errorf("warning must describe the values left after the fallback: %+v", w)
	}
}

func TestFillStackErrors(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	quarters := common.QuarterRange(common.Quarter{Year: 2021, Q: 1}, common.Quarter{Year: 2021, Q: 2})
	writeTestComposite(t, dir, quarters[0], []float64{0.5, 0.2})
	writeTestComposite(t, dir, quarters[1], []float64{0.5, 0.2, 0.1})

	job := common.StackToFill{Unit: testUnit, Band: "B8", Quarters: quarters}
	_, err := FillStack(ctx, storage, nil, job, t.TempDir(), FillOptions{})
	if !service.Fatal(err) || !IsFatal(err) {
		t.Errorf("inconsistent stack must be fatal, got %v", err)
	}

	job.Index = &common.IndexAttrs{InstanceID: "instance"}
	if _, err := FillStack(ctx, storage, nil, job, t.TempDir(), FillOptions{}); !service.Fatal(err) {
		t.Errorf("indexation without client must be fatal, got %v", err)
	}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	quarters := common.QuarterRange(common.Quarter{Year: 2020, Q: 4}, common.Quarter{Year: 2021, Q: 2})
	writeTestComposite(t, dir, quarters[0], []float64{0.5, 0.1})
	writeTestComposite(t, dir, quarters[1], []float64{math.NaN(), math.NaN()})
	writeTestComposite(t, dir, quarters[2], []float64{0.9, 0.3})

	p := Processor{Storage: storage, Workdir: t.TempDir(), Thresholds: masker.DefaultThresholds()}
	data, err := common.NewJob(common.ResultTypeStack, common.StackToFill{Unit: testUnit, Band: "B8", Quarters: quarters})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Handle(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != common.StatusDONE || res.Name != "B8_2020_Q04_2021_Q02" || res.Run != testUnit.Run || res.Stats == nil || res.Stats.Filled != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := p.Handle(ctx, []byte(`{"type":"tile","payload":{}}`)); !service.Fatal(err) {
		t.Errorf("unknown job type must be fatal, got %v", err)
	}
	if _, err := p.Handle(ctx, []byte(`{"type":"stack","payload":[]}`)); !service.Fatal(err) {
		t.Errorf("invalid payload must be fatal, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	scene := common.SceneToMask{Unit: testUnit, Scene: testScene}
	data, err := common.NewJob(common.ResultTypeScene, scene)
	if err != nil {
		t.Fatal(err)
	}
	res, err := Describe(data)
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != common.ResultTypeScene || res.Unit != testUnit || res.Name != scene.Name() || res.Status != common.StatusNEW {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := Describe([]byte(`{"type":"tile","payload":{}}`)); !service.Fatal(err) {
		t.Errorf("unknown job type must be fatal, got %v", err)
	}
}

func TestOutcome(t *testing.T) {
	described := common.Result{Unit: testUnit, Type: common.ResultTypeScene, Name: testScene.SourceID}
	done := described
	done.Status = common.StatusDONE
	temporary := service.MakeTemporary(errors.New("timeout"))
	tests := []struct {
		name    string
		res     common.Result
		err     error
		try     int
		publish bool
		status  common.Status
	}{
		{"unknown job", common.Result{}, service.MakeFatal(errors.New("invalid job")), 1, false, 0},
		{"success", done, nil, 1, true, common.StatusDONE},
		{"temporary failure", described, temporary, 1, false, 0},
		{"temporary failure on the last try", described, temporary, 15, true, common.StatusFAILED},
		{"too many retries", described, errors.New("too many retries"), 16, true, common.StatusFAILED},
		{"fatal failure", described, service.MakeFatal(errors.New("corrupted")), 1, true, common.StatusFAILED},
		{"failure", described, errors.New("failure"), 1, true, common.StatusRETRY},
	}
	for _, tt := range tests {
		res, publish := Outcome(tt.res, tt.err, tt.try, 15)
		if publish != tt.publish {
			t.Errorf("%s: expected publish=%v", tt.name, tt.publish)
			continue
		}
		if !publish {
			continue
		}
		if res.Status != tt.status {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.status, res.Status)
		}
		if tt.err != nil && res.Message != tt.err.Error() {
			t.Errorf("%s: unexpected message %s", tt.name, res.Message)
		}
		if res.Status.Finished() != (tt.status != common.StatusRETRY) {
			t.Errorf("%s: unexpected finished state for %s", tt.name, res.Status)
		}
	}
}

func TestMosaicQuarter(t *testing.T) {
	ctx := context.Background()
	storage, dir := newTestStorage(t)
	q := common.Quarter{Year: 2021, Q: 3}
	east := testUnit
	east.Tile = "T36LZH"
	eastDir := filepath.Join(filepath.Dir(dir), east.Tile)
	if err := os.MkdirAll(eastDir, 0766); err != nil {
		t.Fatal(err)
	}

	file := service.QuarterFile("B8", q, service.LayerFilled, service.ExtensionGTiff).Name()
	west, _ := raster.GridFromRows([][]float64{{0.1, 0.2, 0.3}})
	if err := rasterio.WriteGrid(ctx, filepath.Join(dir, file), west, testGeoref, rasterio.EncodingInt16, "B8", nil); err != nil {
		t.Fatal(err)
	}
	eastGeoref := testGeoref
	eastGeoref.GeoTransform[0] += 20
	eastGrid, _ := raster.GridFromRows([][]float64{{0.1, 0.4, 0.5}})
	if err := rasterio.WriteGrid(ctx, filepath.Join(eastDir, file), eastGrid, eastGeoref, rasterio.EncodingInt16, "B8", nil); err != nil {
		t.Fatal(err)
	}

	name := OutputName(common.DefaultOutputPattern, "B8", q, testUnit.Zone)
	if name != "B8_S2_SR_2021_Q03_south.tif" {
		t.Errorf("unexpected name %s", name)
	}
	output := filepath.Join(t.TempDir(), name)
	if err := MosaicQuarter(ctx, storage, []common.Unit{testUnit, east}, "B8", q, rasterio.EncodingInt16, output, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	g, _, err := rasterio.ReadGrid(ctx, output, 1e4)
	if err != nil {
		t.Fatal(err)
	}
	expected := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	if g.Width != 5 || g.Height != 1 {
		t.Fatalf("unexpected shape %dx%d", g.Width, g.Height)
	}
	for i, v := range expected {
		if math.Abs(g.Data[i]-v) > 1e-9 {
			t.Errorf("pixel %d: expected %v, got %v", i, v, g.Data[i])
		}
	}
}
