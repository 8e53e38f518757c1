package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/interface/database/memory"
	"github.com/airbusgeo/s2-gapfill/masker"
	"github.com/airbusgeo/s2-gapfill/processor"
	"github.com/airbusgeo/s2-gapfill/report"
	"github.com/airbusgeo/s2-gapfill/service"
	"github.com/airbusgeo/s2-gapfill/service/log"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type config struct {
	Root           string
	WorkingDir     string
	Run            string
	ThresholdsFile string
	ExportLayers   bool
	Bands          []string
	First, Last    *common.Quarter
	Positions      string
	Fallback       string
	Int16          bool
	Workers        int
	BlockSize      int
	StatsFile      string
	MosaicDir      string
	OutputPattern  string
}

func atoi(s string, def int) int {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	return def
}

func newAppConfig() (*config, error) {
	// Defaults may be defined in a .env file
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("godotenv.Load: %w", err)
	}

	config := config{}
	var bands, first, last string
	flag.StringVar(&config.Root, "root", service.Getenv("GAPFILL_ROOT", ""), "local directory of the scenes (<root>/<zone>/<tile>/<product_id>.tif), where the outputs are also stored")
	flag.StringVar(&config.WorkingDir, "workdir", service.Getenv("GAPFILL_WORKDIR", os.TempDir()), "working directory to store intermediate results")
	flag.StringVar(&config.Run, "run", "", "name of the run (default: random uuid)")
	flag.StringVar(&config.ThresholdsFile, "thresholds", service.Getenv("GAPFILL_THRESHOLDS", ""), "yaml file of the thresholds of the masker (optional)")
	flag.BoolVar(&config.ExportLayers, "export-layers", false, "export the intermediate layers of the masker")
	flag.StringVar(&bands, "bands", service.Getenv("GAPFILL_BANDS", "B2,B3,B4,B8,B11,B12"), "comma-separated list of the bands to gap-fill")
	flag.StringVar(&first, "first", "", "first quarter of the stacks (YYYY_QNN, default: first quarter of the scenes)")
	flag.StringVar(&last, "last", "", "last quarter of the stacks (YYYY_QNN, default: last quarter of the scenes)")
	flag.StringVar(&config.Positions, "positions", common.PositionsQuarter, "position of the members of the stacks ('index' or 'quarter')")
	flag.StringVar(&config.Fallback, "fallback", common.FallbackNone, "filling of the values that cannot be interpolated ('', 'pixel_mean' or 'raster_mean')")
	flag.BoolVar(&config.Int16, "int16", false, "store the gap-filled reflectances as int16 (x10000)")
	flag.IntVar(&config.Workers, "workers", atoi(service.Getenv("GAPFILL_WORKERS", ""), runtime.NumCPU()), "number of jobs run in parallel")
	flag.IntVar(&config.BlockSize, "block-size", 512, "size of the blocks to gap-fill")
	flag.StringVar(&config.StatsFile, "stats", "gap_stats.csv", "csv file of the statistics of the gap-filling (optional)")
	flag.StringVar(&config.MosaicDir, "mosaic", "", "directory of the mosaics of the zones (optional)")
	flag.StringVar(&config.OutputPattern, "output-pattern", common.DefaultOutputPattern, "pattern of the name of the mosaics")
	flag.Parse()

	if config.Root == "" {
		return nil, fmt.Errorf("missing root config flag")
	}
	if config.WorkingDir == "" {
		return nil, fmt.Errorf("missing workdir config flag")
	}
	if config.Run == "" {
		config.Run = uuid.New().String()
	}
	if config.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive")
	}
	for _, b := range strings.Split(bands, ",") {
		if b = strings.TrimSpace(b); b == "" {
			continue
		}
		if !masker.Band(b).IsReflectance() {
			return nil, fmt.Errorf("%s is not a reflectance band", b)
		}
		config.Bands = append(config.Bands, b)
	}
	if len(config.Bands) == 0 {
		return nil, fmt.Errorf("missing bands config flag")
	}
	for _, q := range []struct {
		s string
		q **common.Quarter
	}{{first, &config.First}, {last, &config.Last}} {
		if q.s == "" {
			continue
		}
		quarter, err := common.ParseQuarter(q.s)
		if err != nil {
			return nil, err
		}
		*q.q = &quarter
	}
	return &config, nil
}

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	ctx = log.With(ctx, "run", config.Run)

	thresholds := masker.DefaultThresholds()
	if config.ThresholdsFile != "" {
		if thresholds, err = masker.LoadThresholds(config.ThresholdsFile); err != nil {
			return err
		}
	}

	storageService, err := service.NewStorageStrategy(ctx, config.Root)
	if err != nil {
		return fmt.Errorf("storage[%s].%w", config.Root, err)
	}

	queue := &localQueue{}
	b := batch{
		config:   config,
		reporter: report.NewReporter(memory.New(), queue),
		queue:    queue,
		proc: processor.Processor{
			Storage:    storageService,
			Workdir:    config.WorkingDir,
			Thresholds: thresholds,
			Fill:       processor.FillOptions{Workers: 1, BlockSize: config.BlockSize},
		},
		storage: storageService,
	}
	return b.run(ctx)
}
