package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	geocube "github.com/airbusgeo/geocube-client-go/client"
	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/gapfill"
	"github.com/airbusgeo/s2-gapfill/interface/rasterio"
	"github.com/airbusgeo/s2-gapfill/service"
	"github.com/airbusgeo/s2-gapfill/service/log"
	"google.golang.org/grpc/codes"
)

// FillOptions of FillStack
type FillOptions struct {
	Workers   int // Blocks processed in parallel (default: number of CPU)
	BlockSize int // Size of the blocks (default: gapfill.DefaultBlockSize)
}

// FillResult is the outcome of FillStack
type FillResult struct {
	Stats   common.GapStats
	Warning *gapfill.UnrecoverableGapWarning // Not nil if some values are still missing in the outputs
}

// Status returns DONE or INCOMPLETE if some values could not be filled
func (r FillResult) Status() common.Status {
	if r.Warning != nil {
		return common.StatusINCOMPLETE
	}
	return common.StatusDONE
}

func encodingOf(job common.StackToFill) rasterio.Encoding {
	if job.Int16 {
		return rasterio.EncodingInt16
	}
	return rasterio.EncodingFloat32
}

// FillStack gap-fills the quarterly composites of the band, saves the filled rasters and their no-data masks
// (one per quarter) and indexes the filled rasters in the Geocube if job.Index is defined.
func FillStack(ctx context.Context, storageService service.Storage, gcclient *geocube.Client, job common.StackToFill, workdir string, opts FillOptions) (FillResult, error) {
	tag := job.Name()
	ctx = log.With(ctx, "stack", tag)
	result := FillResult{}

	if len(job.Quarters) == 0 {
		return result, service.MakeFatal(fmt.Errorf("FillStack[%s]: no quarter", tag))
	}
	if job.Index != nil {
		if gcclient == nil {
			return result, service.MakeFatal(fmt.Errorf("FillStack[%s]: indexation requested but no geocube client", tag))
		}
		for _, q := range job.Quarters {
			if _, ok := job.Index.RecordsID[q.String()]; !ok {
				return result, service.MakeFatal(fmt.Errorf("FillStack[%s]: no record for quarter %s", tag, q))
			}
		}
	}

	workdir, err := newWorkdir(workdir)
	if err != nil {
		return result, fmt.Errorf("FillStack[%s].%w", tag, err)
	}
	defer os.RemoveAll(workdir)

	// Import the composites
	log.Logger(ctx).Sugar().Infof("import %d composites", len(job.Quarters))
	members := make([]gapfill.Member, len(job.Quarters))
	for i, q := range job.Quarters {
		path, err := importLayer(ctx, storageService, job.Unit, service.QuarterFile(job.Band, q, service.LayerComposite, service.ExtensionGTiff), workdir)
		if err != nil {
			return result, fmt.Errorf("FillStack[%s].%w", tag, err)
		}
		g, georef, err := rasterio.ReadGrid(ctx, path, 1)
		if err != nil {
			return result, fmt.Errorf("FillStack[%s].%w", tag, err)
		}
		members[i] = gapfill.Member{Quarter: q, Band: job.Band, Georef: georef, Grid: g}
	}
	stack, err := gapfill.NewStack(job.Tile, members)
	if err != nil {
		return result, service.MakeFatal(fmt.Errorf("FillStack[%s].%w", tag, err))
	}

	// Interpolate
	var fillOpts []gapfill.Option
	if opts.Workers > 0 {
		fillOpts = append(fillOpts, gapfill.WithWorkers(opts.Workers))
	}
	if opts.BlockSize > 0 {
		fillOpts = append(fillOpts, gapfill.WithBlockSize(opts.BlockSize))
	}
	switch job.Positions {
	case "", common.PositionsIndex:
	case common.PositionsQuarter:
		fillOpts = append(fillOpts, gapfill.WithQuarterPositions())
	default:
		return result, service.MakeFatal(fmt.Errorf("FillStack[%s]: unknown positions '%s'", tag, job.Positions))
	}
	log.Logger(ctx).Sugar().Infof("fill %d missing values", stack.Missing())
	filled, report, err := gapfill.Fill(ctx, stack, fillOpts...)
	if err != nil {
		return result, service.MakeTemporary(fmt.Errorf("FillStack[%s].%w", tag, err))
	}
	result.Stats = report.Stats()

	if w := report.Warning(); w != nil && job.Fallback != common.FallbackNone {
		var n int64
		if filled, n, err = gapfill.FillRemaining(filled, job.Fallback); err != nil {
			return result, service.MakeFatal(fmt.Errorf("FillStack[%s].%w", tag, err))
		}
		log.Logger(ctx).Sugar().Infof("%d values filled by %s", n, job.Fallback)
		result.Stats.Fallback = n
		result.Stats.Remaining = filled.Missing()
	}
	if result.Warning = filled.Gaps(); result.Warning != nil {
		log.Logger(ctx).Sugar().Warnf("%v", result.Warning)
	}

	// Write and save the outputs
	enc := encodingOf(job)
	toIndex := map[common.Quarter]string{}
	for i, q := range job.Quarters {
		m := filled.Member(i)
		metadata := map[string]string{
			rasterio.MetadataBand:    job.Band,
			rasterio.MetadataQuarter: q.String(),
		}
		out := service.QuarterFile(job.Band, q, service.LayerFilled, service.ExtensionGTiff)
		if err := rasterio.WriteGrid(ctx, filepath.Join(workdir, out.Name()), m.Grid, m.Georef, enc, job.Band, metadata); err != nil {
			return result, fmt.Errorf("FillStack[%s].%w", tag, err)
		}
		nodata := service.QuarterFile(job.Band, q, service.LayerNoData, service.ExtensionGTiff)
		if err := rasterio.WriteMask(ctx, filepath.Join(workdir, nodata.Name()), filled.NoDataMask(i), m.Georef, "nodata"); err != nil {
			return result, fmt.Errorf("FillStack[%s].%w", tag, err)
		}
		uri, err := saveLayer(ctx, storageService, job.Unit, out, workdir)
		if err != nil {
			return result, fmt.Errorf("FillStack[%s].%w", tag, err)
		}
		if _, err := saveLayer(ctx, storageService, job.Unit, nodata, workdir); err != nil {
			return result, fmt.Errorf("FillStack[%s].%w", tag, err)
		}
		toIndex[q] = uri
	}

	if job.Index == nil {
		return result, nil
	}

	// Index the filled rasters
	if err := service.Retriable(ctx, func() error {
		for q, uri := range toIndex {
			log.Logger(ctx).Sugar().Infof("index %s", uri)
			if err := indexFile(ctx, gcclient, job.Index.InstanceID, job.Index.RecordsID[q.String()], uri, enc); err != nil {
				if geocube.Code(err) != codes.AlreadyExists {
					return err
				}
				log.Logger(ctx).Sugar().Warnf("%s already indexed: %v", uri, err)
			}
			delete(toIndex, q)
		}
		return nil
	}, 15*time.Second, 3); err != nil {
		return result, fmt.Errorf("FillStack[%s].%w (after 3 retries)", tag, err)
	}

	// Update records processing date (errors are not fatal)
	var records []string
	for _, q := range job.Quarters {
		records = append(records, job.Index.RecordsID[q.String()])
	}
	if _, err := gcclient.AddRecordsTags(ctx, records, map[string]string{
		common.TagProcessingDate: time.Now().Format("2006-01-02 15:04:05"),
		common.TagGapFillRun:     job.Run,
		common.TagTile:           job.Tile,
	}); err != nil {
		log.Logger(ctx).Sugar().Warnf("UpdateRecordTag fails: %v", err)
	}
	return result, nil
}

// IsFatal returns true if the error cannot be solved by a retry
func IsFatal(err error) bool {
	var ierr gapfill.InconsistentStackError
	return service.Fatal(err) || errors.As(err, &ierr)
}
