package gapfill

import (
	"context"
	"fmt"
	"runtime"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/raster"
	"golang.org/x/sync/errgroup"
)

// DefaultBlockSize is the default size of the blocks processed in parallel
const DefaultBlockSize = 512

type options struct {
	blockSize        int
	workers          int
	quarterPositions bool
}

// Option of Fill
type Option func(*options)

// WithBlockSize sets the size of the square blocks processed in parallel (results do not depend on it)
func WithBlockSize(size int) Option {
	return func(o *options) {
		o.blockSize = size
	}
}

// WithWorkers sets the maximum number of blocks processed in parallel
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithQuarterPositions interpolates using the ordinal of the quarters instead of
// the index of the members (a missing quarter in the stack is taken into account)
func WithQuarterPositions() Option {
	return func(o *options) {
		o.quarterPositions = true
	}
}

// UnrecoverableGapWarning reports the pixels that cannot be filled by interpolation.
// It is not a failure: the filled stack is still returned.
type UnrecoverableGapWarning struct {
	Tile, Band  string
	EmptySeries int64 // pixels without any valid value
	EdgeMissing int64 // values without valid value on one side
	Pixels      int   // pixels with at least one missing value
}

func (w *UnrecoverableGapWarning) Error() string {
	return fmt.Sprintf("%s/%s: %d pixels still incomplete (%d empty series, %d values missing at the edges of their series)",
		w.Tile, w.Band, w.Pixels, w.EmptySeries, w.EdgeMissing)
}

// Report sums up the gap-filling of a stack
type Report struct {
	Tile, Band         string
	Values             int64
	Missing            int64
	Filled             int64
	EdgeMissing        int64
	EmptySeries        int64
	RemainingPerMember []int64
	Incomplete         *raster.Mask // pixels still missing in at least one member
}

// Remaining returns the number of values still missing
func (r *Report) Remaining() int64 {
	return r.EdgeMissing + r.EmptySeries*int64(len(r.RemainingPerMember))
}

// Warning returns an UnrecoverableGapWarning if some values are still missing, nil otherwise
func (r *Report) Warning() *UnrecoverableGapWarning {
	if r.EdgeMissing == 0 && r.EmptySeries == 0 {
		return nil
	}
	return &UnrecoverableGapWarning{
		Tile:        r.Tile,
		Band:        r.Band,
		EmptySeries: r.EmptySeries,
		EdgeMissing: r.EdgeMissing,
		Pixels:      r.Incomplete.Count(),
	}
}

// Stats returns the statistics of the report
func (r *Report) Stats() common.GapStats {
	return common.GapStats{
		Values:      r.Values,
		Missing:     r.Missing,
		Filled:      r.Filled,
		EdgeMissing: r.EdgeMissing,
		EmptySeries: r.EmptySeries,
		Remaining:   r.Remaining(),
	}
}

type blockReport struct {
	filled, edge, empty int64
	remaining           []int64
}

// Fill returns a new stack where every missing value having a valid value before and after it
// in its pixel series is linearly interpolated. Other missing values are left missing and reported.
// The input stack is not modified.
func Fill(ctx context.Context, s *Stack, opts ...Option) (*Stack, *Report, error) {
	o := options{blockSize: DefaultBlockSize, workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.blockSize <= 0 {
		o.blockSize = DefaultBlockSize
	}
	if o.workers <= 0 {
		o.workers = 1
	}

	positions := make([]float64, s.Len())
	for i, m := range s.members {
		if o.quarterPositions {
			positions[i] = float64(m.Quarter.Index())
		} else {
			positions[i] = float64(i)
		}
	}

	grids := s.cloneGrids()
	report := &Report{
		Tile:               s.Tile,
		Band:               s.Band,
		Values:             int64(s.Width*s.Height) * int64(s.Len()),
		RemainingPerMember: make([]int64, s.Len()),
		Incomplete:         raster.NewMask(s.Width, s.Height),
	}

	nbx := (s.Width + o.blockSize - 1) / o.blockSize
	nby := (s.Height + o.blockSize - 1) / o.blockSize
	reports := make([]blockReport, nbx*nby)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for by := 0; by < nby; by++ {
		for bx := 0; bx < nbx; bx++ {
			bx, by := bx, by
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				reports[by*nbx+bx] = fillBlock(grids, positions, report.Incomplete, s.Width,
					bx*o.blockSize, by*o.blockSize,
					min((bx+1)*o.blockSize, s.Width), min((by+1)*o.blockSize, s.Height))
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("Fill[%s/%s]: %w", s.Tile, s.Band, err)
	}

	for _, br := range reports {
		report.Filled += br.filled
		report.EdgeMissing += br.edge
		report.EmptySeries += br.empty
		for i, n := range br.remaining {
			report.RemainingPerMember[i] += n
		}
	}
	report.Missing = report.Filled + report.Remaining()
	return s.withGrids(grids), report, nil
}

// fillBlock interpolates the pixels of the block [x0, x1[ x [y0, y1[ in place.
// Blocks are disjoint: grids and incomplete are written concurrently on different pixels.
func fillBlock(grids []*raster.Grid, positions []float64, incomplete *raster.Mask, width, x0, y0, x1, y1 int) blockReport {
	br := blockReport{remaining: make([]int64, len(grids))}
	series := make([]float64, len(grids))
	for row := y0; row < y1; row++ {
		for col := x0; col < x1; col++ {
			idx := row*width + col
			for i, g := range grids {
				series[i] = g.Data[idx]
			}
			filled, edge, empty := interpolateSeries(series, positions)
			if filled == 0 && edge == 0 && !empty {
				continue
			}
			for i, g := range grids {
				g.Data[idx] = series[i]
				if raster.IsNoData(series[i]) {
					br.remaining[i]++
				}
			}
			br.filled += int64(filled)
			br.edge += int64(edge)
			if empty {
				br.empty++
			}
			if edge > 0 || empty {
				incomplete.Data[idx] = true
			}
		}
	}
	return br
}

// interpolateSeries linearly interpolates in place the missing values of series that have
// a valid neighbour on both sides. It returns the number of filled values, the number of
// values left missing at the edges and whether the series has no valid value.
func interpolateSeries(series, positions []float64) (filled, edge int, empty bool) {
	prev := -1
	for i, v := range series {
		if raster.IsNoData(v) {
			continue
		}
		if prev < 0 {
			edge += i
		} else {
			for j := prev + 1; j < i; j++ {
				t := (positions[j] - positions[prev]) / (positions[i] - positions[prev])
				series[j] = series[prev] + t*(v-series[prev])
				filled++
			}
		}
		prev = i
	}
	if prev < 0 {
		return 0, 0, len(series) > 0
	}
	edge += len(series) - 1 - prev
	return filled, edge, false
}
