package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/interface/rasterio"
	"github.com/airbusgeo/s2-gapfill/processor"
	"github.com/airbusgeo/s2-gapfill/report"
	"github.com/airbusgeo/s2-gapfill/service"
	"github.com/airbusgeo/s2-gapfill/service/log"
	"github.com/gammazero/workerpool"
	"github.com/gocarina/gocsv"
	"github.com/schollz/progressbar/v3"
)

// localQueue collects the jobs submitted by the reporter, to run them in-process
type localQueue struct {
	mu       sync.Mutex
	messages [][]byte
}

// Publish implements messaging.Publisher
func (q *localQueue) Publish(ctx context.Context, data ...[]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, data...)
	return nil
}

func (q *localQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.messages
	q.messages = nil
	return m
}

// tile is a directory <root>/<zone>/<tile> of scenes
type tile struct {
	Zone, Name string
	Scenes     []common.SceneRef
}

// discover lists the Sentinel-2 products stored in <root>/<zone>/<tile>/<product_id>.tif
func discover(root string) ([]tile, error) {
	products, err := filepath.Glob(filepath.Join(root, "*", "*", "*."+string(service.ExtensionGTiff)))
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	tiles := map[string]*tile{}
	for _, p := range products {
		sourceID := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		date, err := common.GetDateFromProductId(sourceID)
		if err != nil {
			// Not a product (e.g. an output of a previous run)
			continue
		}
		tileDir := filepath.Dir(p)
		t, ok := tiles[tileDir]
		if !ok {
			t = &tile{Zone: filepath.Base(filepath.Dir(tileDir)), Name: filepath.Base(tileDir)}
			tiles[tileDir] = t
		}
		t.Scenes = append(t.Scenes, common.SceneRef{SourceID: sourceID, Date: date})
	}

	res := make([]tile, 0, len(tiles))
	for _, t := range tiles {
		sort.Slice(t.Scenes, func(i, j int) bool { return t.Scenes[i].Date.Before(t.Scenes[j].Date) })
		res = append(res, *t)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Zone != res[j].Zone {
			return res[i].Zone < res[j].Zone
		}
		return res[i].Name < res[j].Name
	})
	return res, nil
}

// quarterRange returns the quarters of the scenes, bounded by first and last if defined
func quarterRange(tiles []tile, first, last *common.Quarter) []common.Quarter {
	var min, max *common.Quarter
	for _, t := range tiles {
		for _, s := range t.Scenes {
			q := common.QuarterOf(s.Date)
			if min == nil || q.Before(*min) {
				min = &q
			}
			if max == nil || max.Before(q) {
				max = &q
			}
		}
	}
	if first != nil {
		min = first
	}
	if last != nil {
		max = last
	}
	if min == nil || max == nil {
		return nil
	}
	return common.QuarterRange(*min, *max)
}

// statsRow is a row of the csv file of the statistics of the gap-filling
type statsRow struct {
	Zone        string `csv:"zone"`
	Tile        string `csv:"tile"`
	Stack       string `csv:"stack"`
	Status      string `csv:"status"`
	Values      int64  `csv:"values"`
	Missing     int64  `csv:"missing"`
	Filled      int64  `csv:"filled"`
	EdgeMissing int64  `csv:"edge_missing"`
	EmptySeries int64  `csv:"empty_series"`
	Fallback    int64  `csv:"fallback"`
	Remaining   int64  `csv:"remaining"`
	Message     string `csv:"message"`
}

type batch struct {
	config   *config
	reporter *report.Reporter
	queue    *localQueue
	proc     processor.Processor
	storage  service.Storage
}

func (b *batch) run(ctx context.Context) error {
	tiles, err := discover(b.config.Root)
	if err != nil {
		return err
	}
	if len(tiles) == 0 {
		return fmt.Errorf("no Sentinel-2 product found in %s", b.config.Root)
	}
	quarters := quarterRange(tiles, b.config.First, b.config.Last)
	if len(quarters) == 0 {
		return fmt.Errorf("empty range of quarters")
	}
	log.Logger(ctx).Sugar().Infof("%d tiles found, from %s to %s", len(tiles), quarters[0], quarters[len(quarters)-1])

	// Masking
	var jobs report.Jobs
	for ti, t := range tiles {
		for si, s := range t.Scenes {
			if q := common.QuarterOf(s.Date); q.Before(quarters[0]) || quarters[len(quarters)-1].Before(q) {
				continue
			}
			jobs.Scenes = append(jobs.Scenes, common.SceneToMask{
				Unit:         b.unit(ti*10000+si, t),
				Scene:        s,
				ExportLayers: b.config.ExportLayers,
			})
		}
	}
	results, err := b.runStage(ctx, "masking", jobs)
	if err != nil {
		return err
	}
	masked := map[string]bool{}
	for _, r := range results {
		if r.Status == common.StatusDONE {
			masked[r.Zone+"/"+r.Tile+"/"+r.Name] = true
		}
	}

	// Compositing
	jobs = report.Jobs{}
	for ti, t := range tiles {
		for qi, q := range quarters {
			var scenes []common.SceneRef
			for _, s := range t.Scenes {
				if q.Contains(s.Date) && masked[t.Zone+"/"+t.Name+"/"+s.SourceID] {
					scenes = append(scenes, s)
				}
			}
			if len(scenes) == 0 {
				log.Logger(ctx).Sugar().Warnf("%s/%s: no valid scene for %s", t.Zone, t.Name, q)
				continue
			}
			for bi, band := range b.config.Bands {
				jobs.Composites = append(jobs.Composites, common.QuarterToCompose{
					Unit:    b.unit((ti*len(b.config.Bands)+bi)*1000+qi, t),
					Quarter: q,
					Band:    band,
					Scenes:  scenes,
				})
			}
		}
	}
	if results, err = b.runStage(ctx, "compositing", jobs); err != nil {
		return err
	}
	composed := map[string][]common.Quarter{}
	for _, r := range results {
		if r.Status != common.StatusDONE {
			continue
		}
		i := strings.LastIndex(r.Name, "_Q")
		q, err := common.ParseQuarter(r.Name[i-4:])
		if err != nil {
			return err
		}
		key := r.Zone + "/" + r.Tile + "/" + r.Name[:i-5]
		composed[key] = append(composed[key], q)
	}

	// Gap-filling
	jobs = report.Jobs{}
	for ti, t := range tiles {
		for bi, band := range b.config.Bands {
			qs := composed[t.Zone+"/"+t.Name+"/"+band]
			if len(qs) == 0 {
				continue
			}
			common.SortQuarters(qs)
			jobs.Stacks = append(jobs.Stacks, common.StackToFill{
				Unit:      b.unit(ti*len(b.config.Bands)+bi, t),
				Band:      band,
				Quarters:  qs,
				Positions: b.config.Positions,
				Fallback:  b.config.Fallback,
				Int16:     b.config.Int16,
			})
		}
	}
	if results, err = b.runStage(ctx, "gap-filling", jobs); err != nil {
		return err
	}

	if b.config.StatsFile != "" {
		if err := b.writeStats(ctx); err != nil {
			return err
		}
	}

	if b.config.MosaicDir != "" {
		if err := b.mosaic(ctx, jobs.Stacks, results); err != nil {
			return err
		}
	}

	status, err := b.reporter.RunStatus(ctx, b.config.Run)
	if err != nil {
		return err
	}
	log.Logger(ctx).Sugar().Infof("run %s: %s (done: %d, incomplete: %d, failed: %d)",
		b.config.Run, status.Overall(), status.Done, status.Incomplete, status.Failed)
	return nil
}

func (b *batch) unit(id int, t tile) common.Unit {
	return common.Unit{ID: id, Run: b.config.Run, Zone: t.Zone, Tile: t.Name}
}

// runStage submits the jobs and runs them in a pool of workers.
// The results are reported to the reporter and returned.
func (b *batch) runStage(ctx context.Context, title string, jobs report.Jobs) ([]common.Result, error) {
	if jobs.Len() == 0 {
		log.Logger(ctx).Sugar().Warnf("%s: nothing to do", title)
		return nil, nil
	}
	if err := b.reporter.Submit(ctx, b.config.Run, jobs); err != nil {
		return nil, fmt.Errorf("%s: %w", title, err)
	}
	messages := b.queue.drain()

	var (
		mu      sync.Mutex
		results []common.Result
	)
	bar := progressbar.Default(int64(len(messages)), title)
	wp := workerpool.New(b.config.Workers)
	for _, msg := range messages {
		msg := msg
		wp.Submit(func() {
			res, err := b.proc.Handle(ctx, msg)
			if err != nil {
				log.Logger(ctx).Sugar().Warnf("%s %s/%s %s: %v", res.Type, res.Zone, res.Tile, res.Name, err)
				res.Status = common.StatusFAILED
				res.Message = err.Error()
			}
			if res.Type != "" {
				if err := b.reporter.ResultHandler(ctx, res); err != nil {
					log.Logger(ctx).Sugar().Errorf("report %s %d: %v", res.Type, res.ID, err)
				}
			}
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			bar.Add(1)
		})
	}
	wp.StopWait()
	return results, nil
}

// writeStats writes the statistics of the gap-filling of the run in the csv file
func (b *batch) writeStats(ctx context.Context) error {
	units, err := b.reporter.Units(ctx, b.config.Run, "", 0, 0)
	if err != nil {
		return err
	}
	var rows []statsRow
	for _, u := range units {
		if u.Type != common.ResultTypeStack {
			continue
		}
		row := statsRow{Zone: u.Zone, Tile: u.Tile, Stack: u.Name, Status: u.Status.String(), Message: u.Message}
		if u.Stats != nil {
			row.Values = u.Stats.Values
			row.Missing = u.Stats.Missing
			row.Filled = u.Stats.Filled
			row.EdgeMissing = u.Stats.EdgeMissing
			row.EmptySeries = u.Stats.EmptySeries
			row.Fallback = u.Stats.Fallback
			row.Remaining = u.Stats.Remaining
		}
		rows = append(rows, row)
	}

	f, err := os.Create(b.config.StatsFile)
	if err != nil {
		return fmt.Errorf("writeStats: %w", err)
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return fmt.Errorf("writeStats: %w", err)
	}
	log.Logger(ctx).Sugar().Infof("gap statistics of %d stacks written in %s", len(rows), b.config.StatsFile)
	return nil
}

// mosaic merges the gap-filled tiles of each zone, band and quarter
func (b *batch) mosaic(ctx context.Context, stacks []common.StackToFill, results []common.Result) error {
	if err := os.MkdirAll(b.config.MosaicDir, 0766); err != nil {
		return fmt.Errorf("mosaic: %w", err)
	}
	enc := rasterio.EncodingReflectance
	if b.config.Int16 {
		enc = rasterio.EncodingInt16
	}

	succeeded := map[common.Unit]bool{}
	for _, r := range results {
		succeeded[r.Unit] = r.Status == common.StatusDONE || r.Status == common.StatusINCOMPLETE
	}
	type key struct {
		zone, band string
		q          common.Quarter
	}
	filled := map[key][]common.Unit{}
	var keys []key
	for _, s := range stacks {
		if !succeeded[s.Unit] {
			continue
		}
		for _, q := range s.Quarters {
			k := key{zone: s.Zone, band: s.Band, q: q}
			if _, ok := filled[k]; !ok {
				keys = append(keys, k)
			}
			filled[k] = append(filled[k], s.Unit)
		}
	}

	var (
		errOnce  sync.Once
		firstErr error
	)
	bar := progressbar.Default(int64(len(keys)), "mosaic")
	wp := workerpool.New(b.config.Workers)
	for _, k := range keys {
		k := k
		wp.Submit(func() {
			defer bar.Add(1)
			output := filepath.Join(b.config.MosaicDir, processor.OutputName(b.config.OutputPattern, k.band, k.q, k.zone))
			if err := processor.MosaicQuarter(ctx, b.storage, filled[k], k.band, k.q, enc, output, b.config.WorkingDir); err != nil {
				if service.Fatal(err) {
					log.Logger(ctx).Sugar().Warnf("mosaic %s: %v", output, err)
					return
				}
				errOnce.Do(func() { firstErr = err })
			}
		})
	}
	wp.StopWait()
	return firstErr
}
