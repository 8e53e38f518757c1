// Package memory implements an in-memory ReportDBBackend, for local runs and tests
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/airbusgeo/s2-gapfill/common"
	db "github.com/airbusgeo/s2-gapfill/interface/database"
)

type unitKey struct {
	run, unitType string
	id            int
}

type state struct {
	runs  map[string]time.Time
	units map[unitKey]db.UnitReport
}

func (s state) clone() state {
	c := state{runs: make(map[string]time.Time, len(s.runs)), units: make(map[unitKey]db.UnitReport, len(s.units))}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	return c
}

// BackendDB implements ReportDBBackend
type BackendDB struct {
	Backend
}

// BackendTx implements ReportTxBackend on a copy of the database, applied on Commit
type BackendTx struct {
	Backend
	db   *BackendDB
	done bool
}

// Backend implements ReportBackend
type Backend struct {
	mu *sync.RWMutex
	st *state
}

// New creates an empty database
func New() *BackendDB {
	return &BackendDB{Backend{mu: &sync.RWMutex{}, st: &state{runs: map[string]time.Time{}, units: map[unitKey]db.UnitReport{}}}}
}

// StartTransaction implements ReportDBBackend
func (bdb *BackendDB) StartTransaction(ctx context.Context) (db.ReportTxBackend, error) {
	bdb.mu.RLock()
	st := bdb.st.clone()
	bdb.mu.RUnlock()
	return &BackendTx{Backend: Backend{mu: &sync.RWMutex{}, st: &st}, db: bdb}, nil
}

// Commit implements ReportTxBackend
func (btx *BackendTx) Commit() error {
	if btx.done {
		return fmt.Errorf("commit: transaction has already been committed or rolled back")
	}
	btx.done = true
	btx.mu.RLock()
	defer btx.mu.RUnlock()
	btx.db.mu.Lock()
	defer btx.db.mu.Unlock()
	*btx.db.st = btx.st.clone()
	return nil
}

// Rollback implements ReportTxBackend
func (btx *BackendTx) Rollback() error {
	btx.done = true
	return nil
}

// CreateRun implements ReportBackend
func (b Backend) CreateRun(ctx context.Context, run string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.st.runs[run]; ok {
		return db.ErrAlreadyExists{Type: "run", ID: run}
	}
	b.st.runs[run] = time.Now().UTC()
	return nil
}

// Runs implements ReportBackend
func (b Backend) Runs(ctx context.Context, pattern string) ([]db.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	runs := make([]db.Run, 0)
	for id, createdAt := range b.st.runs {
		if pattern != "" {
			if ok, err := path.Match(pattern, id); err != nil {
				return nil, fmt.Errorf("Runs: invalid pattern %s: %w", pattern, err)
			} else if !ok {
				continue
			}
		}
		runs = append(runs, db.Run{ID: id, CreatedAt: createdAt, Status: b.unitsStatus(id).Overall()})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

// DeleteRun implements ReportBackend
func (b Backend) DeleteRun(ctx context.Context, run string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.st.runs[run]; !ok {
		return db.ErrNotFound{Type: "run", ID: run}
	}
	delete(b.st.runs, run)
	for k := range b.st.units {
		if k.run == run {
			delete(b.st.units, k)
		}
	}
	return nil
}

func (b Backend) unitsStatus(run string) db.Status {
	counts := map[common.Status]int64{}
	for k, u := range b.st.units {
		if k.run == run {
			counts[u.Status]++
		}
	}
	status := db.Status{}
	for s, nb := range counts {
		status.Set(s, nb)
	}
	return status
}

// RunStatus implements ReportBackend
func (b Backend) RunStatus(ctx context.Context, run string) (db.Status, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.st.runs[run]; !ok {
		return db.Status{}, db.ErrNotFound{Type: "run", ID: run}
	}
	return b.unitsStatus(run), nil
}

// SaveUnit implements ReportBackend
func (b Backend) SaveUnit(ctx context.Context, unit db.UnitReport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.st.runs[unit.Run]; !ok {
		return db.ErrNotFound{Type: "run", ID: unit.Run}
	}
	if unit.Stats != nil {
		stats := *unit.Stats
		unit.Stats = &stats
	}
	unit.UpdatedAt = time.Now().UTC()
	b.st.units[unitKey{run: unit.Run, unitType: unit.Type, id: unit.ID}] = unit
	return nil
}

// Unit implements ReportBackend
func (b Backend) Unit(ctx context.Context, run, unitType string, id int) (db.UnitReport, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	u, ok := b.st.units[unitKey{run: run, unitType: unitType, id: id}]
	if !ok {
		return u, db.ErrNotFound{Type: "unit", ID: fmt.Sprintf("%s/%s/%d", run, unitType, id)}
	}
	return u, nil
}

// Units implements ReportBackend
func (b Backend) Units(ctx context.Context, run, status string, page, limit int) ([]db.UnitReport, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	units := make([]db.UnitReport, 0)
	for k, u := range b.st.units {
		if k.run == run && (status == "" || u.Status.String() == status) {
			units = append(units, u)
		}
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].Type != units[j].Type {
			return units[i].Type < units[j].Type
		}
		return units[i].ID < units[j].ID
	})
	if limit > 0 {
		start := min(page*limit, len(units))
		units = units[start:min(start+limit, len(units))]
	}
	return units, nil
}
