package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/airbusgeo/s2-gapfill/common"
	db "github.com/airbusgeo/s2-gapfill/interface/database"
	"github.com/lib/pq"
)

// pgInterface allows to use either a sql.DB or a sql.Tx
type pgInterface interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// BackendTx implements ReportTxBackend
type BackendTx struct {
	*sql.Tx
	Backend
}

// BackendDB implements ReportDBBackend
type BackendDB struct {
	*sql.DB
	Backend
}

// Backend implements ReportBackend
type Backend struct {
	pgInterface
}

/* http://www.postgresql.org/docs/9.3/static/errcodes-appendix.html */
const (
	noError             = "00000"
	connectionFailure   = "08006"
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"

	notPqError = "X"
)

func pqErrorCode(err error) pq.ErrorCode {
	if err == nil {
		return noError
	}
	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		return pqerr.Code
	}
	return notPqError
}

// StartTransaction implements ReportDBBackend
func (bdb BackendDB) StartTransaction(ctx context.Context) (db.ReportTxBackend, error) {
	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return BackendTx{}, err
	}
	return BackendTx{tx, Backend{pgInterface: tx}}, nil
}

// Rollback overloads sql.Tx.Rollback to be idempotent
func (btx BackendTx) Rollback() error {
	err := btx.Tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// New creates a new backend using Postgres
func New(ctx context.Context, dbConnection string) (*BackendDB, error) {
	db, err := sql.Open("postgres", dbConnection)
	if err != nil {
		return nil, fmt.Errorf("sql.open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		if pqErrorCode(err) == connectionFailure {
			return nil, fmt.Errorf("db.ping (connection failure): %w", err)
		}
		return nil, fmt.Errorf("db.ping: %w", err)
	}
	return &BackendDB{db, Backend{pgInterface: db}}, nil
}

// CreateRun implements ReportBackend
func (b Backend) CreateRun(ctx context.Context, run string) error {
	_, err := b.ExecContext(ctx, "insert into run(id) values($1)", run)
	switch pqErrorCode(err) {
	case noError:
		return nil
	case uniqueViolation:
		return db.ErrAlreadyExists{Type: "run", ID: run}
	default:
		return fmt.Errorf("CreateRun.exec: %w", err)
	}
}

// Runs implements ReportBackend
func (b Backend) Runs(ctx context.Context, pattern string) ([]db.Run, error) {
	wc := whereClause{}
	if pattern != "" {
		pattern, operator := parseLike(pattern)
		wc.and("id "+operator+" $%d", pattern)
	}
	rows, err := b.QueryContext(ctx, "select id, created_at from run"+wc.String()+" ORDER BY id", wc.Parameters...)
	if err != nil {
		return nil, fmt.Errorf("runs.QueryContext: %w", err)
	}
	defer rows.Close()
	runs := make([]db.Run, 0)
	for rows.Next() {
		var run db.Run
		if err := rows.Scan(&run.ID, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("runs.Scan: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runs.rows.err: %w", err)
	}

	for i := range runs {
		status, err := b.unitsStatus(ctx, runs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("Runs.%w", err)
		}
		runs[i].Status = status.Overall()
	}
	return runs, nil
}

// DeleteRun implements ReportBackend
func (b Backend) DeleteRun(ctx context.Context, run string) error {
	if _, err := b.ExecContext(ctx, "delete from unit where run_id=$1", run); err != nil {
		return fmt.Errorf("DeleteRun.units: %w", err)
	}
	res, err := b.ExecContext(ctx, "delete from run where id=$1", run)
	if err != nil {
		return fmt.Errorf("DeleteRun: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return db.ErrNotFound{Type: "run", ID: run}
	}
	return nil
}

func (b Backend) unitsStatus(ctx context.Context, run string) (db.Status, error) {
	status := db.Status{}
	rows, err := b.QueryContext(ctx, "select status, count(*) from unit where run_id=$1 GROUP BY status", run)
	if err != nil {
		return status, fmt.Errorf("unitsStatus.QueryContext: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s common.Status
		var nb int64
		if err := rows.Scan(&s, &nb); err != nil {
			return status, fmt.Errorf("unitsStatus.Scan: %w", err)
		}
		status.Set(s, nb)
	}
	if err := rows.Err(); err != nil {
		return status, fmt.Errorf("unitsStatus.rows.err: %w", err)
	}
	return status, nil
}

// RunStatus implements ReportBackend
func (b Backend) RunStatus(ctx context.Context, run string) (db.Status, error) {
	var id string
	err := b.QueryRowContext(ctx, "select id from run where id=$1", run).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return db.Status{}, db.ErrNotFound{Type: "run", ID: run}
	case err != nil:
		return db.Status{}, fmt.Errorf("RunStatus.QueryRowContext: %w", err)
	}
	return b.unitsStatus(ctx, run)
}

// SaveUnit implements ReportBackend
func (b Backend) SaveUnit(ctx context.Context, unit db.UnitReport) error {
	_, err := b.ExecContext(ctx,
		"insert into unit(run_id, type, id, zone, tile, name, status, message, stats, updated_at) values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"+
			" ON CONFLICT (run_id, type, id) DO UPDATE SET zone=EXCLUDED.zone, tile=EXCLUDED.tile, name=EXCLUDED.name,"+
			" status=EXCLUDED.status, message=EXCLUDED.message, stats=EXCLUDED.stats, updated_at=EXCLUDED.updated_at",
		unit.Run, unit.Type, unit.ID, unit.Zone, unit.Tile, unit.Name, unit.Status, unit.Message, unit.Stats, time.Now().UTC())
	switch pqErrorCode(err) {
	case noError:
		return nil
	case foreignKeyViolation:
		return db.ErrNotFound{Type: "run", ID: unit.Run}
	default:
		return fmt.Errorf("SaveUnit.exec: %w", err)
	}
}

const unitColumns = "run_id, type, id, zone, tile, name, status, message, stats, updated_at"

func scanUnit(row interface{ Scan(...interface{}) error }) (db.UnitReport, error) {
	u := db.UnitReport{}
	err := row.Scan(&u.Run, &u.Type, &u.ID, &u.Zone, &u.Tile, &u.Name, &u.Status, &u.Message, &u.Stats, &u.UpdatedAt)
	return u, err
}

// Unit implements ReportBackend
func (b Backend) Unit(ctx context.Context, run, unitType string, id int) (db.UnitReport, error) {
	u, err := scanUnit(b.QueryRowContext(ctx, "select "+unitColumns+" from unit where run_id=$1 and type=$2 and id=$3", run, unitType, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return u, db.ErrNotFound{Type: "unit", ID: fmt.Sprintf("%s/%s/%d", run, unitType, id)}
	case err != nil:
		return u, fmt.Errorf("Unit.Scan: %w", err)
	}
	return u, nil
}

// Units implements ReportBackend
func (b Backend) Units(ctx context.Context, run, status string, page, limit int) ([]db.UnitReport, error) {
	wc := whereClause{}
	wc.and("run_id = $%d", run)
	if status != "" {
		wc.and("status = $%d", status)
	}
	query := "select " + unitColumns + " from unit" + wc.String() + " ORDER BY type, id" + limitOffsetClause(page, limit)
	rows, err := b.QueryContext(ctx, query, wc.Parameters...)
	if err != nil {
		return nil, fmt.Errorf("units.QueryContext: %w", err)
	}
	defer rows.Close()
	units := make([]db.UnitReport, 0)
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("units.Scan: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("units.rows.err: %w", err)
	}
	return units, nil
}
