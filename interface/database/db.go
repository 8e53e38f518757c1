package db

import (
	"context"
	"fmt"
	"time"

	"github.com/airbusgeo/s2-gapfill/common"
)

// Run is a batch of units processed together
type Run struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Status    common.Status `json:"status"`
}

// UnitReport is the outcome of the processing of a unit
type UnitReport struct {
	common.Unit
	Type      string           `json:"type"`
	Name      string           `json:"name"`
	Status    common.Status    `json:"status"`
	Message   string           `json:"message"`
	Stats     *common.GapStats `json:"stats,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewUnitReport creates a report from the result of a job
func NewUnitReport(r common.Result) UnitReport {
	return UnitReport{
		Unit:    r.Unit,
		Type:    r.Type,
		Name:    r.Name,
		Status:  r.Status,
		Message: r.Message,
		Stats:   r.Stats,
	}
}

type ErrAlreadyExists struct {
	Type, ID string
}

func (e ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s alreay exists: %s", e.Type, e.ID)
}

type ErrNotFound struct {
	Type, ID string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Type, e.ID)
}

type ReportTxBackend interface {
	ReportBackend
	// Must be call to apply transaction
	Commit() error
	// Might be called to cancel the transaction (no effect if commit has already be done)
	Rollback() error
}

type ReportDBBackend interface {
	ReportBackend
	StartTransaction(ctx context.Context) (ReportTxBackend, error)
}

// Status counts the units by status
type Status struct {
	New, Pending, Done, Retry, Failed, Incomplete int64
}

// Set the number of occurences for a given status
func (s *Status) Set(status common.Status, nb int64) {
	switch status {
	case common.StatusNEW:
		s.New = nb
	case common.StatusPENDING:
		s.Pending = nb
	case common.StatusDONE:
		s.Done = nb
	case common.StatusRETRY:
		s.Retry = nb
	case common.StatusFAILED:
		s.Failed = nb
	case common.StatusINCOMPLETE:
		s.Incomplete = nb
	}
}

// Total returns the number of units
func (s Status) Total() int64 {
	return s.New + s.Pending + s.Done + s.Retry + s.Failed + s.Incomplete
}

// Overall returns the status of a set of units.
// Priority: RETRY>PENDING>NEW>FAILED>INCOMPLETE>DONE
func (s Status) Overall() common.Status {
	switch {
	case s.Retry > 0:
		return common.StatusRETRY
	case s.Pending > 0:
		return common.StatusPENDING
	case s.New > 0:
		return common.StatusNEW
	case s.Failed > 0:
		return common.StatusFAILED
	case s.Incomplete > 0:
		return common.StatusINCOMPLETE
	case s.Done > 0:
		return common.StatusDONE
	}
	return common.StatusNEW
}

type ReportBackend interface {
	// Create a run in database, may return ErrAlreadyExists
	CreateRun(ctx context.Context, run string) error
	// Runs returns the list of the runs fitting the pattern
	// pattern [optional=""] run pattern (* and ? are wildcards)
	Runs(ctx context.Context, pattern string) ([]Run, error)
	// Delete a run and its units from the database
	DeleteRun(ctx context.Context, run string) error
	// Returns the status of the units of the run, may return ErrNotFound
	RunStatus(ctx context.Context, run string) (Status, error)

	// Create or update the report of a unit (identified by run, type and id).
	// The run must exist (ErrNotFound)
	SaveUnit(ctx context.Context, unit UnitReport) error
	// Get the report of a unit, may return ErrNotFound
	Unit(ctx context.Context, run, unitType string, id int) (UnitReport, error)
	// Units returns the reports of the units of the run, ordered by type and id
	// status [optional=""] status of the unit
	Units(ctx context.Context, run, status string, page, limit int) ([]UnitReport, error)
}

// UnitOfWork runs a function and commit the database at the end or rollback if the function returns an error
func UnitOfWork(ctx context.Context, db ReportDBBackend, f func(tx ReportTxBackend) error) (err error) {
	// Start transaction
	txn, err := db.StartTransaction(ctx)
	if err != nil {
		return fmt.Errorf("uow.starttransaction: %w", err)
	}

	// Rollback if not successful
	defer func() {
		if e := txn.Rollback(); err == nil {
			err = e
		}
	}()

	// Execute function
	if err = f(txn); err != nil {
		return fmt.Errorf("uow.%w", err)
	}

	return txn.Commit()
}
