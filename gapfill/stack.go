// Package gapfill fills the missing values of a time series of rasters by
// interpolating each pixel along the time axis.
package gapfill

import (
	"errors"
	"fmt"

	"github.com/airbusgeo/s2-gapfill/common"
	"github.com/airbusgeo/s2-gapfill/raster"
)

// InconsistentStackError is returned when the members of a stack do not share
// the same grid, georeferencing or band, or are not in chronological order
type InconsistentStackError struct {
	Tile, Band string
	Member     int
	Reason     string
}

func (e InconsistentStackError) Error() string {
	return fmt.Sprintf("inconsistent stack %s/%s (member %d): %s", e.Tile, e.Band, e.Member, e.Reason)
}

// Member is a raster of the stack
type Member struct {
	Quarter common.Quarter
	Band    string
	Georef  raster.Georef
	Grid    *raster.Grid
}

// Stack is an immutable and chronologically ordered time series of rasters of the same tile and band
type Stack struct {
	Tile    string
	Band    string
	Georef  raster.Georef
	Width   int
	Height  int
	members []Member
}

// NewStack checks the consistency of the members and creates a Stack
func NewStack(tile string, members []Member) (*Stack, error) {
	if len(members) == 0 {
		return nil, InconsistentStackError{Tile: tile, Reason: "empty stack"}
	}
	first := members[0]
	if first.Grid == nil {
		return nil, InconsistentStackError{Tile: tile, Band: first.Band, Reason: "missing grid"}
	}
	s := &Stack{
		Tile:    tile,
		Band:    first.Band,
		Georef:  first.Georef,
		Width:   first.Grid.Width,
		Height:  first.Grid.Height,
		members: make([]Member, len(members)),
	}
	for i, m := range members {
		ierr := InconsistentStackError{Tile: tile, Band: s.Band, Member: i}
		if m.Grid == nil {
			ierr.Reason = "missing grid"
			return nil, ierr
		}
		if m.Band != s.Band {
			ierr.Reason = fmt.Sprintf("band %s differs from %s", m.Band, s.Band)
			return nil, ierr
		}
		if err := m.Grid.CheckShape(s.Width, s.Height); err != nil {
			ierr.Reason = err.Error()
			return nil, ierr
		}
		if err := s.Georef.Compare(m.Georef); err != nil {
			ierr.Reason = err.Error()
			return nil, ierr
		}
		if i > 0 && !members[i-1].Quarter.Before(m.Quarter) {
			ierr.Reason = fmt.Sprintf("quarter %s is not after %s", m.Quarter, members[i-1].Quarter)
			return nil, ierr
		}
		s.members[i] = m
	}
	return s, nil
}

// IsInconsistentStack returns true if err is an InconsistentStackError
func IsInconsistentStack(err error) bool {
	var ierr InconsistentStackError
	return errors.As(err, &ierr)
}

// Len returns the number of members
func (s *Stack) Len() int {
	return len(s.members)
}

// Member returns the i-th member. Its grid must not be modified.
func (s *Stack) Member(i int) Member {
	return s.members[i]
}

// Quarters returns the quarters of the members
func (s *Stack) Quarters() []common.Quarter {
	qs := make([]common.Quarter, len(s.members))
	for i, m := range s.members {
		qs[i] = m.Quarter
	}
	return qs
}

// Series returns the values of the pixel (col, row) along the time axis
func (s *Stack) Series(col, row int) []float64 {
	series := make([]float64, len(s.members))
	idx := row*s.Width + col
	for i, m := range s.members {
		series[i] = m.Grid.Data[idx]
	}
	return series
}

// Missing returns the number of missing values in the stack
func (s *Stack) Missing() int64 {
	var n int64
	for _, m := range s.members {
		n += int64(m.Grid.CountNoData())
	}
	return n
}

// NoDataMask returns the mask of the missing values of the i-th member
func (s *Stack) NoDataMask(i int) *raster.Mask {
	return s.members[i].Grid.Threshold(raster.IsNoData)
}

// withGrids returns a stack with the same members but new grids
func (s *Stack) withGrids(grids []*raster.Grid) *Stack {
	c := *s
	c.members = make([]Member, len(s.members))
	for i, m := range s.members {
		m.Grid = grids[i]
		c.members[i] = m
	}
	return &c
}

func (s *Stack) cloneGrids() []*raster.Grid {
	grids := make([]*raster.Grid, len(s.members))
	for i, m := range s.members {
		grids[i] = m.Grid.Clone()
	}
	return grids
}

// Gaps returns an UnrecoverableGapWarning describing the values still missing in the stack,
// or nil if the stack is complete.
func (s *Stack) Gaps() *UnrecoverableGapWarning {
	w := &UnrecoverableGapWarning{Tile: s.Tile, Band: s.Band}
	for idx := 0; idx < s.Width*s.Height; idx++ {
		missing := 0
		for _, m := range s.members {
			if raster.IsNoData(m.Grid.Data[idx]) {
				missing++
			}
		}
		switch missing {
		case 0:
			continue
		case len(s.members):
			w.EmptySeries++
		default:
			w.EdgeMissing += int64(missing)
		}
		w.Pixels++
	}
	if w.Pixels == 0 {
		return nil
	}
	return w
}
