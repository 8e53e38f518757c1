package common

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	ResultTypeScene     = "scene"     // masking of one scene
	ResultTypeComposite = "composite" // quarterly composite of one tile and one band
	ResultTypeStack     = "stack"     // gap-filling of the time series of one tile and one band
)

// Positions of the members of a stack along the time axis
const (
	PositionsIndex   = "index"   // position in the stack
	PositionsQuarter = "quarter" // ordinal of the quarter (gaps in the list of quarters are taken into account)
)

// Fallbacks to fill the values that cannot be interpolated
const (
	FallbackNone       = ""
	FallbackPixelMean  = "pixel_mean"
	FallbackRasterMean = "raster_mean"
)

// Unit identifies a processing unit of a run
type Unit struct {
	ID   int    `json:"id"`
	Run  string `json:"run"`
	Zone string `json:"zone"`
	Tile string `json:"tile"`
}

// SceneRef references an acquisition of a tile
type SceneRef struct {
	SourceID string    `json:"source_id"`
	Date     time.Time `json:"date"`
}

// SceneToMask is the payload of a masking job
type SceneToMask struct {
	Unit
	Scene        SceneRef          `json:"scene"`
	MaskerConfig map[string]string `json:"masker_config,omitempty"`
	ExportLayers bool              `json:"export_layers,omitempty"` // Also export the intermediate layers of the masker
}

// QuarterToCompose is the payload of a compositing job
type QuarterToCompose struct {
	Unit
	Quarter Quarter    `json:"quarter"`
	Band    string     `json:"band"`
	Scenes  []SceneRef `json:"scenes"`
}

// Job is the envelope of the messages of the job queue
type Job struct {
	Type    string          `json:"type"` // ResultTypeScene, ResultTypeComposite or ResultTypeStack
	Payload json.RawMessage `json:"payload"`
}

// NewJob marshals the payload of a job of the given type
func NewJob(jobType string, payload interface{}) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("NewJob: %w", err)
	}
	return json.Marshal(Job{Type: jobType, Payload: p})
}

// Name of the unit
func (s SceneToMask) Name() string {
	return s.Scene.SourceID
}

// Name of the unit
func (q QuarterToCompose) Name() string {
	return fmt.Sprintf("%s_%s", q.Band, q.Quarter)
}

// Name of the unit
func (s StackToFill) Name() string {
	if len(s.Quarters) == 0 {
		return s.Band
	}
	return fmt.Sprintf("%s_%s_%s", s.Band, s.Quarters[0], s.Quarters[len(s.Quarters)-1])
}

// IndexAttrs defines how the outputs are indexed in the Geocube
type IndexAttrs struct {
	InstanceID string            `json:"instance_id"`
	RecordsID  map[string]string `json:"records_id"` // Quarter (YYYY_QNN) => RecordID
}

// StackToFill is the payload of a gap-filling job
type StackToFill struct {
	Unit
	Band      string      `json:"band"`
	Quarters  []Quarter   `json:"quarters"`
	Positions string      `json:"positions,omitempty"` // PositionsIndex (default) or PositionsQuarter
	Fallback  string      `json:"fallback,omitempty"`  // FallbackNone (default), FallbackPixelMean, FallbackRasterMean
	Int16     bool        `json:"int16,omitempty"`     // Output scaled by 10000 and encoded as int16
	Index     *IndexAttrs `json:"index,omitempty"`     // Index outputs in the Geocube
}

// GapStats sums up the gaps of a stack
type GapStats struct {
	Values      int64 `json:"values"`       // Number of values in the stack
	Missing     int64 `json:"missing"`      // Missing values before filling
	Filled      int64 `json:"filled"`       // Values filled by interpolation
	EdgeMissing int64 `json:"edge_missing"` // Values missing at the start or at the end of their series
	EmptySeries int64 `json:"empty_series"` // Pixels without any valid value
	Fallback    int64 `json:"fallback"`     // Values filled by the fallback
	Remaining   int64 `json:"remaining"`    // Values still missing in the output
}

// Result is the event published at the end of a job
type Result struct {
	Unit
	Type    string    `json:"type"` // ResultTypeScene, ResultTypeComposite or ResultTypeStack
	Name    string    `json:"name"` // SourceID of the scene or band_quarter(s)
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	Stats   *GapStats `json:"stats,omitempty"`
}

// Value implements the driver.Value interface
func (a GapStats) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements the sql.Scanner interface.
func (a *GapStats) Scan(value interface{}) error {
	if value == nil {
		*a = GapStats{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, &a)
}
