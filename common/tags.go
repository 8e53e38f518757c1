package common

// Record tags
const (
	TagProcessingDate = "processingDate"
	TagGapFillRun     = "gapfillRun"
	TagTile           = "tile"
)
