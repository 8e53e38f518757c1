package common

//go:generate enumer -json -sql -type Status -trimprefix Status

// Status of a processing unit (scene, composite or stack)
type Status int

const (
	StatusNEW Status = iota
	StatusPENDING
	StatusDONE
	StatusFAILED
	StatusRETRY
	StatusINCOMPLETE // Done, but some pixels could not be filled
)

func (s Status) Color() string {
	switch s {
	case StatusNEW:
		return "gray"
	case StatusPENDING:
		return "blue"
	case StatusRETRY:
		return "orange"
	case StatusDONE:
		return "green"
	case StatusINCOMPLETE:
		return "yellow"
	case StatusFAILED:
		return "red"
	}
	return "white"
}

// Finished returns true if the unit will not be processed anymore
func (s Status) Finished() bool {
	return s == StatusDONE || s == StatusINCOMPLETE || s == StatusFAILED
}
