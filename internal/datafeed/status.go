package datafeed

// Status is the outcome of a scrape.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Outcome collapses s to the harness boundary: SUCCEEDED or FAILED.
func (s Status) Outcome() Status {
	switch s {
	case StatusSucceeded, StatusCompleted:
		return StatusSucceeded
	default:
		return StatusFailed
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSucceeded, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }
