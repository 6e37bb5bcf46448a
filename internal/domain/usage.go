package domain

import "time"

// UsageLog records what a finished job consumed. RemovalCalls counts billable
// requests to the background-removal service.
type UsageLog struct {
	UserID         string
	JobID          string
	Composites     int
	PixelsRendered int64
	RemovalCalls   int
	ComputeTimeMS  int64
	CreatedAt      time.Time
}
