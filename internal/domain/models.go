package domain

import "time"

type TargetID string

type RegionID string

// Target is a URL under monitoring. ID is immutable; a changed URL is treated
// as a new logical target by jobs already in flight.
type Target struct {
	ID        TargetID  `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Region is static reference data. Its ID doubles as the consumer group name.
type Region struct {
	ID   RegionID `json:"id"`
	Name string   `json:"name"`
}

// CheckJob is one stream record. EntryID is assigned by the stream on append.
type CheckJob struct {
	EntryID  string   `json:"entry_id"`
	URL      string   `json:"url"`
	TargetID TargetID `json:"target_id"`
}
