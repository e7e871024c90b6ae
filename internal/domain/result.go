package domain

import "time"

type Status string

const (
	StatusUp      Status = "Up"
	StatusDown    Status = "Down"
	StatusUnknown Status = "Unknown"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUp, StatusDown, StatusUnknown:
		return true
	}
	return false
}

// CheckResult is an immutable record of one probe of one target from one
// region. ID and ObservedAt are assigned by the store when left zero.
type CheckResult struct {
	ID             int64     `json:"id"`
	TargetID       TargetID  `json:"target_id"`
	RegionID       RegionID  `json:"region_id"`
	Status         Status    `json:"status"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	StatusCode     int       `json:"status_code,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}
