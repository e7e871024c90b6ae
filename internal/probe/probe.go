package probe

import (
	"context"

	"github.com/hamed0406/regionwatch/internal/domain"
)

// Outcome is the classified result of a single probe.
//
// ResponseTimeMS is probe latency: it runs from just before the request is
// issued until success or failure is known, so on failure paths it includes
// the time spent waiting for the timeout. StatusCode is 0 when no response
// was received.
type Outcome struct {
	Status         domain.Status
	ResponseTimeMS int64
	StatusCode     int
	Reason         string
}

// Checker performs exactly one check for a given target URL. Unreachable
// targets are reported in the Outcome, never as an error.
type Checker interface {
	Check(ctx context.Context, target string) Outcome
}
