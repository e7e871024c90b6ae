package stream

import (
	"fmt"

	"github.com/hamed0406/regionwatch/internal/domain"
)

// Wire field names of a job record.
const (
	FieldURL      = "url"
	FieldTargetID = "targetId"
)

// Fields flattens a job into the key/value record stored in the stream.
func Fields(job domain.CheckJob) map[string]any {
	return map[string]any{
		FieldURL:      job.URL,
		FieldTargetID: string(job.TargetID),
	}
}

// FromFields rebuilds a job from a stream record.
func FromFields(entryID string, values map[string]any) (domain.CheckJob, error) {
	url, _ := values[FieldURL].(string)
	tid, _ := values[FieldTargetID].(string)
	if url == "" || tid == "" {
		return domain.CheckJob{}, fmt.Errorf("stream: entry %s: malformed record %v", entryID, values)
	}
	return domain.CheckJob{EntryID: entryID, URL: url, TargetID: domain.TargetID(tid)}, nil
}
