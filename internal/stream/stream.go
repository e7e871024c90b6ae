// Package stream defines the durable, ordered log that carries check jobs
// from the dispatcher to regional workers.
//
// Each consumer group owns an independent cursor and pending set over the
// same log, so every group sees every entry once (fan-out), while members of
// one group split the entries between them (no entry is handed to two
// members of a group at the same time).
package stream

import (
	"context"
	"errors"

	"github.com/hamed0406/regionwatch/internal/domain"
)

var ErrGroupNotFound = errors.New("stream: consumer group not found")

type Stream interface {
	// Append records one job and returns its entry id. Ids are strictly
	// increasing within the stream. Append never waits on consumers.
	Append(ctx context.Context, job domain.CheckJob) (string, error)

	// AppendBatch appends jobs in one round trip. The returned ids are
	// aligned with jobs; a failed slot holds "" and its error is part of the
	// returned multierr aggregate.
	AppendBatch(ctx context.Context, jobs []domain.CheckJob) ([]string, error)

	// EnsureGroup creates the group positioned at the start of the stream.
	// It is a no-op when the group already exists.
	EnsureGroup(ctx context.Context, group string) error

	// ReadNext returns up to count entries for group and marks them pending
	// under consumer. Pending entries idle longer than the stream's claim
	// timeout are surfaced first and transferred to consumer; the rest are
	// entries no member of the group has seen yet. An empty result is not an
	// error.
	ReadNext(ctx context.Context, group, consumer string, count int) ([]domain.CheckJob, error)

	// Ack removes ids from the group's pending set and reports how many were
	// removed. Unknown or already acknowledged ids are ignored.
	Ack(ctx context.Context, group string, ids ...string) (int64, error)

	// Pending is the size of the group's pending set.
	Pending(ctx context.Context, group string) (int64, error)

	// Backlog is the largest pending + undelivered count across groups.
	Backlog(ctx context.Context) (int64, error)
}
