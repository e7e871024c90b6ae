package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/regionwatch/internal/domain"
	"github.com/hamed0406/regionwatch/internal/stream"
)

func newStream(t *testing.T, opts ...Option) (*Stream, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts = append([]Option{WithBlock(0)}, opts...)
	return New(client, opts...), mr
}

func jobs(n int) []domain.CheckJob {
	out := make([]domain.CheckJob, n)
	for i := range out {
		out[i] = domain.CheckJob{
			URL:      fmt.Sprintf("https://t%d.example", i),
			TargetID: domain.TargetID(fmt.Sprint(i + 1)),
		}
	}
	return out
}

func entryIDs(js []domain.CheckJob) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.EntryID
	}
	return out
}

func TestAppendBatch_WritesFlatRecords(t *testing.T) {
	s, mr := newStream(t)
	ctx := context.Background()

	ids, err := s.AppendBatch(ctx, jobs(2))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.NotEmpty(t, ids[0])
	require.NotEqual(t, ids[0], ids[1])

	entries, err := mr.Stream(DefaultKey)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []string{stream.FieldURL, "https://t0.example", stream.FieldTargetID, "1"}, sortedPairs(entries[0].Values))
}

// sortedPairs puts url first so the assertion does not depend on map order.
func sortedPairs(values []string) []string {
	m := map[string]string{}
	for i := 0; i+1 < len(values); i += 2 {
		m[values[i]] = values[i+1]
	}
	return []string{stream.FieldURL, m[stream.FieldURL], stream.FieldTargetID, m[stream.FieldTargetID]}
}

func TestAppendBatch_Empty(t *testing.T) {
	s, _ := newStream(t)
	ids, err := s.AppendBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestAppend_ReportsTransportErrors(t *testing.T) {
	s, mr := newStream(t)
	mr.Close()

	_, err := s.Append(context.Background(), jobs(1)[0])
	require.Error(t, err)

	ids, err := s.AppendBatch(context.Background(), jobs(3))
	require.Error(t, err)
	require.Equal(t, []string{"", "", ""}, ids)
}

func TestFanOutAndAck(t *testing.T) {
	s, _ := newStream(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "us-east"))
	require.NoError(t, s.EnsureGroup(ctx, "eu-west"))
	require.NoError(t, s.EnsureGroup(ctx, "us-east")) // BUSYGROUP is not an error

	appended, err := s.AppendBatch(ctx, jobs(3))
	require.NoError(t, err)

	for _, g := range []string{"us-east", "eu-west"} {
		got, err := s.ReadNext(ctx, g, "w1", 10)
		require.NoError(t, err)
		require.Equal(t, appended, entryIDs(got), "group %s", g)
		require.Equal(t, "https://t0.example", got[0].URL)
		require.Equal(t, domain.TargetID("1"), got[0].TargetID)
	}

	n, err := s.Ack(ctx, "us-east", appended...)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	// idempotent
	n, err = s.Ack(ctx, "us-east", appended...)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	pending, err := s.Pending(ctx, "us-east")
	require.NoError(t, err)
	require.Zero(t, pending)
	pending, err = s.Pending(ctx, "eu-west")
	require.NoError(t, err)
	require.EqualValues(t, 3, pending)
}

func TestReadNext_UnknownGroup(t *testing.T) {
	s, _ := newStream(t)
	ctx := context.Background()
	_, err := s.Append(ctx, jobs(1)[0])
	require.NoError(t, err)

	_, err = s.ReadNext(ctx, "missing", "w1", 1)
	require.True(t, errors.Is(err, stream.ErrGroupNotFound), "got %v", err)
}

func TestReadNext_EmptyIsNotAnError(t *testing.T) {
	s, _ := newStream(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "g"))

	got, err := s.ReadNext(ctx, "g", "w1", 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRedelivery_ToAnotherConsumer(t *testing.T) {
	s, _ := newStream(t, WithClaimIdle(10*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "g"))
	appended, err := s.AppendBatch(ctx, jobs(3))
	require.NoError(t, err)

	got, err := s.ReadNext(ctx, "g", "crashed", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	_, err = s.Ack(ctx, "g", appended[0], appended[1])
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	re, err := s.ReadNext(ctx, "g", "survivor", 3)
	require.NoError(t, err)
	require.Equal(t, []string{appended[2]}, entryIDs(re))
}

func TestConcurrentReaders_NoDoubleClaim(t *testing.T) {
	s, _ := newStream(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "g"))
	_, err := s.AppendBatch(ctx, jobs(60))
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		consumer := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.ReadNext(ctx, "g", consumer, 5)
				if err != nil || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, j := range got {
					if prev, dup := seen[j.EntryID]; dup {
						t.Errorf("entry %s delivered to %s and %s", j.EntryID, prev, consumer)
					}
					seen[j.EntryID] = consumer
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 60)
}

func TestMalformedEntryIsDropped(t *testing.T) {
	s, mr := newStream(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "g"))

	_, err := mr.XAdd(DefaultKey, "*", []string{"garbage", "1"})
	require.NoError(t, err)
	good, err := s.Append(ctx, jobs(1)[0])
	require.NoError(t, err)

	got, err := s.ReadNext(ctx, "g", "w1", 10)
	require.NoError(t, err)
	require.Equal(t, []string{good}, entryIDs(got))

	pending, err := s.Pending(ctx, "g")
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)
}
