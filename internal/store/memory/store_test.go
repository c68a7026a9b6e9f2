package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newJob(t jobs.Type, path string, prio int) jobs.NewJob {
	return jobs.NewJob{Type: t, RelativePath: &path, Priority: prio, MaxAttempts: 3, Dedupe: t != jobs.TypeRemove}
}

func TestEnqueue_DedupesLiveJobs(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, created, err := s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "a.jpg", 50))
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "a.jpg", 50))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id, again)

	_, created, err = s.EnqueueJob(ctx, newJob(jobs.TypeAnalysis, "a.jpg", 90))
	require.NoError(t, err)
	require.True(t, created)

	all, err := s.ListJobs(ctx, jobs.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestClaim_PriorityThenAge(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := New(WithClock(c.now))

	_, _, _ = s.EnqueueJob(ctx, newJob(jobs.TypeAnalysis, "a.jpg", 90))
	c.advance(time.Second)
	_, _, _ = s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "b.mp4", 55))
	c.advance(time.Second)
	_, _, _ = s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "c.jpg", 50))
	c.advance(time.Second)
	_, _, _ = s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "d.jpg", 50))

	var order []string
	for {
		j, err := s.ClaimJob(ctx)
		if errors.Is(err, jobs.ErrNoJob) {
			break
		}
		require.NoError(t, err)
		require.Equal(t, jobs.StatusRunning, j.Status)
		require.NotNil(t, j.LastHeartbeat)
		order = append(order, j.Path())
	}
	require.Equal(t, []string{"c.jpg", "d.jpg", "b.mp4", "a.jpg"}, order)
}

func TestEnqueue_SupersedesCancelLiveRows(t *testing.T) {
	ctx := context.Background()
	s := New()

	ingestID, _, err := s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "a.jpg", 50))
	require.NoError(t, err)
	otherID, _, err := s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "b.jpg", 50))
	require.NoError(t, err)

	rm := newJob(jobs.TypeRemove, "a.jpg", 0)
	rm.Supersedes = []jobs.Type{jobs.TypeIngest, jobs.TypeAnalysis}
	_, created, err := s.EnqueueJob(ctx, rm)
	require.NoError(t, err)
	require.True(t, created)

	st, err := s.JobStatus(ctx, ingestID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCancelled, st)

	st, err = s.JobStatus(ctx, otherID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusQueued, st)
}

func TestRetryJob_NotClaimableUntilDue(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := New(WithClock(c.now))

	_, _, _ = s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "a.jpg", 50))
	j, err := s.ClaimJob(ctx)
	require.NoError(t, err)

	require.NoError(t, s.RetryJob(ctx, j.ID, 1, 20*time.Second, "boom"))
	_, err = s.ClaimJob(ctx)
	require.ErrorIs(t, err, jobs.ErrNoJob)

	c.advance(20 * time.Second)
	again, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, again.Attempts)
	require.Equal(t, "boom", *again.LastError)
}

func TestReclaimStaleJobs(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := New(WithClock(c.now))

	_, _, _ = s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "a.jpg", 50))
	j, err := s.ClaimJob(ctx)
	require.NoError(t, err)

	c.advance(time.Minute)
	n, err := s.ReclaimStaleJobs(ctx, 4*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	c.advance(5 * time.Minute)
	n, err = s.ReclaimStaleJobs(ctx, 4*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	again, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.Equal(t, j.ID, again.ID)
	require.Equal(t, j.Attempts, again.Attempts)
}

func TestDeadLetterJob_MovesRow(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _, _ = s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "a.jpg", 50))
	j, err := s.ClaimJob(ctx)
	require.NoError(t, err)

	require.NoError(t, s.DeadLetterJob(ctx, j, 3, "broken file"))

	_, err = s.JobStatus(ctx, j.ID)
	require.ErrorIs(t, err, jobs.ErrNotFound)

	failures, err := s.ListFailures(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, j.ID, failures[0].JobID)
	require.Equal(t, 3, failures[0].Attempts)
}

func TestPurgeCancelledJobs(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := New(WithClock(c.now))

	id, _, _ := s.EnqueueJob(ctx, newJob(jobs.TypeIngest, "a.jpg", 50))
	rm := newJob(jobs.TypeRemove, "a.jpg", 0)
	rm.Supersedes = []jobs.Type{jobs.TypeIngest}
	_, _, _ = s.EnqueueJob(ctx, rm)

	c.advance(2 * time.Hour)
	n, err := s.PurgeCancelledJobs(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.JobStatus(ctx, id)
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InTx(ctx, func(tx library.Tx) error {
		require.NoError(t, tx.InsertMediaItem(ctx, &library.MediaItem{ID: "abc", RelativePath: "a.jpg"}))
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.MediaItemByPath(ctx, "a.jpg")
	require.ErrorIs(t, err, library.ErrNotFound)
}

func TestAddAlbumMediaItem_SecondAttachIsNoop(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InTx(ctx, func(tx library.Tx) error {
		if _, err := tx.CreateAlbum(ctx, &library.Album{ID: "al", UserID: 1, Name: "Trip"}); err != nil {
			return err
		}
		return tx.InsertMediaItem(ctx, &library.MediaItem{ID: "m1", RelativePath: "x/a.jpg", UserID: 1})
	}))

	for i, want := range []bool{true, false} {
		require.NoError(t, s.InTx(ctx, func(tx library.Tx) error {
			added, err := tx.AddAlbumMediaItem(ctx, "al", "m1")
			require.Equal(t, want, added, "attempt %d", i)
			return err
		}))
	}

	items, err := s.AlbumMediaItems(ctx, "al")
	require.NoError(t, err)
	require.Len(t, items, 1)

	it, err := s.MediaItemByPathStem(ctx, "x", "a")
	require.NoError(t, err)
	require.Equal(t, "m1", it.ID)
}
