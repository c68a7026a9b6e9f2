// Package memory is an in-process implementation of jobs.Store and
// library.Store used by tests and single-binary development runs.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
)

var (
	_ jobs.Store    = (*Store)(nil)
	_ jobs.Waiter   = (*Store)(nil)
	_ library.Store = (*Store)(nil)
)

type jobRow struct {
	job     jobs.Job
	payload []byte
}

// Store keeps the queue and the library in maps. Queue operations and
// library operations use separate locks so a library transaction may check
// a job's status.
type Store struct {
	now func() time.Time

	mu        sync.Mutex
	jobs      map[int64]*jobRow
	failures  []*jobs.Failure
	nextJobID int64
	nextFail  int64
	waiters   []chan struct{}

	libMu sync.Mutex
	lib   *libraryState
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, letting tests move run_at deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:  time.Now,
		jobs: make(map[int64]*jobRow),
		lib:  newLibraryState(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) EnqueueJob(_ context.Context, nj jobs.NewJob) (int64, bool, error) {
	payload, err := jobs.DecodePayload(nj.Type, nj.Payload)
	if err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if nj.RelativePath != nil && len(nj.Supersedes) > 0 {
		for _, r := range s.jobs {
			if r.job.RelativePath == nil || *r.job.RelativePath != *nj.RelativePath {
				continue
			}
			if !r.job.Status.Live() || !slices.Contains(nj.Supersedes, r.job.Type) {
				continue
			}
			r.job.Status = jobs.StatusCancelled
			r.job.UpdatedAt = now
		}
	}

	if nj.Dedupe {
		for _, r := range s.jobs {
			if r.job.Type != nj.Type || !r.job.Status.Live() {
				continue
			}
			if !samePath(r.job.RelativePath, nj.RelativePath) || !bytes.Equal(r.payload, nj.Payload) {
				continue
			}
			return r.job.ID, false, nil
		}
	}

	s.nextJobID++
	row := &jobRow{
		job: jobs.Job{
			ID:           s.nextJobID,
			Type:         nj.Type,
			RelativePath: cloneString(nj.RelativePath),
			UserID:       cloneInt(nj.UserID),
			Payload:      payload,
			Priority:     nj.Priority,
			Status:       jobs.StatusQueued,
			MaxAttempts:  nj.MaxAttempts,
			RunAt:        now,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		payload: slices.Clone(nj.Payload),
	}
	s.jobs[row.job.ID] = row
	s.signalLocked()
	return row.job.ID, true, nil
}

func (s *Store) ClaimJob(_ context.Context) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var candidates []*jobRow
	for _, r := range s.jobs {
		if r.job.Status != jobs.StatusQueued && r.job.Status != jobs.StatusFailed {
			continue
		}
		if r.job.RunAt.After(now) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, jobs.ErrNoJob
	}
	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i].job, candidates[k].job
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	r := candidates[0]
	r.job.Status = jobs.StatusRunning
	hb := now
	r.job.LastHeartbeat = &hb
	r.job.UpdatedAt = now
	return copyJob(&r.job), nil
}

func (s *Store) HeartbeatJob(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok || r.job.Status != jobs.StatusRunning {
		return false, nil
	}
	now := s.now()
	r.job.LastHeartbeat = &now
	return true, nil
}

func (s *Store) JobStatus(_ context.Context, id int64) (jobs.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return "", jobs.ErrNotFound
	}
	return r.job.Status, nil
}

func (s *Store) CompleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *Store) RetryJob(_ context.Context, id int64, attempts int, delay time.Duration, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if r.job.Status != jobs.StatusRunning {
		return nil
	}
	now := s.now()
	r.job.Status = jobs.StatusFailed
	r.job.Attempts = attempts
	r.job.RunAt = now.Add(delay)
	r.job.LastHeartbeat = nil
	r.job.LastError = &lastErr
	r.job.UpdatedAt = now
	return nil
}

func (s *Store) DeferJob(_ context.Context, id int64, dependencyAttempts int, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if r.job.Status != jobs.StatusRunning {
		return nil
	}
	now := s.now()
	r.job.Status = jobs.StatusQueued
	r.job.DependencyAttempts = dependencyAttempts
	r.job.RunAt = now.Add(delay)
	r.job.LastHeartbeat = nil
	r.job.UpdatedAt = now
	return nil
}

func (s *Store) DeadLetterJob(_ context.Context, j *jobs.Job, attempts int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFail++
	s.failures = append(s.failures, &jobs.Failure{
		ID:           s.nextFail,
		JobID:        j.ID,
		Type:         j.Type,
		RelativePath: cloneString(j.RelativePath),
		UserID:       cloneInt(j.UserID),
		Payload:      j.Payload,
		Attempts:     attempts,
		Error:        errMsg,
		FailedAt:     s.now(),
	})
	delete(s.jobs, j.ID)
	return nil
}

func (s *Store) ReclaimStaleJobs(_ context.Context, threshold time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-threshold)
	var n int64
	for _, r := range s.jobs {
		if r.job.Status != jobs.StatusRunning {
			continue
		}
		if r.job.LastHeartbeat != nil && r.job.LastHeartbeat.After(cutoff) {
			continue
		}
		r.job.Status = jobs.StatusQueued
		r.job.LastHeartbeat = nil
		r.job.UpdatedAt = now
		n++
	}
	if n > 0 {
		s.signalLocked()
	}
	return n, nil
}

func (s *Store) PurgeCancelledJobs(_ context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	var n int64
	for id, r := range s.jobs {
		if r.job.Status == jobs.StatusCancelled && !r.job.UpdatedAt.After(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListJobs(_ context.Context, opts jobs.ListOptions) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*jobs.Job, 0, len(s.jobs))
	for _, r := range s.jobs {
		if opts.Status != nil && r.job.Status != *opts.Status {
			continue
		}
		if opts.Type != nil && r.job.Type != *opts.Type {
			continue
		}
		out = append(out, copyJob(&r.job))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		return out[i].ID < out[k].ID
	})
	return page(out, opts.Limit, opts.Offset), nil
}

func (s *Store) ListFailures(_ context.Context, limit, offset int) ([]*jobs.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*jobs.Failure, 0, len(s.failures))
	for i := len(s.failures) - 1; i >= 0; i-- {
		f := *s.failures[i]
		out = append(out, &f)
	}
	return page(out, limit, offset), nil
}

// WaitForJobs returns a channel that receives once per enqueue.
func (s *Store) WaitForJobs(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (s *Store) signalLocked() {
	for _, w := range s.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func copyJob(j *jobs.Job) *jobs.Job {
	cp := *j
	cp.RelativePath = cloneString(j.RelativePath)
	cp.UserID = cloneInt(j.UserID)
	if j.LastHeartbeat != nil {
		hb := *j.LastHeartbeat
		cp.LastHeartbeat = &hb
	}
	if j.LastError != nil {
		e := *j.LastError
		cp.LastError = &e
	}
	return &cp
}

func samePath(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
