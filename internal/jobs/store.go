package jobs

import (
	"context"
	"time"
)

// NewJob is an insert request built by the enqueue service.
type NewJob struct {
	Type         Type
	RelativePath *string
	UserID       *int64
	Payload      []byte
	Priority     int
	MaxAttempts  int
	// Dedupe skips the insert when a live job with the same path, type and
	// payload already exists.
	Dedupe bool
	// Supersedes lists job types whose live rows for RelativePath are
	// cancelled before the insert.
	Supersedes []Type
}

// ListOptions filters ListJobs.
type ListOptions struct {
	Status *Status
	Type   *Type
	Limit  int
	Offset int
}

// Store is the persisted queue. Every method is a single atomic operation
// against one job row, except EnqueueJob which also touches the rows it
// supersedes.
type Store interface {
	// EnqueueJob inserts j. created is false when deduplication skipped it.
	EnqueueJob(ctx context.Context, j NewJob) (id int64, created bool, err error)

	// ClaimJob moves the next eligible job to Running and returns it.
	// Returns ErrNoJob when nothing is claimable.
	ClaimJob(ctx context.Context) (*Job, error)

	// HeartbeatJob refreshes last_heartbeat. running is false when the row
	// is gone or no longer Running.
	HeartbeatJob(ctx context.Context, id int64) (running bool, err error)

	// JobStatus returns the current status or ErrNotFound.
	JobStatus(ctx context.Context, id int64) (Status, error)

	// CompleteJob removes a finished (done or cancelled) job from the live queue.
	CompleteJob(ctx context.Context, id int64) error

	// RetryJob records a failed run and makes the job claimable after delay.
	RetryJob(ctx context.Context, id int64, attempts int, delay time.Duration, lastErr string) error

	// DeferJob requeues a job whose dependency is not ready yet.
	DeferJob(ctx context.Context, id int64, dependencyAttempts int, delay time.Duration) error

	// DeadLetterJob records j in the failures table and deletes it from the
	// live queue in one transaction.
	DeadLetterJob(ctx context.Context, j *Job, attempts int, errMsg string) error

	// ReclaimStaleJobs requeues Running jobs whose heartbeat is older than threshold.
	ReclaimStaleJobs(ctx context.Context, threshold time.Duration) (int64, error)

	// PurgeCancelledJobs deletes Cancelled rows last updated before retention.
	PurgeCancelledJobs(ctx context.Context, retention time.Duration) (int64, error)

	ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error)
	ListFailures(ctx context.Context, limit, offset int) ([]*Failure, error)
}

// Waiter is implemented by stores that can signal new work. The channel
// receives after an enqueue and is closed when ctx ends.
type Waiter interface {
	WaitForJobs(ctx context.Context) <-chan struct{}
}
