// Package jobs defines the queued unit of work shared by the enqueue service,
// the claim loop and every handler: job types, statuses, typed payloads,
// priorities, retry backoff and the persistence contract.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Type identifies which handler consumes a job.
type Type string

const (
	TypeIngest          Type = "ingest"
	TypeAnalysis        Type = "analysis"
	TypeRemove          Type = "remove"
	TypeScan            Type = "scan"
	TypeCleanDB         Type = "clean_db"
	TypeClusterFaces    Type = "cluster_faces"
	TypeClusterPhotos   Type = "cluster_photos"
	TypeImportAlbum     Type = "import_album"
	TypeImportAlbumItem Type = "import_album_item"
)

// AllTypes lists every job type in priority order.
var AllTypes = []Type{
	TypeRemove,
	TypeScan,
	TypeCleanDB,
	TypeImportAlbumItem,
	TypeImportAlbum,
	TypeClusterFaces,
	TypeClusterPhotos,
	TypeIngest,
	TypeAnalysis,
}

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType converts a stored or user supplied string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", s)
	}
	return t, nil
}

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	// StatusFailed marks a job whose last run errored and which is waiting
	// for its backoff to elapse. It becomes claimable again at RunAt.
	StatusFailed    Status = "failed"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// LiveStatuses are the statuses that count towards deduplication.
var LiveStatuses = []Status{StatusQueued, StatusRunning, StatusFailed}

// Live reports whether s still occupies the (path, type) slot.
func (s Status) Live() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusFailed
}

var (
	// ErrNoJob is returned by Store.ClaimJob when nothing is eligible.
	ErrNoJob = errors.New("jobs: no job available")
	// ErrNotFound is returned when a job row no longer exists.
	ErrNotFound = errors.New("jobs: job not found")
)

// Job is a claimed or listed row of the live queue.
type Job struct {
	ID                 int64
	Type               Type
	RelativePath       *string
	UserID             *int64
	Payload            Payload
	Priority           int
	Status             Status
	Attempts           int
	MaxAttempts        int
	DependencyAttempts int
	LastHeartbeat      *time.Time
	RunAt              time.Time
	LastError          *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Path returns the media-root relative path or "" when the job has none.
func (j *Job) Path() string {
	if j == nil || j.RelativePath == nil {
		return ""
	}
	return *j.RelativePath
}

// User returns the owning user id or 0.
func (j *Job) User() int64 {
	if j == nil || j.UserID == nil {
		return 0
	}
	return *j.UserID
}

// LogAttrs returns the slog key/value pairs used when logging about j.
func (j *Job) LogAttrs() []any {
	return []any{
		"job_id", j.ID,
		"job_type", string(j.Type),
		"relative_path", j.Path(),
		"attempts", j.Attempts,
	}
}

// Failure is a dead-lettered job kept for operator inspection.
type Failure struct {
	ID           int64
	JobID        int64
	Type         Type
	RelativePath *string
	UserID       *int64
	Payload      Payload
	Attempts     int
	Error        string
	FailedAt     time.Time
}
