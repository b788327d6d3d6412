package store

import (
	"context"
	"errors"

	"github.com/me/jobpool/pkg/model"
)

var (
	// ErrConflict is returned when a guarded statement matched no rows: another
	// writer changed the row first. The caller re-reads and re-decides.
	ErrConflict = errors.New("store: concurrent update conflict")

	// ErrStoreUnavailable is returned once the lock retry ceiling is exhausted.
	ErrStoreUnavailable = errors.New("store: unavailable")
)

// Store defines the persistence layer for files, jobs, submissions and requests.
type Store interface {
	// Files
	AddFile(ctx context.Context, f *model.File) (int64, error)
	GetFile(ctx context.Context, id int64) (*model.File, error)
	GetFileByName(ctx context.Context, filename string) (*model.File, error)
	ListFiles(ctx context.Context, statuses ...model.FileStatus) ([]*model.File, error)
	ListUngroupedFiles(ctx context.Context) ([]*model.File, error)
	ListGroupedFiles(ctx context.Context) ([]*model.File, error)

	// Jobs
	CreateJob(ctx context.Context, fileIDs []int64) (*model.Job, error)
	GetJob(ctx context.Context, id int64) (*model.Job, error)
	ListJobs(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error)
	ListJobFiles(ctx context.Context, jobID int64) ([]*model.File, error)
	CountJobsByStatus(ctx context.Context) (model.JobSummary, error)

	// Submissions
	ListSubmits(ctx context.Context, jobID int64) ([]*model.JobSubmit, error)
	ActiveSubmit(ctx context.Context, jobID int64) (*model.JobSubmit, error)
	CountFailedSubmits(ctx context.Context, jobID int64) (int, error)
	CountInFlight(ctx context.Context) (int, error)
	ListOrphanedSubmits(ctx context.Context) ([]*model.JobSubmit, error)
	ListUnattachedSubmits(ctx context.Context) ([]*model.JobSubmit, error)

	// Requests
	CreateRequest(ctx context.Context, r *model.Request) (int64, error)
	ListRequests(ctx context.Context, statuses ...model.RequestStatus) ([]*model.Request, error)
	UpdateRequestStatus(ctx context.Context, guid string, status model.RequestStatus, details string) error

	// Lifecycle transitions. Each is one atomic batch guarded on the current
	// status, returning ErrConflict when the guard no longer holds.
	BeginSubmit(ctx context.Context, jobID int64, outputDir string) (*model.JobSubmit, error)
	RecordSubmit(ctx context.Context, sub *model.JobSubmit, queueID string) error
	RecordSubmitFailure(ctx context.Context, sub *model.JobSubmit, details string) error
	AbandonSubmit(ctx context.Context, sub *model.JobSubmit, prev model.JobStatus) error
	MarkProcessing(ctx context.Context, jobID int64) error
	FinishSubmit(ctx context.Context, sub *model.JobSubmit, hadErrors bool, details string) error
	RetryJob(ctx context.Context, jobID int64, details string) error
	TerminalFailJob(ctx context.Context, jobID int64, details string) ([]*model.File, error)
	KillJob(ctx context.Context, jobID int64, details string) ([]*model.File, error)
	StopJob(ctx context.Context, jobID int64, force bool, details string) error
	CloseSubmit(ctx context.Context, submitID int64, status model.SubmitStatus, details string) error
	MarkUploaded(ctx context.Context, jobID int64, details string) ([]*model.File, error)

	// Raw access
	ExecBatch(ctx context.Context, stmts ...Statement) error
	Insert(ctx context.Context, stmt Statement) (int64, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
