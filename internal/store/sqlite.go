package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/jobpool/internal/logging"
	"github.com/me/jobpool/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	retry  RetryPolicy
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Option configures optional SQLiteStore behaviour.
type Option func(*SQLiteStore)

// WithRetryPolicy replaces the lock retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *SQLiteStore) {
		s.retry = p
	}
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: in-memory databases are per-connection, and SQLite
	// serializes writers anyway. Other processes coordinate through file locks.
	db.SetMaxOpenConns(1)

	// Enable WAL mode so the download and upload processes can read while we write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logging.For(logger, "store"),
		retry:  DefaultRetryPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return s.retry.Do(ctx, s.logger, "migrate", func() error {
		return migrate(ctx, s.db)
	})
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// query runs stmt and hands every row to scan. Query and scan happen inside
// one retried attempt so a lock error mid-iteration restarts cleanly.
func (s *SQLiteStore) query(ctx context.Context, op string, stmt Statement, reset func(), scan func(*sql.Rows) error) error {
	return s.retry.Do(ctx, s.logger, op, func() error {
		reset()
		rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// queryRow runs a single-row query. sql.ErrNoRows is passed through.
func (s *SQLiteStore) queryRow(ctx context.Context, op string, stmt Statement, dest ...any) error {
	return s.retry.Do(ctx, s.logger, op, func() error {
		return s.db.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(dest...)
	})
}

// --- Files ---

const fileColumns = `id, filename, remote_filename, status, size, details, created_at, updated_at`

func scanFile(row interface{ Scan(...any) error }) (*model.File, error) {
	var f model.File
	var status, createdAt, updatedAt string
	if err := row.Scan(&f.ID, &f.Filename, &f.RemoteFilename, &status, &f.Size, &f.Details, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.Status = model.FileStatus(status)
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

func (s *SQLiteStore) AddFile(ctx context.Context, f *model.File) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "files", "filename", f.Filename)
	if f.Status == "" {
		f.Status = model.FileStatusNew
	}
	now := s.timestamp()
	id, err := s.Insert(ctx, Stmt(
		`INSERT INTO files (filename, remote_filename, status, size, details, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Filename, f.RemoteFilename, string(f.Status), f.Size, f.Details, now, now,
	))
	if err != nil {
		return 0, fmt.Errorf("insert file %s: %w", f.Filename, err)
	}
	f.ID = id
	return id, nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, id int64) (*model.File, error) {
	s.logger.Debug("sql", "op", "select", "table", "files", "id", id)
	return s.getFile(ctx, Stmt(`SELECT `+fileColumns+` FROM files WHERE id = ?`, id), fmt.Sprint(id))
}

func (s *SQLiteStore) GetFileByName(ctx context.Context, filename string) (*model.File, error) {
	s.logger.Debug("sql", "op", "select", "table", "files", "filename", filename)
	return s.getFile(ctx, Stmt(`SELECT `+fileColumns+` FROM files WHERE filename = ?`, filename), filename)
}

func (s *SQLiteStore) getFile(ctx context.Context, stmt Statement, key string) (*model.File, error) {
	var f *model.File
	err := s.retry.Do(ctx, s.logger, "select file", func() error {
		var err error
		f, err = scanFile(s.db.QueryRowContext(ctx, stmt.SQL, stmt.Args...))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", key, model.ErrNotFound)
	}
	return f, err
}

func (s *SQLiteStore) ListFiles(ctx context.Context, statuses ...model.FileStatus) ([]*model.File, error) {
	s.logger.Debug("sql", "op", "list", "table", "files", "statuses", statuses)
	stmt := Stmt(`SELECT ` + fileColumns + ` FROM files ORDER BY id`)
	if len(statuses) > 0 {
		in, args := inList(stringList(statuses))
		stmt = Stmt(`SELECT `+fileColumns+` FROM files WHERE status IN `+in+` ORDER BY id`, args...)
	}
	return s.listFiles(ctx, "list files", stmt)
}

// ListUngroupedFiles returns groupable files not yet linked to any job.
func (s *SQLiteStore) ListUngroupedFiles(ctx context.Context) ([]*model.File, error) {
	s.logger.Debug("sql", "op", "list_ungrouped", "table", "files")
	return s.listFiles(ctx, "list ungrouped files", Stmt(
		`SELECT `+fileColumns+` FROM files f
		 WHERE f.status IN (?, ?)
		   AND NOT EXISTS (SELECT 1 FROM job_files jf WHERE jf.file_id = f.id)
		 ORDER BY f.id`,
		string(model.FileStatusDownloaded), string(model.FileStatusAdded),
	))
}

// ListGroupedFiles returns files linked to at least one job.
func (s *SQLiteStore) ListGroupedFiles(ctx context.Context) ([]*model.File, error) {
	s.logger.Debug("sql", "op", "list_grouped", "table", "files")
	return s.listFiles(ctx, "list grouped files", Stmt(
		`SELECT `+fileColumns+` FROM files f
		 WHERE EXISTS (SELECT 1 FROM job_files jf WHERE jf.file_id = f.id)
		 ORDER BY f.id`))
}

func (s *SQLiteStore) listFiles(ctx context.Context, op string, stmt Statement) ([]*model.File, error) {
	var files []*model.File
	err := s.query(ctx, op, stmt, func() { files = nil }, func(rows *sql.Rows) error {
		f, err := scanFile(rows)
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	return files, err
}

// --- Jobs ---

const jobColumns = `id, status, details, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	var status, createdAt, updatedAt string
	if err := row.Scan(&j.ID, &status, &j.Details, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

// CreateJob creates a new job over fileIDs and links the files, atomically.
// It returns ErrConflict if any of the files already belongs to a job.
func (s *SQLiteStore) CreateJob(ctx context.Context, fileIDs []int64) (*model.Job, error) {
	if len(fileIDs) == 0 {
		return nil, errors.New("create job: empty file-set")
	}
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "files", len(fileIDs))

	var job *model.Job
	err := s.withTx(ctx, "create job", func(tx *sql.Tx) error {
		in, args := inList(fileIDs)

		var linked int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM job_files WHERE file_id IN `+in, args...,
		).Scan(&linked); err != nil {
			return err
		}
		if linked > 0 {
			return fmt.Errorf("%w: %d of the files already belong to a job", ErrConflict, linked)
		}

		var found int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM files WHERE status IN (?, ?) AND id IN `+in,
			append([]any{string(model.FileStatusDownloaded), string(model.FileStatusAdded)}, args...)...,
		).Scan(&found); err != nil {
			return err
		}
		if found != len(fileIDs) {
			return fmt.Errorf("%w: %d of %d files missing or not groupable", ErrConflict, len(fileIDs)-found, len(fileIDs))
		}

		now := s.now().UTC()
		ts := now.Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (status, details, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			string(model.JobStatusNew), "", ts, ts,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, fid := range fileIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_files (job_id, file_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
				id, fid, ts, ts,
			); err != nil {
				return err
			}
		}
		job = &model.Job{ID: id, Status: model.JobStatusNew, CreatedAt: now, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)
	var job *model.Job
	err := s.retry.Do(ctx, s.logger, "select job", func() error {
		var err error
		job, err = scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, model.ErrNotFound)
	}
	return job, err
}

// ListJobs returns jobs in creation order, optionally filtered by status.
func (s *SQLiteStore) ListJobs(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "statuses", statuses)
	stmt := Stmt(`SELECT ` + jobColumns + ` FROM jobs ORDER BY id`)
	if len(statuses) > 0 {
		in, args := inList(stringList(statuses))
		stmt = Stmt(`SELECT `+jobColumns+` FROM jobs WHERE status IN `+in+` ORDER BY id`, args...)
	}

	var jobs []*model.Job
	err := s.query(ctx, "list jobs", stmt, func() { jobs = nil }, func(rows *sql.Rows) error {
		j, err := scanJob(rows)
		if err != nil {
			return err
		}
		jobs = append(jobs, j)
		return nil
	})
	return jobs, err
}

func (s *SQLiteStore) ListJobFiles(ctx context.Context, jobID int64) ([]*model.File, error) {
	s.logger.Debug("sql", "op", "list", "table", "job_files", "job_id", jobID)
	return s.listFiles(ctx, "list job files", Stmt(
		`SELECT f.id, f.filename, f.remote_filename, f.status, f.size, f.details, f.created_at, f.updated_at
		 FROM files f JOIN job_files jf ON jf.file_id = f.id
		 WHERE jf.job_id = ? ORDER BY f.id`, jobID,
	))
}

func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (model.JobSummary, error) {
	s.logger.Debug("sql", "op", "count", "table", "jobs")
	var summary model.JobSummary
	err := s.query(ctx, "count jobs", Stmt(`SELECT status, COUNT(*) FROM jobs GROUP BY status`),
		func() { summary = model.JobSummary{} },
		func(rows *sql.Rows) error {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			summary[model.JobStatus(status)] = n
			return nil
		})
	return summary, err
}

// --- Submissions ---

const submitColumns = `id, job_id, queue_id, status, output_dir, details, created_at, updated_at`

func scanSubmit(row interface{ Scan(...any) error }) (*model.JobSubmit, error) {
	var js model.JobSubmit
	var queueID sql.NullString
	var status, createdAt, updatedAt string
	if err := row.Scan(&js.ID, &js.JobID, &queueID, &status, &js.OutputDir, &js.Details, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	js.QueueID = queueID.String
	js.Status = model.SubmitStatus(status)
	js.CreatedAt = parseTime(createdAt)
	js.UpdatedAt = parseTime(updatedAt)
	return &js, nil
}

func (s *SQLiteStore) listSubmits(ctx context.Context, op string, stmt Statement) ([]*model.JobSubmit, error) {
	var subs []*model.JobSubmit
	err := s.query(ctx, op, stmt, func() { subs = nil }, func(rows *sql.Rows) error {
		js, err := scanSubmit(rows)
		if err != nil {
			return err
		}
		subs = append(subs, js)
		return nil
	})
	return subs, err
}

// ListSubmits returns every submission of a job, oldest first.
func (s *SQLiteStore) ListSubmits(ctx context.Context, jobID int64) ([]*model.JobSubmit, error) {
	s.logger.Debug("sql", "op", "list", "table", "job_submits", "job_id", jobID)
	return s.listSubmits(ctx, "list submits", Stmt(
		`SELECT `+submitColumns+` FROM job_submits WHERE job_id = ? ORDER BY id`, jobID))
}

// ActiveSubmit returns the job's in-flight submission, or nil if there is none.
func (s *SQLiteStore) ActiveSubmit(ctx context.Context, jobID int64) (*model.JobSubmit, error) {
	s.logger.Debug("sql", "op", "select_active", "table", "job_submits", "job_id", jobID)
	subs, err := s.listSubmits(ctx, "active submit", Stmt(
		`SELECT `+submitColumns+` FROM job_submits
		 WHERE job_id = ? AND status IN (?, ?) ORDER BY id DESC LIMIT 1`,
		jobID, string(model.SubmitStatusNew), string(model.SubmitStatusRunning)))
	if err != nil || len(subs) == 0 {
		return nil, err
	}
	return subs[0], nil
}

// CountFailedSubmits returns the number of attempts that count toward max_attempts.
func (s *SQLiteStore) CountFailedSubmits(ctx context.Context, jobID int64) (int, error) {
	var n int
	err := s.queryRow(ctx, "count failed submits", Stmt(
		`SELECT COUNT(*) FROM job_submits WHERE job_id = ? AND status = ?`,
		jobID, string(model.SubmitStatusFailed)), &n)
	return n, err
}

// CountInFlight returns the number of submissions occupying the queue.
func (s *SQLiteStore) CountInFlight(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, "count in-flight submits", Stmt(
		`SELECT COUNT(*) FROM job_submits WHERE status IN (?, ?)`,
		string(model.SubmitStatusNew), string(model.SubmitStatusRunning)), &n)
	return n, err
}

// ListOrphanedSubmits returns in-flight submissions whose job was moved out of
// submitted/processing by an operator.
func (s *SQLiteStore) ListOrphanedSubmits(ctx context.Context) ([]*model.JobSubmit, error) {
	s.logger.Debug("sql", "op", "list_orphaned", "table", "job_submits")
	return s.listSubmits(ctx, "list orphaned submits", Stmt(
		`SELECT s.id, s.job_id, s.queue_id, s.status, s.output_dir, s.details, s.created_at, s.updated_at
		 FROM job_submits s JOIN jobs j ON j.id = s.job_id
		 WHERE s.status IN (?, ?) AND j.status NOT IN (?, ?)
		 ORDER BY s.id`,
		string(model.SubmitStatusNew), string(model.SubmitStatusRunning),
		string(model.JobStatusSubmitted), string(model.JobStatusProcessing)))
}

// ListUnattachedSubmits returns reserved submissions that never received a
// queue id while their job is still in flight. They are left behind when
// the pool stops between reserving a submission and recording the queue's
// answer.
func (s *SQLiteStore) ListUnattachedSubmits(ctx context.Context) ([]*model.JobSubmit, error) {
	s.logger.Debug("sql", "op", "list_unattached", "table", "job_submits")
	return s.listSubmits(ctx, "list unattached submits", Stmt(
		`SELECT s.id, s.job_id, s.queue_id, s.status, s.output_dir, s.details, s.created_at, s.updated_at
		 FROM job_submits s JOIN jobs j ON j.id = s.job_id
		 WHERE s.status = ? AND s.queue_id IS NULL AND j.status IN (?, ?)
		 ORDER BY s.id`,
		string(model.SubmitStatusNew),
		string(model.JobStatusSubmitted), string(model.JobStatusProcessing)))
}

// --- Requests ---

func (s *SQLiteStore) CreateRequest(ctx context.Context, r *model.Request) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "requests", "guid", r.GUID)
	if r.Status == "" {
		r.Status = model.RequestStatusWaiting
	}
	now := s.timestamp()
	id, err := s.Insert(ctx, Stmt(
		`INSERT INTO requests (guid, status, numrequested, details, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.GUID, string(r.Status), r.NumRequested, r.Details, now, now,
	))
	if err != nil {
		return 0, fmt.Errorf("insert request %s: %w", r.GUID, err)
	}
	r.ID = id
	return id, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, statuses ...model.RequestStatus) ([]*model.Request, error) {
	s.logger.Debug("sql", "op", "list", "table", "requests", "statuses", statuses)
	const cols = `id, guid, status, numrequested, details, created_at, updated_at`
	stmt := Stmt(`SELECT ` + cols + ` FROM requests ORDER BY id`)
	if len(statuses) > 0 {
		in, args := inList(stringList(statuses))
		stmt = Stmt(`SELECT `+cols+` FROM requests WHERE status IN `+in+` ORDER BY id`, args...)
	}

	var reqs []*model.Request
	err := s.query(ctx, "list requests", stmt, func() { reqs = nil }, func(rows *sql.Rows) error {
		var r model.Request
		var status, createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.GUID, &status, &r.NumRequested, &r.Details, &createdAt, &updatedAt); err != nil {
			return err
		}
		r.Status = model.RequestStatus(status)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		reqs = append(reqs, &r)
		return nil
	})
	return reqs, err
}

func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, guid string, status model.RequestStatus, details string) error {
	s.logger.Debug("sql", "op", "update", "table", "requests", "guid", guid, "status", status)
	err := s.ExecBatch(ctx, Guarded(
		`UPDATE requests SET status = ?, details = ?, updated_at = ? WHERE guid = ?`,
		string(status), details, s.timestamp(), guid))
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("request %s: %w", guid, model.ErrNotFound)
	}
	return err
}
