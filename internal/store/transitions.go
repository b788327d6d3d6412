package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/me/jobpool/pkg/model"
)

// Every transition below is one transaction whose UPDATEs are guarded on the
// current status. A guard that no longer holds means another process moved
// the row first; the whole batch rolls back with ErrConflict.

// noInFlight is appended to job guards that must not run while a submission
// still occupies the queue. Its single argument is the job id.
const noInFlight = ` AND NOT EXISTS (SELECT 1 FROM job_submits WHERE job_id = ? AND status IN ('new', 'running'))`

// jobGuard builds "UPDATE jobs SET status = to ... WHERE id = ? AND status IN (from)".
func jobGuard(ts string, jobID int64, to model.JobStatus, details *string, from []model.JobStatus, extra string, extraArgs ...any) Statement {
	in, fromArgs := inList(stringList(from))
	set := `status = ?, updated_at = ?`
	args := []any{string(to), ts}
	if details != nil {
		set += `, details = ?`
		args = append(args, *details)
	}
	args = append(args, jobID)
	args = append(args, fromArgs...)
	args = append(args, extraArgs...)
	return Guarded(`UPDATE jobs SET `+set+` WHERE id = ? AND status IN `+in+extra, args...)
}

// conflict enriches an ErrConflict from a job transition with the job's
// current status when that status does not permit the move at all.
func (s *SQLiteStore) conflict(ctx context.Context, err error, jobID int64, to model.JobStatus) error {
	if !errors.Is(err, ErrConflict) {
		return err
	}
	job, gerr := s.GetJob(ctx, jobID)
	if gerr != nil {
		if errors.Is(gerr, model.ErrNotFound) {
			return fmt.Errorf("job %d: %w", jobID, model.ErrNotFound)
		}
		return fmt.Errorf("job %d -> %s: %w", jobID, to, err)
	}
	if !job.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %w", ErrConflict, &model.InvalidTransitionError{
			Entity: "job", ID: jobID, From: string(job.Status), To: string(to),
		})
	}
	return fmt.Errorf("job %d -> %s: %w", jobID, to, err)
}

// BeginSubmit reserves a submission before the job is handed to the queue:
// the job moves from new/retrying to submitted and a new submission row
// without a queue id is created. The guard refuses the move while another
// submission is in flight. A row left in this state after a crash is found
// by ListUnattachedSubmits.
func (s *SQLiteStore) BeginSubmit(ctx context.Context, jobID int64, outputDir string) (*model.JobSubmit, error) {
	s.logger.Debug("sql", "op", "begin_submit", "table", "job_submits", "job_id", jobID)
	now := s.now().UTC()
	ts := now.Format(time.RFC3339Nano)

	var sub *model.JobSubmit
	err := s.withTx(ctx, "begin submit", func(tx *sql.Tx) error {
		guard := jobGuard(ts, jobID, model.JobStatusSubmitted, nil,
			[]model.JobStatus{model.JobStatusNew, model.JobStatusRetrying}, noInFlight, jobID)
		if err := execInTx(ctx, tx, []Statement{guard}); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO job_submits (job_id, queue_id, status, output_dir, details, created_at, updated_at)
			 VALUES (?, NULL, ?, ?, '', ?, ?)`,
			jobID, string(model.SubmitStatusNew), outputDir, ts, ts,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		sub = &model.JobSubmit{
			ID: id, JobID: jobID, Status: model.SubmitStatusNew,
			OutputDir: outputDir, CreatedAt: now, UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, s.conflict(ctx, err, jobID, model.JobStatusSubmitted)
	}
	return sub, nil
}

// RecordSubmit attaches the queue id of an accepted submission and marks it
// running. It is guarded on the submission only: if an operator moved the
// job meanwhile, the id must still be recorded so the orphan can be deleted
// from the queue.
func (s *SQLiteStore) RecordSubmit(ctx context.Context, sub *model.JobSubmit, queueID string) error {
	s.logger.Debug("sql", "op", "record_submit", "table", "job_submits", "submit_id", sub.ID, "queue_id", queueID)
	ts := s.timestamp()
	err := s.ExecBatch(ctx, Guarded(
		`UPDATE job_submits SET queue_id = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND queue_id IS NULL`,
		queueID, string(model.SubmitStatusRunning), ts, sub.ID, string(model.SubmitStatusNew)))
	if err != nil {
		return fmt.Errorf("record submit %d: %w", sub.ID, err)
	}
	sub.QueueID = queueID
	sub.Status = model.SubmitStatusRunning
	return nil
}

// RecordSubmitFailure closes a reserved submission the queue rejected, or
// whose outcome was lost. The failed row keeps a null queue id and counts
// toward the job's attempts; the job becomes failed.
func (s *SQLiteStore) RecordSubmitFailure(ctx context.Context, sub *model.JobSubmit, details string) error {
	s.logger.Debug("sql", "op", "record_submit_failure", "table", "job_submits", "submit_id", sub.ID, "job_id", sub.JobID)
	ts := s.timestamp()
	err := s.ExecBatch(ctx,
		Guarded(`UPDATE job_submits SET status = ?, details = ?, updated_at = ?
		         WHERE id = ? AND job_id = ? AND status = ? AND queue_id IS NULL`,
			string(model.SubmitStatusFailed), details, ts, sub.ID, sub.JobID, string(model.SubmitStatusNew)),
		jobGuard(ts, sub.JobID, model.JobStatusFailed, &details,
			[]model.JobStatus{model.JobStatusSubmitted}, ""),
	)
	if err != nil {
		return s.conflict(ctx, err, sub.JobID, model.JobStatusFailed)
	}
	sub.Status = model.SubmitStatusFailed
	sub.Details = details
	return nil
}

// AbandonSubmit undoes BeginSubmit when the queue could not be asked at all:
// the reservation is removed and the job returns to prev. No attempt is
// charged.
func (s *SQLiteStore) AbandonSubmit(ctx context.Context, sub *model.JobSubmit, prev model.JobStatus) error {
	s.logger.Debug("sql", "op", "abandon_submit", "table", "job_submits", "submit_id", sub.ID, "job_id", sub.JobID)
	if prev != model.JobStatusNew && prev != model.JobStatusRetrying {
		return &model.InvalidTransitionError{Entity: "job", ID: sub.JobID, From: string(model.JobStatusSubmitted), To: string(prev)}
	}
	return s.ExecBatch(ctx,
		Guarded(`DELETE FROM job_submits WHERE id = ? AND job_id = ? AND status = ? AND queue_id IS NULL`,
			sub.ID, sub.JobID, string(model.SubmitStatusNew)),
		Guarded(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(prev), s.timestamp(), sub.JobID, string(model.JobStatusSubmitted)),
	)
}

// MarkProcessing records that the queue started running the job.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, jobID int64) error {
	s.logger.Debug("sql", "op", "mark_processing", "table", "jobs", "job_id", jobID)
	err := s.ExecBatch(ctx, jobGuard(s.timestamp(), jobID, model.JobStatusProcessing, nil,
		[]model.JobStatus{model.JobStatusSubmitted}, ""))
	return s.conflict(ctx, err, jobID, model.JobStatusProcessing)
}

// FinishSubmit closes an in-flight submission that left the queue. Without
// errors the job becomes processing_complete, otherwise failed.
func (s *SQLiteStore) FinishSubmit(ctx context.Context, sub *model.JobSubmit, hadErrors bool, details string) error {
	subStatus, jobStatus := model.SubmitStatusFinished, model.JobStatusProcessingComplete
	if hadErrors {
		subStatus, jobStatus = model.SubmitStatusFailed, model.JobStatusFailed
	}
	s.logger.Debug("sql", "op", "finish_submit", "table", "job_submits",
		"submit_id", sub.ID, "job_id", sub.JobID, "status", subStatus)

	ts := s.timestamp()
	err := s.ExecBatch(ctx,
		Guarded(`UPDATE job_submits SET status = ?, details = ?, updated_at = ?
		         WHERE id = ? AND job_id = ? AND status IN ('new', 'running')`,
			string(subStatus), details, ts, sub.ID, sub.JobID),
		jobGuard(ts, sub.JobID, jobStatus, &details,
			[]model.JobStatus{model.JobStatusSubmitted, model.JobStatusProcessing}, ""),
	)
	if err != nil {
		return s.conflict(ctx, err, sub.JobID, jobStatus)
	}
	sub.Status = subStatus
	sub.Details = details
	return nil
}

// RetryJob moves a failed job to retrying.
func (s *SQLiteStore) RetryJob(ctx context.Context, jobID int64, details string) error {
	s.logger.Debug("sql", "op", "retry", "table", "jobs", "job_id", jobID)
	err := s.ExecBatch(ctx, jobGuard(s.timestamp(), jobID, model.JobStatusRetrying, &details,
		[]model.JobStatus{model.JobStatusFailed}, noInFlight, jobID))
	return s.conflict(ctx, err, jobID, model.JobStatusRetrying)
}

// TerminalFailJob moves a failed job to terminal_failure and releases its
// files. The released files are returned for raw-data cleanup.
func (s *SQLiteStore) TerminalFailJob(ctx context.Context, jobID int64, details string) ([]*model.File, error) {
	s.logger.Debug("sql", "op", "terminal_fail", "table", "jobs", "job_id", jobID)
	return s.finalize(ctx, jobID, model.JobStatusTerminalFailure, details,
		[]model.JobStatus{model.JobStatusFailed}, noInFlight, jobID)
}

// KillJob is the operator kill: any non-terminal job becomes terminal_failure
// immediately and its files are released. A live submission is left for the
// scheduler to delete from the queue.
func (s *SQLiteStore) KillJob(ctx context.Context, jobID int64, details string) ([]*model.File, error) {
	s.logger.Debug("sql", "op", "kill", "table", "jobs", "job_id", jobID)
	return s.finalize(ctx, jobID, model.JobStatusTerminalFailure, details,
		model.JobStatusesInto(model.JobStatusTerminalFailure), "")
}

// MarkUploaded records the upload collaborator's handoff and releases the files.
func (s *SQLiteStore) MarkUploaded(ctx context.Context, jobID int64, details string) ([]*model.File, error) {
	s.logger.Debug("sql", "op", "mark_uploaded", "table", "jobs", "job_id", jobID)
	return s.finalize(ctx, jobID, model.JobStatusUploaded, details,
		[]model.JobStatus{model.JobStatusProcessingComplete}, "")
}

// finalize moves a job into a terminal status and releases its files in the
// same transaction.
func (s *SQLiteStore) finalize(ctx context.Context, jobID int64, to model.JobStatus, details string, from []model.JobStatus, extra string, extraArgs ...any) ([]*model.File, error) {
	ts := s.timestamp()
	var released []*model.File
	err := s.withTx(ctx, "finalize job", func(tx *sql.Tx) error {
		released = nil
		guard := jobGuard(ts, jobID, to, &details, from, extra, extraArgs...)
		if err := execInTx(ctx, tx, []Statement{guard}); err != nil {
			return err
		}
		var err error
		released, err = releaseFiles(ctx, tx, ts, jobID)
		return err
	})
	if err != nil {
		return nil, s.conflict(ctx, err, jobID, to)
	}
	return released, nil
}

// releaseFiles marks the job's files deleted unless another live job still
// references them, and returns the files it released.
func releaseFiles(ctx context.Context, tx *sql.Tx, ts string, jobID int64) ([]*model.File, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE status != ?
		   AND id IN (SELECT file_id FROM job_files WHERE job_id = ?)
		   AND id NOT IN (
		       SELECT jf.file_id FROM job_files jf JOIN jobs j ON j.id = jf.job_id
		       WHERE j.id != ? AND j.status NOT IN (?, ?, ?))
		 ORDER BY id`,
		string(model.FileStatusDeleted), jobID, jobID,
		string(model.JobStatusUploaded), string(model.JobStatusTerminalFailure), string(model.JobStatusDeleted),
	)
	if err != nil {
		return nil, err
	}
	var files []*model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(files))
	for i, f := range files {
		ids[i] = f.ID
		f.Status = model.FileStatusDeleted
	}
	in, args := inList(ids)
	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE id IN `+in,
		append([]any{string(model.FileStatusDeleted), ts}, args...)...,
	); err != nil {
		return nil, err
	}
	return files, nil
}

// StopJob is the operator stop for an in-flight job. The safe variant sends
// the job back to retrying without charging an attempt; force fails it.
// The scheduler closes the queue submission on its next pass.
func (s *SQLiteStore) StopJob(ctx context.Context, jobID int64, force bool, details string) error {
	to := model.JobStatusRetrying
	if force {
		to = model.JobStatusFailed
	}
	s.logger.Debug("sql", "op", "stop", "table", "jobs", "job_id", jobID, "force", force)
	err := s.ExecBatch(ctx, jobGuard(s.timestamp(), jobID, to, &details,
		[]model.JobStatus{model.JobStatusSubmitted, model.JobStatusProcessing}, ""))
	return s.conflict(ctx, err, jobID, to)
}

// CloseSubmit closes one in-flight submission with a terminal status. It is
// used to reconcile submissions orphaned by operator actions.
func (s *SQLiteStore) CloseSubmit(ctx context.Context, submitID int64, status model.SubmitStatus, details string) error {
	if !status.IsTerminal() {
		return &model.InvalidTransitionError{Entity: "submission", ID: submitID, From: "running", To: string(status)}
	}
	s.logger.Debug("sql", "op", "close_submit", "table", "job_submits", "submit_id", submitID, "status", status)
	err := s.ExecBatch(ctx, Guarded(
		`UPDATE job_submits SET status = ?, details = ?, updated_at = ?
		 WHERE id = ? AND status IN ('new', 'running')`,
		string(status), details, s.timestamp(), submitID))
	if err != nil {
		return fmt.Errorf("close submit %d: %w", submitID, err)
	}
	return nil
}
