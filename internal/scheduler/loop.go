package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/me/jobpool/internal/config"
	"github.com/me/jobpool/internal/grouper"
	"github.com/me/jobpool/internal/logging"
	"github.com/me/jobpool/internal/metrics"
	"github.com/me/jobpool/internal/notify"
	"github.com/me/jobpool/internal/queue"
	"github.com/me/jobpool/internal/store"
	"github.com/me/jobpool/internal/upload"
	"github.com/me/jobpool/pkg/model"
)

// logTail bounds how much of a job's error log is kept in details.
const logTail = 2048

// Loop implements the Scheduler interface with a polling-based loop. All
// state lives in the store; a pass holds nothing across passes.
type Loop struct {
	store    store.Store
	queue    queue.Adapter
	config   config.Pool
	policy   grouper.Policy
	uploader upload.Uploader
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	notifier        *notify.Dispatcher
	alertOnTerminal bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

var _ Scheduler = (*Loop)(nil)

// Option configures optional Loop collaborators.
type Option func(*Loop)

// WithNotifier sends fatal errors, and terminal failures when alertOnTerminal
// is set, to the operators.
func WithNotifier(d *notify.Dispatcher, alertOnTerminal bool) Option {
	return func(l *Loop) {
		l.notifier = d
		l.alertOnTerminal = alertOnTerminal
	}
}

// WithUploader hands processing_complete jobs to u. Without an uploader
// they wait for an external upload process.
func WithUploader(u upload.Uploader) Option {
	return func(l *Loop) { l.uploader = u }
}

// WithMetrics records pass activity on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Loop) { l.metrics = c }
}

// WithClock replaces the time source used for the obstime limit.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithPolicy replaces the file grouping policy.
func WithPolicy(p grouper.Policy) Option {
	return func(l *Loop) { l.policy = p }
}

// NewLoop creates a new scheduler loop.
func NewLoop(st store.Store, q queue.Adapter, cfg config.Pool, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		store:  st,
		queue:  q,
		config: cfg,
		policy: grouper.Policy{Required: cfg.RequiredSubbands, Prefer: grouper.HighestPrecision},
		logger: logging.For(logger, "scheduler"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.notifier == nil {
		l.notifier = notify.NewDispatcher(notify.NopNotifier{}, 0, logger)
	}
	return l
}

// Start runs a pass immediately and then every PollInterval. Blocks until ctx
// is cancelled or Stop is called. A fatal pass error is reported to the
// operators; the loop keeps going unless ExitOnFatal is set.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started",
		"poll_interval", l.config.PollInterval,
		"queue", l.queue.Name(),
		"max_jobs_running", l.config.MaxJobsRunning,
		"max_jobs_queued", l.config.MaxJobsQueued,
	)
	defer close(l.doneCh)
	defer l.notifier.Wait()

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("pass aborted", "error", err, "fatal", IsFatal(err))
			l.notifier.Send(notify.Message{
				Subject: "scheduler pass aborted",
				Body:    err.Error(),
				Level:   notify.LevelFatal,
			})
			if l.config.ExitOnFatal {
				return err
			}
		}

		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current pass to finish.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
	return nil
}

// IsFatal reports whether err means no further progress is possible until
// an operator intervenes: the queue or the store is unreachable.
func IsFatal(err error) bool {
	return queue.IsFatal(err) || errors.Is(err, store.ErrStoreUnavailable)
}

// Tick runs one pass. Per-job problems become state transitions; only an
// unreachable queue or store, or an unexpected store error, aborts the pass.
// Commits made before the abort stand.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	err := l.rotate(ctx)
	l.metrics.RecordPass(time.Since(start), err != nil)
	return err
}

func (l *Loop) rotate(ctx context.Context) error {
	// Phase 0: Close submissions orphaned by operator actions or a crash.
	if err := l.reconcile(ctx); err != nil {
		return fmt.Errorf("phase 0 (reconcile): %w", err)
	}

	// Phase 1: Poll in-flight submissions.
	if err := l.poll(ctx); err != nil {
		return fmt.Errorf("phase 1 (poll): %w", err)
	}

	// Phase 2: Retry or terminally fail failed jobs.
	if err := l.applyPolicy(ctx); err != nil {
		return fmt.Errorf("phase 2 (policy): %w", err)
	}

	// Phase 3: Submit new and retrying jobs, oldest first.
	if err := l.submit(ctx); err != nil {
		return fmt.Errorf("phase 3 (submit): %w", err)
	}

	// Phase 4: Hand finished jobs to the uploader.
	if err := l.handoff(ctx); err != nil {
		return fmt.Errorf("phase 4 (handoff): %w", err)
	}

	// Phase 5: Build jobs from ungrouped files.
	if err := l.createJobs(ctx); err != nil {
		return fmt.Errorf("phase 5 (create): %w", err)
	}

	l.refreshGauges(ctx)
	return nil
}

// skip absorbs a store conflict: another process moved the job first, and
// the next pass re-reads it. Any other error aborts the pass.
func (l *Loop) skip(jobID int64, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		l.logger.Warn("job changed concurrently, re-evaluating next pass", "job_id", jobID, "op", op, "error", err)
		return nil
	}
	return fmt.Errorf("job %d: %s: %w", jobID, op, err)
}

// orphanStatus maps the operator's job transition to the closing status of
// the submission it orphaned.
func orphanStatus(job model.JobStatus) model.SubmitStatus {
	switch job {
	case model.JobStatusRetrying:
		return model.SubmitStatusDeleted
	case model.JobStatusFailed:
		return model.SubmitStatusFailed
	default:
		return model.SubmitStatusStopped
	}
}

func (l *Loop) reconcile(ctx context.Context) error {
	orphans, err := l.store.ListOrphanedSubmits(ctx)
	if err != nil {
		return err
	}
	for _, sub := range orphans {
		job, err := l.store.GetJob(ctx, sub.JobID)
		if err != nil {
			return err
		}
		if sub.QueueID != "" {
			if _, err := l.queue.Delete(ctx, sub.QueueID); err != nil {
				if queue.IsFatal(err) {
					return err
				}
				l.logger.Warn("delete orphaned submission", "job_id", job.ID, "queue_id", sub.QueueID, "error", err)
				continue
			}
		}
		status := orphanStatus(job.Status)
		details := fmt.Sprintf("job moved to %s out of band", job.Status)
		if err := l.store.CloseSubmit(ctx, sub.ID, status, details); err != nil {
			if serr := l.skip(job.ID, "close submit", err); serr != nil {
				return serr
			}
			continue
		}
		logging.Submission(l.logger, job.ID, sub.ID, sub.QueueID).Info("orphaned submission closed", "status", status)
	}
	return l.reconcileUnattached(ctx)
}

// reconcileUnattached fails reservations whose queue answer was never
// recorded. The queue may hold a copy of the job that the pool cannot
// track, so operators are told.
func (l *Loop) reconcileUnattached(ctx context.Context) error {
	lost, err := l.store.ListUnattachedSubmits(ctx)
	if err != nil {
		return err
	}
	for _, sub := range lost {
		details := "submission outcome unknown: the pool stopped before the queue id was recorded"
		if err := l.store.RecordSubmitFailure(ctx, sub, details); err != nil {
			if serr := l.skip(sub.JobID, "close unattached submit", err); serr != nil {
				return serr
			}
			continue
		}
		logging.Submission(l.logger, sub.JobID, sub.ID, "").Error(
			"unattached submission failed; the queue may still run an untracked copy", "output_dir", sub.OutputDir)
		l.notifier.Send(notify.Message{
			Subject: fmt.Sprintf("job %d: submission outcome unknown", sub.JobID),
			Body:    fmt.Sprintf("%s. Check the queue for a job writing to %s.", details, sub.OutputDir),
			Level:   notify.LevelError,
		})
	}
	return nil
}

func (l *Loop) poll(ctx context.Context) error {
	jobs, err := l.store.ListJobs(ctx, model.JobStatusSubmitted, model.JobStatusProcessing)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := l.pollJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) pollJob(ctx context.Context, job *model.Job) error {
	sub, err := l.store.ActiveSubmit(ctx, job.ID)
	if err != nil {
		return err
	}
	if sub == nil || sub.QueueID == "" {
		l.logger.Warn("in-flight job has no queued submission", "job_id", job.ID, "status", job.Status)
		return nil
	}
	log := logging.Submission(l.logger, job.ID, sub.ID, sub.QueueID)

	if limit := l.config.ObstimeLimit; limit > 0 {
		if age := l.now().Sub(sub.CreatedAt); age > limit {
			if _, err := l.queue.Delete(ctx, sub.QueueID); err != nil {
				if queue.IsFatal(err) {
					return err
				}
				log.Warn("delete stuck submission", "error", err)
			}
			details := fmt.Sprintf("exceeded obstime limit: in queue for %s (limit %s)", age.Round(time.Second), limit)
			log.Warn("submission stuck, failing it", "age", age.Round(time.Second))
			return l.skip(job.ID, "obstime", l.store.FinishSubmit(ctx, sub, true, details))
		}
	}

	running, err := l.queue.IsRunning(ctx, sub.QueueID)
	if err != nil {
		if queue.IsFatal(err) {
			return err
		}
		log.Warn("poll failed", "error", err)
		return nil
	}
	if running {
		if job.Status == model.JobStatusSubmitted {
			if err := l.store.MarkProcessing(ctx, job.ID); err != nil {
				return l.skip(job.ID, "mark processing", err)
			}
			log.Info("job processing")
		}
		return nil
	}

	hadErrors, err := l.queue.HadErrors(ctx, sub.QueueID)
	if err != nil {
		if queue.IsFatal(err) {
			return err
		}
		if errors.Is(err, queue.ErrOutcomePending) {
			log.Debug("job left the queue, outcome pending", "error", err)
			return nil
		}
		log.Warn("read job logs", "error", err)
		hadErrors = true
	}
	details := "finished"
	if hadErrors {
		errLog, err := l.queue.ReadErrorLog(ctx, sub.QueueID)
		if err != nil && queue.IsFatal(err) {
			return err
		}
		details = "processing errors"
		if tail := tailOf(errLog, logTail); tail != "" {
			details += ": " + tail
		}
	}
	if err := l.store.FinishSubmit(ctx, sub, hadErrors, details); err != nil {
		return l.skip(job.ID, "finish submit", err)
	}
	log.Info("job left the queue", "had_errors", hadErrors)
	return nil
}

func (l *Loop) applyPolicy(ctx context.Context) error {
	failed, err := l.store.ListJobs(ctx, model.JobStatusFailed)
	if err != nil {
		return err
	}
	for _, job := range failed {
		attempts, err := l.store.CountFailedSubmits(ctx, job.ID)
		if err != nil {
			return err
		}
		if attempts < l.config.MaxAttempts {
			details := fmt.Sprintf("attempt %d of %d failed: %s", attempts, l.config.MaxAttempts, job.Details)
			if err := l.store.RetryJob(ctx, job.ID, details); err != nil {
				if serr := l.skip(job.ID, "retry", err); serr != nil {
					return serr
				}
				continue
			}
			l.logger.Info("job will be retried", "job_id", job.ID, "attempts", attempts)
			continue
		}

		details := fmt.Sprintf("failed %d of %d attempts: %s", attempts, l.config.MaxAttempts, job.Details)
		released, err := l.store.TerminalFailJob(ctx, job.ID, details)
		if err != nil {
			if serr := l.skip(job.ID, "terminal failure", err); serr != nil {
				return serr
			}
			continue
		}
		l.metrics.RecordTerminalFailure()
		l.logger.Warn("job terminally failed", "job_id", job.ID, "attempts", attempts, "released_files", len(released))
		l.cleanup(released)
		if l.alertOnTerminal {
			l.notifier.Send(notify.Message{
				Subject: fmt.Sprintf("job %d terminally failed", job.ID),
				Body:    details,
				Level:   notify.LevelError,
			})
		}
	}
	return nil
}

func (l *Loop) submit(ctx context.Context) error {
	eligible, err := l.store.ListJobs(ctx, model.JobStatusNew, model.JobStatusRetrying)
	if err != nil || len(eligible) == 0 {
		return err
	}
	inFlight, err := l.store.CountInFlight(ctx)
	if err != nil {
		return err
	}
	ceiling := l.config.MaxJobsRunning + l.config.MaxJobsQueued

	submitted := 0
	for _, job := range eligible {
		if l.config.MaxSubmitsPerPass > 0 && submitted >= l.config.MaxSubmitsPerPass {
			l.logger.Debug("per-pass submit limit reached", "submitted", submitted)
			break
		}
		if inFlight >= ceiling {
			l.logger.Debug("in-flight ceiling reached", "in_flight", inFlight, "ceiling", ceiling)
			break
		}
		ok, err := l.queue.CanSubmit(ctx)
		if err != nil {
			if queue.IsFatal(err) {
				return err
			}
			l.logger.Warn("admission check failed, not submitting this pass", "error", err)
			break
		}
		if !ok {
			l.logger.Debug("queue full", "submitted", submitted)
			break
		}

		accepted, err := l.submitJob(ctx, job)
		if err != nil {
			return err
		}
		if accepted {
			inFlight++
			submitted++
		}
	}
	if submitted > 0 {
		l.logger.Info("jobs submitted", "count", submitted, "in_flight", inFlight)
	}
	return nil
}

// submitJob submits one job and records the outcome. It reports whether the
// queue accepted the job. The submission is reserved in the store before the
// queue is asked, so a crash in between never leaves an unrecorded job on
// the queue.
func (l *Loop) submitJob(ctx context.Context, job *model.Job) (bool, error) {
	files, err := l.store.ListJobFiles(ctx, job.ID)
	if err != nil {
		return false, err
	}
	subs, err := l.store.ListSubmits(ctx, job.ID)
	if err != nil {
		return false, err
	}
	datafiles := make([]string, len(files))
	for i, f := range files {
		datafiles[i] = f.Filename
	}
	outputDir := filepath.Join(l.config.OutputRoot, strconv.FormatInt(job.ID, 10), strconv.Itoa(len(subs)+1))
	sub, err := l.store.BeginSubmit(ctx, job.ID, outputDir)
	if err != nil {
		return false, l.skip(job.ID, "begin submit", err)
	}
	log := logging.Submission(l.logger, job.ID, sub.ID, "").With("attempt", len(subs)+1)

	queueID, err := l.queue.Submit(ctx, datafiles, outputDir, l.config.Script)
	if err != nil {
		if queue.IsFatal(err) || ctx.Err() != nil {
			if aerr := l.store.AbandonSubmit(context.WithoutCancel(ctx), sub, job.Status); aerr != nil {
				log.Error("abandon reserved submission", "error", aerr)
			}
			return false, err
		}
		l.metrics.RecordSubmitError()
		log.Warn("submission rejected", "error", err)
		return false, l.skip(job.ID, "record submit failure", l.store.RecordSubmitFailure(ctx, sub, err.Error()))
	}

	if err := l.store.RecordSubmit(ctx, sub, queueID); err != nil {
		// The reservation was closed underneath us; take the job back off the queue.
		if _, derr := l.queue.Delete(ctx, queueID); derr != nil {
			log.Error("delete unrecorded submission", "queue_id", queueID, "error", derr)
		}
		return false, l.skip(job.ID, "record submit", err)
	}
	l.metrics.RecordSubmit()
	log.Info("job submitted", "queue_id", queueID, "files", len(datafiles), "output_dir", outputDir)
	return true, nil
}

func (l *Loop) handoff(ctx context.Context) error {
	if l.uploader == nil {
		return nil
	}
	done, err := l.store.ListJobs(ctx, model.JobStatusProcessingComplete)
	if err != nil {
		return err
	}
	for _, job := range done {
		subs, err := l.store.ListSubmits(ctx, job.ID)
		if err != nil {
			return err
		}
		var finished *model.JobSubmit
		for _, s := range subs {
			if s.Status == model.SubmitStatusFinished {
				finished = s
			}
		}

		location, err := l.uploader.Upload(ctx, job, finished)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("upload failed, will retry next pass", "job_id", job.ID, "error", err)
			continue
		}
		released, err := l.store.MarkUploaded(ctx, job.ID, location)
		if err != nil {
			if serr := l.skip(job.ID, "mark uploaded", err); serr != nil {
				return serr
			}
			continue
		}
		l.metrics.RecordUpload()
		l.logger.Info("job uploaded", "job_id", job.ID, "location", location)
		l.cleanup(released)
	}
	return nil
}

func (l *Loop) createJobs(ctx context.Context) error {
	ungrouped, err := l.store.ListUngroupedFiles(ctx)
	if err != nil || len(ungrouped) == 0 {
		return err
	}
	grouped, err := l.store.ListGroupedFiles(ctx)
	if err != nil {
		return err
	}

	res := l.policy.Group(ungrouped, grouped)
	for _, f := range res.Unrecognized {
		l.logger.Debug("unrecognized raw file", "file_id", f.ID, "filename", f.Filename)
	}
	for _, g := range res.Groups {
		job, err := l.store.CreateJob(ctx, g.FileIDs())
		if err != nil {
			if serr := l.skip(0, "create job", err); serr != nil {
				return serr
			}
			continue
		}
		l.metrics.RecordJobCreated()
		l.logger.Info("job created",
			"job_id", job.ID, "observation", g.Observation.String(), "precision", g.Precision, "files", len(g.Files))
	}
	return nil
}

// cleanup removes released raw files from disk when configured to.
func (l *Loop) cleanup(released []*model.File) {
	if !l.config.DeleteRawdata || len(released) == 0 {
		return
	}
	if err := Cleanup(released, l.logger); err != nil {
		l.logger.Error("raw data cleanup", "error", err)
	}
}

func (l *Loop) refreshGauges(ctx context.Context) {
	if l.metrics == nil {
		return
	}
	if summary, err := l.store.CountJobsByStatus(ctx); err == nil {
		l.metrics.SetJobCounts(summary)
	}
	if running, queued, err := l.queue.Status(ctx); err == nil {
		l.metrics.SetQueue(running, queued)
	}
}

// tailOf returns at most n trailing bytes of s.
func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
