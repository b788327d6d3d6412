package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/jobpool/internal/config"
	"github.com/me/jobpool/internal/logging"
)

// PBS drives a PBS/Torque cluster through its command-line tools.
type PBS struct {
	cfg    config.PBS
	logDir string
	limits Limits
	logger *slog.Logger
	runner CommandRunner
}

var _ Adapter = (*PBS)(nil)

// NewPBS creates a PBS backend. Job logs are written under logDir.
func NewPBS(cfg config.PBS, logDir string, limits Limits, logger *slog.Logger) *PBS {
	return newPBSWithRunner(cfg, logDir, limits, logger, &osCommandRunner{})
}

// newPBSWithRunner is used by tests to inject a mock CommandRunner.
func newPBSWithRunner(cfg config.PBS, logDir string, limits Limits, logger *slog.Logger, runner CommandRunner) *PBS {
	if cfg.JobName == "" {
		cfg.JobName = "jobpool"
	}
	if cfg.User == "" {
		if u, err := user.Current(); err == nil {
			cfg.User = u.Username
		}
	}
	return &PBS{
		cfg:    cfg,
		logDir: logDir,
		limits: limits,
		logger: logging.For(logger, "queue-pbs"),
		runner: runner,
	}
}

func (p *PBS) Name() string { return "pbs" }

// run executes one PBS command with the per-command timeout. A command that
// cannot be executed at all, or that cannot reach the server, is fatal.
func (p *PBS) run(ctx context.Context, op, name string, args ...string) (string, string, int, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	p.logger.Debug("exec", "cmd", name, "args", args)
	stdout, stderr, code, err := p.runner.Run(ctx, name, args...)
	if err != nil {
		return stdout, stderr, code, &FatalQueueError{Backend: p.Name(), Op: op, Err: err}
	}
	if code != 0 && serverUnreachable(stderr) {
		return stdout, stderr, code, &FatalQueueError{Backend: p.Name(), Op: op, Err: fmt.Errorf("%s: %s", name, strings.TrimSpace(stderr))}
	}
	return stdout, stderr, code, nil
}

func serverUnreachable(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "cannot connect to server") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "no route to host")
}

// Submit runs qsub. Datafiles are passed colon-separated in DATAFILES since
// qsub -v splits on commas.
func (p *PBS) Submit(ctx context.Context, datafiles []string, outputDir, script string) (string, error) {
	if err := os.MkdirAll(p.logDir, 0o755); err != nil {
		return "", &FatalQueueError{Backend: p.Name(), Op: "submit", Err: fmt.Errorf("create log dir: %w", err)}
	}
	for _, f := range datafiles {
		if strings.ContainsAny(f, ",:") {
			return "", &SubmissionError{Backend: p.Name(), Reason: fmt.Sprintf("datafile path %q contains a separator", f)}
		}
	}

	args := []string{"-N", p.cfg.JobName}
	if p.cfg.QueueName != "" {
		args = append(args, "-q", p.cfg.QueueName)
	}
	if p.cfg.Resources != "" {
		args = append(args, "-l", p.cfg.Resources)
	}
	args = append(args,
		"-o", p.logDir,
		"-e", p.logDir,
		"-v", "DATAFILES="+strings.Join(datafiles, ":")+",OUTDIR="+outputDir,
		script,
	)

	stdout, stderr, code, err := p.run(ctx, "submit", "qsub", args...)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &SubmissionError{Backend: p.Name(), Reason: fmt.Sprintf("qsub exit %d: %s", code, strings.TrimSpace(stderr))}
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", &SubmissionError{Backend: p.Name(), Reason: "qsub returned no job id"}
	}
	p.logger.Info("job queued", "queue_id", id, "files", len(datafiles))
	return id, nil
}

func (p *PBS) CanSubmit(ctx context.Context) (bool, error) {
	running, queued, err := p.Status(ctx)
	if err != nil {
		return false, err
	}
	return p.limits.Allows(running, queued), nil
}

// IsRunning runs qstat on the id. Unknown or completed jobs are not running.
// A job in state E is still exiting and its logs are not staged back yet.
func (p *PBS) IsRunning(ctx context.Context, queueID string) (bool, error) {
	stdout, stderr, code, err := p.run(ctx, "is-running", "qstat", queueID)
	if err != nil {
		return false, err
	}
	if code != 0 {
		if strings.Contains(stderr, "Unknown Job Id") {
			return false, nil
		}
		return false, fmt.Errorf("qstat %s: exit %d: %s", queueID, code, strings.TrimSpace(stderr))
	}
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || !sameJobID(fields[0], queueID) {
			continue
		}
		return fields[4] != "C", nil
	}
	return false, nil
}

// sameJobID matches a qstat id column against a full queue id. qstat may
// shorten the server part, so only the sequence number must match exactly.
func sameJobID(column, queueID string) bool {
	seq := jobSeq(queueID)
	return column == queueID || column == seq || strings.HasPrefix(column, seq+".")
}

// Delete runs qdel. A job the server does not know is reported as false.
func (p *PBS) Delete(ctx context.Context, queueID string) (bool, error) {
	_, stderr, code, err := p.run(ctx, "delete", "qdel", queueID)
	if err != nil {
		return false, err
	}
	if code != 0 {
		p.logger.Warn("qdel failed", "queue_id", queueID, "exit_code", code, "stderr", strings.TrimSpace(stderr))
		return false, nil
	}
	p.logger.Info("job deleted", "queue_id", queueID)
	return true, nil
}

// Status parses `qstat -u <user>` and counts jobs named like ours in the
// R and Q states.
func (p *PBS) Status(ctx context.Context) (int, int, error) {
	stdout, stderr, code, err := p.run(ctx, "status", "qstat", "-u", p.cfg.User)
	if err != nil {
		return 0, 0, err
	}
	if code != 0 {
		return 0, 0, &FatalQueueError{Backend: p.Name(), Op: "status",
			Err: fmt.Errorf("qstat -u %s: exit %d: %s", p.cfg.User, code, strings.TrimSpace(stderr))}
	}
	return countStates(stdout, p.cfg.JobName)
}

// countStates reads the Torque -u table:
// Job ID  Username  Queue  Jobname  SessID  NDS  TSK  Memory  Time  S  Elap
func countStates(table, jobName string) (running, queued int, err error) {
	for _, line := range strings.Split(table, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 11 || fields[0] == "Job" || strings.HasPrefix(fields[0], "-") {
			continue
		}
		if !sameJobName(fields[3], jobName) {
			continue
		}
		switch fields[9] {
		case "R":
			running++
		case "Q", "H", "W":
			queued++
		}
	}
	return running, queued, nil
}

// minTruncatedName is the shortest job name column qstat produces by
// truncating a longer name.
const minTruncatedName = 10

// sameJobName matches the Jobname column of qstat -u against ours. Long
// names are cut to the column width, sometimes with a trailing '*'.
func sameJobName(column, jobName string) bool {
	if column == jobName {
		return true
	}
	cut := strings.TrimSuffix(column, "*")
	return len(cut) >= minTruncatedName && len(cut) < len(jobName) && strings.HasPrefix(jobName, cut)
}

// HadErrors is true when the job's error log is non-empty. PBS creates the
// error log for every job, so a log that has not appeared yet means the
// outcome is not known and ErrOutcomePending is returned.
func (p *PBS) HadErrors(ctx context.Context, queueID string) (bool, error) {
	errLog, found, err := p.stagedLog(ctx, queueID, ".e")
	if err != nil {
		return true, err
	}
	if !found {
		return false, fmt.Errorf("%s: error log not staged: %w", queueID, ErrOutcomePending)
	}
	return strings.TrimSpace(errLog) != "", nil
}

func (p *PBS) ReadErrorLog(ctx context.Context, queueID string) (string, error) {
	text, _, err := p.stagedLog(ctx, queueID, ".e")
	return text, err
}

func (p *PBS) ReadOutputLog(ctx context.Context, queueID string) (string, error) {
	text, _, err := p.stagedLog(ctx, queueID, ".o")
	return text, err
}

// stagedLog waits briefly for PBS to stage the log back; logs appear only
// after the job has left the queue. found is false if it never appeared.
func (p *PBS) stagedLog(ctx context.Context, queueID, kind string) (text string, found bool, err error) {
	path := filepath.Join(p.logDir, p.cfg.JobName+kind+jobSeq(queueID))
	for attempt := 0; ; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, err
		}
		if attempt >= 2 {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(logStageDelay):
		}
	}
}

// logStageDelay is how long stagedLog waits between checks for a missing log.
var logStageDelay = 500 * time.Millisecond

// jobSeq returns the numeric part of a PBS id ("1234.server" → "1234").
func jobSeq(queueID string) string {
	if i := strings.IndexByte(queueID, '.'); i > 0 {
		return queueID[:i]
	}
	return queueID
}
