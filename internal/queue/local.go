package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/me/jobpool/internal/logging"
)

// Local runs each job as a subprocess of the pool. It suits single-host
// deployments and tests. Each job runs under a shell that writes the exit
// code next to the logs, and its pid is recorded at submit, so a restarted
// pool still sees jobs started by its predecessor and their outcome.
type Local struct {
	logDir string
	limits Limits
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
	done    map[string]chan struct{}
}

var _ Adapter = (*Local)(nil)

// exitRecorder runs the script ($0) over the datafiles and records its exit
// code in $POOL_EXITFILE.
const exitRecorder = `"$0" "$@"; code=$?; echo $code > "$POOL_EXITFILE"; exit $code`

// NewLocal creates a Local backend writing logs under logDir.
func NewLocal(logDir string, limits Limits, logger *slog.Logger) *Local {
	return &Local{
		logDir:  logDir,
		limits:  limits,
		logger:  logging.For(logger, "queue-local"),
		running: make(map[string]*exec.Cmd),
		done:    make(map[string]chan struct{}),
	}
}

func (l *Local) Name() string { return "local" }

func (l *Local) path(queueID, ext string) string {
	return filepath.Join(l.logDir, queueID+ext)
}

// Submit starts script with the datafiles as arguments. The output directory
// is passed in POOL_OUTDIR. The job runs in its own process group and
// outlives ctx and the pool; only Delete stops it.
func (l *Local) Submit(ctx context.Context, datafiles []string, outputDir, script string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return "", &FatalQueueError{Backend: l.Name(), Op: "submit", Err: fmt.Errorf("create log dir: %w", err)}
	}
	info, err := os.Stat(script)
	if err != nil {
		return "", &SubmissionError{Backend: l.Name(), Reason: "script not found", Err: err}
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return "", &SubmissionError{Backend: l.Name(), Reason: fmt.Sprintf("script %s is not executable", script)}
	}
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return "", &SubmissionError{Backend: l.Name(), Reason: "create output dir", Err: err}
		}
	}

	id := uuid.NewString()
	stdout, err := os.Create(l.path(id, ".out"))
	if err != nil {
		return "", &FatalQueueError{Backend: l.Name(), Op: "submit", Err: err}
	}
	stderr, err := os.Create(l.path(id, ".err"))
	if err != nil {
		stdout.Close()
		return "", &FatalQueueError{Backend: l.Name(), Op: "submit", Err: err}
	}

	cmd := exec.Command("/bin/sh", append([]string{"-c", exitRecorder, script}, datafiles...)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), "POOL_OUTDIR="+outputDir, "POOL_EXITFILE="+l.path(id, ".exit"))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if outputDir != "" {
		cmd.Dir = outputDir
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", &SubmissionError{Backend: l.Name(), Reason: "start script", Err: err}
	}
	pid := cmd.Process.Pid
	if err := os.WriteFile(l.path(id, ".pid"), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		l.logger.Error("record pid", "queue_id", id, "pid", pid, "error", err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.running[id] = cmd
	l.done[id] = done
	l.mu.Unlock()

	go l.wait(id, cmd, stdout, stderr, done)

	l.logger.Info("job started", "queue_id", id, "pid", pid, "files", len(datafiles))
	return id, nil
}

// wait reaps the process. The shell has normally recorded the exit code;
// a job killed by a signal gets one here.
func (l *Local) wait(id string, cmd *exec.Cmd, stdout, stderr *os.File, done chan struct{}) {
	err := cmd.Wait()
	stdout.Close()
	stderr.Close()

	code := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}
	l.recordExit(id, code)

	l.mu.Lock()
	delete(l.running, id)
	delete(l.done, id)
	l.mu.Unlock()
	close(done)
	l.logger.Debug("job exited", "queue_id", id, "exit_code", code)
}

// recordExit writes the exit file unless one exists already.
func (l *Local) recordExit(id string, code int) {
	f, err := os.OpenFile(l.path(id, ".exit"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return
	}
	if err == nil {
		_, err = fmt.Fprintf(f, "%d\n", code)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		l.logger.Error("record exit code", "queue_id", id, "error", err)
	}
}

func (l *Local) CanSubmit(ctx context.Context) (bool, error) {
	running, queued, err := l.Status(ctx)
	if err != nil {
		return false, err
	}
	return l.limits.Allows(running, queued), nil
}

func (l *Local) IsRunning(_ context.Context, queueID string) (bool, error) {
	l.mu.Lock()
	_, ok := l.running[queueID]
	l.mu.Unlock()
	if ok {
		return true, nil
	}
	_, alive := l.adopted(queueID)
	return alive, nil
}

// adopted looks up a job this Local did not start, typically one left by a
// previous pool process. It returns the job's pid and whether it is alive.
func (l *Local) adopted(queueID string) (int, bool) {
	if info, err := os.Stat(l.path(queueID, ".exit")); err == nil && info.Size() > 0 {
		return 0, false
	}
	data, err := os.ReadFile(l.path(queueID, ".pid"))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	err = unix.Kill(pid, 0)
	return pid, err == nil || errors.Is(err, unix.EPERM)
}

// Delete kills the job's process group. A job this Local started is waited
// for; an adopted one is recorded as killed.
func (l *Local) Delete(ctx context.Context, queueID string) (bool, error) {
	l.mu.Lock()
	cmd, ok := l.running[queueID]
	done := l.done[queueID]
	l.mu.Unlock()
	if !ok {
		return l.deleteAdopted(queueID)
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return false, fmt.Errorf("kill %s: %w", queueID, err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	l.logger.Info("job deleted", "queue_id", queueID)
	return true, nil
}

func (l *Local) deleteAdopted(queueID string) (bool, error) {
	pid, alive := l.adopted(queueID)
	if !alive {
		return false, nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}
		return false, fmt.Errorf("kill %s: %w", queueID, err)
	}
	l.recordExit(queueID, -1)
	l.logger.Info("adopted job deleted", "queue_id", queueID, "pid", pid)
	return true, nil
}

// Status counts live jobs, including adopted ones. Local jobs never wait in
// a queue.
func (l *Local) Status(_ context.Context) (int, int, error) {
	l.mu.Lock()
	running := len(l.running)
	mine := make(map[string]bool, len(l.running))
	for id := range l.running {
		mine[id] = true
	}
	l.mu.Unlock()

	pids, err := filepath.Glob(filepath.Join(l.logDir, "*.pid"))
	if err != nil {
		return 0, 0, err
	}
	for _, p := range pids {
		id := strings.TrimSuffix(filepath.Base(p), ".pid")
		if mine[id] {
			continue
		}
		if _, alive := l.adopted(id); alive {
			running++
		}
	}
	return running, 0, nil
}

// HadErrors is true when the error log is non-empty or the exit code is
// non-zero or was never recorded.
func (l *Local) HadErrors(ctx context.Context, queueID string) (bool, error) {
	errLog, err := l.ReadErrorLog(ctx, queueID)
	if err != nil {
		return true, err
	}
	if strings.TrimSpace(errLog) != "" {
		return true, nil
	}
	data, err := os.ReadFile(l.path(queueID, ".exit"))
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return true, nil
	}
	return code != 0, nil
}

func (l *Local) ReadErrorLog(_ context.Context, queueID string) (string, error) {
	return readLog(l.path(queueID, ".err"))
}

func (l *Local) ReadOutputLog(_ context.Context, queueID string) (string, error) {
	return readLog(l.path(queueID, ".out"))
}

// readLog returns the file content, or "" if it does not exist.
func readLog(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
