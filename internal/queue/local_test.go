package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/jobpool/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "process.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// waitExit polls until the local job has left the process table.
func waitExit(t *testing.T, l *Local, id string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		running, err := l.IsRunning(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if !running {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s still running", id)
}

func TestLocal_SubmitSuccess(t *testing.T) {
	l := NewLocal(t.TempDir(), Limits{MaxRunning: 2, MaxQueued: 1}, newTestLogger())
	script := writeScript(t, `echo "files: $@"; echo "out=$POOL_OUTDIR"`)
	outDir := filepath.Join(t.TempDir(), "out")

	id, err := l.Submit(context.Background(), []string{"/data/a.fits", "/data/b.fits"}, outDir, script)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Fatal("empty queue id")
	}
	waitExit(t, l, id)

	out, err := l.ReadOutputLog(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "files: /data/a.fits /data/b.fits") || !strings.Contains(out, "out="+outDir) {
		t.Errorf("output log = %q", out)
	}
	hadErrors, err := l.HadErrors(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if hadErrors {
		t.Error("HadErrors = true for clean exit")
	}
	if _, err := os.Stat(outDir); err != nil {
		t.Errorf("output dir not created: %v", err)
	}
}

func TestLocal_HadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"stderr output", `echo "boom" >&2`},
		{"non-zero exit", `exit 3`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLocal(t.TempDir(), Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
			id, err := l.Submit(context.Background(), nil, "", writeScript(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			waitExit(t, l, id)
			hadErrors, err := l.HadErrors(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if !hadErrors {
				t.Error("HadErrors = false")
			}
		})
	}
}

func TestLocal_UnknownIDHadErrors(t *testing.T) {
	l := NewLocal(t.TempDir(), Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
	hadErrors, err := l.HadErrors(context.Background(), "lost")
	if err != nil {
		t.Fatal(err)
	}
	if !hadErrors {
		t.Error("a job with no recorded exit must count as failed")
	}
}

func TestLocal_MissingScript(t *testing.T) {
	l := NewLocal(t.TempDir(), Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
	_, err := l.Submit(context.Background(), nil, "", "/nonexistent/script.sh")
	var se *SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SubmissionError", err)
	}
	if IsFatal(err) {
		t.Error("missing script must not be fatal")
	}
}

func TestLocal_ScriptNotExecutable(t *testing.T) {
	l := NewLocal(t.TempDir(), Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
	script := filepath.Join(t.TempDir(), "process.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ntrue\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := l.Submit(context.Background(), nil, "", script)
	if !IsSubmissionError(err) {
		t.Errorf("err = %v, want SubmissionError", err)
	}
}

func TestLocal_AdoptsJobsAfterRestart(t *testing.T) {
	ctx := context.Background()
	logDir := t.TempDir()
	release := filepath.Join(t.TempDir(), "release")
	script := writeScript(t, `while [ ! -f "$1" ]; do sleep 0.05; done; echo "search done"`)

	first := NewLocal(logDir, Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
	id, err := first.Submit(ctx, []string{release}, "", script)
	if err != nil {
		t.Fatal(err)
	}

	// A pool restarted over the same log directory.
	second := NewLocal(logDir, Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
	running, err := second.IsRunning(ctx, id)
	if err != nil || !running {
		t.Fatalf("IsRunning after restart = %v, %v", running, err)
	}
	n, _, err := second.Status(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Status after restart = %d running, %v", n, err)
	}
	if ok, _ := second.CanSubmit(ctx); ok {
		t.Error("CanSubmit = true while an adopted job holds the running ceiling")
	}

	if err := os.WriteFile(release, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	waitExit(t, second, id)
	hadErrors, err := second.HadErrors(ctx, id)
	if err != nil || hadErrors {
		t.Errorf("HadErrors = %v, %v; the exit code must survive the restart", hadErrors, err)
	}
	out, _ := second.ReadOutputLog(ctx, id)
	if !strings.Contains(out, "search done") {
		t.Errorf("output log = %q", out)
	}
	waitExit(t, first, id)
}

func TestLocal_DeleteAdoptedJob(t *testing.T) {
	ctx := context.Background()
	logDir := t.TempDir()
	first := NewLocal(logDir, Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
	id, err := first.Submit(ctx, nil, "", writeScript(t, "sleep 30"))
	if err != nil {
		t.Fatal(err)
	}

	second := NewLocal(logDir, Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
	deleted, err := second.Delete(ctx, id)
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	if running, _ := second.IsRunning(ctx, id); running {
		t.Error("adopted job still running after Delete")
	}
	hadErrors, err := second.HadErrors(ctx, id)
	if err != nil || !hadErrors {
		t.Errorf("HadErrors = %v, %v; a killed job failed", hadErrors, err)
	}
	waitExit(t, first, id)
}

func TestLocal_UnusableLogDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLocal(filepath.Join(file, "logs"), Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
	_, err := l.Submit(context.Background(), nil, "", writeScript(t, "true"))
	if !IsFatal(err) {
		t.Errorf("err = %v, want FatalQueueError", err)
	}
}

func TestLocal_CanSubmitAndDelete(t *testing.T) {
	l := NewLocal(t.TempDir(), Limits{MaxRunning: 1, MaxQueued: 1}, newTestLogger())
	ctx := context.Background()

	ok, err := l.CanSubmit(ctx)
	if err != nil || !ok {
		t.Fatalf("CanSubmit = %v, %v", ok, err)
	}

	id, err := l.Submit(ctx, nil, "", writeScript(t, "sleep 30"))
	if err != nil {
		t.Fatal(err)
	}
	running, queued, err := l.Status(ctx)
	if err != nil || running != 1 || queued != 0 {
		t.Fatalf("Status = %d, %d, %v", running, queued, err)
	}
	if ok, _ := l.CanSubmit(ctx); ok {
		t.Error("CanSubmit = true at the running ceiling")
	}

	deleted, err := l.Delete(ctx, id)
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	if running, _ := l.IsRunning(ctx, id); running {
		t.Error("job still running after Delete")
	}
	if deleted, _ := l.Delete(ctx, id); deleted {
		t.Error("second Delete reported true")
	}
}

func TestNew(t *testing.T) {
	for _, backend := range []string{"local", "pbs"} {
		a, err := New(config.Queue{Backend: backend, LogDir: t.TempDir(), MaxRunning: 1, MaxQueued: 1}, newTestLogger())
		if err != nil {
			t.Fatalf("New(%s): %v", backend, err)
		}
		if a.Name() != backend {
			t.Errorf("Name() = %q, want %q", a.Name(), backend)
		}
	}
	if _, err := New(config.Queue{Backend: "slurm"}, newTestLogger()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestLimits_Allows(t *testing.T) {
	l := Limits{MaxRunning: 2, MaxQueued: 1}
	tests := []struct {
		running, queued int
		want            bool
	}{
		{0, 0, true},
		{1, 0, true},
		{2, 0, false},
		{1, 1, false},
	}
	for _, tt := range tests {
		if got := l.Allows(tt.running, tt.queued); got != tt.want {
			t.Errorf("Allows(%d, %d) = %v, want %v", tt.running, tt.queued, got, tt.want)
		}
	}
}
