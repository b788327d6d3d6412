package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/jobpool/internal/config"
)

// mockRunner records calls and returns canned responses.
type mockRunner struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	name string
	args []string
}

type mockResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{name: name, args: args})
	if m.callIdx >= len(m.results) {
		return "", "", -1, fmt.Errorf("unexpected call %d", m.callIdx)
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r.stdout, r.stderr, r.exitCode, r.err
}

func testPBS(t *testing.T, results ...mockResult) (*PBS, *mockRunner) {
	t.Helper()
	runner := &mockRunner{results: results}
	cfg := config.PBS{QueueName: "batch", JobName: "palfa", User: "pipeline", Resources: "nodes=1:ppn=4"}
	return newPBSWithRunner(cfg, t.TempDir(), Limits{MaxRunning: 2, MaxQueued: 1}, newTestLogger(), runner), runner
}

const qstatTable = `
hostname:
                                                                   Req'd  Req'd   Elap
Job ID               Username Queue    Jobname    SessID NDS   TSK Memory Time  S Time
-------------------- -------- -------- ---------- ------ ----- --- ------ ----- - -----
1001.hostname        pipeline batch    palfa       12345     1   4    --  24:00 R 01:10
1002.hostname        pipeline batch    palfa          --     1   4    --  24:00 Q   --
1003.hostname        pipeline batch    other          --     1   4    --  24:00 R   --
`

func TestPBS_SubmitSuccess(t *testing.T) {
	p, runner := testPBS(t, mockResult{stdout: "1234.hostname\n"})

	id, err := p.Submit(context.Background(), []string{"/data/a.fits", "/data/b.fits"}, "/results/7", "/opt/run.sh")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "1234.hostname" {
		t.Errorf("id = %q", id)
	}

	call := runner.calls[0]
	if call.name != "qsub" {
		t.Fatalf("command = %q", call.name)
	}
	args := strings.Join(call.args, " ")
	for _, want := range []string{"-N palfa", "-q batch", "-l nodes=1:ppn=4", "DATAFILES=/data/a.fits:/data/b.fits,OUTDIR=/results/7"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if call.args[len(call.args)-1] != "/opt/run.sh" {
		t.Errorf("script must be the last argument: %v", call.args)
	}
}

func TestPBS_SubmitRejected(t *testing.T) {
	p, _ := testPBS(t, mockResult{stderr: "qsub: Job exceeds queue resource limits", exitCode: 38})
	_, err := p.Submit(context.Background(), []string{"/data/a.fits"}, "/out", "/opt/run.sh")
	var se *SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SubmissionError", err)
	}
	if !strings.Contains(se.Reason, "resource limits") {
		t.Errorf("reason = %q", se.Reason)
	}
}

func TestPBS_SubmitFatal(t *testing.T) {
	tests := []struct {
		name   string
		result mockResult
	}{
		{"binary missing", mockResult{err: errors.New(`exec: "qsub": executable file not found in $PATH`)}},
		{"server down", mockResult{stderr: "qsub: cannot connect to server pbs01 (errno=111) Connection refused", exitCode: 111}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := testPBS(t, tt.result)
			_, err := p.Submit(context.Background(), []string{"/data/a.fits"}, "/out", "/opt/run.sh")
			if !IsFatal(err) {
				t.Errorf("err = %v, want FatalQueueError", err)
			}
		})
	}
}

func TestPBS_SubmitSeparatorInPath(t *testing.T) {
	p, runner := testPBS(t)
	_, err := p.Submit(context.Background(), []string{"/data/a,b.fits"}, "/out", "/opt/run.sh")
	if !IsSubmissionError(err) {
		t.Errorf("err = %v, want SubmissionError", err)
	}
	if len(runner.calls) != 0 {
		t.Error("qsub must not run")
	}
}

func TestPBS_IsRunning(t *testing.T) {
	tests := []struct {
		name   string
		result mockResult
		want   bool
	}{
		{"running", mockResult{stdout: "Job ID  Name  User  Time Use S Queue\n------\n1234.hostname palfa pipeline 00:01:00 R batch\n"}, true},
		{"queued", mockResult{stdout: "1234.hostname palfa pipeline 0 Q batch\n"}, true},
		{"exiting", mockResult{stdout: "1234.hostname palfa pipeline 00:10:00 E batch\n"}, true},
		{"completed", mockResult{stdout: "1234.hostname palfa pipeline 00:10:00 C batch\n"}, false},
		{"shortened server", mockResult{stdout: "1234.host palfa pipeline 00:01:00 R batch\n"}, true},
		{"other job sharing a prefix", mockResult{stdout: "12345.hostname palfa pipeline 00:01:00 R batch\n"}, false},
		{"unknown", mockResult{stderr: "qstat: Unknown Job Id 1234.hostname", exitCode: 153}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := testPBS(t, tt.result)
			got, err := p.IsRunning(context.Background(), "1234.hostname")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("IsRunning = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPBS_StatusAndCanSubmit(t *testing.T) {
	p, runner := testPBS(t, mockResult{stdout: qstatTable}, mockResult{stdout: qstatTable})

	running, queued, err := p.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if running != 1 || queued != 1 {
		t.Errorf("Status = %d running, %d queued; want 1, 1", running, queued)
	}
	if got := strings.Join(runner.calls[0].args, " "); got != "-u pipeline" {
		t.Errorf("qstat args = %q", got)
	}

	ok, err := p.CanSubmit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("CanSubmit = true with the queued ceiling reached")
	}
}

func TestCountStates_JobNames(t *testing.T) {
	const table = `
Job ID               Username Queue    Jobname          SessID NDS   TSK Memory Time  S Time
-------------------- -------- -------- ---------------- ------ ----- --- ------ ----- - -----
2001.hostname        pipeline batch    p                 12345     1   4    --  24:00 R 01:10
2002.hostname        pipeline batch    palfa_search_v   12346     1   4    --  24:00 R 01:10
2003.hostname        pipeline batch    palfa_sear*          --     1   4    --  24:00 Q   --
2004.hostname        pipeline batch    palfa_search_x   12347     1   4    --  24:00 R 01:10
`
	tests := []struct {
		jobName         string
		running, queued int
	}{
		{"palfa", 0, 0},
		{"palfa_search_v2_beams", 1, 1},
		{"p", 1, 0},
	}
	for _, tt := range tests {
		running, queued, err := countStates(table, tt.jobName)
		if err != nil {
			t.Fatal(err)
		}
		if running != tt.running || queued != tt.queued {
			t.Errorf("countStates(%q) = %d running, %d queued; want %d, %d",
				tt.jobName, running, queued, tt.running, tt.queued)
		}
	}
}

func TestPBS_Delete(t *testing.T) {
	p, _ := testPBS(t, mockResult{}, mockResult{stderr: "qdel: Unknown Job Id", exitCode: 153})
	ok, err := p.Delete(context.Background(), "1.h")
	if err != nil || !ok {
		t.Errorf("Delete = %v, %v", ok, err)
	}
	ok, err = p.Delete(context.Background(), "2.h")
	if err != nil || ok {
		t.Errorf("Delete unknown = %v, %v", ok, err)
	}
}

func noStageDelay(t *testing.T) {
	t.Helper()
	prev := logStageDelay
	logStageDelay = 0
	t.Cleanup(func() { logStageDelay = prev })
}

func TestPBS_Logs(t *testing.T) {
	noStageDelay(t)
	p, _ := testPBS(t)
	if err := os.WriteFile(filepath.Join(p.logDir, "palfa.o1234"), []byte("done\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p.logDir, "palfa.e1234"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	out, err := p.ReadOutputLog(ctx, "1234.hostname")
	if err != nil || out != "done\n" {
		t.Errorf("output = %q, %v", out, err)
	}
	hadErrors, err := p.HadErrors(ctx, "1234.hostname")
	if err != nil || hadErrors {
		t.Errorf("HadErrors = %v, %v", hadErrors, err)
	}

	if err := os.WriteFile(filepath.Join(p.logDir, "palfa.e1234"), []byte("Segmentation fault\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hadErrors, err = p.HadErrors(ctx, "1234.hostname")
	if err != nil || !hadErrors {
		t.Errorf("HadErrors = %v, %v", hadErrors, err)
	}
}

func TestPBS_HadErrorsBeforeLogsStaged(t *testing.T) {
	noStageDelay(t)
	p, _ := testPBS(t)
	ctx := context.Background()

	_, err := p.HadErrors(ctx, "4242.hostname")
	if !errors.Is(err, ErrOutcomePending) {
		t.Fatalf("err = %v, want ErrOutcomePending", err)
	}
	if errLog, err := p.ReadErrorLog(ctx, "4242.hostname"); err != nil || errLog != "" {
		t.Errorf("ReadErrorLog = %q, %v", errLog, err)
	}

	if err := os.WriteFile(filepath.Join(p.logDir, "palfa.e4242"), []byte("=>> PBS: job killed: walltime 86432 exceeded limit 86400\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hadErrors, err := p.HadErrors(ctx, "4242.hostname")
	if err != nil || !hadErrors {
		t.Errorf("HadErrors = %v, %v", hadErrors, err)
	}
}

func TestJobSeq(t *testing.T) {
	if got := jobSeq("1234.pbs01.example.org"); got != "1234" {
		t.Errorf("jobSeq = %q", got)
	}
	if got := jobSeq("1234"); got != "1234" {
		t.Errorf("jobSeq = %q", got)
	}
}
