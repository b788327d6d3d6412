package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/me/jobpool/internal/queue"
	"github.com/me/jobpool/pkg/model"
)

func rejection(reason string) error {
	return &queue.SubmissionError{Backend: "fake", Reason: reason}
}

func TestScenario_RepeatedRejectionIsTerminal(t *testing.T) {
	h := testSetup(t, testPool())
	job := h.newJob("G1")
	h.queue.submitErrs = []error{rejection("bad walltime"), rejection("bad walltime"), rejection("bad walltime")}

	// Passes 1-3 each charge one attempt; pass 4 gives up.
	for i := 0; i < 4; i++ {
		h.tick()
	}

	got := h.job(job.ID)
	require.Equal(t, model.JobStatusTerminalFailure, got.Status)
	require.Contains(t, got.Details, "failed 3 of 3 attempts")

	subs := h.submits(job.ID)
	require.Len(t, subs, 3)
	for _, s := range subs {
		require.Equal(t, model.SubmitStatusFailed, s.Status)
		require.Empty(t, s.QueueID)
	}

	files, err := h.store.ListJobFiles(h.ctx, job.ID)
	require.NoError(t, err)
	for _, f := range files {
		require.Equal(t, model.FileStatusDeleted, f.Status)
	}

	h.tick()
	require.Equal(t, 3, h.queue.submits)
}

func TestScenario_TerminalFailureAlerts(t *testing.T) {
	rec := &recordingNotifier{}
	h := testSetup(t, testPool(), WithNotifier(newTestDispatcher(rec), true))
	job := h.newJob("G1")
	h.queue.submitErrs = []error{rejection("x"), rejection("x"), rejection("x")}

	for i := 0; i < 4; i++ {
		h.tick()
	}
	h.loop.notifier.Wait()

	require.Equal(t, model.JobStatusTerminalFailure, h.job(job.ID).Status)
	msgs := rec.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Subject, "terminally failed")
}

func TestScenario_AdmissionHoldsThirdJob(t *testing.T) {
	cfg := testPool()
	cfg.MaxJobsRunning = 2
	cfg.MaxJobsQueued = 1
	h := testSetup(t, cfg)
	a := h.newJob("G1")
	b := h.newJob("G2")
	c := h.newJob("G3")

	h.tick()
	h.tick()
	require.Equal(t, model.JobStatusProcessing, h.job(a.ID).Status)
	require.Equal(t, model.JobStatusProcessing, h.job(b.ID).Status)
	require.Equal(t, model.JobStatusNew, h.job(c.ID).Status)

	h.tick()
	require.Equal(t, model.JobStatusNew, h.job(c.ID).Status)

	h.queue.finish(h.active(a.ID).QueueID, "")
	h.tick()
	require.Equal(t, model.JobStatusProcessingComplete, h.job(a.ID).Status)
	require.Equal(t, model.JobStatusSubmitted, h.job(c.ID).Status)
}

func TestScenario_StoreCeilingHoldsWithoutQueueLimit(t *testing.T) {
	cfg := testPool()
	cfg.MaxJobsRunning = 1
	cfg.MaxJobsQueued = 1
	h := testSetup(t, cfg)
	// A queue that always admits leaves the store's in-flight count in charge.
	h.queue.setCanSubmit(true)
	for _, src := range []string{"G1", "G2", "G3", "G4"} {
		h.newJob(src)
	}

	h.tick()
	h.tick()
	n, err := h.store.CountInFlight(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, h.queue.submits)
}

func TestScenario_KillProcessingJob(t *testing.T) {
	h := testSetup(t, testPool())
	job := h.newJob("G1")
	h.tick()
	h.tick()
	require.Equal(t, model.JobStatusProcessing, h.job(job.ID).Status)
	sub := h.active(job.ID)
	polled := h.queue.pollCount(sub.QueueID)

	_, err := h.store.KillJob(h.ctx, job.ID, "operator kill")
	require.NoError(t, err)

	// The kill is visible before the scheduler runs again.
	require.Equal(t, model.JobStatusTerminalFailure, h.job(job.ID).Status)
	files, err := h.store.ListJobFiles(h.ctx, job.ID)
	require.NoError(t, err)
	for _, f := range files {
		require.Equal(t, model.FileStatusDeleted, f.Status)
	}

	h.tick()
	h.tick()
	require.Equal(t, polled, h.queue.pollCount(sub.QueueID))
	require.Equal(t, model.JobStatusTerminalFailure, h.job(job.ID).Status)
}

func TestScenario_FatalQueueErrorAbortsPass(t *testing.T) {
	h := testSetup(t, testPool())
	first := h.newJob("G1")
	second := h.newJob("G2")
	third := h.newJob("G3")
	h.queue.submitErrs = []error{nil, &queue.FatalQueueError{Backend: "fake", Op: "submit", Err: errors.New("qsub: cannot connect to server")}}

	err := h.loop.Tick(h.ctx)
	require.Error(t, err)
	require.True(t, IsFatal(err))
	h.assertAtMostOneInFlight()

	// The first submission stands; nothing after the failure is committed.
	require.Equal(t, model.JobStatusSubmitted, h.job(first.ID).Status)
	require.Equal(t, model.JobStatusNew, h.job(second.ID).Status)
	require.Equal(t, model.JobStatusNew, h.job(third.ID).Status)
	require.Empty(t, h.submits(second.ID))

	// The next pass picks up where this one stopped.
	h.tick()
	require.Equal(t, model.JobStatusSubmitted, h.job(second.ID).Status)
	require.Equal(t, model.JobStatusSubmitted, h.job(third.ID).Status)
}

func TestScenario_FatalPollLeavesJobs(t *testing.T) {
	h := testSetup(t, testPool())
	job := h.newJob("G1")
	h.tick()
	h.queue.pollErr = &queue.FatalQueueError{Backend: "fake", Op: "qstat", Err: errors.New("timeout")}

	err := h.loop.Tick(h.ctx)
	require.True(t, IsFatal(err))
	require.Equal(t, model.JobStatusSubmitted, h.job(job.ID).Status)
}

func TestScenario_SteadyStateIsIdempotent(t *testing.T) {
	cfg := testPool()
	cfg.MaxJobsRunning = 2
	h := testSetup(t, cfg)
	running := h.newJob("G1")
	done := h.newJob("G2")
	waiting := h.newJob("G3")

	h.tick()
	h.tick()
	h.queue.finish(h.active(done.ID).QueueID, "")
	h.tick()
	h.tick()

	require.Equal(t, model.JobStatusProcessing, h.job(running.ID).Status)
	require.Equal(t, model.JobStatusProcessingComplete, h.job(done.ID).Status)
	require.Equal(t, model.JobStatusProcessing, h.job(waiting.ID).Status)

	before := h.snapshot()
	submits := h.queue.submits
	h.tick()
	h.tick()
	require.Equal(t, before, h.snapshot())
	require.Equal(t, submits, h.queue.submits)
}
