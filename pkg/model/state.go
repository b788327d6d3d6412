package model

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusNew                JobStatus = "new"
	JobStatusSubmitted          JobStatus = "submitted"
	JobStatusProcessing         JobStatus = "processing"
	JobStatusProcessingComplete JobStatus = "processing_complete"
	JobStatusUploaded           JobStatus = "uploaded"
	JobStatusRetrying           JobStatus = "retrying"
	JobStatusFailed             JobStatus = "failed"
	JobStatusTerminalFailure    JobStatus = "terminal_failure"
	JobStatusDeleted            JobStatus = "deleted"
)

// AllJobStatuses lists every job status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusNew,
	JobStatusSubmitted,
	JobStatusProcessing,
	JobStatusProcessingComplete,
	JobStatusUploaded,
	JobStatusRetrying,
	JobStatusFailed,
	JobStatusTerminalFailure,
	JobStatusDeleted,
}

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if no further automatic scheduling happens for the job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusUploaded, JobStatusTerminalFailure, JobStatusDeleted:
		return true
	}
	return false
}

// IsInFlight returns true if the job is expected to have a live queue submission.
func (s JobStatus) IsInFlight() bool {
	return s == JobStatusSubmitted || s == JobStatusProcessing
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	for _, known := range AllJobStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// Operator kill reaches terminal_failure from every non-terminal state.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusNew:                {JobStatusSubmitted, JobStatusFailed, JobStatusTerminalFailure},
	JobStatusSubmitted:          {JobStatusProcessing, JobStatusProcessingComplete, JobStatusFailed, JobStatusRetrying, JobStatusTerminalFailure},
	JobStatusProcessing:         {JobStatusProcessingComplete, JobStatusFailed, JobStatusRetrying, JobStatusTerminalFailure},
	JobStatusProcessingComplete: {JobStatusUploaded, JobStatusTerminalFailure},
	JobStatusFailed:             {JobStatusRetrying, JobStatusTerminalFailure},
	JobStatusRetrying:           {JobStatusSubmitted, JobStatusFailed, JobStatusTerminalFailure},
	JobStatusUploaded:           {JobStatusDeleted},
	JobStatusTerminalFailure:    {JobStatusDeleted},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobStatusesInto returns, in lifecycle order, every status that may transition to next.
func JobStatusesInto(next JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range AllJobStatuses {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// SubmitStatus represents the lifecycle state of a JobSubmit (one queue attempt).
type SubmitStatus string

const (
	SubmitStatusNew      SubmitStatus = "new"
	SubmitStatusRunning  SubmitStatus = "running"
	SubmitStatusFinished SubmitStatus = "finished"
	SubmitStatusFailed   SubmitStatus = "failed"
	SubmitStatusStopped  SubmitStatus = "stopped"
	SubmitStatusDeleted  SubmitStatus = "deleted"
)

// InFlightSubmitStatuses are the statuses of a submission that still occupies the queue.
var InFlightSubmitStatuses = []SubmitStatus{SubmitStatusNew, SubmitStatusRunning}

// String returns the string representation of the submission status.
func (s SubmitStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the submission is in a final state.
func (s SubmitStatus) IsTerminal() bool {
	switch s {
	case SubmitStatusFinished, SubmitStatusFailed, SubmitStatusStopped, SubmitStatusDeleted:
		return true
	}
	return false
}

// ValidSubmitTransitions defines the allowed state transitions for submissions.
var ValidSubmitTransitions = map[SubmitStatus][]SubmitStatus{
	SubmitStatusNew:     {SubmitStatusRunning, SubmitStatusFailed, SubmitStatusStopped, SubmitStatusDeleted},
	SubmitStatusRunning: {SubmitStatusFinished, SubmitStatusFailed, SubmitStatusStopped, SubmitStatusDeleted},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s SubmitStatus) CanTransitionTo(next SubmitStatus) bool {
	for _, allowed := range ValidSubmitTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FileStatus represents the state of a raw input file.
type FileStatus string

const (
	FileStatusNew        FileStatus = "new"
	FileStatusDownloaded FileStatus = "downloaded"
	FileStatusAdded      FileStatus = "added"
	FileStatusDeleted    FileStatus = "deleted"
)

// Groupable returns true if files in this state are candidates for a job file-set.
func (s FileStatus) Groupable() bool {
	return s == FileStatusDownloaded || s == FileStatusAdded
}

// RequestStatus is the status of a restore request as written by the download collaborator.
type RequestStatus string

const (
	RequestStatusWaiting   RequestStatus = "waiting"
	RequestStatusFinished  RequestStatus = "finished"
	RequestStatusCleanedUp RequestStatus = "cleaned_up"
	RequestStatusFailed    RequestStatus = "failed"
)

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusWaiting, RequestStatusFinished, RequestStatusCleanedUp, RequestStatusFailed:
		return true
	}
	return false
}
