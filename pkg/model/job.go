package model

import (
	"path/filepath"
	"time"
)

// File is one raw input data file tracked by the pipeline.
type File struct {
	ID             int64      `json:"id"`
	Filename       string     `json:"filename"` // absolute local path
	RemoteFilename string     `json:"remote_filename"`
	Status         FileStatus `json:"status"`
	Size           int64      `json:"size"`
	Details        string     `json:"details,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Base returns the file's base name, which carries the observation encoding.
func (f File) Base() string {
	return filepath.Base(f.Filename)
}

// Job is one schedulable unit of processing work over a fixed file-set.
type Job struct {
	ID        int64     `json:"id"`
	Status    JobStatus `json:"status"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobSubmit is one attempt to execute a Job on the external batch queue.
type JobSubmit struct {
	ID        int64        `json:"id"`
	JobID     int64        `json:"job_id"`
	QueueID   string       `json:"queue_id,omitempty"` // empty until the queue accepts the job
	Status    SubmitStatus `json:"status"`
	OutputDir string       `json:"output_dir"`
	Details   string       `json:"details,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Request is a batch restore request created by the download collaborator.
type Request struct {
	ID           int64         `json:"id"`
	GUID         string        `json:"guid"`
	Status       RequestStatus `json:"status"`
	NumRequested int           `json:"numrequested"`
	Details      string        `json:"details,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// JobSummary is an aggregate count of jobs per status.
type JobSummary map[JobStatus]int

// Total returns the number of jobs across all statuses.
func (s JobSummary) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}
