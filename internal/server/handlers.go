package server

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/jobpool/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rp := s.reply(w, r)
	resp := healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     "ok",
	}
	if _, err := s.store.CountJobsByStatus(r.Context()); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		resp.Status = "unhealthy"
		resp.Store = err.Error()
		rp.unavailable(resp)
		return
	}
	rp.ok(resp)
}

type queueStatus struct {
	Backend string `json:"backend"`
	Running int    `json:"running"`
	Queued  int    `json:"queued"`
	Error   string `json:"error,omitempty"`
}

type summaryResponse struct {
	Jobs  model.JobSummary `json:"jobs"`
	Total int              `json:"total"`
	Queue *queueStatus     `json:"queue,omitempty"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	rp := s.reply(w, r)

	summary, err := s.store.CountJobsByStatus(r.Context())
	if err != nil {
		rp.fail(err)
		return
	}
	resp := summaryResponse{Jobs: summary, Total: summary.Total()}

	if s.queue != nil {
		qs := &queueStatus{Backend: s.queue.Name()}
		running, queued, err := s.queue.Status(r.Context())
		if err != nil {
			qs.Error = err.Error()
		} else {
			qs.Running, qs.Queued = running, queued
		}
		resp.Queue = qs
	}
	rp.ok(resp)
}

// listOptions parses ?status=&limit=&offset=.
func listOptions(r *http.Request) (model.ListOptions, error) {
	q := r.URL.Query()
	opts := model.DefaultListOptions()
	opts.Status = q.Get("status")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, errors.New("limit must be an integer")
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, errors.New("offset must be an integer")
		}
		opts.Offset = n
	}
	opts.Clamp()
	return opts, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	rp := s.reply(w, r)

	opts, err := listOptions(r)
	if err != nil {
		rp.invalid(err.Error())
		return
	}
	var statuses []model.JobStatus
	if opts.Status != "" {
		st := model.JobStatus(opts.Status)
		if !st.Valid() {
			rp.invalid("unknown job status " + strconv.Quote(opts.Status))
			return
		}
		statuses = append(statuses, st)
	}

	jobs, err := s.store.ListJobs(r.Context(), statuses...)
	if err != nil {
		rp.fail(err)
		return
	}
	start, end, pg := opts.Window(len(jobs))
	rp.page(jobs[start:end], pg)
}

type jobDetail struct {
	*model.Job
	Files   []*model.File      `json:"files"`
	Submits []*model.JobSubmit `json:"submits"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rp := s.reply(w, r)
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		rp.invalid("job id must be an integer")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		rp.notFound("job", raw)
		return
	}
	if err != nil {
		rp.fail(err)
		return
	}
	files, err := s.store.ListJobFiles(r.Context(), id)
	if err != nil {
		rp.fail(err)
		return
	}
	subs, err := s.store.ListSubmits(r.Context(), id)
	if err != nil {
		rp.fail(err)
		return
	}
	rp.ok(jobDetail{Job: job, Files: files, Submits: subs})
}
