package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/me/jobpool/pkg/model"
)

// reply writes enveloped JSON for a single request. Every body carries the
// request id so a report can be matched to the access log line.
type reply struct {
	w      http.ResponseWriter
	id     string
	logger *slog.Logger
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request) reply {
	return reply{w: w, id: RequestIDFromContext(r.Context()), logger: s.logger}
}

func (rp reply) ok(data any) {
	rp.send(http.StatusOK, model.Response{Data: data})
}

// page writes one window of a job listing.
func (rp reply) page(data any, pg *model.Pagination) {
	rp.send(http.StatusOK, model.Response{Data: data, Pagination: pg})
}

// unavailable reports a degraded pool while still returning the details.
func (rp reply) unavailable(data any) {
	rp.send(http.StatusServiceUnavailable, model.Response{Data: data})
}

func (rp reply) invalid(msg string) {
	rp.send(http.StatusBadRequest, model.Response{Error: model.NewValidationError(msg)})
}

func (rp reply) notFound(resource, id string) {
	rp.send(http.StatusNotFound, model.Response{Error: model.NewNotFoundError(resource, id)})
}

// fail maps a store error onto the envelope. Anything other than a missing
// row is a 500 and is logged with the request id.
func (rp reply) fail(err error) {
	if errors.Is(err, model.ErrNotFound) {
		rp.send(http.StatusNotFound, model.Response{
			Error: &model.APIError{Code: model.ErrCodeNotFound, Message: err.Error()},
		})
		return
	}
	rp.logger.Error("store read failed", "request_id", rp.id, "error", err)
	rp.send(http.StatusInternalServerError, model.Response{
		Error: &model.APIError{Code: model.ErrInternal, Message: err.Error()},
	})
}

func (rp reply) send(status int, resp model.Response) {
	resp.Status = "ok"
	if resp.Error != nil {
		resp.Status = "error"
	}
	resp.RequestID = rp.id
	resp.Timestamp = time.Now().UTC()

	h := rp.w.Header()
	h.Set("Content-Type", "application/json")
	// Job states move on every scheduler pass.
	h.Set("Cache-Control", "no-store")
	rp.w.WriteHeader(status)
	if err := json.NewEncoder(rp.w).Encode(resp); err != nil {
		rp.logger.Debug("write response", "request_id", rp.id, "error", err)
	}
}
