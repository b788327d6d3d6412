package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys shared by every component, so one job can be followed
// from grouping through its queue submissions in a single grep.
const (
	KeyComponent = "component"
	KeyJobID     = "job_id"
	KeySubmitID  = "submit_id"
	KeyQueueID   = "queue_id"
)

// New returns the pool logger on stderr. Stdout belongs to command output
// such as job listings.
func New(level, format string) *slog.Logger {
	return NewWithWriter(ParseLevel(level), format, os.Stderr)
}

// NewWithWriter returns a logger writing text (the default) or json to w.
func NewWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: readableDurations}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// readableDurations renders durations such as a submission's age as "1h2m0s"
// in both formats. The json handler would otherwise emit nanoseconds.
func readableDurations(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		a.Value = slog.StringValue(a.Value.Duration().String())
	}
	return a
}

// For scopes l to a named component of the pool.
func For(l *slog.Logger, component string) *slog.Logger {
	return l.With(KeyComponent, component)
}

// Submission scopes l to one submission of a job. The queue id is left
// out until the queue has assigned one.
func Submission(l *slog.Logger, jobID, submitID int64, queueID string) *slog.Logger {
	args := []any{KeyJobID, jobID, KeySubmitID, submitID}
	if queueID != "" {
		args = append(args, KeyQueueID, queueID)
	}
	return l.With(args...)
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
// Anything else means info.
func ParseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
