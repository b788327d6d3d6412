// Package notify delivers operator alerts. Delivery never blocks or fails
// the scheduler: errors are logged and dropped.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/me/jobpool/internal/config"
	"github.com/me/jobpool/internal/logging"
)

// Level is the severity of an alert.
type Level string

const (
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// Message is one operator alert.
type Message struct {
	Subject string
	Body    string
	Level   Level
}

// Notifier delivers a message synchronously.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NopNotifier drops every message.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Message) error { return nil }

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.For(logger, "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	level := slog.LevelWarn
	if msg.Level == LevelError || msg.Level == LevelFatal {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "operator alert", "subject", msg.Subject, "level", msg.Level, "body", msg.Body)
	return nil
}

// Dispatcher sends messages asynchronously with a per-message timeout.
type Dispatcher struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher wraps next. A zero timeout defaults to 30 seconds.
func NewDispatcher(next Notifier, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		next:    next,
		timeout: timeout,
		logger:  logging.For(logger, "notify-dispatcher"),
	}
}

// Send queues msg for delivery and returns immediately.
func (d *Dispatcher) Send(msg Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.next.Notify(ctx, msg); err != nil {
			d.logger.Error("notification failed", "subject", msg.Subject, "error", err)
		}
	}()
}

// Wait blocks until every queued message has been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// New builds the notifier selected by cfg.Kind.
func New(cfg config.Notify, logger *slog.Logger) (Notifier, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "none":
		return NopNotifier{}, nil
	case "log":
		return NewLogNotifier(logger), nil
	case "smtp":
		return NewSMTPNotifier(cfg.SMTP), nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Kind)
	}
}
