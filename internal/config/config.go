package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration. It is built once at startup
// and handed by value to the components that need a part of it.
type Config struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	Store   Store   `yaml:"store"`
	Pool    Pool    `yaml:"pool"`
	Queue   Queue   `yaml:"queue"`
	Notify  Notify  `yaml:"notify"`
	Upload  Upload  `yaml:"upload"`
	Metrics Metrics `yaml:"metrics"`
}

// Store configures the durable store.
type Store struct {
	Path string `yaml:"path"` // SQLite database path (":memory:" for testing)

	// RetryBackoff is the fixed wait between attempts when the database is
	// locked by another process.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// RetryCeiling bounds lock retries. Zero retries forever.
	RetryCeiling int `yaml:"retry_ceiling"`
}

// Pool configures the job lifecycle scheduler.
type Pool struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxJobsRunning    int           `yaml:"max_jobs_running"`
	MaxJobsQueued     int           `yaml:"max_jobs_queued"`
	MaxAttempts       int           `yaml:"max_attempts"`
	MaxSubmitsPerPass int           `yaml:"max_submits_per_pass"` // 0 = bounded only by the queue

	// ObstimeLimit bounds how long a job may stay submitted/processing
	// before it is treated as stuck. Zero disables the check.
	ObstimeLimit time.Duration `yaml:"obstime_limit"`

	Script        string `yaml:"script"`         // processing script handed to the queue
	OutputRoot    string `yaml:"output_root"`    // per-submission output directories live here
	DeleteRawdata bool   `yaml:"delete_rawdata"` // remove released raw files from disk
	ExitOnFatal   bool   `yaml:"exit_on_fatal"`  // stop the loop on queue/store fatal errors

	// RequiredSubbands lists the subbands that make an observation complete.
	RequiredSubbands []int `yaml:"required_subbands"`
}

// Queue selects and configures the batch queue backend.
type Queue struct {
	Backend string `yaml:"backend"` // local, pbs
	LogDir  string `yaml:"log_dir"`

	// Limits are copied from Pool at load time so the backend can answer
	// CanSubmit without reaching back into scheduler configuration.
	MaxRunning int `yaml:"-"`
	MaxQueued  int `yaml:"-"`

	PBS PBS `yaml:"pbs"`
}

// PBS configures the PBS/Torque backend.
type PBS struct {
	QueueName string        `yaml:"queue_name"`
	JobName   string        `yaml:"job_name"`
	User      string        `yaml:"user"`
	Resources string        `yaml:"resources"` // passed to qsub -l
	Timeout   time.Duration `yaml:"timeout"`   // per command
}

// Notify configures operator alerts.
type Notify struct {
	Kind    string        `yaml:"kind"` // none, log, smtp
	Timeout time.Duration `yaml:"timeout"`
	// TerminalFailures also alerts when a job exhausts its attempts.
	TerminalFailures bool `yaml:"terminal_failures"`

	SMTP SMTP `yaml:"smtp"`
}

// SMTP configures the email notifier.
type SMTP struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Upload configures the optional S3 upload collaborator.
type Upload struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// Metrics configures the HTTP status surface.
type Metrics struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Store: Store{
			Path:         "jobpool.db",
			RetryBackoff: time.Second,
		},
		Pool: Pool{
			PollInterval:     30 * time.Second,
			MaxJobsRunning:   50,
			MaxJobsQueued:    10,
			MaxAttempts:      3,
			ObstimeLimit:     48 * time.Hour,
			OutputRoot:       "results",
			RequiredSubbands: []int{0, 1},
		},
		Queue: Queue{
			Backend: "local",
			LogDir:  "qlogs",
			PBS: PBS{
				JobName: "jobpool",
				Timeout: 30 * time.Second,
			},
		},
		Notify: Notify{
			Kind:    "log",
			Timeout: 30 * time.Second,
			SMTP:    SMTP{Port: 25},
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path yields the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg.Finalize()
}

// Finalize derives dependent fields and validates the configuration.
func (c Config) Finalize() (Config, error) {
	c.Queue.MaxRunning = c.Pool.MaxJobsRunning
	c.Queue.MaxQueued = c.Pool.MaxJobsQueued
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.RetryBackoff < 0 {
		errs = append(errs, errors.New("store.retry_backoff must not be negative"))
	}
	if c.Store.RetryCeiling < 0 {
		errs = append(errs, errors.New("store.retry_ceiling must not be negative"))
	}
	if c.Pool.PollInterval <= 0 {
		errs = append(errs, errors.New("pool.poll_interval must be positive"))
	}
	if c.Pool.MaxJobsRunning < 1 {
		errs = append(errs, errors.New("pool.max_jobs_running must be at least 1"))
	}
	if c.Pool.MaxJobsQueued < 1 {
		errs = append(errs, errors.New("pool.max_jobs_queued must be at least 1"))
	}
	if c.Pool.MaxAttempts < 1 {
		errs = append(errs, errors.New("pool.max_attempts must be at least 1"))
	}
	if c.Pool.MaxSubmitsPerPass < 0 {
		errs = append(errs, errors.New("pool.max_submits_per_pass must not be negative"))
	}
	if len(c.Pool.RequiredSubbands) == 0 {
		errs = append(errs, errors.New("pool.required_subbands must not be empty"))
	}
	switch c.Queue.Backend {
	case "local", "pbs":
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not one of local, pbs", c.Queue.Backend))
	}
	switch strings.ToLower(c.Notify.Kind) {
	case "", "none", "log":
	case "smtp":
		if c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "" || len(c.Notify.SMTP.To) == 0 {
			errs = append(errs, errors.New("notify.smtp requires host, from and to"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.kind %q is not one of none, log, smtp", c.Notify.Kind))
	}
	if c.Upload.Enabled && c.Upload.Bucket == "" {
		errs = append(errs, errors.New("upload.bucket is required when upload is enabled"))
	}
	return errors.Join(errs...)
}
