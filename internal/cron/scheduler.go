// Package cron submits heartbeat and named-job events on cron triggers.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roshni-ai/roshni/internal/config"
	"github.com/roshni-ai/roshni/internal/events"
)

// cronParser supports both standard (5-field) and extended (6-field with
// seconds) cron expressions, plus @-descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// SubmitFunc delivers a scheduler-created event to the gateway.
type SubmitFunc func(*events.Event) error

// Heartbeat is a periodic wake-up. Prompt is static; PromptFn, when set,
// is evaluated at fire time and wins over Prompt.
type Heartbeat struct {
	Kind     string
	Cron     string
	Every    time.Duration
	Prompt   string
	PromptFn func() string
	Channel  string
}

// Job is one named scheduled job.
type Job struct {
	ID       string
	Prompt   string
	Cron     string
	Every    time.Duration
	Timezone string
	CallType string
	Channel  string
	Metadata map[string]any
}

// Scheduler registers cron triggers that create events and hand them to
// the injected submit function. All triggers share the scheduler's
// timezone unless a job overrides it.
type Scheduler struct {
	submit SubmitFunc
	loc    *time.Location
	runner *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	entries int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// New creates a scheduler submitting through fn, with all crons evaluated
// in the named timezone (empty means UTC).
func New(fn SubmitFunc, timezone string, opts ...Option) (*Scheduler, error) {
	if fn == nil {
		return nil, fmt.Errorf("submit function is required")
	}
	loc := time.UTC
	if strings.TrimSpace(timezone) != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid scheduler timezone %q: %w", timezone, err)
		}
	}
	s := &Scheduler{
		submit: fn,
		loc:    loc,
		logger: slog.Default().With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runner = cron.New(
		cron.WithLocation(s.loc),
		cron.WithParser(cronParser),
	)
	return s, nil
}

// RegisterHeartbeat installs a heartbeat trigger.
func (s *Scheduler) RegisterHeartbeat(hb Heartbeat) error {
	if hb.Kind == "" {
		hb.Kind = "wake"
	}
	if hb.Prompt == "" && hb.PromptFn == nil {
		return fmt.Errorf("heartbeat %s: prompt or prompt_fn required", hb.Kind)
	}
	fire := func() {
		prompt := hb.Prompt
		if hb.PromptFn != nil {
			prompt = hb.PromptFn()
		}
		var opts []events.Option
		if hb.Channel != "" {
			opts = append(opts, events.WithChannel(hb.Channel))
		}
		ev := events.NewHeartbeat(prompt, hb.Kind, opts...)
		if err := s.submit(ev); err != nil {
			s.logger.Warn("heartbeat submit failed", "kind", hb.Kind, "error", err)
		}
	}
	return s.addTrigger("heartbeat:"+hb.Kind, hb.Cron, hb.Every, "", fire)
}

// RegisterJob installs a named-job trigger.
func (s *Scheduler) RegisterJob(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Prompt == "" {
		return fmt.Errorf("job %s: prompt is required", job.ID)
	}
	fire := func() {
		opts := []events.Option{
			events.WithCallType(job.CallType),
			events.WithChannel(job.Channel),
		}
		if len(job.Metadata) > 0 {
			opts = append(opts, events.WithMetadata(job.Metadata))
		}
		ev := events.NewScheduled(job.ID, job.Prompt, opts...)
		if err := s.submit(ev); err != nil {
			s.logger.Warn("job submit failed", "job_id", job.ID, "error", err)
		}
	}
	return s.addTrigger("job:"+job.ID, job.Cron, job.Every, job.Timezone, fire)
}

// addTrigger installs either a cron-expression or fixed-interval trigger.
// A per-trigger timezone rides on the expression via the CRON_TZ prefix.
func (s *Scheduler) addTrigger(name, expr string, every time.Duration, timezone string, fire func()) error {
	switch {
	case strings.TrimSpace(expr) != "":
		if timezone != "" && !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
			if _, err := time.LoadLocation(timezone); err != nil {
				return fmt.Errorf("%s: invalid timezone %q: %w", name, timezone, err)
			}
			expr = "CRON_TZ=" + timezone + " " + expr
		}
		if _, err := s.runner.AddFunc(expr, fire); err != nil {
			return fmt.Errorf("%s: invalid cron expression %q: %w", name, expr, err)
		}
	case every > 0:
		s.runner.Schedule(cron.Every(every), cron.FuncJob(fire))
	default:
		return fmt.Errorf("%s: schedule required (cron or every)", name)
	}

	s.mu.Lock()
	s.entries++
	s.mu.Unlock()
	s.logger.Info("registered trigger", "name", name, "cron", expr, "every", every)
	return nil
}

// FromConfig registers the heartbeat and jobs declared in the scheduler
// config tree. A disabled scheduler registers nothing.
func (s *Scheduler) FromConfig(cfg config.SchedulerConfig) error {
	if !cfg.Enabled {
		s.logger.Info("scheduler disabled, registering nothing")
		return nil
	}
	if cfg.Heartbeat.Enabled {
		if err := s.RegisterHeartbeat(Heartbeat{
			Kind:   "wake",
			Cron:   cfg.Heartbeat.Cron,
			Every:  cfg.Heartbeat.Every,
			Prompt: cfg.Heartbeat.Prompt,
		}); err != nil {
			return err
		}
	}
	for _, jc := range cfg.Jobs {
		if !jc.On() {
			s.logger.Debug("skipping disabled job", "job_id", jc.ID)
			continue
		}
		if err := s.RegisterJob(Job{
			ID:       jc.ID,
			Prompt:   jc.Prompt,
			Cron:     jc.Cron,
			Every:    jc.Every,
			Timezone: jc.Timezone,
			CallType: jc.CallType,
			Channel:  jc.Channel,
			Metadata: jc.Metadata,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Start begins firing triggers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runner.Start()
	s.logger.Info("scheduler started", "triggers", s.entries, "timezone", s.loc.String())
}

// Stop halts trigger firing and waits for in-flight submissions.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.runner.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries reports the number of registered triggers.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}
