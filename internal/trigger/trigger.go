// Package trigger fires the relay on a six-field cron schedule.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/recording-relay/internal/pipeline"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// parser accepts seconds-first specs such as "0 */5 * * * *".
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a six-field cron spec.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Job is one unit of scheduled work. *pipeline.Runner satisfies it.
type Job interface {
	Run(ctx context.Context) (*pipeline.RunReport, error)
}

// Trigger runs a Job on a schedule. Ticks that arrive while the previous
// invocation is still running are dropped.
type Trigger struct {
	spec         string
	job          Job
	runOnStartup bool
	logger       *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
	// startup tracks the run-on-startup invocation, which cron does not wait for.
	startup sync.WaitGroup
}

// Option configures a Trigger
type Option func(*Trigger)

// WithRunOnStartup fires once immediately when Start is called.
func WithRunOnStartup(enabled bool) Option {
	return func(t *Trigger) {
		t.runOnStartup = enabled
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Trigger) {
		t.logger = l
	}
}

// New validates spec and returns a stopped Trigger.
func New(spec string, job Job, opts ...Option) (*Trigger, error) {
	if job == nil {
		return nil, errors.New("trigger: job is required")
	}
	if _, err := ParseSchedule(spec); err != nil {
		return nil, err
	}
	t := &Trigger{spec: spec, job: job, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start schedules the job and blocks until ctx is cancelled, then waits for
// an in-flight run to finish.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("trigger: already started")
	}

	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{t.logger}),
		cron.WithChain(cron.Recover(cronLogger{t.logger}), cron.SkipIfStillRunning(cronLogger{t.logger})),
	)
	entry, err := c.AddFunc(t.spec, func() { t.fire(ctx) })
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("schedule job: %w", err)
	}
	t.cron = c
	t.started = true
	if t.runOnStartup {
		t.startup.Add(1)
	}
	t.mu.Unlock()

	c.Start()
	t.logger.Info("timer trigger started",
		zap.String("schedule", t.spec),
		zap.Time("next", c.Entry(entry).Next))

	if t.runOnStartup {
		go func() {
			defer t.startup.Done()
			c.Entry(entry).WrappedJob.Run()
		}()
	}

	<-ctx.Done()
	return t.Stop()
}

// Stop halts scheduling and waits for a running job to return.
func (t *Trigger) Stop() error {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.started = false
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	<-c.Stop().Done()
	t.startup.Wait()
	t.logger.Info("timer trigger stopped")
	return nil
}

func (t *Trigger) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	t.logger.Info("timer trigger fired", zap.Time("at", time.Now().UTC()))

	report, err := t.job.Run(ctx)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		t.logger.Info("tick skipped, run lease held elsewhere")
	case err != nil:
		// Failures are already logged per item by the runner.
		t.logger.Warn("scheduled run finished with errors", zap.Error(err))
	case report != nil:
		t.logger.Debug("scheduled run finished", zap.String("run_id", report.RunID))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
