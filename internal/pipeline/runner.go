// Package pipeline runs one poll of the recordings drive: list, filter, then
// fetch, copy and forward each match in turn.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/recording-relay/internal/drivers"
	"github.com/FairForge/recording-relay/internal/forwarder"
	"github.com/FairForge/recording-relay/internal/graph"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Item stages, used in ItemFailure and the failed-items metric.
const (
	StageFetch   = "fetch"
	StageCopy    = "copy"
	StageForward = "forward"
)

// ClientFactory builds an authenticated drive client for one run.
type ClientFactory func(ctx context.Context) (graph.DriveAPI, error)

// Sender submits a stored object downstream. *forwarder.Forwarder satisfies it.
type Sender interface {
	Forward(ctx context.Context, src forwarder.Source, obj drivers.Object) error
}

// Config holds the routing and behaviour settings of a Runner.
type Config struct {
	SiteID      string
	DriveID     string
	Container   string
	KeyTemplate KeyTemplate
	Window      time.Duration
	// FailFast stops a run at the first failed item instead of moving on.
	FailFast bool
	LockKey  string
	LockTTL  time.Duration
}

// ItemFailure records why one matched recording was not delivered.
type ItemFailure struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Stage   string `json:"stage"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", f.Stage, f.ID, f.Name, f.Err)
}

func (f ItemFailure) Unwrap() error { return f.Err }

// RunReport summarises one run.
type RunReport struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Listed    int           `json:"listed"`
	Matched   int           `json:"matched"`
	Copied    int           `json:"copied"`
	Forwarded int           `json:"forwarded"`
	Skipped   int           `json:"skipped"`
	Keys      []string      `json:"keys"`
	Failures  []ItemFailure `json:"failures,omitempty"`
}

// Runner executes runs. It keeps no state between runs beyond metrics.
type Runner struct {
	cfg       Config
	newClient ClientFactory
	store     drivers.Driver
	sender    Sender
	locker    Locker
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Runner
type Option func(*Runner)

// WithLocker sets the run lease. Defaults to a LocalLocker.
func WithLocker(l Locker) Option {
	return func(r *Runner) {
		r.locker = l
	}
}

// WithMetrics records run outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner validates cfg and wires the run dependencies.
func NewRunner(cfg Config, newClient ClientFactory, store drivers.Driver, sender Sender, opts ...Option) (*Runner, error) {
	if newClient == nil || store == nil || sender == nil {
		return nil, errors.New("pipeline: client factory, store and sender are required")
	}
	if cfg.DriveID == "" {
		return nil, errors.New("pipeline: drive id is required")
	}
	if cfg.Container == "" {
		return nil, errors.New("pipeline: container is required")
	}
	if err := cfg.KeyTemplate.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.Window <= 0 {
		cfg.Window = graph.DefaultWindow
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "recording-relay:run"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}

	r := &Runner{
		cfg:       cfg,
		newClient: newClient,
		store:     store,
		sender:    sender,
		locker:    NewLocalLocker(),
		metrics:   NewMetrics(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if !cfg.KeyTemplate.PerItem() {
		r.logger.Warn("storage key template has no {id} or {name}; every recording in a run shares one object",
			zap.String("template", string(cfg.KeyTemplate)))
	}
	return r, nil
}

// Ready reports whether the storage container can take copies.
func (r *Runner) Ready(ctx context.Context) error {
	return r.store.HealthCheck(ctx, r.cfg.Container)
}

// Metrics returns the runner's collectors.
func (r *Runner) Metrics() *Metrics {
	return r.metrics
}

// Run performs one poll. It returns ErrRunInProgress if another run holds
// the lease. The error is non-nil when a run-level step failed or any item
// failed; the report is always returned once the lease is held.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	lease, err := r.locker.Acquire(ctx, r.cfg.LockKey, r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			r.metrics.Runs.WithLabelValues(ResultSkipped).Inc()
			r.logger.Info("previous run still active, skipping")
		}
		return nil, err
	}

	// The run is cancelled if the lease cannot be kept alive.
	runCtx, cancelRun := context.WithCancelCause(ctx)
	stopKeepalive := make(chan struct{})
	var keepalive sync.WaitGroup
	keepalive.Add(1)
	go func() {
		defer keepalive.Done()
		r.keepLease(runCtx, lease, cancelRun, stopKeepalive)
	}()

	defer func() {
		close(stopKeepalive)
		keepalive.Wait()
		cancelRun(nil)

		// The caller's context may already be done; release on a fresh one.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			r.logger.Warn("release run lock", zap.Error(err))
		}
	}()

	now := r.now()
	report := &RunReport{RunID: uuid.NewString(), StartedAt: now, Keys: []string{}}
	log := r.logger.With(zap.String("run_id", report.RunID))
	log.Info("recording relay run started", zap.Time("now", now))

	runErr := r.run(runCtx, log, now, report)
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) {
		runErr = multierr.Append(runErr, cause)
	}

	report.Duration = r.now().Sub(now)
	r.metrics.RunDuration.Observe(report.Duration.Seconds())
	if runErr != nil {
		r.metrics.Runs.WithLabelValues(ResultFailed).Inc()
		log.Error("recording relay run failed",
			zap.Error(runErr),
			zap.Int("matched", report.Matched),
			zap.Int("forwarded", report.Forwarded),
			zap.Int("failed", len(report.Failures)))
		return report, runErr
	}

	r.metrics.Runs.WithLabelValues(ResultSuccess).Inc()
	r.metrics.LastSuccessTS.SetToCurrentTime()
	log.Info("recording relay run finished",
		zap.Int("listed", report.Listed),
		zap.Int("matched", report.Matched),
		zap.Int("forwarded", report.Forwarded),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// keepLease extends the lease every third of its TTL until stop is closed.
// It cancels the run when the lease is taken over, or when extensions have
// failed for a whole TTL.
func (r *Runner) keepLease(ctx context.Context, lease Lease, lost context.CancelCauseFunc, stop <-chan struct{}) {
	interval := r.cfg.LockTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastExtended := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := lease.Extend(ctx, r.cfg.LockTTL)
		switch {
		case err == nil:
			lastExtended = time.Now()
		case errors.Is(err, ErrLeaseLost):
			r.logger.Error("run lease lost, cancelling run", zap.String("key", r.cfg.LockKey))
			lost(err)
			return
		case time.Since(lastExtended) >= r.cfg.LockTTL:
			r.logger.Error("run lease could not be extended, cancelling run", zap.Error(err))
			lost(fmt.Errorf("%w: %v", ErrLeaseLost, err))
			return
		default:
			r.logger.Warn("extend run lease", zap.Error(err))
		}
	}
}

func (r *Runner) run(ctx context.Context, log *zap.Logger, now time.Time, report *RunReport) error {
	api, err := r.newClient(ctx)
	if err != nil {
		return fmt.Errorf("build graph client: %w", err)
	}

	listed, err := graph.ListRecordings(ctx, api, r.cfg.DriveID)
	if err != nil {
		return fmt.Errorf("list recordings in site %s drive %s: %w", r.cfg.SiteID, r.cfg.DriveID, err)
	}
	report.Listed = len(listed)
	r.metrics.Listed.Add(float64(len(listed)))

	matched := graph.FilterRecent(listed, now, r.cfg.Window)
	report.Matched = len(matched)
	r.metrics.Matched.Add(float64(len(matched)))
	log.Info("recordings listed",
		zap.Int("listed", report.Listed),
		zap.Int("matched", report.Matched),
		zap.Duration("window", r.cfg.Window))

	var errs error
	for _, rec := range matched {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		failure := r.processItem(ctx, log, api, report, rec, now)
		if failure == nil {
			continue
		}
		report.Failures = append(report.Failures, *failure)
		r.metrics.ItemsFailed.WithLabelValues(failure.Stage).Inc()
		errs = multierr.Append(errs, *failure)
		if r.cfg.FailFast {
			log.Warn("stopping run after first failure", zap.String("item_id", rec.ID))
			break
		}
	}
	return errs
}

// processItem fetches, copies and forwards one recording. It returns nil for
// delivered and skipped items.
func (r *Runner) processItem(ctx context.Context, log *zap.Logger, api graph.DriveAPI, report *RunReport, rec graph.Recording, now time.Time) *ItemFailure {
	log = log.With(zap.String("item_id", rec.ID), zap.String("item_name", rec.Name))
	fail := func(stage string, err error) *ItemFailure {
		log.Error("recording not delivered", zap.String("stage", stage), zap.Error(err))
		return &ItemFailure{ID: rec.ID, Name: rec.Name, Stage: stage, Message: err.Error(), Err: err}
	}

	data, err := graph.FetchContent(ctx, api, r.cfg.DriveID, rec)
	switch {
	case errors.Is(err, graph.ErrRecordingNotFound):
		r.skip(log, report, "item_missing", err)
		return nil
	case errors.Is(err, graph.ErrContentNotFound):
		r.skip(log, report, "content_missing", err)
		return nil
	case err != nil:
		return fail(StageFetch, err)
	}

	obj := drivers.Object{
		Container:   r.cfg.Container,
		Key:         r.cfg.KeyTemplate.Render(rec, report.RunID, now),
		ContentType: forwarder.ContentType,
		Size:        int64(len(data)),
	}
	if err := r.store.Put(ctx, obj.Container, obj.Key, bytes.NewReader(data), drivers.WithContentType(obj.ContentType)); err != nil {
		return fail(StageCopy, err)
	}
	report.Copied++
	report.Keys = append(report.Keys, obj.Key)
	log.Info("recording copied", zap.String("container", obj.Container), zap.String("key", obj.Key), zap.Int64("bytes", obj.Size))

	if err := r.sender.Forward(ctx, r.store, obj); err != nil {
		return fail(StageForward, err)
	}
	report.Forwarded++
	r.metrics.Forwarded.Inc()
	log.Info("recording forwarded", zap.String("key", obj.Key))
	return nil
}

func (r *Runner) skip(log *zap.Logger, report *RunReport, reason string, err error) {
	report.Skipped++
	r.metrics.ItemsSkipped.WithLabelValues(reason).Inc()
	log.Warn("recording skipped", zap.String("reason", reason), zap.Error(err))
}
