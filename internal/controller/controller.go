package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mediagrab/internal/executor"
	"github.com/mediagrab/internal/jobs"
	"github.com/mediagrab/internal/progress"
	"github.com/mediagrab/pkg/logger"
)

// Extractor produces the artifact for a job.
type Extractor interface {
	Extract(ctx context.Context, job jobs.Job, cookies string, report executor.Reporter) (string, error)
	Discard(jobID string) error
}

// Prober looks up the formats available for a URL.
type Prober interface {
	Probe(ctx context.Context, rawURL, cookies string) (*executor.MediaInfo, error)
}

// FinishHook is called once for every job that reaches a terminal state.
type FinishHook func(job jobs.Job)

// Options tunes execution limits and retention.
type Options struct {
	MaxConcurrent int
	LaunchRPM     int
	Retention     time.Duration
	SweepInterval time.Duration
	// ArtifactURL builds the reference handed to clients for a finished job.
	ArtifactURL func(id string) string
}

// DefaultArtifactURL points at the artifact download route.
func DefaultArtifactURL(id string) string {
	return "/api/v1/download/" + id
}

const cancelledNotice = "download cancelled"

// Controller starts, tracks and cancels extraction jobs.
type Controller struct {
	registry  *jobs.Registry
	hub       *progress.Hub
	extractor Extractor
	prober    Prober
	opts      Options

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	hooks   []FinishHook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller. Jobs run until Shutdown.
func New(registry *jobs.Registry, hub *progress.Hub, extractor Extractor, prober Prober, opts Options) *Controller {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.ArtifactURL == nil {
		opts.ArtifactURL = DefaultArtifactURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry:  registry,
		hub:       hub,
		extractor: extractor,
		prober:    prober,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		limiter:   rate.NewLimiter(perMinute(opts.LaunchRPM), launchBurst(opts.LaunchRPM)),
		cancels:   make(map[string]context.CancelFunc),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func perMinute(rpm int) rate.Limit {
	if rpm <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(rpm) / 60.0)
}

func launchBurst(rpm int) int {
	if rpm <= 0 {
		return 1
	}
	return rpm
}

// SetLaunchRPM changes the launch rate limit. Zero disables it.
func (c *Controller) SetLaunchRPM(rpm int) {
	c.limiter.SetLimit(perMinute(rpm))
	c.limiter.SetBurst(launchBurst(rpm))
}

// Registry exposes the job registry for read access.
func (c *Controller) Registry() *jobs.Registry { return c.registry }

// Hub exposes the progress hub for subscriptions.
func (c *Controller) Hub() *progress.Hub { return c.hub }

// OnFinish registers a hook fired after a job's terminal event is emitted.
func (c *Controller) OnFinish(hook FinishHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Probe validates rawURL and asks the prober for its formats.
func (c *Controller) Probe(ctx context.Context, rawURL, cookies string) (*executor.MediaInfo, error) {
	if err := jobs.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	return c.prober.Probe(ctx, rawURL, cookies)
}

// Start registers a job for req and launches its execution in the
// background. It returns as soon as the job exists.
func (c *Controller) Start(_ context.Context, req jobs.Request) (jobs.Job, error) {
	if err := c.ctx.Err(); err != nil {
		return jobs.Job{}, fmt.Errorf("controller stopped: %w", err)
	}

	job, err := c.registry.Create(req)
	if err != nil {
		return jobs.Job{}, err
	}
	c.hub.Open(job.ID)

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.cancels[job.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx, job, req.Cookies)

	logger.Infof("📥 Job queued: %s (%s %s)", job.ID, job.Type, job.URL)
	return job, nil
}

// Cancel requests cancellation of a job and interrupts its execution.
// For a job that already finished it returns the job with jobs.ErrTerminal.
func (c *Controller) Cancel(id string) (jobs.Job, error) {
	job, err := c.registry.RequestCancel(id)
	if err != nil {
		return job, err
	}

	c.mu.Lock()
	cancel := c.cancels[id]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	logger.Infof("🛑 Cancel requested: %s", id)
	return job, nil
}

func (c *Controller) run(ctx context.Context, job jobs.Job, cookies string) {
	defer c.wg.Done()
	defer c.release(job.ID)

	log := logger.Job(job.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("❌ Panic during extraction: %v", r)
			c.fail(job.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	// throttled jobs must not hold an extraction slot
	if err := c.limiter.Wait(ctx); err != nil {
		c.abort(job.ID)
		return
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.abort(job.ID)
		return
	}
	defer c.sem.Release(1)

	if cur, err := c.registry.Get(job.ID); err != nil || cur.CancelRequested {
		c.cancelled(job.ID)
		return
	}

	job, err := c.registry.MarkRunning(job.ID)
	if err != nil {
		log.Warnf("⚠️ Could not start: %v", err)
		return
	}

	start := time.Now()
	log.Infof("🔄 Extracting %s: %s", job.Type, job.URL)

	path, err := c.extractor.Extract(ctx, job, cookies, &reporter{c: c, id: job.ID})
	switch {
	case err == nil:
		c.succeed(job.ID, path)
		log.Infof("✅ Job completed in %v", time.Since(start).Round(time.Millisecond))
	case errors.Is(err, context.Canceled) && c.ctx.Err() != nil && !c.cancelRequested(job.ID):
		c.fail(job.ID, "server shutting down")
	default:
		c.fail(job.ID, err.Error())
	}
}

// abort finishes a job whose execution context ended before launch.
func (c *Controller) abort(id string) {
	if c.cancelRequested(id) {
		c.cancelled(id)
		return
	}
	c.fail(id, "server shutting down")
}

func (c *Controller) cancelRequested(id string) bool {
	job, err := c.registry.Get(id)
	return err == nil && job.CancelRequested
}

func (c *Controller) release(id string) {
	c.mu.Lock()
	cancel := c.cancels[id]
	delete(c.cancels, id)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) succeed(id, path string) {
	job, err := c.registry.Succeed(id, c.opts.ArtifactURL(id), path)
	if errors.Is(err, jobs.ErrCancelRequested) {
		c.cancelled(id)
		return
	}
	if err != nil {
		logger.Job(id).Warnf("⚠️ Could not record success: %v", err)
		return
	}
	c.hub.Publish(id, progress.Ready(job.Result))
	c.finished(job)
}

func (c *Controller) fail(id, message string) {
	job, err := c.registry.Fail(id, message)
	if errors.Is(err, jobs.ErrCancelRequested) {
		c.cancelled(id)
		return
	}
	if err != nil {
		logger.Job(id).Warnf("⚠️ Could not record failure: %v", err)
		return
	}
	logger.Job(id).Errorf("❌ Job failed: %s", message)
	c.hub.Publish(id, progress.Error(message))
	c.finished(job)
}

func (c *Controller) cancelled(id string) {
	job, err := c.registry.MarkCancelled(id)
	if err != nil {
		logger.Job(id).Debugf("Cancel not recorded: %v", err)
		return
	}
	logger.Job(id).Infof("🚫 Job cancelled")
	c.hub.Publish(id, progress.Cancelled(cancelledNotice))
	c.finished(job)
}

func (c *Controller) finished(job jobs.Job) {
	c.mu.Lock()
	hooks := make([]FinishHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(job)
	}
}

// Run sweeps expired jobs until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	if c.opts.SweepInterval <= 0 || c.opts.Retention <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Sweep removes jobs that have been terminal for longer than the retention
// period and are not being watched, along with their files.
func (c *Controller) Sweep(now time.Time) int {
	removed := c.registry.Sweep(now, c.opts.Retention, c.hub.HasSubscribers)
	for _, job := range removed {
		c.hub.Remove(job.ID)
		if err := c.extractor.Discard(job.ID); err != nil {
			logger.Job(job.ID).Warnf("⚠️ Failed to remove files: %v", err)
		}
	}
	if len(removed) > 0 {
		logger.Debugf("🧹 Swept %d expired jobs", len(removed))
	}
	return len(removed)
}

// Shutdown interrupts running jobs and waits for them to finish.
func (c *Controller) Shutdown(ctx context.Context) error {
	logger.Info("🛑 Stopping job controller...")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("✅ Job controller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reporter turns extractor callbacks into registry updates and events.
type reporter struct {
	c  *Controller
	id string
}

func (r *reporter) Stage(label string) {
	changed, err := r.c.registry.SetStage(r.id, label)
	if err == nil && changed {
		r.c.hub.Publish(r.id, progress.Stage(label))
	}
}

func (r *reporter) Progress(pct int) {
	changed, err := r.c.registry.SetProgress(r.id, pct)
	if err != nil || !changed {
		return
	}
	if job, err := r.c.registry.Get(r.id); err == nil {
		r.c.hub.Publish(r.id, progress.Progress(job.Progress))
	}
}
