package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hupe1980/supportmesh/logging"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 2 * time.Minute

// ErrUnknownJob is returned by RunNow for an unregistered job.
var ErrUnknownJob = errors.New("unknown job")

// Job is one named housekeeping task.
type Job struct {
	Name string
	// Schedule is a five field cron expression or a descriptor such as
	// "@every 5m".
	Schedule string
	Run      func(ctx context.Context) error
}

// Options configures a Scheduler.
type Options struct {
	JobTimeout time.Duration
	Logger     logging.Logger
}

// Scheduler runs jobs on their cron schedules. Runs of the same job never
// overlap; a tick that fires while the previous run is still busy is skipped.
type Scheduler struct {
	cron *cron.Cron
	opts Options

	mu      sync.Mutex
	jobs    map[string]Job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a stopped Scheduler.
func New(optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		JobTimeout: DefaultJobTimeout,
		Logger:     logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	cl := cronLogger{opts.Logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		opts: opts,
		jobs: map[string]Job{},
	}
}

// Add registers a job. An empty schedule disables the job.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("maintenance: job needs a name and a run func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("maintenance: duplicate job %q", job.Name)
	}
	s.jobs[job.Name] = job

	if job.Schedule == "" {
		s.opts.Logger.Info("maintenance.job.disabled", "job", job.Name)
		return nil
	}

	name := job.Name
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.run(name) }); err != nil {
		delete(s.jobs, job.Name)
		return fmt.Errorf("maintenance: invalid schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}

	s.opts.Logger.Info("maintenance.job.added", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Start begins ticking. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop halts the schedule, cancels running jobs and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.exec(ctx, job)
}

func (s *Scheduler) run(name string) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()

	if !ok || ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.exec(ctx, job)
}

func (s *Scheduler) exec(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)

	if err != nil {
		s.opts.Logger.Warn("maintenance.job.failed", "job", job.Name, "error", err.Error(), "duration", time.Since(start))
		return err
	}
	s.opts.Logger.Debug("maintenance.job.done", "job", job.Name, "duration", time.Since(start))
	return nil
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct{ l logging.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("maintenance.cron."+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("maintenance.cron."+msg, append(kv, "error", err.Error())...)
}
