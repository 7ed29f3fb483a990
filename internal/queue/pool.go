package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/models"
)

// ErrNoHandler is recorded on jobs whose class has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job class")

// PostponeError puts a job back without spending an attempt.
type PostponeError struct {
	Delay time.Duration
}

func (e *PostponeError) Error() string { return fmt.Sprintf("job postponed for %s", e.Delay) }

// Postpone is returned by handlers that cannot run yet, such as a deploy
// waiting for the project's running deployment.
func Postpone(delay time.Duration) error { return &PostponeError{Delay: delay} }

// HandlerFunc processes one job. Returning an error schedules a retry.
type HandlerFunc func(ctx context.Context, job *models.Job) error

// Status reports what the pool is doing.
type Status struct {
	StartedAt *time.Time `json:"started_at,omitempty"`
	Queues    []string   `json:"queues"`
	Workers   int        `json:"workers"`
	Busy      int        `json:"busy"`
	Running   bool       `json:"running"`
}

// Pool runs workers that poll the queue.
type Pool struct {
	queue    *Queue
	cfg      config.QueueConfig
	logger   zerolog.Logger
	queues   []string
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	busy     atomic.Int32
	running  atomic.Bool
	started  time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPool(q *Queue, cfg config.QueueConfig, logger zerolog.Logger) *Pool {
	return &Pool{
		queue:    q,
		cfg:      cfg,
		logger:   logger.With().Str("component", "queue").Logger(),
		queues:   DefaultQueues,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for a job class.
func (p *Pool) Handle(class string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[class] = fn
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start(parent context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	workers := p.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	released, err := p.queue.ReleaseStuck(p.cfg.GetStuckThreshold())
	if err != nil {
		p.logger.Error().Err(err).Msg("release stuck jobs")
	} else if released > 0 {
		p.logger.Warn().Int64("count", released).Msg("released stuck jobs")
	}

	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i + 1
		g.Go(func() error {
			p.work(gctx, id)
			return nil
		})
	}
	p.logger.Info().Int("workers", workers).Strs("queues", p.queues).Msg("queue workers started")

	go func() {
		_ = g.Wait()
		p.running.Store(false)
		close(p.done)
	}()
}

// Stop cancels workers and waits for in-flight jobs to return.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info().Msg("queue workers stopped")
}

// Status returns a snapshot of pool state.
func (p *Pool) Status() Status {
	s := Status{
		Queues:  p.queues,
		Workers: p.cfg.Workers,
		Busy:    int(p.busy.Load()),
		Running: p.running.Load(),
	}
	if s.Running {
		t := p.started
		s.StartedAt = &t
	}
	if !s.Running {
		s.Workers = 0
	}
	return s
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.logger.With().Int("worker", id).Logger()
	ticker := time.NewTicker(p.cfg.GetPollInterval())
	defer ticker.Stop()

	for {
		// Drain everything available before sleeping.
		for ctx.Err() == nil {
			job, err := p.queue.Reserve(p.queues)
			if err != nil {
				log.Error().Err(err).Msg("reserve job")
				break
			}
			if job == nil {
				break
			}
			p.RunJob(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunJob executes a reserved job and settles it: complete, retry or fail.
func (p *Pool) RunJob(ctx context.Context, job *models.Job) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	log := p.logger.With().Int64("job_id", job.ID).Str("class", job.JobClass).Int("attempt", job.Attempts).Logger()

	p.mu.RLock()
	fn, ok := p.handlers[job.JobClass]
	p.mu.RUnlock()

	start := time.Now()
	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrNoHandler, job.JobClass)
	} else {
		err = safeCall(ctx, fn, job)
	}
	elapsed := time.Since(start)

	if err == nil {
		if cerr := p.queue.Complete(job, elapsed); cerr != nil {
			log.Error().Err(cerr).Msg("complete job")
		}
		metrics.ObserveJob(job.JobClass, "success", elapsed)
		log.Debug().Dur("duration", elapsed).Msg("job completed")
		return
	}

	var postpone *PostponeError
	if errors.As(err, &postpone) {
		if rerr := p.queue.Postpone(job, postpone.Delay); rerr != nil {
			log.Error().Err(rerr).Msg("postpone job")
		}
		log.Debug().Dur("delay", postpone.Delay).Msg("job postponed")
		return
	}

	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if !ok || job.Attempts >= maxAttempts {
		if ferr := p.queue.Fail(job, err); ferr != nil {
			log.Error().Err(ferr).Msg("move job to failed_jobs")
		}
		metrics.ObserveJob(job.JobClass, "failed", elapsed)
		log.Error().Err(err).Msg("job failed permanently")
		return
	}

	delay := p.cfg.GetRetryBackoff() * time.Duration(job.Attempts)
	if rerr := p.queue.Release(job, delay); rerr != nil {
		log.Error().Err(rerr).Msg("release job for retry")
	}
	metrics.ObserveJob(job.JobClass, "retry", elapsed)
	log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retrying")
}

func safeCall(ctx context.Context, fn HandlerFunc, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, job)
}
