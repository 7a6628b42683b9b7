package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a periodic maintenance step. Run returns how many items it
// reclaimed, which is only used for logging.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) (int, error)
}

// Pool runs each job on its own ticker until Stop is called or the context
// passed to Start is done.
type Pool struct {
	jobs   []Job
	logger *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
	stop   chan struct{}
	once   sync.Once
}

func NewPool(logger *zap.Logger, jobs ...Job) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		jobs:   jobs,
		logger: logger.With(zap.String("component", "worker")),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", zap.Int("workers", len(p.jobs)))

	for _, job := range p.jobs {
		if job.Interval <= 0 || job.Run == nil {
			p.logger.Warn("skipping job", zap.String("job", job.Name))
			continue
		}
		p.wg.Add(1)
		go p.worker(ctx, job)
	}
}

func (p *Pool) Stop() {
	p.once.Do(func() {
		p.logger.Info("Stopping worker pool...")
		close(p.stop)
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	})
}

func (p *Pool) worker(ctx context.Context, job Job) {
	defer p.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx, job)
		}
	}
}

func (p *Pool) runOnce(ctx context.Context, job Job) {
	start := p.now()
	n, err := job.Run(ctx, start)
	if err != nil {
		p.logger.Error("worker error", zap.String("job", job.Name), zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Debug("job reclaimed items",
			zap.String("job", job.Name),
			zap.Int("count", n),
			zap.Duration("took", time.Since(start)),
		)
	}
}
