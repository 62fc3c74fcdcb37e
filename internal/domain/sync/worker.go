package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PoolConfig tunes the background worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent claim loops.
	Workers int
	// BatchSize is how many items one claim pulls.
	BatchSize int
	// PollInterval is the idle sleep when the queue is empty.
	PollInterval time.Duration
	// ReapInterval is how often lapsed leases are returned to pending.
	ReapInterval time.Duration
}

const (
	defaultWorkers      = 4
	defaultBatchSize    = 10
	defaultPollInterval = 2 * time.Second
	defaultReapInterval = time.Minute
)

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaultReapInterval
	}
	return c
}

// Pool runs the queue processors and the lease reaper until its context is
// cancelled.
type Pool struct {
	svc *Service
	cfg PoolConfig
	log zerolog.Logger
}

// NewPool builds a worker pool over svc.
func NewPool(svc *Service, cfg PoolConfig, log zerolog.Logger) *Pool {
	return &Pool{svc: svc, cfg: cfg.withDefaults(), log: log.With().Str("component", "sync_pool").Logger()}
}

// Run blocks until ctx is cancelled. Worker identity includes the hostname so
// claims are attributable across processes.
func (p *Pool) Run(ctx context.Context) error {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s/worker-%d", host, i)
		g.Go(func() error { return p.runWorker(ctx, workerID) })
	}
	g.Go(func() error { return p.runReaper(ctx) })

	p.log.Info().Int("workers", p.cfg.Workers).Msg("sync worker pool started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pool) runWorker(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := p.svc.ProcessQueue(ctx, workerID, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error().Err(err).Str("worker_id", workerID).Msg("process queue")
		}
		if n > 0 {
			// Drain while work is available.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) runReaper(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := p.svc.ReapExpiredLeases(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error().Err(err).Msg("reap expired leases")
			continue
		}
		if n > 0 {
			p.log.Warn().Int64("reclaimed", n).Msg("returned expired leases to pending")
		}
	}
}
