// Package worker implements C6: a bounded-parallel claim/dispatch loop over
// queued runs. Grounded on internal/jobs/worker.go's ticker-driven
// claim/dispatch/panic-recovery idiom, generalized from a single in-flight
// job to a semaphore-bounded pool of concurrent runs.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/verbali/aac-image-pipeline/internal/aac/domain"
	"github.com/verbali/aac-image-pipeline/internal/aac/pipeline"
	"github.com/verbali/aac-image-pipeline/internal/aac/repo"
	"github.com/verbali/aac-image-pipeline/internal/platform/logger"
)

const (
	minMaxParallelRuns = 1
	maxMaxParallelRuns = 50
	idlePollFallback   = 2 * time.Second
	busyPollInterval   = 250 * time.Millisecond
)

// Pool is the bounded-parallel executor described in spec §4.6. Each
// claimed run is handed to its own pipeline.Runner bound to an isolated
// repo session (pipeline.Runner.WithSession), so concurrent runs never
// contend on the pool's own session or on each other's state — they
// interact solely through the durable store.
type Pool struct {
	repo   *repo.Repo
	runner *pipeline.Runner
	log    *logger.Logger

	sem      *semaphore.Weighted
	inFlight int64
}

func NewPool(r *repo.Repo, runner *pipeline.Runner, baseLog *logger.Logger) *Pool {
	return &Pool{
		repo:   r,
		runner: runner,
		log:    baseLog.With("component", "WorkerPool"),
		sem:    semaphore.NewWeighted(maxMaxParallelRuns),
	}
}

// Start launches the claim/dispatch loop in its own goroutine. It runs
// until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	go p.loop(ctx)
}

func clampMaxParallel(v int) int64 {
	if v < minMaxParallelRuns {
		v = minMaxParallelRuns
	}
	if v > maxMaxParallelRuns {
		v = maxMaxParallelRuns
	}
	return int64(v)
}

func (p *Pool) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		config, err := p.repo.GetRuntimeConfig(ctx, domain.RuntimeConfig{})
		if err != nil {
			p.log.Warn("failed to read runtime config", "error", err)
			if !p.sleep(ctx, idlePollFallback) {
				return
			}
			continue
		}
		effectiveMax := clampMaxParallel(config.MaxParallelRuns)

		claimed := 0
		for atomic.LoadInt64(&p.inFlight) < effectiveMax {
			if !p.sem.TryAcquire(1) {
				break
			}
			run, err := p.repo.WithSession(ctx).ClaimNextQueuedRun(ctx)
			if err != nil {
				p.sem.Release(1)
				p.log.Warn("claim_next_queued_run failed", "error", err)
				break
			}
			if run == nil {
				p.sem.Release(1)
				break
			}
			claimed++
			atomic.AddInt64(&p.inFlight, 1)
			go p.dispatch(ctx, run.ID)
		}

		pollSeconds := config.WorkerPollSeconds
		if pollSeconds <= 0 {
			pollSeconds = 2
		}
		switch {
		case claimed == 0 && atomic.LoadInt64(&p.inFlight) == 0:
			if !p.sleep(ctx, time.Duration(pollSeconds*float64(time.Second))) {
				return
			}
		case claimed == 0:
			if !p.sleep(ctx, busyPollInterval) {
				return
			}
		}
	}
}

// dispatch runs one claimed run to completion on its own isolated repo
// session. A handler panic is recorded and swallowed rather than taking
// down the pool — the run itself is left in whatever state process_run
// reached before the panic, to be picked up by a later retry/reclaim.
func (p *Pool) dispatch(ctx context.Context, runID string) {
	defer p.sem.Release(1)
	defer atomic.AddInt64(&p.inFlight, -1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("run handler panic", "run_id", runID, "panic", r)
		}
	}()

	sessionRunner := p.runner.WithSession(ctx)
	run, err := sessionRunner.ProcessRun(ctx, runID)
	if err != nil {
		p.log.Error("process_run failed", "run_id", runID, "error", err)
		return
	}
	p.log.Info("run finished", "run_id", run.ID, "status", run.Status, "current_stage", run.CurrentStage)
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
