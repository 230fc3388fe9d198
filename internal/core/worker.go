package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// DefaultUsageTimeout bounds a single worker usage query during selection.
const DefaultUsageTimeout = 2 * time.Second

type workerLoad struct {
	idx   int
	usage ResourceUsage
	err   error
}

// SelectWorker returns the worker with the strictly least cumulative usage.
// Workers whose usage query fails or times out are skipped; ties go to the
// lower index.
func SelectWorker(ctx context.Context, workers []Worker, timeout time.Duration) (Worker, error) {
	if len(workers) == 0 {
		return nil, ErrNoWorker
	}
	if timeout <= 0 {
		timeout = DefaultUsageTimeout
	}

	p := pool.NewWithResults[workerLoad]()
	for i, w := range workers {
		p.Go(func() workerLoad {
			qctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			u, err := w.ResourceUsage(qctx)
			return workerLoad{idx: i, usage: u, err: err}
		})
	}

	best := -1
	var bestUsage time.Duration
	var lastErr error
	for _, l := range p.Wait() {
		if l.err != nil {
			lastErr = l.err
			log.Warn().Err(l.err).Str("module", "core.worker").Int("worker", workers[l.idx].ID()).Msg("usage query failed")
			continue
		}
		total := l.usage.Total()
		if best == -1 || total < bestUsage || (total == bestUsage && l.idx < best) {
			best, bestUsage = l.idx, total
		}
	}
	if best == -1 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoWorker, lastErr)
		}
		return nil, ErrNoWorker
	}
	log.Debug().Str("module", "core.worker").Int("worker", workers[best].ID()).Dur("usage", bestUsage).Msg("worker selected")
	return workers[best], nil
}
