package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically runs a sweep, such as failing documents stuck in
// processing.
type Reaper struct {
	sweep    func(ctx context.Context) (int, error)
	interval time.Duration
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReaper(sweep func(ctx context.Context) (int, error), interval time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{sweep: sweep, interval: interval, log: log.Named("reaper")}
}

func (r *Reaper) Start(ctx context.Context) {
	if r.cancel != nil || r.interval <= 0 {
		return
	}
	reapCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-reapCtx.Done():
				return
			case <-ticker.C:
				n, err := r.sweep(reapCtx)
				if err != nil {
					r.log.Warn("reaper sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					r.log.Info("reaper sweep", zap.Int("reaped", n))
				}
			}
		}
	}()
}

func (r *Reaper) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
