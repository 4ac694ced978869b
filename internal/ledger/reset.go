package ledger

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultResetInterval = time.Hour

// DailyResetRunner periodically rolls daily allowances into balances for
// accounts that have not been reset on the current UTC day. The per-account
// guard makes the sweep idempotent, so running hourly is safe.
type DailyResetRunner struct {
	ledger   *Ledger
	interval time.Duration
}

func NewDailyResetRunner(led *Ledger, interval time.Duration) *DailyResetRunner {
	if led == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultResetInterval
	}
	return &DailyResetRunner{ledger: led, interval: interval}
}

// Start launches the reset loop in a background goroutine.
func (r *DailyResetRunner) Start(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go r.run(ctx)
	log.Infof("daily allowance reset runner started (interval=%s)", r.interval)
}

func (r *DailyResetRunner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		r.resetOnce(ctx)
		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (r *DailyResetRunner) resetOnce(ctx context.Context) {
	count, err := r.ledger.ResetDailyAllowances(ctx, time.Now())
	if err != nil {
		log.WithError(err).Warn("daily allowance reset sweep failed")
		return
	}
	if count > 0 {
		log.Infof("daily allowance reset applied to %d accounts", count)
	}
}
