// Package jobs runs background maintenance against the notification store.
package jobs

import (
	"context"
	"log"
	"time"

	"fielddiag/internal/apperr"
	"fielddiag/internal/models"
)

type RetryStore interface {
	ListRetryableNotifications(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]models.Notification, error)
}

type Redeliverer interface {
	Redeliver(ctx context.Context, id string) (models.Notification, error)
}

type RetryConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
	StaleAfter  time.Duration
}

// RetryJob periodically re-attempts failed intents that are still under the
// attempt ceiling, plus pending intents whose first attempt never recorded an
// outcome.
type RetryJob struct {
	st  RetryStore
	d   Redeliverer
	cfg RetryConfig
	now func() time.Time
}

func NewRetryJob(st RetryStore, d Redeliverer, cfg RetryConfig) *RetryJob {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &RetryJob{st: st, d: d, cfg: cfg, now: time.Now}
}

type RunStats struct {
	Scanned int
	Sent    int
	Failed  int
	Skipped int
}

// RunOnce processes one batch.
func (j *RetryJob) RunOnce(ctx context.Context) (RunStats, error) {
	var stats RunStats
	batch, err := j.st.ListRetryableNotifications(ctx, j.cfg.MaxAttempts, j.now().Add(-j.cfg.StaleAfter), j.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(batch)
	for _, n := range batch {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		got, err := j.d.Redeliver(ctx, n.ID)
		switch {
		case err == nil && got.Status == models.DeliverySent:
			stats.Sent++
		case err == nil:
			stats.Failed++
		case apperr.Code(err) == apperr.CodeConflict:
			stats.Skipped++
		default:
			stats.Failed++
			log.Printf("retry redeliver_failed id=%s err=%v", n.ID, err)
		}
	}
	return stats, nil
}

func (j *RetryJob) Run(ctx context.Context) {
	t := time.NewTicker(j.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stats, err := j.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("retry batch_failed err=%v", err)
				continue
			}
			if stats.Scanned > 0 {
				log.Printf("retry batch scanned=%d sent=%d failed=%d skipped=%d", stats.Scanned, stats.Sent, stats.Failed, stats.Skipped)
			}
		}
	}
}
