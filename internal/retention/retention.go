// Package retention purges read notifications on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Purger deletes notifications read before the cutoff and reports how many
// were removed.
type Purger interface {
	PurgeReadNotifications(ctx context.Context, readBefore time.Time) (int64, error)
}

type Job struct {
	cron   string
	keep   time.Duration
	purger Purger
	log    *zap.Logger
	now    func() time.Time
}

func New(cronExpr string, keep time.Duration, purger Purger, log *zap.Logger) (*Job, error) {
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %q", cronExpr)
	}
	if keep <= 0 {
		return nil, fmt.Errorf("retention period must be positive")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{cron: cronExpr, keep: keep, purger: purger, log: log, now: func() time.Time { return time.Now().UTC() }}, nil
}

// RunOnce purges everything older than the retention period.
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.keep)
	n, err := j.purger.PurgeReadNotifications(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge read notifications: %w", err)
	}
	j.log.Info("retention run complete", zap.Int64("purged", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Next is the first scheduled run strictly after ref.
func (j *Job) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.cron, ref, false)
}

// Run blocks until ctx is cancelled, purging at every tick.
func (j *Job) Run(ctx context.Context) {
	j.log.Info("retention scheduler started", zap.String("cron", j.cron), zap.Duration("keep", j.keep))
	for {
		next, err := j.Next(j.now())
		wait := time.Until(next)
		if err != nil {
			j.log.Error("retention next tick", zap.Error(err))
			wait = 30 * time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.log.Info("retention scheduler stopping")
			return
		case <-timer.C:
		}
		if err == nil {
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Error("retention run failed", zap.Error(err))
			}
		}
	}
}
