package scheduler

import (
	"context"
	"time"

	"diagnostics_backend/platform/logger"
)

const defaultOTPCleanupInterval = time.Hour

// OTPPurger deletes codes created before a cutoff.
type OTPPurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// OTPCleanup periodically removes old one-time passcodes.
type OTPCleanup struct {
	purger    OTPPurger
	log       *logger.Logger
	interval  time.Duration
	retention time.Duration
}

func NewOTPCleanup(purger OTPPurger, log *logger.Logger, interval, retention time.Duration) *OTPCleanup {
	if interval <= 0 {
		interval = defaultOTPCleanupInterval
	}
	return &OTPCleanup{
		purger:    purger,
		log:       log,
		interval:  interval,
		retention: retention,
	}
}

func (c *OTPCleanup) Run(ctx context.Context) {
	if c == nil || c.purger == nil {
		return
	}

	c.cleanup(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *OTPCleanup) cleanup(ctx context.Context) {
	deleted, err := c.purger.Purge(ctx, time.Now().Add(-c.retention))
	if err != nil {
		c.log.Warn("otp cleanup failed", "error", err)
		return
	}

	if deleted > 0 {
		c.log.Info("otp cleanup deleted expired codes", "deleted", deleted)
	}
}
