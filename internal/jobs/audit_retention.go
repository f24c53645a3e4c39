// audit_retention.go implements the AuditRetentionJob background job, which periodically deletes
// audit logs older than audit.retention.days_to_keep. Change rows go with their log through the
// foreign key cascade. The job is a no-op when audit.retention.enabled is false, so it is always
// safe to start.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casedesk/casedesk/internal/config"
	"github.com/casedesk/casedesk/internal/services"
)

// AuditRetentionJob purges expired audit logs on a fixed interval.
type AuditRetentionJob struct {
	store    services.Purger
	cfg      config.AuditRetentionConfig
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewAuditRetentionJob creates a retention job. days_to_keep must lie within the configured
// bounds when retention is enabled.
func NewAuditRetentionJob(store services.Purger, cfg config.AuditRetentionConfig) (*AuditRetentionJob, error) {
	if cfg.Enabled && (cfg.DaysToKeep < cfg.MinDays || cfg.DaysToKeep > cfg.MaxDays) {
		return nil, fmt.Errorf("%w: days_to_keep %d not in [%d, %d]",
			services.ErrRetentionOutOfBounds, cfg.DaysToKeep, cfg.MinDays, cfg.MaxDays)
	}
	hours := cfg.IntervalHours
	if hours <= 0 {
		hours = 24
	}
	return &AuditRetentionJob{
		store:    store,
		cfg:      cfg,
		interval: time.Duration(hours) * time.Hour,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}, nil
}

// Start runs a purge immediately, then on every interval, until ctx is cancelled or Stop is
// called. It returns at once when retention is disabled.
func (j *AuditRetentionJob) Start(ctx context.Context) {
	if !j.cfg.Enabled {
		slog.Info("audit retention job disabled (audit.retention.enabled=false)")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("audit retention job started", "interval", j.interval, "days_to_keep", j.cfg.DaysToKeep)

	j.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.runOnce(ctx)
		case <-j.stopChan:
			slog.Info("audit retention job stopped")
			return
		case <-ctx.Done():
			slog.Info("audit retention job context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (j *AuditRetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

// runOnce performs one purge. Failures are logged and retried on the next tick.
func (j *AuditRetentionJob) runOnce(ctx context.Context) {
	if _, err := services.Purge(ctx, j.store, j.cfg, j.cfg.DaysToKeep, j.now()); err != nil {
		slog.Error("audit retention purge failed", "days_to_keep", j.cfg.DaysToKeep, "error", err)
	}
}
