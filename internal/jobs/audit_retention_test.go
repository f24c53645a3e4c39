package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/casedesk/casedesk/internal/config"
	"github.com/casedesk/casedesk/internal/db/repositories"
	"github.com/casedesk/casedesk/internal/services"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newRetentionConfig(enabled bool, daysToKeep int) config.AuditRetentionConfig {
	return config.AuditRetentionConfig{
		Enabled:       enabled,
		MinDays:       30,
		MaxDays:       3650,
		DaysToKeep:    daysToKeep,
		IntervalHours: 24,
	}
}

type recordingPurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
	called  chan struct{}
}

func newRecordingPurger() *recordingPurger {
	return &recordingPurger{called: make(chan struct{}, 8)}
}

func (p *recordingPurger) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	p.cutoffs = append(p.cutoffs, cutoff)
	p.mu.Unlock()
	p.called <- struct{}{}
	return 3, p.err
}

// ---------------------------------------------------------------------------
// NewAuditRetentionJob construction
// ---------------------------------------------------------------------------

func TestNewAuditRetentionJob_DefaultInterval(t *testing.T) {
	cfg := newRetentionConfig(true, 365)
	cfg.IntervalHours = 0

	j, err := NewAuditRetentionJob(newRecordingPurger(), cfg)
	if err != nil {
		t.Fatalf("NewAuditRetentionJob: %v", err)
	}
	if j.interval != 24*time.Hour {
		t.Errorf("interval = %v, want 24h", j.interval)
	}
}

func TestNewAuditRetentionJob_CustomInterval(t *testing.T) {
	cfg := newRetentionConfig(true, 365)
	cfg.IntervalHours = 6

	j, err := NewAuditRetentionJob(newRecordingPurger(), cfg)
	if err != nil {
		t.Fatalf("NewAuditRetentionJob: %v", err)
	}
	if j.interval != 6*time.Hour {
		t.Errorf("interval = %v, want 6h", j.interval)
	}
}

func TestNewAuditRetentionJob_OutOfBounds(t *testing.T) {
	for _, days := range []int{1, 29, 3651} {
		_, err := NewAuditRetentionJob(newRecordingPurger(), newRetentionConfig(true, days))
		if !errors.Is(err, services.ErrRetentionOutOfBounds) {
			t.Errorf("days_to_keep=%d: err = %v, want ErrRetentionOutOfBounds", days, err)
		}
	}
}

func TestNewAuditRetentionJob_DisabledSkipsBoundsCheck(t *testing.T) {
	if _, err := NewAuditRetentionJob(newRecordingPurger(), newRetentionConfig(false, 1)); err != nil {
		t.Errorf("disabled job should not validate days_to_keep: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestAuditRetentionJob_Start_Disabled(t *testing.T) {
	p := newRecordingPurger()
	j, _ := NewAuditRetentionJob(p, newRetentionConfig(false, 365))

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return quickly when retention is disabled")
	}
	if len(p.cutoffs) != 0 {
		t.Errorf("purge ran %d times, want 0", len(p.cutoffs))
	}
}

func TestAuditRetentionJob_Start_PurgesImmediatelyThenStops(t *testing.T) {
	p := newRecordingPurger()
	j, err := NewAuditRetentionJob(p, newRetentionConfig(true, 90))
	if err != nil {
		t.Fatalf("NewAuditRetentionJob: %v", err)
	}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	select {
	case <-p.called:
	case <-time.After(2 * time.Second):
		t.Fatal("initial purge did not run")
	}
	j.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	want := now.AddDate(0, 0, -90)
	if !p.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoffs[0], want)
	}
}

func TestAuditRetentionJob_Start_ContextCancelled(t *testing.T) {
	p := newRecordingPurger()
	p.err = errors.New("db unavailable")
	j, _ := NewAuditRetentionJob(p, newRetentionConfig(true, 90))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	<-p.called
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestAuditRetentionJob_Stop_Twice(t *testing.T) {
	j, _ := NewAuditRetentionJob(newRecordingPurger(), newRetentionConfig(true, 365))
	j.Stop()
	j.Stop() // must not panic
}

// ---------------------------------------------------------------------------
// runOnce against the repository
// ---------------------------------------------------------------------------

func TestAuditRetentionJob_RunOnce_Repository(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := repositories.NewAuditRepository(sqlx.NewDb(db, "sqlmock"))

	j, err := NewAuditRetentionJob(repo, newRetentionConfig(true, 30))
	if err != nil {
		t.Fatalf("NewAuditRetentionJob: %v", err)
	}
	now := time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	mock.ExpectExec("DELETE FROM audit_logs WHERE created_at <").
		WithArgs(now.AddDate(0, 0, -30)).
		WillReturnResult(sqlmock.NewResult(0, 12))

	j.runOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
