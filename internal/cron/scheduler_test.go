package cron_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memoryd/memoryd/internal/cron"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	var fires atomic.Int64
	sched := cron.NewScheduler(cron.Config{
		CronExpr: "* * * * *",
		Fire: func(ctx context.Context, now time.Time) {
			fires.Add(1)
		},
	})

	next, err := cron.NextRunTime("* * * * *", time.Now())
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if !next.After(time.Now()) {
		t.Fatal("expected next run in the future")
	}

	sched.Start(context.Background())
	defer sched.Stop()

	// "* * * * *" fires once per minute; just verify the scheduler starts
	// and stops cleanly without firing prematurely.
	time.Sleep(50 * time.Millisecond)
	if fires.Load() != 0 {
		t.Fatalf("expected 0 premature fires, got %d", fires.Load())
	}
}

func TestNextRunTime_InvalidExpr(t *testing.T) {
	if _, err := cron.NextRunTime("not a cron expr", time.Now()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestScheduler_StopIsIdempotentSafe(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{
		CronExpr: "*/5 * * * *",
		Fire:     func(ctx context.Context, now time.Time) {},
	})
	sched.Start(context.Background())
	sched.Stop()
}
