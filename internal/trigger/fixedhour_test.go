package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingScanner struct {
	calls atomic.Int64
}

func (c *countingScanner) ScheduleNightlyBuildsForNewCommits(context.Context) {
	c.calls.Add(1)
}

func TestFiresOncePerDayAtTheConfiguredHour(t *testing.T) {
	scanner := &countingScanner{}
	trig := New(3, scanner, zap.NewNop().Sugar())

	// Day 1, hour 3: fires. Day 1, hour 3 again (same tick semantics): must
	// not re-fire. Day 2, hour 3: fires again.
	clock := []time.Time{
		time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 3, 1, 0, 0, time.UTC),
		time.Date(2026, 1, 2, 2, 59, 0, 0, time.UTC),
		time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC),
	}
	idx := 0
	trig.now = func() time.Time {
		v := clock[idx]
		if idx < len(clock)-1 {
			idx++
		}
		return v
	}

	ctx := context.Background()
	for range clock {
		trig.tickOnce(ctx)
	}

	if got := scanner.calls.Load(); got != 2 {
		t.Fatalf("scanner called %d times, want 2", got)
	}
}

func TestNeverFiresOffHour(t *testing.T) {
	scanner := &countingScanner{}
	trig := New(3, scanner, zap.NewNop().Sugar())
	trig.now = func() time.Time { return time.Date(2026, 1, 1, 4, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	trig.tickOnce(ctx)
	trig.tickOnce(ctx)

	if got := scanner.calls.Load(); got != 0 {
		t.Fatalf("scanner called %d times, want 0", got)
	}
}
