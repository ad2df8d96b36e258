// Package trigger implements FixedHourTrigger: the once-a-day wake that
// schedules nightly builds for branches with a new commit since the last
// nightly, when nightlyFixedHour pins builds to a particular hour instead of
// firing immediately on every commit.
package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const pollPeriod = time.Minute

// NightlyScanner is called once per calendar day, at the configured hour,
// to schedule a nightly build for every branch whose last-seen commit
// differs from its last-nightly-built commit.
type NightlyScanner interface {
	ScheduleNightlyBuildsForNewCommits(ctx context.Context)
}

// FixedHourTrigger polls once a minute and fires NightlyScanner at most once
// per calendar day, the minute the wall clock hour first matches Hour.
type FixedHourTrigger struct {
	Hour    int
	Scanner NightlyScanner
	log     *zap.SugaredLogger

	now        func() time.Time
	lastRunDay int
}

// New constructs a FixedHourTrigger for the given hour-of-day (0-23).
func New(hour int, scanner NightlyScanner, log *zap.SugaredLogger) *FixedHourTrigger {
	return &FixedHourTrigger{
		Hour:       hour,
		Scanner:    scanner,
		log:        log,
		now:        time.Now,
		lastRunDay: -1,
	}
}

// Run polls until ctx is cancelled, invoking Scanner at most once per
// calendar day once the wall-clock hour matches Hour.
func (t *FixedHourTrigger) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.tickOnce(ctx)
		}
	}
}

// tickOnce runs a single check. Split out from Run so tests can drive it
// with a fake clock without waiting on real minute-granularity ticks.
func (t *FixedHourTrigger) tickOnce(ctx context.Context) {
	now := t.now()
	if now.Day() == t.lastRunDay {
		return // already ran today
	}
	if now.Hour() != t.Hour {
		return
	}

	t.lastRunDay = now.Day()
	t.log.Debugw("running fixed-hour nightly build check")
	t.Scanner.ScheduleNightlyBuildsForNewCommits(ctx)
}
