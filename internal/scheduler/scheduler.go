// Package scheduler implements BuildScheduler: the pending queue and
// running-set admission loop that binds Builds to containers under a
// parallelism budget, board-exclusivity, and group-affinity.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/build"
	"github.com/thingos/thingosdci/internal/container"
	"github.com/thingos/thingosdci/internal/loopdevice"
)

const (
	tickPeriod  = time.Second
	spinBackoff = 60 * time.Second
)

// ContainerRunner is the narrow surface of container.Controller the
// scheduler depends on, so tests can substitute a fake runtime.
type ContainerRunner interface {
	Run(ctx context.Context, env, volumes map[string]string, interactive bool) (*container.Container, error)
}

// Volumes describes the host-path bind mounts common to every build
// container.
type Volumes struct {
	DLDir     string
	CCacheDir string
	OutputDir string
}

// Options configures a Scheduler.
type Options struct {
	MaxParallel     int
	Repo            string
	GitCloneArgs    string
	CleanTargetOnly bool
	Volumes         Volumes
	CopySSHKey      string

	// TickInterval overrides the scheduling loop's period. Zero means
	// tickPeriod (1s). Tests use a shorter interval.
	TickInterval time.Duration
}

// Scheduler owns the pending queue and the running set. It is the single
// actor that mutates both, so no mutex is needed: the run loop below is
// the only goroutine that touches pending/running/currentGroup, and
// Schedule, build releases and Snapshot reach it over channels.
type Scheduler struct {
	opts       Options
	containers ContainerRunner
	loopDevs   *loopdevice.Allocator
	log        *zap.SugaredLogger

	cmds     chan command
	releases chan release
	queries  chan query

	pending      []*build.Build
	running      map[string]*build.Build // board -> build
	currentGroup build.Group

	runningCount atomic.Int64 // mirrors len(running) for lock-free reads from RunningCount
}

type command struct {
	b    *build.Build
	done chan struct{}
}

// release is posted by a build's state-change observer (running on its own
// goroutine) back onto the run loop, which is the only goroutine allowed to
// mutate the running set.
type release struct {
	board   string
	loopDev string
}

// Snapshot is a point-in-time view of the scheduler's queue and running set,
// read by sending a query onto the run loop so it never races with mutation.
type Snapshot struct {
	RunningBoards []string
	PendingKeys   []string
}

type query struct {
	resp chan Snapshot
}

// New constructs a Scheduler. Run must be called to start the admission
// loop.
func New(opts Options, containers ContainerRunner, loopDevs *loopdevice.Allocator, log *zap.SugaredLogger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = tickPeriod
	}
	return &Scheduler{
		opts:       opts,
		containers: containers,
		loopDevs:   loopDevs,
		log:        log,
		cmds:       make(chan command),
		releases:   make(chan release),
		queries:    make(chan query),
		running:    make(map[string]*build.Build),
	}
}

// Snapshot reports the current running boards and pending-queue keys.
func (s *Scheduler) Snapshot(ctx context.Context) Snapshot {
	resp := make(chan Snapshot, 1)
	select {
	case s.queries <- query{resp: resp}:
		select {
		case snap := <-resp:
			return snap
		case <-ctx.Done():
			return Snapshot{}
		}
	case <-ctx.Done():
		return Snapshot{}
	}
}

// Schedule enqueues b, replacing any pending build with the same Key (the
// newest wins). It blocks until the run loop has applied the mutation, so
// callers observe a consistent queue immediately afterward.
func (s *Scheduler) Schedule(ctx context.Context, b *build.Build) {
	done := make(chan struct{})
	select {
	case s.cmds <- command{b: b, done: done}:
		<-done
	case <-ctx.Done():
	}
}

// SchedulePR enqueues a pull-request build.
func (s *Scheduler) SchedulePR(ctx context.Context, b *build.Build) { s.Schedule(ctx, b) }

// ScheduleNightly enqueues a nightly build.
func (s *Scheduler) ScheduleNightly(ctx context.Context, b *build.Build) { s.Schedule(ctx, b) }

// ScheduleTag enqueues a tag/release build.
func (s *Scheduler) ScheduleTag(ctx context.Context, b *build.Build) { s.Schedule(ctx, b) }

// ScheduleCustom enqueues a one-off custom-command build.
func (s *Scheduler) ScheduleCustom(ctx context.Context, b *build.Build) { s.Schedule(ctx, b) }

// RunningCount reports the number of builds currently admitted. Safe to call
// from any goroutine.
func (s *Scheduler) RunningCount() int {
	return int(s.runningCount.Load())
}

// Run drives the scheduling loop until ctx is cancelled. It is meant to run
// as its own goroutine under the daemon's errgroup.
//
// The spin/group-affinity backoffs are modeled as a deadline rather than a
// blocking sleep, so that Schedule calls and build completions are still
// serviced by this same actor while backed off — a blocking sleep here
// would wedge the whole scheduler, not just admission.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	var backoffUntil time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.cmds:
			s.enqueue(cmd.b)
			close(cmd.done)
			backoffUntil = time.Time{} // new work may change what step 4/5 would decide
		case r := <-s.releases:
			delete(s.running, r.board)
			s.runningCount.Store(int64(len(s.running)))
			s.releaseLoopDevice(r.loopDev)
			backoffUntil = time.Time{} // a freed board may unblock step 4/5's backoff
		case q := <-s.queries:
			q.resp <- s.snapshotLocked()
		case now := <-ticker.C:
			if now.Before(backoffUntil) {
				continue
			}
			if backoff := s.tick(); backoff > 0 {
				backoffUntil = now.Add(backoff)
			}
		}
	}
}

// enqueue appends b, replacing any existing queue entry with the same key.
func (s *Scheduler) enqueue(b *build.Build) {
	for i, q := range s.pending {
		if q.Key() == b.Key() {
			s.pending[i] = b
			return
		}
	}
	s.pending = append(s.pending, b)
}

// tick runs one pass of the scheduling loop. It returns a non-zero backoff
// when the loop should skip its next regular ticks (all queued boards
// already running, or the queue has moved on to a different build group),
// or zero to proceed at the normal 1s cadence.
func (s *Scheduler) tick() time.Duration {
	if len(s.pending) == 0 {
		return 0
	}
	if len(s.running) >= s.opts.MaxParallel {
		return 0
	}
	if len(s.running) == 0 {
		s.currentGroup = nil
	}

	if s.allQueuedBoardsRunning() {
		return spinBackoff
	}
	if s.currentGroup != nil && !s.anyQueuedBelongsToCurrentGroup() {
		return spinBackoff
	}

	b := s.pending[0]
	s.pending = s.pending[1:]

	if _, running := s.running[b.Board]; running {
		s.pending = append(s.pending, b)
		return 0
	}
	if s.currentGroup != nil && b.GroupRef() != s.currentGroup {
		s.pending = append(s.pending, b)
		return 0
	}

	s.admit(b)
	return 0
}

func (s *Scheduler) snapshotLocked() Snapshot {
	snap := Snapshot{}
	for board := range s.running {
		snap.RunningBoards = append(snap.RunningBoards, board)
	}
	for _, b := range s.pending {
		snap.PendingKeys = append(snap.PendingKeys, b.Key())
	}
	return snap
}

func (s *Scheduler) allQueuedBoardsRunning() bool {
	for _, b := range s.pending {
		if _, running := s.running[b.Board]; !running {
			return false
		}
	}
	return true
}

func (s *Scheduler) anyQueuedBelongsToCurrentGroup() bool {
	for _, b := range s.pending {
		if b.GroupRef() == s.currentGroup {
			return true
		}
	}
	return false
}

// admit launches b's container and marks it running. Launch failures are
// logged and the build is dropped.
func (s *Scheduler) admit(b *build.Build) {
	s.running[b.Board] = b
	s.runningCount.Store(int64(len(s.running)))
	s.currentGroup = b.GroupRef()

	loopDev := b.LoopDevice
	if loopDev == "" {
		if dev, err := s.loopDevs.Acquire(); err == nil {
			loopDev = dev
			b.LoopDevice = dev
		} else {
			s.log.Warnw("no free loop device, proceeding without one", "build", b.String(), "error", err)
		}
	}

	env := b.Env(s.opts.Repo, s.opts.GitCloneArgs, s.opts.CleanTargetOnly)
	volumes := map[string]string{
		s.opts.Volumes.DLDir:     "/mnt/dl",
		s.opts.Volumes.CCacheDir: "/mnt/ccache",
		s.opts.Volumes.OutputDir: "/mnt/output",
	}

	c, err := s.containers.Run(context.Background(), env, volumes, b.Interactive)
	if err != nil {
		s.log.Errorw("container launch failed, dropping build", "build", b.String(), "error", err)
		delete(s.running, b.Board)
		s.runningCount.Store(int64(len(s.running)))
		s.releaseLoopDevice(loopDev)
		return
	}

	if err := b.SetBegin(c); err != nil {
		s.log.Errorw("setBegin failed after successful launch", "build", b.String(), "error", err)
	}

	board := b.Board
	b.AddStateChangeObserver(func(finished *build.Build, state build.State) {
		if state == build.StateEnded {
			s.releases <- release{board: board, loopDev: loopDev}
		}
	})

	// Interactive runs are synchronous and already finished by the time Run
	// returns the NoContainer sentinel: there is no exit to observe, so the
	// build is ended here directly instead of waiting on a container-state
	// transition that will never arrive. The release observer above must be
	// registered first so it still sees this StateEnded notification.
	if b.Interactive {
		if err := b.SetEnd(0); err != nil {
			s.log.Errorw("setEnd failed for interactive build", "build", b.String(), "error", err)
		}
	}
}

func (s *Scheduler) releaseLoopDevice(dev string) {
	if dev == "" {
		return
	}
	if err := s.loopDevs.Release(dev); err != nil {
		s.log.Warnw("failed to release loop device", "device", dev, "error", err)
	}
}
