package scheduler_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/build"
	"github.com/thingos/thingosdci/internal/buildgroup"
	"github.com/thingos/thingosdci/internal/container"
	"github.com/thingos/thingosdci/internal/loopdevice"
	"github.com/thingos/thingosdci/internal/scheduler"
)

// fakeRunner hands out a distinct container per launch and records launches.
type fakeRunner struct {
	mu       sync.Mutex
	launches int
	fail     bool
}

func (r *fakeRunner) Run(_ context.Context, _, _ map[string]string, _ bool) (*container.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, &fakeLaunchError{}
	}
	r.launches++
	return &container.Container{ID: "c", Name: "n", CreatedTime: time.Now()}, nil
}

type fakeLaunchError struct{}

func (*fakeLaunchError) Error() string { return "launch refused" }

func newScheduler(maxParallel int, runner scheduler.ContainerRunner) *scheduler.Scheduler {
	log := zap.NewNop().Sugar()
	loopDevs := loopdevice.New(10, 12, log)
	return scheduler.New(scheduler.Options{
		MaxParallel:  maxParallel,
		TickInterval: 20 * time.Millisecond,
	}, runner, loopDevs, log)
}

// newBuild takes build.Group (an interface) rather than *buildgroup.Group so
// that passing nil for ungrouped builds produces a true nil interface value,
// not a non-nil interface holding a nil *buildgroup.Group.
func newBuild(board, branch string, group build.Group) *build.Build {
	log := zap.NewNop().Sugar()
	b := build.New(build.Spec{Service: "github", Type: build.TypeNightly, Board: board, Branch: branch}, "", group, log)
	if g, ok := group.(*buildgroup.Group); ok {
		g.AddBuild(b)
	}
	return b
}

var _ = Describe("Scheduler admission", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("admits up to maxParallel builds and holds the rest pending", func() {
		runner := &fakeRunner{}
		s := newScheduler(1, runner)
		go s.Run(ctx)

		a := newBuild("board-a", "main", nil)
		b := newBuild("board-b", "main", nil)
		s.Schedule(ctx, a)
		s.Schedule(ctx, b)

		Eventually(func() int { return s.RunningCount() }, time.Second).Should(Equal(1))
		Consistently(func() int { return s.RunningCount() }, 100*time.Millisecond).Should(Equal(1))

		snap := s.Snapshot(ctx)
		Expect(snap.RunningBoards).To(HaveLen(1))
		Expect(snap.PendingKeys).To(HaveLen(1))
	})

	It("never runs two builds for the same board concurrently", func() {
		runner := &fakeRunner{}
		s := newScheduler(4, runner)
		go s.Run(ctx)

		first := newBuild("rpi", "main", nil)
		second := newBuild("rpi", "dev", nil)
		s.Schedule(ctx, first)
		s.Schedule(ctx, second)

		Eventually(func() int { return s.RunningCount() }, time.Second).Should(Equal(1))
		Consistently(func() int { return s.RunningCount() }, 150*time.Millisecond).Should(Equal(1))

		Expect(first.SetEnd(0)).To(Succeed())

		Eventually(func() []string { return s.Snapshot(ctx).PendingKeys }, time.Second).Should(BeEmpty())
		snap := s.Snapshot(ctx)
		Expect(snap.RunningBoards).To(ContainElement("rpi"))
		Expect(snap.PendingKeys).To(BeEmpty())
	})

	It("replaces a pending build with the same key", func() {
		runner := &fakeRunner{fail: true}
		s := newScheduler(0, runner) // maxParallel 0: nothing is ever admitted, queue stays observable
		go s.Run(ctx)

		g := buildgroup.New()
		older := newBuild("rpi", "dev", g)
		newer := newBuild("rpi", "dev", g)
		s.Schedule(ctx, older)
		s.Schedule(ctx, newer)

		Eventually(func() []string { return s.Snapshot(ctx).PendingKeys }, time.Second).Should(HaveLen(1))
	})

	It("enforces group affinity: a second group's build does not jump an active group with a free parallel slot", func() {
		runner := &fakeRunner{}
		s := newScheduler(2, runner) // two free slots, so only affinity can explain the block
		go s.Run(ctx)

		g1 := buildgroup.New()
		g1a := newBuild("board-a", "main", g1)

		g2 := buildgroup.New()
		g2a := newBuild("board-b", "main", g2)

		s.Schedule(ctx, g1a)
		s.Schedule(ctx, g2a)

		Eventually(func() []string { return s.Snapshot(ctx).RunningBoards }, time.Second).Should(ConsistOf("board-a"))

		// board-b has a free parallel slot available but belongs to a
		// different, not-yet-drained group; it must stay pending.
		Consistently(func() []string { return s.Snapshot(ctx).RunningBoards }, 150*time.Millisecond).
			Should(ConsistOf("board-a"))
		Expect(s.Snapshot(ctx).PendingKeys).To(HaveLen(1))
	})
})
