// Package buildgroup implements BuildGroup: the aggregation of one build
// per board into a single logical unit with latched firstBegin/lastEnd
// events.
package buildgroup

import (
	"sync"

	"github.com/google/uuid"

	"github.com/thingos/thingosdci/internal/build"
)

// FirstBeginFunc is invoked exactly once, the first time any member build
// transitions to Running.
type FirstBeginFunc func(first *build.Build)

// BuildEndedFunc is invoked on every member build's transition to Ended,
// including the last one (LastEndFunc fires in addition, afterward).
type BuildEndedFunc func(ended *build.Build)

// LastEndFunc is invoked exactly once, after the last member build
// transitions to Ended.
type LastEndFunc func(last *build.Build)

// Group aggregates one Build per board. It implements build.Group so
// member builds can report their transitions without importing this
// package back, avoiding a circular import.
type Group struct {
	ID string

	mu     sync.Mutex
	builds map[string]*build.Build // board -> build

	firstBeginFired bool
	lastEndFired    bool

	onFirstBegin []FirstBeginFunc
	onBuildEnded []BuildEndedFunc
	onLastEnd    []LastEndFunc
}

// New creates an empty group. Call AddBuild for each board before the
// group's builds begin running.
func New() *Group {
	return &Group{
		ID:     uuid.NewString(),
		builds: make(map[string]*build.Build),
	}
}

// AddBuild registers b as this group's build for its board. Boards are
// unique within a group.
func (g *Group) AddBuild(b *build.Build) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.builds[b.Board] = b
}

// Builds returns a snapshot of the board->build mapping.
func (g *Group) Builds() map[string]*build.Build {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]*build.Build, len(g.builds))
	for k, v := range g.builds {
		out[k] = v
	}
	return out
}

// OnFirstBegin registers f, invoked in registration order when the latch
// fires.
func (g *Group) OnFirstBegin(f FirstBeginFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onFirstBegin = append(g.onFirstBegin, f)
}

// OnBuildEnded registers f, invoked on every member's Ended transition.
func (g *Group) OnBuildEnded(f BuildEndedFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBuildEnded = append(g.onBuildEnded, f)
}

// OnLastEnd registers f, invoked in registration order when the latch
// fires.
func (g *Group) OnLastEnd(f LastEndFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLastEnd = append(g.onLastEnd, f)
}

// CompletedBuilds returns the members currently in StateEnded.
func (g *Group) CompletedBuilds() []*build.Build {
	return g.filter(func(b *build.Build) bool { return b.State() == build.StateEnded })
}

// RemainingBuilds returns the members not yet in StateEnded.
func (g *Group) RemainingBuilds() []*build.Build {
	return g.filter(func(b *build.Build) bool { return b.State() != build.StateEnded })
}

// FailedBuilds returns the completed members whose exit code is non-zero.
func (g *Group) FailedBuilds() []*build.Build {
	return g.filter(func(b *build.Build) bool {
		if b.State() != build.StateEnded {
			return false
		}
		code := b.ExitCode
		return code != nil && *code != 0
	})
}

func (g *Group) filter(pred func(*build.Build) bool) []*build.Build {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*build.Build
	for _, b := range g.builds {
		if pred(b) {
			out = append(out, b)
		}
	}
	return out
}

// OnMemberStateChange implements build.Group. It is called synchronously
// by the member build's own notify step.
func (g *Group) OnMemberStateChange(member *build.Build, state build.State) {
	switch state {
	case build.StateRunning:
		g.handleBegin(member)
	case build.StateEnded:
		g.handleEnd(member)
	}
}

func (g *Group) handleBegin(member *build.Build) {
	g.mu.Lock()
	fire := !g.firstBeginFired
	if fire {
		g.firstBeginFired = true
	}
	callbacks := append([]FirstBeginFunc(nil), g.onFirstBegin...)
	g.mu.Unlock()

	if !fire {
		return
	}
	for _, cb := range callbacks {
		cb(member)
	}
}

func (g *Group) handleEnd(member *build.Build) {
	g.mu.Lock()
	endedCallbacks := append([]BuildEndedFunc(nil), g.onBuildEnded...)
	remaining := 0
	for _, b := range g.builds {
		if b.State() != build.StateEnded {
			remaining++
		}
	}
	isLast := remaining == 0 && !g.lastEndFired
	if isLast {
		g.lastEndFired = true
	}
	lastCallbacks := append([]LastEndFunc(nil), g.onLastEnd...)
	g.mu.Unlock()

	for _, cb := range endedCallbacks {
		cb(member)
	}

	if isLast {
		for _, cb := range lastCallbacks {
			cb(member)
		}
	}
}
