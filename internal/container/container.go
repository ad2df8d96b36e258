package container

import (
	"sync"
	"time"
)

// State is the derived, monotonic state of a Container.
type State int

const (
	StateRunning State = iota
	StateExited
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// StateChangeFunc is invoked whenever a Container transitions state.
type StateChangeFunc func(State)

// Container is a handle on one external build-container invocation. Its
// state is derived from exitCode/removed rather than stored directly: no
// exit code means Running, an exit code without removal means Exited,
// removed means Removed, and the sequence never reverses.
type Container struct {
	ID          string
	Name        string
	CreatedTime time.Time

	mu        sync.Mutex
	exitCode  *int
	removed   bool
	observers []StateChangeFunc
}

// NoContainer is the sentinel returned for an interactive run, where the
// caller treats the build as immediately ended with exit code 0.
var NoContainer = &Container{ID: "", Name: "(interactive)", removed: true}

// State returns the Container's current derived state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.removed:
		return StateRemoved
	case c.exitCode != nil:
		return StateExited
	default:
		return StateRunning
	}
}

// ExitCode returns the exit code and whether it has been set.
func (c *Container) ExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode == nil {
		return 0, false
	}
	return *c.exitCode, true
}

// AddStateChangeObserver registers a callback invoked on every state
// transition, in registration order. Callers must not block in the
// callback; dispatch happens on whatever goroutine the controller uses for
// its notification fan-out (see Controller.notify). If the container has
// already exited or been removed by the time this is called, the observer
// fires immediately for the state(s) it missed, so a caller that registers
// late (e.g. after a container exits within a tick of launch) never misses
// the transition.
func (c *Container) AddStateChangeObserver(f StateChangeFunc) {
	c.mu.Lock()
	c.observers = append(c.observers, f)
	exited := c.exitCode != nil
	removed := c.removed
	c.mu.Unlock()

	if exited {
		go f(StateExited)
	}
	if removed {
		go f(StateRemoved)
	}
}

// markExited transitions the container to Exited, recording exitCode, and
// returns the registered observers to notify. It is a no-op (returns nil)
// if the container is already Exited or Removed, since the status loop
// recomputes this idempotently every tick.
func (c *Container) markExited(exitCode int) []StateChangeFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode != nil {
		return nil
	}
	c.exitCode = &exitCode
	return append([]StateChangeFunc(nil), c.observers...)
}

// markRemoved transitions the container to Removed.
func (c *Container) markRemoved() []StateChangeFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return nil
	}
	c.removed = true
	return append([]StateChangeFunc(nil), c.observers...)
}
