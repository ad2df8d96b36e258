// Package container drives external build containers: launching them,
// polling the container runtime for state transitions, harvesting logs,
// and reaping exited containers.
package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/thingoserr"
)

// Options configures a Controller instance.
type Options struct {
	Command         string        // container runtime base command, e.g. "docker"
	Repo            string        // "owner/project", used for the name-prefix filter
	Image           string        // builder image name
	LogsDir         string
	ContainerMaxAge time.Duration
	LogsMaxAge      time.Duration
	CopySSHKey      string // path to an SSH private key to mount read-only, or ""
}

// Controller launches, observes, and reaps build containers. It owns the
// registry of known containers keyed by id and fans state-change
// notifications out to each Container's observers.
type Controller struct {
	opts Options
	log  *zap.SugaredLogger

	mu         sync.Mutex
	registry   map[string]*Container // id -> container
}

// New constructs a Controller. It performs no I/O itself; call Start to
// begin the status and cleanup loops.
func New(opts Options, log *zap.SugaredLogger) *Controller {
	return &Controller{
		opts:     opts,
		log:      log,
		registry: make(map[string]*Container),
	}
}

// Run launches one container for a build. For interactive=true the call
// is synchronous, inherits the process's stdio, and returns NoContainer —
// the caller treats the build as immediately ended with exit code 0.
func (c *Controller) Run(ctx context.Context, env map[string]string, volumes map[string]string, interactive bool) (*Container, error) {
	name := newContainerName(c.opts.Repo)

	args := []string{"run", "-td", "--privileged"}
	if interactive {
		args[1] = "-ti"
	}

	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for host, guest := range volumes {
		args = append(args, "-v", fmt.Sprintf("%s:%s", host, guest))
	}
	if c.opts.CopySSHKey != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/root/.ssh/id_rsa:ro", c.opts.CopySSHKey))
	}

	args = append(args, "--cap-add=SYS_ADMIN", "--cap-add=MKNOD", "--name", name, c.opts.Image)

	if interactive {
		cmd := exec.CommandContext(ctx, c.opts.Command, args...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return nil, &thingoserr.ContainerLaunchError{Name: name, Err: err}
		}
		return NoContainer, nil
	}

	id, err := runCapture(c.opts.Command, args...)
	if err != nil {
		return nil, &thingoserr.ContainerLaunchError{Name: name, Err: err}
	}
	id = strings.TrimSpace(id)

	cont := &Container{
		ID:          id,
		Name:        name,
		CreatedTime: time.Now(),
	}

	c.mu.Lock()
	c.registry[id] = cont
	c.mu.Unlock()

	c.log.Infow("launched container", "id", id, "name", name)

	return cont, nil
}

// LogTail returns the last lastN newline-delimited lines of a container's
// log.
func (c *Controller) LogTail(id string, lastN int) (string, error) {
	out, err := fetchLogs(c.opts.Command, id)
	if err != nil {
		return "", &thingoserr.ContainerRuntimeError{Op: "logs", Err: err}
	}

	lines := strings.Split(out, "\n")
	if lastN > 0 && len(lines) > lastN {
		lines = lines[len(lines)-lastN:]
	}
	return strings.Join(lines, "\n"), nil
}

// RunStatusLoop polls the container runtime roughly once per second until
// ctx is cancelled. Runtime invocation failures are logged and swallowed;
// the loop never terminates on them.
func (c *Controller) RunStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.statusTick()
		}
	}
}

func (c *Controller) statusTick() {
	rows, err := listContainers(c.opts.Command, c.opts.Repo)
	if err != nil {
		c.log.Warnw("failed to list containers", "error", err)
		return
	}

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		seen[row.id] = true

		c.mu.Lock()
		cont, known := c.registry[row.id]
		c.mu.Unlock()

		if !known {
			continue
		}

		if cont.State() == StateRunning && !row.running {
			code, err := waitExitCode(c.opts.Command, row.id)
			if err != nil {
				c.log.Warnw("failed to fetch exit code", "id", row.id, "error", err)
				continue
			}

			observers := cont.markExited(code)
			c.log.Infow("container exited", "id", row.id, "exitCode", code)
			c.notify(observers, StateExited)
		}
	}

	// Prune ids the runtime no longer reports.
	c.mu.Lock()
	for id := range c.registry {
		if !seen[id] {
			delete(c.registry, id)
		}
	}
	c.mu.Unlock()
}

// RunCleanupLoop runs roughly every 60s until ctx is cancelled: kills
// containers that exceed ContainerMaxAge, persists and removes exited
// containers, and prunes old log files.
func (c *Controller) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupTick()
		}
	}
}

func (c *Controller) cleanupTick() {
	c.mu.Lock()
	snapshot := make([]*Container, 0, len(c.registry))
	for _, cont := range c.registry {
		snapshot = append(snapshot, cont)
	}
	c.mu.Unlock()

	now := time.Now()
	for _, cont := range snapshot {
		switch cont.State() {
		case StateRunning:
			if c.opts.ContainerMaxAge > 0 && now.Sub(cont.CreatedTime) > c.opts.ContainerMaxAge {
				c.log.Warnw("killing container that exceeded max age", "id", cont.ID)
				if err := killContainer(c.opts.Command, cont.ID); err != nil {
					c.log.Warnw("failed to kill container", "id", cont.ID, "error", err)
				}
			}

		case StateExited:
			if err := c.persistLog(cont.ID); err != nil {
				c.log.Warnw("failed to persist container log", "id", cont.ID, "error", err)
			}
			if err := removeContainer(c.opts.Command, cont.ID); err != nil {
				c.log.Warnw("failed to remove container", "id", cont.ID, "error", err)
				continue
			}
			observers := cont.markRemoved()
			c.notify(observers, StateRemoved)
		}
	}

	c.pruneOldLogs()
}

func (c *Controller) persistLog(id string) error {
	if c.opts.LogsDir == "" {
		return nil
	}
	out, err := fetchLogs(c.opts.Command, id)
	if err != nil {
		return err
	}
	path := filepath.Join(c.opts.LogsDir, fmt.Sprintf("build-%s.log", id))
	return os.WriteFile(path, []byte(out), 0o644)
}

func (c *Controller) pruneOldLogs() {
	if c.opts.LogsDir == "" || c.opts.LogsMaxAge <= 0 {
		return
	}

	entries, err := os.ReadDir(c.opts.LogsDir)
	if err != nil {
		return
	}

	now := time.Now()
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > c.opts.LogsMaxAge {
			_ = os.Remove(filepath.Join(c.opts.LogsDir, e.Name()))
		}
	}
}

// notify dispatches each observer in registration order on its own
// goroutine, so no observer can block the status/cleanup loop.
func (c *Controller) notify(observers []StateChangeFunc, state State) {
	for _, obs := range observers {
		obs := obs
		go obs(state)
	}
}

// parseExitCode is a small helper kept separate from waitExitCode's own
// strconv call so tests can exercise the format-sensitivity directly.
func parseExitCode(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
