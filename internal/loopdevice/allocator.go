// Package loopdevice implements the fixed pool of numbered loop-device
// identifiers handed to builds so they can mount an image file during the
// build.
package loopdevice

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/thingoserr"
)

const devicePattern = "/dev/loop%d"

// Allocator owns a contiguous range of loop device slots, acquiring and
// releasing them for builds. It is safe for concurrent use, though in
// thingosdci's single-actor model it is only ever touched from the
// scheduler's goroutine (acquire when a build is admitted, release once
// the build has ended or failed to launch).
type Allocator struct {
	mu    sync.Mutex
	busy  map[int]bool
	low   int
	high  int
	log   *zap.SugaredLogger
}

// New creates an Allocator over the inclusive range [low, high] and
// ensures each device node in the range exists, creating missing ones via
// mknod. A failure to create a node is logged, not fatal — the allocator
// continues, but acquire results for that slot may hand the build a
// broken device.
func New(low, high int, log *zap.SugaredLogger) *Allocator {
	a := &Allocator{
		busy: make(map[int]bool, high-low+1),
		low:  low,
		high: high,
		log:  log,
	}

	for i := low; i <= high; i++ {
		a.busy[i] = false
		a.ensureNode(i)
	}

	return a
}

func (a *Allocator) ensureNode(i int) {
	path := fmt.Sprintf(devicePattern, i)
	if _, err := os.Stat(path); err == nil {
		return
	}

	// 0o660 block device; loop major number 7.
	dev := int(syscall.Mkdev(7, uint32(i)))
	if err := syscall.Mknod(path, syscall.S_IFBLK|0o660, dev); err != nil {
		a.log.Errorw("failed to create loop device node", "path", path, "error", err)
	}
}

// Acquire returns the path of the first free slot and marks it busy.
func (a *Allocator) Acquire() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := a.low; i <= a.high; i++ {
		if !a.busy[i] {
			a.busy[i] = true
			path := fmt.Sprintf(devicePattern, i)
			a.log.Debugw("acquired loop device", "device", path)
			return path, nil
		}
	}

	return "", &thingoserr.NoFreeLoopDevice{}
}

// Release frees the slot identified by path (e.g. "/dev/loop3"). It fails
// loud on an unknown or already-free device — those are programming
// errors in the caller.
func (a *Allocator) Release(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := strings.LastIndex(path, "loop")
	if idx < 0 {
		return fmt.Errorf("unknown loop device: %s", path)
	}

	n, err := strconv.Atoi(path[idx+len("loop"):])
	if err != nil {
		return fmt.Errorf("unknown loop device: %s", path)
	}

	busy, ok := a.busy[n]
	if !ok {
		return fmt.Errorf("unknown loop device: %s", path)
	}
	if !busy {
		return fmt.Errorf("attempt to release free loop device: %s", path)
	}

	a.busy[n] = false
	a.log.Debugw("released loop device", "device", path)
	return nil
}

// BusyCount returns the number of currently acquired slots, bounded by the
// configured range size.
func (a *Allocator) BusyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, b := range a.busy {
		if b {
			n++
		}
	}
	return n
}
