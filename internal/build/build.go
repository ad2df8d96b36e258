// Package build implements the Build type: the unit of work for one board
// within a build group.
package build

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/container"
	"github.com/thingos/thingosdci/internal/thingoserr"
)

// Type identifies what kind of event produced a Build.
type Type string

const (
	TypePullRequest Type = "pr"
	TypeNightly     Type = "nightly"
	TypeTag         Type = "tag"
	TypeCustom      Type = "custom"
)

// State is the Build's monotonic lifecycle state, computed from its
// timestamps rather than stored directly.
type State int

const (
	StatePending State = iota
	StateRunning
	StateEnded
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// StateChangeFunc observes a Build's lifecycle transitions.
type StateChangeFunc func(*Build, State)

// Group is the minimal surface BuildGroup exposes back to its member
// Builds, avoiding a circular import between the build and buildgroup
// packages: builds hold only a weak back-reference to their group.
type Group interface {
	// OnMemberStateChange is invoked by a member Build whenever its state
	// changes, so the group can compute firstBegin/lastEnd latches.
	OnMemberStateChange(b *Build, s State)
}

// Spec describes everything needed to construct a Build.
type Spec struct {
	Service       string // repo service name, e.g. "github"
	Type          Type
	Board         string
	CommitID      string
	Tag           string
	Branch        string
	PRNumber      string
	Version       string
	CustomCommand string
	Interactive   bool
	ImageFormats  []string // extensions recognised for image_files grouping
	OutputDir     string
}

// Build is one containerized build execution for one board.
type Build struct {
	Spec

	LoopDevice string
	Container  *container.Container
	ExitCode   *int
	BeginTime  time.Time
	EndTime    time.Time

	group Group

	mu        sync.Mutex
	observers []StateChangeFunc
	log       *zap.SugaredLogger

	imageFiles map[string]string // format -> absolute path
}

// New constructs a Build. loopDevice may be empty if none could be
// acquired: a build with no free loop device still proceeds, with
// TB_LOOP_DEV="".
func New(spec Spec, loopDevice string, group Group, log *zap.SugaredLogger) *Build {
	b := &Build{
		Spec:       spec,
		LoopDevice: loopDevice,
		group:      group,
	}
	b.log = log.With("build", b.String())
	return b
}

// GroupRef returns the back-reference to this build's owning group, used by
// the scheduler to enforce group-affinity.
func (b *Build) GroupRef() Group {
	return b.group
}

func (b *Build) String() string {
	return fmt.Sprintf("%s/%s/%s", b.Service, b.Type, b.Board)
}

// Key is used to dedupe the pending queue: "{service}/{identifier}/{board}".
func (b *Build) Key() string {
	var identifier string
	switch b.Type {
	case TypePullRequest:
		identifier = b.PRNumber
	case TypeNightly:
		identifier = b.Branch
	case TypeTag:
		identifier = b.Tag
	default: // TypeCustom
		sum := sha1.Sum([]byte(b.CustomCommand))
		identifier = hex.EncodeToString(sum[:])[:8]
	}
	return fmt.Sprintf("%s/%s/%s", b.Service, identifier, b.Board)
}

// State computes the Build's current lifecycle state from its timestamps.
func (b *Build) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Build) stateLocked() State {
	if b.BeginTime.IsZero() {
		return StatePending
	}
	if b.EndTime.IsZero() {
		return StateRunning
	}
	return StateEnded
}

// AddStateChangeObserver registers an observer, invoked in registration
// order on every transition.
func (b *Build) AddStateChangeObserver(f StateChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, f)
}

// SetBegin attaches the launched container, records BeginTime, subscribes
// to the container's state changes, and notifies observers. It is an
// error to call this twice.
func (b *Build) SetBegin(c *container.Container) error {
	b.mu.Lock()
	if !b.BeginTime.IsZero() {
		b.mu.Unlock()
		return &thingoserr.BuildStateError{Build: b.String(), Msg: "cannot set begin time twice"}
	}
	b.BeginTime = time.Now()
	b.Container = c
	b.mu.Unlock()

	// NoContainer is a shared sentinel handed to every interactive build;
	// it never exits on its own (the scheduler ends an interactive build
	// directly), so subscribing here would just leak one closure per
	// interactive run onto a singleton that is never garbage collected.
	if c != container.NoContainer {
		c.AddStateChangeObserver(func(s container.State) {
			if s == container.StateExited {
				code, _ := c.ExitCode()
				if err := b.SetEnd(code); err != nil {
					b.log.Warnw("SetEnd failed in container observer", "error", err)
				}
			}
		})
	}

	b.notify(StateRunning)
	return nil
}

// SetEnd transitions the build to Ended. It records the exit code/end time, loads
// produced image files for successful non-custom builds, and notifies
// observers. It is an error to call this before SetBegin or more than
// once; SetEnd is called exactly once per build, full stop.
func (b *Build) SetEnd(exitCode int) error {
	b.mu.Lock()
	if b.BeginTime.IsZero() {
		b.mu.Unlock()
		return &thingoserr.BuildStateError{Build: b.String(), Msg: "cannot set end time before begin"}
	}
	if !b.EndTime.IsZero() {
		b.mu.Unlock()
		return &thingoserr.BuildStateError{Build: b.String(), Msg: "cannot set end time twice"}
	}

	code := exitCode
	b.ExitCode = &code
	b.EndTime = time.Now()
	b.mu.Unlock()

	if b.Type != TypeCustom && code == 0 {
		files, err := b.loadImageFiles()
		if err != nil {
			b.log.Warnw("failed to load image files", "error", err)
		} else {
			b.mu.Lock()
			b.imageFiles = files
			b.mu.Unlock()
		}
	}

	if code != 0 {
		b.log.Errorw("build ended with non-zero exit code", "exitCode", code)
	}

	b.notify(StateEnded)
	return nil
}

// ImageFiles returns the format->path mapping populated on a successful
// non-custom build's end. It is nil for pending/running/custom/failed
// builds.
func (b *Build) ImageFiles() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.imageFiles
}

func (b *Build) loadImageFiles() (map[string]string, error) {
	listPath := filepath.Join(b.OutputDir, b.Board, ".image_files")
	f, err := os.Open(listPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		basename := strings.TrimSpace(scanner.Text())
		if basename == "" {
			continue
		}

		// Each listed basename is matched against every configured format
		// by suffix, not by splitting an extension off the name: compound
		// suffixes like ".img.gz" never equal a bare ".gz" under exact
		// equality. Duplicates within one format: last wins.
		for _, fmtExt := range b.ImageFormats {
			if strings.HasSuffix(basename, fmtExt) {
				result[fmtExt] = filepath.Join(b.OutputDir, b.Board, "images", basename)
			}
		}
	}

	return result, scanner.Err()
}

func (b *Build) notify(s State) {
	b.mu.Lock()
	observers := append([]StateChangeFunc(nil), b.observers...)
	b.mu.Unlock()

	for _, obs := range observers {
		obs := obs
		go obs(b, s)
	}

	if b.group != nil {
		b.group.OnMemberStateChange(b, s)
	}
}

// Env builds the TB_* environment variable contract passed into the build
// container.
func (b *Build) Env(repo, gitCloneArgs string, cleanTargetOnly bool) map[string]string {
	cleanOnly := "false"
	if cleanTargetOnly {
		cleanOnly = "true"
	}

	return map[string]string{
		"TB_REPO":              repo,
		"TB_GIT_CLONE_ARGS":    gitCloneArgs,
		"TB_BOARD":             b.Board,
		"TB_COMMIT":            b.CommitID,
		"TB_TAG":               b.Tag,
		"TB_PR":                b.PRNumber,
		"TB_BRANCH":            b.Branch,
		"TB_VERSION":           b.Version,
		"TB_CUSTOM_CMD":        b.CustomCommand,
		"TB_CLEAN_TARGET_ONLY": cleanOnly,
		"TB_LOOP_DEV":          b.LoopDevice,
	}
}
