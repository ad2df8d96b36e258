package reposervice

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// ReleaseHandle is an opaque reference to a created, service-hosted release,
// threaded back into UploadReleaseFile/AddReleaseLink.
type ReleaseHandle interface {
	fmt.Stringer
}

// StatusTarget carries what a commit-status update needs to describe: which
// commit/PR to annotate, a log URL, and a human description.
type StatusTarget struct {
	CommitID    string
	PRNumber    string // set only for pull-request-sourced builds
	URL         string
	Description string
}

// Service is the capability surface a forge integration must implement.
// Every method that talks to the network takes a context for cancellation
// and returns a wrapped *thingoserr.AdapterAPIError on failure.
type Service interface {
	Name() string

	// DecodeWebhook verifies and parses an inbound webhook request into a
	// canonical Event, or a *thingoserr.WebhookAuthError if verification
	// fails.
	DecodeWebhook(r *http.Request) (Event, error)

	SetPending(ctx context.Context, target StatusTarget) error
	SetSuccess(ctx context.Context, target StatusTarget) error
	SetFailed(ctx context.Context, target StatusTarget) error

	// CreateRelease creates (or replaces, for re-triggered tag builds) a
	// release for tag, returning a handle used by the upload calls below.
	CreateRelease(ctx context.Context, commitID, tag, version, branch string, draft bool) (ReleaseHandle, error)

	UploadReleaseFile(ctx context.Context, release ReleaseHandle, board, tag, version, name, format string, content []byte) error

	// AddReleaseLink attaches an external URL (e.g. an S3 object) to the
	// release as an additional download, where the service supports it.
	AddReleaseLink(ctx context.Context, release ReleaseHandle, board, tag, version, name, format, url string) error

	// LogTail returns the trailing N lines of a running/finished build's
	// container log. None of the adapters implements it: each returns an
	// error, and GET /{service}?id=...&lines=N is served by the container
	// controller instead.
	LogTail(ctx context.Context, containerID string, lines int) (string, error)
}

var (
	mu       sync.RWMutex
	services = map[string]Service{}
)

// Register makes a Service available by its Name(). Intended to be called
// once per concrete implementation during daemon wiring.
func Register(s Service) {
	mu.Lock()
	defer mu.Unlock()
	services[s.Name()] = s
}

// Get returns the registered Service with the given name.
func Get(name string) (Service, error) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := services[name]
	if !ok {
		return nil, fmt.Errorf("unknown repo service %q (available: %v)", name, names())
	}
	return s, nil
}

func names() []string {
	out := make([]string, 0, len(services))
	for n := range services {
		out = append(out, n)
	}
	return out
}
