package reposervice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/thingoserr"
)

const bitbucketAPIBase = "https://api.bitbucket.org/2.0"

// BitBucketService implements Service against the BitBucket Cloud REST API
// using net/http directly: no example repo or ecosystem library in the
// retrieved pack offers a BitBucket client worth adopting over a dozen
// lines of direct HTTP (see DESIGN.md).
type BitBucketService struct {
	httpClient     *http.Client
	repo           string // "owner/name"
	username       string
	appPassword    string
	requestTimeout time.Duration
	log            *zap.SugaredLogger
}

// NewBitBucket constructs a BitBucketService. BitBucket webhooks carry no
// signature, so unlike GitHub/GitLab there is no secret here.
func NewBitBucket(repo, username, appPassword string, requestTimeout time.Duration, log *zap.SugaredLogger) *BitBucketService {
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	return &BitBucketService{
		httpClient:     &http.Client{Timeout: requestTimeout},
		repo:           repo,
		username:       username,
		appPassword:    appPassword,
		requestTimeout: requestTimeout,
		log:            log,
	}
}

func (s *BitBucketService) Name() string { return "bitbucket" }

// DecodeWebhook parses repo:push and pullrequest:{created,updated} events.
// BitBucket webhooks have no signature to verify.
func (s *BitBucketService) DecodeWebhook(r *http.Request) (Event, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "bitbucket", Reason: "cannot read body"}
	}

	switch r.Header.Get("X-Event-Key") {
	case "repo:push":
		return decodeBitBucketPush(body)
	case "pullrequest:created":
		return decodeBitBucketPullRequest(body, EventPullRequestOpened)
	case "pullrequest:updated":
		return decodeBitBucketPullRequest(body, EventPullRequestUpdated)
	default:
		return Event{Kind: EventUnknown}, nil
	}
}

func decodeBitBucketPush(body []byte) (Event, error) {
	var payload struct {
		Push struct {
			Changes []struct {
				New *struct {
					Type   string `json:"type"`
					Name   string `json:"name"`
					Target struct {
						Hash string `json:"hash"`
					} `json:"target"`
				} `json:"new"`
			} `json:"changes"`
		} `json:"push"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "bitbucket", Reason: "malformed repo:push payload"}
	}

	// Only the last change in the batch is surfaced: last one wins
	// per-branch/per-tag when BitBucket batches several pushes together.
	var ev Event
	for _, change := range payload.Push.Changes {
		if change.New == nil {
			continue
		}
		switch change.New.Type {
		case "tag":
			ev = Event{Kind: EventTagPush, CommitID: change.New.Target.Hash, Tag: change.New.Name}
		case "branch":
			ev = Event{Kind: EventPush, CommitID: change.New.Target.Hash, Branch: change.New.Name}
		}
	}
	if ev.Kind == EventUnknown {
		return Event{Kind: EventUnknown}, nil
	}
	return ev, nil
}

func decodeBitBucketPullRequest(body []byte, kind EventKind) (Event, error) {
	var payload struct {
		PullRequest struct {
			ID     int `json:"id"`
			Source struct {
				Commit struct {
					Hash string `json:"hash"`
				} `json:"commit"`
				Repository struct {
					FullName string `json:"full_name"`
				} `json:"repository"`
			} `json:"source"`
			Destination struct {
				Repository struct {
					FullName string `json:"full_name"`
				} `json:"repository"`
			} `json:"destination"`
		} `json:"pullrequest"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "bitbucket", Reason: "malformed pullrequest payload"}
	}

	pr := payload.PullRequest
	return Event{
		Kind:     kind,
		CommitID: pr.Source.Commit.Hash,
		PRNumber: fmt.Sprintf("%d", pr.ID),
		SrcRepo:  pr.Source.Repository.FullName,
		DstRepo:  pr.Destination.Repository.FullName,
	}, nil
}

// apiRequest issues an authenticated JSON request against the BitBucket
// Cloud API, returning the raw response body (nil for empty responses).
func (s *BitBucketService) apiRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	url := path
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = bitbucketAPIBase + path
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.repo)
	req.SetBasicAuth(s.username, s.appPassword)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bitbucket api %s %s: %s: %s", method, path, resp.Status, string(respBody))
	}
	if len(respBody) == 0 {
		return nil, nil
	}
	return respBody, nil
}

func (s *BitBucketService) setStatus(ctx context.Context, commitID, state string, target StatusTarget) error {
	if commitID == "" {
		return nil
	}
	path := fmt.Sprintf("/repositories/%s/commit/%s/statuses/build", s.repo, commitID)
	body := map[string]string{
		"state":       state,
		"url":         target.URL,
		"description": target.Description,
		"name":        statusContext,
		"key":         commitID,
	}
	if _, err := s.apiRequest(ctx, http.MethodPost, path, body); err != nil {
		return &thingoserr.AdapterAPIError{Service: "bitbucket", Op: "set status", Err: err}
	}
	return nil
}

func (s *BitBucketService) SetPending(ctx context.Context, target StatusTarget) error {
	return s.setStatus(ctx, target.CommitID, "INPROGRESS", target)
}

func (s *BitBucketService) SetSuccess(ctx context.Context, target StatusTarget) error {
	return s.setStatus(ctx, target.CommitID, "SUCCESSFUL", target)
}

func (s *BitBucketService) SetFailed(ctx context.Context, target StatusTarget) error {
	return s.setStatus(ctx, target.CommitID, "FAILED", target)
}

type bitbucketRelease struct {
	tag string
}

func (r *bitbucketRelease) String() string { return r.tag }

// CreateRelease creates the git tag named tag on BitBucket; BitBucket Cloud
// has no release object distinct from a tag plus download files, so the tag
// push itself stands in for "creating the release". An already-exists
// response is tolerated rather than treated as a failure.
func (s *BitBucketService) CreateRelease(ctx context.Context, commitID, tag, version, branch string, draft bool) (ReleaseHandle, error) {
	path := fmt.Sprintf("/repositories/%s/refs/tags", s.repo)
	body := map[string]any{
		"name":   tag,
		"target": map[string]string{"hash": commitID},
	}
	if _, err := s.apiRequest(ctx, http.MethodPost, path, body); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			s.log.Debugw("tag already exists", "tag", tag)
		} else {
			return nil, &thingoserr.AdapterAPIError{Service: "bitbucket", Op: "create tag", Err: err}
		}
	}
	return &bitbucketRelease{tag: tag}, nil
}

// UploadReleaseFile posts the artifact to the repository's Downloads section,
// BitBucket's only generic binary-hosting endpoint (there is no release-asset
// API).
func (s *BitBucketService) UploadReleaseFile(ctx context.Context, release ReleaseHandle, board, tag, version, name, format string, content []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files", name)
	if err != nil {
		return &thingoserr.AdapterAPIError{Service: "bitbucket", Op: "upload download", Err: err}
	}
	if _, err := part.Write(content); err != nil {
		return &thingoserr.AdapterAPIError{Service: "bitbucket", Op: "upload download", Err: err}
	}
	if err := writer.Close(); err != nil {
		return &thingoserr.AdapterAPIError{Service: "bitbucket", Op: "upload download", Err: err}
	}

	url := fmt.Sprintf("%s/repositories/%s/downloads", bitbucketAPIBase, s.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return &thingoserr.AdapterAPIError{Service: "bitbucket", Op: "upload download", Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBasicAuth(s.username, s.appPassword)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &thingoserr.AdapterAPIError{Service: "bitbucket", Op: "upload download", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &thingoserr.AdapterAPIError{Service: "bitbucket", Op: "upload download",
			Err: fmt.Errorf("%s: %s", resp.Status, string(respBody))}
	}
	return nil
}

// AddReleaseLink is a no-op: BitBucket downloads have no release-note body
// to append an external link to.
func (s *BitBucketService) AddReleaseLink(ctx context.Context, release ReleaseHandle, board, tag, version, name, format, url string) error {
	s.log.Debugw("bitbucket has no release-link mechanism, skipping", "tag", tag, "url", url)
	return nil
}

func (s *BitBucketService) LogTail(ctx context.Context, containerID string, lines int) (string, error) {
	return "", fmt.Errorf("LogTail is served by the daemon's container controller, not the forge adapter")
}
