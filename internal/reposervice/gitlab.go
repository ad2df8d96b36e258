package reposervice

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	gitlab "github.com/xanzy/go-gitlab"
	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/thingoserr"
)

// GitLabService implements Service against the GitLab REST API via
// xanzy/go-gitlab.
type GitLabService struct {
	client    *gitlab.Client
	projectID string // numeric id or "owner/name" path
	secret    string
	deleteTag DeleteTagFunc
	log       *zap.SugaredLogger
}

// NewGitLab constructs a GitLabService against baseURL (gitlab.com if
// empty).
func NewGitLab(projectID, accessToken, baseURL, webhookSecret string, deleteTag DeleteTagFunc, log *zap.SugaredLogger) (*GitLabService, error) {
	var opts []gitlab.ClientOptionFunc
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(baseURL))
	}
	client, err := gitlab.NewClient(accessToken, opts...)
	if err != nil {
		return nil, err
	}
	return &GitLabService{client: client, projectID: projectID, secret: webhookSecret, deleteTag: deleteTag, log: log}, nil
}

func (s *GitLabService) Name() string { return "gitlab" }

// DecodeWebhook checks the X-Gitlab-Token shared secret and parses
// push/tag-push/merge-request events.
func (s *GitLabService) DecodeWebhook(r *http.Request) (Event, error) {
	token := r.Header.Get("X-Gitlab-Token")
	if token == "" {
		return Event{}, &thingoserr.WebhookAuthError{Service: "gitlab", Reason: "missing X-Gitlab-Token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
		return Event{}, &thingoserr.WebhookAuthError{Service: "gitlab", Reason: "token mismatch"}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "gitlab", Reason: "cannot read body"}
	}

	switch r.Header.Get("X-Gitlab-Event") {
	case "Push Hook":
		return decodeGitLabPush(body)
	case "Tag Push Hook":
		return decodeGitLabTagPush(body)
	case "Merge Request Hook":
		return decodeGitLabMergeRequest(body)
	default:
		return Event{Kind: EventUnknown}, nil
	}
}

func lastRefSegment(ref string) string {
	parts := strings.Split(ref, "/")
	return parts[len(parts)-1]
}

func decodeGitLabPush(body []byte) (Event, error) {
	var payload struct {
		Ref     string `json:"ref"`
		Commits []struct {
			ID string `json:"id"`
		} `json:"commits"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "gitlab", Reason: "malformed push payload"}
	}
	if len(payload.Commits) == 0 {
		return Event{Kind: EventUnknown}, nil
	}
	// GitLab batches every commit in the push into one payload; only the
	// newest is surfaced, last commit seen per branch wins.
	last := payload.Commits[len(payload.Commits)-1]
	return Event{Kind: EventPush, CommitID: last.ID, Branch: lastRefSegment(payload.Ref)}, nil
}

func decodeGitLabTagPush(body []byte) (Event, error) {
	var payload struct {
		Ref         string `json:"ref"`
		CheckoutSHA string `json:"checkout_sha"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "gitlab", Reason: "malformed tag push payload"}
	}
	if payload.CheckoutSHA == "" {
		return Event{Kind: EventUnknown}, nil // tag deleted
	}
	return Event{Kind: EventTagPush, CommitID: payload.CheckoutSHA, Tag: lastRefSegment(payload.Ref)}, nil
}

func decodeGitLabMergeRequest(body []byte) (Event, error) {
	var payload struct {
		ObjectAttributes struct {
			Action     string `json:"action"`
			IID        int    `json:"iid"`
			LastCommit struct {
				ID string `json:"id"`
			} `json:"last_commit"`
			Source struct {
				URL string `json:"url"`
			} `json:"source"`
			Target struct {
				URL string `json:"url"`
			} `json:"target"`
		} `json:"object_attributes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "gitlab", Reason: "malformed merge_request payload"}
	}

	attrs := payload.ObjectAttributes
	ev := Event{
		CommitID: attrs.LastCommit.ID,
		PRNumber: strconv.Itoa(attrs.IID),
		SrcRepo:  attrs.Source.URL,
		DstRepo:  attrs.Target.URL,
	}
	switch attrs.Action {
	case "open":
		ev.Kind = EventPullRequestOpened
	case "update":
		ev.Kind = EventPullRequestUpdated
	default:
		ev.Kind = EventUnknown
	}
	return ev, nil
}

func (s *GitLabService) setStatus(ctx context.Context, commitID, state string, target StatusTarget) error {
	if commitID == "" {
		return nil
	}
	opts := &gitlab.SetCommitStatusOptions{
		State:       gitlab.BuildStateValue(gitlab.BuildStateValue(state)),
		TargetURL:   gitlab.Ptr(target.URL),
		Description: gitlab.Ptr(target.Description),
		Context:     gitlab.Ptr(statusContext),
	}
	_, _, err := s.client.Commits.SetCommitStatus(s.projectID, commitID, opts, gitlab.WithContext(ctx))
	if err != nil {
		return &thingoserr.AdapterAPIError{Service: "gitlab", Op: "set status", Err: err}
	}
	return nil
}

func (s *GitLabService) SetPending(ctx context.Context, target StatusTarget) error {
	return s.setStatus(ctx, target.CommitID, "pending", target)
}

func (s *GitLabService) SetSuccess(ctx context.Context, target StatusTarget) error {
	return s.setStatus(ctx, target.CommitID, "success", target)
}

func (s *GitLabService) SetFailed(ctx context.Context, target StatusTarget) error {
	return s.setStatus(ctx, target.CommitID, "failed", target)
}

type gitlabRelease struct {
	tag  string
	body string
}

func (r *gitlabRelease) String() string { return r.tag }

func (s *GitLabService) CreateRelease(ctx context.Context, commitID, tag, version, branch string, draft bool) (ReleaseHandle, error) {
	if existing, _, err := s.client.Releases.GetRelease(s.projectID, tag, gitlab.WithContext(ctx)); err == nil && existing != nil {
		s.log.Debugw("removing previous release", "tag", tag)
		if _, err := s.client.Releases.DeleteRelease(s.projectID, tag, gitlab.WithContext(ctx)); err != nil {
			return nil, &thingoserr.AdapterAPIError{Service: "gitlab", Op: "delete previous release", Err: err}
		}
		if s.deleteTag != nil {
			if err := s.deleteTag(ctx, tag); err != nil {
				s.log.Warnw("failed to remove git tag", "tag", tag, "error", err)
			}
		}
	}

	ref := commitID
	if ref == "" {
		ref = branch
	}
	opts := &gitlab.CreateReleaseOptions{
		TagName: gitlab.Ptr(tag),
		Name:    gitlab.Ptr(version),
		Ref:     gitlab.Ptr(ref),
	}
	created, _, err := s.client.Releases.CreateRelease(s.projectID, opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, &thingoserr.AdapterAPIError{Service: "gitlab", Op: "create release", Err: err}
	}
	return &gitlabRelease{tag: tag, body: created.Description}, nil
}

func (s *GitLabService) UploadReleaseFile(ctx context.Context, release ReleaseHandle, board, tag, version, name, format string, content []byte) error {
	gr, ok := release.(*gitlabRelease)
	if !ok {
		return &thingoserr.AdapterAPIError{Service: "gitlab", Op: "upload release file", Err: fmt.Errorf("wrong release handle type")}
	}

	// GitLab has no "upload release binary" endpoint; the project markdown
	// uploads API is the documented way to host a file and link it from a
	// release (GitLab's own release-asset docs recommend this for
	// non-generic-package artifacts).
	uploaded, _, err := s.client.Projects.UploadFile(s.projectID, bytes.NewReader(content), name, gitlab.WithContext(ctx))
	if err != nil {
		return &thingoserr.AdapterAPIError{Service: "gitlab", Op: "upload project file", Err: err}
	}

	link := fmt.Sprintf("[%s](%s)", name, uploaded.URL)
	gr.body += "\n" + link

	linkOpts := &gitlab.CreateReleaseLinkOptions{Name: gitlab.Ptr(name), URL: gitlab.Ptr(uploaded.URL)}
	if _, _, err := s.client.ReleaseLinks.CreateReleaseLink(s.projectID, gr.tag, linkOpts, gitlab.WithContext(ctx)); err != nil {
		return &thingoserr.AdapterAPIError{Service: "gitlab", Op: "create release link", Err: err}
	}
	return nil
}

func (s *GitLabService) AddReleaseLink(ctx context.Context, release ReleaseHandle, board, tag, version, name, format, url string) error {
	gr, ok := release.(*gitlabRelease)
	if !ok {
		return &thingoserr.AdapterAPIError{Service: "gitlab", Op: "add release link", Err: fmt.Errorf("wrong release handle type")}
	}
	linkOpts := &gitlab.CreateReleaseLinkOptions{Name: gitlab.Ptr(name), URL: gitlab.Ptr(url)}
	if _, _, err := s.client.ReleaseLinks.CreateReleaseLink(s.projectID, gr.tag, linkOpts, gitlab.WithContext(ctx)); err != nil {
		return &thingoserr.AdapterAPIError{Service: "gitlab", Op: "add release link", Err: err}
	}
	return nil
}

func (s *GitLabService) LogTail(ctx context.Context, containerID string, lines int) (string, error) {
	return "", fmt.Errorf("LogTail is served by the daemon's container controller, not the forge adapter")
}
