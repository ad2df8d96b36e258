package reposervice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // GitHub signs webhooks with HMAC-SHA1, not a choice we get to make
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/go-github/v63/github"
	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/thingoserr"
)

const statusContext = "thingOS Docker CI"

// DeleteTagFunc removes a remote git tag, run as a one-off custom build
// inside the same container image used for regular builds, so tag
// deletion reuses the builder image's git credentials rather than the
// daemon shelling out directly.
type DeleteTagFunc func(ctx context.Context, tag string) error

// GitHubService implements Service against the GitHub REST API via
// google/go-github.
type GitHubService struct {
	client    *github.Client
	repo      string // "owner/name"
	secret    string
	deleteTag DeleteTagFunc
	log       *zap.SugaredLogger
}

// NewGitHub constructs a GitHubService. accessToken authenticates API calls;
// webhookSecret verifies inbound signatures.
func NewGitHub(repo, accessToken, webhookSecret string, deleteTag DeleteTagFunc, log *zap.SugaredLogger) *GitHubService {
	client := github.NewClient(nil).WithAuthToken(accessToken)
	return &GitHubService{
		client:    client,
		repo:      repo,
		secret:    webhookSecret,
		deleteTag: deleteTag,
		log:       log,
	}
}

func (s *GitHubService) Name() string { return "github" }

func (s *GitHubService) ownerName() (string, string) {
	parts := strings.SplitN(s.repo, "/", 2)
	if len(parts) != 2 {
		return s.repo, ""
	}
	return parts[0], parts[1]
}

// DecodeWebhook verifies the HMAC-SHA1 signature and parses pull_request /
// push events.
func (s *GitHubService) DecodeWebhook(r *http.Request) (Event, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "github", Reason: "cannot read body"}
	}

	sig := r.Header.Get("X-Hub-Signature")
	if !strings.HasPrefix(sig, "sha1=") {
		return Event{}, &thingoserr.WebhookAuthError{Service: "github", Reason: "missing X-Hub-Signature"}
	}
	remote := sig[len("sha1="):]

	mac := hmac.New(sha1.New, []byte(s.secret))
	mac.Write(body)
	local := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(local), []byte(remote)) {
		return Event{}, &thingoserr.WebhookAuthError{Service: "github", Reason: "signature mismatch"}
	}

	switch r.Header.Get("X-GitHub-Event") {
	case "pull_request":
		return decodeGitHubPullRequest(body)
	case "push":
		return decodeGitHubPush(body)
	default:
		return Event{Kind: EventUnknown}, nil
	}
}

func decodeGitHubPullRequest(body []byte) (Event, error) {
	var payload struct {
		Action      string `json:"action"`
		PullRequest struct {
			Number int `json:"number"`
			Head   struct {
				SHA  string `json:"sha"`
				Repo struct {
					FullName string `json:"full_name"`
				} `json:"repo"`
			} `json:"head"`
			Base struct {
				Repo struct {
					FullName string `json:"full_name"`
				} `json:"repo"`
			} `json:"base"`
		} `json:"pull_request"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "github", Reason: "malformed pull_request payload"}
	}

	ev := Event{
		CommitID: payload.PullRequest.Head.SHA,
		PRNumber: strconv.Itoa(payload.PullRequest.Number),
		SrcRepo:  payload.PullRequest.Head.Repo.FullName,
		DstRepo:  payload.PullRequest.Base.Repo.FullName,
	}

	switch payload.Action {
	case "opened":
		ev.Kind = EventPullRequestOpened
	case "synchronize", "edited":
		ev.Kind = EventPullRequestUpdated
	default:
		ev.Kind = EventUnknown
	}
	return ev, nil
}

func decodeGitHubPush(body []byte) (Event, error) {
	var payload struct {
		Ref        string `json:"ref"`
		HeadCommit *struct {
			ID string `json:"id"`
		} `json:"head_commit"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Event{}, &thingoserr.WebhookAuthError{Service: "github", Reason: "malformed push payload"}
	}
	if payload.HeadCommit == nil {
		return Event{Kind: EventUnknown}, nil
	}

	parts := strings.Split(payload.Ref, "/")
	branchOrTag := parts[len(parts)-1]

	if strings.HasPrefix(payload.Ref, "refs/tags/") {
		return Event{Kind: EventTagPush, CommitID: payload.HeadCommit.ID, Tag: branchOrTag}, nil
	}
	return Event{Kind: EventPush, CommitID: payload.HeadCommit.ID, Branch: branchOrTag}, nil
}

func (s *GitHubService) setStatus(ctx context.Context, commitID, state string, target StatusTarget) error {
	if commitID == "" {
		return nil
	}
	owner, name := s.ownerName()
	desc := target.Description
	if len(desc) > 140 {
		desc = desc[:140]
	}
	status := &github.RepoStatus{
		State:       github.String(state),
		TargetURL:   github.String(target.URL),
		Description: github.String(desc),
		Context:     github.String(statusContext),
	}
	_, _, err := s.client.Repositories.CreateStatus(ctx, owner, name, commitID, status)
	if err != nil {
		return &thingoserr.AdapterAPIError{Service: "github", Op: "set status", Err: err}
	}
	return nil
}

func (s *GitHubService) SetPending(ctx context.Context, target StatusTarget) error {
	return s.setStatus(ctx, target.CommitID, "pending", target)
}

func (s *GitHubService) SetSuccess(ctx context.Context, target StatusTarget) error {
	return s.setStatus(ctx, target.CommitID, "success", target)
}

func (s *GitHubService) SetFailed(ctx context.Context, target StatusTarget) error {
	return s.setStatus(ctx, target.CommitID, "failure", target)
}

type githubRelease struct {
	release *github.RepositoryRelease
}

func (r *githubRelease) String() string {
	if r.release.ID == nil {
		return ""
	}
	return strconv.FormatInt(*r.release.ID, 10)
}

// CreateRelease re-creates the release for tag: an existing release+tag from
// a prior run of the same tag is deleted first (including the remote git
// tag, via deleteTag), since GitHub releases can't be edited-in-place across
// distinct build runs without risking stale assets.
func (s *GitHubService) CreateRelease(ctx context.Context, commitID, tag, version, branch string, draft bool) (ReleaseHandle, error) {
	owner, name := s.ownerName()

	existing, _, err := s.client.Repositories.GetReleaseByTag(ctx, owner, name, tag)
	if err == nil && existing != nil {
		s.log.Debugw("removing previous release", "tag", tag)
		if _, delErr := s.client.Repositories.DeleteRelease(ctx, owner, name, existing.GetID()); delErr != nil {
			return nil, &thingoserr.AdapterAPIError{Service: "github", Op: "delete previous release", Err: delErr}
		}
		if s.deleteTag != nil {
			if tagErr := s.deleteTag(ctx, tag); tagErr != nil {
				s.log.Warnw("failed to remove git tag", "tag", tag, "error", tagErr)
			}
		}
	}

	body := &github.RepositoryRelease{
		TagName:    github.String(tag),
		Name:       github.String(version),
		Prerelease: github.Bool(true),
		Draft:      github.Bool(draft),
	}
	if commitID != "" {
		body.TargetCommitish = github.String(commitID)
	} else if branch != "" {
		body.TargetCommitish = github.String(branch)
	}

	created, _, err := s.client.Repositories.CreateRelease(ctx, owner, name, body)
	if err != nil {
		return nil, &thingoserr.AdapterAPIError{Service: "github", Op: "create release", Err: err}
	}
	return &githubRelease{release: created}, nil
}

func (s *GitHubService) UploadReleaseFile(ctx context.Context, release ReleaseHandle, board, tag, version, name, format string, content []byte) error {
	gr, ok := release.(*githubRelease)
	if !ok {
		return &thingoserr.AdapterAPIError{Service: "github", Op: "upload release file", Err: fmt.Errorf("wrong release handle type")}
	}
	owner, repoName := s.ownerName()
	contentType := mime.TypeByExtension(format)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// UploadReleaseAsset requires an *os.File (it reads the name off the
	// handle), so the in-memory artifact is spooled to a temp file first.
	tmp, err := os.CreateTemp("", "thingosdci-upload-*")
	if err != nil {
		return &thingoserr.AdapterAPIError{Service: "github", Op: "upload release asset", Err: err}
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.Write(content); err != nil {
		return &thingoserr.AdapterAPIError{Service: "github", Op: "upload release asset", Err: err}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return &thingoserr.AdapterAPIError{Service: "github", Op: "upload release asset", Err: err}
	}

	_, _, err = s.client.Repositories.UploadReleaseAsset(ctx, owner, repoName, gr.release.GetID(),
		&github.UploadOptions{Name: name, MediaType: contentType}, tmp)
	if err != nil {
		return &thingoserr.AdapterAPIError{Service: "github", Op: "upload release asset", Err: err}
	}
	return nil
}

func (s *GitHubService) AddReleaseLink(ctx context.Context, release ReleaseHandle, board, tag, version, name, format, url string) error {
	gr, ok := release.(*githubRelease)
	if !ok {
		return &thingoserr.AdapterAPIError{Service: "github", Op: "add release link", Err: fmt.Errorf("wrong release handle type")}
	}
	owner, repoName := s.ownerName()

	link := fmt.Sprintf("[%s](%s)", name, url)
	body := gr.release.GetBody() + "\n" + link

	update := &github.RepositoryRelease{Body: github.String(body)}
	if tag != "" {
		update.TagName = github.String(tag)
	}

	updated, _, err := s.client.Repositories.EditRelease(ctx, owner, repoName, gr.release.GetID(), update)
	if err != nil {
		return &thingoserr.AdapterAPIError{Service: "github", Op: "edit release", Err: err}
	}
	gr.release = updated
	return nil
}

func (s *GitHubService) LogTail(ctx context.Context, containerID string, lines int) (string, error) {
	return "", fmt.Errorf("LogTail is served by the daemon's container controller, not the forge adapter")
}
