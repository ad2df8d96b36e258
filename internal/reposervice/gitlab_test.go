package reposervice

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newGitLabWebhookRequest(event, token string, body []byte) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/gitlab", strings.NewReader(string(body)))
	r.Header.Set("X-Gitlab-Event", event)
	r.Header.Set("X-Gitlab-Token", token)
	return r
}

func TestGitLabDecodeWebhookRejectsMissingToken(t *testing.T) {
	s := &GitLabService{secret: "s3cr3t"}
	r := httptest.NewRequest(http.MethodPost, "/gitlab", strings.NewReader("{}"))
	r.Header.Set("X-Gitlab-Event", "Push Hook")

	if _, err := s.DecodeWebhook(r); err == nil {
		t.Fatal("DecodeWebhook() error = nil, want error for missing token")
	}
}

func TestGitLabDecodeWebhookRejectsWrongToken(t *testing.T) {
	s := &GitLabService{secret: "s3cr3t"}
	r := newGitLabWebhookRequest("Push Hook", "wrong", []byte("{}"))

	if _, err := s.DecodeWebhook(r); err == nil {
		t.Fatal("DecodeWebhook() error = nil, want error for wrong token")
	}
}

func TestGitLabDecodeWebhookPushUsesLastCommit(t *testing.T) {
	s := &GitLabService{secret: "s3cr3t"}
	body := []byte(`{"ref":"refs/heads/develop","commits":[{"id":"first"},{"id":"last"}]}`)
	r := newGitLabWebhookRequest("Push Hook", "s3cr3t", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventPush || ev.CommitID != "last" || ev.Branch != "develop" {
		t.Fatalf("DecodeWebhook() = %+v, want push to develop@last", ev)
	}
}

func TestGitLabDecodeWebhookPushWithNoCommitsIsUnknown(t *testing.T) {
	s := &GitLabService{secret: "s3cr3t"}
	body := []byte(`{"ref":"refs/heads/develop","commits":[]}`)
	r := newGitLabWebhookRequest("Push Hook", "s3cr3t", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventUnknown {
		t.Fatalf("DecodeWebhook().Kind = %v, want EventUnknown", ev.Kind)
	}
}

func TestGitLabDecodeWebhookTagPush(t *testing.T) {
	s := &GitLabService{secret: "s3cr3t"}
	body := []byte(`{"ref":"refs/tags/v2.0.0","checkout_sha":"abc123"}`)
	r := newGitLabWebhookRequest("Tag Push Hook", "s3cr3t", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventTagPush || ev.Tag != "v2.0.0" || ev.CommitID != "abc123" {
		t.Fatalf("DecodeWebhook() = %+v, want tag push v2.0.0@abc123", ev)
	}
}

func TestGitLabDecodeWebhookTagDeletionIsUnknown(t *testing.T) {
	s := &GitLabService{secret: "s3cr3t"}
	body := []byte(`{"ref":"refs/tags/v2.0.0","checkout_sha":""}`)
	r := newGitLabWebhookRequest("Tag Push Hook", "s3cr3t", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventUnknown {
		t.Fatalf("DecodeWebhook().Kind = %v, want EventUnknown for a deleted tag", ev.Kind)
	}
}

func TestGitLabDecodeWebhookMergeRequestOpen(t *testing.T) {
	s := &GitLabService{secret: "s3cr3t"}
	body := []byte(`{
		"object_attributes": {
			"action": "open",
			"iid": 7,
			"last_commit": {"id": "feedface"},
			"source": {"url": "https://gitlab.example.com/someone/fork"},
			"target": {"url": "https://gitlab.example.com/thingos/thingos"}
		}
	}`)
	r := newGitLabWebhookRequest("Merge Request Hook", "s3cr3t", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventPullRequestOpened || ev.PRNumber != "7" || ev.CommitID != "feedface" {
		t.Fatalf("DecodeWebhook() = %+v, want opened MR !7@feedface", ev)
	}
}

func TestGitLabDecodeWebhookMergeRequestUpdate(t *testing.T) {
	s := &GitLabService{secret: "s3cr3t"}
	body := []byte(`{"object_attributes":{"action":"update","iid":1,"last_commit":{"id":"x"}}}`)
	r := newGitLabWebhookRequest("Merge Request Hook", "s3cr3t", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventPullRequestUpdated {
		t.Fatalf("DecodeWebhook().Kind = %v, want EventPullRequestUpdated", ev.Kind)
	}
}

func TestGitLabDecodeWebhookUnknownEventType(t *testing.T) {
	s := &GitLabService{secret: "s3cr3t"}
	r := newGitLabWebhookRequest("Issue Hook", "s3cr3t", []byte("{}"))

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventUnknown {
		t.Fatalf("DecodeWebhook().Kind = %v, want EventUnknown", ev.Kind)
	}
}

func TestLastRefSegment(t *testing.T) {
	cases := map[string]string{
		"refs/heads/main":    "main",
		"refs/tags/v1.0.0":   "v1.0.0",
		"refs/heads/feat/x":  "x",
		"already-just-a-ref": "already-just-a-ref",
	}
	for ref, want := range cases {
		if got := lastRefSegment(ref); got != want {
			t.Errorf("lastRefSegment(%q) = %q, want %q", ref, got, want)
		}
	}
}
