package reposervice

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newBitBucketWebhookRequest(eventKey string, body []byte) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/bitbucket", strings.NewReader(string(body)))
	r.Header.Set("X-Event-Key", eventKey)
	return r
}

func TestBitBucketDecodeWebhookHasNoSignatureCheck(t *testing.T) {
	s := &BitBucketService{}
	r := newBitBucketWebhookRequest("repo:push", []byte(`{"push":{"changes":[]}}`))

	if _, err := s.DecodeWebhook(r); err != nil {
		t.Fatalf("DecodeWebhook() error = %v, want nil (BitBucket webhooks are unsigned)", err)
	}
}

func TestBitBucketDecodeWebhookPushBranch(t *testing.T) {
	s := &BitBucketService{}
	body := []byte(`{"push":{"changes":[{"new":{"type":"branch","name":"main","target":{"hash":"abc123"}}}]}}`)
	r := newBitBucketWebhookRequest("repo:push", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventPush || ev.Branch != "main" || ev.CommitID != "abc123" {
		t.Fatalf("DecodeWebhook() = %+v, want push to main@abc123", ev)
	}
}

func TestBitBucketDecodeWebhookPushTag(t *testing.T) {
	s := &BitBucketService{}
	body := []byte(`{"push":{"changes":[{"new":{"type":"tag","name":"v1.0.0","target":{"hash":"abc123"}}}]}}`)
	r := newBitBucketWebhookRequest("repo:push", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventTagPush || ev.Tag != "v1.0.0" || ev.CommitID != "abc123" {
		t.Fatalf("DecodeWebhook() = %+v, want tag push v1.0.0@abc123", ev)
	}
}

func TestBitBucketDecodeWebhookPushUsesLastChange(t *testing.T) {
	s := &BitBucketService{}
	body := []byte(`{"push":{"changes":[
		{"new":{"type":"branch","name":"main","target":{"hash":"first"}}},
		{"new":{"type":"branch","name":"main","target":{"hash":"second"}}}
	]}}`)
	r := newBitBucketWebhookRequest("repo:push", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.CommitID != "second" {
		t.Fatalf("DecodeWebhook().CommitID = %q, want %q (last change wins)", ev.CommitID, "second")
	}
}

func TestBitBucketDecodeWebhookPushWithDeletedBranchIsUnknown(t *testing.T) {
	s := &BitBucketService{}
	body := []byte(`{"push":{"changes":[{"new":null}]}}`)
	r := newBitBucketWebhookRequest("repo:push", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventUnknown {
		t.Fatalf("DecodeWebhook().Kind = %v, want EventUnknown for a branch deletion", ev.Kind)
	}
}

func TestBitBucketDecodeWebhookPullRequestCreated(t *testing.T) {
	s := &BitBucketService{}
	body := []byte(`{
		"pullrequest": {
			"id": 9,
			"source": {"commit": {"hash": "feedface"}, "repository": {"full_name": "someone/fork"}},
			"destination": {"repository": {"full_name": "thingos/thingos"}}
		}
	}`)
	r := newBitBucketWebhookRequest("pullrequest:created", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventPullRequestOpened || ev.PRNumber != "9" || ev.CommitID != "feedface" {
		t.Fatalf("DecodeWebhook() = %+v, want opened PR #9@feedface", ev)
	}
	if ev.SrcRepo != "someone/fork" || ev.DstRepo != "thingos/thingos" {
		t.Fatalf("DecodeWebhook() repos = %q/%q, want someone/fork -> thingos/thingos", ev.SrcRepo, ev.DstRepo)
	}
}

func TestBitBucketDecodeWebhookPullRequestUpdated(t *testing.T) {
	s := &BitBucketService{}
	body := []byte(`{"pullrequest":{"id":1,"source":{"commit":{"hash":"x"}}}}`)
	r := newBitBucketWebhookRequest("pullrequest:updated", body)

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventPullRequestUpdated {
		t.Fatalf("DecodeWebhook().Kind = %v, want EventPullRequestUpdated", ev.Kind)
	}
}

func TestBitBucketDecodeWebhookUnknownEventType(t *testing.T) {
	s := &BitBucketService{}
	r := newBitBucketWebhookRequest("issue:created", []byte("{}"))

	ev, err := s.DecodeWebhook(r)
	if err != nil {
		t.Fatalf("DecodeWebhook() error = %v", err)
	}
	if ev.Kind != EventUnknown {
		t.Fatalf("DecodeWebhook().Kind = %v, want EventUnknown", ev.Kind)
	}
}

// apiRequest accepts an absolute URL verbatim, which these tests use to
// redirect it at an httptest.Server instead of the real BitBucket API.
func TestBitBucketAPIRequestSetsBasicAuthAndBody(t *testing.T) {
	var gotUser, gotPass string
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewBitBucket("thingos/thingos", "bot", "app-password", 0, zap.NewNop().Sugar())
	_, err := s.apiRequest(context.Background(), http.MethodPost, srv.URL+"/x", map[string]string{"state": "SUCCESSFUL"})
	if err != nil {
		t.Fatalf("apiRequest() error = %v", err)
	}
	if gotUser != "bot" || gotPass != "app-password" {
		t.Fatalf("apiRequest() basic auth = %q/%q, want bot/app-password", gotUser, gotPass)
	}
	if !strings.Contains(gotBody, `"SUCCESSFUL"`) {
		t.Fatalf("apiRequest() body = %q, want it to contain the encoded state", gotBody)
	}
}

func TestBitBucketAPIRequestReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	s := NewBitBucket("thingos/thingos", "bot", "app-password", 0, zap.NewNop().Sugar())
	_, err := s.apiRequest(context.Background(), http.MethodGet, srv.URL+"/x", nil)
	if err == nil {
		t.Fatal("apiRequest() error = nil, want error for 403 response")
	}
}

func TestNewBitBucketDefaultsRequestTimeout(t *testing.T) {
	s := NewBitBucket("thingos/thingos", "bot", "app-password", 0, zap.NewNop().Sugar())
	if s.httpClient.Timeout == 0 {
		t.Fatal("NewBitBucket() left the HTTP client with a zero timeout")
	}
}
