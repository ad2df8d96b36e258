package container

import (
	"strings"
	"testing"
)

func TestSanitizeRepo(t *testing.T) {
	cases := map[string]string{
		"owner/project":     "owner-project",
		"Owner/Project.git": "owner-project-git",
		"a_b/c":             "a-b-c",
	}

	for in, want := range cases {
		if got := sanitizeRepo(in); got != want {
			t.Errorf("sanitizeRepo(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewContainerNameAndFilter(t *testing.T) {
	repo := "owner/project"
	name := newContainerName(repo)

	if !strings.HasPrefix(name, "thingosdci-owner-project-") {
		t.Fatalf("name %q missing expected prefix", name)
	}
	if !belongsToController(name, repo) {
		t.Fatalf("belongsToController(%q) = false, want true", name)
	}
	if belongsToController(name, "other/repo") {
		t.Fatalf("belongsToController(%q) against a different repo = true, want false", name)
	}
	if belongsToController("some-other-container", repo) {
		t.Fatal("belongsToController matched an unrelated container name")
	}
}
