package container

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// sanitizeRepo turns a "owner/project" repo slug into a name-safe token,
// e.g. "owner/project" -> "owner-project".
func sanitizeRepo(repo string) string {
	s := nonAlnum.ReplaceAllString(repo, "-")
	return strings.Trim(strings.ToLower(s), "-")
}

// namePrefix returns the prefix that scopes this controller's containers
// on a shared host: only containers whose name starts with this prefix
// belong to this controller instance.
func namePrefix(repo string) string {
	return "thingosdci-" + sanitizeRepo(repo) + "-"
}

// newContainerName generates a container name for repo, of the form
// thingosdci-{sanitisedRepo}-{8-hex fingerprint of the current millis}.
func newContainerName(repo string) string {
	ms := uint32(time.Now().UnixMilli())
	return fmt.Sprintf("%s%08x", namePrefix(repo), ms)
}

// belongsToController reports whether name was created by a controller
// scoped to repo.
func belongsToController(name, repo string) bool {
	return strings.HasPrefix(name, namePrefix(repo))
}
