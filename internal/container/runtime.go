package container

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// runCapture executes the configured container runtime command and returns
// trimmed stdout: separate stdout/stderr buffers, stderr folded into the
// returned error only.
func runCapture(command string, args ...string) (string, error) {
	cmd := exec.Command(command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", command, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(stdout.String()), nil
}

const listFieldSep = "%"
const runtimeTimeFormat = "2006-01-02 15:04:05"

type runtimeRow struct {
	id          string
	name        string
	createdTime time.Time
	running     bool
}

// listContainers runs `{command} container ls -a --no-trunc --format
// '{id}%{name}%{createdAt}%{status}'` and parses the rows whose name
// belongs to this controller's repo.
func listContainers(command, repo string) ([]runtimeRow, error) {
	out, err := runCapture(command, "container", "ls", "-a", "--no-trunc",
		"--format", "{{.ID}}"+listFieldSep+"{{.Names}}"+listFieldSep+"{{.CreatedAt}}"+listFieldSep+"{{.Status}}")
	if err != nil {
		return nil, err
	}

	var rows []runtimeRow
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, listFieldSep, 4)
		if len(parts) != 4 {
			continue
		}

		id, name, createdAt, status := parts[0], parts[1], parts[2], parts[3]
		if !belongsToController(name, repo) {
			continue
		}

		created, _ := time.Parse(runtimeTimeFormat, firstNFields(createdAt, 2))

		rows = append(rows, runtimeRow{
			id:          id,
			name:        name,
			createdTime: created,
			running:     strings.HasPrefix(status, "Up"),
		})
	}

	return rows, nil
}

// firstNFields returns the first n whitespace-separated fields of s,
// joined back with single spaces — used to pull "YYYY-MM-DD HH:MM:SS" out
// of a longer "createdAt ... +0000 UTC" string.
func firstNFields(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

func waitExitCode(command, id string) (int, error) {
	out, err := runCapture(command, "wait", id)
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("wait: unparseable exit code %q: %w", out, err)
	}
	return code, nil
}

func killContainer(command, id string) error {
	_, err := runCapture(command, "kill", id)
	return err
}

func removeContainer(command, id string) error {
	_, err := runCapture(command, "rm", id)
	return err
}

func fetchLogs(command, id string) (string, error) {
	return runCapture(command, "logs", id)
}
