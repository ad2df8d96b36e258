// Package release implements ReleaseOrchestrator: the consumer of group
// lifecycle events that drives commit-status reporting and, on a
// successful nightly/tag group, artifact publication.
package release

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/blobstore"
	"github.com/thingos/thingosdci/internal/build"
	"github.com/thingos/thingosdci/internal/buildgroup"
	"github.com/thingos/thingosdci/internal/reposervice"
	"github.com/thingos/thingosdci/internal/scheduler"
	"github.com/thingos/thingosdci/internal/state"
)

const defaultLogLines = 100

// Options configures an Orchestrator. Uploader may be nil when no board
// build type is configured to mirror artifacts to object storage.
type Options struct {
	ServiceName string
	Service     reposervice.Service
	Scheduler   *scheduler.Scheduler
	Store       *state.Store
	Uploader    blobstore.Uploader

	Boards       []string
	ImageFormats []string
	OutputDir    string

	PullRequests     bool
	NightlyBranches  []string
	NightlyFixedHour *int
	NightlyTagTemplate,
	NightlyVersionTemplate string

	TagRegex *regexp.Regexp

	UploadServiceBuildTypes map[build.Type]bool
	S3UploadBuildTypes      map[build.Type]bool
	S3UploadPath            string
	S3AddReleaseLink        bool

	ReleaseScript string
	WebBaseURL    string
}

// Orchestrator consumes canonical repo-service events and build-group
// lifecycle callbacks, driving status updates and release publication.
type Orchestrator struct {
	opts Options
	log  *zap.SugaredLogger
}

// New constructs an Orchestrator.
func New(opts Options, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{opts: opts, log: log}
}

// HandleEvent dispatches a decoded webhook event to the matching
// qualification + scheduling path.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev reposervice.Event) {
	switch ev.Kind {
	case reposervice.EventPullRequestOpened, reposervice.EventPullRequestUpdated:
		o.handlePullRequest(ctx, ev)
	case reposervice.EventPush:
		o.handleCommit(ctx, ev)
	case reposervice.EventTagPush:
		o.handleNewTag(ctx, ev)
	default:
		o.log.Debugw("ignoring unrecognised event")
	}
}

func (o *Orchestrator) handlePullRequest(ctx context.Context, ev reposervice.Event) {
	if !o.opts.PullRequests {
		o.log.Debugw("pull requests ignored")
		return
	}

	o.log.Debugw("pull request build group", "pr", ev.PRNumber, "src", ev.SrcRepo, "dst", ev.DstRepo)

	group := o.newGroup()
	for _, board := range o.opts.Boards {
		b := build.New(build.Spec{
			Service:      o.opts.ServiceName,
			Type:         build.TypePullRequest,
			Board:        board,
			CommitID:     ev.CommitID,
			PRNumber:     ev.PRNumber,
			ImageFormats: o.opts.ImageFormats,
			OutputDir:    o.opts.OutputDir,
		}, "", group, o.log)
		group.AddBuild(b)
		o.opts.Scheduler.SchedulePR(ctx, b)
	}
}

func (o *Orchestrator) handleCommit(ctx context.Context, ev reposervice.Event) {
	o.log.Debugw("commit", "branch", ev.Branch, "commit", ev.CommitID)

	if err := o.opts.Store.Set(state.LastCommitByBranch, ev.Branch, ev.CommitID); err != nil {
		o.log.Warnw("failed to persist last commit for branch", "branch", ev.Branch, "error", err)
	}

	if !slices.Contains(o.opts.NightlyBranches, ev.Branch) {
		o.log.Debugw("branch ignored for nightly builds", "branch", ev.Branch)
		return
	}

	if o.opts.NightlyFixedHour == nil {
		o.scheduleNightlyBuild(ctx, ev.CommitID, ev.Branch)
	}
	// else: FixedHourTrigger picks this commit up on its own schedule.
}

// ScheduleNightlyBuildsForNewCommits implements trigger.NightlyScanner: for
// every configured nightly branch, schedule a nightly group if the most
// recently observed commit hasn't already had a nightly build.
func (o *Orchestrator) ScheduleNightlyBuildsForNewCommits(ctx context.Context) {
	for _, branch := range o.opts.NightlyBranches {
		last, ok, err := o.opts.Store.Get(state.LastCommitByBranch, branch)
		if err != nil || !ok || last == "" {
			continue
		}
		lastNightly, _, err := o.opts.Store.Get(state.LastNightlyCommitByBranch, branch)
		if err == nil && last == lastNightly {
			continue
		}
		o.log.Debugw("new commit found on branch", "branch", branch)
		o.scheduleNightlyBuild(ctx, last, branch)
	}
}

// TriggerNightly schedules a nightly build for branch using its most
// recently observed commit (manual POST /trigger?type=nightly).
func (o *Orchestrator) TriggerNightly(ctx context.Context, branch string) error {
	o.scheduleNightlyBuild(ctx, "", branch)
	return nil
}

// TriggerTag replays handling of tag as if its webhook had just arrived,
// using the commit id previously recorded for it (manual POST
// /trigger?type=tag).
func (o *Orchestrator) TriggerTag(ctx context.Context, tag string) error {
	o.handleNewTag(ctx, reposervice.Event{Kind: reposervice.EventTagPush, Tag: tag})
	return nil
}

func (o *Orchestrator) scheduleNightlyBuild(ctx context.Context, commitID, branch string) {
	if commitID == "" {
		v, ok, err := o.opts.Store.Get(state.LastCommitByBranch, branch)
		if err != nil || !ok {
			o.log.Warnw("cannot schedule nightly build: no known commit for branch", "branch", branch)
			return
		}
		commitID = v
	}

	version := BranchesFormat(o.opts.NightlyVersionTemplate, branch, time.Now())

	group := o.newGroup()
	for _, board := range o.opts.Boards {
		b := build.New(build.Spec{
			Service:      o.opts.ServiceName,
			Type:         build.TypeNightly,
			Board:        board,
			CommitID:     commitID,
			Branch:       branch,
			Version:      version,
			ImageFormats: o.opts.ImageFormats,
			OutputDir:    o.opts.OutputDir,
		}, "", group, o.log)
		group.AddBuild(b)
		o.opts.Scheduler.ScheduleNightly(ctx, b)
	}

	if err := o.opts.Store.Set(state.LastNightlyCommitByBranch, branch, commitID); err != nil {
		o.log.Warnw("failed to persist last nightly commit for branch", "branch", branch, "error", err)
	}
}

func (o *Orchestrator) handleNewTag(ctx context.Context, ev reposervice.Event) {
	commitID := ev.CommitID
	if commitID == "" {
		v, ok, err := o.opts.Store.Get(state.CommitIDsByTag, ev.Tag)
		if err == nil && ok {
			commitID = v
		}
	} else if err := o.opts.Store.Set(state.CommitIDsByTag, ev.Tag, commitID); err != nil {
		o.log.Warnw("failed to persist commit id for tag", "tag", ev.Tag, "error", err)
	}

	o.log.Debugw("new tag", "tag", ev.Tag, "commit", commitID)

	if !TagQualifies(o.opts.TagRegex, ev.Tag) {
		o.log.Debugw("release: tag ignored", "tag", ev.Tag)
		return
	}
	version := PrepareVersion(o.opts.TagRegex, ev.Tag)

	group := o.newGroup()
	for _, board := range o.opts.Boards {
		b := build.New(build.Spec{
			Service:      o.opts.ServiceName,
			Type:         build.TypeTag,
			Board:        board,
			CommitID:     commitID,
			Tag:          ev.Tag,
			Version:      version,
			ImageFormats: o.opts.ImageFormats,
			OutputDir:    o.opts.OutputDir,
		}, "", group, o.log)
		group.AddBuild(b)
		o.opts.Scheduler.ScheduleTag(ctx, b)
	}
}

func (o *Orchestrator) newGroup() *buildgroup.Group {
	g := buildgroup.New()
	g.OnFirstBegin(o.handleFirstBegin)
	g.OnBuildEnded(o.handleBuildEnded)
	g.OnLastEnd(o.handleLastEnd)
	return g
}

func (o *Orchestrator) logURL(b *build.Build) string {
	containerID := ""
	if b.Container != nil {
		containerID = b.Container.ID
	}
	return fmt.Sprintf("%s/%s?id=%s&lines=%d", o.opts.WebBaseURL, o.opts.ServiceName, containerID, defaultLogLines)
}

func (o *Orchestrator) statusTarget(b *build.Build, url, description string) reposervice.StatusTarget {
	return reposervice.StatusTarget{
		CommitID:    b.CommitID,
		PRNumber:    b.PRNumber,
		URL:         url,
		Description: description,
	}
}

// handleFirstBegin sets the group's commit status to pending the moment
// its first board starts running.
func (o *Orchestrator) handleFirstBegin(first *build.Build) {
	desc := fmt.Sprintf("building OS images (0/%d)", len(o.opts.Boards))
	target := o.statusTarget(first, o.logURL(first), desc)
	if err := o.opts.Service.SetPending(context.Background(), target); err != nil {
		o.log.Warnw("failed to set pending status", "error", err)
	}
}

// handleBuildEnded refreshes the pending status with updated counts for
// every non-last board completion; the last one is left to handleLastEnd.
func (o *Orchestrator) handleBuildEnded(ended *build.Build) {
	g, ok := ended.GroupRef().(*buildgroup.Group)
	if !ok || g == nil {
		return
	}

	remaining := g.RemainingBuilds()
	if len(remaining) == 0 {
		return // last build end; handleLastEnd reports the terminal status
	}

	completed := g.CompletedBuilds()

	target := ended
	for _, b := range remaining {
		if b.State() == build.StateRunning {
			target = b
			break
		}
	}

	desc := fmt.Sprintf("building OS images (%d/%d)", len(completed), len(o.opts.Boards))
	statusTarget := o.statusTarget(ended, o.logURL(target), desc)
	if err := o.opts.Service.SetPending(context.Background(), statusTarget); err != nil {
		o.log.Warnw("failed to refresh pending status", "error", err)
	}
}

// handleLastEnd fires exactly once per group: success (plus release
// publication for nightly/tag types) or failure.
func (o *Orchestrator) handleLastEnd(last *build.Build) {
	g, ok := last.GroupRef().(*buildgroup.Group)
	if !ok || g == nil {
		return
	}

	failed := g.FailedBuilds()
	ctx := context.Background()

	if len(failed) == 0 {
		desc := fmt.Sprintf("OS images successfully built (%d/%d)", len(o.opts.Boards), len(o.opts.Boards))
		target := o.statusTarget(last, o.logURL(last), desc)
		if err := o.opts.Service.SetSuccess(ctx, target); err != nil {
			o.log.Warnw("failed to set success status", "error", err)
		}

		if last.Type == build.TypeNightly || last.Type == build.TypeTag {
			o.publishRelease(ctx, g, last)
		}
		return
	}

	boards := make([]string, len(failed))
	for i, b := range failed {
		boards[i] = b.Board
	}
	desc := fmt.Sprintf("failed to build some OS images: %s", strings.Join(boards, ", "))
	target := o.statusTarget(last, o.logURL(failed[0]), desc)
	if err := o.opts.Service.SetFailed(ctx, target); err != nil {
		o.log.Warnw("failed to set failed status", "error", err)
	}
}

// publishRelease computes the effective tag, (re)creates the release, then
// uploads every board×format artifact to whichever destinations are
// configured for this build type.
func (o *Orchestrator) publishRelease(ctx context.Context, g *buildgroup.Group, last *build.Build) {
	tag := last.Tag
	if tag == "" {
		tag = BranchesFormat(o.opts.NightlyTagTemplate, last.Branch, time.Now())
	}
	draft := last.Type == build.TypeTag

	handle, err := o.opts.Service.CreateRelease(ctx, last.CommitID, tag, last.Version, last.Branch, draft)
	if err != nil {
		o.log.Errorw("release creation failed, aborting publication", "tag", tag, "error", err)
		return
	}

	builds := g.Builds()
	for _, board := range o.opts.Boards {
		b, ok := builds[board]
		if !ok {
			continue
		}
		files := b.ImageFiles()
		if len(files) == 0 {
			o.log.Warnw("no image files supplied for board", "board", board)
			continue
		}

		for _, format := range o.opts.ImageFormats {
			path, ok := files[format]
			if !ok {
				o.log.Warnw("no image file for board/format", "board", board, "format", format)
				continue
			}
			o.publishArtifact(ctx, handle, board, tag, last.Version, format, path, last.Type)
		}
	}
}

func (o *Orchestrator) publishArtifact(ctx context.Context, handle reposervice.ReleaseHandle,
	board, tag, version, format, path string, buildType build.Type) {

	content, err := os.ReadFile(path)
	if err != nil {
		o.log.Warnw("failed to read image file", "path", path, "error", err)
		return
	}
	name := filepath.Base(path)

	if o.opts.UploadServiceBuildTypes[buildType] {
		if err := o.opts.Service.UploadReleaseFile(ctx, handle, board, tag, version, name, format, content); err != nil {
			o.log.Warnw("failed to upload release file to service", "path", path, "error", err)
		}
	}

	if o.opts.S3UploadBuildTypes[buildType] && o.opts.Uploader != nil {
		key := fmt.Sprintf("%s/%s/%s", o.opts.S3UploadPath, version, name)
		url, err := o.opts.Uploader.Upload(ctx, key, content)
		if err != nil {
			o.log.Warnw("failed to upload image file to blob storage", "path", path, "error", err)
		} else if o.opts.S3AddReleaseLink {
			if err := o.opts.Service.AddReleaseLink(ctx, handle, board, tag, version, name, format, url); err != nil {
				o.log.Warnw("failed to add release link", "url", url, "error", err)
			}
		}
	}

	if o.opts.ReleaseScript != "" {
		o.callReleaseScript(path, board, format, string(buildType))
	}
}

// callReleaseScript invokes the optional external release hook; failures
// are logged, never fatal.
func (o *Orchestrator) callReleaseScript(imageFile, board, format, buildType string) {
	cmd := exec.Command(o.opts.ReleaseScript, imageFile, board, format, buildType)
	out, err := cmd.CombinedOutput()
	if err != nil {
		o.log.Errorw("release script failed", "output", string(out), "error", err)
		return
	}
	o.log.Debugw("release script output", "output", string(out))
}
