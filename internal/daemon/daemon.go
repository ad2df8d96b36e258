// Package daemon wires every background loop and the webhook listener
// together under one cancellable lifecycle, using errgroup.Group to
// supervise them and unwind cleanly on first failure or signal.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thingos/thingosdci/internal/blobstore"
	"github.com/thingos/thingosdci/internal/build"
	"github.com/thingos/thingosdci/internal/config"
	"github.com/thingos/thingosdci/internal/container"
	"github.com/thingos/thingosdci/internal/loopdevice"
	"github.com/thingos/thingosdci/internal/release"
	"github.com/thingos/thingosdci/internal/reposervice"
	"github.com/thingos/thingosdci/internal/scheduler"
	"github.com/thingos/thingosdci/internal/state"
	"github.com/thingos/thingosdci/internal/trigger"
	"github.com/thingos/thingosdci/internal/webhook"
)

// Daemon owns every long-running loop: the scheduler tick, the container
// status/cleanup tickers, the optional fixed-hour nightly trigger, and the
// webhook HTTP server.
type Daemon struct {
	cfg *config.Config
	log *zap.SugaredLogger

	scheduler  *scheduler.Scheduler
	containers *container.Controller
	httpServer *http.Server
	fixedHour  *trigger.FixedHourTrigger // nil when nightlyFixedHour isn't configured
}

// NewContainerPipeline builds the Scheduler and Controller pair the caller
// needs before it can construct a repo-service adapter (GitHub/GitLab's
// tag-deletion hook schedules a build through the scheduler, so the
// scheduler must exist first — see internal/release.NewDeleteTagFunc).
func NewContainerPipeline(cfg *config.Config, log *zap.SugaredLogger) (*scheduler.Scheduler, *container.Controller) {
	loopDevs := loopdevice.New(cfg.LoopDevRangeLow, cfg.LoopDevRangeHigh, log)

	containers := container.New(container.Options{
		Command:         cfg.DockerCommand,
		Repo:            cfg.Repo,
		Image:           cfg.DockerImageName,
		LogsDir:         cfg.BuildLogsDir,
		ContainerMaxAge: time.Duration(cfg.DockerContainerMaxAgeSec) * time.Second,
		LogsMaxAge:      time.Duration(cfg.DockerLogsMaxAgeSec) * time.Second,
		CopySSHKey:      cfg.DockerCopySSHPrivateKey,
	}, log)

	sched := scheduler.New(scheduler.Options{
		MaxParallel:  cfg.DockerMaxParallel,
		TickInterval: time.Second,
	}, containers, loopDevs, log)

	return sched, containers
}

// New wires the Orchestrator around sched/containers/service (already
// constructed by the caller via NewContainerPipeline, since service
// construction itself may depend on sched — see NewContainerPipeline) and
// builds the webhook HTTP server that fronts them. service must already be
// reposervice.Register-ed by the caller.
func New(cfg *config.Config, sched *scheduler.Scheduler, containers *container.Controller, service reposervice.Service, uploader blobstore.Uploader, log *zap.SugaredLogger) (*Daemon, error) {
	st, err := state.New(cfg.PersistDir, log)
	if err != nil {
		return nil, fmt.Errorf("cannot open state store: %w", err)
	}

	tagRegex, err := release.CompileTagRegex(cfg.ReleaseTagRegex)
	if err != nil {
		return nil, fmt.Errorf("invalid releaseTagRegex: %w", err)
	}

	uploadServiceTypes := buildTypeSet(cfg.UploadServiceBuildTypes)
	s3Types := buildTypeSet(cfg.S3Upload.BuildTypes)

	orchestrator := release.New(release.Options{
		ServiceName:             string(cfg.RepoService),
		Service:                 service,
		Scheduler:               sched,
		Store:                   st,
		Uploader:                uploader,
		Boards:                  cfg.Boards,
		ImageFormats:            cfg.ImageFileFormats,
		OutputDir:               cfg.OutputDir,
		PullRequests:            cfg.PullRequests,
		NightlyBranches:         cfg.NightlyBranches,
		NightlyFixedHour:        cfg.NightlyFixedHour,
		NightlyTagTemplate:      cfg.NightlyTagTemplate,
		NightlyVersionTemplate:  cfg.NightlyVersionTemplate,
		TagRegex:                tagRegex,
		UploadServiceBuildTypes: uploadServiceTypes,
		S3UploadBuildTypes:      s3Types,
		S3UploadPath:            cfg.S3Upload.Path,
		S3AddReleaseLink:        cfg.S3Upload.AddReleaseLink,
		ReleaseScript:           cfg.ReleaseScript,
		WebBaseURL:              cfg.WebBaseURL,
	}, log)

	var fixedHour *trigger.FixedHourTrigger
	if cfg.NightlyFixedHour != nil {
		fixedHour = trigger.New(*cfg.NightlyFixedHour, orchestrator, log)
	}

	srv := webhook.New(string(cfg.RepoService), service, orchestrator, orchestrator, containers, log)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebPort),
		Handler: srv,
	}

	return &Daemon{
		cfg:        cfg,
		log:        log,
		scheduler:  sched,
		containers: containers,
		httpServer: httpServer,
		fixedHour:  fixedHour,
	}, nil
}

func buildTypeSet(names []string) map[build.Type]bool {
	out := make(map[build.Type]bool, len(names))
	for _, n := range names {
		out[build.Type(n)] = true
	}
	return out
}

// Run blocks until ctx is cancelled, running every loop concurrently. The
// first loop to return a non-nil error cancels the rest; ctx cancellation
// itself (e.g. SIGTERM) is not treated as an error.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.scheduler.Run(gctx)
	})

	g.Go(func() error {
		d.containers.RunStatusLoop(gctx)
		return nil
	})

	g.Go(func() error {
		d.containers.RunCleanupLoop(gctx)
		return nil
	})

	if d.fixedHour != nil {
		g.Go(func() error {
			return d.fixedHour.Run(gctx)
		})
	}

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- d.httpServer.ListenAndServe() }()

		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return d.httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
