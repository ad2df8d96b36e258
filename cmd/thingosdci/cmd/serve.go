package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/blobstore"
	"github.com/thingos/thingosdci/internal/config"
	"github.com/thingos/thingosdci/internal/daemon"
	"github.com/thingos/thingosdci/internal/logging"
	"github.com/thingos/thingosdci/internal/release"
	"github.com/thingos/thingosdci/internal/reposervice"
)

var serveDev bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the thingosdci daemon: webhook listener + all build loops",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Use the human-readable console log encoder instead of JSON")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, serveDev)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	if cfg.DockerEnvFile != "" {
		if err := godotenv.Load(cfg.DockerEnvFile); err != nil {
			log.Warnw("failed to load docker env file", "path", cfg.DockerEnvFile, "error", err)
		}
	}

	sched, containers := daemon.NewContainerPipeline(cfg, log)
	deleteTag := release.NewDeleteTagFunc(sched, string(cfg.RepoService), log)

	service, err := newRepoService(cfg, deleteTag, log)
	if err != nil {
		return fmt.Errorf("repo service: %w", err)
	}
	reposervice.Register(service)

	uploader, err := newUploader(cfg, log)
	if err != nil {
		return fmt.Errorf("blob storage: %w", err)
	}

	d, err := daemon.New(cfg, sched, containers, service, uploader, log)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		if overrideWatcher, err := config.WatchOverride(configPath, func(*config.Config) {
			log.Infow("configuration override file changed; restart to apply")
		}); err != nil {
			log.Warnw("failed to watch config override file", "path", configPath, "error", err)
		} else {
			defer overrideWatcher.Close()
		}
	}

	log.Infow("starting thingosdci", "repoService", cfg.RepoService, "webPort", cfg.WebPort)
	return d.Run(ctx)
}

func newRepoService(cfg *config.Config, deleteTag reposervice.DeleteTagFunc, log *zap.SugaredLogger) (reposervice.Service, error) {
	switch cfg.RepoService {
	case config.RepoServiceGitHub:
		return reposervice.NewGitHub(cfg.Repo, cfg.GitHub.AccessToken, cfg.WebSecret, deleteTag, log), nil
	case config.RepoServiceGitLab:
		return reposervice.NewGitLab(cfg.Repo, cfg.GitLab.AccessToken, cfg.GitLab.BaseURL, cfg.WebSecret, deleteTag, log)
	case config.RepoServiceBitBucket:
		timeout := time.Duration(cfg.BitBucket.RequestTimeoutSeconds) * time.Second
		return reposervice.NewBitBucket(cfg.Repo, cfg.BitBucket.Username, cfg.BitBucket.Password, timeout, log), nil
	default:
		return nil, fmt.Errorf("unknown repoService %q", cfg.RepoService)
	}
}

func newUploader(cfg *config.Config, log *zap.SugaredLogger) (blobstore.Uploader, error) {
	if len(cfg.S3Upload.BuildTypes) == 0 {
		return nil, nil
	}
	return blobstore.New(context.Background(), blobstore.Config{
		AccessKey:    cfg.S3Upload.AccessKey,
		SecretKey:    cfg.S3Upload.SecretKey,
		Region:       cfg.S3Upload.Region,
		Bucket:       cfg.S3Upload.Bucket,
		Path:         cfg.S3Upload.Path,
		StorageClass: cfg.S3Upload.StorageClass,
	}, log)
}
