// Package config loads thingosdci's single configuration record. Defaults
// are set in code; a local override file (YAML or JSON, picked up by
// viper's format sniffing) layers on top of them as a separate, optional
// settings source. An fsnotify watch reloads the override file when it
// changes and hands the new record to a callback; the running daemon does
// not apply reloaded settings, which take effect only after a restart.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/thingos/thingosdci/internal/thingoserr"
)

// RepoServiceKind selects which hosted repository service adapter to use.
type RepoServiceKind string

const (
	RepoServiceGitHub    RepoServiceKind = "github"
	RepoServiceGitLab    RepoServiceKind = "gitlab"
	RepoServiceBitBucket RepoServiceKind = "bitbucket"
)

// Config is thingosdci's single configuration record.
type Config struct {
	WebPort     int    `mapstructure:"webPort"`
	WebSecret   string `mapstructure:"webSecret"`
	WebBaseURL  string `mapstructure:"webBaseUrl"`
	LogLevel    string `mapstructure:"logLevel"`

	GitURL        string `mapstructure:"gitUrl"`
	GitCloneDepth int    `mapstructure:"gitCloneDepth"`
	Repo          string `mapstructure:"repo"`

	Boards            []string `mapstructure:"boards"`
	ImageFileFormats  []string `mapstructure:"imageFileFormats"`

	NightlyBranches      []string `mapstructure:"nightlyBranches"`
	NightlyTagTemplate   string   `mapstructure:"nightlyTagTemplate"`
	NightlyNameTemplate  string   `mapstructure:"nightlyNameTemplate"`
	NightlyVersionTemplate string `mapstructure:"nightlyVersionTemplate"`
	NightlyFixedHour     *int     `mapstructure:"nightlyFixedHour"`

	ReleaseTagRegex string `mapstructure:"releaseTagRegex"`
	PullRequests    bool   `mapstructure:"pullRequests"`
	CleanTargetOnly bool   `mapstructure:"cleanTargetOnly"`

	DLDir        string `mapstructure:"dlDir"`
	CCacheDir    string `mapstructure:"ccacheDir"`
	OutputDir    string `mapstructure:"outputDir"`
	BuildLogsDir string `mapstructure:"buildLogsDir"`
	PersistDir   string `mapstructure:"persistDir"`

	UploadRequestTimeoutSeconds int      `mapstructure:"uploadRequestTimeout"`
	UploadServiceBuildTypes     []string `mapstructure:"uploadServiceBuildTypes"`

	RepoService RepoServiceKind `mapstructure:"repoService"`

	GitHub    GitHubConfig    `mapstructure:"github"`
	GitLab    GitLabConfig    `mapstructure:"gitlab"`
	BitBucket BitBucketConfig `mapstructure:"bitbucket"`

	DockerMaxParallel        int    `mapstructure:"dockerMaxParallel"`
	DockerContainerMaxAgeSec int    `mapstructure:"dockerContainerMaxAge"`
	DockerLogsMaxAgeSec      int    `mapstructure:"dockerLogsMaxAge"`
	DockerImageName          string `mapstructure:"dockerImageName"`
	DockerCommand            string `mapstructure:"dockerCommand"`
	DockerCopySSHPrivateKey  string `mapstructure:"dockerCopySshPrivateKey"`
	DockerEnvFile            string `mapstructure:"dockerEnvFile"`

	LoopDevRangeLow  int `mapstructure:"loopDevRangeLow"`
	LoopDevRangeHigh int `mapstructure:"loopDevRangeHigh"`

	S3Upload S3UploadConfig `mapstructure:"s3Upload"`

	ReleaseScript string `mapstructure:"releaseScript"`
}

type GitHubConfig struct {
	AccessToken           string `mapstructure:"accessToken"`
	RequestTimeoutSeconds int    `mapstructure:"requestTimeout"`
}

type GitLabConfig struct {
	AccessToken           string `mapstructure:"accessToken"`
	BaseURL               string `mapstructure:"baseUrl"`
	RequestTimeoutSeconds int    `mapstructure:"requestTimeout"`
}

type BitBucketConfig struct {
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	RequestTimeoutSeconds int    `mapstructure:"requestTimeout"`
}

type S3UploadConfig struct {
	BuildTypes     []string `mapstructure:"buildTypes"`
	AccessKey      string   `mapstructure:"accessKey"`
	SecretKey      string   `mapstructure:"secretKey"`
	Bucket         string   `mapstructure:"bucket"`
	Path           string   `mapstructure:"path"`
	Region         string   `mapstructure:"region"`
	AddReleaseLink bool     `mapstructure:"addReleaseLink"`
	StorageClass   string   `mapstructure:"storageClass"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("webPort", 4567)
	v.SetDefault("webSecret", "deadbeef")
	v.SetDefault("webBaseUrl", "http://localhost:4567")
	v.SetDefault("logLevel", "info")

	v.SetDefault("gitUrl", "git@github.com:owner/project.git")
	v.SetDefault("gitCloneDepth", -1)
	v.SetDefault("repo", "owner/project")

	v.SetDefault("boards", []string{})
	v.SetDefault("imageFileFormats", []string{".gz", ".xz"})

	v.SetDefault("nightlyBranches", []string{"master"})
	v.SetDefault("nightlyTagTemplate", "nightly-{branch}")
	v.SetDefault("nightlyNameTemplate", "Nightly {Branch}")
	v.SetDefault("nightlyVersionTemplate", "{branch}%Y%m%d")
	v.SetDefault("nightlyFixedHour", nil)

	v.SetDefault("releaseTagRegex", `\d{8}`)
	v.SetDefault("pullRequests", false)
	v.SetDefault("cleanTargetOnly", false)

	v.SetDefault("dlDir", "/var/lib/thingosdci/dl")
	v.SetDefault("ccacheDir", "/var/lib/thingosdci/ccache")
	v.SetDefault("outputDir", "/var/lib/thingosdci/output")
	v.SetDefault("buildLogsDir", "/var/lib/thingosdci/logs")
	v.SetDefault("persistDir", "/var/lib/thingosdci/persist")

	v.SetDefault("uploadRequestTimeout", 600)
	v.SetDefault("uploadServiceBuildTypes", []string{"nightly", "tag"})

	v.SetDefault("repoService", "github")

	v.SetDefault("github.requestTimeout", 20)
	v.SetDefault("gitlab.baseUrl", "https://gitlab.com")
	v.SetDefault("gitlab.requestTimeout", 20)
	v.SetDefault("bitbucket.requestTimeout", 20)

	v.SetDefault("dockerMaxParallel", 4)
	v.SetDefault("dockerContainerMaxAge", 12*3600)
	v.SetDefault("dockerLogsMaxAge", 31*24*3600)
	v.SetDefault("dockerImageName", "thingos/thingos-builder")
	v.SetDefault("dockerCommand", "docker")
	v.SetDefault("dockerCopySshPrivateKey", "")
	v.SetDefault("dockerEnvFile", "")

	v.SetDefault("loopDevRangeLow", 0)
	v.SetDefault("loopDevRangeHigh", 15)

	v.SetDefault("s3Upload.buildTypes", []string{})
	v.SetDefault("s3Upload.region", "us-east-1")
	v.SetDefault("s3Upload.storageClass", "STANDARD")

	v.SetDefault("releaseScript", "")
}

// Load reads defaults, then layers the override file at overridePath (if
// it exists) on top. overridePath may be empty, in which case only
// defaults and environment variables (THINGOSDCI_ prefixed) apply.
func Load(overridePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("thingosdci")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if overridePath != "" {
		v.SetConfigFile(overridePath)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, &thingoserr.ConfigError{Field: "overrideFile", Msg: err.Error()}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &thingoserr.ConfigError{Field: "unmarshal", Msg: err.Error()}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Boards) == 0 {
		return &thingoserr.ConfigError{Field: "boards", Msg: "at least one board must be configured"}
	}
	if cfg.LoopDevRangeLow > cfg.LoopDevRangeHigh {
		return &thingoserr.ConfigError{Field: "loopDevRange", Msg: "low bound must not exceed high bound"}
	}
	switch cfg.RepoService {
	case RepoServiceGitHub, RepoServiceGitLab, RepoServiceBitBucket:
	default:
		return &thingoserr.ConfigError{Field: "repoService", Msg: fmt.Sprintf("unknown service %q", cfg.RepoService)}
	}
	return nil
}

// WatchOverride re-invokes onChange with the freshly reloaded Config every
// time the override file at overridePath is written. It returns
// immediately; the watch runs until the process exits or the returned
// *fsnotify.Watcher is closed. Only called when overridePath is non-empty.
func WatchOverride(overridePath string, onChange func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(overridePath); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(overridePath)
				if err != nil {
					continue
				}
				onChange(cfg)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher, nil
}
