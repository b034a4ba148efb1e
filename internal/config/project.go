package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	projectEnv       = "GOOGLE_CLOUD_PROJECT"
	projectCacheFile = ".speechworker-project"
	gcloudTimeout    = 5 * time.Second
)

var ErrMissingProject = errors.New("google cloud project not found: set GOOGLE_CLOUD_PROJECT, gcp_project, or run 'gcloud config set project'")

// ProjectResolver finds the Cloud project for the google engine. Lookup order:
// GOOGLE_CLOUD_PROJECT, the configured value, the cache file in the home
// directory, then the active gcloud configuration. A gcloud answer is cached.
type ProjectResolver struct {
	Getenv  func(string) string
	HomeDir func() (string, error)
	Gcloud  func(ctx context.Context) (string, error)
	Logger  *log.Logger
}

func NewProjectResolver(logger *log.Logger) ProjectResolver {
	return ProjectResolver{
		Getenv:  os.Getenv,
		HomeDir: os.UserHomeDir,
		Gcloud:  gcloudProject,
		Logger:  logger,
	}
}

func (r ProjectResolver) Resolve(ctx context.Context, configured string) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	if project := strings.TrimSpace(r.Getenv(projectEnv)); project != "" {
		return project, nil
	}
	if project := strings.TrimSpace(configured); project != "" {
		return project, nil
	}

	cachePath := ""
	if home, err := r.HomeDir(); err == nil {
		cachePath = filepath.Join(home, projectCacheFile)
		if contents, err := os.ReadFile(cachePath); err == nil {
			if project := strings.TrimSpace(string(contents)); project != "" {
				return project, nil
			}
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, gcloudTimeout)
	defer cancel()
	project, err := r.Gcloud(lookupCtx)
	if err != nil {
		logger.Warn("gcloud project lookup failed", "err", err)
		return "", ErrMissingProject
	}
	project = strings.TrimSpace(project)
	if project == "" || project == "(unset)" {
		return "", ErrMissingProject
	}

	if cachePath != "" {
		if err := os.WriteFile(cachePath, []byte(project+"\n"), 0o600); err != nil {
			logger.Warn("could not cache gcp project", "path", cachePath, "err", err)
		}
	}
	return project, nil
}

func gcloudProject(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "gcloud", "config", "get-value", "project").Output()
	if err != nil {
		return "", fmt.Errorf("gcloud config get-value project: %w", err)
	}
	return string(out), nil
}
