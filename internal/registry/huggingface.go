package registry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bodaay/HuggingFaceModelDownloader/pkg/hfdownloader"
	"github.com/nexis-ai/nexis-fetch/internal/types"
	"go.uber.org/zap"
)

const defaultHFEndpoint = "https://huggingface.co"

// HuggingFaceClient resolves hub repository names. There is no separate
// metadata lookup: resolution constructs the snapshot fetch directly and
// the download itself is delegated to the hub downloader, which handles
// LFS, resume, and multipart transfers.
type HuggingFaceClient struct {
	endpoint    string
	token       string
	concurrency int
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewHuggingFaceClient(endpoint, token string, concurrency int, logger *zap.Logger) *HuggingFaceClient {
	if endpoint == "" {
		endpoint = defaultHFEndpoint
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	return &HuggingFaceClient{
		endpoint:    strings.TrimRight(endpoint, "/"),
		token:       token,
		concurrency: concurrency,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.Named("huggingface"),
	}
}

func (c *HuggingFaceClient) Resolve(ctx context.Context, req types.AcquisitionRequest) (*types.ResolvedArtifact, error) {
	repo := strings.TrimSpace(req.Identifier)
	if !strings.Contains(repo, "/") || strings.Count(repo, "/") > 1 {
		return nil, &types.ResolveError{
			Registry:   req.Registry,
			Identifier: req.Identifier,
			Reason:     "repository name must be of the form org/name",
		}
	}

	return &types.ResolvedArtifact{
		Request:  req,
		Filename: filepath.Base(repo),
		Category: types.CategoryHubSnapshot,
		Snapshot: true,
	}, nil
}

// FetchSnapshot downloads the full repository snapshot into destDir as
// plain files (no symlink cache), returning the directory that holds the
// snapshot content.
func (c *HuggingFaceClient) FetchSnapshot(ctx context.Context, artifact *types.ResolvedArtifact, destDir string) (string, error) {
	repo := artifact.Request.Identifier

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot staging directory: %w", err)
	}

	job := hfdownloader.Job{
		Repo:     repo,
		Revision: "main",
	}
	settings := hfdownloader.Settings{
		OutputDir:   destDir,
		Concurrency: c.concurrency,
		Token:       c.token,
	}

	err := hfdownloader.Download(ctx, job, settings, func(e hfdownloader.ProgressEvent) {
		c.logger.Debug("snapshot progress",
			zap.String("repo", repo),
			zap.Any("event", e.Event),
			zap.String("path", e.Path),
		)
	})
	if err != nil {
		if isAuthFailure(err) {
			return "", &types.AuthError{
				Registry:   artifact.Request.Registry,
				Identifier: repo,
				Err:        err,
			}
		}
		return "", fmt.Errorf("snapshot download of %s failed: %w", repo, err)
	}

	return snapshotRoot(destDir, repo), nil
}

// snapshotRoot locates the downloaded content inside the staging
// directory, tolerating downloaders that nest the repo path under the
// output directory.
func snapshotRoot(destDir, repo string) string {
	nested := filepath.Join(destDir, filepath.FromSlash(repo))
	if info, err := os.Stat(nested); err == nil && info.IsDir() {
		return nested
	}
	return destDir
}

// isAuthFailure sniffs authorization-class failures out of the hub
// downloader's errors so gated and private repositories are reported as
// credential problems rather than generic download failures.
func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "gated"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ValidateToken checks the configured credential against the hub's
// whoami endpoint. Non-fatal; a failure is logged as a warning.
func (c *HuggingFaceClient) ValidateToken(ctx context.Context) error {
	if c.token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/whoami-v2", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token validation returned status %d", resp.StatusCode)
	}
	return nil
}
