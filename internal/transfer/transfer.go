package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nexis-ai/nexis-fetch/internal/types"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"go.uber.org/zap"
)

const (
	defaultSegments   = 4
	maxTransientTries = 3
	copyBufferSize    = 32 * 1024
)

// SnapshotFetcher executes hub repository fetches, which bypass the URL
// transfer path. Implemented by the hub registry client.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, artifact *types.ResolvedArtifact, destDir string) (string, error)
}

// Engine performs resumable, segment-parallel transfers into the temp
// working directory. Retry with backoff bounds each transfer; the
// caller's context deadline bounds the whole run. The two limits are
// independent and the run deadline cancels in-flight work cooperatively.
type Engine struct {
	client      *http.Client
	snapshots   SnapshotFetcher
	segments    int
	logger      *zap.Logger
	progressOut io.Writer
}

func NewEngine(snapshots SnapshotFetcher, segments int, logger *zap.Logger, progressOut io.Writer) *Engine {
	if segments <= 0 {
		segments = defaultSegments
	}
	if progressOut == nil {
		progressOut = io.Discard
	}

	return &Engine{
		client: &http.Client{
			// No total timeout: multi-gigabyte transfers run as long as
			// bytes keep flowing. Stage timeouts catch dead connections.
			Timeout: 0,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 60 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   60 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       60 * time.Second,
			},
		},
		snapshots:   snapshots,
		segments:    segments,
		logger:      logger.Named("transfer"),
		progressOut: progressOut,
	}
}

// Fetch transfers the artifact into a category-scoped staging directory
// under tempDir and returns the local path. An existing staged file whose
// size matches the expected size short-circuits the network entirely;
// hash verification still happens downstream regardless.
func (e *Engine) Fetch(ctx context.Context, artifact *types.ResolvedArtifact, tempDir string) (*types.TransferResult, error) {
	stage := filepath.Join(tempDir, string(artifact.Category))
	if err := os.MkdirAll(stage, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	if artifact.Snapshot {
		return e.fetchSnapshot(ctx, artifact, stage)
	}

	finalTemp := filepath.Join(stage, artifact.Filename)
	if info, err := os.Stat(finalTemp); err == nil && artifact.Size > 0 && info.Size() == artifact.Size {
		e.logger.Info("staged file already complete, skipping transfer",
			zap.String("filename", artifact.Filename),
			zap.Int64("size", info.Size()),
		)
		return &types.TransferResult{Artifact: artifact, LocalPath: finalTemp}, nil
	}

	var transferred int64

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxTransientTries), ctx)

	err := backoff.Retry(func() error {
		n, err := e.attempt(ctx, artifact, stage, finalTemp)
		// Bytes counts the attempt that produced the staged file, not the
		// cumulative traffic of failed tries.
		transferred = n
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || types.IsTerminal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		e.logger.Warn("transfer attempt failed, will retry",
			zap.String("filename", artifact.Filename),
			zap.Error(err),
		)
		return err
	}, policy)
	if err != nil {
		return nil, err
	}

	return &types.TransferResult{Artifact: artifact, LocalPath: finalTemp, Bytes: transferred}, nil
}

func (e *Engine) fetchSnapshot(ctx context.Context, artifact *types.ResolvedArtifact, stage string) (*types.TransferResult, error) {
	destDir := filepath.Join(stage, strings.ReplaceAll(artifact.Request.Identifier, "/", "--"))

	root, err := e.snapshots.FetchSnapshot(ctx, artifact, destDir)
	if err != nil {
		return nil, err
	}

	return &types.TransferResult{Artifact: artifact, LocalPath: root}, nil
}

// attempt performs one whole transfer try: probe the server, then either
// a segmented parallel download or a single resumable stream. The bytes
// land in an attempt-scoped or resume-scoped partial file which is only
// renamed to the final staged name once complete.
func (e *Engine) attempt(ctx context.Context, artifact *types.ResolvedArtifact, stage, finalTemp string) (int64, error) {
	partial := finalTemp + ".partial"

	supportsRanges, length, err := e.probe(ctx, artifact)
	if err != nil {
		return 0, err
	}

	resumable := false
	if info, statErr := os.Stat(partial); statErr == nil && info.Size() > 0 {
		resumable = true
	}

	var n int64
	var path string
	if supportsRanges && length > 0 && e.segments > 1 && !resumable {
		path = fmt.Sprintf("%s.partial-%s", finalTemp, uuid.NewString()[:8])
		n, err = e.segmented(ctx, artifact, path, length)
		if err != nil {
			// A failed parallel attempt is never resumed; drop the
			// preallocated file so retries cannot strand artifact-sized
			// garbage in the staging directory.
			if rmErr := os.Remove(path); rmErr != nil {
				e.logger.Warn("failed to remove abandoned attempt file",
					zap.String("path", path),
					zap.Error(rmErr),
				)
			}
			return n, err
		}
	} else {
		path = partial
		n, err = e.singleStream(ctx, artifact, path, length)
		if err != nil {
			return n, err
		}
	}

	if err := os.Rename(path, finalTemp); err != nil {
		return n, fmt.Errorf("failed to finalize staged file: %w", err)
	}
	return n, nil
}

// probe asks the server whether it supports range requests and how large
// the artifact is. Failure to probe is transient; the transfer falls back
// to a single stream when the answer is unknown.
func (e *Engine) probe(ctx context.Context, artifact *types.ResolvedArtifact) (bool, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, artifact.DownloadURL, nil)
	if err != nil {
		return false, 0, err
	}
	if artifact.AuthHeader != "" {
		req.Header.Set("Authorization", artifact.AuthHeader)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return false, 0, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, artifact); err != nil {
		return false, 0, err
	}

	supportsRanges := strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	return supportsRanges, resp.ContentLength, nil
}

// segmented downloads the artifact in parallel byte-range segments
// written at their offsets into a preallocated attempt file. The attempt
// file carries a unique suffix so it can never collide with a previous
// partial attempt.
func (e *Engine) segmented(ctx context.Context, artifact *types.ResolvedArtifact, attemptPath string, length int64) (int64, error) {
	f, err := os.Create(attemptPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create attempt file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(length); err != nil {
		return 0, fmt.Errorf("failed to preallocate attempt file: %w", err)
	}

	progress := mpb.New(
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
		mpb.WithOutput(e.progressOut),
	)
	bar := e.newBar(progress, artifact.Filename, length)

	segmentSize := length / int64(e.segments)
	var transferred atomic.Int64
	var wg sync.WaitGroup
	errCh := make(chan error, e.segments)

	for i := 0; i < e.segments; i++ {
		start := int64(i) * segmentSize
		end := start + segmentSize - 1
		if i == e.segments-1 {
			end = length - 1
		}

		wg.Add(1)
		go func(start, end int64) {
			defer wg.Done()
			n, err := e.fetchSegment(ctx, artifact, f, bar, start, end)
			transferred.Add(n)
			if err != nil {
				errCh <- err
			}
		}(start, end)
	}

	wg.Wait()
	close(errCh)
	bar.Abort(true)
	progress.Wait()

	for err := range errCh {
		if err != nil {
			return transferred.Load(), err
		}
	}

	if err := f.Sync(); err != nil {
		return transferred.Load(), fmt.Errorf("failed to sync attempt file: %w", err)
	}
	return transferred.Load(), nil
}

func (e *Engine) fetchSegment(ctx context.Context, artifact *types.ResolvedArtifact, f *os.File, bar *mpb.Bar, start, end int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifact.DownloadURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	if artifact.AuthHeader != "" {
		req.Header.Set("Authorization", artifact.AuthHeader)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("segment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		if err := classifyStatus(resp.StatusCode, artifact); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("segment %d-%d: expected 206, got %d", start, end, resp.StatusCode)
	}

	reader := bar.ProxyReader(resp.Body)
	defer reader.Close()

	n, err := io.CopyBuffer(io.NewOffsetWriter(f, start), reader, make([]byte, copyBufferSize))
	if err != nil {
		return n, fmt.Errorf("segment %d-%d failed after %d bytes: %w", start, end, n, err)
	}
	if want := end - start + 1; n != want {
		return n, fmt.Errorf("segment %d-%d truncated: got %d of %d bytes", start, end, n, want)
	}
	return n, nil
}

// singleStream downloads (or resumes) the artifact as one stream,
// appending to the partial file when the server honors the Range header.
func (e *Engine) singleStream(ctx context.Context, artifact *types.ResolvedArtifact, partialPath string, length int64) (int64, error) {
	var initialSize int64
	if info, err := os.Stat(partialPath); err == nil {
		initialSize = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifact.DownloadURL, nil)
	if err != nil {
		return 0, err
	}
	if artifact.AuthHeader != "" {
		req.Header.Set("Authorization", artifact.AuthHeader)
	}
	if initialSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", initialSize))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, artifact); err != nil {
		return 0, err
	}

	var total int64
	flag := os.O_CREATE | os.O_WRONLY
	switch {
	case initialSize > 0 && resp.StatusCode == http.StatusPartialContent:
		total = initialSize + resp.ContentLength
		flag |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		if initialSize > 0 {
			e.logger.Warn("server does not support resume, restarting from the beginning",
				zap.String("filename", artifact.Filename),
			)
			initialSize = 0
		}
		total = resp.ContentLength
		flag |= os.O_TRUNC
	default:
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.OpenFile(partialPath, flag, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open partial file: %w", err)
	}
	defer f.Close()

	progress := mpb.New(
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
		mpb.WithOutput(e.progressOut),
	)
	bar := e.newBar(progress, artifact.Filename, total)
	if initialSize > 0 {
		bar.SetCurrent(initialSize)
	}

	reader := bar.ProxyReader(resp.Body)
	n, err := io.CopyBuffer(f, reader, make([]byte, copyBufferSize))
	reader.Close()
	bar.Abort(true)
	progress.Wait()
	if err != nil {
		return n, fmt.Errorf("stream failed after %d bytes: %w", n, err)
	}

	written := initialSize + n
	if total > 0 && written != total {
		return n, fmt.Errorf("size mismatch: expected %d, got %d", total, written)
	}
	return n, nil
}

func (e *Engine) newBar(progress *mpb.Progress, name string, total int64) *mpb.Bar {
	return progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: 40, C: decor.DidentRight}),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.EwmaETA(decor.ET_STYLE_GO, 90),
			decor.Name(" ] "),
			decor.EwmaSpeed(decor.UnitKiB, "% .2f", 60),
		),
	)
}

// classifyStatus maps HTTP statuses onto the error taxonomy: 401/403 are
// credential failures, 404 is unknown content, both terminal. Everything
// else unexpected stays transient and retryable.
func classifyStatus(status int, artifact *types.ResolvedArtifact) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &types.AuthError{
			Registry:   artifact.Request.Registry,
			Identifier: artifact.Request.Identifier,
			Err:        fmt.Errorf("status %d", status),
		}
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", artifact.DownloadURL, types.ErrNotFound)
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return fmt.Errorf("server error %d", status)
	}
	return fmt.Errorf("unexpected status %d", status)
}
