package placement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nexis-ai/nexis-fetch/internal/types"
	"go.uber.org/zap"
)

// Placer verifies downloaded bytes against the hash the registry
// published and moves them into their category directory in a single
// rename. A concurrent reader of the storage root can never observe a
// partially written artifact.
//
// The temp directory must live on the same volume as the storage root;
// placement is always a rename, never a byte copy.
type Placer struct {
	storageRoot string
	logger      *zap.Logger
}

func NewPlacer(storageRoot string, logger *zap.Logger) *Placer {
	return &Placer{
		storageRoot: storageRoot,
		logger:      logger.Named("placement"),
	}
}

// VerifyAndPlace checks integrity and atomically moves the artifact to
// its final path. On hash mismatch the temp file is discarded. On a
// placement failure the temp file and its staging directory are
// preserved for inspection.
func (p *Placer) VerifyAndPlace(res *types.TransferResult) (*types.PlacedFile, error) {
	artifact := res.Artifact

	info, err := os.Stat(res.LocalPath)
	if err != nil {
		return nil, &types.PlacementError{Path: res.LocalPath, Err: err}
	}

	verified := false
	if artifact.ExpectedSHA256 != "" && !info.IsDir() {
		actual, err := sha256File(res.LocalPath)
		if err != nil {
			return nil, &types.PlacementError{Path: res.LocalPath, Err: fmt.Errorf("failed to hash file: %w", err)}
		}
		if actual != artifact.ExpectedSHA256 {
			// Never place corrupted bytes. The temp file is useless, so it
			// goes too.
			if rmErr := os.Remove(res.LocalPath); rmErr != nil {
				p.logger.Warn("failed to remove corrupted temp file", zap.Error(rmErr))
			}
			return nil, &types.IntegrityError{
				Filename: artifact.Filename,
				Expected: artifact.ExpectedSHA256,
				Actual:   actual,
			}
		}
		verified = true
	} else {
		p.logger.Warn("no hash available from registry, placing unverified",
			zap.String("identifier", artifact.Request.Identifier),
			zap.String("filename", artifact.Filename),
		)
	}

	dest, err := p.destinationFor(artifact)
	if err != nil {
		return nil, &types.PlacementError{Path: res.LocalPath, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, &types.PlacementError{Path: res.LocalPath, Err: fmt.Errorf("failed to create category directory: %w", err)}
	}

	if err := os.Rename(res.LocalPath, dest); err != nil {
		return nil, &types.PlacementError{Path: res.LocalPath, Err: err}
	}

	p.logger.Info("placed artifact",
		zap.String("identifier", artifact.Request.Identifier),
		zap.String("path", dest),
		zap.Bool("verified", verified),
	)

	return &types.PlacedFile{
		Path:       dest,
		Identifier: artifact.Request.Identifier,
		Verified:   verified,
	}, nil
}

// destinationFor computes the final path under the storage root. Hub
// snapshots keep their org/name structure under hub_snapshot/; single
// files land directly in their category directory.
func (p *Placer) destinationFor(artifact *types.ResolvedArtifact) (string, error) {
	if artifact.Snapshot {
		parts := strings.SplitN(artifact.Request.Identifier, "/", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("invalid snapshot identifier %q", artifact.Request.Identifier)
		}
		return filepath.Join(p.storageRoot, string(types.CategoryHubSnapshot), parts[0], parts[1]), nil
	}

	if artifact.Filename == "" {
		return "", fmt.Errorf("artifact for %s has no filename", artifact.Request.Identifier)
	}
	return filepath.Join(p.storageRoot, string(artifact.Category), artifact.Filename), nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
