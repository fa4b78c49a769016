package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nexis-ai/nexis-fetch/internal/types"
)

// Resolver turns an acquisition request into a concrete downloadable
// artifact. Resolution failures are terminal for the request; the resolver
// never retries on its own.
type Resolver interface {
	Resolve(ctx context.Context, req types.AcquisitionRequest) (*types.ResolvedArtifact, error)
}

// TokenValidator is implemented by clients that can cheaply check a
// configured credential before the run starts. Validation failures are
// warnings, never fatal.
type TokenValidator interface {
	ValidateToken(ctx context.Context) error
}

// getJSON performs an authenticated GET and decodes the JSON body into v.
// HTTP status classes map onto the per-request error taxonomy.
func getJSON(ctx context.Context, client *http.Client, url, bearer string, req types.AcquisitionRequest, v interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", req.Registry, req.Identifier, types.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &types.AuthError{
			Registry:   req.Registry,
			Identifier: req.Identifier,
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return &types.ResolveError{
			Registry:   req.Registry,
			Identifier: req.Identifier,
			Reason:     "malformed metadata",
			Err:        err,
		}
	}

	return nil
}
