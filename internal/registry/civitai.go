package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/nexis-ai/nexis-fetch/internal/types"
	"go.uber.org/zap"
)

const defaultCivitaiBaseURL = "https://civitai.com"

// tokenProbeVersionID is a public model version used for the lightweight
// credential check, mirroring the endpoint the operators already know.
const tokenProbeVersionID = "128713"

// civitaiTypeCategories maps the model type the API declares onto a
// category directory. Anything not listed here routes to "other" with a
// warning; an unrecognized type is never a resolve error.
var civitaiTypeCategories = map[string]types.Category{
	"checkpoint":       types.CategoryCheckpoints,
	"lora":             types.CategoryLoras,
	"locon":            types.CategoryLoras,
	"textualinversion": types.CategoryEmbeddings,
	"vae":              types.CategoryVAE,
	"controlnet":       types.CategoryControlnet,
	"upscaler":         types.CategoryUpscaleModels,
}

var contentDispositionFilename = regexp.MustCompile(`filename="([^"]+)`)

// CivitaiClient resolves numeric marketplace model IDs into concrete
// download URLs via two metadata lookups: the model (type, latest
// version), then the version (files, hashes).
type CivitaiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewCivitaiClient(baseURL, token string, logger *zap.Logger) *CivitaiClient {
	if baseURL == "" {
		baseURL = defaultCivitaiBaseURL
	}

	return &CivitaiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.Named("civitai"),
	}
}

type civitaiModel struct {
	Type          string `json:"type"`
	ModelVersions []struct {
		ID int64 `json:"id"`
	} `json:"modelVersions"`
}

type civitaiVersion struct {
	Files []civitaiFile `json:"files"`
}

type civitaiFile struct {
	Name        string  `json:"name"`
	Primary     bool    `json:"primary"`
	SizeKB      float64 `json:"sizeKB"`
	DownloadURL string  `json:"downloadUrl"`
	Hashes      struct {
		SHA256 string `json:"SHA256"`
	} `json:"hashes"`
}

func (c *CivitaiClient) Resolve(ctx context.Context, req types.AcquisitionRequest) (*types.ResolvedArtifact, error) {
	model, err := c.fetchModel(ctx, req)
	if err != nil {
		return nil, err
	}

	category := c.categoryFor(req, model.Type)

	if len(model.ModelVersions) == 0 {
		return nil, &types.ResolveError{
			Registry:   req.Registry,
			Identifier: req.Identifier,
			Reason:     "model has no versions",
		}
	}
	versionID := model.ModelVersions[0].ID

	file, err := c.fetchPrimaryFile(ctx, req, versionID)
	if err != nil {
		return nil, err
	}

	downloadURL := file.DownloadURL
	if downloadURL == "" {
		downloadURL = fmt.Sprintf("%s/api/download/models/%d", c.baseURL, versionID)
	}

	finalURL, redirectFilename, err := c.resolveRedirect(ctx, downloadURL, sameAuthority(c.baseURL, downloadURL))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download redirect for model %s: %w", req.Identifier, err)
	}

	filename := file.Name
	if filename == "" {
		filename = redirectFilename
	}
	if filename == "" {
		filename = req.Identifier + ".safetensors"
		c.logger.Warn("could not determine filename, falling back to identifier",
			zap.String("model_id", req.Identifier),
			zap.String("filename", filename),
		)
	}

	// The credential travels only to the marketplace's own host, never to
	// whatever host the metadata or the redirect points at. Presigned
	// targets are time-limited by signature and must be requested bare.
	var authHeader string
	if c.token != "" && sameAuthority(c.baseURL, finalURL) {
		authHeader = "Bearer " + c.token
	}

	return &types.ResolvedArtifact{
		Request:        req,
		DownloadURL:    finalURL,
		AuthHeader:     authHeader,
		ExpectedSHA256: strings.ToLower(strings.TrimSpace(file.Hashes.SHA256)),
		Filename:       filename,
		Size:           int64(file.SizeKB * 1024),
		Category:       category,
	}, nil
}

func (c *CivitaiClient) fetchModel(ctx context.Context, req types.AcquisitionRequest) (*civitaiModel, error) {
	var model civitaiModel
	url := fmt.Sprintf("%s/api/v1/models/%s", c.baseURL, req.Identifier)
	if err := getJSON(ctx, c.httpClient, url, c.token, req, &model); err != nil {
		return nil, err
	}
	return &model, nil
}

func (c *CivitaiClient) fetchPrimaryFile(ctx context.Context, req types.AcquisitionRequest, versionID int64) (*civitaiFile, error) {
	var version civitaiVersion
	url := fmt.Sprintf("%s/api/v1/model-versions/%d", c.baseURL, versionID)
	if err := getJSON(ctx, c.httpClient, url, c.token, req, &version); err != nil {
		return nil, err
	}

	if len(version.Files) == 0 {
		return nil, &types.ResolveError{
			Registry:   req.Registry,
			Identifier: req.Identifier,
			Reason:     fmt.Sprintf("version %d has no files", versionID),
		}
	}

	for i := range version.Files {
		if version.Files[i].Primary {
			return &version.Files[i], nil
		}
	}
	return &version.Files[0], nil
}

// categoryFor applies the category policy: the declared category from
// configuration wins; otherwise the model type the API reports is mapped,
// defaulting to "other" with a warning.
func (c *CivitaiClient) categoryFor(req types.AcquisitionRequest, modelType string) types.Category {
	if req.DeclaredCategory != types.CategoryUnknown {
		return req.DeclaredCategory
	}

	if category, ok := civitaiTypeCategories[strings.ToLower(modelType)]; ok {
		return category
	}

	c.logger.Warn("unrecognized model type, routing to 'other'",
		zap.String("model_id", req.Identifier),
		zap.String("type", modelType),
	)
	return types.CategoryOther
}

// resolveRedirect probes the download URL without following redirects and
// returns the final URL plus any filename recoverable from the redirect
// target's content-disposition query parameter. The probe carries the
// credential only when the URL is on the marketplace's own authority.
func (c *CivitaiClient) resolveRedirect(ctx context.Context, downloadURL string, withAuth bool) (string, string, error) {
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 30 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, downloadURL, nil)
	if err != nil {
		return "", "", err
	}
	if c.token != "" && withAuth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		// No redirect; the origin serves the file itself.
		return downloadURL, "", nil
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", "", fmt.Errorf("redirect response without location")
	}

	redirectURL, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse redirect location: %w", err)
	}
	// Relative locations are legal; resolve them against the probed URL.
	redirectURL = resp.Request.URL.ResolveReference(redirectURL)

	var filename string
	if contentDisp := redirectURL.Query().Get("response-content-disposition"); contentDisp != "" {
		if matches := contentDispositionFilename.FindStringSubmatch(contentDisp); len(matches) > 1 {
			filename = matches[1]
		}
	}
	if filename == "" && redirectURL.Path != "" {
		filename = path.Base(redirectURL.Path)
	}

	return redirectURL.String(), filename, nil
}

// ValidateToken performs a lightweight authenticated metadata read. A
// failure here is logged as a credential warning; it does not abort the
// run.
func (c *CivitaiClient) ValidateToken(ctx context.Context) error {
	if c.token == "" {
		return nil
	}

	var version civitaiVersion
	url := fmt.Sprintf("%s/api/v1/model-versions/%s", c.baseURL, tokenProbeVersionID)
	probe := types.AcquisitionRequest{Registry: types.RegistryCivitai, Identifier: tokenProbeVersionID}
	return getJSON(ctx, c.httpClient, url, c.token, probe, &version)
}

// sameAuthority reports whether two URLs point at the same authority
// (host and port), treating the bare domain and its www alias as one.
func sameAuthority(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return trimWWW(ua.Host) == trimWWW(ub.Host)
}

func trimWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
