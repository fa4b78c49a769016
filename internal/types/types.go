package types

// Registry identifies which external registry an acquisition request
// targets.
type Registry string

const (
	RegistryCivitai     Registry = "civitai"
	RegistryHuggingFace Registry = "huggingface"
)

// Category is the content-type subdirectory an artifact is placed under.
type Category string

const (
	CategoryUnknown       Category = ""
	CategoryCheckpoints   Category = "checkpoints"
	CategoryLoras         Category = "loras"
	CategoryVAE           Category = "vae"
	CategoryEmbeddings    Category = "embeddings"
	CategoryControlnet    Category = "controlnet"
	CategoryUpscaleModels Category = "upscale_models"
	CategoryDiffusers     Category = "diffusers"
	CategoryHubSnapshot   Category = "hub_snapshot"
	CategoryOther         Category = "other"
)

// AcquisitionRequest is one unit of work parsed from configuration.
// Immutable once created. Duplicates are permitted and each is processed
// independently.
type AcquisitionRequest struct {
	Registry         Registry
	Identifier       string
	DeclaredCategory Category
}

// ResolvedArtifact is the output of a registry client: a concrete,
// time-limited download location plus everything needed to verify and
// place the bytes.
//
// AuthHeader is the full Authorization header value to attach to the
// transfer, or empty. The registry client decides this per the
// redirect-scoping policy: a credential is never forwarded to a host
// other than the registry's own.
type ResolvedArtifact struct {
	Request        AcquisitionRequest
	DownloadURL    string
	AuthHeader     string
	ExpectedSHA256 string
	Filename       string
	Size           int64
	Category       Category

	// Snapshot marks hub repository fetches, which are materialized as a
	// directory tree by the hub client rather than a single URL transfer.
	Snapshot bool
}

// TransferResult is owned by the transfer engine until handed to
// verification and placement. LocalPath points into the temp working
// directory, never into the storage root.
type TransferResult struct {
	Artifact  *ResolvedArtifact
	LocalPath string
	Bytes     int64
}

// PlacedFile is a completed, verified (or explicitly unverified) artifact
// under its final category path.
type PlacedFile struct {
	Path       string
	Identifier string
	Verified   bool
}
