package pipeline

import (
	"strings"

	"github.com/nexis-ai/nexis-fetch/internal/config"
	"github.com/nexis-ai/nexis-fetch/internal/types"
)

// ParseRequests flattens the per-category identifier lists into a single
// work list. Whitespace around elements is tolerated, empty elements from
// trailing separators are ignored, and duplicates are kept: each one must
// independently succeed or fail.
func ParseRequests(cfg *config.Config) []types.AcquisitionRequest {
	var requests []types.AcquisitionRequest

	civitaiLists := []struct {
		raw      string
		category types.Category
	}{
		{cfg.CheckpointIDs, types.CategoryCheckpoints},
		{cfg.LoraIDs, types.CategoryLoras},
		{cfg.VAEIDs, types.CategoryVAE},
		{cfg.EmbeddingIDs, types.CategoryEmbeddings},
		{cfg.ControlnetIDs, types.CategoryControlnet},
		{cfg.UpscalerIDs, types.CategoryUpscaleModels},
	}

	for _, list := range civitaiLists {
		for _, id := range SplitList(list.raw) {
			requests = append(requests, types.AcquisitionRequest{
				Registry:         types.RegistryCivitai,
				Identifier:       id,
				DeclaredCategory: list.category,
			})
		}
	}

	for _, repo := range SplitList(cfg.HFRepos) {
		requests = append(requests, types.AcquisitionRequest{
			Registry:         types.RegistryHuggingFace,
			Identifier:       repo,
			DeclaredCategory: types.CategoryHubSnapshot,
		})
	}

	return requests
}

// SplitList splits a comma-separated configuration value, trimming
// whitespace and dropping empty elements.
func SplitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
