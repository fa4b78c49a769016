package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nexis-ai/nexis-fetch/internal/config"
	"github.com/nexis-ai/nexis-fetch/internal/pipeline"
	"github.com/nexis-ai/nexis-fetch/internal/placement"
	"github.com/nexis-ai/nexis-fetch/internal/registry"
	"github.com/nexis-ai/nexis-fetch/internal/transfer"
	"github.com/nexis-ai/nexis-fetch/internal/types"
	"github.com/nexis-ai/nexis-fetch/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run the model acquisition pipeline once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.GetConfig()

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("setup precondition failed: %w", err)
		}

		log := logger.MustNewLogger(cfg.Environment)
		defer log.Sync()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DownloadTimeout)*time.Second)
		defer cancel()

		civitai := registry.NewCivitaiClient(cfg.CivitaiBaseURL, cfg.CivitaiToken, log)
		hub := registry.NewHuggingFaceClient(cfg.HFEndpoint, cfg.HFToken, cfg.Segments, log)

		validateTokens(ctx, log, civitai, hub)

		// Progress bars go to stdout in interactive environments; in prod
		// the structured log carries progress instead.
		var progressOut io.Writer
		if cfg.Environment != "prod" {
			progressOut = os.Stdout
		}

		engine := transfer.NewEngine(hub, cfg.Segments, log, progressOut)
		placer := placement.NewPlacer(cfg.ModelsDir, log)
		marker := pipeline.NewMarkerStore(cfg.ModelsDir)

		orch := pipeline.NewOrchestrator(
			map[types.Registry]registry.Resolver{
				types.RegistryCivitai:     civitai,
				types.RegistryHuggingFace: hub,
			},
			engine,
			placer,
			marker,
			cfg.TempDir,
			cfg.MaxConcurrent,
			log,
		)

		report := orch.Run(ctx, cfg.IdentifierValues(), pipeline.ParseRequests(cfg))

		switch report.Outcome {
		case pipeline.OutcomeSuccess, pipeline.OutcomeSkipped:
			return nil
		case pipeline.OutcomePartialFailure:
			return &ExitError{Code: 2, Msg: "some identifiers failed to acquire"}
		case pipeline.OutcomeTimedOut:
			return &ExitError{Code: 3, Msg: "acquisition run exceeded its time budget"}
		default:
			return &ExitError{Code: 1, Msg: "acquisition run failed"}
		}
	},
}

func validateTokens(ctx context.Context, log *zap.Logger, validators ...registry.TokenValidator) {
	for _, v := range validators {
		if err := v.ValidateToken(ctx); err != nil {
			log.Warn("credential validation failed, continuing without confidence in token", zap.Error(err))
		}
	}
}

func init() {
	fetchCmd.Flags().Int("download-timeout", 3600, "Overall wall-clock budget for all transfers, in seconds")
	fetchCmd.Flags().Int("max-concurrent", 3, "Maximum concurrent acquisition requests")
	fetchCmd.Flags().Int("segments", 4, "Parallel segments per transfer")

	viper.BindPFlag("download_timeout", fetchCmd.Flags().Lookup("download-timeout"))
	viper.BindPFlag("max_concurrent", fetchCmd.Flags().Lookup("max-concurrent"))
	viper.BindPFlag("segments", fetchCmd.Flags().Lookup("segments"))
}
