package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nexis-ai/nexis-fetch/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const nexisPrefix = "NEXIS"

// ExitError carries a process exit status through cobra's error return.
// The entrypoint distinguishes full success (0), hard failure (1),
// partial failure (2), and timeout (3).
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

var Cmd = &cobra.Command{
	Use:   "nexis-fetch",
	Short: "Nexis model acquisition pipeline",
	Long:  "Acquires model artifacts from CivitAI and Hugging Face and places them into the categorized models directory, idempotently, at container startup",

	// Runtime failures are not usage errors.
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix(nexisPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(
			`-`, `_`,
			`.`, `_`,
		))
		viper.AutomaticEnv()

		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
			return err
		}

		return config.LoadEnvAndConfigFiles()
	},
}

func Execute() {
	if err := Cmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pflags := Cmd.PersistentFlags()

	pflags.String("models-dir", "", "Path to the categorized models directory")
	pflags.String("temp-dir", "", "Path to the temp working directory for in-progress downloads")
	pflags.String("env-file", "", "Path to the env file")

	viper.BindPFlag("models_dir", pflags.Lookup("models-dir"))
	viper.BindPFlag("temp_dir", pflags.Lookup("temp-dir"))
	viper.BindPFlag("env_file", pflags.Lookup("env-file"))

	Cmd.AddCommand(fetchCmd)
	Cmd.CompletionOptions.HiddenDefaultCmd = true
}
