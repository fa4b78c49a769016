package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const nexisPrefix = "NEXIS"

var ErrModelsDirNotSet = errors.New("models directory is not set")

// Config holds everything the acquisition pipeline reads from the
// environment. The identifier lists stay raw comma-separated strings here;
// parsing into requests happens in the pipeline package so the run
// fingerprint can be computed over the unparsed values.
type Config struct {
	CheckpointIDs string `mapstructure:"checkpoint_ids"`
	LoraIDs       string `mapstructure:"lora_ids"`
	VAEIDs        string `mapstructure:"vae_ids"`
	EmbeddingIDs  string `mapstructure:"embedding_ids"`
	ControlnetIDs string `mapstructure:"controlnet_ids"`
	UpscalerIDs   string `mapstructure:"upscaler_ids"`
	HFRepos       string `mapstructure:"hf_repos"`

	CivitaiToken string `mapstructure:"civitai_token"`
	HFToken      string `mapstructure:"hf_token"`

	ModelsDir string `mapstructure:"models_dir"`
	TempDir   string `mapstructure:"temp_dir"`

	DownloadTimeout int `mapstructure:"download_timeout"`
	MaxConcurrent   int `mapstructure:"max_concurrent"`
	Segments        int `mapstructure:"segments"`

	Environment string `mapstructure:"environment"`

	// Base URL overrides, used by tests and air-gapped mirrors.
	CivitaiBaseURL string `mapstructure:"civitai_base_url"`
	HFEndpoint     string `mapstructure:"hf_endpoint"`
}

var config *Config

// LoadEnvAndConfigFiles loads an optional .env file, binds NEXIS_*
// environment variables, and unmarshals the config struct.
func LoadEnvAndConfigFiles() error {
	envFile := viper.GetString("env_file")
	if envFile == "" {
		envFile = ".env"
	}

	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	viper.SetEnvPrefix(nexisPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`, `-`, `_`))
	viper.AutomaticEnv()

	setDefaults()

	return LoadConfig(true)
}

// setDefaults registers every key with viper so AutomaticEnv picks the
// corresponding NEXIS_* variables up during Unmarshal.
func setDefaults() {
	viper.SetDefault("checkpoint_ids", "")
	viper.SetDefault("lora_ids", "")
	viper.SetDefault("vae_ids", "")
	viper.SetDefault("embedding_ids", "")
	viper.SetDefault("controlnet_ids", "")
	viper.SetDefault("upscaler_ids", "")
	viper.SetDefault("hf_repos", "")
	viper.SetDefault("civitai_token", "")
	viper.SetDefault("hf_token", "")
	viper.SetDefault("models_dir", "/workspace/models")
	viper.SetDefault("temp_dir", "/workspace/downloads_tmp")
	viper.SetDefault("download_timeout", 3600)
	viper.SetDefault("max_concurrent", 3)
	viper.SetDefault("segments", 4)
	viper.SetDefault("environment", "prod")
	viper.SetDefault("civitai_base_url", "https://civitai.com")
	viper.SetDefault("hf_endpoint", "https://huggingface.co")
}

func LoadConfig(reload bool) error {
	if config != nil && !reload {
		return fmt.Errorf("config already loaded")
	}

	config = &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshalling config: %w", err)
	}

	return nil
}

func GetConfig() *Config {
	if config == nil {
		panic("config not loaded")
	}

	return config
}

// Validate checks the setup preconditions. Failing any of these is the
// only condition fatal to the whole pipeline.
func (c *Config) Validate() error {
	if c.ModelsDir == "" {
		return ErrModelsDirNotSet
	}
	if c.TempDir == "" {
		return errors.New("temp directory is not set")
	}
	if c.TempDir == c.ModelsDir {
		return errors.New("temp directory must be distinct from the models directory")
	}
	if err := os.MkdirAll(c.ModelsDir, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}
	if err := os.MkdirAll(c.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	return nil
}

// IdentifierValues returns the raw, unparsed configuration values that
// define the requested work list. The run fingerprint is computed over
// these so it stays stable regardless of parser behavior.
func (c *Config) IdentifierValues() []string {
	return []string{
		c.CheckpointIDs,
		c.LoraIDs,
		c.VAEIDs,
		c.EmbeddingIDs,
		c.ControlnetIDs,
		c.UpscalerIDs,
		c.HFRepos,
	}
}
