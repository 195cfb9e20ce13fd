package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "THYROID"

type Config struct {
	Environment     string           `mapstructure:"environment"`
	Host            string           `mapstructure:"host"`
	Port            int              `mapstructure:"port"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout"`
	Log             LogConfig        `mapstructure:"log"`
	Model           ModelConfig      `mapstructure:"model"`
	Preprocess      PreprocessConfig `mapstructure:"preprocess"`
	Classifier      ClassifierConfig `mapstructure:"classifier"`
	Upload          UploadConfig     `mapstructure:"upload"`
	Web             WebConfig        `mapstructure:"web"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ModelConfig struct {
	Path           string `mapstructure:"path"`
	MetadataPath   string `mapstructure:"metadata_path"`
	SharedLibrary  string `mapstructure:"shared_library"`
	Sessions       int    `mapstructure:"sessions"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`
}

type PreprocessConfig struct {
	ImageSize int   `mapstructure:"image_size"`
	MaxPixels int64 `mapstructure:"max_pixels"`
}

type ClassifierConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// WebConfig points at on-disk assets. Empty paths serve the embedded copies.
type WebConfig struct {
	StaticDir    string `mapstructure:"static_dir"`
	TemplatesDir string `mapstructure:"templates_dir"`
}

// SetDefaults registers every key so that env overrides resolve through viper.Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")

	v.SetDefault("model.path", "thyroid_cancer_model.onnx")
	v.SetDefault("model.metadata_path", "model_metadata.json")
	v.SetDefault("model.shared_library", "")
	v.SetDefault("model.sessions", 1)
	v.SetDefault("model.intra_op_threads", 0)

	v.SetDefault("preprocess.image_size", 224)
	v.SetDefault("preprocess.max_pixels", 89478485)
	v.SetDefault("classifier.threshold", 0.5)
	v.SetDefault("upload.max_bytes", int64(32<<20))

	v.SetDefault("web.static_dir", "")
	v.SetDefault("web.templates_dir", "")
}

// Load resolves configuration from defaults, an optional .env file, THYROID_* variables
// and an optional YAML file, in increasing order of precedence for the file.
func Load(v *viper.Viper, configFile, envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`, `-`, `_`))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile(envFile string) error {
	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}

	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to stat env file: %w", err)
	}

	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Validate checks the values the server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be in 1..65535, got %d", c.Port))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if c.Model.Sessions <= 0 {
		errs = append(errs, fmt.Errorf("model.sessions must be positive, got %d", c.Model.Sessions))
	}
	if c.Preprocess.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("preprocess.image_size must be positive, got %d", c.Preprocess.ImageSize))
	}
	if c.Preprocess.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("preprocess.max_pixels must be positive, got %d", c.Preprocess.MaxPixels))
	}
	if c.Classifier.Threshold <= 0 || c.Classifier.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("classifier.threshold must be in (0,1), got %g", c.Classifier.Threshold))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
