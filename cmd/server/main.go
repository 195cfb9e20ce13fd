package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Brownie44l1/thyroid-api/internal/config"
	"github.com/Brownie44l1/thyroid-api/internal/handlers"
	"github.com/Brownie44l1/thyroid-api/internal/logging"
	"github.com/Brownie44l1/thyroid-api/internal/metrics"
	"github.com/Brownie44l1/thyroid-api/internal/model"
	"github.com/Brownie44l1/thyroid-api/internal/server"
)

var rootCmd = &cobra.Command{
	Use:           "thyroid-server",
	Short:         "Serve the thyroid malignancy classifier over HTTP",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()

	flags.String("config", "", "Path to a YAML config file")
	flags.String("env-file", "", "Path to a .env file (default: ./.env when present)")

	flags.String("host", "0.0.0.0", "Interface to bind")
	flags.Int("port", 8000, "Port to listen on")
	flags.String("environment", "dev", "Environment: dev, test or production")
	flags.String("log-level", "info", "Log level")
	flags.String("model-path", "thyroid_cancer_model.onnx", "Path to the ONNX model")
	flags.String("metadata-path", "model_metadata.json", "Path to the model metadata JSON")
	flags.String("onnxruntime-lib", "", "Path to the ONNX Runtime shared library")
	flags.Int("sessions", 1, "Number of inference sessions")
	flags.String("static-dir", "", "Serve /static from this directory instead of the embedded assets")
	flags.String("templates-dir", "", "Load page templates from this directory instead of the embedded ones")

	bindings := map[string]string{
		"host":                 "host",
		"port":                 "port",
		"environment":          "environment",
		"log.level":            "log-level",
		"model.path":           "model-path",
		"model.metadata_path":  "metadata-path",
		"model.shared_library": "onnxruntime-lib",
		"model.sessions":       "sessions",
		"web.static_dir":       "static-dir",
		"web.templates_dir":    "templates-dir",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func run(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, err := config.Load(viper.GetViper(), configFile, envFile)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Environment, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Loading model", zap.String("path", cfg.Model.Path))

	modelServer, err := model.NewServer(cfg.Model, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize model server: %w", err)
	}
	defer modelServer.Close()

	if size := modelServer.Metadata.ImageSize(); size != cfg.Preprocess.ImageSize {
		return fmt.Errorf("model expects %dx%d input but preprocess.image_size is %d", size, size, cfg.Preprocess.ImageSize)
	}

	m := metrics.New()
	handler := handlers.NewHandler(modelServer, handlers.Options{
		Threshold: cfg.Classifier.Threshold,
		MaxBytes:  cfg.Upload.MaxBytes,
		ImageSize: cfg.Preprocess.ImageSize,
		MaxPixels: cfg.Preprocess.MaxPixels,
	}, m, logger)

	srv, err := server.New(cfg, handler, m, logger)
	if err != nil {
		return err
	}

	logger.Info("Server starting",
		zap.String("addr", cfg.Addr()),
		zap.Float64("threshold", cfg.Classifier.Threshold),
	)
	logger.Info("Endpoints: GET / (upload page), POST /predict (multipart field 'file'), GET /health, GET /metrics")

	return srv.ListenAndServe(cfg.ShutdownTimeout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
