package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/thyroid-api/internal/launcher"
	"github.com/Brownie44l1/thyroid-api/internal/logging"
)

var (
	port        int
	installCmd  string
	buildCmd    string
	binary      string
	skipInstall bool
	reload      bool
	watchDir    string
	marker      string
)

var rootCmd = &cobra.Command{
	Use:           "thyroid-launcher",
	Short:         "Install, build and start the server, then open it in a browser",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.IntVar(&port, "port", 8000, "Port the server listens on")
	flags.StringVar(&installCmd, "install-cmd", "go mod download", "Command that installs dependencies")
	flags.BoolVar(&skipInstall, "skip-install", false, "Skip the dependency install step")
	flags.StringVar(&binary, "binary", "bin/thyroid-server", "Where the server binary is built")
	flags.StringVar(&buildCmd, "build-cmd", "", "Build command (default: go build -o <binary> ./cmd/server)")
	flags.BoolVar(&reload, "reload", true, "Rebuild and restart the server when sources change")
	flags.StringVar(&watchDir, "watch-dir", ".", "Directory watched for changes when --reload is set")
	flags.StringVar(&marker, "marker", launcher.DefaultReadinessMarker, "Log text that signals the server is ready")
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := logging.NewLogger("dev", "info")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg := launcher.Config{
		Port:            port,
		BuildCommand:    strings.Fields(buildCmd),
		ServerCommand:   append([]string{binary, "--host", "0.0.0.0", "--port", strconv.Itoa(port)}, args...),
		Reload:          reload,
		WatchDir:        watchDir,
		ReadinessMarker: marker,
	}
	if len(cfg.BuildCommand) == 0 {
		cfg.BuildCommand = []string{"go", "build", "-o", binary, "./cmd/server"}
	}
	if !skipInstall {
		cfg.InstallCommand = strings.Fields(installCmd)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := launcher.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("launcher stopped", zap.Error(err))
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
