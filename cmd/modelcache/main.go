// Command modelcache manages a local model cache from the command line and
// can serve it over HTTP.
//
// Configuration is read from modelcache.yaml (current directory or
// $HOME/.config/modelcache, or the file named by MODELCACHE_CONFIG) and from
// MODELCACHE_* environment variables. A .env file in the current directory is
// loaded first if present.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prethora/modelcache"
)

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates the operation completed successfully.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates invalid command line arguments or configuration.
	ExitInvalidArgs = 2

	// ExitModelNotFound indicates the model is not in the catalog.
	ExitModelNotFound = 3

	// ExitNotStored indicates the model is not downloaded.
	ExitNotStored = 4

	// ExitNetworkError indicates a network or connection failure.
	ExitNetworkError = 5

	// ExitBusy indicates another download is in progress.
	ExitBusy = 6

	// ExitStorageError indicates the local store failed.
	ExitStorageError = 7

	// ExitInvalidSelection indicates an attempt to activate a model that is not downloaded.
	ExitInvalidSelection = 8
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	s, err := loadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitInvalidArgs)
	}

	zl, err := newZapLogger(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitInvalidArgs)
	}
	defer zl.Sync()

	cfg, err := s.cacheConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitInvalidArgs)
	}

	logger := modelcache.NewZapLogger(zl)
	root := &cobra.Command{
		Use:          "modelcache",
		Short:        "Download and manage optional model assets",
		SilenceUsage: true,
	}
	root.AddCommand(modelcache.NewCommand(cfg, modelcache.WithLogger(logger)))
	root.AddCommand(serveCmd(cfg, s, logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = root.ExecuteContext(ctx)
	stop()
	if err != nil {
		zl.Sync()
		os.Exit(exitCodeFromError(err))
	}
}

// newZapLogger builds the process logger. Development output is used when
// the environment is "dev".
func newZapLogger(s settings) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if s.Environment == "dev" {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", s.LogLevel, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case errors.Is(err, modelcache.ErrUnknownModel):
		return ExitModelNotFound
	case errors.Is(err, modelcache.ErrNotStored):
		return ExitNotStored
	case errors.Is(err, modelcache.ErrNetwork):
		return ExitNetworkError
	case errors.Is(err, modelcache.ErrConcurrencyRejected):
		return ExitBusy
	case errors.Is(err, modelcache.ErrStorage):
		return ExitStorageError
	case errors.Is(err, modelcache.ErrInvalidSelection):
		return ExitInvalidSelection
	case errors.Is(err, modelcache.ErrInvalidKey):
		return ExitInvalidArgs
	default:
		return ExitGeneralError
	}
}
