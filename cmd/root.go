package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/config"
	"github.com/sells-group/wisdom-cli/internal/pipeline"
	"github.com/sells-group/wisdom-cli/internal/resilience"
)

// Process exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitConfig  = 2
	exitPartial = 3
	exitNoInput = 4
)

// ErrPartial marks a command that finished but left failed tasks or items
// behind.
var ErrPartial = eris.New("partial failure")

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "wisdom-cli",
	Short:         "Tacit knowledge harvesting pipeline",
	Long:          "Harvests practitioner discussions from Reddit, StackExchange and forums, scores and filters them against a keyword taxonomy, and turns the survivors into structured wisdom records with an LLM.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return &resilience.ConfigError{Problems: []string{err.Error()}}
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return &resilience.ConfigError{Problems: []string{err.Error()}}
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml)")
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case resilience.IsConfigError(err):
		return exitConfig
	case eris.Is(err, pipeline.ErrNoInput):
		return exitNoInput
	case eris.Is(err, ErrPartial):
		return exitPartial
	}
	return exitError
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil && !eris.Is(err, ErrPartial) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}
