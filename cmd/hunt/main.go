// Command hunt is the operations CLI for the Huntsman data reduction
// pipeline: reference catalogues, astrometry indexes, registry
// migrations, synthetic observations, the compose stack and service
// status.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
	"github.com/huntsman-array/huntsman-drp/internal/version"
)

var (
	flagConfigRoot string
	flagTesting    bool
	flagVerbose    bool

	logger *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "hunt",
	Short: "Operations CLI for the Huntsman data reduction pipeline",
	Long: `hunt drives the pieces of the pipeline that are not daemons:
reference catalogue downloads, astrometry index mirroring, registry
migrations, synthetic observation data, the docker compose stack and
service status queries.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.Options{Verbose: flagVerbose})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hunt %s\n", version.Summary())
	},
}

// loadConfig assembles the configuration for subcommands that need it.
func loadConfig() (*config.Config, error) {
	return config.Load(config.Options{RootDir: flagConfigRoot, Testing: flagTesting})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigRoot, "config-root", "", "configuration root (overrides "+config.EnvRootDir+")")
	rootCmd.PersistentFlags().BoolVar(&flagTesting, "testing", false, "merge config/testing.yaml over the base configuration")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
