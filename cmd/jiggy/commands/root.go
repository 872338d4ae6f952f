// Package commands implements the jiggy subcommands.
package commands

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jiggy-ai/jiggy-ann-api/config"
	"github.com/jiggy-ai/jiggy-ann-api/logging"
)

// globalOptions are shared by every subcommand
type globalOptions struct {
	configPath string
	verbose    bool
}

func (g *globalOptions) loadConfig() (*config.Config, error) {
	return config.LoadConfig(g.configPath)
}

// logger builds the process logger. Verbose forces debug level.
func (g *globalOptions) logger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	lc := cfg.Logging
	if g.verbose {
		lc.Level = "debug"
	}
	return logging.New(lc, "jiggy")
}

// NewRootCmd returns a fresh command tree
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "jiggy",
		Short: "Build, tune and verify HNSW indexes",
		Long: `jiggy turns stored vector collections into tested HNSW indexes.

Configuration is read from ~/.jiggy.yml, or the file given with --config,
and JIGGY_* environment variables override it.

Examples:
  # Run the API server
  jiggy serve

  # Build an index from a local file and print its recall tests
  jiggy build --vectors vectors.json --m 16 --ef 200

  # Let the surrogate models pick the parameters
  jiggy build --vectors vectors.json --target-recall 0.95`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ~/.jiggy.yml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newServeCmd(opts),
		newBuildCmd(opts),
		newOptimizeCmd(opts),
		newTrainCmd(opts),
		newSweepCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
