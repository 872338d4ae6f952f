package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jiggy-ai/jiggy-ann-api/api"
	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// Version is set at link time with -ldflags "-X .../commands.Version=..."
var Version = "dev"

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "jiggy %s\n", Version)
			if opts.verbose {
				fmt.Fprintf(out, "  go:    %s\n", runtime.Version())
				fmt.Fprintf(out, "  cpu:   %s\n", core.HostCPU())
				fmt.Fprintf(out, "  cores: %d\n", core.LogicalCores())
			}
		},
	}
}

func init() {
	api.Version = Version
}
