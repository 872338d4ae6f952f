package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/optimizer"
)

func newOptimizeCmd(opts *globalOptions) *cobra.Command {
	var (
		dim    int
		n      int
		target float64
		seed   int64
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Predict HNSW parameters for a collection shape and target recall",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dim < 1 || n < 1 {
				return fmt.Errorf("--dim and --n must be positive")
			}
			if err := core.ValidateTargetRecall(target); err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			lg, closer, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			models, err := cfg.Optimizer.LoadSurrogates()
			if err != nil {
				return err
			}
			if models == nil {
				return fmt.Errorf("optimizer is disabled in the configuration")
			}
			ocfg := cfg.Optimizer.Config
			if seed != 0 {
				ocfg.Seed = seed
			}

			res, err := optimizer.New(lg, models, ocfg).Optimize(cmd.Context(), dim, n, target)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			tw := tablewriter.NewWriter(w)
			tw.SetHeader([]string{"M", "ef_construction", "ef_search", "recall", "build", "latency", "size"})
			tw.Append([]string{
				fmt.Sprintf("%d", res.M),
				fmt.Sprintf("%d", res.EfConstruction),
				fmt.Sprintf("%d", res.EfSearch),
				fmt.Sprintf("%.4f", res.Prediction.Recall),
				time.Duration(res.Prediction.BuildSeconds * float64(time.Second)).Round(time.Millisecond).String(),
				time.Duration(res.Prediction.LatencySeconds * float64(time.Second)).String(),
				humanize.IBytes(uint64(res.Prediction.IndexBytes)),
			})
			tw.Render()
			if !res.MetTarget {
				fmt.Fprintf(w, "no candidate was predicted to reach recall %.3f; showing the best one\n", target)
			}
			fmt.Fprintf(w, "evaluated %d of %d candidates in %s\n", res.Evaluated, optimizer.GridSize(), res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&dim, "dim", 0, "vector dimension")
	f.IntVar(&n, "n", 0, "number of vectors")
	f.Float64Var(&target, "target", 0.99, "target recall in (0, 1)")
	f.Int64Var(&seed, "seed", 0, "sampling seed, zero uses the configured one")
	return cmd
}
