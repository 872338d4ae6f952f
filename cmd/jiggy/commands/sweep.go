package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/optimizer"
	"github.com/jiggy-ai/jiggy-ann-api/tester"
)

func newSweepCmd(opts *globalOptions) *cobra.Command {
	grid := tester.DefaultSweepGrid()
	var (
		out    string
		metric string
		seed   int64
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Measure builds over a parameter grid to produce a training corpus",
		Long: `Build random collections for every combination of the grid, score each
ef_search against exact search and write the measurements as a JSON array
that "jiggy train" accepts. Samples gathered before an interrupt are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			lg, closer, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			if grid.Metric, err = core.ParseMetric(metric); err != nil {
				return err
			}
			tcfg := cfg.Tester
			if seed != 0 {
				tcfg.Seed = seed
			}
			lg.Info().Int("builds", grid.Runs()).Msg("starting sweep")

			var samples []optimizer.Sample
			sweepErr := tester.New(lg, nil, tcfg).Sweep(cmd.Context(), grid, func(s optimizer.Sample) error {
				samples = append(samples, s)
				return nil
			})
			if len(samples) > 0 {
				data, err := json.MarshalIndent(samples, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d samples to %s\n", len(samples), out)
			}
			return sweepErr
		},
	}
	f := cmd.Flags()
	f.IntSliceVar(&grid.Elements, "elements", grid.Elements, "collection sizes")
	f.IntSliceVar(&grid.Dimensions, "dims", grid.Dimensions, "vector dimensions")
	f.IntSliceVar(&grid.M, "m", grid.M, "HNSW M values")
	f.IntSliceVar(&grid.EfConstruction, "ef", grid.EfConstruction, "ef_construction values")
	f.IntSliceVar(&grid.EfSearch, "ef-search", grid.EfSearch, "ef_search values scored per build")
	f.IntVar(&grid.LatencyProbes, "latency-probes", grid.LatencyProbes, "single queries timed per sample")
	f.StringVar(&metric, "metric", "cosine", "distance metric: cosine, ip or l2")
	f.Int64Var(&seed, "seed", 0, "seed for random collections and queries")
	f.StringVarP(&out, "out", "o", "results.json", "file the samples are written to")
	return cmd
}
