package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jiggy-ai/jiggy-ann-api/optimizer"
)

func newTrainCmd(opts *globalOptions) *cobra.Command {
	var (
		samplesPath string
		out         string
		holdout     float64
		trees       int
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit optimizer surrogate models from a measured sample corpus",
		Long: `Fit the surrogate models the optimizer uses from a JSON array of
measured builds (see "jiggy sweep"). The result is written as a model file
that optimizer.model_path can point at.`,
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

			in, err := os.Open(samplesPath)
			if err != nil {
				return err
			}
			defer in.Close()
			samples, err := optimizer.LoadSamples(in)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", samplesPath, err)
			}

			topts := optimizer.DefaultTrainOptions()
			topts.Holdout = holdout
			if trees > 0 {
				topts.Forest.Trees = trees
			}
			models, report, err := optimizer.Train(samples, topts)
			if err != nil {
				return err
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := models.Save(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			lg.Info().Str("path", out).Int("samples", report.Samples).Msg("surrogate models written")

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%d samples (%d duplicates dropped), %d train, %d holdout\n",
				report.Samples, report.Filtered, report.Train, report.Test)
			names := make([]string, 0, len(report.RMSE))
			for name := range report.RMSE {
				names = append(names, name)
			}
			sort.Strings(names)
			tw := tablewriter.NewWriter(w)
			tw.SetHeader([]string{"model", "holdout rmse"})
			for _, name := range names {
				tw.Append([]string{name, fmt.Sprintf("%.6g", report.RMSE[name])})
			}
			tw.Render()
			fmt.Fprintf(w, "wrote %s\n", out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&samplesPath, "samples", "results.json", "JSON array of measured samples")
	f.StringVarP(&out, "out", "o", "surrogates.json", "model file to write")
	f.Float64Var(&holdout, "holdout", optimizer.DefaultTrainOptions().Holdout, "fraction of samples held out for scoring")
	f.IntVar(&trees, "trees", 0, "trees per forest, zero keeps the default")
	return cmd
}
