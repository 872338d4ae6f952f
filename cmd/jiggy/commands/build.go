package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jiggy-ai/jiggy-ann-api/api"
	"github.com/jiggy-ai/jiggy-ann-api/blobstore"
	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/optimizer"
	"github.com/jiggy-ai/jiggy-ann-api/orchestrator"
	"github.com/jiggy-ai/jiggy-ann-api/persistence"
	"github.com/jiggy-ai/jiggy-ann-api/tester"
)

const localCollection = "local"

type buildOptions struct {
	vectors      string
	random       int
	dim          int
	seed         int64
	tag          string
	out          string
	m            int
	ef           int
	efSearch     int
	metric       string
	targetRecall float64
}

func newBuildCmd(opts *globalOptions) *cobra.Command {
	b := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build, save and test an index from a local vector file",
		Long: `Run the full build pipeline locally: snapshot, optional parameter
selection, HNSW construction, artifact save and the recall test loop.

The vector file is a JSON array of {"vector_id": 1, "vector": [...]}.
Use --random and --dim instead to build over uniform random vectors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, opts, b)
		},
	}
	f := cmd.Flags()
	f.StringVar(&b.vectors, "vectors", "", "JSON vector file")
	f.IntVar(&b.random, "random", 0, "number of random vectors to generate instead of --vectors")
	f.IntVar(&b.dim, "dim", 128, "dimension of random vectors")
	f.Int64Var(&b.seed, "seed", 1, "seed for random vectors")
	f.StringVar(&b.tag, "tag", "latest", "index tag")
	f.StringVarP(&b.out, "out", "o", ".", "directory the artifact is written under")
	f.IntVar(&b.m, "m", 0, "HNSW M")
	f.IntVar(&b.ef, "ef", 0, "HNSW ef_construction")
	f.IntVar(&b.efSearch, "ef-search", 0, "default ef_search (defaults to ef_construction)")
	f.StringVar(&b.metric, "metric", "cosine", "distance metric: cosine, ip or l2")
	f.Float64Var(&b.targetRecall, "target-recall", 0, "pick parameters for this recall instead of --m/--ef")
	return cmd
}

func loadVectors(path string) ([]core.Vector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []api.VectorRequest
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	vectors := make([]core.Vector, len(items))
	for i, item := range items {
		vectors[i] = core.Vector{ID: item.VectorID, Values: item.Vector}
	}
	return vectors, nil
}

func randomVectors(seed int64, n, dim int) []core.Vector {
	rng := rand.New(rand.NewSource(seed))
	vectors := make([]core.Vector, n)
	for i := range vectors {
		values := make([]float32, dim)
		for j := range values {
			values[j] = rng.Float32()
		}
		vectors[i] = core.Vector{ID: uint64(i), Values: values}
	}
	return vectors
}

func runBuild(cmd *cobra.Command, opts *globalOptions, b *buildOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	lg, closer, err := opts.logger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	var vectors []core.Vector
	switch {
	case b.vectors != "":
		if vectors, err = loadVectors(b.vectors); err != nil {
			return err
		}
	case b.random > 0:
		vectors = randomVectors(b.seed, b.random, b.dim)
	default:
		return fmt.Errorf("either --vectors or --random is required")
	}
	metric, err := core.ParseMetric(b.metric)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store := persistence.NewMemoryStore()
	defer store.Close()
	if err := store.SaveCollection(ctx, core.Collection{ID: localCollection, Name: localCollection}); err != nil {
		return err
	}
	if err := store.SaveVectors(ctx, localCollection, vectors); err != nil {
		return err
	}
	objects, err := blobstore.NewLocalStore(b.out)
	if err != nil {
		return err
	}

	var opt *optimizer.Optimizer
	if b.targetRecall != 0 {
		models, err := cfg.Optimizer.LoadSurrogates()
		if err != nil {
			return err
		}
		if models != nil {
			opt = optimizer.New(lg, models, cfg.Optimizer.Config)
		}
	}

	buildCfg := cfg.Builds
	buildCfg.Workers = 1
	builds, err := orchestrator.New(lg, store, objects, opt, tester.New(lg, store, cfg.Tester), buildCfg)
	if err != nil {
		return err
	}
	defer builds.Close()

	job, err := builds.Submit(ctx, orchestrator.BuildRequest{
		CollectionID: localCollection,
		Tag:          b.tag,
		Params:       core.BuildParameters{M: b.m, EfConstruction: b.ef, EfSearch: b.efSearch, Metric: metric},
		TargetRecall: b.targetRecall,
	})
	if err != nil {
		return err
	}

	if job, err = waitForJob(ctx, builds, job.ID); err != nil {
		return err
	}
	results, err := builds.TestResults(ctx, job.ID)
	if err != nil {
		return err
	}

	printJob(cmd.OutOrStdout(), job, filepath.Join(objects.Root(), filepath.FromSlash(job.ArtifactKey)))
	printResults(cmd.OutOrStdout(), results)
	if job.State != core.StateComplete {
		return fmt.Errorf("build %s failed", job.ID)
	}
	return nil
}

func waitForJob(ctx context.Context, builds *orchestrator.Orchestrator, id string) (core.BuildJob, error) {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		job, err := builds.GetJob(ctx, id)
		if err != nil {
			return job, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-tick.C:
		}
	}
}

func printJob(w io.Writer, job core.BuildJob, artifact string) {
	fmt.Fprintln(w, job.Status)
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"job", "state", "M", "ef_construction", "ef_search", "metric", "artifact", "size", "xxhash"})
	tw.Append([]string{
		job.ID,
		string(job.State),
		fmt.Sprintf("%d", job.Params.M),
		fmt.Sprintf("%d", job.Params.EfConstruction),
		fmt.Sprintf("%d", job.Params.EfSearch),
		string(job.Params.Metric),
		artifact,
		humanize.IBytes(uint64(job.ArtifactBytes)),
		job.ArtifactChecksum,
	})
	tw.Render()
}

func printResults(w io.Writer, results []core.TestResult) {
	if len(results) == 0 {
		return
	}
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ef_search", "k", "recall", "qps"})
	for _, r := range results {
		tw.Append([]string{
			fmt.Sprintf("%d", r.EfSearch),
			fmt.Sprintf("%d", r.K),
			fmt.Sprintf("%.4f", r.Recall),
			humanize.CommafWithDigits(r.QPS, 0),
		})
	}
	tw.Render()
	fmt.Fprintf(w, "cpu: %s\n", results[0].CPUInfo)
}
