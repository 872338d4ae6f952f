// Package orchestrator drives index builds from request to tested artifact.
//
// A build moves through prep, indexing, saving and testing to complete, or
// ends in failed. Submit is synchronous and only records the job; the state
// machine runs on a bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/index"
	"github.com/jiggy-ai/jiggy-ann-api/optimizer"
	"github.com/jiggy-ai/jiggy-ann-api/tester"
)

// Store is the persistence the orchestrator reads vectors from and
// records jobs in
type Store interface {
	core.VectorStore
	core.MetadataStore
}

// Config controls build scheduling
type Config struct {
	// Workers is the number of builds that run at once
	Workers int `yaml:"workers"`
	// QueueSize is the number of accepted builds that may wait for a worker
	QueueSize int `yaml:"queue_size"`
	// BuildWorkers is the parallelism inside one build and its tests
	BuildWorkers int `yaml:"build_workers"`
	// Compression is the artifact compression: zstd, lz4 or none
	Compression    string `yaml:"compression"`
	SupportContact string `yaml:"support_contact"`
	// DefaultEstimate is the expected build time when nothing better is known
	DefaultEstimate time.Duration `yaml:"default_estimate"`
	// OrphanGrace is how long past its estimate a job may stay unfinished
	OrphanGrace time.Duration `yaml:"orphan_grace"`
}

// DefaultConfig returns the standard scheduling settings
func DefaultConfig() Config {
	return Config{
		Workers:         2,
		QueueSize:       16,
		BuildWorkers:    core.DefaultWorkers(),
		Compression:     "zstd",
		SupportContact:  "support@jiggy.ai",
		DefaultEstimate: 1000 * time.Second,
		OrphanGrace:     time.Hour,
	}
}

// BuildRequest asks for an index of a collection under a tag. With a
// TargetRecall the parameters are chosen by the optimizer and only
// Params.Metric is used.
type BuildRequest struct {
	CollectionID string
	Tag          string
	Params       core.BuildParameters
	TargetRecall float64
}

type runHandle struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	started bool
}

// Orchestrator accepts build requests and runs them in the background
type Orchestrator struct {
	lg          zerolog.Logger
	store       Store
	objects     core.ObjectStore
	opt         *optimizer.Optimizer
	tester      *tester.Tester
	pool        *Pool
	cfg         Config
	compression index.Compression
	now         func() time.Time

	// mu serializes submissions and guards runs
	mu      sync.Mutex
	runs    map[string]*runHandle
	baseCtx context.Context
	stop    context.CancelCauseFunc

	// abandoned tracks retired runs still exiting after their caller gave up
	abandoned sync.WaitGroup
}

// New creates an orchestrator and starts its worker pool. opt may be nil,
// in which case target recall requests are rejected.
func New(lg zerolog.Logger, store Store, objects core.ObjectStore, opt *optimizer.Optimizer, tst *tester.Tester, cfg Config) (*Orchestrator, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BuildWorkers <= 0 {
		cfg.BuildWorkers = def.BuildWorkers
	}
	if cfg.SupportContact == "" {
		cfg.SupportContact = def.SupportContact
	}
	if cfg.DefaultEstimate <= 0 {
		cfg.DefaultEstimate = def.DefaultEstimate
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = def.OrphanGrace
	}
	compression, err := index.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if tst == nil {
		tst = tester.New(lg, store, tester.Config{Workers: cfg.BuildWorkers})
	}

	lg = lg.With().Str("component", "orchestrator").Logger()
	baseCtx, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		lg:          lg,
		store:       store,
		objects:     objects,
		opt:         opt,
		tester:      tst,
		pool:        NewPool(lg, cfg.Workers, cfg.QueueSize),
		cfg:         cfg,
		compression: compression,
		now:         time.Now,
		runs:        make(map[string]*runHandle),
		baseCtx:     baseCtx,
		stop:        stop,
	}, nil
}

// ArtifactKey is the object key of a job's serialized index
func ArtifactKey(collectionID, tag, jobID string) string {
	return fmt.Sprintf("%s/%s-%s.hnsw", collectionID, tag, jobID)
}

func (o *Orchestrator) validate(req *BuildRequest) error {
	if err := core.ValidateName(req.Tag, "tag"); err != nil {
		return err
	}
	if req.Params.Metric == "" {
		req.Params.Metric = core.DistanceCosine
	}
	if req.TargetRecall != 0 {
		if err := core.ValidateTargetRecall(req.TargetRecall); err != nil {
			return err
		}
		if o.opt == nil {
			return core.Validationf("target_recall needs trained parameter models, which are not loaded")
		}
		if !req.Params.Metric.Valid() {
			return core.Validationf("unsupported distance metric %q", req.Params.Metric)
		}
		req.Params = core.BuildParameters{Metric: req.Params.Metric}
		return nil
	}
	return req.Params.Validate(o.tester.Config().TopK)
}

// Submit validates the request, retires any previous job for the same
// collection and tag, records a new job in prep and queues it. It returns
// the job as recorded; progress is observed through GetJob.
func (o *Orchestrator) Submit(ctx context.Context, req BuildRequest) (core.BuildJob, error) {
	if err := o.validate(&req); err != nil {
		return core.BuildJob{}, err
	}
	collection, err := o.store.LoadCollection(ctx, req.CollectionID)
	if err != nil {
		return core.BuildJob{}, err
	}
	if collection.Count == 0 {
		return core.BuildJob{}, core.Validationf("collection %s has no vectors to index", collection.ID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.retireTag(ctx, req.CollectionID, req.Tag); err != nil {
		return core.BuildJob{}, err
	}

	now := o.now().UTC()
	id := uuid.NewString()
	job := core.BuildJob{
		ID:           id,
		CollectionID: req.CollectionID,
		Tag:          req.Tag,
		Name:         req.CollectionID + ":" + req.Tag,
		Params:       req.Params,
		TargetRecall: req.TargetRecall,
		Count:        collection.Count,
		Dimension:    collection.Dimension,
		State:        core.StatePrep,
		Status:       "Queued for indexing.",
		CreatedAt:    now,
		UpdatedAt:    now,
		ArtifactKey:  ArtifactKey(req.CollectionID, req.Tag, id),
	}
	job.EstimatedCompletion = now.Add(o.estimate(job))

	if err := o.store.CreateJob(ctx, job); err != nil {
		return core.BuildJob{}, err
	}

	runCtx, cancel := context.WithCancelCause(o.baseCtx)
	h := &runHandle{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	o.runs[id] = h

	queued := job
	if err := o.pool.TrySubmit(func() { o.execute(queued, h) }); err != nil {
		delete(o.runs, id)
		cancel(err)
		job.State = core.StateFailed
		job.Status = fmt.Sprintf("Index %s was not started: %v. Please retry later.", id, err)
		job.CompletedAt = o.now().UTC()
		job.UpdatedAt = job.CompletedAt
		if uerr := o.store.UpdateJob(context.Background(), job); uerr != nil {
			o.lg.Error().Err(uerr).Str("job_id", id).Msg("failed to record rejected job")
		}
		return job, err
	}

	o.lg.Info().
		Str("job_id", id).
		Str("collection_id", job.CollectionID).
		Str("tag", job.Tag).
		Int("count", job.Count).
		Time("estimated_completion", job.EstimatedCompletion).
		Msg("build queued")
	return job, nil
}

// estimate predicts the build duration of a new job
func (o *Orchestrator) estimate(job core.BuildJob) time.Duration {
	if o.opt == nil || job.TargetRecall != 0 {
		return o.cfg.DefaultEstimate
	}
	p := o.opt.Estimate(job.Dimension, job.Count, job.Params)
	return time.Duration(p.BuildSeconds * float64(time.Second))
}

// retireTag stops and removes every job recorded for (collectionID, tag)
// with its test results and artifact. Callers hold o.mu.
func (o *Orchestrator) retireTag(ctx context.Context, collectionID, tag string) error {
	old, err := o.store.ListJobs(ctx, collectionID, tag)
	if err != nil {
		return err
	}
	for _, job := range old {
		if err := o.retire(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// retire cancels a job if it is running, waits for its run to exit and
// deletes everything it left behind. If ctx ends first the job is kept and
// marked failed once its run exits. Callers hold o.mu.
func (o *Orchestrator) retire(ctx context.Context, job core.BuildJob) error {
	if h, ok := o.runs[job.ID]; ok {
		delete(o.runs, job.ID)
		h.cancel(core.ErrSuperseded)
		if h.started {
			select {
			case <-h.done:
			case <-ctx.Done():
				o.abandoned.Add(1)
				go o.abandon(job.ID, h)
				return ctx.Err()
			}
		}
	}

	if err := o.store.DeleteTestResults(ctx, job.ID); err != nil {
		return err
	}
	if job.ArtifactKey != "" {
		if err := o.objects.Delete(ctx, job.ArtifactKey); err != nil {
			return core.Persistencef(err, "delete artifact %s", job.ArtifactKey)
		}
	}
	if err := o.store.DeleteJob(ctx, job.ID); err != nil {
		return err
	}
	o.lg.Info().Str("job_id", job.ID).Str("tag", job.Tag).Str("state", string(job.State)).Msg("previous build retired")
	return nil
}

// abandon waits for a cancelled run to exit and marks its job failed when
// the run left it non-terminal. The job record itself is kept.
func (o *Orchestrator) abandon(id string, h *runHandle) {
	defer o.abandoned.Done()
	<-h.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lg := o.lg.With().Str("job_id", id).Logger()
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		lg.Warn().Err(err).Msg("retired build not found after cancellation")
		return
	}
	if job.State.Terminal() {
		return
	}
	o.fail(lg, job, context.Cause(h.ctx))
}

// DeleteCollection retires every job of a collection, then deletes it
func (o *Orchestrator) DeleteCollection(ctx context.Context, collectionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.store.LoadCollection(ctx, collectionID); err != nil {
		return err
	}
	if err := o.retireTag(ctx, collectionID, ""); err != nil {
		return err
	}
	return o.store.DeleteCollection(ctx, collectionID)
}

// execute is the pool task for one job
func (o *Orchestrator) execute(job core.BuildJob, h *runHandle) {
	o.mu.Lock()
	if o.runs[job.ID] != h {
		// retired before a worker picked it up
		o.mu.Unlock()
		return
	}
	h.started = true
	o.mu.Unlock()

	defer func() {
		close(h.done)
		o.mu.Lock()
		if o.runs[job.ID] == h {
			delete(o.runs, job.ID)
		}
		o.mu.Unlock()
		h.cancel(nil)
	}()

	lg := o.lg.With().Str("job_id", job.ID).Logger()
	start := o.now()
	err := o.safeRun(h.ctx, lg, &job)
	if err == nil {
		lg.Info().Dur("elapsed", o.now().Sub(start)).Msg("build complete")
		return
	}
	if errors.Is(context.Cause(h.ctx), core.ErrSuperseded) {
		lg.Info().Str("state", string(job.State)).Msg("superseded build stopped")
		return
	}
	o.fail(lg, job, err)
}

// safeRun converts a panic anywhere in the state machine into an error
func (o *Orchestrator) safeRun(ctx context.Context, lg zerolog.Logger, job *core.BuildJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", core.ErrBuild, r)
		}
	}()
	return o.run(ctx, lg, job)
}

// fail records the failed state. If even that write fails the job stays
// non-terminal and is left to the orphan sweep.
func (o *Orchestrator) fail(lg zerolog.Logger, job core.BuildJob, cause error) {
	lg.Error().Err(cause).Str("state", string(job.State)).Msg("build failed")

	job.State = core.StateFailed
	job.Status = fmt.Sprintf("Index %s failed to build. Please contact %s", job.ID, o.cfg.SupportContact)
	job.CompletedAt = o.now().UTC()
	job.UpdatedAt = job.CompletedAt

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.UpdateJob(ctx, job); err != nil {
		lg.Error().Err(err).Msg("job orphaned: could not record failure")
	}
}

// transition moves the job to next and persists it
func (o *Orchestrator) transition(ctx context.Context, lg zerolog.Logger, job *core.BuildJob, next core.JobState, status string) error {
	if !job.State.CanTransition(next) {
		return fmt.Errorf("illegal transition from %s to %s", job.State, next)
	}
	job.State = next
	job.Status = status
	job.UpdatedAt = o.now().UTC()
	if next == core.StateComplete {
		job.CompletedAt = job.UpdatedAt
	}
	if err := o.store.UpdateJob(ctx, *job); err != nil {
		return err
	}
	lg.Info().Str("state", string(next)).Msg(status)
	return nil
}

// setStatus updates the status message without changing state
func (o *Orchestrator) setStatus(ctx context.Context, job *core.BuildJob, status string) error {
	job.Status = status
	job.UpdatedAt = o.now().UTC()
	return o.store.UpdateJob(ctx, *job)
}

// run executes the state machine for one job
func (o *Orchestrator) run(ctx context.Context, lg zerolog.Logger, job *core.BuildJob) error {
	// prep
	if err := o.setStatus(ctx, job, "Preparing data for indexing."); err != nil {
		return err
	}
	set, err := o.store.FetchVectors(ctx, job.CollectionID)
	if err != nil {
		return err
	}
	if err := set.Validate(); err != nil {
		return err
	}
	job.Count = set.Len()
	job.Dimension = set.Dimension

	if job.TargetRecall != 0 {
		if err := o.setStatus(ctx, job, "Autoselecting index parameters."); err != nil {
			return err
		}
		res, err := o.opt.Optimize(ctx, job.Dimension, job.Count, job.TargetRecall)
		if err != nil {
			return err
		}
		job.Params = res.Params(job.Params.Metric)
		pred := res.Prediction
		job.Predicted = &pred
		job.EstimatedCompletion = o.now().UTC().Add(time.Duration(pred.BuildSeconds * float64(time.Second)))
	}
	if job.Params.EfSearch == 0 {
		job.Params.EfSearch = job.Params.EfConstruction
	}

	// indexing
	status := fmt.Sprintf("Index build of %d (dimension %d) vectors in progress.", job.Count, job.Dimension)
	if err := o.transition(ctx, lg, job, core.StateIndexing, status); err != nil {
		return err
	}
	buildStart := o.now()
	idx, err := index.BuildHNSW(ctx, set, job.Params, index.BuildOptions{Workers: o.cfg.BuildWorkers})
	if err != nil {
		return err
	}
	buildSeconds := o.now().Sub(buildStart).Seconds()

	// saving
	if err := o.transition(ctx, lg, job, core.StateSaving, "Saving index."); err != nil {
		return err
	}
	data, err := idx.SerializeWith(o.compression)
	if err != nil {
		return err
	}
	job.ArtifactBytes = int64(len(data))
	job.ArtifactChecksum = fmt.Sprintf("%016x", xxhash.Sum64(data))
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.objects.Put(ctx, job.ArtifactKey, data); err != nil {
		return core.Persistencef(err, "store artifact %s", job.ArtifactKey)
	}
	lg.Info().
		Str("key", job.ArtifactKey).
		Str("size", humanize.IBytes(uint64(len(data)))).
		Str("xxhash", job.ArtifactChecksum).
		Str("compression", o.compression.String()).
		Msg("artifact saved")

	// testing
	if err := o.transition(ctx, lg, job, core.StateTesting, "Testing index recall."); err != nil {
		return err
	}
	if _, err := o.tester.Run(ctx, *job, idx, set, job.Params.EfSearch/2); err != nil {
		return err
	}

	// complete
	status = fmt.Sprintf("Index build of %d (dimension %d) vectors completed in %.1f seconds generating %s index.",
		job.Count, job.Dimension, buildSeconds, humanize.IBytes(uint64(len(data))))
	if job.Predicted != nil && !job.Predicted.MetTarget {
		status += fmt.Sprintf(" No parameters were predicted to reach recall %.3f; built with the best prediction (%.3f).",
			job.TargetRecall, job.Predicted.Recall)
	}
	return o.transition(ctx, lg, job, core.StateComplete, status)
}

// GetJob returns the current record of a job
func (o *Orchestrator) GetJob(ctx context.Context, id string) (core.BuildJob, error) {
	return o.store.GetJob(ctx, id)
}

// ListJobs returns the jobs of a collection, optionally only for one tag
func (o *Orchestrator) ListJobs(ctx context.Context, collectionID, tag string) ([]core.BuildJob, error) {
	if _, err := o.store.LoadCollection(ctx, collectionID); err != nil {
		return nil, err
	}
	return o.store.ListJobs(ctx, collectionID, tag)
}

// TestResults returns a job's test results by increasing ef_search
func (o *Orchestrator) TestResults(ctx context.Context, jobID string) ([]core.TestResult, error) {
	if _, err := o.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.ListTestResults(ctx, jobID)
}

// Stats reports the worker pool state
func (o *Orchestrator) Stats() PoolStats {
	return o.pool.Stats()
}

// SweepOrphans fails non-terminal jobs that are not running in this
// process and whose estimated completion is more than grace in the past.
// It returns the number of jobs marked failed.
func (o *Orchestrator) SweepOrphans(ctx context.Context, grace time.Duration) (int, error) {
	if grace <= 0 {
		grace = o.cfg.OrphanGrace
	}
	jobs, err := o.store.ListAllJobs(ctx)
	if err != nil {
		return 0, err
	}

	now := o.now()
	swept := 0
	for _, job := range jobs {
		if job.State.Terminal() || now.Before(job.EstimatedCompletion.Add(grace)) {
			continue
		}
		o.mu.Lock()
		_, live := o.runs[job.ID]
		o.mu.Unlock()
		if live {
			continue
		}

		job.State = core.StateFailed
		job.Status = fmt.Sprintf("Index %s failed to build. Please contact %s", job.ID, o.cfg.SupportContact)
		job.CompletedAt = now.UTC()
		job.UpdatedAt = job.CompletedAt
		if err := o.store.UpdateJob(ctx, job); err != nil {
			return swept, err
		}
		swept++
		o.lg.Warn().Str("job_id", job.ID).Time("estimated_completion", job.EstimatedCompletion).Msg("orphaned build marked failed")
	}
	return swept, nil
}

// Close cancels running builds, lets queued ones fail fast and waits for
// the workers to exit
func (o *Orchestrator) Close() {
	o.stop(core.ErrPoolClosed)
	o.pool.Close()
	o.abandoned.Wait()
}
