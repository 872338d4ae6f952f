package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// MemoryStore implements core.Store in memory (non-persistent)
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]core.Collection
	vectors     map[string]map[uint64]core.Vector // collection -> id -> vector
	jobs        map[string]core.BuildJob
	results     map[string][]core.TestResult // job id -> results in append order
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]core.Collection),
		vectors:     make(map[string]map[uint64]core.Vector),
		jobs:        make(map[string]core.BuildJob),
		results:     make(map[string][]core.TestResult),
		now:         time.Now,
	}
}

// SaveCollection creates or updates a collection
func (m *MemoryStore) SaveCollection(ctx context.Context, collection core.Collection) error {
	if err := validateCollection(collection); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.collections[collection.ID]; ok {
		if err := mergeCollection(&collection, prev); err != nil {
			return err
		}
	}
	touch(&collection, m.now().UTC())
	m.collections[collection.ID] = collection
	return nil
}

// LoadCollection retrieves collection metadata
func (m *MemoryStore) LoadCollection(ctx context.Context, id string) (core.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[id]
	if !ok {
		return core.Collection{}, notFound("collection", id)
	}
	return c, nil
}

// LoadCollections returns all collections ordered by id
func (m *MemoryStore) LoadCollections(ctx context.Context) ([]core.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.Collection, 0, len(m.collections))
	for _, c := range m.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteCollection removes a collection and its vectors
func (m *MemoryStore) DeleteCollection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[id]; !ok {
		return notFound("collection", id)
	}
	delete(m.collections, id)
	delete(m.vectors, id)
	return nil
}

// SaveVectors upserts vectors into an existing collection
func (m *MemoryStore) SaveVectors(ctx context.Context, collectionID string, vectors []core.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[collectionID]
	if !ok {
		return notFound("collection", collectionID)
	}
	if err := prepareVectors(&c, vectors); err != nil {
		return err
	}

	stored := m.vectors[collectionID]
	if stored == nil {
		stored = make(map[uint64]core.Vector, len(vectors))
		m.vectors[collectionID] = stored
	}
	for _, vec := range vectors {
		stored[vec.ID] = copyVector(vec)
	}
	c.Count = len(stored)
	touch(&c, m.now().UTC())
	m.collections[collectionID] = c
	return nil
}

// FetchVectors returns a copy of the collection's vectors ordered by id
func (m *MemoryStore) FetchVectors(ctx context.Context, collectionID string) (core.VectorSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[collectionID]
	if !ok {
		return core.VectorSet{}, notFound("collection", collectionID)
	}
	stored := m.vectors[collectionID]
	vectors := make([]core.Vector, 0, len(stored))
	for _, vec := range stored {
		vectors = append(vectors, copyVector(vec))
	}
	sort.Slice(vectors, func(i, j int) bool { return vectors[i].ID < vectors[j].ID })
	return core.VectorSet{Dimension: c.Dimension, Vectors: vectors}, nil
}

// CreateJob stores a new job. An existing id is a persistence failure.
func (m *MemoryStore) CreateJob(ctx context.Context, job core.BuildJob) error {
	if err := validateJob(job); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return core.Persistencef(errJobExists, "create job %s", job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

// UpdateJob replaces a stored job
func (m *MemoryStore) UpdateJob(ctx context.Context, job core.BuildJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; !ok {
		return notFound("job", job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

// GetJob retrieves a job by id
func (m *MemoryStore) GetJob(ctx context.Context, id string) (core.BuildJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return core.BuildJob{}, notFound("job", id)
	}
	return job, nil
}

// ListJobs returns a collection's jobs ordered by creation time
func (m *MemoryStore) ListJobs(ctx context.Context, collectionID, tag string) ([]core.BuildJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []core.BuildJob
	for _, job := range m.jobs {
		if matchJob(job, collectionID, tag) {
			jobs = append(jobs, job)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

// ListAllJobs returns every job ordered by creation time
func (m *MemoryStore) ListAllJobs(ctx context.Context) ([]core.BuildJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]core.BuildJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	sortJobs(jobs)
	return jobs, nil
}

// DeleteJob removes a job. Deleting a missing job is not an error.
func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

// AppendTestResult records one test step
func (m *MemoryStore) AppendTestResult(ctx context.Context, result core.TestResult) error {
	if result.JobID == "" {
		return core.Validationf("test result has no job id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.JobID] = append(m.results[result.JobID], result)
	return nil
}

// ListTestResults returns a job's results ordered by ef_search
func (m *MemoryStore) ListTestResults(ctx context.Context, jobID string) ([]core.TestResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.TestResult, len(m.results[jobID]))
	copy(out, m.results[jobID])
	sortResults(out)
	return out, nil
}

// DeleteTestResults removes all results of a job
func (m *MemoryStore) DeleteTestResults(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, jobID)
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
