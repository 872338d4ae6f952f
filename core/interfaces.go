package core

import "context"

// VectorStore holds collections and their vectors
type VectorStore interface {
	// FetchVectors returns a consistent snapshot of a collection's vectors
	FetchVectors(ctx context.Context, collectionID string) (VectorSet, error)

	SaveCollection(ctx context.Context, collection Collection) error
	LoadCollection(ctx context.Context, id string) (Collection, error)
	LoadCollections(ctx context.Context) ([]Collection, error)
	DeleteCollection(ctx context.Context, id string) error

	// SaveVectors upserts vectors and refreshes the collection count
	SaveVectors(ctx context.Context, collectionID string, vectors []Vector) error
}

// MetadataStore persists build jobs and their test results
type MetadataStore interface {
	CreateJob(ctx context.Context, job BuildJob) error
	UpdateJob(ctx context.Context, job BuildJob) error
	GetJob(ctx context.Context, id string) (BuildJob, error)
	// ListJobs returns the jobs of a collection; an empty tag matches all tags
	ListJobs(ctx context.Context, collectionID, tag string) ([]BuildJob, error)
	// ListAllJobs returns every job in the store
	ListAllJobs(ctx context.Context) ([]BuildJob, error)
	DeleteJob(ctx context.Context, id string) error

	AppendTestResult(ctx context.Context, result TestResult) error
	// ListTestResults returns results ordered by increasing EfSearch
	ListTestResults(ctx context.Context, jobID string) ([]TestResult, error)
	DeleteTestResults(ctx context.Context, jobID string) error
}

// Store is a backend that serves both vectors and build metadata
type Store interface {
	VectorStore
	MetadataStore
	Close() error
}

// ObjectStore persists index artifacts
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
