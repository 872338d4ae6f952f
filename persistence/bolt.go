package persistence

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

const (
	// Bucket names
	collectionsBucket   = "collections"
	jobsBucket          = "jobs"
	testResultsBucket   = "test_results"
	vectorsBucketPrefix = "vectors_"
)

// BoltStore implements core.Store using BoltDB. Metadata is stored as JSON,
// vector components as msgpack keyed by big-endian id.
type BoltStore struct {
	db   *bbolt.DB
	path string
	now  func() time.Time
}

// NewBoltStore opens (or creates) a BoltDB file at dbPath
func NewBoltStore(dbPath string, opts BoltOptions) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, core.Persistencef(err, "create directory for %s", dbPath)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, core.Persistencef(err, "open BoltDB at %s", dbPath)
	}

	store := &BoltStore{db: db, path: dbPath, now: time.Now}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) initBuckets() error {
	return b.update(func(tx *bbolt.Tx) error {
		for _, name := range []string{collectionsBucket, jobsBucket, testResultsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	}, "initialize buckets")
}

// update runs fn in a write transaction, keeping validation and not-found
// errors as they are and wrapping everything else as a persistence failure
func (b *BoltStore) update(fn func(tx *bbolt.Tx) error, op string) error {
	return wrapTx(b.db.Update(fn), op)
}

func (b *BoltStore) view(fn func(tx *bbolt.Tx) error, op string) error {
	return wrapTx(b.db.View(fn), op)
}

func vectorsBucket(collectionID string) []byte {
	return []byte(vectorsBucketPrefix + collectionID)
}

// SaveCollection creates or updates a collection
func (b *BoltStore) SaveCollection(ctx context.Context, collection core.Collection) error {
	if err := validateCollection(collection); err != nil {
		return err
	}

	return b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collectionsBucket))
		if data := bucket.Get([]byte(collection.ID)); data != nil {
			var prev core.Collection
			if err := json.Unmarshal(data, &prev); err != nil {
				return fmt.Errorf("failed to unmarshal collection %s: %w", collection.ID, err)
			}
			if err := mergeCollection(&collection, prev); err != nil {
				return err
			}
		}
		touch(&collection, b.now().UTC())
		return putJSON(bucket, []byte(collection.ID), collection)
	}, "save collection "+collection.ID)
}

// LoadCollection retrieves collection metadata
func (b *BoltStore) LoadCollection(ctx context.Context, id string) (core.Collection, error) {
	var collection core.Collection
	err := b.view(func(tx *bbolt.Tx) error {
		var err error
		collection, err = loadCollection(tx, id)
		return err
	}, "load collection "+id)
	return collection, err
}

func loadCollection(tx *bbolt.Tx, id string) (core.Collection, error) {
	var collection core.Collection
	data := tx.Bucket([]byte(collectionsBucket)).Get([]byte(id))
	if data == nil {
		return collection, notFound("collection", id)
	}
	if err := json.Unmarshal(data, &collection); err != nil {
		return collection, fmt.Errorf("failed to unmarshal collection %s: %w", id, err)
	}
	return collection, nil
}

// LoadCollections retrieves all collection metadata ordered by id
func (b *BoltStore) LoadCollections(ctx context.Context) ([]core.Collection, error) {
	var collections []core.Collection
	err := b.view(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(collectionsBucket)).ForEach(func(k, v []byte) error {
			var collection core.Collection
			if err := json.Unmarshal(v, &collection); err != nil {
				return fmt.Errorf("failed to unmarshal collection %s: %w", string(k), err)
			}
			collections = append(collections, collection)
			return nil
		})
	}, "load collections")
	return collections, err
}

// DeleteCollection removes a collection and all its vectors
func (b *BoltStore) DeleteCollection(ctx context.Context, id string) error {
	return b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collectionsBucket))
		if bucket.Get([]byte(id)) == nil {
			return notFound("collection", id)
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete collection metadata: %w", err)
		}
		if err := tx.DeleteBucket(vectorsBucket(id)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete vectors bucket: %w", err)
		}
		return nil
	}, "delete collection "+id)
}

// SaveVectors upserts vectors in a single transaction and refreshes the
// collection count
func (b *BoltStore) SaveVectors(ctx context.Context, collectionID string, vectors []core.Vector) error {
	return b.update(func(tx *bbolt.Tx) error {
		collection, err := loadCollection(tx, collectionID)
		if err != nil {
			return err
		}
		if err := prepareVectors(&collection, vectors); err != nil {
			return err
		}

		bucket, err := tx.CreateBucketIfNotExists(vectorsBucket(collectionID))
		if err != nil {
			return fmt.Errorf("failed to create vectors bucket: %w", err)
		}
		added := 0
		for _, vec := range vectors {
			key := idKey(vec.ID)
			if bucket.Get(key) == nil {
				added++
			}
			data, err := msgpack.Marshal(vec.Values)
			if err != nil {
				return fmt.Errorf("failed to marshal vector %d: %w", vec.ID, err)
			}
			if err := bucket.Put(key, data); err != nil {
				return fmt.Errorf("failed to store vector %d: %w", vec.ID, err)
			}
		}

		collection.Count += added
		touch(&collection, b.now().UTC())
		return putJSON(tx.Bucket([]byte(collectionsBucket)), []byte(collectionID), collection)
	}, "save vectors to "+collectionID)
}

// FetchVectors reads the collection's vectors in id order within one
// read transaction
func (b *BoltStore) FetchVectors(ctx context.Context, collectionID string) (core.VectorSet, error) {
	var set core.VectorSet
	err := b.view(func(tx *bbolt.Tx) error {
		collection, err := loadCollection(tx, collectionID)
		if err != nil {
			return err
		}
		set.Dimension = collection.Dimension
		bucket := tx.Bucket(vectorsBucket(collectionID))
		if bucket == nil {
			return nil
		}
		set.Vectors = make([]core.Vector, 0, collection.Count)
		return bucket.ForEach(func(k, v []byte) error {
			vec := core.Vector{ID: binary.BigEndian.Uint64(k)}
			if err := msgpack.Unmarshal(v, &vec.Values); err != nil {
				return fmt.Errorf("failed to unmarshal vector %d: %w", vec.ID, err)
			}
			set.Vectors = append(set.Vectors, vec)
			return nil
		})
	}, "fetch vectors of "+collectionID)
	return set, err
}

// CreateJob stores a new job
func (b *BoltStore) CreateJob(ctx context.Context, job core.BuildJob) error {
	if err := validateJob(job); err != nil {
		return err
	}
	return b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket.Get([]byte(job.ID)) != nil {
			return errJobExists
		}
		return putJSON(bucket, []byte(job.ID), job)
	}, "create job "+job.ID)
}

// UpdateJob replaces a stored job
func (b *BoltStore) UpdateJob(ctx context.Context, job core.BuildJob) error {
	return b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket.Get([]byte(job.ID)) == nil {
			return notFound("job", job.ID)
		}
		return putJSON(bucket, []byte(job.ID), job)
	}, "update job "+job.ID)
}

// GetJob retrieves a job by id
func (b *BoltStore) GetJob(ctx context.Context, id string) (core.BuildJob, error) {
	var job core.BuildJob
	err := b.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(jobsBucket)).Get([]byte(id))
		if data == nil {
			return notFound("job", id)
		}
		return json.Unmarshal(data, &job)
	}, "get job "+id)
	return job, err
}

// ListJobs returns a collection's jobs ordered by creation time
func (b *BoltStore) ListJobs(ctx context.Context, collectionID, tag string) ([]core.BuildJob, error) {
	return b.listJobs(func(job core.BuildJob) bool { return matchJob(job, collectionID, tag) })
}

// ListAllJobs returns every job ordered by creation time
func (b *BoltStore) ListAllJobs(ctx context.Context) ([]core.BuildJob, error) {
	return b.listJobs(func(core.BuildJob) bool { return true })
}

func (b *BoltStore) listJobs(keep func(core.BuildJob) bool) ([]core.BuildJob, error) {
	var jobs []core.BuildJob
	err := b.view(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(k, v []byte) error {
			var job core.BuildJob
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", string(k), err)
			}
			if keep(job) {
				jobs = append(jobs, job)
			}
			return nil
		})
	}, "list jobs")
	sortJobs(jobs)
	return jobs, err
}

// DeleteJob removes a job. Deleting a missing job is not an error.
func (b *BoltStore) DeleteJob(ctx context.Context, id string) error {
	return b.update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).Delete([]byte(id))
	}, "delete job "+id)
}

// AppendTestResult records one test step in the job's results bucket
func (b *BoltStore) AppendTestResult(ctx context.Context, result core.TestResult) error {
	if result.JobID == "" {
		return core.Validationf("test result has no job id")
	}
	return b.update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(testResultsBucket)).CreateBucketIfNotExists([]byte(result.JobID))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(bucket, resultKey(result.EfSearch, seq), result)
	}, "append test result for "+result.JobID)
}

// ListTestResults returns a job's results ordered by ef_search. The key
// layout already sorts them.
func (b *BoltStore) ListTestResults(ctx context.Context, jobID string) ([]core.TestResult, error) {
	var results []core.TestResult
	err := b.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(testResultsBucket)).Bucket([]byte(jobID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var result core.TestResult
			if err := json.Unmarshal(v, &result); err != nil {
				return fmt.Errorf("failed to unmarshal test result: %w", err)
			}
			results = append(results, result)
			return nil
		})
	}, "list test results for "+jobID)
	return results, err
}

// DeleteTestResults removes all results of a job
func (b *BoltStore) DeleteTestResults(ctx context.Context, jobID string) error {
	return b.update(func(tx *bbolt.Tx) error {
		err := tx.Bucket([]byte(testResultsBucket)).DeleteBucket([]byte(jobID))
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		return nil
	}, "delete test results for "+jobID)
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func putJSON(bucket *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", string(key), err)
	}
	return bucket.Put(key, data)
}
