package persistence

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

const (
	// Key prefixes for different data types
	collectionKeyPrefix = "c:"
	vectorKeyPrefix     = "v:"
	jobKeyPrefix        = "j:"
	resultKeyPrefix     = "t:"
	resultSequenceKey   = "s:test_results"

	// vectors written per transaction in SaveVectors
	badgerBatchSize = 1000
)

// BadgerStore implements core.Store using BadgerDB
type BadgerStore struct {
	db   *badger.DB
	path string
	seq  *badger.Sequence
	now  func() time.Time
}

// NewBadgerStore opens (or creates) a BadgerDB directory at dbPath. With
// opts.InMemory set the path is ignored.
func NewBadgerStore(dbPath string, opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, core.Persistencef(err, "create directory %s", dbPath)
		}
		bopts = badger.DefaultOptions(dbPath).WithSyncWrites(opts.SyncWrites)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, core.Persistencef(err, "open BadgerDB at %s", dbPath)
	}
	seq, err := db.GetSequence([]byte(resultSequenceKey), 100)
	if err != nil {
		db.Close()
		return nil, core.Persistencef(err, "open result sequence")
	}

	return &BadgerStore{db: db, path: dbPath, seq: seq, now: time.Now}, nil
}

func collectionKey(id string) []byte {
	return []byte(collectionKeyPrefix + id)
}

func vectorPrefix(collectionID string) []byte {
	return []byte(vectorKeyPrefix + collectionID + ":")
}

func vectorKey(collectionID string, id uint64) []byte {
	return append(vectorPrefix(collectionID), idKey(id)...)
}

func jobKey(id string) []byte {
	return []byte(jobKeyPrefix + id)
}

func resultPrefix(jobID string) []byte {
	return []byte(resultKeyPrefix + jobID + ":")
}

func (b *BadgerStore) update(fn func(txn *badger.Txn) error, op string) error {
	return wrapTx(b.db.Update(fn), op)
}

func (b *BadgerStore) view(fn func(txn *badger.Txn) error, op string) error {
	return wrapTx(b.db.View(fn), op)
}

// getJSON loads key into v, reporting a missing key as kind/id not found
func getJSON(txn *badger.Txn, key []byte, v interface{}, kind, id string) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound(kind, id)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", string(key), err)
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// iterate calls fn for every item under prefix in key order
func iterate(txn *badger.Txn, prefix []byte, values bool, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = values
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

// SaveCollection creates or updates a collection
func (b *BadgerStore) SaveCollection(ctx context.Context, collection core.Collection) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	return b.update(func(txn *badger.Txn) error {
		var prev core.Collection
		err := getJSON(txn, collectionKey(collection.ID), &prev, "collection", collection.ID)
		switch {
		case err == nil:
			if err := mergeCollection(&collection, prev); err != nil {
				return err
			}
		case !errors.Is(err, core.ErrNotFound):
			return err
		}
		touch(&collection, b.now().UTC())
		return setJSON(txn, collectionKey(collection.ID), collection)
	}, "save collection "+collection.ID)
}

// LoadCollection retrieves collection metadata
func (b *BadgerStore) LoadCollection(ctx context.Context, id string) (core.Collection, error) {
	var collection core.Collection
	err := b.view(func(txn *badger.Txn) error {
		return getJSON(txn, collectionKey(id), &collection, "collection", id)
	}, "load collection "+id)
	return collection, err
}

// LoadCollections retrieves all collection metadata ordered by id
func (b *BadgerStore) LoadCollections(ctx context.Context) ([]core.Collection, error) {
	var collections []core.Collection
	err := b.view(func(txn *badger.Txn) error {
		return iterate(txn, []byte(collectionKeyPrefix), true, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var collection core.Collection
				if err := json.Unmarshal(val, &collection); err != nil {
					return fmt.Errorf("failed to unmarshal collection: %w", err)
				}
				collections = append(collections, collection)
				return nil
			})
		})
	}, "load collections")
	return collections, err
}

// DeleteCollection removes the collection metadata, then its vectors
func (b *BadgerStore) DeleteCollection(ctx context.Context, id string) error {
	err := b.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, collectionKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return notFound("collection", id)
		}
		return txn.Delete(collectionKey(id))
	}, "delete collection "+id)
	if err != nil {
		return err
	}
	return b.dropPrefix(vectorPrefix(id), "drop vectors of "+id)
}

// dropPrefix deletes every key under prefix through a write batch, which
// splits the deletes over as many transactions as needed
func (b *BadgerStore) dropPrefix(prefix []byte, op string) error {
	var keys [][]byte
	err := b.view(func(txn *badger.Txn) error {
		return iterate(txn, prefix, false, func(item *badger.Item) error {
			keys = append(keys, item.KeyCopy(nil))
			return nil
		})
	}, op)
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return core.Persistencef(err, "%s", op)
		}
	}
	if err := wb.Flush(); err != nil {
		return core.Persistencef(err, "%s", op)
	}
	return nil
}

// SaveVectors upserts vectors in batches of badgerBatchSize. Each batch
// commits together with the refreshed collection count.
func (b *BadgerStore) SaveVectors(ctx context.Context, collectionID string, vectors []core.Vector) error {
	collection, err := b.LoadCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	if err := prepareVectors(&collection, vectors); err != nil {
		return err
	}
	dimension := collection.Dimension

	for start := 0; start < len(vectors) || start == 0; start += badgerBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+badgerBatchSize, len(vectors))
		batch := vectors[start:end]

		err := b.update(func(txn *badger.Txn) error {
			var c core.Collection
			if err := getJSON(txn, collectionKey(collectionID), &c, "collection", collectionID); err != nil {
				return err
			}
			if c.Dimension != 0 && c.Dimension != dimension {
				return core.Validationf("collection %s changed dimension to %d", collectionID, c.Dimension)
			}
			c.Dimension = dimension

			for _, vec := range batch {
				key := vectorKey(collectionID, vec.ID)
				ok, err := exists(txn, key)
				if err != nil {
					return err
				}
				if !ok {
					c.Count++
				}
				data, err := msgpack.Marshal(vec.Values)
				if err != nil {
					return fmt.Errorf("failed to marshal vector %d: %w", vec.ID, err)
				}
				if err := txn.Set(key, data); err != nil {
					return fmt.Errorf("failed to store vector %d: %w", vec.ID, err)
				}
			}
			touch(&c, b.now().UTC())
			return setJSON(txn, collectionKey(collectionID), c)
		}, "save vectors to "+collectionID)
		if err != nil {
			return err
		}
		if end == len(vectors) {
			break
		}
	}
	return nil
}

// FetchVectors reads the collection's vectors in id order from one snapshot
func (b *BadgerStore) FetchVectors(ctx context.Context, collectionID string) (core.VectorSet, error) {
	var set core.VectorSet
	err := b.view(func(txn *badger.Txn) error {
		var collection core.Collection
		if err := getJSON(txn, collectionKey(collectionID), &collection, "collection", collectionID); err != nil {
			return err
		}
		set.Dimension = collection.Dimension
		set.Vectors = make([]core.Vector, 0, collection.Count)

		prefix := vectorPrefix(collectionID)
		return iterate(txn, prefix, true, func(item *badger.Item) error {
			vec := core.Vector{ID: binary.BigEndian.Uint64(item.Key()[len(prefix):])}
			err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &vec.Values)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal vector %d: %w", vec.ID, err)
			}
			set.Vectors = append(set.Vectors, vec)
			return nil
		})
	}, "fetch vectors of "+collectionID)
	return set, err
}

// CreateJob stores a new job
func (b *BadgerStore) CreateJob(ctx context.Context, job core.BuildJob) error {
	if err := validateJob(job); err != nil {
		return err
	}
	return b.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, jobKey(job.ID))
		if err != nil {
			return err
		}
		if ok {
			return errJobExists
		}
		return setJSON(txn, jobKey(job.ID), job)
	}, "create job "+job.ID)
}

// UpdateJob replaces a stored job
func (b *BadgerStore) UpdateJob(ctx context.Context, job core.BuildJob) error {
	return b.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, jobKey(job.ID))
		if err != nil {
			return err
		}
		if !ok {
			return notFound("job", job.ID)
		}
		return setJSON(txn, jobKey(job.ID), job)
	}, "update job "+job.ID)
}

// GetJob retrieves a job by id
func (b *BadgerStore) GetJob(ctx context.Context, id string) (core.BuildJob, error) {
	var job core.BuildJob
	err := b.view(func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(id), &job, "job", id)
	}, "get job "+id)
	return job, err
}

// ListJobs returns a collection's jobs ordered by creation time
func (b *BadgerStore) ListJobs(ctx context.Context, collectionID, tag string) ([]core.BuildJob, error) {
	return b.listJobs(func(job core.BuildJob) bool { return matchJob(job, collectionID, tag) })
}

// ListAllJobs returns every job ordered by creation time
func (b *BadgerStore) ListAllJobs(ctx context.Context) ([]core.BuildJob, error) {
	return b.listJobs(func(core.BuildJob) bool { return true })
}

func (b *BadgerStore) listJobs(keep func(core.BuildJob) bool) ([]core.BuildJob, error) {
	var jobs []core.BuildJob
	err := b.view(func(txn *badger.Txn) error {
		return iterate(txn, []byte(jobKeyPrefix), true, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var job core.BuildJob
				if err := json.Unmarshal(val, &job); err != nil {
					return fmt.Errorf("failed to unmarshal job: %w", err)
				}
				if keep(job) {
					jobs = append(jobs, job)
				}
				return nil
			})
		})
	}, "list jobs")
	sortJobs(jobs)
	return jobs, err
}

// DeleteJob removes a job. Deleting a missing job is not an error.
func (b *BadgerStore) DeleteJob(ctx context.Context, id string) error {
	return b.update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(id))
	}, "delete job "+id)
}

// AppendTestResult records one test step
func (b *BadgerStore) AppendTestResult(ctx context.Context, result core.TestResult) error {
	if result.JobID == "" {
		return core.Validationf("test result has no job id")
	}
	seq, err := b.seq.Next()
	if err != nil {
		return core.Persistencef(err, "next result sequence")
	}
	key := append(resultPrefix(result.JobID), resultKey(result.EfSearch, seq)...)
	return b.update(func(txn *badger.Txn) error {
		return setJSON(txn, key, result)
	}, "append test result for "+result.JobID)
}

// ListTestResults returns a job's results ordered by ef_search
func (b *BadgerStore) ListTestResults(ctx context.Context, jobID string) ([]core.TestResult, error) {
	var results []core.TestResult
	err := b.view(func(txn *badger.Txn) error {
		return iterate(txn, resultPrefix(jobID), true, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var result core.TestResult
				if err := json.Unmarshal(val, &result); err != nil {
					return fmt.Errorf("failed to unmarshal test result: %w", err)
				}
				results = append(results, result)
				return nil
			})
		})
	}, "list test results for "+jobID)
	return results, err
}

// DeleteTestResults removes all results of a job
func (b *BadgerStore) DeleteTestResults(ctx context.Context, jobID string) error {
	return b.dropPrefix(resultPrefix(jobID), "delete test results for "+jobID)
}

// RunGC runs value log garbage collection until nothing is left to rewrite
func (b *BadgerStore) RunGC() error {
	for {
		err := b.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return core.Persistencef(err, "value log GC")
		}
	}
}

// Close releases the result sequence and closes the database
func (b *BadgerStore) Close() error {
	if b.seq != nil {
		if err := b.seq.Release(); err != nil {
			b.db.Close()
			return core.Persistencef(err, "release result sequence")
		}
	}
	return b.db.Close()
}
