package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	testStoreOperations(t, store)
}

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.bolt"), BoltOptions{})
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir(), BadgerOptions{})
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
	assert.NoError(t, store.RunGC())
}

func TestBadgerStoreInMemory(t *testing.T) {
	store, err := NewBadgerStore("", BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
	assert.NoError(t, store.RunGC())
}

func TestBoltStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.bolt")

	store, err := NewBoltStore(path, BoltOptions{})
	require.NoError(t, err)
	require.NoError(t, store.SaveCollection(ctx, core.Collection{ID: "docs"}))
	require.NoError(t, store.SaveVectors(ctx, "docs", []core.Vector{{ID: 7, Values: []float32{1, 2}}}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(path, BoltOptions{})
	require.NoError(t, err)
	defer store.Close()

	set, err := store.FetchVectors(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, set.IDs())
	assert.Equal(t, 2, set.Dimension)
}

func TestOpenSelectsBackend(t *testing.T) {
	store, err := Open(DefaultConfig(PersistenceMemory, ""))
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = Open(DefaultConfig(PersistenceBolt, filepath.Join(t.TempDir(), "x.bolt")))
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(Config{Type: PersistenceBolt})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = Open(Config{Type: "postgres"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

// testStoreOperations runs the same suite on any store implementation
func testStoreOperations(t *testing.T, store core.Store) {
	ctx := context.Background()

	t.Run("collections", func(t *testing.T) {
		require.NoError(t, store.SaveCollection(ctx, core.Collection{ID: "alpha", Name: "Alpha"}))
		require.NoError(t, store.SaveCollection(ctx, core.Collection{ID: "beta", Name: "Beta", Dimension: 3}))

		c, err := store.LoadCollection(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, "Alpha", c.Name)
		assert.False(t, c.CreatedAt.IsZero())

		all, err := store.LoadCollections(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "alpha", all[0].ID)

		_, err = store.LoadCollection(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrNotFound)

		assert.ErrorIs(t, store.SaveCollection(ctx, core.Collection{ID: "-bad-"}), core.ErrValidation)
	})

	t.Run("vectors", func(t *testing.T) {
		batch := []core.Vector{
			{ID: 300, Values: []float32{0, 0, 1}},
			{ID: 2, Values: []float32{1, 0, 0}},
			{ID: 70000, Values: []float32{0, 1, 0}},
		}
		require.NoError(t, store.SaveVectors(ctx, "alpha", batch))

		// the dimension is fixed by the first upload
		c, err := store.LoadCollection(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, 3, c.Dimension)
		assert.Equal(t, 3, c.Count)

		// upsert one, add one
		require.NoError(t, store.SaveVectors(ctx, "alpha", []core.Vector{
			{ID: 2, Values: []float32{0.5, 0.5, 0}},
			{ID: 5, Values: []float32{1, 1, 1}},
		}))
		set, err := store.FetchVectors(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, 3, set.Dimension)
		assert.Equal(t, []uint64{2, 5, 300, 70000}, set.IDs())
		assert.Equal(t, []float32{0.5, 0.5, 0}, set.Vectors[0].Values)

		c, err = store.LoadCollection(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, 4, c.Count)

		err = store.SaveVectors(ctx, "alpha", []core.Vector{{ID: 9, Values: []float32{1, 2}}})
		assert.ErrorIs(t, err, core.ErrValidation)
		err = store.SaveVectors(ctx, "alpha", []core.Vector{{ID: 9, Values: []float32{1, 2, 3}}, {ID: 9, Values: []float32{1, 2, 3}}})
		assert.ErrorIs(t, err, core.ErrValidation)
		err = store.SaveVectors(ctx, "missing", batch)
		assert.ErrorIs(t, err, core.ErrNotFound)

		// fixed dimension cannot change once vectors exist
		err = store.SaveCollection(ctx, core.Collection{ID: "alpha", Dimension: 8})
		assert.ErrorIs(t, err, core.ErrValidation)

		empty, err := store.FetchVectors(ctx, "beta")
		require.NoError(t, err)
		assert.Equal(t, 0, empty.Len())
		assert.Equal(t, 3, empty.Dimension)
	})

	t.Run("jobs", func(t *testing.T) {
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		jobs := []core.BuildJob{
			{ID: "j2", CollectionID: "alpha", Tag: "prod", State: core.StatePrep, CreatedAt: base.Add(time.Minute)},
			{ID: "j1", CollectionID: "alpha", Tag: "dev", State: core.StatePrep, CreatedAt: base},
			{ID: "j3", CollectionID: "beta", Tag: "prod", State: core.StatePrep, CreatedAt: base},
		}
		for _, job := range jobs {
			require.NoError(t, store.CreateJob(ctx, job))
		}
		assert.ErrorIs(t, store.CreateJob(ctx, jobs[0]), core.ErrPersistence)
		assert.ErrorIs(t, store.CreateJob(ctx, core.BuildJob{ID: "x"}), core.ErrValidation)

		listed, err := store.ListJobs(ctx, "alpha", "")
		require.NoError(t, err)
		require.Len(t, listed, 2)
		assert.Equal(t, "j1", listed[0].ID)

		listed, err = store.ListJobs(ctx, "alpha", "prod")
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "j2", listed[0].ID)

		all, err := store.ListAllJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		j := jobs[0]
		j.State = core.StateIndexing
		j.Predicted = &core.Prediction{Recall: 0.97, IndexBytes: 1 << 20}
		require.NoError(t, store.UpdateJob(ctx, j))
		got, err := store.GetJob(ctx, "j2")
		require.NoError(t, err)
		assert.Equal(t, core.StateIndexing, got.State)
		require.NotNil(t, got.Predicted)
		assert.Equal(t, int64(1<<20), got.Predicted.IndexBytes)
		assert.True(t, got.CreatedAt.Equal(j.CreatedAt))

		assert.ErrorIs(t, store.UpdateJob(ctx, core.BuildJob{ID: "nope", CollectionID: "alpha"}), core.ErrNotFound)

		require.NoError(t, store.DeleteJob(ctx, "j3"))
		require.NoError(t, store.DeleteJob(ctx, "j3"))
		_, err = store.GetJob(ctx, "j3")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("test results", func(t *testing.T) {
		for _, ef := range []int{40, 10, 20, 40} {
			require.NoError(t, store.AppendTestResult(ctx, core.TestResult{JobID: "j2", EfSearch: ef, Recall: float64(ef) / 100}))
		}
		require.NoError(t, store.AppendTestResult(ctx, core.TestResult{JobID: "j1", EfSearch: 5}))

		results, err := store.ListTestResults(ctx, "j2")
		require.NoError(t, err)
		require.Len(t, results, 4)
		var efs []int
		for _, r := range results {
			efs = append(efs, r.EfSearch)
		}
		assert.Equal(t, []int{10, 20, 40, 40}, efs)

		require.NoError(t, store.DeleteTestResults(ctx, "j2"))
		results, err = store.ListTestResults(ctx, "j2")
		require.NoError(t, err)
		assert.Empty(t, results)

		// other jobs are untouched
		results, err = store.ListTestResults(ctx, "j1")
		require.NoError(t, err)
		assert.Len(t, results, 1)

		assert.ErrorIs(t, store.AppendTestResult(ctx, core.TestResult{}), core.ErrValidation)
	})

	t.Run("delete collection", func(t *testing.T) {
		require.NoError(t, store.DeleteCollection(ctx, "alpha"))
		_, err := store.FetchVectors(ctx, "alpha")
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.ErrorIs(t, store.DeleteCollection(ctx, "alpha"), core.ErrNotFound)

		// recreating starts from an empty vector set
		require.NoError(t, store.SaveCollection(ctx, core.Collection{ID: "alpha"}))
		set, err := store.FetchVectors(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, 0, set.Len())
	})
}
