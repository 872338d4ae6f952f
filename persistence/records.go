package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// validateCollection checks the fields every backend relies on
func validateCollection(c core.Collection) error {
	if err := core.ValidateName(c.ID, "collection id"); err != nil {
		return err
	}
	if c.Dimension < 0 {
		return core.Validationf("collection %s has negative dimension %d", c.ID, c.Dimension)
	}
	return nil
}

// prepareVectors fixes the collection dimension from the first vector when
// it is still unset and checks every vector against it. Duplicate ids in
// one batch are a validation error.
func prepareVectors(c *core.Collection, vectors []core.Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	if c.Dimension == 0 {
		c.Dimension = len(vectors[0].Values)
	}
	seen := make(map[uint64]struct{}, len(vectors))
	for _, vec := range vectors {
		if err := core.ValidateVector(vec, c.Dimension); err != nil {
			return err
		}
		if _, dup := seen[vec.ID]; dup {
			return core.Validationf("duplicate vector id %d in batch", vec.ID)
		}
		seen[vec.ID] = struct{}{}
	}
	return nil
}

var errJobExists = errors.New("job already exists")

// mergeCollection carries the stored creation time, count and dimension over
// to an update. The dimension is fixed once vectors exist.
func mergeCollection(c *core.Collection, prev core.Collection) error {
	if c.Dimension == 0 {
		c.Dimension = prev.Dimension
	}
	if prev.Count > 0 && c.Dimension != prev.Dimension {
		return core.Validationf("collection %s already holds vectors of dimension %d", c.ID, prev.Dimension)
	}
	c.CreatedAt = prev.CreatedAt
	c.Count = prev.Count
	return nil
}

// wrapTx passes validation and not-found errors through and marks anything
// else as a persistence failure
func wrapTx(err error, op string) error {
	if err == nil || errors.Is(err, core.ErrValidation) {
		return err
	}
	return core.Persistencef(err, "%s", op)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
}

func validateJob(job core.BuildJob) error {
	if job.ID == "" {
		return core.Validationf("job id is required")
	}
	if job.CollectionID == "" {
		return core.Validationf("job %s has no collection", job.ID)
	}
	return nil
}

// sortJobs orders jobs by creation time, then id
func sortJobs(jobs []core.BuildJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func matchJob(job core.BuildJob, collectionID, tag string) bool {
	return job.CollectionID == collectionID && (tag == "" || job.Tag == tag)
}

// sortResults orders results by EfSearch, keeping append order for ties
func sortResults(results []core.TestResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].EfSearch < results[j].EfSearch
	})
}

func copyVector(vec core.Vector) core.Vector {
	values := make([]float32, len(vec.Values))
	copy(values, vec.Values)
	return core.Vector{ID: vec.ID, Values: values}
}

// idKey encodes a vector id so byte order matches numeric order
func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// resultKey orders test results by ef_search, then by append sequence
func resultKey(ef int, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ef))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// touch bumps UpdatedAt and fills CreatedAt on first save
func touch(c *core.Collection, now time.Time) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}
