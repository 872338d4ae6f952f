package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiggy-ai/jiggy-ann-api/blobstore"
	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/orchestrator"
	"github.com/jiggy-ai/jiggy-ann-api/persistence"
	"github.com/jiggy-ai/jiggy-ann-api/tester"
)

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	store := persistence.NewMemoryStore()
	objects := blobstore.NewMemoryStore()
	tst := tester.New(zerolog.Nop(), store, tester.Config{Seed: 1, TestElements: 50})

	builds, err := orchestrator.New(zerolog.Nop(), store, objects, nil, tst, orchestrator.Config{Workers: 1, QueueSize: 4})
	require.NoError(t, err)
	t.Cleanup(builds.Close)

	return NewServer(zerolog.Nop(), store, builds, objects, cfg)
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func uploadRandom(t *testing.T, s *Server, collection string, n, dim int) {
	t.Helper()
	rng := rand.New(rand.NewSource(9))
	req := BatchVectorRequest{Vectors: make([]VectorRequest, n)}
	for i := range req.Vectors {
		values := make([]float32, dim)
		for j := range values {
			values[j] = rng.Float32()
		}
		req.Vectors[i] = VectorRequest{VectorID: uint64(i + 1), Vector: values}
	}
	rr := do(t, s, "POST", "/collections/"+collection+"/vectors", req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestHealthAndStats(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())

	rr := do(t, s, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var health HealthResponse
	decode(t, rr, &health)
	assert.Equal(t, "healthy", health.Status)

	rr = do(t, s, "GET", "/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats StatsResponse
	decode(t, rr, &stats)
	assert.Equal(t, 1, stats.Builds.Workers)
	assert.Equal(t, 0, stats.Collections)
}

func TestCollectionEndpoints(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())

	rr := do(t, s, "POST", "/collections", CreateCollectionRequest{ID: "docs", Name: "Docs"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, s, "POST", "/collections", CreateCollectionRequest{ID: "docs"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, s, "POST", "/collections", CreateCollectionRequest{ID: "-docs"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, "POST", "/collections/docs/vectors/5", VectorRequest{Vector: []float32{1, 0, 0}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, s, "POST", "/collections/docs/vectors", BatchVectorRequest{Vectors: []VectorRequest{
		{VectorID: 6, Vector: []float32{0, 1, 0}},
		{VectorID: 7, Vector: []float32{0, 0, 1}},
	}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var batch BatchVectorResponse
	decode(t, rr, &batch)
	assert.Equal(t, 3, batch.Count)

	// the first upload fixed the dimension
	rr = do(t, s, "POST", "/collections/docs/vectors/8", VectorRequest{Vector: []float32{1, 2}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, "POST", "/collections/docs/vectors/x", VectorRequest{Vector: []float32{1, 2, 3}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, "POST", "/collections/nope/vectors", BatchVectorRequest{Vectors: []VectorRequest{{VectorID: 1, Vector: []float32{1}}}})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s, "GET", "/collections/docs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var c core.Collection
	decode(t, rr, &c)
	assert.Equal(t, 3, c.Dimension)
	assert.Equal(t, "Docs", c.Name)

	rr = do(t, s, "GET", "/collections", nil)
	var list CollectionsResponse
	decode(t, rr, &list)
	assert.Len(t, list.Items, 1)

	rr = do(t, s, "DELETE", "/collections/docs", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, s, "GET", "/collections/docs", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestIndexLifecycle(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())
	do(t, s, "POST", "/collections", CreateCollectionRequest{ID: "docs"})
	uploadRandom(t, s, "docs", 300, 16)

	rr := do(t, s, "POST", "/collections/docs/index", IndexRequest{Tag: "prod", M: 8, EfConstruction: 32})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var created IndexResponse
	decode(t, rr, &created)
	assert.Equal(t, core.StatePrep, created.State)
	assert.Equal(t, "docs:prod", created.Name)
	assert.Empty(t, created.URL)

	var job IndexResponse
	require.Eventually(t, func() bool {
		rr := do(t, s, "GET", "/collections/docs/index/"+created.ID, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		job = IndexResponse{}
		decode(t, rr, &job)
		return job.State.Terminal()
	}, time.Minute, 20*time.Millisecond)
	require.Equal(t, core.StateComplete, job.State, job.Status)
	assert.True(t, strings.HasPrefix(job.URL, "memory://"), job.URL)

	rr = do(t, s, "GET", "/collections/docs/index?tag=prod", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list IndexesResponse
	decode(t, rr, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, created.ID, list.Items[0].ID)
	assert.NotEmpty(t, list.Items[0].URL)

	rr = do(t, s, "GET", "/collections/docs/index?tag=other", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s, "GET", fmt.Sprintf("/collections/docs/index/%s/tests", created.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var tests IndexTestsResponse
	decode(t, rr, &tests)
	require.NotEmpty(t, tests.Items)
	assert.Equal(t, 16, tests.Items[0].EfSearch)

	// a job is only visible under its own collection
	do(t, s, "POST", "/collections", CreateCollectionRequest{ID: "other"})
	rr = do(t, s, "GET", "/collections/other/index/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateIndexValidation(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())
	do(t, s, "POST", "/collections", CreateCollectionRequest{ID: "docs"})

	// no vectors yet
	rr := do(t, s, "POST", "/collections/docs/index", IndexRequest{M: 8, EfConstruction: 32})
	assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())

	uploadRandom(t, s, "docs", 20, 4)

	cases := []IndexRequest{
		{Tag: "prod"},
		{Tag: "prod", M: 8, EfConstruction: 32, Metric: "hamming"},
		{Tag: "prod", M: 8, EfConstruction: 32, TargetLibrary: "faiss"},
		{Tag: "bad_tag", M: 8, EfConstruction: 32},
		{Tag: "prod", M: 8, EfConstruction: 5},
		{Tag: "prod", TargetRecall: 0.9}, // no models loaded
	}
	for _, c := range cases {
		rr := do(t, s, "POST", "/collections/docs/index", c)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "%+v: %s", c, rr.Body.String())
	}

	rr = do(t, s, "POST", "/collections/missing/index", IndexRequest{M: 8, EfConstruction: 32})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubmitThrottle(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.SubmitRate = 0.01
	cfg.SubmitBurst = 1
	s := newTestServer(t, cfg)

	rr := do(t, s, "POST", "/collections/none/index", IndexRequest{M: 8, EfConstruction: 32})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s, "POST", "/collections/none/index", IndexRequest{M: 8, EfConstruction: 32})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "100", rr.Header().Get("Retry-After"))

	// reads are not throttled
	rr = do(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(core.Validationf("x")))
	assert.Equal(t, http.StatusBadRequest, statusFor(core.ErrInvalidParameter))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("job x: %w", core.ErrNotFound)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(core.ErrQueueFull))
	assert.Equal(t, http.StatusInternalServerError, statusFor(core.Persistencef(fmt.Errorf("disk"), "write")))
}

func TestServerConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultServerConfig().Validate())
	cfg := DefaultServerConfig()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestDocs(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())

	rr := do(t, s, "GET", "/docs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")

	rr = do(t, s, "GET", "/openapi.json", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var doc struct {
		OpenAPI string                 `json:"openapi"`
		Paths   map[string]interface{} `json:"paths"`
	}
	decode(t, rr, &doc)
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Contains(t, doc.Paths, "/collections/{collection}/index")
}
