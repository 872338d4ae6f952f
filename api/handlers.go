package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/orchestrator"
)

// Health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Version is reported by /health
var Version = "dev"

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	}
	s.respondWithJSON(w, http.StatusOK, response)
}

// StatsResponse describes the build pool
type StatsResponse struct {
	Uptime      string                 `json:"uptime"`
	Collections int                    `json:"collections"`
	Builds      orchestrator.PoolStats `json:"builds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	collections, err := s.store.LoadCollections(r.Context())
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, StatsResponse{
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Collections: len(collections),
		Builds:      s.builds.Stats(),
	})
}

// Collection request/response types
type CreateCollectionRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CollectionsResponse struct {
	Items []core.Collection `json:"items"`
}

// handleListCollections returns all collections
func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	collections, err := s.store.LoadCollections(r.Context())
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	if collections == nil {
		collections = []core.Collection{}
	}
	s.respondWithJSON(w, http.StatusOK, CollectionsResponse{Items: collections})
}

// handleCreateCollection creates an empty collection. Its dimension is
// fixed by the first vector upload.
func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req CreateCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	if err := core.ValidateName(req.ID, "collection id"); err != nil {
		s.respondWithErr(w, err)
		return
	}

	ctx := r.Context()
	if _, err := s.store.LoadCollection(ctx, req.ID); err == nil {
		s.respondWithError(w, http.StatusConflict, "collection "+req.ID+" already exists")
		return
	}
	if err := s.store.SaveCollection(ctx, core.Collection{ID: req.ID, Name: req.Name}); err != nil {
		s.respondWithErr(w, err)
		return
	}
	collection, err := s.store.LoadCollection(ctx, req.ID)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithJSON(w, http.StatusCreated, collection)
}

// handleGetCollection returns a specific collection
func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	collection, err := s.store.LoadCollection(r.Context(), mux.Vars(r)["collection"])
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, collection)
}

// handleDeleteCollection removes a collection, its vectors and its indexes
func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["collection"]
	if err := s.builds.DeleteCollection(r.Context(), id); err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{"message": "Collection " + id + " deleted"})
}

// Vector request/response types
type VectorRequest struct {
	VectorID uint64    `json:"vector_id"`
	Vector   []float32 `json:"vector"`
}

type BatchVectorRequest struct {
	Vectors []VectorRequest `json:"vectors"`
}

type VectorResponse struct {
	CollectionID string    `json:"collection_id"`
	VectorID     uint64    `json:"vector_id"`
	Vector       []float32 `json:"vector"`
}

type BatchVectorResponse struct {
	CollectionID string `json:"collection_id"`
	Added        int    `json:"added"`
	Count        int    `json:"count"`
}

// handleAddVector upserts one vector under the id in the path
func (s *Server) handleAddVector(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "vector id must be a non-negative integer")
		return
	}

	var req VectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	vec := core.Vector{ID: id, Values: req.Vector}
	if err := s.store.SaveVectors(r.Context(), vars["collection"], []core.Vector{vec}); err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, VectorResponse{CollectionID: vars["collection"], VectorID: id, Vector: req.Vector})
}

// handleAddVectorsBatch upserts a batch of vectors
func (s *Server) handleAddVectorsBatch(w http.ResponseWriter, r *http.Request) {
	collectionID := mux.Vars(r)["collection"]

	var req BatchVectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Vectors) == 0 {
		s.respondWithError(w, http.StatusBadRequest, "No vectors provided")
		return
	}

	vectors := make([]core.Vector, len(req.Vectors))
	for i, v := range req.Vectors {
		vectors[i] = core.Vector{ID: v.VectorID, Values: v.Vector}
	}

	ctx := r.Context()
	if err := s.store.SaveVectors(ctx, collectionID, vectors); err != nil {
		s.respondWithErr(w, err)
		return
	}
	collection, err := s.store.LoadCollection(ctx, collectionID)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithJSON(w, http.StatusCreated, BatchVectorResponse{
		CollectionID: collectionID,
		Added:        len(vectors),
		Count:        collection.Count,
	})
}

// IndexRequest asks for an index build. Either hnswlib_M and hnswlib_ef or
// target_recall must be given.
type IndexRequest struct {
	Tag            string  `json:"tag"`
	TargetLibrary  string  `json:"target_library,omitempty"`
	Metric         string  `json:"metric,omitempty"`
	M              int     `json:"hnswlib_M,omitempty"`
	EfConstruction int     `json:"hnswlib_ef,omitempty"`
	EfSearch       int     `json:"hnswlib_ef_search,omitempty"`
	TargetRecall   float64 `json:"target_recall,omitempty"`
}

// IndexResponse is a build job, with a download URL once the artifact exists
type IndexResponse struct {
	core.BuildJob
	URL string `json:"url,omitempty"`
}

type IndexesResponse struct {
	Items []IndexResponse `json:"items"`
}

type IndexTestsResponse struct {
	Items []core.TestResult `json:"items"`
}

// handleCreateIndex records a build and returns immediately
func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var req IndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Tag == "" {
		req.Tag = "latest"
	}
	if req.TargetLibrary != "" && req.TargetLibrary != "hnswlib" {
		s.respondWithError(w, http.StatusBadRequest, "target_library must be hnswlib")
		return
	}
	metric, err := core.ParseMetric(req.Metric)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	if req.TargetRecall == 0 && (req.M == 0 || req.EfConstruction == 0) {
		s.respondWithError(w, http.StatusBadRequest, "hnswlib_M and hnswlib_ef are required unless target_recall is set")
		return
	}

	job, err := s.builds.Submit(r.Context(), orchestrator.BuildRequest{
		CollectionID: mux.Vars(r)["collection"],
		Tag:          req.Tag,
		Params: core.BuildParameters{
			M:              req.M,
			EfConstruction: req.EfConstruction,
			EfSearch:       req.EfSearch,
			Metric:         metric,
		},
		TargetRecall: req.TargetRecall,
	})
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	s.respondWithJSON(w, http.StatusAccepted, IndexResponse{BuildJob: job})
}

// handleListIndexes lists the indexes of a collection, optionally by tag
func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobs, err := s.builds.ListJobs(ctx, mux.Vars(r)["collection"], r.URL.Query().Get("tag"))
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	if len(jobs) == 0 {
		s.respondWithError(w, http.StatusNotFound, "No matching index found.")
		return
	}

	items := make([]IndexResponse, len(jobs))
	for i, job := range jobs {
		items[i] = s.indexResponse(r, job)
	}
	s.respondWithJSON(w, http.StatusOK, IndexesResponse{Items: items})
}

// handleGetIndex returns one build job
func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFor(w, r)
	if !ok {
		return
	}
	s.respondWithJSON(w, http.StatusOK, s.indexResponse(r, job))
}

// handleIndexTests returns the recall tests of one build
func (s *Server) handleIndexTests(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFor(w, r)
	if !ok {
		return
	}
	results, err := s.builds.TestResults(r.Context(), job.ID)
	if err != nil {
		s.respondWithErr(w, err)
		return
	}
	if results == nil {
		results = []core.TestResult{}
	}
	s.respondWithJSON(w, http.StatusOK, IndexTestsResponse{Items: results})
}

// jobFor loads the job in the path and checks it belongs to the collection
func (s *Server) jobFor(w http.ResponseWriter, r *http.Request) (core.BuildJob, bool) {
	vars := mux.Vars(r)
	job, err := s.builds.GetJob(r.Context(), vars["index"])
	if err != nil {
		s.respondWithErr(w, err)
		return core.BuildJob{}, false
	}
	if job.CollectionID != vars["collection"] {
		s.respondWithError(w, http.StatusNotFound, "Index not found")
		return core.BuildJob{}, false
	}
	return job, true
}

// indexResponse attaches a presigned URL to completed builds
func (s *Server) indexResponse(r *http.Request, job core.BuildJob) IndexResponse {
	resp := IndexResponse{BuildJob: job}
	if s.signer == nil || job.State != core.StateComplete {
		return resp
	}
	url, err := s.signer.DownloadURL(r.Context(), job.ArtifactKey, s.config.URLTTL)
	if err != nil {
		s.lg.Warn().Err(err).Str("job_id", job.ID).Msg("failed to presign artifact url")
		return resp
	}
	resp.URL = url
	return resp
}
