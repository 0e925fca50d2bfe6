// Package server exposes the merge, clean and ingest stages over HTTP.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/acme-corp/racing-pipeline/internal/ingest"
	"github.com/acme-corp/racing-pipeline/internal/metrics"
	"github.com/acme-corp/racing-pipeline/internal/pipeline"
	"github.com/acme-corp/racing-pipeline/internal/snapshot"
)

// ShardMerger consolidates shards into a master snapshot.
type ShardMerger interface {
	MergeShards(ctx context.Context, req snapshot.MergeRequest) (snapshot.MergeResult, error)
}

// MasterCleaner cleans the master snapshots of a prefix.
type MasterCleaner interface {
	CleanPrefix(ctx context.Context, prefix string) ([]snapshot.CleanResult, error)
}

// Ingestor loads new cleaned snapshots of a prefix into the warehouse.
type Ingestor interface {
	Ingest(ctx context.Context, prefix string) (ingest.Report, error)
}

// maxBodySize bounds request bodies; every request is a small JSON object.
const maxBodySize = 1 << 20

// Handler returns the router for the trigger endpoints, /healthz and /metrics.
func Handler(merger ShardMerger, cleaner MasterCleaner, ingestor Ingestor, m *metrics.Collector, log zerolog.Logger) http.Handler {
	s := &server{
		merger:   merger,
		cleaner:  cleaner,
		ingestor: ingestor,
		log:      log,
	}

	router := mux.NewRouter()
	router.Use(s.logRequests)
	router.HandleFunc("/healthz", s.getHealth).Methods("GET").Name("GetHealth")
	router.Handle("/metrics", m.Handler()).Methods("GET").Name("GetMetrics")

	router.HandleFunc("/merge-shards", s.postMergeShards).Methods("POST").Name("PostMergeShards")
	router.HandleFunc("/clean-master", s.postCleanMaster).Methods("POST").Name("PostCleanMaster")
	router.HandleFunc("/ingest", s.postIngest).Methods("POST").Name("PostIngest")

	return router
}

type server struct {
	merger   ShardMerger
	cleaner  MasterCleaner
	ingestor Ingestor
	log      zerolog.Logger
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// GET /healthz
func (s *server) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type mergeResponse struct {
	MasterFile  *string `json:"masterFile"`
	MergedCount int     `json:"mergedCount"`
	Message     string  `json:"message,omitempty"`
}

// POST /merge-shards
func (s *server) postMergeShards(w http.ResponseWriter, r *http.Request) {
	var req snapshot.MergeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.merger.MergeShards(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := mergeResponse{MergedCount: res.MergedCount}
	if res.Status == pipeline.StatusNoOp {
		resp.Message = "no shards matched " + req.Pattern
	} else {
		resp.MasterFile = &res.MasterFile
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type prefixRequest struct {
	Prefix string `json:"prefix"`
}

type cleanedFile struct {
	MasterFile   string    `json:"masterFile"`
	CleanedFile  string    `json:"cleanedFile"`
	InitialCount int64     `json:"initialCount"`
	RemovedCount int64     `json:"removedCount"`
	FinalCount   int64     `json:"finalCount"`
	CreatedTime  time.Time `json:"createdTime"`
}

type cleanResponse struct {
	Prefix    string        `json:"prefix"`
	Processed []cleanedFile `json:"processed"`
}

// POST /clean-master
func (s *server) postCleanMaster(w http.ResponseWriter, r *http.Request) {
	var req prefixRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	results, err := s.cleaner.CleanPrefix(r.Context(), req.Prefix)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(results) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := cleanResponse{Prefix: req.Prefix, Processed: make([]cleanedFile, 0, len(results))}
	for _, res := range results {
		resp.Processed = append(resp.Processed, cleanedFile{
			MasterFile:   res.MasterFile,
			CleanedFile:  res.CleanedFile,
			InitialCount: res.InitialCount,
			RemovedCount: res.RemovedCount,
			FinalCount:   res.FinalCount,
			CreatedTime:  res.Created,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type ingestResponse struct {
	Prefix            string                           `json:"prefix"`
	RunID             string                           `json:"runId"`
	ProcessedFiles    []string                         `json:"processedFiles"`
	LastProcessedTime time.Time                        `json:"lastProcessedTime"`
	Rejected          int                              `json:"rejected"`
	Relations         map[string]ingest.RelationReport `json:"relations"`
}

// POST /ingest
func (s *server) postIngest(w http.ResponseWriter, r *http.Request) {
	var req prefixRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	report, err := s.ingestor.Ingest(r.Context(), req.Prefix)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if report.Status == pipeline.StatusNoOp {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.writeJSON(w, http.StatusOK, ingestResponse{
		Prefix:            report.Prefix,
		RunID:             report.RunID,
		ProcessedFiles:    report.ProcessedFiles,
		LastProcessedTime: report.LastProcessedTime,
		Rejected:          report.Rejected,
		Relations:         report.Relations,
	})
}

// decode reads exactly one JSON object with no unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return pipeline.InvalidInput("request body is empty")
		}
		return pipeline.InvalidInput("decoding request: %v", err)
	}
	if dec.More() {
		return pipeline.InvalidInput("request body holds more than one JSON value")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusOf(err error) int {
	switch {
	case pipeline.IsInvalidInput(err):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("writing response")
	}
}
