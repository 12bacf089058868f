// Package api provides HTTP handlers, middleware, and routing for the query
// cache service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/CreativeUnicorns/querycache"
)

// searchRequest is the body of POST /api/v1/search. Query is the raw search
// request forwarded to the engine; its canonical encoding forms the cache key.
type searchRequest struct {
	ClientID string         `json:"client_id"`
	Page     int            `json:"page"`
	Size     int            `json:"size"`
	Query    map[string]any `json:"query"`
}

// reportTotalRequest is the body of PUT /api/v1/search/total, for callers
// that learn the full result count out of band.
type reportTotalRequest struct {
	ClientID string         `json:"client_id"`
	Query    map[string]any `json:"query"`
	Total    int64          `json:"total"`
}

// handleSearch resolves one page of cached results, materializing them from
// the configured fetch source on a miss.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest

	// Limit the size of the request body to 1MB
	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "Invalid request payload", err)
		return
	}

	source := s.sources(req.ClientID, req.Query)
	page, err := s.engine.GetOrCreatePage(r.Context(), req.ClientID, req.Page, req.Size, req.Query, source)
	if err != nil {
		if errors.Is(err, querycache.ErrInvalidInput) {
			s.respondWithError(w, r, http.StatusBadRequest, "Invalid search request", err)
		} else if errors.Is(err, querycache.ErrEngineClosed) {
			s.respondWithError(w, r, http.StatusServiceUnavailable, "Engine is shut down", err)
		} else {
			s.respondWithError(w, r, http.StatusInternalServerError, "Failed to resolve page", err)
		}
		return
	}

	s.respondWithJSON(w, r, http.StatusOK, page)
}

// handleReportTotal records an externally known total result count on a
// cached query.
func (s *Server) handleReportTotal(w http.ResponseWriter, r *http.Request) {
	var req reportTotalRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "Invalid request payload", err)
		return
	}

	if err := s.engine.SetTotalElements(r.Context(), req.ClientID, req.Query, req.Total); err != nil {
		if errors.Is(err, querycache.ErrInvalidInput) {
			s.respondWithError(w, r, http.StatusBadRequest, "Invalid total report", err)
		} else {
			s.respondWithError(w, r, http.StatusInternalServerError, "Failed to record total", err)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSweep triggers an immediate expiry sweep.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed, err := s.engine.SweepExpired(r.Context(), time.Now())
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	s.respondWithJSON(w, r, http.StatusOK, map[string]int{"removed": removed})
}

// respondWithError is a helper to send JSON error responses.
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	resp := map[string]interface{}{
		"error": map[string]string{
			"message": message,
		},
	}
	if err != nil {
		resp["error"].(map[string]string)["details"] = err.Error()
	}
	s.logger.Error("API Error", "status", status, "message", message, "path", r.URL.Path, "error", err)
	respondWithJSONRaw(w, status, resp)
}

// respondWithJSON is a helper to send JSON responses.
func (s *Server) respondWithJSON(w http.ResponseWriter, _ *http.Request, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal JSON response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"Failed to marshal response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// respondWithJSONRaw is a lower-level helper, useful when payload is already a map for error responses.
func respondWithJSONRaw(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"Critical: Failed to marshal error response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
