package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/courier/internal/dispatch"
	"github.com/foxzi/courier/internal/repository"
	"github.com/foxzi/courier/internal/session"
	"github.com/foxzi/courier/internal/transport"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Uptime   string         `json:"uptime"`
	Sessions map[string]int `json:"sessions"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// ListResponse wraps a page of items
type ListResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	for _, state := range s.Registry.States() {
		counts[string(state)]++
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Sessions: counts,
	})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendFailure maps err to a status code. Server-side failures are logged and hidden behind msg.
func (s *Server) sendFailure(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "path", r.URL.Path, "error", err)
		s.sendError(w, status, msg)
		return
	}
	s.sendError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyExists),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, dispatch.ErrAlreadyRunning),
		errors.Is(err, dispatch.ErrInvalidStatus),
		errors.Is(err, repository.ErrCampaignActive):
		return http.StatusConflict
	case errors.Is(err, transport.ErrSendFailed):
		return http.StatusBadGateway
	case errors.Is(err, repository.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body, rejecting unknown fields
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// pagination reads page and limit query parameters
func pagination(r *http.Request) (page, limit, offset int) {
	page, limit = 1, 50
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 500)
	}
	return page, limit, (page - 1) * limit
}
