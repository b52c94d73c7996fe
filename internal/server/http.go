package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/openparl/flaggate/internal/core"
	"github.com/openparl/flaggate/internal/service"
)

const (
	maxJSONBodyBytes = 1 << 20
	defaultActor     = "api"
	maxChangesLimit  = 500
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service         Service
	environment     string
	maxJSONBodySize int64
	metricsHandler  http.Handler
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*HTTPServer)

// WithEnvironment sets the environment applied to evaluation contexts that
// do not carry one.
func WithEnvironment(environment string) HTTPOption {
	return func(s *HTTPServer) {
		if environment != "" {
			s.environment = environment
		}
	}
}

// WithMaxJSONBodySize bounds the accepted JSON request body size in bytes.
func WithMaxJSONBodySize(size int64) HTTPOption {
	return func(s *HTTPServer) {
		if size > 0 {
			s.maxJSONBodySize = size
		}
	}
}

// WithMetricsHandler mounts the given handler at GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

type evaluateJSONRequest struct {
	Flag    string       `json:"flag,omitempty"`
	Flags   []string     `json:"flags,omitempty"`
	Context core.Context `json:"context"`
}

type evaluateJSONResponse struct {
	Results map[string]bool `json:"results"`
}

// NewHTTPHandler builds the HTTP API for flag evaluation and management.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:         svc,
		maxJSONBodySize: maxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{name}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{name}", server.handleUpdateFlag)
	mux.HandleFunc("DELETE /v1/flags/{name}", server.handleDeleteFlag)
	mux.HandleFunc("GET /v1/flags/{name}/stats", server.handleFlagStats)
	mux.HandleFunc("GET /v1/flags/{name}/changes", server.handleFlagChanges)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	return mux
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if request.Context.Environment == "" {
		request.Context.Environment = s.environment
	}

	single := strings.TrimSpace(request.Flag)
	switch {
	case single != "" && len(request.Flags) > 0:
		writeJSONError(w, http.StatusBadRequest, "use either flag or flags")
		return
	case single != "":
		result := s.service.Evaluate(r.Context(), single, request.Context)
		writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: map[string]bool{single: result}})
	case len(request.Flags) > 0:
		for idx, name := range request.Flags {
			if strings.TrimSpace(name) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("flags[%d] is required", idx))
				return
			}
		}
		results := s.service.EvaluateAll(r.Context(), request.Context, request.Flags...)
		writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
	default:
		results := s.service.EvaluateAll(r.Context(), request.Context)
		writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
	}
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag core.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	created, err := s.service.CreateFlag(r.Context(), flag, requestActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	var flag core.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Name) != "" && flag.Name != name {
		writeJSONError(w, http.StatusBadRequest, "path name and body name must match")
		return
	}
	flag.Name = name

	updated, err := s.service.UpdateFlag(r.Context(), flag, requestActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.service.DeleteFlag(r.Context(), name, requestActor(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleFlagStats(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	stats, err := s.service.Stats(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleFlagChanges(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	limit, err := parseQueryInt(r, "limit", 50)
	if err != nil || limit < 1 || limit > maxChangesLimit {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := parseQueryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	changes, err := s.service.ListChanges(r.Context(), name, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, changes)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return defaultActor
}

func parseQueryInt(r *http.Request, key string, fallback int) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidFlag), errors.Is(err, core.ErrDependencyCycle):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagExists), errors.Is(err, service.ErrVersionConflict):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidFlag):
		return "invalid flag definition"
	case errors.Is(err, core.ErrDependencyCycle):
		return "dependency cycle"
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrFlagExists):
		return "flag already exists"
	case errors.Is(err, service.ErrVersionConflict):
		return "version conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
