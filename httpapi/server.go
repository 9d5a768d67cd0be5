// Package httpapi exposes the runtime's submit and status operations over a
// small HTTP surface for the frame source and dashboards.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/edaniels/golog"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/opticworks/edged/inference"
	"github.com/opticworks/edged/runtime"
)

// maxImageBytes caps a submitted frame body.
const maxImageBytes = 32 << 20

// Server routes HTTP requests into a coordinator.
type Server struct {
	coordinator *runtime.Coordinator
	logger      golog.Logger
	router      *mux.Router
}

// NewServer builds the HTTP handler around a coordinator.
func NewServer(coordinator *runtime.Coordinator, logger golog.Logger) *Server {
	s := &Server{coordinator: coordinator, logger: logger, router: mux.NewRouter()}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/detectors/{id}/submit", s.handleSubmit).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/detectors/{id}/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	detectorID := mux.Vars(r)["id"]
	areaKey := r.URL.Query().Get("area_key")

	imageBytes, err := io.ReadAll(io.LimitReader(r.Body, maxImageBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read image body")
		return
	}

	verdict, err := s.coordinator.Submit(r.Context(), detectorID, imageBytes, areaKey)
	if err != nil {
		s.writeSubmitError(w, detectorID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	detectorID := mux.Vars(r)["id"]
	status, err := s.coordinator.Status(detectorID)
	if err != nil {
		if errors.Is(err, runtime.ErrUnknownDetector) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// writeSubmitError maps the inference error taxonomy onto status codes.
func (s *Server) writeSubmitError(w http.ResponseWriter, detectorID string, err error) {
	var loadErr *inference.ModelLoadError
	switch {
	case errors.Is(err, runtime.ErrUnknownDetector):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, inference.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, inference.ErrModelUnavailable), errors.As(err, &loadErr):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, inference.ErrInternalTimeout), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Errorw("submit failed", "detector", detectorID, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorw("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
