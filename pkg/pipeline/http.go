package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/carelattice/warehouse/pkg/common/logger"
	"github.com/carelattice/warehouse/pkg/warehouse"
)

type HTTPHandler struct {
	runner  *Runner
	maxBody int64
}

func NewHTTPHandler(runner *Runner, maxBody int64) *HTTPHandler {
	return &HTTPHandler{runner: runner, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/staging/records", h.handleStage).Methods(http.MethodPost)
	router.HandleFunc("/pipeline/validate/{entity}", h.handleValidate).Methods(http.MethodPost)
	router.HandleFunc("/pipeline/load/{entity}", h.handleLoad).Methods(http.MethodPost)
	router.HandleFunc("/pipeline/dedup/{dimension}", h.handleDedup).Methods(http.MethodPost)
	router.HandleFunc("/pipeline/run", h.handleRun).Methods(http.MethodPost)
	router.HandleFunc("/staging/status", h.handleStagingStatus).Methods(http.MethodGet)
	router.HandleFunc("/warehouse/stats", h.handleTableStats).Methods(http.MethodGet)
}

type stageRequest struct {
	EntityType      string                 `json:"entity_type"`
	Fields          map[string]interface{} `json:"fields"`
	SourceReference string                 `json:"source_reference,omitempty"`
}

func (h *HTTPHandler) handleStage(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid staging payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.runner.Stage(r.Context(), req.EntityType, req.Fields, req.SourceReference)
	if err != nil {
		if errors.Is(err, ErrUnknownEntityType) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.writeError(w, "failed to stage record", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id, "status": "pending"})
}

func (h *HTTPHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	summary, err := h.runner.Validate(r.Context(), entity)
	if err != nil {
		h.writeError(w, "validation pass failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) handleLoad(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	summary, err := h.runner.Load(r.Context(), entity)
	if err != nil {
		h.writeError(w, "load pass failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) handleDedup(w http.ResponseWriter, r *http.Request) {
	dimension := mux.Vars(r)["dimension"]
	summary, err := h.runner.Deduplicate(r.Context(), dimension)
	if err != nil {
		var conflict *warehouse.ConsolidationConflictError
		if errors.As(err, &conflict) {
			http.Error(w, conflict.Error(), http.StatusConflict)
			return
		}
		h.writeError(w, "deduplication pass failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.RunAll(r.Context())
	if err != nil {
		var conflict *warehouse.ConsolidationConflictError
		if errors.As(err, &conflict) {
			http.Error(w, conflict.Error(), http.StatusConflict)
			return
		}
		h.writeError(w, "pipeline run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *HTTPHandler) handleStagingStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.StagingStatus(r.Context())
	if err != nil {
		h.writeError(w, "staging status failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) handleTableStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.runner.TableStats(r.Context())
	if err != nil {
		h.writeError(w, "table stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, msg string, err error) {
	logger.Log.WithError(err).Error(msg)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
