package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/store"
)

const maxRunsLimit = 100

type RunHandler struct {
	runs   *store.RunStore
	logger *slog.Logger
}

func NewRunHandler(runs *store.RunStore, logger *slog.Logger) *RunHandler {
	return &RunHandler{runs: runs, logger: logger}
}

// List returns recent billing runs, newest first.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("list billing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Get returns one run with its full report.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Error("get billing run", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
