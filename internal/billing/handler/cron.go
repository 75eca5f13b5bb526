package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/sitekit/internal/billing/batch"
)

// Trigger starts, or joins, today's billing run.
type Trigger interface {
	Trigger(ctx context.Context) (*batch.Report, error)
}

// CronHandler is the entry point for the external daily scheduler.
type CronHandler struct {
	runner Trigger
	logger *slog.Logger
}

func NewCronHandler(runner Trigger, logger *slog.Logger) *CronHandler {
	return &CronHandler{runner: runner, logger: logger}
}

// Run executes the billing batch and responds with its report. Requests
// are authenticated before they reach this handler.
func (h *CronHandler) Run(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.Trigger(r.Context())
	if err != nil {
		h.logger.Error("billing run failed", "error", err)
		resp := errorResponse{Error: err.Error()}
		if report != nil {
			resp.RunID = report.RunID
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
