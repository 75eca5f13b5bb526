package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/calendar"
	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/planchange"
	"github.com/dukerupert/sitekit/internal/billing/store"
)

// PlanChanger schedules and cancels plan changes.
type PlanChanger interface {
	Request(ctx context.Context, contractID int64, req planchange.ChangeRequest) (*model.Contract, error)
	Cancel(ctx context.Context, contractID int64) error
}

type PlanChangeHandler struct {
	changes   PlanChanger
	contracts *store.ContractStore
	logger    *slog.Logger
}

func NewPlanChangeHandler(changes PlanChanger, contracts *store.ContractStore, logger *slog.Logger) *PlanChangeHandler {
	return &PlanChangeHandler{changes: changes, contracts: contracts, logger: logger}
}

type planChangeRequest struct {
	NewPlan       string  `json:"new_plan"`
	NewBaseFee    int64   `json:"new_base_fee"`
	NewUserLimit  int     `json:"new_user_limit"`
	NewPackageIDs []int64 `json:"new_package_ids"`
	InitialFee    int64   `json:"initial_fee"`
	EffectiveDate string  `json:"effective_date"`
}

type planChangeResponse struct {
	ContractID    int64                    `json:"contract_id"`
	State         planchange.State         `json:"state"`
	Plan          string                   `json:"plan"`
	UserLimit     int                      `json:"user_limit"`
	Pending       *model.PendingPlanChange `json:"pending_plan_change"`
	GraceDeadline *string                  `json:"grace_deadline"`
	EnforcedAt    *time.Time               `json:"enforced_at"`
	Version       int64                    `json:"version"`
}

func newPlanChangeResponse(c *model.Contract) planChangeResponse {
	resp := planChangeResponse{
		ContractID: c.ID,
		State:      planchange.StateOf(c),
		Plan:       c.Plan,
		UserLimit:  c.UserLimit,
		Pending:    c.PendingPlanChange,
		EnforcedAt: c.PlanChangeEnforcedAt,
		Version:    c.Version,
	}
	if c.PlanChangeGraceDeadline != nil {
		d := c.PlanChangeGraceDeadline.Format(time.DateOnly)
		resp.GraceDeadline = &d
	}
	return resp
}

// Get reports the plan-change state of a contract.
func (h *PlanChangeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	c, err := h.contracts.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("get contract", "contract_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, planchange.ErrContractNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, newPlanChangeResponse(c))
}

// Request schedules a plan change for a contract.
func (h *PlanChangeHandler) Request(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}

	var body planChangeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 65536)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	effective, err := calendar.Parse(body.EffectiveDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "effective_date must be YYYY-MM-DD")
		return
	}

	c, err := h.changes.Request(r.Context(), id, planchange.ChangeRequest{
		NewPlan:       body.NewPlan,
		NewBaseFee:    body.NewBaseFee,
		NewUserLimit:  body.NewUserLimit,
		NewPackageIDs: body.NewPackageIDs,
		InitialFee:    body.InitialFee,
		EffectiveDate: effective,
	})
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPlanChangeResponse(c))
}

// Cancel drops a contract's pending plan change.
func (h *PlanChangeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	if err := h.changes.Cancel(r.Context(), id); err != nil {
		h.fail(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PlanChangeHandler) fail(w http.ResponseWriter, id int64, err error) {
	switch {
	case errors.Is(err, planchange.ErrContractNotFound), errors.Is(err, planchange.ErrNoPendingChange):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidPlanChange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, planchange.ErrContractInactive),
		errors.Is(err, planchange.ErrChangePending),
		errors.Is(err, planchange.ErrGraceOpen),
		errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("plan change", "contract_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func contractID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid contract id")
		return 0, false
	}
	return id, true
}
