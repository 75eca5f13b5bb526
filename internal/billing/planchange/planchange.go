// Package planchange drives a contract through a scheduled plan change:
// request, reminder, apply, grace period and enforcement. Every transition
// is decided by comparing stored dates with the run date.
package planchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/calendar"
	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/store"
	"github.com/dukerupert/sitekit/internal/clock"
	"github.com/dukerupert/sitekit/internal/email"
)

const (
	// GraceDays is the length of the grace period after a downgrade that
	// left the organization over its new user limit.
	GraceDays = 3
	// ReminderDays is how long before the effective date the reminder goes out.
	ReminderDays = 3
)

var (
	ErrContractNotFound = errors.New("contract not found")
	ErrContractInactive = errors.New("contract is not active")
	ErrChangePending    = errors.New("a plan change is already pending")
	ErrNoPendingChange  = errors.New("no pending plan change")
	ErrGraceOpen        = errors.New("grace period of the previous change is still open")
)

type State string

const (
	StateNone     State = "none"
	StatePending  State = "pending"
	StateGrace    State = "grace"
	StateEnforced State = "enforced"
)

// StateOf reports where c is in the plan-change lifecycle. A grace period
// that closed without deactivations reads as StateNone.
func StateOf(c *model.Contract) State {
	switch {
	case c.PendingPlanChange != nil:
		return StatePending
	case c.PlanChangeGraceDeadline != nil:
		return StateGrace
	case c.PlanChangeEnforcedAt != nil:
		return StateEnforced
	}
	return StateNone
}

// GraceDeadline is the enforcement date for a change effective on effective.
func GraceDeadline(effective time.Time) time.Time {
	return calendar.AddDays(effective, GraceDays)
}

// Mailer sends the plan-change notifications.
type Mailer interface {
	SendPlanChangeWarning(ctx context.Context, n email.PlanChangeNotice) error
	SendPlanChangeReminder(ctx context.Context, n email.PlanChangeNotice) error
	SendGraceReminder(ctx context.Context, n email.PlanChangeNotice) error
	SendEnforcementNotice(ctx context.Context, n email.PlanChangeNotice) error
}

// ChangeRequest is an operator's request to move a contract to a new plan.
type ChangeRequest struct {
	NewPlan       string
	NewBaseFee    int64
	NewUserLimit  int
	NewPackageIDs []int64
	InitialFee    int64
	EffectiveDate time.Time
}

// Machine owns the pending → applied → grace transitions of contracts.
type Machine struct {
	contracts *store.ContractStore
	users     *store.UserStore
	notifier  *notifier
	clock     clock.Clock
	loc       *time.Location
	logger    *slog.Logger
}

func New(contracts *store.ContractStore, users *store.UserStore, sent *store.NotificationStore,
	mailer Mailer, clk clock.Clock, loc *time.Location, logger *slog.Logger) *Machine {
	logger = logger.With("component", "planchange")
	return &Machine{
		contracts: contracts,
		users:     users,
		notifier:  &notifier{sent: sent, mailer: mailer, logger: logger},
		clock:     clk,
		loc:       loc,
		logger:    logger,
	}
}

func (m *Machine) today() time.Time {
	return calendar.DateOf(m.clock.Now(), m.loc)
}

// Request schedules a plan change. The active user count is snapshotted
// now; a downgrade that leaves the organization over the new limit will
// get a grace period when applied.
func (m *Machine) Request(ctx context.Context, contractID int64, req ChangeRequest) (*model.Contract, error) {
	now := m.clock.Now().UTC()
	today := calendar.DateOf(now, m.loc)

	row, err := m.contracts.GetRow(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrContractNotFound
	}
	c := &row.Contract
	switch {
	case c.Status != model.ContractActive:
		return nil, ErrContractInactive
	case c.PendingPlanChange != nil:
		return nil, ErrChangePending
	case c.PlanChangeGraceDeadline != nil:
		return nil, ErrGraceOpen
	}

	effective := calendar.Day(req.EffectiveDate)
	if !effective.After(today) {
		return nil, fmt.Errorf("%w: effective date %s must be after %s",
			model.ErrInvalidPlanChange, effective.Format(time.DateOnly), today.Format(time.DateOnly))
	}

	active, err := m.users.CountActive(ctx, c.OrganizationID)
	if err != nil {
		return nil, err
	}

	change := &model.PendingPlanChange{
		NewPlan:          req.NewPlan,
		NewBaseFee:       req.NewBaseFee,
		NewUserLimit:     req.NewUserLimit,
		NewPackageIDs:    req.NewPackageIDs,
		InitialFee:       req.InitialFee,
		EffectiveDate:    effective,
		RequestedAt:      now,
		IsDowngrade:      req.NewUserLimit < c.UserLimit || req.NewBaseFee < c.BaseMonthlyFee,
		CurrentUserCount: active,
	}
	change.UserExceeded = change.IsDowngrade && active > req.NewUserLimit
	if err := change.Validate(); err != nil {
		return nil, err
	}

	if err := m.contracts.SetPendingPlanChange(ctx, c, change, &now); err != nil {
		return nil, err
	}
	c.PendingPlanChange = change
	c.PlanChangeRequestedAt = &now

	m.logger.Info("plan change requested",
		"contract_id", c.ID,
		"organization_id", c.OrganizationID,
		"new_plan", change.NewPlan,
		"effective_date", effective.Format(time.DateOnly),
		"downgrade", change.IsDowngrade,
		"user_exceeded", change.UserExceeded,
	)
	return c, nil
}

// Cancel drops a pending plan change.
func (m *Machine) Cancel(ctx context.Context, contractID int64) error {
	c, err := m.contracts.GetByID(ctx, contractID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrContractNotFound
	}
	if c.PendingPlanChange == nil {
		return ErrNoPendingChange
	}
	if err := m.contracts.SetPendingPlanChange(ctx, c, nil, nil); err != nil {
		return err
	}
	m.logger.Info("plan change cancelled", "contract_id", c.ID, "organization_id", c.OrganizationID)
	return nil
}

// Project returns the contract as it will be priced on billingDate: when
// a pending change takes effect on or before that date, a copy carrying
// the new plan's fee, limit and packages. Otherwise c itself.
func Project(c *model.Contract, billingDate time.Time) *model.Contract {
	p := c.PendingPlanChange
	if p == nil || calendar.Before(billingDate, p.EffectiveDate) {
		return c
	}
	projected := *c
	projected.Plan = p.NewPlan
	projected.BaseMonthlyFee = p.NewBaseFee
	projected.UserLimit = p.NewUserLimit
	projected.PackageIDs = append([]int64(nil), p.NewPackageIDs...)
	projected.PendingPlanChange = nil
	return &projected
}
