package planchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/calendar"
	"github.com/dukerupert/sitekit/internal/billing/store"
	"github.com/dukerupert/sitekit/internal/clock"
)

// Enforcement reports what Enforce did for one contract.
type Enforcement struct {
	Due         bool
	ActiveUsers int
	Deactivated int
	// Resolved is true when the grace period closed without deactivations.
	Resolved bool
}

// Enforcer deactivates excess users once a grace period is over.
type Enforcer struct {
	contracts *store.ContractStore
	users     *store.UserStore
	notifier  *notifier
	clock     clock.Clock
	logger    *slog.Logger
}

func NewEnforcer(contracts *store.ContractStore, users *store.UserStore, sent *store.NotificationStore,
	mailer Mailer, clk clock.Clock, logger *slog.Logger) *Enforcer {
	logger = logger.With("component", "enforcer")
	return &Enforcer{
		contracts: contracts,
		users:     users,
		notifier:  &notifier{sent: sent, mailer: mailer, logger: logger},
		clock:     clk,
		logger:    logger,
	}
}

// IsDue reports whether the contract's grace period has run out by today.
func IsDue(deadline *time.Time, today time.Time) bool {
	return deadline != nil && calendar.OnOrAfter(today, *deadline)
}

// Enforce closes an expired grace period. If the organization still has
// more active users than the contract allows, the newest accounts are
// deactivated until the count equals the limit.
func (e *Enforcer) Enforce(ctx context.Context, row *store.ContractRow, today time.Time) (Enforcement, error) {
	var res Enforcement
	c := &row.Contract
	if !IsDue(c.PlanChangeGraceDeadline, today) {
		return res, nil
	}
	res.Due = true
	deadline := *c.PlanChangeGraceDeadline

	active, err := e.users.CountActive(ctx, c.OrganizationID)
	if err != nil {
		return res, err
	}
	res.ActiveUsers = active

	excess := active - c.UserLimit
	if excess <= 0 {
		if err := e.contracts.CloseGracePeriod(ctx, c, nil); err != nil {
			return res, fmt.Errorf("close grace period of contract %d: %w", c.ID, err)
		}
		res.Resolved = true
		e.logger.Info("grace period resolved", "contract_id", c.ID, "organization_id", c.OrganizationID, "active_users", active)
		return res, nil
	}

	victims, err := e.users.ListActiveNewestFirst(ctx, c.OrganizationID, excess)
	if err != nil {
		return res, err
	}
	ids := make([]int64, len(victims))
	for i, u := range victims {
		ids[i] = u.ID
	}
	n, err := e.users.Deactivate(ctx, c.OrganizationID, ids)
	if err != nil {
		return res, err
	}
	res.Deactivated = int(n)

	at := e.clock.Now().UTC()
	if err := e.contracts.CloseGracePeriod(ctx, c, &at); err != nil {
		return res, fmt.Errorf("close grace period of contract %d: %w", c.ID, err)
	}
	e.logger.Info("plan change enforced",
		"contract_id", c.ID,
		"organization_id", c.OrganizationID,
		"active_users", active,
		"user_limit", c.UserLimit,
		"deactivated", res.Deactivated,
	)

	msg := notice(row.Organization, c.Plan, c.UserLimit, active)
	msg.GraceDeadline = deadline
	msg.Deactivated = res.Deactivated
	if _, err := e.notifier.notify(ctx, c, row.Organization, store.NotifyEnforcement, deadline, msg, e.notifier.enforcement); err != nil {
		return res, err
	}
	return res, nil
}
