package planchange

import (
	"context"
	"fmt"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/calendar"
	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/store"
	"github.com/dukerupert/sitekit/internal/email"
)

// Progress reports what Advance did for one contract.
type Progress struct {
	Reminded      bool
	Applied       bool
	GraceReminded bool
	DaysRemaining int
}

// Changed reports whether Advance did anything.
func (p Progress) Changed() bool {
	return p.Reminded || p.Applied || p.GraceReminded
}

// CheckWarning runs at invoice-send time. For a pending downgrade that
// was over the new limit when requested, it recounts active users and
// warns the organization if it is still over. Returns whether a warning
// was sent.
func (m *Machine) CheckWarning(ctx context.Context, row *store.ContractRow, today time.Time) (bool, error) {
	c := &row.Contract
	p := c.PendingPlanChange
	if p == nil || !p.NeedsGracePeriod() {
		return false, nil
	}

	active, err := m.users.CountActive(ctx, c.OrganizationID)
	if err != nil {
		return false, err
	}
	excess := p.Excess(active)
	if excess == 0 {
		m.logger.Debug("downgrade no longer exceeds user limit", "contract_id", c.ID, "active_users", active)
		return false, nil
	}

	n := notice(row.Organization, p.NewPlan, p.NewUserLimit, active)
	n.EffectiveDate = p.EffectiveDate
	n.GraceDeadline = GraceDeadline(p.EffectiveDate)
	return m.notifier.notify(ctx, c, row.Organization, store.NotifyPlanChangeWarning, today, n, m.notifier.warning)
}

// Advance applies whatever date-driven transition is due today: the
// three-day reminder, the cutover on the effective date, and the daily
// grace-period reminder. Running it again on the same day is a no-op.
func (m *Machine) Advance(ctx context.Context, row *store.ContractRow, today time.Time) (Progress, error) {
	var prog Progress
	c := &row.Contract
	today = calendar.Day(today)

	if p := c.PendingPlanChange; p != nil {
		switch {
		case calendar.OnOrAfter(today, p.EffectiveDate):
			if err := m.apply(ctx, c); err != nil {
				return prog, err
			}
			prog.Applied = true
		case calendar.IsDaysBefore(today, p.EffectiveDate, ReminderDays):
			active, err := m.users.CountActive(ctx, c.OrganizationID)
			if err != nil {
				return prog, err
			}
			n := notice(row.Organization, p.NewPlan, p.NewUserLimit, active)
			n.EffectiveDate = p.EffectiveDate
			if p.NeedsGracePeriod() {
				n.Excess = p.Excess(active)
				n.GraceDeadline = GraceDeadline(p.EffectiveDate)
			}
			sent, err := m.notifier.notify(ctx, c, row.Organization, store.NotifyPlanChangeReminder, p.EffectiveDate, n, m.notifier.reminder)
			if err != nil {
				return prog, err
			}
			prog.Reminded = sent
		}
	}

	if d := c.PlanChangeGraceDeadline; d != nil && calendar.Before(today, *d) {
		active, err := m.users.CountActive(ctx, c.OrganizationID)
		if err != nil {
			return prog, err
		}
		prog.DaysRemaining = calendar.DaysUntil(today, calendar.Day(*d))
		if active <= c.UserLimit {
			return prog, nil
		}
		n := notice(row.Organization, c.Plan, c.UserLimit, active)
		n.GraceDeadline = *d
		n.DaysRemaining = prog.DaysRemaining
		sent, err := m.notifier.notify(ctx, c, row.Organization, store.NotifyGraceReminder, today, n, m.notifier.graceReminder)
		if err != nil {
			return prog, err
		}
		prog.GraceReminded = sent
	}
	return prog, nil
}

// apply copies the pending change into the contract. A plan-change initial
// fee joins the pending prorated charge so the next invoice bills it once.
func (m *Machine) apply(ctx context.Context, c *model.Contract) error {
	p := c.PendingPlanChange
	if p == nil {
		return nil
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("contract %d: %w", c.ID, err)
	}

	updated := *c
	updated.Plan = p.NewPlan
	updated.BaseMonthlyFee = p.NewBaseFee
	updated.UserLimit = p.NewUserLimit
	updated.PackageIDs = append([]int64(nil), p.NewPackageIDs...)
	updated.PendingPlanChange = nil
	updated.PlanChangeGraceDeadline = nil
	updated.PlanChangeEnforcedAt = nil
	if p.InitialFee > 0 {
		desc := fmt.Sprintf("%s plan initial fee", p.NewPlan)
		if prev := c.PendingProratedDescription; prev != nil && *prev != "" && c.PendingProratedCharge > 0 {
			desc = *prev + " / " + desc
		}
		updated.PendingProratedCharge = c.PendingProratedCharge + p.InitialFee
		updated.PendingProratedDescription = &desc
	}
	if p.NeedsGracePeriod() {
		d := GraceDeadline(p.EffectiveDate)
		updated.PlanChangeGraceDeadline = &d
	}

	if err := m.contracts.ApplyPlanChange(ctx, &updated); err != nil {
		return fmt.Errorf("apply plan change to contract %d: %w", c.ID, err)
	}
	*c = updated

	attrs := []any{
		"contract_id", c.ID,
		"organization_id", c.OrganizationID,
		"plan", c.Plan,
		"user_limit", c.UserLimit,
	}
	if c.PlanChangeGraceDeadline != nil {
		attrs = append(attrs, "grace_deadline", c.PlanChangeGraceDeadline.Format(time.DateOnly))
	}
	m.logger.Info("plan change applied", attrs...)
	return nil
}

func notice(org *model.Organization, plan string, limit, active int) email.PlanChangeNotice {
	n := email.PlanChangeNotice{
		NewPlan:      plan,
		NewUserLimit: limit,
		ActiveUsers:  active,
	}
	if active > limit {
		n.Excess = active - limit
	}
	if org != nil {
		n.OrganizationName = org.Name
	}
	return n
}
