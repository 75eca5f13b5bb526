// Package selector decides which contracts are invoiced on a given day.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/calendar"
	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/store"
)

// LeadDays is how many days before the billing date an invoice is sent.
const LeadDays = 20

var (
	ErrNoOrganization = errors.New("organization not found")
	ErrNoCustomer     = errors.New("payment processor customer not provisioned")
)

// ContractSource lists active contracts by cycle.
type ContractSource interface {
	ListActiveByCycle(ctx context.Context, cycle model.BillingCycle) ([]store.ContractRow, error)
}

// Candidate is a contract due for invoicing today.
type Candidate struct {
	Contract     *model.Contract
	Organization *model.Organization
	BillingDate  time.Time
	SendDate     time.Time
	Period       string
}

// Failure is a contract due today that cannot be invoiced.
type Failure struct {
	Contract         *model.Contract
	OrganizationName string
	Err              error
}

type Selection struct {
	Monthly  []Candidate
	Annual   []Candidate
	Failures []Failure
}

// Candidates returns monthly then annual candidates.
func (s *Selection) Candidates() []Candidate {
	out := make([]Candidate, 0, len(s.Monthly)+len(s.Annual))
	out = append(out, s.Monthly...)
	return append(out, s.Annual...)
}

type Selector struct {
	contracts ContractSource
	cal       calendar.BusinessCalendar
	logger    *slog.Logger
}

func New(contracts ContractSource, cal calendar.BusinessCalendar, logger *slog.Logger) *Selector {
	return &Selector{
		contracts: contracts,
		cal:       cal,
		logger:    logger.With("component", "selector"),
	}
}

// Select returns the contracts whose invoice-send date is today. A store
// failure aborts the selection.
func (s *Selector) Select(ctx context.Context, today time.Time) (*Selection, error) {
	today = calendar.Day(today)
	sel := &Selection{}

	for _, cycle := range []model.BillingCycle{model.CycleMonthly, model.CycleAnnual} {
		rows, err := s.contracts.ListActiveByCycle(ctx, cycle)
		if err != nil {
			return nil, fmt.Errorf("select %s contracts: %w", cycle, err)
		}
		for i := range rows {
			row := &rows[i]
			c := &row.Contract

			billing := NextBillingDate(s.cal, c, today)
			send := InvoiceSendDate(billing)
			if !calendar.SameDay(send, today) {
				continue
			}
			if InInitialPeriod(c, today) {
				s.logger.Debug("skipping contract in initial period",
					"contract_id", c.ID, "start_date", c.StartDate.Format(time.DateOnly))
				continue
			}

			if row.Organization == nil {
				sel.Failures = append(sel.Failures, Failure{
					Contract: c,
					Err:      fmt.Errorf("contract %d: %w", c.ID, ErrNoOrganization),
				})
				continue
			}
			if c.StripeCustomerID == nil || *c.StripeCustomerID == "" {
				sel.Failures = append(sel.Failures, Failure{
					Contract:         c,
					OrganizationName: row.Organization.Name,
					Err:              fmt.Errorf("contract %d: %w", c.ID, ErrNoCustomer),
				})
				continue
			}

			cand := Candidate{
				Contract:     c,
				Organization: row.Organization,
				BillingDate:  billing,
				SendDate:     send,
				Period:       BillingPeriod(c.BillingCycle, billing),
			}
			if cycle == model.CycleAnnual {
				sel.Annual = append(sel.Annual, cand)
			} else {
				sel.Monthly = append(sel.Monthly, cand)
			}
		}
	}

	s.logger.Info("contracts selected",
		"date", today.Format(time.DateOnly),
		"monthly", len(sel.Monthly),
		"annual", len(sel.Annual),
		"failures", len(sel.Failures),
	)
	return sel, nil
}

// NextBillingDate returns the first adjusted billing date strictly after
// today. Monthly contracts bill every month on their billing day; annual
// contracts bill on the billing day of their start month.
func NextBillingDate(cal calendar.BusinessCalendar, c *model.Contract, today time.Time) time.Time {
	today = calendar.Day(today)
	if c.BillingCycle == model.CycleAnnual {
		m := c.StartDate.Month()
		for y := today.Year(); ; y++ {
			d := calendar.AdjustedBillingDate(cal, c.BillingDay, calendar.Date(y, m, 1))
			if d.After(today) {
				return d
			}
		}
	}

	first := calendar.Date(today.Year(), today.Month(), 1)
	if d := calendar.AdjustedBillingDate(cal, c.BillingDay, first); d.After(today) {
		return d
	}
	return calendar.AdjustedBillingDate(cal, c.BillingDay, calendar.AddMonths(first, 1))
}

// InvoiceSendDate is LeadDays before the billing date.
func InvoiceSendDate(billing time.Time) time.Time {
	return calendar.AddDays(billing, -LeadDays)
}

// InInitialPeriod reports whether today is still inside the contract's
// first cycle, which is invoiced when the contract is created.
func InInitialPeriod(c *model.Contract, today time.Time) bool {
	if c.BillingCycle == model.CycleAnnual {
		return calendar.Before(today, calendar.AddYears(c.StartDate, 1))
	}
	return calendar.Before(today, calendar.AddMonths(c.StartDate, 1))
}

// BillingPeriod names the cycle a billing date belongs to: YYYY-MM for
// monthly contracts and YYYY for annual ones.
func BillingPeriod(cycle model.BillingCycle, billing time.Time) string {
	if cycle == model.CycleAnnual {
		return billing.Format("2006")
	}
	return billing.Format("2006-01")
}
