// Package batch runs the daily billing pass: plan-change transitions,
// invoice issuance for the contracts due today, and grace-period
// enforcement. Each contract is processed in isolation; only failures of
// the run itself abort it.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/sitekit/internal/billing/calendar"
	"github.com/dukerupert/sitekit/internal/billing/invoice"
	"github.com/dukerupert/sitekit/internal/billing/metrics"
	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/planchange"
	"github.com/dukerupert/sitekit/internal/billing/selector"
	"github.com/dukerupert/sitekit/internal/billing/store"
	"github.com/dukerupert/sitekit/internal/clock"
	"github.com/dukerupert/sitekit/internal/websocket"
)

const defaultContractTimeout = 60 * time.Second

// Publisher receives run progress events.
type Publisher interface {
	Publish(ev websocket.Event)
}

// Deps are the collaborators of a Runner. Feed and Metrics are optional.
type Deps struct {
	Selector  *selector.Selector
	Machine   *planchange.Machine
	Enforcer  *planchange.Enforcer
	Issuer    *invoice.Issuer
	Contracts *store.ContractStore
	Runs      *store.RunStore
	Feed      Publisher
	Metrics   *metrics.Metrics
	Clock     clock.Clock
}

type Config struct {
	// Location is the zone whose calendar date is "today".
	Location        *time.Location
	ContractTimeout time.Duration
}

type Runner struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group
}

func NewRunner(deps Deps, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ContractTimeout <= 0 {
		cfg.ContractTimeout = defaultContractTimeout
	}
	return &Runner{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "batch"),
	}
}

// Today is the current civil date in the billing zone.
func (r *Runner) Today() time.Time {
	return calendar.DateOf(r.deps.Clock.Now(), r.cfg.Location)
}

// Trigger runs the batch for today. Concurrent triggers for the same day
// share a single run. The run is detached from ctx's cancellation so a
// dropped HTTP connection does not stop it half way.
func (r *Runner) Trigger(ctx context.Context) (*Report, error) {
	today := r.Today()
	v, err, shared := r.group.Do(today.Format(time.DateOnly), func() (any, error) {
		return r.Run(context.WithoutCancel(ctx), today)
	})
	if shared {
		r.logger.Info("joined in-flight billing run", "date", today.Format(time.DateOnly))
	}
	report, _ := v.(*Report)
	return report, err
}

// Run executes one billing pass for today. It returns an error only when
// the run cannot proceed at all: the run record cannot be written or a
// contract query fails.
func (r *Runner) Run(ctx context.Context, today time.Time) (*Report, error) {
	today = calendar.Day(today)
	started := r.deps.Clock.Now().UTC()
	report := newReport(uuid.NewString(), today, started)
	log := r.logger.With("run_id", report.RunID, "date", report.RunDate)

	rec := &model.RunRecord{ID: report.RunID, RunDate: report.RunDate, StartedAt: started}
	if err := r.deps.Runs.Start(ctx, rec); err != nil {
		return nil, fmt.Errorf("start billing run: %w", err)
	}
	log.Info("billing run started")
	r.publish(websocket.Event{Type: "run_started", RunID: report.RunID, Extra: map[string]any{"date": report.RunDate}})

	err := r.phases(ctx, today, report)
	if err != nil {
		log.Error("billing run aborted", "error", err)
	}

	report.FinishedAt = r.deps.Clock.Now().UTC()
	if ferr := r.finish(ctx, rec, report); ferr != nil && err == nil {
		err = ferr
	}
	r.deps.Metrics.ObserveRun(err == nil, report.StartedAt, report.FinishedAt)
	r.publish(websocket.Event{
		Type:  "run_finished",
		RunID: report.RunID,
		Extra: map[string]any{"total": report.Total, "success": report.Success, "failure": report.Failure, "skipped": report.Skipped},
	})
	log.Info("billing run finished",
		"total", report.Total,
		"success", report.Success,
		"failure", report.Failure,
		"skipped", report.Skipped,
		"invoiced", report.Invoiced,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	if err != nil {
		return report, err
	}
	return report, nil
}

func (r *Runner) phases(ctx context.Context, today time.Time, report *Report) error {
	if err := r.sweepPlanChanges(ctx, today, report); err != nil {
		return err
	}
	if err := r.issueDue(ctx, today, report); err != nil {
		return err
	}
	return r.enforceExpired(ctx, today, report)
}

// sweepPlanChanges advances every contract with a pending change or an
// open grace period.
func (r *Runner) sweepPlanChanges(ctx context.Context, today time.Time, report *Report) error {
	rows, err := r.deps.Contracts.ListWithPlanChangeActivity(ctx)
	if err != nil {
		return fmt.Errorf("list plan-change contracts: %w", err)
	}
	for i := range rows {
		row := &rows[i]
		res := r.process(ctx, PhasePlanChange, row, func(ctx context.Context) (Result, error) {
			prog, err := r.deps.Machine.Advance(ctx, row, today)
			if err != nil {
				return Result{}, err
			}
			if prog.Reminded {
				r.deps.Metrics.ObserveNotification(string(store.NotifyPlanChangeReminder))
			}
			if prog.GraceReminded {
				r.deps.Metrics.ObserveNotification(string(store.NotifyGraceReminder))
			}
			if !prog.Changed() {
				return Result{}, errNothingToDo
			}
			return Result{Outcome: Success, Applied: prog.Applied, Detail: progressDetail(prog)}, nil
		})
		r.record(report, res)
	}
	return nil
}

// issueDue invoices the contracts whose invoice-send date is today.
func (r *Runner) issueDue(ctx context.Context, today time.Time, report *Report) error {
	sel, err := r.deps.Selector.Select(ctx, today)
	if err != nil {
		return err
	}
	for _, f := range sel.Failures {
		r.record(report, Result{
			ContractID:       f.Contract.ID,
			OrganizationName: f.OrganizationName,
			Phase:            PhaseSelect,
			Outcome:          Failure,
			Err:              f.Err,
		})
	}

	for _, cand := range sel.Candidates() {
		row := &store.ContractRow{Contract: *cand.Contract, Organization: cand.Organization}
		res := r.process(ctx, PhaseIssue, row, func(ctx context.Context) (Result, error) {
			warned, err := r.deps.Machine.CheckWarning(ctx, row, today)
			if err != nil {
				r.logger.Warn("plan-change warning check failed", "contract_id", cand.Contract.ID, "error", err)
			}
			if warned {
				r.deps.Metrics.ObserveNotification(string(store.NotifyPlanChangeWarning))
			}

			out, err := r.deps.Issuer.Issue(ctx, cand)
			if err != nil {
				return Result{}, err
			}
			if out.Status == invoice.StatusSkipped {
				return Result{Outcome: Skipped, Detail: out.Reason}, nil
			}
			r.deps.Metrics.ObserveInvoice(string(cand.Organization.PaymentMethod), string(out.Invoice.Status), out.Invoice.TotalAmount)
			detail := fmt.Sprintf("invoice %d %s", out.Invoice.ID, out.Invoice.Status)
			return Result{Outcome: Success, Invoiced: true, Detail: detail}, nil
		})
		r.record(report, res)
	}
	return nil
}

// enforceExpired closes grace periods whose deadline has been reached.
func (r *Runner) enforceExpired(ctx context.Context, today time.Time, report *Report) error {
	rows, err := r.deps.Contracts.ListWithPlanChangeActivity(ctx)
	if err != nil {
		return fmt.Errorf("list grace-period contracts: %w", err)
	}
	for i := range rows {
		row := &rows[i]
		if !planchange.IsDue(row.Contract.PlanChangeGraceDeadline, today) {
			continue
		}
		res := r.process(ctx, PhaseEnforce, row, func(ctx context.Context) (Result, error) {
			enf, err := r.deps.Enforcer.Enforce(ctx, row, today)
			if err != nil {
				return Result{}, err
			}
			r.deps.Metrics.ObserveDeactivated(enf.Deactivated)
			if enf.Resolved {
				return Result{Outcome: Success, Detail: "resolved without deactivation"}, nil
			}
			return Result{
				Outcome:     Success,
				Deactivated: enf.Deactivated,
				Detail:      fmt.Sprintf("deactivated %d of %d users", enf.Deactivated, enf.ActiveUsers),
			}, nil
		})
		r.record(report, res)
	}
	return nil
}

// errNothingToDo marks a processed contract that needs no result line.
var errNothingToDo = fmt.Errorf("nothing to do")

// process runs fn for one contract under its own deadline, turning errors
// and panics into a failed Result.
func (r *Runner) process(ctx context.Context, phase Phase, row *store.ContractRow,
	fn func(ctx context.Context) (Result, error)) (res Result) {
	ident := Result{ContractID: row.Contract.ID, Phase: phase}
	if row.Organization != nil {
		ident.OrganizationName = row.Organization.Name
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ContractTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic processing contract",
				"contract_id", ident.ContractID, "phase", phase, "panic", p, "stack", string(debug.Stack()))
			res = ident
			res.Outcome = Failure
			res.Err = fmt.Errorf("panic: %v", p)
		}
	}()

	out, err := fn(ctx)
	if err == errNothingToDo {
		return Result{}
	}
	out.ContractID = ident.ContractID
	out.OrganizationName = ident.OrganizationName
	out.Phase = phase
	if err != nil {
		out.Outcome = Failure
		out.Err = err
	}
	return out
}

func (r *Runner) record(report *Report, res Result) {
	if res.Outcome == "" {
		return
	}
	report.Add(res)
	r.deps.Metrics.ObserveContract(string(res.Phase), string(res.Outcome))

	ev := websocket.Event{
		Type:       "contract_processed",
		RunID:      report.RunID,
		Phase:      string(res.Phase),
		ContractID: res.ContractID,
		Outcome:    string(res.Outcome),
	}
	attrs := []any{"contract_id", res.ContractID, "phase", res.Phase, "outcome", res.Outcome}
	if res.Detail != "" {
		attrs = append(attrs, "detail", res.Detail)
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
		attrs = append(attrs, "organization", res.OrganizationName, "error", res.Err)
		r.logger.Warn("contract failed", attrs...)
	} else {
		r.logger.Info("contract processed", attrs...)
	}
	r.publish(ev)
}

func (r *Runner) finish(ctx context.Context, rec *model.RunRecord, report *Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	finished := report.FinishedAt
	rec.FinishedAt = &finished
	rec.Total = report.Total
	rec.Success = report.Success
	rec.Failure = report.Failure
	rec.Skipped = report.Skipped
	rec.Report = string(data)
	if err := r.deps.Runs.Finish(ctx, rec); err != nil {
		return fmt.Errorf("finish billing run: %w", err)
	}
	return nil
}

func (r *Runner) publish(ev websocket.Event) {
	if r.deps.Feed != nil {
		r.deps.Feed.Publish(ev)
	}
}

func progressDetail(p planchange.Progress) string {
	switch {
	case p.Applied && p.GraceReminded:
		return fmt.Sprintf("plan change applied, %d grace days remaining", p.DaysRemaining)
	case p.Applied:
		return "plan change applied"
	case p.Reminded:
		return "plan change reminder sent"
	default:
		return fmt.Sprintf("grace reminder sent, %d days remaining", p.DaysRemaining)
	}
}
