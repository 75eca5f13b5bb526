package batch

import (
	"time"
)

// Phase names the part of a run a contract result came from.
type Phase string

const (
	PhaseSelect     Phase = "select"
	PhasePlanChange Phase = "plan_change"
	PhaseIssue      Phase = "issue"
	PhaseEnforce    Phase = "enforce"
)

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
	Skipped Outcome = "skipped"
)

// Result is what processing one contract in one phase produced.
type Result struct {
	ContractID       int64
	OrganizationName string
	Phase            Phase
	Outcome          Outcome
	Detail           string
	Err              error

	Invoiced    bool
	Applied     bool
	Deactivated int
}

// ContractError is a per-contract failure as reported to the caller.
type ContractError struct {
	ContractID       int64  `json:"contract_id"`
	OrganizationName string `json:"organization_name"`
	Phase            Phase  `json:"phase"`
	ErrorMessage     string `json:"error_message"`
}

// Report summarizes one run. Total counts distinct contracts; Success,
// Failure and Skipped count per-phase results, of which a contract may
// have several.
type Report struct {
	RunID              string          `json:"run_id"`
	RunDate            string          `json:"run_date"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         time.Time       `json:"finished_at"`
	Total              int             `json:"total"`
	Results            int             `json:"results"`
	Success            int             `json:"success"`
	Failure            int             `json:"failure"`
	Skipped            int             `json:"skipped"`
	Invoiced           int             `json:"invoiced"`
	PlanChangesApplied int             `json:"plan_changes_applied"`
	UsersDeactivated   int             `json:"users_deactivated"`
	Errors             []ContractError `json:"errors"`

	seen map[int64]struct{}
}

func newReport(runID string, runDate time.Time, started time.Time) *Report {
	return &Report{
		RunID:     runID,
		RunDate:   runDate.Format(time.DateOnly),
		StartedAt: started,
		Errors:    []ContractError{},
	}
}

// Add folds one result into the report.
func (r *Report) Add(res Result) {
	r.Results++
	if r.seen == nil {
		r.seen = make(map[int64]struct{})
	}
	if _, ok := r.seen[res.ContractID]; !ok {
		r.seen[res.ContractID] = struct{}{}
		r.Total++
	}
	switch res.Outcome {
	case Success:
		r.Success++
	case Skipped:
		r.Skipped++
	case Failure:
		r.Failure++
		msg := "unknown error"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		r.Errors = append(r.Errors, ContractError{
			ContractID:       res.ContractID,
			OrganizationName: res.OrganizationName,
			Phase:            res.Phase,
			ErrorMessage:     msg,
		})
	}
	if res.Invoiced {
		r.Invoiced++
	}
	if res.Applied {
		r.PlanChangesApplied++
	}
	r.UsersDeactivated += res.Deactivated
}
