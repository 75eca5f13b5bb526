package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/sitekit/internal/billing/model"
)

// RunStore keeps the history of batch runs.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

func scanRun(scanner interface{ Scan(...any) error }) (*model.RunRecord, error) {
	var r model.RunRecord
	var finished sql.NullTime
	var report sql.NullString
	err := scanner.Scan(&r.ID, &r.RunDate, &r.StartedAt, &finished, &r.Total, &r.Success, &r.Failure, &r.Skipped, &report)
	if err != nil {
		return nil, err
	}
	r.FinishedAt = nullTime(finished)
	r.Report = report.String
	return &r, nil
}

const runCols = `id, run_date, started_at, finished_at, total, success, failure, skipped, report`

func (s *RunStore) Start(ctx context.Context, r *model.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_runs (id, run_date, started_at) VALUES (?, ?, ?)`,
		r.ID, r.RunDate, r.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert billing run: %w", err)
	}
	return nil
}

func (s *RunStore) Finish(ctx context.Context, r *model.RunRecord) error {
	var finished any
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE billing_runs SET finished_at = ?, total = ?, success = ?, failure = ?, skipped = ?, report = ? WHERE id = ?`,
		finished, r.Total, r.Success, r.Failure, r.Skipped, r.Report, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish billing run: %w", err)
	}
	return nil
}

func (s *RunStore) GetByID(ctx context.Context, id string) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM billing_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get billing run: %w", err)
	}
	return r, nil
}

// ListRecent returns the latest runs, newest first.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM billing_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list billing runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan billing run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
