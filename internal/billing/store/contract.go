package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/model"
)

// ErrVersionConflict is returned when a contract changed between read and
// write.
var ErrVersionConflict = errors.New("contract was modified concurrently")

type ContractStore struct {
	db *sql.DB
}

func NewContractStore(db *sql.DB) *ContractStore {
	return &ContractStore{db: db}
}

// ContractRow pairs a contract with its organization. Organization is nil
// when the organization row is missing.
type ContractRow struct {
	Contract     model.Contract
	Organization *model.Organization
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const contractCols = `c.id, c.organization_id, c.billing_cycle, c.billing_day, c.status, c.start_date,
	c.plan, c.user_limit, c.base_monthly_fee, c.discount_amount, c.discount_description,
	c.pending_prorated_charge, c.pending_prorated_description, c.pending_plan_change,
	c.plan_change_requested_at, c.plan_change_grace_deadline, c.plan_change_enforced_at,
	c.stripe_customer_id, c.version, c.created_at, c.updated_at`

const contractOrgCols = `o.id, o.name, o.payment_method, o.billing_email, o.admin_email, o.created_at, o.updated_at`

const contractFrom = ` FROM contracts c LEFT JOIN organizations o ON o.id = c.organization_id`

func scanContractRow(scanner interface{ Scan(...any) error }) (*ContractRow, error) {
	var r ContractRow
	c := &r.Contract
	var (
		discountDesc, prorationDesc, pendingRaw, stripeID sql.NullString
		requestedAt, graceDeadline, enforcedAt             sql.NullTime
		orgID                                              sql.NullInt64
		orgName, orgPM, orgBilling, orgAdmin               sql.NullString
		orgCreated, orgUpdated                             sql.NullTime
	)
	err := scanner.Scan(
		&c.ID, &c.OrganizationID, &c.BillingCycle, &c.BillingDay, &c.Status, &c.StartDate,
		&c.Plan, &c.UserLimit, &c.BaseMonthlyFee, &c.DiscountAmount, &discountDesc,
		&c.PendingProratedCharge, &prorationDesc, &pendingRaw,
		&requestedAt, &graceDeadline, &enforcedAt,
		&stripeID, &c.Version, &c.CreatedAt, &c.UpdatedAt,
		&orgID, &orgName, &orgPM, &orgBilling, &orgAdmin, &orgCreated, &orgUpdated,
	)
	if err != nil {
		return nil, err
	}
	c.DiscountDescription = nullString(discountDesc)
	c.PendingProratedDescription = nullString(prorationDesc)
	c.PlanChangeRequestedAt = nullTime(requestedAt)
	c.PlanChangeGraceDeadline = nullTime(graceDeadline)
	c.PlanChangeEnforcedAt = nullTime(enforcedAt)
	c.StripeCustomerID = nullString(stripeID)
	if pendingRaw.Valid && pendingRaw.String != "" {
		var pc model.PendingPlanChange
		if err := pc.Scan(pendingRaw.String); err != nil {
			return nil, err
		}
		c.PendingPlanChange = &pc
	}
	if orgID.Valid {
		r.Organization = &model.Organization{
			ID:            orgID.Int64,
			Name:          orgName.String,
			PaymentMethod: model.PaymentMethod(orgPM.String),
			BillingEmail:  nullString(orgBilling),
			AdminEmail:    nullString(orgAdmin),
			CreatedAt:     orgCreated.Time,
			UpdatedAt:     orgUpdated.Time,
		}
	}
	return &r, nil
}

// Create inserts a contract and its package links.
func (s *ContractStore) Create(ctx context.Context, c *model.Contract) (*model.Contract, error) {
	cycle := c.BillingCycle
	if cycle == "" {
		cycle = model.CycleMonthly
	}
	status := c.Status
	if status == "" {
		status = model.ContractActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO contracts (
			organization_id, billing_cycle, billing_day, status, start_date, plan, user_limit,
			base_monthly_fee, discount_amount, discount_description,
			pending_prorated_charge, pending_prorated_description, pending_plan_change,
			plan_change_requested_at, plan_change_grace_deadline, stripe_customer_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.OrganizationID, cycle, c.BillingDay, status, c.StartDate.UTC(), c.Plan, c.UserLimit,
		c.BaseMonthlyFee, c.DiscountAmount, c.DiscountDescription,
		c.PendingProratedCharge, c.PendingProratedDescription, c.PendingPlanChange,
		utcPtr(c.PlanChangeRequestedAt), utcPtr(c.PlanChangeGraceDeadline), c.StripeCustomerID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert contract: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := replacePackages(ctx, tx, id, c.PackageIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit contract: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *ContractStore) GetByID(ctx context.Context, id int64) (*model.Contract, error) {
	r, err := s.GetRow(ctx, id)
	if err != nil || r == nil {
		return nil, err
	}
	return &r.Contract, nil
}

// GetRow returns the contract with its organization join.
func (s *ContractStore) GetRow(ctx context.Context, id int64) (*ContractRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contractCols+`, `+contractOrgCols+contractFrom+` WHERE c.id = ?`, id)
	r, err := scanContractRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}
	ids, err := loadPackageIDs(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	r.Contract.PackageIDs = ids
	return r, nil
}

// ListActiveByCycle returns active contracts of one billing cycle, ordered
// by id.
func (s *ContractStore) ListActiveByCycle(ctx context.Context, cycle model.BillingCycle) ([]ContractRow, error) {
	return s.list(ctx, ` WHERE c.status = ? AND c.billing_cycle = ? ORDER BY c.id`, model.ContractActive, cycle)
}

// ListWithPlanChangeActivity returns active contracts that carry a pending
// plan change or an open grace period.
func (s *ContractStore) ListWithPlanChangeActivity(ctx context.Context) ([]ContractRow, error) {
	return s.list(ctx,
		` WHERE c.status = ? AND (c.pending_plan_change IS NOT NULL OR c.plan_change_grace_deadline IS NOT NULL) ORDER BY c.id`,
		model.ContractActive,
	)
}

func (s *ContractStore) list(ctx context.Context, where string, args ...any) ([]ContractRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contractCols+`, `+contractOrgCols+contractFrom+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}

	var out []ContractRow
	for rows.Next() {
		r, err := scanContractRow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	rows.Close()

	// Package links load after the cursor closes; in-memory databases run
	// on a single connection.
	for i := range out {
		ids, err := loadPackageIDs(ctx, s.db, out[i].Contract.ID)
		if err != nil {
			return nil, err
		}
		out[i].Contract.PackageIDs = ids
	}
	return out, nil
}

// SetPendingPlanChange stores (or with a nil change, clears) the pending
// plan change under an optimistic version check.
func (s *ContractStore) SetPendingPlanChange(ctx context.Context, c *model.Contract, change *model.PendingPlanChange, requestedAt *time.Time) error {
	return s.updateVersioned(ctx, c,
		`pending_plan_change = ?, plan_change_requested_at = ?`,
		change, utcPtr(requestedAt),
	)
}

// ApplyPlanChange persists a contract whose plan fields (and prorated
// charge) were overwritten from its pending change, replacing its package links in the same
// transaction. c must carry the version it was read at.
func (s *ContractStore) ApplyPlanChange(ctx context.Context, c *model.Contract) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE contracts SET
			plan = ?, base_monthly_fee = ?, user_limit = ?,
			pending_prorated_charge = ?, pending_prorated_description = ?,
			pending_plan_change = ?, plan_change_grace_deadline = ?, plan_change_enforced_at = NULL,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`,
		c.Plan, c.BaseMonthlyFee, c.UserLimit,
		c.PendingProratedCharge, c.PendingProratedDescription,
		c.PendingPlanChange, utcPtr(c.PlanChangeGraceDeadline),
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("apply plan change: %w", err)
	}
	if err := checkOneRow(result); err != nil {
		return err
	}
	if err := replacePackages(ctx, tx, c.ID, c.PackageIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit plan change: %w", err)
	}
	c.Version++
	return nil
}

// CloseGracePeriod clears the grace deadline. enforcedAt is set when users
// were deactivated and left nil when the organization was already
// compliant.
func (s *ContractStore) CloseGracePeriod(ctx context.Context, c *model.Contract, enforcedAt *time.Time) error {
	if err := s.updateVersioned(ctx, c,
		`plan_change_grace_deadline = NULL, plan_change_enforced_at = ?`,
		utcPtr(enforcedAt),
	); err != nil {
		return err
	}
	c.PlanChangeGraceDeadline = nil
	c.PlanChangeEnforcedAt = enforcedAt
	return nil
}

// SetProratedCharge records a one-time amount for the next invoice.
func (s *ContractStore) SetProratedCharge(ctx context.Context, c *model.Contract, amount int64, description *string) error {
	return s.updateVersioned(ctx, c,
		`pending_prorated_charge = ?, pending_prorated_description = ?`,
		amount, description,
	)
}

func (s *ContractStore) updateVersioned(ctx context.Context, c *model.Contract, set string, args ...any) error {
	args = append(args, c.ID, c.Version)
	result, err := s.db.ExecContext(ctx,
		`UPDATE contracts SET `+set+`, version = version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND version = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	if err := checkOneRow(result); err != nil {
		return err
	}
	c.Version++
	return nil
}

func checkOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func loadPackageIDs(ctx context.Context, q queryer, contractID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT package_id FROM contract_packages WHERE contract_id = ? ORDER BY package_id`,
		contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("list contract packages: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contract package: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func replacePackages(ctx context.Context, tx *sql.Tx, contractID int64, ids []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM contract_packages WHERE contract_id = ?`, contractID); err != nil {
		return fmt.Errorf("clear contract packages: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contract_packages (contract_id, package_id) VALUES (?, ?)`,
			contractID, id,
		); err != nil {
			return fmt.Errorf("insert contract package: %w", err)
		}
	}
	return nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
