package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/model"
)

// OrganizationStore reads tenant organizations. The billing engine never
// mutates them outside of test seeding.
type OrganizationStore struct {
	db *sql.DB
}

func NewOrganizationStore(db *sql.DB) *OrganizationStore {
	return &OrganizationStore{db: db}
}

func scanOrganization(scanner interface{ Scan(...any) error }) (*model.Organization, error) {
	var o model.Organization
	var billingEmail, adminEmail sql.NullString
	err := scanner.Scan(&o.ID, &o.Name, &o.PaymentMethod, &billingEmail, &adminEmail, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.BillingEmail = nullString(billingEmail)
	o.AdminEmail = nullString(adminEmail)
	return &o, nil
}

const organizationCols = `id, name, payment_method, billing_email, admin_email, created_at, updated_at`

func (s *OrganizationStore) Create(ctx context.Context, o *model.Organization) (*model.Organization, error) {
	pm := o.PaymentMethod
	if pm == "" {
		pm = model.PaymentCard
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (name, payment_method, billing_email, admin_email) VALUES (?, ?, ?, ?)`,
		o.Name, pm, o.BillingEmail, o.AdminEmail,
	)
	if err != nil {
		return nil, fmt.Errorf("insert organization: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *OrganizationStore) GetByID(ctx context.Context, id int64) (*model.Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+organizationCols+` FROM organizations WHERE id = ?`, id)
	o, err := scanOrganization(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return o, nil
}

func (s *OrganizationStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete organization: %w", err)
	}
	return nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
