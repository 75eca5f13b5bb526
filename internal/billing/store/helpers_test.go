package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedOrg(t *testing.T, db *sql.DB, name string, pm model.PaymentMethod) *model.Organization {
	t.Helper()
	o, err := NewOrganizationStore(db).Create(context.Background(), &model.Organization{
		Name:          name,
		PaymentMethod: pm,
		BillingEmail:  strPtr("billing@" + name + ".test"),
	})
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	return o
}

func seedContract(t *testing.T, db *sql.DB, orgID int64, mutate func(c *model.Contract)) *model.Contract {
	t.Helper()
	c := &model.Contract{
		OrganizationID:   orgID,
		BillingCycle:     model.CycleMonthly,
		BillingDay:       28,
		StartDate:        date(2024, 6, 28),
		Plan:             "standard",
		UserLimit:        30,
		BaseMonthlyFee:   20000,
		StripeCustomerID: strPtr("cus_123"),
	}
	if mutate != nil {
		mutate(c)
	}
	created, err := NewContractStore(db).Create(context.Background(), c)
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return created
}
