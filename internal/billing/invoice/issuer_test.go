package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/calendar"
	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/selector"
	"github.com/dukerupert/sitekit/internal/billing/store"
	"github.com/dukerupert/sitekit/internal/billing/stripe"
	"github.com/dukerupert/sitekit/internal/clock"
	"github.com/dukerupert/sitekit/internal/database"
	"github.com/dukerupert/sitekit/internal/email"
	"github.com/dukerupert/sitekit/internal/logging"
)

type fakeProcessor struct {
	mu       sync.Mutex
	drafts   []stripe.Draft
	lines    []stripe.Line
	keys     []string
	payErr   error
	draftErr error
	paid     int
}

func (f *fakeProcessor) CreateDraft(_ context.Context, d stripe.Draft) (*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.draftErr != nil {
		return nil, f.draftErr
	}
	f.drafts = append(f.drafts, d)
	f.keys = append(f.keys, d.IdempotencyKey)
	return &stripe.Invoice{ID: fmt.Sprintf("in_%d", len(f.drafts)), Status: "draft"}, nil
}

func (f *fakeProcessor) AddLine(_ context.Context, _, _ string, line stripe.Line, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeProcessor) Finalize(_ context.Context, id, key string) (*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	inv := &stripe.Invoice{ID: id, Number: "SK-" + id, Status: "open"}
	if d := f.drafts[len(f.drafts)-1]; d.Collection == stripe.SendInvoice {
		due := time.Date(2025, 2, 7, 0, 0, 0, 0, time.UTC)
		inv.DueDate = &due
	}
	return inv, nil
}

func (f *fakeProcessor) Pay(_ context.Context, id, key string) (*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.payErr != nil {
		return nil, f.payErr
	}
	f.paid++
	return &stripe.Invoice{ID: id, Status: "paid"}, nil
}

type fakeMailer struct {
	sent []email.InvoiceEmail
	err  error
}

func (f *fakeMailer) SendInvoice(_ context.Context, m email.InvoiceEmail) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

type fakeArchive struct {
	keys []string
}

func (f *fakeArchive) Put(_ context.Context, key string, _ []byte) (string, error) {
	f.keys = append(f.keys, key)
	return key, nil
}

type fixture struct {
	contracts *store.ContractStore
	invoices  *store.InvoiceStore
	packages  *store.PackageStore
	orgs      *store.OrganizationStore
	processor *fakeProcessor
	mailer    *fakeMailer
	archive   *fakeArchive
	issuer    *Issuer
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		contracts: store.NewContractStore(db),
		invoices:  store.NewInvoiceStore(db),
		packages:  store.NewPackageStore(db),
		orgs:      store.NewOrganizationStore(db),
		processor: &fakeProcessor{},
		mailer:    &fakeMailer{},
		archive:   &fakeArchive{},
	}
	clk := clock.NewMock(time.Date(2025, 1, 8, 0, 5, 0, 0, time.UTC))
	f.issuer = NewIssuer(f.processor, f.mailer, f.archive, f.invoices, f.packages, clk,
		Config{TaxRatePercent: 10}, logging.Discard())
	return f
}

// candidate creates an organization and contract due on 2025-01-28.
func (f *fixture) candidate(t *testing.T, org model.Organization, mutate func(c *model.Contract)) selector.Candidate {
	t.Helper()
	ctx := context.Background()
	o, err := f.orgs.Create(ctx, &org)
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	c := &model.Contract{
		OrganizationID:   o.ID,
		BillingCycle:     model.CycleMonthly,
		BillingDay:       28,
		StartDate:        calendar.Date(2024, 6, 28),
		Plan:             "standard",
		UserLimit:        30,
		BaseMonthlyFee:   20000,
		StripeCustomerID: strPtr("cus_1"),
	}
	if mutate != nil {
		mutate(c)
	}
	c, err = f.contracts.Create(ctx, c)
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	billing := calendar.Date(2025, 1, 28)
	return selector.Candidate{
		Contract:     c,
		Organization: o,
		BillingDate:  billing,
		SendDate:     selector.InvoiceSendDate(billing),
		Period:       "2025-01",
	}
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey(7, "2025-01")
	if a != IdempotencyKey(7, "2025-01") {
		t.Error("key must be deterministic")
	}
	if a == IdempotencyKey(7, "2025-02") || a == IdempotencyKey(8, "2025-01") {
		t.Error("key must differ per contract and period")
	}
}

func TestIssueCardPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pkg, _ := f.packages.Create(ctx, "Tool tracking", 5000)
	cand := f.candidate(t, model.Organization{Name: "Acme", PaymentMethod: model.PaymentCard}, func(c *model.Contract) {
		c.PackageIDs = []int64{pkg.ID}
		c.PendingProratedCharge = 1500
		c.PendingProratedDescription = strPtr("Mid-cycle upgrade")
	})

	out, err := f.issuer.Issue(ctx, cand)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if out.Status != StatusIssued || out.ChargeFailed {
		t.Fatalf("outcome = %+v", out)
	}

	inv := out.Invoice
	if inv.Amount != 26500 || inv.TaxAmount != 2650 || inv.TotalAmount != 29150 {
		t.Errorf("amounts = %d + %d = %d, want 26500 + 2650 = 29150", inv.Amount, inv.TaxAmount, inv.TotalAmount)
	}
	if inv.Status != model.InvoicePaid {
		t.Errorf("status = %q, want paid", inv.Status)
	}
	if len(inv.Items) != 3 || inv.Items[2].Description != "Mid-cycle upgrade" {
		t.Errorf("items = %+v", inv.Items)
	}

	if f.processor.drafts[0].Collection != stripe.ChargeAutomatically {
		t.Errorf("collection = %q", f.processor.drafts[0].Collection)
	}
	if len(f.processor.lines) != 4 || !strings.HasPrefix(f.processor.lines[3].Description, "Consumption tax") {
		t.Errorf("processor lines = %+v, want 3 items plus tax", f.processor.lines)
	}
	key := IdempotencyKey(cand.Contract.ID, "2025-01")
	if f.processor.keys[0] != key || f.processor.keys[1] != key+":line:1" {
		t.Errorf("keys = %v", f.processor.keys)
	}

	c, _ := f.contracts.GetByID(ctx, cand.Contract.ID)
	if c.PendingProratedCharge != 0 || c.PendingProratedDescription != nil {
		t.Errorf("proration = %d / %v, want cleared", c.PendingProratedCharge, c.PendingProratedDescription)
	}
	stored, _ := f.invoices.GetForPeriod(ctx, c.ID, "2025-01")
	if stored == nil || *stored.IdempotencyKey != key || stored.Status != model.InvoicePaid {
		t.Errorf("stored invoice = %+v, want paid with key %s", stored, key)
	}
}

func TestIssueCardChargeFailureStillRecorded(t *testing.T) {
	f := newFixture(t)
	f.processor.payErr = errors.New("card_declined")
	cand := f.candidate(t, model.Organization{Name: "Acme", PaymentMethod: model.PaymentCard}, nil)

	out, err := f.issuer.Issue(context.Background(), cand)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !out.ChargeFailed || out.Invoice.Status != model.InvoiceChargeFailed {
		t.Errorf("outcome = %+v, want charge_failed", out)
	}
	stored, _ := f.invoices.GetForPeriod(context.Background(), cand.Contract.ID, "2025-01")
	if stored == nil || stored.Status != model.InvoiceChargeFailed {
		t.Errorf("stored = %+v", stored)
	}
}

func TestIssueRecordFailureLeavesCardUncharged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cand := f.candidate(t, model.Organization{Name: "Acme", PaymentMethod: model.PaymentCard}, func(c *model.Contract) {
		c.PendingProratedCharge = 1500
	})

	// A stray row already holding this period's key makes the insert fail.
	key := IdempotencyKey(cand.Contract.ID, "2025-01")
	stray := &model.Invoice{
		OrganizationID: cand.Contract.OrganizationID,
		ContractID:     cand.Contract.ID,
		BillingPeriod:  "2024-12",
		Amount:         100,
		TotalAmount:    100,
		Status:         model.InvoiceOpen,
		IssuedAt:       time.Date(2024, 12, 8, 0, 0, 0, 0, time.UTC),
		IdempotencyKey: &key,
		Items:          []model.InvoiceItem{{Description: "Adjustment", Quantity: 1, UnitPrice: 100, Amount: 100}},
	}
	if _, err := f.invoices.Record(ctx, stray, 0); err != nil {
		t.Fatalf("seed invoice: %v", err)
	}

	if _, err := f.issuer.Issue(ctx, cand); err == nil {
		t.Fatal("expected record error")
	}
	if f.processor.paid != 0 {
		t.Errorf("paid = %d, want 0", f.processor.paid)
	}
	for _, k := range f.processor.keys {
		if k == key+":pay" {
			t.Error("Pay must not be called before the invoice is recorded")
		}
	}
	if inv, _ := f.invoices.GetForPeriod(ctx, cand.Contract.ID, "2025-01"); inv != nil {
		t.Errorf("invoice for 2025-01 = %+v, want none", inv)
	}
	c, _ := f.contracts.GetByID(ctx, cand.Contract.ID)
	if c.PendingProratedCharge != 1500 {
		t.Errorf("pending_prorated_charge = %d, want 1500", c.PendingProratedCharge)
	}
}

func TestIssueInvoiceMethodDelivers(t *testing.T) {
	tests := []struct {
		name      string
		org       model.Organization
		wantTo    string
		delivered bool
	}{
		{"billing contact", model.Organization{Name: "Acme", PaymentMethod: model.PaymentInvoice, BillingEmail: strPtr("billing@acme.test"), AdminEmail: strPtr("admin@acme.test")}, "billing@acme.test", true},
		{"admin fallback", model.Organization{Name: "Acme", PaymentMethod: model.PaymentInvoice, AdminEmail: strPtr("admin@acme.test")}, "admin@acme.test", true},
		{"no contact", model.Organization{Name: "Acme", PaymentMethod: model.PaymentInvoice}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cand := f.candidate(t, tt.org, nil)

			out, err := f.issuer.Issue(context.Background(), cand)
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			if out.Delivered != tt.delivered {
				t.Errorf("delivered = %v, want %v", out.Delivered, tt.delivered)
			}
			if out.Invoice.Status != model.InvoiceOpen || out.Invoice.DueDate == nil {
				t.Errorf("invoice = %+v, want open with due date", out.Invoice)
			}
			if f.processor.paid != 0 {
				t.Error("invoice-method contracts must not be charged")
			}
			if f.processor.drafts[0].Collection != stripe.SendInvoice {
				t.Errorf("collection = %q", f.processor.drafts[0].Collection)
			}
			if len(f.archive.keys) != 1 {
				t.Errorf("archived = %v", f.archive.keys)
			}
			if tt.delivered {
				if len(f.mailer.sent) != 1 || f.mailer.sent[0].To != tt.wantTo {
					t.Fatalf("sent = %+v, want one mail to %s", f.mailer.sent, tt.wantTo)
				}
				if len(f.mailer.sent[0].Document) == 0 || f.mailer.sent[0].InvoiceNumber == "" {
					t.Error("mail should carry the document and number")
				}
			} else if len(f.mailer.sent) != 0 {
				t.Errorf("sent = %+v, want none", f.mailer.sent)
			}
			stored, _ := f.invoices.GetForPeriod(context.Background(), cand.Contract.ID, "2025-01")
			if stored == nil {
				t.Error("invoice must be recorded regardless of delivery")
			}
		})
	}
}

func TestIssueSkipsAlreadyIssued(t *testing.T) {
	f := newFixture(t)
	cand := f.candidate(t, model.Organization{Name: "Acme", PaymentMethod: model.PaymentCard}, nil)
	ctx := context.Background()

	if _, err := f.issuer.Issue(ctx, cand); err != nil {
		t.Fatalf("first issue: %v", err)
	}
	out, err := f.issuer.Issue(ctx, cand)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if out.Status != StatusSkipped || out.Reason != "already issued" {
		t.Errorf("outcome = %+v, want skipped", out)
	}
	if len(f.processor.drafts) != 1 {
		t.Errorf("drafts = %d, want 1", len(f.processor.drafts))
	}
}

func TestIssueSkipsNonBillable(t *testing.T) {
	f := newFixture(t)
	cand := f.candidate(t, model.Organization{Name: "Acme", PaymentMethod: model.PaymentCard}, func(c *model.Contract) {
		c.DiscountAmount = 50000
	})

	out, err := f.issuer.Issue(context.Background(), cand)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if out.Status != StatusSkipped {
		t.Errorf("outcome = %+v, want skipped", out)
	}
	if len(f.processor.drafts) != 0 {
		t.Error("processor must not be called for a zero total")
	}
}

func TestIssueProcessorErrorKeepsProration(t *testing.T) {
	f := newFixture(t)
	f.processor.draftErr = errors.New("stripe unavailable")
	cand := f.candidate(t, model.Organization{Name: "Acme", PaymentMethod: model.PaymentCard}, func(c *model.Contract) {
		c.PendingProratedCharge = 1500
	})

	if _, err := f.issuer.Issue(context.Background(), cand); err == nil {
		t.Fatal("expected processor error")
	}
	c, _ := f.contracts.GetByID(context.Background(), cand.Contract.ID)
	if c.PendingProratedCharge != 1500 {
		t.Errorf("pending_prorated_charge = %d, want 1500", c.PendingProratedCharge)
	}
	if inv, _ := f.invoices.GetForPeriod(context.Background(), c.ID, "2025-01"); inv != nil {
		t.Error("no invoice should be recorded")
	}
}

func TestIssuePricesPendingChangeEffectiveByBillingDate(t *testing.T) {
	f := newFixture(t)
	cand := f.candidate(t, model.Organization{Name: "Acme", PaymentMethod: model.PaymentCard}, func(c *model.Contract) {
		c.PendingPlanChange = &model.PendingPlanChange{
			NewPlan:       "lite",
			NewBaseFee:    8000,
			NewUserLimit:  10,
			EffectiveDate: calendar.Date(2025, 1, 28),
		}
	})

	out, err := f.issuer.Issue(context.Background(), cand)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if out.Invoice.Amount != 8000 || out.Invoice.Items[0].Description != "lite plan" {
		t.Errorf("invoice = %d %+v, want priced on the lite plan", out.Invoice.Amount, out.Invoice.Items)
	}
}
