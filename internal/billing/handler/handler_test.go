package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/sitekit/internal/billing/batch"
	"github.com/dukerupert/sitekit/internal/billing/calendar"
	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/planchange"
	"github.com/dukerupert/sitekit/internal/billing/store"
	"github.com/dukerupert/sitekit/internal/clock"
	"github.com/dukerupert/sitekit/internal/database"
	"github.com/dukerupert/sitekit/internal/logging"
)

type fakeTrigger struct {
	report *batch.Report
	err    error
}

func (f *fakeTrigger) Trigger(context.Context) (*batch.Report, error) {
	return f.report, f.err
}

func TestCronRunReturnsReport(t *testing.T) {
	h := NewCronHandler(&fakeTrigger{report: &batch.Report{RunID: "run-1", Total: 3, Success: 3, Errors: []batch.ContractError{}}}, logging.Discard())

	rec := httptest.NewRecorder()
	h.Run(rec, httptest.NewRequest("POST", "/cron/billing", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got batch.Report
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunID != "run-1" || got.Success != 3 {
		t.Errorf("report = %+v", got)
	}
}

func TestCronRunFailure(t *testing.T) {
	h := NewCronHandler(&fakeTrigger{
		report: &batch.Report{RunID: "run-2"},
		err:    errors.New("select monthly contracts: database is locked"),
	}, logging.Discard())

	rec := httptest.NewRecorder()
	h.Run(rec, httptest.NewRequest("POST", "/cron/billing", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var got map[string]string
	json.NewDecoder(rec.Body).Decode(&got)
	if !strings.Contains(got["error"], "database is locked") || got["run_id"] != "run-2" {
		t.Errorf("body = %v", got)
	}
}

type planChangeFixture struct {
	mux       *http.ServeMux
	contracts *store.ContractStore
	runs      *store.RunStore
	invoices  *store.InvoiceStore
	contract  *model.Contract
}

func newPlanChangeFixture(t *testing.T) *planChangeFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	f := &planChangeFixture{
		mux:       http.NewServeMux(),
		contracts: store.NewContractStore(db),
		runs:      store.NewRunStore(db),
		invoices:  store.NewInvoiceStore(db),
	}
	users := store.NewUserStore(db)
	clk := clock.NewMock(time.Date(2025, 1, 8, 1, 0, 0, 0, time.UTC))
	machine := planchange.New(f.contracts, users, store.NewNotificationStore(db), nil, clk, time.UTC, logging.Discard())

	org, err := store.NewOrganizationStore(db).Create(ctx, &model.Organization{Name: "Acme", PaymentMethod: model.PaymentCard})
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	f.contract, err = f.contracts.Create(ctx, &model.Contract{
		OrganizationID: org.ID,
		BillingCycle:   model.CycleMonthly,
		BillingDay:     28,
		StartDate:      calendar.Date(2024, 6, 28),
		Plan:           "standard",
		UserLimit:      30,
		BaseMonthlyFee: 20000,
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}

	pc := NewPlanChangeHandler(machine, f.contracts, logging.Discard())
	f.mux.HandleFunc("GET /api/contracts/{id}/plan-change", pc.Get)
	f.mux.HandleFunc("POST /api/contracts/{id}/plan-change", pc.Request)
	f.mux.HandleFunc("DELETE /api/contracts/{id}/plan-change", pc.Cancel)
	rh := NewRunHandler(f.runs, logging.Discard())
	f.mux.HandleFunc("GET /api/runs", rh.List)
	f.mux.HandleFunc("GET /api/runs/{id}", rh.Get)
	return f
}

func (f *planChangeFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

const liteDowngrade = `{"new_plan":"lite","new_base_fee":8000,"new_user_limit":10,"effective_date":"2025-01-28"}`

func TestPlanChangeRequestAndCancel(t *testing.T) {
	f := newPlanChangeFixture(t)
	path := "/api/contracts/1/plan-change"

	rec := f.do("POST", path, liteDowngrade)
	if rec.Code != http.StatusCreated {
		t.Fatalf("request status = %d, body %s", rec.Code, rec.Body)
	}
	var resp planChangeResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.State != planchange.StatePending || resp.Pending == nil || resp.Pending.NewPlan != "lite" {
		t.Errorf("response = %+v", resp)
	}

	rec = f.do("GET", path, "")
	json.NewDecoder(rec.Body).Decode(&resp)
	if rec.Code != http.StatusOK || resp.State != planchange.StatePending {
		t.Errorf("get = %d %+v", rec.Code, resp)
	}

	if rec := f.do("POST", path, liteDowngrade); rec.Code != http.StatusConflict {
		t.Errorf("second request status = %d, want 409", rec.Code)
	}

	if rec := f.do("DELETE", path, ""); rec.Code != http.StatusNoContent {
		t.Errorf("cancel status = %d, want 204", rec.Code)
	}
	if rec := f.do("DELETE", path, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want 404", rec.Code)
	}
}

func TestPlanChangeRequestErrors(t *testing.T) {
	f := newPlanChangeFixture(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad id", "/api/contracts/abc/plan-change", liteDowngrade, http.StatusBadRequest},
		{"unknown contract", "/api/contracts/99/plan-change", liteDowngrade, http.StatusNotFound},
		{"malformed body", "/api/contracts/1/plan-change", `{`, http.StatusBadRequest},
		{"bad date", "/api/contracts/1/plan-change", `{"new_plan":"lite","new_user_limit":10,"effective_date":"28/01/2025"}`, http.StatusBadRequest},
		{"past date", "/api/contracts/1/plan-change", `{"new_plan":"lite","new_user_limit":10,"effective_date":"2025-01-01"}`, http.StatusBadRequest},
		{"missing plan", "/api/contracts/1/plan-change", `{"new_user_limit":10,"effective_date":"2025-01-28"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do("POST", tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestRunList(t *testing.T) {
	f := newPlanChangeFixture(t)
	ctx := context.Background()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		started := time.Date(2025, 1, 6+i, 0, 5, 0, 0, time.UTC)
		if err := f.runs.Start(ctx, &model.RunRecord{ID: id, RunDate: started.Format(time.DateOnly), StartedAt: started}); err != nil {
			t.Fatalf("start run: %v", err)
		}
	}

	rec := f.do("GET", "/api/runs?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var runs []model.RunRecord
	json.NewDecoder(rec.Body).Decode(&runs)
	if len(runs) != 2 || runs[0].ID != "run-c" {
		t.Errorf("runs = %+v, want run-c first of 2", runs)
	}

	if rec := f.do("GET", "/api/runs?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
	if rec := f.do("GET", "/api/runs/run-b", ""); rec.Code != http.StatusOK {
		t.Errorf("get run status = %d, want 200", rec.Code)
	}
	if rec := f.do("GET", "/api/runs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}
}

func TestRunListEmpty(t *testing.T) {
	f := newPlanChangeFixture(t)
	rec := f.do("GET", "/api/runs", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rec.Body)
	}
}

type fakeVerifier struct {
	event stripe.Event
	err   error
}

func (f *fakeVerifier) ConstructWebhookEvent([]byte, string) (stripe.Event, error) {
	return f.event, f.err
}

func TestWebhookMarksInvoicePaid(t *testing.T) {
	f := newPlanChangeFixture(t)
	ctx := context.Background()
	ext := "in_123"
	inv := &model.Invoice{
		OrganizationID: f.contract.OrganizationID,
		ContractID:     f.contract.ID,
		BillingPeriod:  "2025-01",
		ExternalID:     &ext,
		Amount:         20000,
		TaxAmount:      2000,
		TotalAmount:    22000,
		Status:         model.InvoiceOpen,
		IssuedAt:       time.Date(2025, 1, 8, 0, 5, 0, 0, time.UTC),
		Items:          []model.InvoiceItem{{Description: "standard plan", Quantity: 1, UnitPrice: 20000, Amount: 20000}},
	}
	if _, err := f.invoices.Record(ctx, inv, 0); err != nil {
		t.Fatalf("record invoice: %v", err)
	}

	h := NewWebhookHandler(&fakeVerifier{event: stripe.Event{
		Type: "invoice.paid",
		Data: &stripe.EventData{Raw: json.RawMessage(`{"id":"in_123","object":"invoice"}`)},
	}}, f.invoices, logging.Discard())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader("{}")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got, _ := f.invoices.GetByID(ctx, inv.ID)
	if got.Status != model.InvoicePaid {
		t.Errorf("status = %s, want paid", got.Status)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newPlanChangeFixture(t)
	h := NewWebhookHandler(&fakeVerifier{err: errors.New("signature mismatch")}, f.invoices, logging.Discard())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
