package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	stripe "github.com/stripe/stripe-go/v82"
)

type recordedCall struct {
	method, path, idempotencyKey string
	form                         map[string]string
}

func setupStripeServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *[]recordedCall {
	t.Helper()
	var mu sync.Mutex
	calls := &[]recordedCall{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		form := make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		mu.Lock()
		*calls = append(*calls, recordedCall{
			method:         r.Method,
			path:           r.URL.Path,
			idempotencyKey: r.Header.Get("Idempotency-Key"),
			form:           form,
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	prev := stripe.GetBackend(stripe.APIBackend)
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(server.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}))
	t.Cleanup(func() { stripe.SetBackend(stripe.APIBackend, prev) })
	return calls
}

func TestCreateDraftSendInvoice(t *testing.T) {
	calls := setupStripeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"in_1","object":"invoice","status":"draft","created":1736294400,"due_date":1738886400}`))
	})

	c := NewClient(Config{SecretKey: "sk_test", DaysUntilDue: 30})
	inv, err := c.CreateDraft(context.Background(), Draft{
		CustomerID:     "cus_1",
		Collection:     SendInvoice,
		Metadata:       map[string]string{"contract_id": "7"},
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}

	if inv.ID != "in_1" || inv.Status != "draft" {
		t.Errorf("invoice = %+v", inv)
	}
	if inv.DueDate == nil || inv.DueDate.Unix() != 1738886400 {
		t.Errorf("due date = %v", inv.DueDate)
	}
	if len(*calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(*calls))
	}
	got := (*calls)[0]
	if got.path != "/v1/invoices" {
		t.Errorf("path = %q", got.path)
	}
	if got.idempotencyKey != "key-1" {
		t.Errorf("idempotency key = %q, want key-1", got.idempotencyKey)
	}
	if got.form["collection_method"] != "send_invoice" {
		t.Errorf("collection_method = %q", got.form["collection_method"])
	}
	if got.form["days_until_due"] != "30" {
		t.Errorf("days_until_due = %q, want 30", got.form["days_until_due"])
	}
	if got.form["currency"] != "jpy" {
		t.Errorf("currency = %q, want jpy", got.form["currency"])
	}
	if got.form["metadata[contract_id]"] != "7" {
		t.Errorf("metadata = %q", got.form["metadata[contract_id]"])
	}
}

func TestCreateDraftChargeAutomaticallyOmitsDueDays(t *testing.T) {
	calls := setupStripeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"in_2","object":"invoice","status":"draft"}`))
	})

	c := NewClient(Config{SecretKey: "sk_test"})
	if _, err := c.CreateDraft(context.Background(), Draft{CustomerID: "cus_1", Collection: ChargeAutomatically}); err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if _, ok := (*calls)[0].form["days_until_due"]; ok {
		t.Error("days_until_due must not be sent for automatic collection")
	}
}

func TestAddLineAndFinalize(t *testing.T) {
	calls := setupStripeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/finalize") {
			w.Write([]byte(`{"id":"in_1","object":"invoice","number":"ABC-0001","status":"open","amount_due":23650}`))
			return
		}
		w.Write([]byte(`{"id":"ii_1","object":"invoiceitem"}`))
	})

	c := NewClient(Config{SecretKey: "sk_test"})
	ctx := context.Background()
	if err := c.AddLine(ctx, "cus_1", "in_1", Line{Description: "Discount", Amount: -500}, "key-1:line:1"); err != nil {
		t.Fatalf("add line: %v", err)
	}
	inv, err := c.Finalize(ctx, "in_1", "key-1:finalize")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if inv.Number != "ABC-0001" || inv.Status != "open" || inv.AmountDue != 23650 {
		t.Errorf("finalized = %+v", inv)
	}
	line := (*calls)[0]
	if line.path != "/v1/invoiceitems" || line.form["amount"] != "-500" || line.form["invoice"] != "in_1" {
		t.Errorf("line call = %+v", line)
	}
	if (*calls)[1].path != "/v1/invoices/in_1/finalize" {
		t.Errorf("finalize path = %q", (*calls)[1].path)
	}
}

func TestPayCardDecline(t *testing.T) {
	setupStripeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	})

	c := NewClient(Config{SecretKey: "sk_test"})
	_, err := c.Pay(context.Background(), "in_1", "key-1:pay")
	if err == nil {
		t.Fatal("expected decline error")
	}
	if !IsCardError(err) {
		t.Errorf("IsCardError(%v) = false, want true", err)
	}
}

func TestConfigured(t *testing.T) {
	if NewClient(Config{}).Configured() {
		t.Error("empty key should not be configured")
	}
	if !NewClient(Config{SecretKey: "sk_test"}).Configured() {
		t.Error("expected configured")
	}
}
