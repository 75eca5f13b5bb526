package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("test-token", "billing@sitekit.test", "https://sitekit.test",
		WithHTTPClient(&http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}))
}

func TestSendInvoiceWithAttachment(t *testing.T) {
	var received postmarkEmail
	var gotToken string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"MessageID": "test-id"}`))
	})

	due := time.Date(2025, 2, 7, 0, 0, 0, 0, time.UTC)
	err := client.SendInvoice(context.Background(), InvoiceEmail{
		To:               "billing@acme.test",
		OrganizationName: "Acme Construction",
		InvoiceNumber:    "INV-0001",
		BillingPeriod:    "2025-01",
		Amount:           21500,
		TaxAmount:        2150,
		TotalAmount:      23650,
		DueDate:          &due,
		Document:         []byte("<html>invoice</html>"),
	})
	if err != nil {
		t.Fatalf("send invoice: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if received.From != "billing@sitekit.test" {
		t.Errorf("From = %q", received.From)
	}
	if received.To != "billing@acme.test" {
		t.Errorf("To = %q, want billing@acme.test", received.To)
	}
	if received.Subject != "Invoice INV-0001 for Acme Construction" {
		t.Errorf("Subject = %q", received.Subject)
	}
	if !strings.Contains(received.TextBody, "¥23,650") || !strings.Contains(received.TextBody, "2025-02-07") {
		t.Errorf("TextBody = %q", received.TextBody)
	}
	if len(received.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(received.Attachments))
	}
	doc, _ := base64.StdEncoding.DecodeString(received.Attachments[0].Content)
	if string(doc) != "<html>invoice</html>" {
		t.Errorf("attachment = %q", doc)
	}
}

func TestSendPlanChangeWarning(t *testing.T) {
	var received postmarkEmail
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	})

	err := client.SendPlanChangeWarning(context.Background(), PlanChangeNotice{
		To:               "admin@acme.test",
		OrganizationName: "Acme",
		NewPlan:          "lite",
		NewUserLimit:     10,
		ActiveUsers:      25,
		Excess:           15,
		EffectiveDate:    time.Date(2025, 1, 28, 0, 0, 0, 0, time.UTC),
		GraceDeadline:    time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("send warning: %v", err)
	}
	if received.Tag != "plan-change-warning" {
		t.Errorf("Tag = %q", received.Tag)
	}
	if !strings.Contains(received.TextBody, "deactivate 15 users by 2025-01-31") {
		t.Errorf("TextBody = %q", received.TextBody)
	}
}

func TestSendGraceReminderSubject(t *testing.T) {
	var received postmarkEmail
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	})

	err := client.SendGraceReminder(context.Background(), PlanChangeNotice{
		To:            "admin@acme.test",
		DaysRemaining: 2,
		GraceDeadline: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("send grace reminder: %v", err)
	}
	if received.Subject != "2 days left to reduce users" {
		t.Errorf("Subject = %q", received.Subject)
	}
}

func TestSendAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	err := client.SendPlanChangeReminder(context.Background(), PlanChangeNotice{To: "a@b.test"})
	if err == nil {
		t.Fatal("expected error for API failure")
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	client := NewClient("test-token", "from@test.com", "")
	if err := client.SendEnforcementNotice(context.Background(), PlanChangeNotice{}); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestSendNotConfigured(t *testing.T) {
	client := NewClient("", "from@test.com", "")
	if err := client.SendInvoice(context.Background(), InvoiceEmail{To: "a@b.test"}); err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestConfigured(t *testing.T) {
	c1 := NewClient("token", "from@test.com", "https://test.com")
	if !c1.Configured() {
		t.Error("expected Configured() = true")
	}

	c2 := NewClient("", "from@test.com", "https://test.com")
	if c2.Configured() {
		t.Error("expected Configured() = false")
	}
}

func TestYen(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "¥0"},
		{999, "¥999"},
		{1000, "¥1,000"},
		{23650, "¥23,650"},
		{1234567, "¥1,234,567"},
		{-5000, "-¥5,000"},
	}
	for _, tt := range tests {
		if got := Yen(tt.in); got != tt.want {
			t.Errorf("Yen(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// rewriteTransport redirects all requests to a test server URL.
type rewriteTransport struct {
	base   http.RoundTripper
	target string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.target[len("http://"):]
	return t.base.RoundTrip(req)
}
