package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/store"
)

// EventVerifier checks a processor webhook signature.
type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// WebhookHandler keeps local invoice status in step with payments that
// settle after issuance, such as bank transfers on send_invoice invoices.
type WebhookHandler struct {
	verifier EventVerifier
	invoices *store.InvoiceStore
	logger   *slog.Logger
}

func NewWebhookHandler(verifier EventVerifier, invoices *store.InvoiceStore, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, invoices: invoices, logger: logger}
}

var invoiceEventStatus = map[stripe.EventType]model.InvoiceStatus{
	"invoice.paid":                 model.InvoicePaid,
	"invoice.payment_failed":       model.InvoiceChargeFailed,
	"invoice.voided":               model.InvoiceVoid,
	"invoice.marked_uncollectible": model.InvoiceVoid,
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.verifier.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	status, ok := invoiceEventStatus[event.Type]
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		h.logger.Error("unmarshal invoice event", "event", event.Type, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	found, err := h.invoices.UpdateStatusByExternalID(r.Context(), inv.ID, status)
	if err != nil {
		h.logger.Error("update invoice status", "invoice", inv.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		h.logger.Debug("webhook for unknown invoice", "invoice", inv.ID, "event", event.Type)
	} else {
		h.logger.Info("invoice status updated", "invoice", inv.ID, "status", status)
	}
	w.WriteHeader(http.StatusOK)
}
