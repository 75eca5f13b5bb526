// Package invoice turns a selected contract into a processor invoice and
// its local record.
package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/dukerupert/sitekit/internal/billing/document"
	"github.com/dukerupert/sitekit/internal/billing/fee"
	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/planchange"
	"github.com/dukerupert/sitekit/internal/billing/selector"
	"github.com/dukerupert/sitekit/internal/billing/store"
	"github.com/dukerupert/sitekit/internal/billing/stripe"
	"github.com/dukerupert/sitekit/internal/clock"
	"github.com/dukerupert/sitekit/internal/email"
)

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://sitekit.app/billing/invoices"))

// IdempotencyKey is the processor idempotency key of a contract's invoice
// for one billing period. It is stable across retried runs.
func IdempotencyKey(contractID int64, period string) string {
	return uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("contract:%d:period:%s", contractID, period))).String()
}

// Processor is the payment processor's invoice API.
type Processor interface {
	CreateDraft(ctx context.Context, d stripe.Draft) (*stripe.Invoice, error)
	AddLine(ctx context.Context, customerID, invoiceID string, line stripe.Line, idempotencyKey string) error
	Finalize(ctx context.Context, invoiceID, idempotencyKey string) (*stripe.Invoice, error)
	Pay(ctx context.Context, invoiceID, idempotencyKey string) (*stripe.Invoice, error)
}

// Mailer delivers invoice documents.
type Mailer interface {
	SendInvoice(ctx context.Context, m email.InvoiceEmail) error
}

// Archive keeps a copy of rendered documents.
type Archive interface {
	Put(ctx context.Context, key string, doc []byte) (string, error)
}

type Status string

const (
	StatusIssued  Status = "issued"
	StatusSkipped Status = "skipped"
)

// Outcome is the result of issuing one contract's invoice.
type Outcome struct {
	Status       Status
	Reason       string
	Invoice      *model.Invoice
	ChargeFailed bool
	Delivered    bool
}

type Config struct {
	TaxRatePercent int64
}

type Issuer struct {
	processor Processor
	mailer    Mailer
	archive   Archive
	invoices  *store.InvoiceStore
	packages  *store.PackageStore
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
}

func NewIssuer(processor Processor, mailer Mailer, archive Archive, invoices *store.InvoiceStore,
	packages *store.PackageStore, clk clock.Clock, cfg Config, logger *slog.Logger) *Issuer {
	return &Issuer{
		processor: processor,
		mailer:    mailer,
		archive:   archive,
		invoices:  invoices,
		packages:  packages,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.With("component", "invoice"),
	}
}

// Issue invoices one candidate. A contract already invoiced for the
// period, or owing nothing, is skipped. A declined card charge is recorded
// on the invoice and is not an error.
func (s *Issuer) Issue(ctx context.Context, cand selector.Candidate) (*Outcome, error) {
	c := cand.Contract
	org := cand.Organization
	log := s.logger.With("contract_id", c.ID, "organization_id", c.OrganizationID, "period", cand.Period)

	existing, err := s.invoices.GetForPeriod(ctx, c.ID, cand.Period)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Info("invoice already issued", "invoice_id", existing.ID)
		return &Outcome{Status: StatusSkipped, Reason: "already issued", Invoice: existing}, nil
	}

	priced := planchange.Project(c, cand.BillingDate)
	pkgs, err := s.packages.ListByIDs(ctx, priced.PackageIDs)
	if err != nil {
		return nil, err
	}
	calc := fee.Calculate(priced, pkgs)
	if !calc.Billable() {
		log.Info("nothing to invoice", "subtotal", calc.Subtotal, "discount", calc.Discount)
		return &Outcome{Status: StatusSkipped, Reason: "non-positive total"}, nil
	}
	tax := fee.Tax(calc.Total, s.cfg.TaxRatePercent)

	key := IdempotencyKey(c.ID, cand.Period)
	customerID := *c.StripeCustomerID
	collection := stripe.ChargeAutomatically
	if org.PaymentMethod == model.PaymentInvoice {
		collection = stripe.SendInvoice
	}

	draft, err := s.processor.CreateDraft(ctx, stripe.Draft{
		CustomerID:  customerID,
		Collection:  collection,
		Description: fmt.Sprintf("%s %s", org.Name, cand.Period),
		Metadata: map[string]string{
			"contract_id":     strconv.FormatInt(c.ID, 10),
			"organization_id": strconv.FormatInt(c.OrganizationID, 10),
			"billing_period":  cand.Period,
		},
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	for i, it := range calc.Items {
		line := stripe.Line{Description: it.Description, Amount: it.Amount}
		if err := s.processor.AddLine(ctx, customerID, draft.ID, line, fmt.Sprintf("%s:line:%d", key, i+1)); err != nil {
			return nil, err
		}
	}
	if tax > 0 {
		line := stripe.Line{Description: fmt.Sprintf("Consumption tax (%d%%)", s.cfg.TaxRatePercent), Amount: tax}
		if err := s.processor.AddLine(ctx, customerID, draft.ID, line, key+":tax"); err != nil {
			return nil, err
		}
	}
	final, err := s.processor.Finalize(ctx, draft.ID, key+":finalize")
	if err != nil {
		return nil, err
	}

	out := &Outcome{Status: StatusIssued}
	inv := &model.Invoice{
		OrganizationID: c.OrganizationID,
		ContractID:     c.ID,
		BillingPeriod:  cand.Period,
		ExternalID:     &final.ID,
		Amount:         calc.Total,
		TaxAmount:      tax,
		TotalAmount:    calc.Total + tax,
		Status:         model.InvoiceOpen,
		DueDate:        final.DueDate,
		IssuedAt:       s.clock.Now().UTC(),
		IdempotencyKey: &key,
	}
	if final.Number != "" {
		inv.InvoiceNumber = &final.Number
	}
	for _, it := range calc.Items {
		inv.Items = append(inv.Items, model.InvoiceItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Amount:      it.Amount,
		})
	}

	res, err := s.invoices.Record(ctx, inv, c.PendingProratedCharge)
	if err != nil {
		return nil, err
	}
	if c.PendingProratedCharge > 0 {
		if res.ProrationCleared {
			c.PendingProratedCharge = 0
			c.PendingProratedDescription = nil
			c.Version++
		} else {
			log.Warn("prorated charge changed during issuance, left in place")
		}
	}
	out.Invoice = inv

	// The card is charged only once the invoice is on record.
	if collection == stripe.ChargeAutomatically {
		s.charge(ctx, log, inv, key, out)
	}

	log.Info("invoice issued",
		"invoice_id", inv.ID,
		"external_id", final.ID,
		"total", inv.TotalAmount,
		"status", inv.Status,
	)

	if org.PaymentMethod == model.PaymentInvoice {
		out.Delivered = s.deliver(ctx, log, cand, inv)
	}
	return out, nil
}

// charge pays a recorded card invoice and stores the resulting status. A
// failed status write is logged and leaves the local row open.
func (s *Issuer) charge(ctx context.Context, log *slog.Logger, inv *model.Invoice, key string, out *Outcome) {
	status := model.InvoiceOpen
	paid, err := s.processor.Pay(ctx, *inv.ExternalID, key+":pay")
	switch {
	case err != nil:
		log.Warn("card charge failed", "invoice", *inv.ExternalID, "card_error", stripe.IsCardError(err), "error", err)
		status = model.InvoiceChargeFailed
		out.ChargeFailed = true
	case paid.Status == "paid":
		status = model.InvoicePaid
	}
	if status == model.InvoiceOpen {
		return
	}
	if _, err := s.invoices.UpdateStatusByExternalID(ctx, *inv.ExternalID, status); err != nil {
		log.Error("record charge status", "invoice_id", inv.ID, "status", status, "error", err)
		return
	}
	inv.Status = status
}

// deliver renders, archives and emails an invoice-method document.
// Failures are logged; the invoice is already recorded.
func (s *Issuer) deliver(ctx context.Context, log *slog.Logger, cand selector.Candidate, inv *model.Invoice) bool {
	org := cand.Organization
	data := document.FromInvoice(inv, org.Name, org.PaymentMethod, s.cfg.TaxRatePercent)
	doc, err := document.Render(data)
	if err != nil {
		log.Error("render invoice document", "error", err)
		return false
	}
	name := document.FileName(data)

	if s.archive != nil {
		if _, err := s.archive.Put(ctx, document.Key(org.ID, inv.ContractID, inv.BillingPeriod, name), doc); err != nil {
			log.Warn("archive invoice document", "error", err)
		}
	}

	to := org.InvoiceRecipient()
	if to == "" {
		log.Warn("no billing or admin contact, invoice delivery skipped")
		return false
	}
	if s.mailer == nil {
		log.Warn("mailer not configured, invoice delivery skipped")
		return false
	}
	msg := email.InvoiceEmail{
		To:               to,
		OrganizationName: org.Name,
		BillingPeriod:    inv.BillingPeriod,
		Amount:           inv.Amount,
		TaxAmount:        inv.TaxAmount,
		TotalAmount:      inv.TotalAmount,
		DueDate:          inv.DueDate,
		Document:         doc,
		DocumentName:     name,
	}
	if inv.InvoiceNumber != nil {
		msg.InvoiceNumber = *inv.InvoiceNumber
	}
	if err := s.mailer.SendInvoice(ctx, msg); err != nil {
		log.Warn("invoice delivery failed", "to", to, "error", err)
		return false
	}
	log.Info("invoice delivered", "to", to)
	return true
}
