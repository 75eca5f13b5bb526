package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/invoiceitem"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Collection is the processor's collection method for an invoice.
type Collection string

const (
	ChargeAutomatically Collection = "charge_automatically"
	SendInvoice         Collection = "send_invoice"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	DaysUntilDue  int64
}

// Draft describes a customer-scoped invoice to open on the processor.
type Draft struct {
	CustomerID     string
	Collection     Collection
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Line is one invoice line item in minor currency units.
type Line struct {
	Description string
	Amount      int64
}

// Invoice is the read-only processor metadata the engine keeps.
type Invoice struct {
	ID        string
	Number    string
	Status    string
	AmountDue int64
	DueDate   *time.Time
	Created   time.Time
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyJPY)
	}
	if cfg.DaysUntilDue <= 0 {
		cfg.DaysUntilDue = 30
	}
	return &Client{cfg: cfg}
}

// Configured returns true if a secret key is set.
func (c *Client) Configured() bool {
	return c.cfg.SecretKey != ""
}

// CreateDraft opens a draft invoice that only collects items added to it
// explicitly.
func (c *Client) CreateDraft(ctx context.Context, d Draft) (*Invoice, error) {
	params := &stripe.InvoiceParams{
		Customer:                    stripe.String(d.CustomerID),
		CollectionMethod:            stripe.String(string(d.Collection)),
		Currency:                    stripe.String(c.cfg.Currency),
		AutoAdvance:                 stripe.Bool(false),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
	}
	if d.Collection == SendInvoice {
		params.DaysUntilDue = stripe.Int64(c.cfg.DaysUntilDue)
	}
	if d.Description != "" {
		params.Description = stripe.String(d.Description)
	}
	for k, v := range d.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if d.IdempotencyKey != "" {
		params.SetIdempotencyKey(d.IdempotencyKey)
	}

	inv, err := invoice.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe invoice: %w", err)
	}
	return convert(inv), nil
}

// AddLine attaches a line item to a draft invoice.
func (c *Client) AddLine(ctx context.Context, customerID, invoiceID string, line Line, idempotencyKey string) error {
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Invoice:     stripe.String(invoiceID),
		Amount:      stripe.Int64(line.Amount),
		Currency:    stripe.String(c.cfg.Currency),
		Description: stripe.String(line.Description),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	if _, err := invoiceitem.New(params); err != nil {
		return fmt.Errorf("create stripe invoice item: %w", err)
	}
	return nil
}

func (c *Client) Finalize(ctx context.Context, invoiceID, idempotencyKey string) (*Invoice, error) {
	params := &stripe.InvoiceFinalizeInvoiceParams{AutoAdvance: stripe.Bool(false)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	inv, err := invoice.FinalizeInvoice(invoiceID, params)
	if err != nil {
		return nil, fmt.Errorf("finalize stripe invoice: %w", err)
	}
	return convert(inv), nil
}

// Pay attempts an immediate charge of a finalized invoice against the
// customer's default payment method.
func (c *Client) Pay(ctx context.Context, invoiceID, idempotencyKey string) (*Invoice, error) {
	params := &stripe.InvoicePayParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	inv, err := invoice.Pay(invoiceID, params)
	if err != nil {
		return nil, fmt.Errorf("pay stripe invoice: %w", err)
	}
	return convert(inv), nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
}

// IsCardError reports whether err is a processor decline rather than a
// transport or API failure.
func IsCardError(err error) bool {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.Type == stripe.ErrorTypeCard
	}
	return false
}

func convert(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:        inv.ID,
		Number:    inv.Number,
		Status:    string(inv.Status),
		AmountDue: inv.AmountDue,
		Created:   time.Unix(inv.Created, 0).UTC(),
	}
	if inv.DueDate > 0 {
		due := time.Unix(inv.DueDate, 0).UTC()
		out.DueDate = &due
	}
	return out
}
