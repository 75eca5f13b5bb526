package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

type postmarkEmail struct {
	From        string               `json:"From"`
	To          string               `json:"To"`
	Subject     string               `json:"Subject"`
	HtmlBody    string               `json:"HtmlBody"`
	TextBody    string               `json:"TextBody"`
	Tag         string               `json:"Tag,omitempty"`
	Attachments []postmarkAttachment `json:"Attachments,omitempty"`
}

// InvoiceEmail carries an issued invoice to a tenant's billing contact.
type InvoiceEmail struct {
	To               string
	OrganizationName string
	InvoiceNumber    string
	BillingPeriod    string
	Amount           int64
	TaxAmount        int64
	TotalAmount      int64
	DueDate          *time.Time
	Document         []byte
	DocumentName     string
}

// PlanChangeNotice is the payload of every plan-change email.
type PlanChangeNotice struct {
	To               string
	OrganizationName string
	NewPlan          string
	NewUserLimit     int
	ActiveUsers      int
	Excess           int
	EffectiveDate    time.Time
	GraceDeadline    time.Time
	DaysRemaining    int
	Deactivated      int
}

func (c *Client) SendInvoice(ctx context.Context, m InvoiceEmail) error {
	number := m.InvoiceNumber
	if number == "" {
		number = m.BillingPeriod
	}
	due := "on receipt"
	if m.DueDate != nil {
		due = m.DueDate.Format("2006-01-02")
	}
	subject := fmt.Sprintf("Invoice %s for %s", number, m.OrganizationName)
	textBody := fmt.Sprintf(
		"Invoice %s (%s)\n\nSubtotal: %s\nTax: %s\nTotal: %s\nDue: %s\n\nThe invoice document is attached.",
		number, m.BillingPeriod, Yen(m.Amount), Yen(m.TaxAmount), Yen(m.TotalAmount), due,
	)
	htmlBody := fmt.Sprintf(
		`<p>Invoice <strong>%s</strong> (%s)</p><p>Subtotal: %s<br>Tax: %s<br>Total: <strong>%s</strong><br>Due: %s</p><p>The invoice document is attached.</p>`,
		number, m.BillingPeriod, Yen(m.Amount), Yen(m.TaxAmount), Yen(m.TotalAmount), due,
	)

	msg := postmarkEmail{
		To:       m.To,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      "invoice",
	}
	if len(m.Document) > 0 {
		name := m.DocumentName
		if name == "" {
			name = "invoice.html"
		}
		msg.Attachments = []postmarkAttachment{{
			Name:        name,
			Content:     base64.StdEncoding.EncodeToString(m.Document),
			ContentType: "text/html",
		}}
	}
	return c.send(ctx, msg)
}

// SendPlanChangeWarning tells an organization that its scheduled downgrade
// will leave it over the new user limit.
func (c *Client) SendPlanChangeWarning(ctx context.Context, n PlanChangeNotice) error {
	subject := fmt.Sprintf("Action needed: %s plan allows %d users", n.NewPlan, n.NewUserLimit)
	text := fmt.Sprintf(
		"Your plan changes to %s on %s. It allows %d users and %s currently has %d active users.\n\n"+
			"Please deactivate %d users by %s. After that date the newest accounts will be deactivated automatically.",
		n.NewPlan, day(n.EffectiveDate), n.NewUserLimit, n.OrganizationName, n.ActiveUsers,
		n.Excess, day(n.GraceDeadline),
	)
	return c.send(ctx, plain(n.To, subject, text, "plan-change-warning"))
}

func (c *Client) SendPlanChangeReminder(ctx context.Context, n PlanChangeNotice) error {
	subject := fmt.Sprintf("Your plan changes to %s on %s", n.NewPlan, day(n.EffectiveDate))
	text := fmt.Sprintf(
		"This is a reminder that %s moves to the %s plan on %s (user limit %d).",
		n.OrganizationName, n.NewPlan, day(n.EffectiveDate), n.NewUserLimit,
	)
	if n.Excess > 0 {
		text += fmt.Sprintf("\n\nYou are %d users over the new limit.", n.Excess)
	}
	return c.send(ctx, plain(n.To, subject, text, "plan-change-reminder"))
}

func (c *Client) SendGraceReminder(ctx context.Context, n PlanChangeNotice) error {
	subject := fmt.Sprintf("%d days left to reduce users", n.DaysRemaining)
	text := fmt.Sprintf(
		"%s has %d active users on a plan that allows %d. %d days remain until %s, "+
			"when %d of the newest accounts will be deactivated.",
		n.OrganizationName, n.ActiveUsers, n.NewUserLimit, n.DaysRemaining, day(n.GraceDeadline), n.Excess,
	)
	return c.send(ctx, plain(n.To, subject, text, "grace-reminder"))
}

func (c *Client) SendEnforcementNotice(ctx context.Context, n PlanChangeNotice) error {
	subject := fmt.Sprintf("%d user accounts were deactivated", n.Deactivated)
	text := fmt.Sprintf(
		"The grace period for %s ended on %s. %d of the newest user accounts were deactivated to meet the limit of %d users.",
		n.OrganizationName, day(n.GraceDeadline), n.Deactivated, n.NewUserLimit,
	)
	return c.send(ctx, plain(n.To, subject, text, "plan-change-enforced"))
}

func plain(to, subject, text, tag string) postmarkEmail {
	html := "<p>" + strings.ReplaceAll(text, "\n\n", "</p><p>") + "</p>"
	return postmarkEmail{To: to, Subject: subject, TextBody: text, HtmlBody: html, Tag: tag}
}

func (c *Client) send(ctx context.Context, msg postmarkEmail) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}
	if msg.To == "" {
		return fmt.Errorf("email has no recipient")
	}
	msg.From = c.fromEmail

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}

func day(t time.Time) string {
	return t.Format("2006-01-02")
}

// Yen formats an amount of yen with thousands separators, e.g. ¥23,650.
func Yen(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	s := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "¥" + b.String()
}
