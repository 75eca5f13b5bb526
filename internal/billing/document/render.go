package document

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/email"
)

//go:embed templates/invoice.html
var templateFS embed.FS

var invoiceTmpl = template.Must(template.New("invoice.html").Funcs(template.FuncMap{
	"yen": email.Yen,
	"date": func(v any) string {
		switch t := v.(type) {
		case time.Time:
			return t.Format("2006-01-02")
		case *time.Time:
			if t == nil {
				return ""
			}
			return t.Format("2006-01-02")
		}
		return ""
	},
}).ParseFS(templateFS, "templates/invoice.html"))

// Data is everything the invoice document shows.
type Data struct {
	Number           string
	OrganizationName string
	BillingPeriod    string
	PaymentMethod    model.PaymentMethod
	IssuedAt         time.Time
	DueDate          *time.Time
	Items            []model.InvoiceItem
	Amount           int64
	TaxAmount        int64
	TotalAmount      int64
	TaxRatePercent   int64
}

// FromInvoice fills Data from a built invoice.
func FromInvoice(inv *model.Invoice, orgName string, pm model.PaymentMethod, taxRatePercent int64) Data {
	number := inv.BillingPeriod
	if inv.InvoiceNumber != nil && *inv.InvoiceNumber != "" {
		number = *inv.InvoiceNumber
	}
	return Data{
		Number:           number,
		OrganizationName: orgName,
		BillingPeriod:    inv.BillingPeriod,
		PaymentMethod:    pm,
		IssuedAt:         inv.IssuedAt,
		DueDate:          inv.DueDate,
		Items:            inv.Items,
		Amount:           inv.Amount,
		TaxAmount:        inv.TaxAmount,
		TotalAmount:      inv.TotalAmount,
		TaxRatePercent:   taxRatePercent,
	}
}

// Render produces the HTML invoice document.
func Render(d Data) ([]byte, error) {
	var buf bytes.Buffer
	if err := invoiceTmpl.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", d.Number, err)
	}
	return buf.Bytes(), nil
}

// FileName is the attachment and archive name of an invoice document.
func FileName(d Data) string {
	return fmt.Sprintf("invoice-%s.html", d.Number)
}
