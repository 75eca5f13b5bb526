package model

import "time"

type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractSuspended ContractStatus = "suspended"
	ContractCancelled ContractStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentCard    PaymentMethod = "card"
	PaymentInvoice PaymentMethod = "invoice"
)

type InvoiceStatus string

const (
	InvoicePending      InvoiceStatus = "pending"
	InvoiceOpen         InvoiceStatus = "open"
	InvoicePaid         InvoiceStatus = "paid"
	InvoiceChargeFailed InvoiceStatus = "charge_failed"
	InvoiceVoid         InvoiceStatus = "void"
)

// Contract is one tenant organization's subscription.
type Contract struct {
	ID                         int64              `json:"id"`
	OrganizationID             int64              `json:"organization_id"`
	BillingCycle               BillingCycle       `json:"billing_cycle"`
	BillingDay                 int                `json:"billing_day"`
	Status                     ContractStatus     `json:"status"`
	StartDate                  time.Time          `json:"start_date"`
	Plan                       string             `json:"plan"`
	UserLimit                  int                `json:"user_limit"`
	BaseMonthlyFee             int64              `json:"base_monthly_fee"`
	PackageIDs                 []int64            `json:"package_ids"`
	DiscountAmount             int64              `json:"discount_amount"`
	DiscountDescription        *string            `json:"discount_description"`
	PendingProratedCharge      int64              `json:"pending_prorated_charge"`
	PendingProratedDescription *string            `json:"pending_prorated_description"`
	PendingPlanChange          *PendingPlanChange `json:"pending_plan_change"`
	PlanChangeRequestedAt      *time.Time         `json:"plan_change_requested_at"`
	PlanChangeGraceDeadline    *time.Time         `json:"plan_change_grace_deadline"`
	PlanChangeEnforcedAt       *time.Time         `json:"plan_change_enforced_at"`
	StripeCustomerID           *string            `json:"stripe_customer_id"`
	Version                    int64              `json:"version"`
	CreatedAt                  time.Time          `json:"created_at"`
	UpdatedAt                  time.Time          `json:"updated_at"`
}

// HasPlanChangeActivity reports whether the contract has anything for the
// plan-change machinery to look at.
func (c *Contract) HasPlanChangeActivity() bool {
	return c.PendingPlanChange != nil || c.PlanChangeGraceDeadline != nil
}

type Organization struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	BillingEmail  *string       `json:"billing_email"`
	AdminEmail    *string       `json:"admin_email"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// InvoiceRecipient returns the billing contact, falling back to the admin
// contact. Empty when neither is set.
func (o *Organization) InvoiceRecipient() string {
	if o.BillingEmail != nil && *o.BillingEmail != "" {
		return *o.BillingEmail
	}
	if o.AdminEmail != nil && *o.AdminEmail != "" {
		return *o.AdminEmail
	}
	return ""
}

// User is the slice of a tenant user account that enforcement touches.
type User struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at"`
}

type Package struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	MonthlyFee int64     `json:"monthly_fee"`
	CreatedAt  time.Time `json:"created_at"`
}

type Invoice struct {
	ID               int64         `json:"id"`
	OrganizationID   int64         `json:"organization_id"`
	ContractID       int64         `json:"contract_id"`
	BillingPeriod    string        `json:"billing_period"`
	ExternalID       *string       `json:"external_id"`
	InvoiceNumber    *string       `json:"invoice_number"`
	Amount           int64         `json:"amount"`
	TaxAmount        int64         `json:"tax_amount"`
	TotalAmount      int64         `json:"total_amount"`
	Status           InvoiceStatus `json:"status"`
	DueDate          *time.Time    `json:"due_date"`
	IssuedAt         time.Time     `json:"issued_at"`
	IsInitialInvoice bool          `json:"is_initial_invoice"`
	IdempotencyKey   *string       `json:"idempotency_key"`
	Items            []InvoiceItem `json:"items"`
	CreatedAt        time.Time     `json:"created_at"`
}

type InvoiceItem struct {
	ID          int64  `json:"id"`
	InvoiceID   int64  `json:"invoice_id"`
	Position    int    `json:"position"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Amount      int64  `json:"amount"`
}

// RunRecord is the persisted summary of one batch run.
type RunRecord struct {
	ID         string     `json:"id"`
	RunDate    string     `json:"run_date"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Total      int        `json:"total"`
	Success    int        `json:"success"`
	Failure    int        `json:"failure"`
	Skipped    int        `json:"skipped"`
	Report     string     `json:"report,omitempty"`
}
