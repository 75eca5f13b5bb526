// Package fee computes what a contract owes for one billing cycle.
package fee

import (
	"fmt"

	"github.com/dukerupert/sitekit/internal/billing/model"
)

const defaultProrationDescription = "Prorated adjustment"

// Item is one invoice line. Amounts are integer currency units.
type Item struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Amount      int64  `json:"amount"`
}

// Charge is a one-time amount folded into the calculation, such as a
// plan-change initial fee.
type Charge struct {
	Description string
	Amount      int64
}

// Calculation is the fee breakdown for one cycle. Total is always
// Subtotal - Discount and never negative.
type Calculation struct {
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Total    int64  `json:"total"`
	Items    []Item `json:"items"`
}

// Billable reports whether the calculation should produce an invoice.
func (c Calculation) Billable() bool {
	return c.Total > 0
}

// CycleMonths is the number of monthly fees one cycle bills.
func CycleMonths(cycle model.BillingCycle) int64 {
	if cycle == model.CycleAnnual {
		return 12
	}
	return 1
}

// Calculate prices one billing cycle of c. packages are the contract's
// active packages; extras are one-time charges placed before the
// proration line. Item order: base fee, packages, extras, proration,
// discount.
func Calculate(c *model.Contract, packages []model.Package, extras ...Charge) Calculation {
	months := CycleMonths(c.BillingCycle)

	var calc Calculation
	add := func(it Item) {
		calc.Items = append(calc.Items, it)
		calc.Subtotal += it.Amount
	}

	add(Item{
		Description: planDescription(c.Plan, c.BillingCycle),
		Quantity:    months,
		UnitPrice:   c.BaseMonthlyFee,
		Amount:      c.BaseMonthlyFee * months,
	})
	for _, p := range packages {
		add(Item{
			Description: p.Name,
			Quantity:    months,
			UnitPrice:   p.MonthlyFee,
			Amount:      p.MonthlyFee * months,
		})
	}
	for _, x := range extras {
		if x.Amount <= 0 {
			continue
		}
		add(Item{Description: x.Description, Quantity: 1, UnitPrice: x.Amount, Amount: x.Amount})
	}
	if c.PendingProratedCharge > 0 {
		desc := defaultProrationDescription
		if c.PendingProratedDescription != nil && *c.PendingProratedDescription != "" {
			desc = *c.PendingProratedDescription
		}
		add(Item{
			Description: desc,
			Quantity:    1,
			UnitPrice:   c.PendingProratedCharge,
			Amount:      c.PendingProratedCharge,
		})
	}

	if calc.Subtotal < 0 {
		calc.Subtotal = 0
	}

	discount := c.DiscountAmount
	if discount > calc.Subtotal {
		discount = calc.Subtotal
	}
	if discount > 0 {
		desc := "Discount"
		if c.DiscountDescription != nil && *c.DiscountDescription != "" {
			desc = *c.DiscountDescription
		}
		calc.Items = append(calc.Items, Item{
			Description: desc,
			Quantity:    1,
			UnitPrice:   -discount,
			Amount:      -discount,
		})
		calc.Discount = discount
	}

	calc.Total = calc.Subtotal - calc.Discount
	return calc
}

// Tax returns the flat-rate tax on amount, rounded down to whole units.
func Tax(amount int64, ratePercent int64) int64 {
	if amount <= 0 || ratePercent <= 0 {
		return 0
	}
	return amount * ratePercent / 100
}

func planDescription(plan string, cycle model.BillingCycle) string {
	if cycle == model.CycleAnnual {
		return fmt.Sprintf("%s plan (annual)", plan)
	}
	return fmt.Sprintf("%s plan", plan)
}
