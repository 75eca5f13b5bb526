package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPlanChange wraps every validation failure of a PendingPlanChange.
var ErrInvalidPlanChange = errors.New("invalid plan change")

// PendingPlanChange is a scheduled, not yet effective change to a
// contract's plan. It is stored as a JSON column on the contract and is
// consumed exactly once, on EffectiveDate.
type PendingPlanChange struct {
	NewPlan          string    `json:"new_plan"`
	NewBaseFee       int64     `json:"new_base_fee"`
	NewUserLimit     int       `json:"new_user_limit"`
	NewPackageIDs    []int64   `json:"new_package_ids"`
	InitialFee       int64     `json:"initial_fee"`
	EffectiveDate    time.Time `json:"effective_date"`
	RequestedAt      time.Time `json:"requested_at"`
	IsDowngrade      bool      `json:"is_downgrade"`
	UserExceeded     bool      `json:"user_exceeded"`
	CurrentUserCount int       `json:"current_user_count"`
}

// Validate checks the internal consistency of the change.
func (p *PendingPlanChange) Validate() error {
	switch {
	case p.NewPlan == "":
		return fmt.Errorf("%w: new plan is required", ErrInvalidPlanChange)
	case p.NewBaseFee < 0:
		return fmt.Errorf("%w: new base fee must not be negative", ErrInvalidPlanChange)
	case p.NewUserLimit < 1:
		return fmt.Errorf("%w: new user limit must be at least 1", ErrInvalidPlanChange)
	case p.InitialFee < 0:
		return fmt.Errorf("%w: initial fee must not be negative", ErrInvalidPlanChange)
	case p.EffectiveDate.IsZero():
		return fmt.Errorf("%w: effective date is required", ErrInvalidPlanChange)
	case p.CurrentUserCount < 0:
		return fmt.Errorf("%w: current user count must not be negative", ErrInvalidPlanChange)
	case !p.RequestedAt.IsZero() && p.RequestedAt.After(p.EffectiveDate.AddDate(0, 0, 1)):
		return fmt.Errorf("%w: requested after the effective date", ErrInvalidPlanChange)
	case p.UserExceeded && !p.IsDowngrade:
		return fmt.Errorf("%w: user_exceeded requires a downgrade", ErrInvalidPlanChange)
	case p.UserExceeded && p.CurrentUserCount <= p.NewUserLimit:
		return fmt.Errorf("%w: user_exceeded but %d users fit the limit of %d",
			ErrInvalidPlanChange, p.CurrentUserCount, p.NewUserLimit)
	}
	seen := make(map[int64]struct{}, len(p.NewPackageIDs))
	for _, id := range p.NewPackageIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate package %d", ErrInvalidPlanChange, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// NeedsGracePeriod is true for downgrades that left the organization over
// its new user limit when the change was requested.
func (p *PendingPlanChange) NeedsGracePeriod() bool {
	return p.IsDowngrade && p.UserExceeded
}

// Excess is the number of users above the new limit for a given count.
func (p *PendingPlanChange) Excess(activeUsers int) int {
	if activeUsers <= p.NewUserLimit {
		return 0
	}
	return activeUsers - p.NewUserLimit
}

// Value implements driver.Valuer.
func (p *PendingPlanChange) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal plan change: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *PendingPlanChange) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan plan change: unsupported type %T", src)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return fmt.Errorf("unmarshal plan change: %w", err)
	}
	return nil
}
