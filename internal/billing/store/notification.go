package store

import (
	"context"
	"database/sql"
	"fmt"
)

// NotificationKind identifies a plan-change email category.
type NotificationKind string

const (
	NotifyPlanChangeWarning  NotificationKind = "plan_change_warning"
	NotifyPlanChangeReminder NotificationKind = "plan_change_reminder"
	NotifyGraceReminder      NotificationKind = "grace_reminder"
	NotifyEnforcement        NotificationKind = "enforcement"
)

// NotificationStore remembers which notifications went out so a re-run on
// the same day does not send them twice.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// WasSent checks if a notification of kind was recorded for the contract
// and reference date (YYYY-MM-DD).
func (s *NotificationStore) WasSent(ctx context.Context, contractID int64, kind NotificationKind, refDate string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications_sent WHERE contract_id = ? AND kind = ? AND ref_date = ?`,
		contractID, kind, refDate,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check notification sent: %w", err)
	}
	return n > 0, nil
}

// RecordSent marks a notification as sent. Recording twice is harmless.
func (s *NotificationStore) RecordSent(ctx context.Context, contractID int64, kind NotificationKind, refDate string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications_sent (contract_id, kind, ref_date) VALUES (?, ?, ?)`,
		contractID, kind, refDate,
	)
	if err != nil {
		return fmt.Errorf("record notification sent: %w", err)
	}
	return nil
}
