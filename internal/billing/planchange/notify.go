package planchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/model"
	"github.com/dukerupert/sitekit/internal/billing/store"
	"github.com/dukerupert/sitekit/internal/email"
)

// notifier sends each (contract, kind, date) notification at most once.
// Delivery failures are logged and left unrecorded so a later run retries.
type notifier struct {
	sent   *store.NotificationStore
	mailer Mailer
	logger *slog.Logger
}

type sendFunc func(ctx context.Context, n email.PlanChangeNotice) error

func (n *notifier) warning(ctx context.Context, msg email.PlanChangeNotice) error {
	return n.mailer.SendPlanChangeWarning(ctx, msg)
}

func (n *notifier) reminder(ctx context.Context, msg email.PlanChangeNotice) error {
	return n.mailer.SendPlanChangeReminder(ctx, msg)
}

func (n *notifier) graceReminder(ctx context.Context, msg email.PlanChangeNotice) error {
	return n.mailer.SendGraceReminder(ctx, msg)
}

func (n *notifier) enforcement(ctx context.Context, msg email.PlanChangeNotice) error {
	return n.mailer.SendEnforcementNotice(ctx, msg)
}

func (n *notifier) notify(ctx context.Context, c *model.Contract, org *model.Organization,
	kind store.NotificationKind, ref time.Time, msg email.PlanChangeNotice, send sendFunc) (bool, error) {
	refDate := ref.Format(time.DateOnly)
	already, err := n.sent.WasSent(ctx, c.ID, kind, refDate)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}

	log := n.logger.With("contract_id", c.ID, "organization_id", c.OrganizationID, "kind", kind)
	msg.To = recipient(org)
	if msg.To == "" {
		log.Warn("no contact address, notification skipped")
		return false, nil
	}
	if n.mailer == nil {
		log.Warn("mailer not configured, notification skipped")
		return false, nil
	}
	if err := send(ctx, msg); err != nil {
		log.Warn("notification failed", "error", err)
		return false, nil
	}
	if err := n.sent.RecordSent(ctx, c.ID, kind, refDate); err != nil {
		return true, err
	}
	log.Info("notification sent", "ref_date", refDate)
	return true, nil
}

// recipient prefers the organization's admin for plan-change mail.
func recipient(org *model.Organization) string {
	if org == nil {
		return ""
	}
	if org.AdminEmail != nil && *org.AdminEmail != "" {
		return *org.AdminEmail
	}
	return org.InvoiceRecipient()
}
