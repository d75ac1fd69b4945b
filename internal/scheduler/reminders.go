package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
)

const (
	// DefaultReminderSchedule runs the renewal scan every morning.
	DefaultReminderSchedule = "0 9 * * *"
	// ReminderWindow is how far ahead of expiry users are reminded.
	ReminderWindow = 3 * 24 * time.Hour
	// ReminderKind is the outbox kind of a renewal reminder.
	ReminderKind = "renewal_reminder"
)

const messageRenewal = "Oi! 👟 Seu acesso Premium ao PaceMate vence em %s. Para continuar com seus treinos personalizados, renove por aqui: %s"

// EntitlementLister lists every entitlement record.
type EntitlementLister interface {
	List(ctx context.Context) ([]models.EntitlementView, error)
}

// Notifier queues a message to a user.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, text, dedupeKey string) error
}

// RenewalReminder reminds users with manually granted access that it is about to expire.
// Subscriptions renew on their own and are skipped.
type RenewalReminder struct {
	ledger      EntitlementLister
	notifier    Notifier
	paymentLink func(userID string) string
	loc         *time.Location
	now         func() time.Time
}

// NewRenewalReminder creates a RenewalReminder.
func NewRenewalReminder(ledger EntitlementLister, notifier Notifier, paymentLink func(userID string) string, loc *time.Location) *RenewalReminder {
	if loc == nil {
		loc = time.UTC
	}
	return &RenewalReminder{ledger: ledger, notifier: notifier, paymentLink: paymentLink, loc: loc, now: time.Now}
}

// due reports whether v expires within the reminder window.
func due(v models.EntitlementView, now time.Time) bool {
	if !v.Entitled || v.Record == nil || v.Record.Origin != models.OriginManual || v.ExpiresAt == nil {
		return false
	}
	return !v.ExpiresAt.After(now.Add(ReminderWindow))
}

// Run queues one reminder per due user and expiry. It returns how many were queued.
func (r *RenewalReminder) Run(ctx context.Context) (int, error) {
	views, err := r.ledger.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list entitlements: %w", err)
	}
	now := r.now()
	queued := 0
	for _, v := range views {
		if !due(v, now) {
			continue
		}
		text := fmt.Sprintf(messageRenewal, v.ExpiresAt.In(r.loc).Format("02/01/2006"), r.paymentLink(v.UserID))
		key := fmt.Sprintf("renewal:%s:%d", v.UserID, v.ExpiresAt.Unix())
		if err := r.notifier.Notify(ctx, v.UserID, ReminderKind, text, key); err != nil {
			slog.Error("RenewalReminder.Run: notify failed", "userID", v.UserID, "error", err)
			continue
		}
		queued++
	}
	slog.Info("RenewalReminder.Run: scan complete", "records", len(views), "queued", queued)
	return queued, nil
}

// Schedule registers the reminder on s.
func (r *RenewalReminder) Schedule(s *Scheduler, expr string) error {
	if expr == "" {
		expr = DefaultReminderSchedule
	}
	return s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Run(ctx); err != nil {
			slog.Error("RenewalReminder.Schedule: run failed", "error", err)
		}
	})
}
