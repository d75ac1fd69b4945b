// Package entitlement implements the per-user subscription ledger.
//
// A user without a record is freemium. Records move between active and
// inactive through admin actions, Mercado Pago subscription and payment
// events, and checkout returns. Entitlement is derived at read time from the
// status and expiry; expired records are never rewritten.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/util"
)

const (
	// DefaultActivationDays is the access window of a payment or fallback activation.
	DefaultActivationDays = 35
	// GracePeriod is added to the provider's next charge date.
	GracePeriod = 5 * 24 * time.Hour

	// externalModifiedAt stores the provider's last_modified of the applied subscription.
	externalModifiedAt = "subscription_modified_at"
)

// User-facing notification texts.
const (
	MessageActivated     = "Seu acesso Premium está ativo! 🎉\n\nBem-vindo ao PaceMate Premium. Pode me contar agora como estão seus treinos, estou aqui para te ajudar com orientações completas 🏃💙"
	MessageCancelled     = "Seu plano Premium foi cancelado. Sentiremos sua falta 💙\n\nSe quiser reativar a qualquer momento, é só me chamar aqui!"
	MessagePaymentFailed = "Tivemos um problema com o pagamento da sua assinatura 😕\n\nPor favor, atualize seu método de pagamento para continuar com o acesso Premium."
)

// NotificationKind is the outbox kind of ledger notifications.
const NotificationKind = "entitlement"

// Repo is the entitlement part of the store.
type Repo interface {
	GetEntitlement(userID string) (*models.Entitlement, error)
	SaveEntitlement(e models.Entitlement) error
	DeleteEntitlement(userID string) error
	ListEntitlements() ([]models.Entitlement, error)
}

// Notifier delivers a message to a user; equal non-empty dedupe keys are sent once.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, text, dedupeKey string) error
}

// Opts holds configuration options for the Ledger.
type Opts struct {
	Now      func() time.Time
	Notifier Notifier
	Location *time.Location
}

// Option defines a configuration option for the Ledger.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithNotifier sets where transition notifications go. Without one they are only logged.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithLocation sets the zone used to read provider charge dates.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Ledger applies entitlement transitions. Writes are serialized so a
// read-modify-write of one record never interleaves with another.
type Ledger struct {
	repo     Repo
	notifier Notifier
	now      func() time.Time
	loc      *time.Location
	mu       sync.Mutex
}

// NewLedger creates a Ledger over repo.
func NewLedger(repo Repo, opts ...Option) *Ledger {
	cfg := Opts{Now: time.Now, Location: time.UTC}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Ledger: created", "Notifier_set", cfg.Notifier != nil, "Location", cfg.Location.String())
	return &Ledger{repo: repo, notifier: cfg.Notifier, now: cfg.Now, loc: cfg.Location}
}

func canonicalUser(raw string) (string, error) {
	id := util.CanonicalPhone(raw)
	if id == "" {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidUser, raw)
	}
	return id, nil
}

// View builds the read model of a record at now.
func View(userID string, e *models.Entitlement, now time.Time) models.EntitlementView {
	if e == nil {
		return models.EntitlementView{UserID: userID, Status: models.EntitlementFreemium}
	}
	return models.EntitlementView{
		UserID:    userID,
		Status:    e.Status,
		Entitled:  e.IsEntitled(now),
		ExpiresAt: e.ExpiresAt,
		Record:    e,
	}
}

func (l *Ledger) load(op, userID string) (*models.Entitlement, error) {
	e, err := l.repo.GetEntitlement(userID)
	if err != nil {
		return nil, models.Transient(op, err)
	}
	return e, nil
}

func (l *Ledger) save(op string, e *models.Entitlement) error {
	if err := l.repo.SaveEntitlement(*e); err != nil {
		return models.Transient(op, err)
	}
	return nil
}

// newRecord starts a premium record for userID.
func newRecord(userID, origin string, now time.Time) *models.Entitlement {
	return &models.Entitlement{
		UserID:      userID,
		Status:      models.EntitlementInactive,
		Plan:        models.PlanPremium,
		Origin:      origin,
		StartedAt:   now,
		ExternalIDs: map[string]string{},
		UpdatedAt:   now,
	}
}

// activate sets e active until expires. started_at moves only when access
// actually begins again.
func activate(e *models.Entitlement, wasEntitled bool, expires, now time.Time) {
	if !wasEntitled {
		e.StartedAt = now
	}
	e.Status = models.EntitlementActive
	e.Plan = models.PlanPremium
	e.ExpiresAt = &expires
	e.UpdatedAt = now
}

func (l *Ledger) notify(ctx context.Context, userID, text, dedupeKey string) {
	if l.notifier == nil {
		slog.Info("Ledger.notify: no notifier, skipping", "userID", userID, "dedupeKey", dedupeKey)
		return
	}
	if err := l.notifier.Notify(ctx, userID, NotificationKind, text, dedupeKey); err != nil {
		slog.Error("Ledger.notify: failed", "userID", userID, "dedupeKey", dedupeKey, "error", err)
	}
}

// ActivateManual grants access for days (DefaultActivationDays when days <= 0).
func (l *Ledger) ActivateManual(ctx context.Context, userID string, days int) (models.EntitlementView, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	if days <= 0 {
		days = DefaultActivationDays
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, err := l.load("Ledger.ActivateManual", userID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	wasEntitled := e.IsEntitled(now)
	if e == nil {
		e = newRecord(userID, models.OriginManual, now)
	}
	e.Origin = models.OriginManual
	activate(e, wasEntitled, now.AddDate(0, 0, days), now)
	if err := l.save("Ledger.ActivateManual", e); err != nil {
		return models.EntitlementView{}, err
	}
	slog.Info("Ledger.ActivateManual: activated", "userID", userID, "days", days)
	return View(userID, e, now), nil
}

// Deactivate marks the record inactive, keeping its expiry. A user without a
// record gets an inactive one.
func (l *Ledger) Deactivate(ctx context.Context, userID string) (models.EntitlementView, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, err := l.load("Ledger.Deactivate", userID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	if e == nil {
		e = newRecord(userID, models.OriginManual, now)
	}
	e.Status = models.EntitlementInactive
	e.UpdatedAt = now
	if err := l.save("Ledger.Deactivate", e); err != nil {
		return models.EntitlementView{}, err
	}
	slog.Info("Ledger.Deactivate: deactivated", "userID", userID)
	return View(userID, e, now), nil
}

// Remove deletes the record, returning the user to freemium.
func (l *Ledger) Remove(ctx context.Context, userID string) error {
	userID, err := canonicalUser(userID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.repo.DeleteEntitlement(userID); err != nil {
		return models.Transient("Ledger.Remove", err)
	}
	slog.Info("Ledger.Remove: removed", "userID", userID)
	return nil
}

// parseChargeDate reads the date part (YYYY-MM-DD) of a provider timestamp.
func (l *Ledger) parseChargeDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 10 {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation("2006-01-02", s[:10], l.loc)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// olderThanApplied reports whether ev predates the subscription state already stored.
func olderThanApplied(e *models.Entitlement, ev models.SubscriptionEvent) bool {
	if e == nil || ev.ModifiedAt == "" || e.ExternalIDs[models.ExternalSubscriptionID] != ev.SubscriptionID {
		return false
	}
	applied, err1 := time.Parse(time.RFC3339, e.ExternalIDs[externalModifiedAt])
	incoming, err2 := time.Parse(time.RFC3339, ev.ModifiedAt)
	if err1 != nil || err2 != nil {
		return false
	}
	return incoming.Before(applied)
}

// ApplySubscription reconciles a subscription snapshot. Re-applying the same
// snapshot converges to the same record; snapshots older than the applied one
// are skipped.
func (l *Ledger) ApplySubscription(ctx context.Context, ev models.SubscriptionEvent) (models.EntitlementView, error) {
	userID, err := canonicalUser(ev.UserReference)
	if err != nil {
		return models.EntitlementView{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, err := l.load("Ledger.ApplySubscription", userID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	if olderThanApplied(e, ev) {
		slog.Warn("Ledger.ApplySubscription: stale event skipped", "userID", userID, "subscriptionID", ev.SubscriptionID, "modifiedAt", ev.ModifiedAt)
		return View(userID, e, now), nil
	}

	wasEntitled := e.IsEntitled(now)
	wasActive := e != nil && e.Status == models.EntitlementActive
	if e == nil {
		e = newRecord(userID, models.OriginSubscription, now)
	}
	if e.ExternalIDs == nil {
		e.ExternalIDs = map[string]string{}
	}
	sameSubscription := e.ExternalIDs[models.ExternalSubscriptionID] == ev.SubscriptionID

	if ev.Status == models.SubscriptionAuthorized {
		var expires time.Time
		if d, ok := l.parseChargeDate(ev.NextChargeDate); ok {
			expires = d.Add(GracePeriod)
		} else if sameSubscription && e.ExpiresAt != nil && e.ExpiresAt.After(now) {
			expires = *e.ExpiresAt
		} else {
			slog.Warn("Ledger.ApplySubscription: unparseable next charge date, using fallback", "userID", userID, "nextChargeDate", ev.NextChargeDate)
			expires = now.AddDate(0, 0, DefaultActivationDays)
		}
		activate(e, wasEntitled, expires, now)
	} else {
		e.Status = models.EntitlementInactive
		e.UpdatedAt = now
	}
	e.Origin = models.OriginSubscription
	e.ProviderStatus = ev.Status
	e.ExternalIDs[models.ExternalSubscriptionID] = ev.SubscriptionID
	if ev.ModifiedAt != "" {
		e.ExternalIDs[externalModifiedAt] = ev.ModifiedAt
	}
	if err := l.save("Ledger.ApplySubscription", e); err != nil {
		return models.EntitlementView{}, err
	}
	slog.Info("Ledger.ApplySubscription: applied", "userID", userID, "subscriptionID", ev.SubscriptionID, "providerStatus", ev.Status, "status", e.Status)

	switch {
	case e.Status == models.EntitlementActive && !wasEntitled:
		l.notify(ctx, userID, MessageActivated, fmt.Sprintf("entitlement:%s:active:%d", userID, e.StartedAt.Unix()))
	case e.Status == models.EntitlementInactive && wasActive:
		l.notify(ctx, userID, MessageCancelled, fmt.Sprintf("subscription:%s:%s:%d", ev.SubscriptionID, ev.Status, now.Unix()))
	}
	return View(userID, e, now), nil
}

// ApplyPayment reconciles a payment snapshot. Statuses other than approved,
// rejected and cancelled leave the record untouched.
func (l *Ledger) ApplyPayment(ctx context.Context, ev models.PaymentEvent) (models.EntitlementView, error) {
	userID, err := canonicalUser(ev.UserReference)
	if err != nil {
		return models.EntitlementView{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, err := l.load("Ledger.ApplyPayment", userID)
	if err != nil {
		return models.EntitlementView{}, err
	}

	switch ev.Status {
	case models.PaymentApproved:
		wasEntitled := e.IsEntitled(now)
		if e == nil {
			e = newRecord(userID, models.OriginPayment, now)
		}
		activate(e, wasEntitled, now.AddDate(0, 0, DefaultActivationDays), now)
		paid := now
		e.LastPaymentAt = &paid
	case models.PaymentRejected, models.PaymentCancelled:
		if e == nil {
			e = newRecord(userID, models.OriginPayment, now)
		}
		e.Status = models.EntitlementInactive
		e.UpdatedAt = now
	default:
		slog.Debug("Ledger.ApplyPayment: status ignored", "userID", userID, "paymentID", ev.PaymentID, "status", ev.Status)
		return View(userID, e, now), nil
	}

	if e.ExternalIDs == nil {
		e.ExternalIDs = map[string]string{}
	}
	e.ExternalIDs[models.ExternalPaymentID] = ev.PaymentID
	if e.Origin == "" {
		e.Origin = models.OriginPayment
	}
	if err := l.save("Ledger.ApplyPayment", e); err != nil {
		return models.EntitlementView{}, err
	}
	slog.Info("Ledger.ApplyPayment: applied", "userID", userID, "paymentID", ev.PaymentID, "paymentStatus", ev.Status, "status", e.Status)

	if e.Status == models.EntitlementInactive {
		l.notify(ctx, userID, MessagePaymentFailed, fmt.Sprintf("payment:%s:%s", ev.PaymentID, ev.Status))
	}
	return View(userID, e, now), nil
}

// ConfirmCheckout activates access after an approved checkout return. An
// existing later expiry is kept.
func (l *Ledger) ConfirmCheckout(ctx context.Context, userID string) (models.EntitlementView, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, err := l.load("Ledger.ConfirmCheckout", userID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	wasEntitled := e.IsEntitled(now)
	if e == nil {
		e = newRecord(userID, models.OriginCheckoutReturn, now)
	}
	expires := now.AddDate(0, 0, DefaultActivationDays)
	if wasEntitled && e.ExpiresAt != nil && e.ExpiresAt.After(expires) {
		expires = *e.ExpiresAt
	}
	activate(e, wasEntitled, expires, now)
	if !wasEntitled {
		e.Origin = models.OriginCheckoutReturn
	}
	if err := l.save("Ledger.ConfirmCheckout", e); err != nil {
		return models.EntitlementView{}, err
	}
	slog.Info("Ledger.ConfirmCheckout: confirmed", "userID", userID, "wasEntitled", wasEntitled)
	if !wasEntitled {
		l.notify(ctx, userID, MessageActivated, fmt.Sprintf("entitlement:%s:active:%d", userID, e.StartedAt.Unix()))
	}
	return View(userID, e, now), nil
}

// Status returns the user's current view.
func (l *Ledger) Status(ctx context.Context, userID string) (models.EntitlementView, error) {
	userID, err := canonicalUser(userID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	e, err := l.load("Ledger.Status", userID)
	if err != nil {
		return models.EntitlementView{}, err
	}
	return View(userID, e, l.now()), nil
}

// IsEntitled reports whether the user has premium access now.
func (l *Ledger) IsEntitled(ctx context.Context, userID string) (bool, error) {
	v, err := l.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return v.Entitled, nil
}

// List returns every stored record as a view.
func (l *Ledger) List(ctx context.Context) ([]models.EntitlementView, error) {
	records, err := l.repo.ListEntitlements()
	if err != nil {
		return nil, models.Transient("Ledger.List", err)
	}
	now := l.now()
	views := make([]models.EntitlementView, 0, len(records))
	for i := range records {
		e := records[i]
		views = append(views, View(e.UserID, &e, now))
	}
	return views, nil
}
