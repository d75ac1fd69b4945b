package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PaceMate/internal/store"
)

// Notification kinds stored on outbox messages.
const (
	KindEntitlement     = "entitlement"
	KindRenewalReminder = "renewal_reminder"
	KindStravaConnected = "strava_connected"
	KindProfileAnalysis = "profile_analysis"
)

// notificationPayload is the outbox PayloadJSON of a text notification.
type notificationPayload struct {
	Text string `json:"text"`
}

// Notifier queues proactive messages in the durable outbox.
type Notifier struct {
	outbox store.OutboxRepo
}

// NewNotifier creates a Notifier writing to outbox.
func NewNotifier(outbox store.OutboxRepo) *Notifier {
	return &Notifier{outbox: outbox}
}

// Notify enqueues text for userID. Messages sharing a non-empty dedupeKey are
// delivered once.
func (n *Notifier) Notify(ctx context.Context, userID, kind, text, dedupeKey string) error {
	payload, err := json.Marshal(notificationPayload{Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	id, err := n.outbox.EnqueueOutboxMessage(userID, kind, string(payload), dedupeKey)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	slog.Debug("Notifier.Notify: queued", "id", id, "userID", userID, "kind", kind, "dedupeKey", dedupeKey)
	return nil
}

// OutboxDelivery returns the OutboxSendFunc that delivers notifications through svc.
func OutboxDelivery(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var p notificationPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("invalid notification payload: %w", err)
		}
		if p.Text == "" {
			return fmt.Errorf("notification %s has no text", msg.ID)
		}
		return svc.SendMessage(ctx, msg.UserID, p.Text)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("messaging.writeJSON: encode failed", "error", err)
	}
}
