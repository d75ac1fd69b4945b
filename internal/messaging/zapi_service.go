package messaging

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/zapi"
)

// maxCallbackBytes caps a Z-API webhook body.
const maxCallbackBytes = 1 << 20

// ZAPIService implements Service on top of the Z-API gateway.
type ZAPIService struct {
	client zapi.Sender
	inbox  *inbox
}

var _ Service = (*ZAPIService)(nil)

// NewZAPIService creates a ZAPIService.
func NewZAPIService(client zapi.Sender) *ZAPIService {
	return &ZAPIService{client: client, inbox: newInbox("ZAPIService")}
}

// ValidateAndCanonicalizeRecipient normalizes the phone number.
func (s *ZAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient("ZAPIService", recipient)
}

// Start is a no-op; Z-API pushes messages to the webhook.
func (s *ZAPIService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the Messages channel.
func (s *ZAPIService) Stop() error {
	s.inbox.close()
	return nil
}

// SendMessage sends a text message.
func (s *ZAPIService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendText(ctx, canonicalTo, body)
}

// Messages returns the channel of inbound messages.
func (s *ZAPIService) Messages() <-chan models.InboundMessage {
	return s.inbox.messages
}

// WebhookHandler accepts Z-API callbacks. Every well-formed delivery is
// acknowledged; non-message callbacks are reported as ignored.
func (s *ZAPIService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("failed to read body"))
		return
	}
	msg, ok, err := zapi.ParseCallback(body)
	if err != nil {
		slog.Warn("ZAPIService.WebhookHandler: invalid callback", "error", err)
		writeJSON(w, http.StatusBadRequest, models.Error("invalid JSON"))
		return
	}
	if !ok || msg.FromMe || msg.IsGroup {
		writeJSON(w, http.StatusOK, models.Ignored("not an inbound user message"))
		return
	}
	if !msg.HasContent() {
		writeJSON(w, http.StatusOK, models.Ignored("no content"))
		return
	}
	if !s.inbox.emit(msg) {
		writeJSON(w, http.StatusServiceUnavailable, models.Error("service unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(nil))
}
