package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/PaceMate/internal/media"
	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	validator *twiliowhatsapp.SignatureValidator
	inbox     *inbox
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService. A nil validator accepts unsigned webhooks.
func NewTwilioService(client twiliowhatsapp.Sender, validator *twiliowhatsapp.SignatureValidator) *TwilioService {
	slog.Debug("TwilioService: created", "signature_validation", validator != nil)
	return &TwilioService{
		client:    client,
		validator: validator,
		inbox:     newInbox("TwilioService"),
	}
}

// ValidateAndCanonicalizeRecipient strips the "whatsapp:" prefix and normalizes the number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient("TwilioService", recipient)
}

// Start is a no-op; Twilio pushes messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the Messages channel.
func (s *TwilioService) Stop() error {
	s.inbox.close()
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Messages returns the channel of inbound messages.
func (s *TwilioService) Messages() <-chan models.InboundMessage {
	return s.inbox.messages
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on Messages.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil && !s.validator.Valid(r.PostForm, r.Header.Get("X-Twilio-Signature")) {
		slog.Warn("TwilioService.WebhookHandler: invalid signature")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	msg, err := s.parseInbound(r)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !msg.HasContent() {
		slog.Debug("TwilioService.WebhookHandler: nothing to process", "from", msg.SenderID)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
		return
	}

	s.downloadAttachments(r.Context(), &msg)
	s.inbox.emit(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) parseInbound(r *http.Request) (models.InboundMessage, error) {
	from := r.FormValue("From")
	if from == "" {
		return models.InboundMessage{}, fmt.Errorf("missing required field From")
	}
	msg := models.InboundMessage{
		MessageID: r.FormValue("MessageSid"),
		SenderID:  strings.TrimPrefix(from, "whatsapp:"),
		Text:      r.FormValue("Body"),
	}

	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	if numMedia > 0 && r.FormValue("MediaUrl0") != "" {
		att := &models.Attachment{
			URL:      r.FormValue("MediaUrl0"),
			MimeType: r.FormValue("MediaContentType0"),
		}
		if strings.HasPrefix(att.MimeType, "audio/") {
			msg.Audio = att
		} else {
			att.FileName = mediaFileName(att.MimeType)
			msg.Document = att
		}
	}
	return msg, nil
}

// downloadAttachments fetches authenticated media. On failure the URL stays
// in place so extraction can still try it.
func (s *TwilioService) downloadAttachments(ctx context.Context, msg *models.InboundMessage) {
	for _, att := range []*models.Attachment{msg.Audio, msg.Document} {
		if att == nil {
			continue
		}
		data, err := s.client.DownloadMedia(ctx, att.URL)
		if err != nil {
			slog.Warn("TwilioService.downloadAttachments: download failed", "error", err)
			continue
		}
		att.Data = data
	}
}

// mediaFileName invents a file name so extraction can classify the document.
func mediaFileName(mimeType string) string {
	switch media.Classify("", mimeType) {
	case media.KindPDF:
		return "arquivo.pdf"
	case media.KindSpreadsheet:
		return "planilha.xlsx"
	default:
		return "arquivo"
	}
}
