package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/whatsapp"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
)

// whatsappEventSource is the part of whatsapp.Client needed to receive messages.
type whatsappEventSource interface {
	AddEventHandler(fn func(evt interface{}))
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// WhatsAppService implements Service using the whatsmeow-based client.
type WhatsAppService struct {
	client whatsapp.Sender
	events whatsappEventSource // nil for mocks
	inbox  *inbox
	ctx    context.Context
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService. When client also delivers
// events (the real whatsapp.Client) inbound messages are emitted after Start.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client: client,
		inbox:  newInbox("WhatsAppService"),
		ctx:    context.Background(),
	}
	if src, ok := client.(whatsappEventSource); ok {
		s.events = src
		slog.Debug("WhatsAppService: created with event source")
	} else {
		slog.Debug("WhatsAppService: created without event source (likely mock)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient normalizes a phone number or JID.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient("WhatsAppService", recipient)
}

// Start subscribes to whatsmeow events. Media downloads use ctx.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		slog.Debug("WhatsAppService.Start: no event source, skipping event handling")
		return nil
	}
	s.ctx = ctx
	s.events.AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(v)
		}
	})
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the Messages channel.
func (s *WhatsAppService) Stop() error {
	s.inbox.close()
	slog.Info("WhatsAppService.Stop: stopped and channel closed")
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: error", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

// Messages returns the channel of inbound messages.
func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.inbox.messages
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	msg, ok := s.convert(s.ctx, evt)
	if !ok {
		return
	}
	s.inbox.emit(msg)
}

// convert maps a whatsmeow message event to an InboundMessage, downloading media.
func (s *WhatsAppService) convert(ctx context.Context, evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil {
		return models.InboundMessage{}, false
	}
	msg := models.InboundMessage{
		MessageID:  evt.Info.ID,
		SenderID:   evt.Info.Sender.User,
		FromMe:     evt.Info.IsFromMe,
		IsGroup:    evt.Info.IsGroup,
		ReceivedAt: evt.Info.Timestamp,
	}

	m := evt.Message
	switch {
	case m.GetConversation() != "":
		msg.Text = m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		msg.Text = m.GetExtendedTextMessage().GetText()
	case m.GetDocumentMessage().GetCaption() != "":
		msg.Text = m.GetDocumentMessage().GetCaption()
	}

	if msg.FromMe || msg.IsGroup {
		// Dropped later by the orchestrator; skip the media download.
		return msg, true
	}
	if audio := m.GetAudioMessage(); audio != nil {
		msg.Audio = &models.Attachment{MimeType: audio.GetMimetype(), FileName: "audio.ogg"}
		msg.Audio.Data = s.download(ctx, audio)
	}
	if doc := m.GetDocumentMessage(); doc != nil {
		msg.Document = &models.Attachment{FileName: doc.GetFileName(), MimeType: doc.GetMimetype()}
		msg.Document.Data = s.download(ctx, doc)
	}
	if (msg.Audio != nil && msg.Audio.Data == nil) || (msg.Document != nil && msg.Document.Data == nil) {
		slog.Warn("WhatsAppService.convert: media without data", "id", msg.MessageID)
	}
	return msg, true
}

func (s *WhatsAppService) download(ctx context.Context, dm whatsmeow.DownloadableMessage) []byte {
	if s.events == nil {
		return nil
	}
	data, err := s.events.Download(ctx, dm)
	if err != nil {
		slog.Error("WhatsAppService.download: failed", "error", err)
		return nil
	}
	return data
}
