package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/store"
	"github.com/BTreeMap/PaceMate/internal/twiliowhatsapp"
	"github.com/BTreeMap/PaceMate/internal/whatsapp"
	"github.com/BTreeMap/PaceMate/internal/zapi"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func receive(t *testing.T, ch <-chan models.InboundMessage) models.InboundMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
		return models.InboundMessage{}
	}
}

func TestCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"whatsapp:+551187654321", "5511987654321", false},
		{"5511987654321@s.whatsapp.net", "5511987654321", false},
		{"+1 (415) 555-0100", "14155550100", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalizeRecipient("test", tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("canonicalizeRecipient(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("canonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInbox_EmitAfterCloseIsDropped(t *testing.T) {
	b := newInbox("test")
	if !b.emit(models.InboundMessage{SenderID: "+55 11 8765-4321", Text: "oi"}) {
		t.Fatal("emit failed on open inbox")
	}
	m := <-b.messages
	if m.SenderID != "5511987654321" || m.ReceivedAt.IsZero() {
		t.Errorf("emit did not canonicalize: %+v", m)
	}
	b.close()
	b.close()
	if b.emit(models.InboundMessage{SenderID: "5511987654321"}) {
		t.Error("emit succeeded after close")
	}
}

func TestTwilioService_Webhook(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	client.Media["https://api.twilio.com/media/ME1"] = []byte("ogg")
	svc := NewTwilioService(client, nil)

	form := url.Values{
		"From":              {"whatsapp:+5511987654321"},
		"Body":              {""},
		"MessageSid":        {"SM1"},
		"NumMedia":          {"1"},
		"MediaUrl0":         {"https://api.twilio.com/media/ME1"},
		"MediaContentType0": {"audio/ogg"},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("response = %d %q", rec.Code, rec.Body.String())
	}
	m := receive(t, svc.Messages())
	if m.SenderID != "5511987654321" || m.MessageID != "SM1" {
		t.Errorf("unexpected message %+v", m)
	}
	if m.Audio == nil || string(m.Audio.Data) != "ogg" {
		t.Errorf("audio not downloaded: %+v", m.Audio)
	}
}

func TestTwilioService_WebhookDocumentAndMissingFrom(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), nil)

	form := url.Values{
		"From": {"whatsapp:+5511987654321"}, "NumMedia": {"1"},
		"MediaUrl0": {"https://api.twilio.com/media/ME2"}, "MediaContentType0": {"application/pdf"},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	svc.WebhookHandler(httptest.NewRecorder(), req)
	m := receive(t, svc.Messages())
	if m.Document == nil || m.Document.FileName != "arquivo.pdf" || m.Document.Data != nil {
		t.Errorf("document = %+v", m.Document)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader("Body=oi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing From: status = %d", rec.Code)
	}
}

func TestTwilioService_RejectsBadSignature(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), twiliowhatsapp.NewSignatureValidator("secret", "https://pace.example.com/webhook/twilio"))
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader("From=whatsapp%3A%2B5511987654321&Body=oi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestTwilioService_SendAndStop(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client, nil)
	if err := svc.SendMessage(context.Background(), "+55 11 8765-4321", "oi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sent := client.Sent(); len(sent) != 1 || sent[0].To != "5511987654321" {
		t.Errorf("sent = %+v", sent)
	}
	svc.Stop()
	if err := svc.SendMessage(context.Background(), "5511987654321", "oi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if _, open := <-svc.Messages(); open {
		t.Error("Messages channel still open after Stop")
	}
}

func TestZAPIService_Webhook(t *testing.T) {
	client := &zapi.MockClient{}
	svc := NewZAPIService(client)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantEmit   bool
	}{
		{"text", `{"type":"ReceivedCallback","phone":"551187654321","messageId":"Z1","text":{"message":"oi"}}`, http.StatusOK, true},
		{"from me", `{"type":"ReceivedCallback","phone":"5511987654321","fromMe":true,"text":{"message":"oi"}}`, http.StatusOK, false},
		{"group", `{"type":"ReceivedCallback","phone":"5511987654321","isGroup":true,"text":{"message":"oi"}}`, http.StatusOK, false},
		{"other type", `{"type":"PresenceChatCallback","phone":"5511987654321"}`, http.StatusOK, false},
		{"empty", `{"type":"ReceivedCallback","phone":"5511987654321"}`, http.StatusOK, false},
		{"bad json", `{`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			svc.WebhookHandler(rec, httptest.NewRequest(http.MethodPost, "/webhook/zapi", strings.NewReader(tt.body)))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			select {
			case m := <-svc.Messages():
				if !tt.wantEmit {
					t.Fatalf("unexpected emit %+v", m)
				}
				if m.SenderID != "5511987654321" {
					t.Errorf("SenderID = %q", m.SenderID)
				}
			default:
				if tt.wantEmit {
					t.Fatal("message not emitted")
				}
			}
		})
	}

	if err := svc.SendMessage(context.Background(), "551187654321", "resposta"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(client.Sent) != 1 || client.Sent[0].Phone != "5511987654321" {
		t.Errorf("sent = %+v", client.Sent)
	}
}

type fakeEventSource struct {
	*whatsapp.MockClient
	handler func(evt interface{})
	media   []byte
}

func (f *fakeEventSource) AddEventHandler(fn func(evt interface{})) { f.handler = fn }

func (f *fakeEventSource) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return f.media, nil
}

func waEvent(sender string, fromMe, group bool, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender:   types.NewJID(sender, types.DefaultUserServer),
				IsFromMe: fromMe,
				IsGroup:  group,
			},
			ID:        "WA1",
			Timestamp: time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC),
		},
		Message: msg,
	}
}

func TestWhatsAppService_Events(t *testing.T) {
	src := &fakeEventSource{MockClient: whatsapp.NewMockClient(), media: []byte("%PDF")}
	svc := NewWhatsAppService(src)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if src.handler == nil {
		t.Fatal("event handler not registered")
	}

	src.handler(waEvent("5511987654321", false, false, &waE2E.Message{Conversation: proto.String("Treino de hoje?")}))
	m := receive(t, svc.Messages())
	if m.Text != "Treino de hoje?" || m.SenderID != "5511987654321" || m.MessageID != "WA1" {
		t.Errorf("unexpected message %+v", m)
	}

	src.handler(waEvent("5511987654321", false, false, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link aqui")},
	}))
	if m := receive(t, svc.Messages()); m.Text != "link aqui" {
		t.Errorf("extended text = %q", m.Text)
	}

	src.handler(waEvent("5511987654321", false, false, &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("plano.pdf"), Mimetype: proto.String("application/pdf")},
	}))
	m = receive(t, svc.Messages())
	if m.Document == nil || m.Document.FileName != "plano.pdf" || string(m.Document.Data) != "%PDF" {
		t.Errorf("document = %+v", m.Document)
	}

	src.handler(waEvent("5511987654321", true, false, &waE2E.Message{Conversation: proto.String("eco")}))
	if m := receive(t, svc.Messages()); !m.FromMe {
		t.Errorf("FromMe lost: %+v", m)
	}

	src.handler(&events.Receipt{})
	select {
	case m := <-svc.Messages():
		t.Errorf("receipt produced a message: %+v", m)
	default:
	}
}

func TestWhatsAppService_SendMessage(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "5511987654321@s.whatsapp.net", "oi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sent := mock.Messages(); len(sent) != 1 || sent[0].To != "5511987654321" {
		t.Errorf("sent = %+v", sent)
	}
	if err := svc.SendMessage(context.Background(), "12", "oi"); err == nil {
		t.Error("expected validation error")
	}
}

func TestNotifierAndOutboxDelivery(t *testing.T) {
	repo := store.NewInMemoryStore()
	n := NewNotifier(repo)
	ctx := context.Background()

	if err := n.Notify(ctx, "5511987654321", KindEntitlement, "Seu acesso Premium está ativo!", "ent:1"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if err := n.Notify(ctx, "5511987654321", KindEntitlement, "Seu acesso Premium está ativo!", "ent:1"); err != nil {
		t.Fatalf("Notify (dup) failed: %v", err)
	}
	msgs, _ := repo.ListOutboxMessages("5511987654321")
	if len(msgs) != 1 {
		t.Fatalf("outbox has %d messages, want 1", len(msgs))
	}

	client := &zapi.MockClient{}
	deliver := OutboxDelivery(NewZAPIService(client))
	if err := deliver(ctx, msgs[0]); err != nil {
		t.Fatalf("delivery failed: %v", err)
	}
	if len(client.Sent) != 1 || client.Sent[0].Message != "Seu acesso Premium está ativo!" {
		t.Errorf("sent = %+v", client.Sent)
	}
	if err := deliver(ctx, store.OutboxMessage{ID: "x", UserID: "5511987654321", PayloadJSON: "{}"}); err == nil {
		t.Error("expected error for empty payload")
	}
}
