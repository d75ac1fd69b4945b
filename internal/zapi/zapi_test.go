package zapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
)

func TestSendText(t *testing.T) {
	var gotPath, gotToken string
	var gotBody sendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("Client-Token")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"zaapId":"1","messageId":"2"}`))
	}))
	defer srv.Close()

	c, err := NewClient(WithInstance("inst", "tok"), WithClientToken("sec"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.SendText(context.Background(), "5511987654321", "Bom dia!"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if gotPath != "/instances/inst/token/tok/send-text" {
		t.Errorf("path = %q", gotPath)
	}
	if gotToken != "sec" {
		t.Errorf("Client-Token = %q", gotToken)
	}
	if gotBody.Phone != "5511987654321" || gotBody.Message != "Bom dia!" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestSendText_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewClient(WithInstance("inst", "tok"), WithBaseURL(srv.URL))
	err := c.SendText(context.Background(), "5511987654321", "x")
	if !models.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestSendText_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad phone", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := NewClient(WithInstance("inst", "tok"), WithBaseURL(srv.URL))
	err := c.SendText(context.Background(), "1", "x")
	if err == nil || models.IsTransient(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestNewClient_NotConfigured(t *testing.T) {
	t.Setenv("ZAPI_INSTANCE_ID", "")
	t.Setenv("ZAPI_TOKEN", "")
	_, err := NewClient()
	if !errors.Is(err, models.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantOK bool
		check  func(t *testing.T, m models.InboundMessage)
	}{
		{
			name:   "text",
			body:   `{"type":"ReceivedCallback","phone":"5511987654321","messageId":"A1","momment":1767261600000,"text":{"message":"Quero treinar"}}`,
			wantOK: true,
			check: func(t *testing.T, m models.InboundMessage) {
				if m.Text != "Quero treinar" || m.MessageID != "A1" || m.SenderID != "5511987654321" {
					t.Errorf("unexpected message %+v", m)
				}
				if !m.ReceivedAt.Equal(time.UnixMilli(1767261600000)) {
					t.Errorf("ReceivedAt = %v", m.ReceivedAt)
				}
			},
		},
		{
			name:   "audio",
			body:   `{"type":"ReceivedCallback","phone":"5511987654321","audio":{"audioUrl":"https://cdn/a.ogg","mimeType":"audio/ogg"}}`,
			wantOK: true,
			check: func(t *testing.T, m models.InboundMessage) {
				if m.Audio == nil || m.Audio.URL != "https://cdn/a.ogg" {
					t.Errorf("audio = %+v", m.Audio)
				}
			},
		},
		{
			name:   "document",
			body:   `{"type":"ReceivedCallback","phone":"5511987654321","document":{"documentUrl":"https://cdn/p.pdf","fileName":"plano.pdf","mimeType":"application/pdf"}}`,
			wantOK: true,
			check: func(t *testing.T, m models.InboundMessage) {
				if m.Document == nil || m.Document.FileName != "plano.pdf" || m.Document.MimeType != "application/pdf" {
					t.Errorf("document = %+v", m.Document)
				}
			},
		},
		{
			name:   "group flags survive parsing",
			body:   `{"type":"ReceivedCallback","phone":"5511987654321","isGroup":true,"fromMe":true,"text":{"message":"x"}}`,
			wantOK: true,
			check: func(t *testing.T, m models.InboundMessage) {
				if !m.IsGroup || !m.FromMe {
					t.Errorf("flags lost: %+v", m)
				}
			},
		},
		{name: "status callback", body: `{"type":"MessageStatusCallback","phone":"5511987654321"}`},
		{name: "missing phone", body: `{"type":"ReceivedCallback","text":{"message":"oi"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok, err := ParseCallback([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseCallback error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.check != nil {
				tt.check(t, m)
			}
		})
	}

	if _, _, err := ParseCallback([]byte("{")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
