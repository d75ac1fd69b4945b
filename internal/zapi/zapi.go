// Package zapi is a client for the Z-API WhatsApp gateway.
package zapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
)

const (
	// DefaultBaseURL is the Z-API endpoint root.
	DefaultBaseURL = "https://api.z-api.io"
	// DefaultTimeout bounds one API call.
	DefaultTimeout = 30 * time.Second
	// CallbackReceived is the callback type of an inbound message.
	CallbackReceived = "ReceivedCallback"
)

// Sender sends a text message through Z-API.
type Sender interface {
	SendText(ctx context.Context, phone, message string) error
}

// Opts holds configuration options for the Z-API client.
type Opts struct {
	InstanceID  string
	Token       string
	ClientToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// Option defines a configuration option for the Z-API client.
type Option func(*Opts)

// WithInstance sets the instance id and its token.
func WithInstance(instanceID, token string) Option {
	return func(o *Opts) {
		o.InstanceID = instanceID
		o.Token = token
	}
}

// WithClientToken sets the account security token sent as Client-Token.
func WithClientToken(token string) Option {
	return func(o *Opts) { o.ClientToken = token }
}

// WithBaseURL overrides the API root, mainly for tests.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client calls the Z-API REST API.
type Client struct {
	instanceID  string
	token       string
	clientToken string
	baseURL     string
	http        *http.Client
}

var _ Sender = (*Client)(nil)

// NewClient builds a client from options, falling back to ZAPI_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = os.Getenv("ZAPI_INSTANCE_ID")
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("ZAPI_TOKEN")
	}
	if cfg.ClientToken == "" {
		cfg.ClientToken = os.Getenv("ZAPI_CLIENT_TOKEN")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("zapi.NewClient: config loaded",
		"InstanceID_set", cfg.InstanceID != "",
		"Token_set", cfg.Token != "",
		"ClientToken_set", cfg.ClientToken != "")

	if cfg.InstanceID == "" || cfg.Token == "" {
		return nil, fmt.Errorf("zapi instance id and token must be provided: %w", models.ErrNotConfigured)
	}
	return &Client{
		instanceID:  cfg.InstanceID,
		token:       cfg.Token,
		clientToken: cfg.ClientToken,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        cfg.HTTPClient,
	}, nil
}

type sendTextRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// SendText posts a text message to phone.
func (c *Client) SendText(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(sendTextRequest{Phone: phone, Message: message})
	if err != nil {
		return fmt.Errorf("failed to encode send-text body: %w", err)
	}
	endpoint := fmt.Sprintf("%s/instances/%s/token/%s/send-text", c.baseURL, c.instanceID, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build send-text request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.clientToken != "" {
		req.Header.Set("Client-Token", c.clientToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Transient("zapi.SendText", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("send-text returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		if resp.StatusCode >= 500 {
			return models.Transient("zapi.SendText", err)
		}
		return err
	}
	slog.Debug("zapi.SendText: sent", "phone", phone, "status", resp.StatusCode)
	return nil
}

// Callback is the subset of a Z-API webhook payload the assistant reads.
type Callback struct {
	Type      string `json:"type"`
	Phone     string `json:"phone"`
	FromMe    bool   `json:"fromMe"`
	IsGroup   bool   `json:"isGroup"`
	MessageID string `json:"messageId"`
	Moment    int64  `json:"momment"`
	Text      *struct {
		Message string `json:"message"`
	} `json:"text,omitempty"`
	Audio *struct {
		AudioURL string `json:"audioUrl"`
		MimeType string `json:"mimeType"`
	} `json:"audio,omitempty"`
	Document *struct {
		DocumentURL string `json:"documentUrl"`
		FileName    string `json:"fileName"`
		MimeType    string `json:"mimeType"`
	} `json:"document,omitempty"`
}

// ParseCallback decodes a webhook body. ok is false for anything that is not
// a received message with a sender.
func ParseCallback(body []byte) (msg models.InboundMessage, ok bool, err error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return models.InboundMessage{}, false, fmt.Errorf("invalid callback JSON: %w", err)
	}
	if cb.Type != CallbackReceived || cb.Phone == "" {
		return models.InboundMessage{}, false, nil
	}

	msg = models.InboundMessage{
		MessageID:  cb.MessageID,
		SenderID:   cb.Phone,
		FromMe:     cb.FromMe,
		IsGroup:    cb.IsGroup,
		ReceivedAt: time.Now().UTC(),
	}
	if cb.Moment > 0 {
		msg.ReceivedAt = time.UnixMilli(cb.Moment).UTC()
	}
	if cb.Text != nil {
		msg.Text = cb.Text.Message
	}
	if cb.Audio != nil && cb.Audio.AudioURL != "" {
		msg.Audio = &models.Attachment{URL: cb.Audio.AudioURL, MimeType: cb.Audio.MimeType}
	}
	if cb.Document != nil && cb.Document.DocumentURL != "" {
		msg.Document = &models.Attachment{
			URL:      cb.Document.DocumentURL,
			FileName: cb.Document.FileName,
			MimeType: cb.Document.MimeType,
		}
	}
	return msg, true, nil
}

// MockClient records sent texts.
type MockClient struct {
	Sent []SentText
	Err  error
}

// SentText is one message recorded by MockClient.
type SentText struct {
	Phone   string
	Message string
}

var _ Sender = (*MockClient)(nil)

func (m *MockClient) SendText(ctx context.Context, phone, message string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentText{Phone: phone, Message: message})
	return nil
}
