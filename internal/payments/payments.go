// Package payments talks to Mercado Pago: it classifies webhook notifications,
// fetches the current state of subscriptions and payments, and builds the
// checkout link sent to users.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
)

const (
	// DefaultBaseURL is the Mercado Pago API root.
	DefaultBaseURL = "https://api.mercadopago.com"
	// DefaultTimeout bounds one API call.
	DefaultTimeout = 30 * time.Second
	// CheckoutURL is the hosted subscription checkout page.
	CheckoutURL = "https://www.mercadopago.com.br/subscriptions/checkout"
	// ThanksPath is the checkout return route served by the API.
	ThanksPath = "/payment/thanks"
)

// NotificationKind is the resource a webhook notification refers to.
type NotificationKind string

const (
	KindSubscription NotificationKind = "subscription"
	KindPayment      NotificationKind = "payment"
	KindUnknown      NotificationKind = "unknown"
)

// Notification is a classified webhook delivery. Only the resource id is
// trusted; the current state is always fetched from the API.
type Notification struct {
	Type       string           `json:"type"`
	Kind       NotificationKind `json:"kind"`
	ResourceID string           `json:"resource_id"`
}

type rawNotification struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	ID     json.RawMessage `json:"id"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// ParseNotification classifies a webhook body by `type` (or `action`) and
// takes the id from `data.id`, falling back to `id`.
func ParseNotification(body []byte) (Notification, error) {
	var raw rawNotification
	if err := json.Unmarshal(body, &raw); err != nil {
		return Notification{}, fmt.Errorf("invalid notification JSON: %w", err)
	}
	n := Notification{Type: raw.Type}
	if n.Type == "" {
		n.Type = raw.Action
	}
	n.ResourceID = rawID(raw.Data.ID)
	if n.ResourceID == "" {
		n.ResourceID = rawID(raw.ID)
	}
	n.Kind = classify(n.Type)
	return n, nil
}

// rawID accepts ids sent either as JSON strings or numbers.
func rawID(b json.RawMessage) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		return n.String()
	}
	return ""
}

func classify(eventType string) NotificationKind {
	t := strings.ToLower(eventType)
	switch {
	case strings.Contains(t, "subscription"), strings.Contains(t, "preapproval"):
		return KindSubscription
	case strings.Contains(t, "payment"):
		return KindPayment
	default:
		return KindUnknown
	}
}

// Opts holds configuration options for the Mercado Pago client.
type Opts struct {
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// Option defines a configuration option for the Mercado Pago client.
type Option func(*Opts)

// WithAccessToken sets the API bearer token.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithBaseURL overrides the API root, mainly for tests.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client fetches Mercado Pago resources.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient builds a client, falling back to MP_ACCESS_TOKEN. Without a token
// it returns an error wrapping models.ErrNotConfigured.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = os.Getenv("MP_ACCESS_TOKEN")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("payments.NewClient: config loaded", "AccessToken_set", cfg.AccessToken != "", "BaseURL", cfg.BaseURL)
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("mercado pago access token missing: %w", models.ErrNotConfigured)
	}
	return &Client{
		token:   cfg.AccessToken,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
	}, nil
}

type preapprovalResponse struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
	NextPaymentDate   string `json:"next_payment_date"`
	LastModified      string `json:"last_modified"`
}

type paymentResponse struct {
	ID                json.RawMessage `json:"id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
}

// FetchSubscription returns the current state of a preapproval.
func (c *Client) FetchSubscription(ctx context.Context, id string) (models.SubscriptionEvent, error) {
	var res preapprovalResponse
	if err := c.get(ctx, "/preapproval/"+url.PathEscape(id), &res); err != nil {
		return models.SubscriptionEvent{}, err
	}
	ev := models.SubscriptionEvent{
		SubscriptionID: id,
		Status:         res.Status,
		NextChargeDate: res.NextPaymentDate,
		UserReference:  res.ExternalReference,
		ModifiedAt:     res.LastModified,
	}
	if res.ID != "" {
		ev.SubscriptionID = res.ID
	}
	return ev, nil
}

// FetchPayment returns the current state of a payment.
func (c *Client) FetchPayment(ctx context.Context, id string) (models.PaymentEvent, error) {
	var res paymentResponse
	if err := c.get(ctx, "/v1/payments/"+url.PathEscape(id), &res); err != nil {
		return models.PaymentEvent{}, err
	}
	ev := models.PaymentEvent{
		PaymentID:     id,
		Status:        res.Status,
		UserReference: res.ExternalReference,
	}
	if rid := rawID(res.ID); rid != "" {
		ev.PaymentID = rid
	}
	return ev, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Transient("payments.get", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.Transient("payments.get", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return models.Transient("payments.get", err)
		}
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// CheckoutLink returns override when set, otherwise the plan checkout URL
// carrying userID as external reference.
func CheckoutLink(override, planID, baseURL, userID string) string {
	if override != "" {
		return override
	}
	q := url.Values{}
	q.Set("preapproval_plan_id", planID)
	q.Set("back_url", strings.TrimRight(baseURL, "/")+ThanksPath)
	q.Set("external_reference", userID)
	return CheckoutURL + "?" + q.Encode()
}
