// Package activity connects users' Strava accounts: it runs the OAuth flow,
// keeps tokens fresh, pages through recent activities and renders them as a
// bounded text summary for the model context.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PaceMate/internal/crypto"
	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/util"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	AuthURL    = "https://www.strava.com/oauth/authorize"
	TokenURL   = "https://www.strava.com/oauth/token"
	APIBaseURL = "https://www.strava.com/api/v3"

	// DefaultScope is sent comma separated, as Strava expects.
	DefaultScope = "read,activity:read_all"
	// PageSize is the per_page of activity listing requests.
	PageSize = 50
	// MaxPages bounds pagination of one fetch.
	MaxPages = 10
	// ShortWindow is the lookback of per-turn context.
	ShortWindow = 7 * 24 * time.Hour
	// LongWindow is the lookback of the one-time profile analysis.
	LongWindow = 365 * 24 * time.Hour
	// StateTTL is the validity of a signed OAuth state.
	StateTTL = 15 * time.Minute
	// DefaultTimeout bounds one provider call.
	DefaultTimeout = 30 * time.Second

	stateIssuer = "pacemate"
)

// CredentialRepo is the credential part of the store.
type CredentialRepo interface {
	GetCredential(userID string) (*models.OAuthCredential, error)
	SaveCredential(c models.OAuthCredential) error
	DeleteCredential(userID string) error
}

// Opts holds configuration options for the Strava connector.
type Opts struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	StateSecret  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	HTTPClient   *http.Client
	Sealer       crypto.Sealer
	Now          func() time.Time
}

// Option defines a configuration option for the Strava connector.
type Option func(*Opts)

// WithClientCredentials sets the Strava application id and secret.
func WithClientCredentials(id, secret string) Option {
	return func(o *Opts) {
		o.ClientID = id
		o.ClientSecret = secret
	}
}

// WithRedirectURL sets the OAuth callback URL registered with Strava.
func WithRedirectURL(u string) Option {
	return func(o *Opts) { o.RedirectURL = u }
}

// WithStateSecret sets the HMAC key of OAuth state tokens.
func WithStateSecret(secret string) Option {
	return func(o *Opts) { o.StateSecret = secret }
}

// WithEndpoints overrides the Strava URLs, mainly for tests.
func WithEndpoints(authURL, tokenURL, apiBaseURL string) Option {
	return func(o *Opts) {
		o.AuthURL = authURL
		o.TokenURL = tokenURL
		o.APIBaseURL = apiBaseURL
	}
}

// WithHTTPClient overrides the HTTP client used for the token endpoint and the API.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithSealer encrypts tokens before they reach storage.
func WithSealer(s crypto.Sealer) Option {
	return func(o *Opts) { o.Sealer = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Connector manages Strava credentials and activity reads.
type Connector struct {
	repo        CredentialRepo
	oauth       *oauth2.Config
	stateSecret []byte
	apiBaseURL  string
	http        *http.Client
	sealer      crypto.Sealer
	now         func() time.Time
}

// NewConnector creates a Connector. Without client credentials it returns an
// error wrapping models.ErrNotConfigured.
func NewConnector(repo CredentialRepo, opts ...Option) (*Connector, error) {
	cfg := Opts{
		AuthURL:    AuthURL,
		TokenURL:   TokenURL,
		APIBaseURL: APIBaseURL,
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Sealer == nil {
		cfg.Sealer = crypto.Plaintext{}
	}
	if cfg.StateSecret == "" {
		cfg.StateSecret = cfg.ClientSecret
	}
	slog.Debug("Connector: config loaded",
		"ClientID_set", cfg.ClientID != "",
		"ClientSecret_set", cfg.ClientSecret != "",
		"RedirectURL", cfg.RedirectURL)
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("strava client id and secret must be provided: %w", models.ErrNotConfigured)
	}

	return &Connector{
		repo: repo,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{DefaultScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		stateSecret: []byte(cfg.StateSecret),
		apiBaseURL:  strings.TrimRight(cfg.APIBaseURL, "/"),
		http:        cfg.HTTPClient,
		sealer:      cfg.Sealer,
		now:         cfg.Now,
	}, nil
}

func (c *Connector) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// AuthCodeURL returns the Strava authorize URL for userID.
func (c *Connector) AuthCodeURL(userID string) (string, error) {
	userID = util.CanonicalPhone(userID)
	if userID == "" {
		return "", models.ErrInvalidUser
	}
	state, err := c.signState(userID)
	if err != nil {
		return "", err
	}
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto")), nil
}

func (c *Connector) signState(userID string) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    stateIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(StateTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.stateSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign oauth state: %w", err)
	}
	return signed, nil
}

// VerifyState returns the user id carried by a state token.
func (c *Connector) VerifyState(state string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (interface{}, error) {
		return c.stateSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return "", fmt.Errorf("invalid oauth state: %w", err)
	}
	userID := util.CanonicalPhone(claims.Subject)
	if userID == "" {
		return "", models.ErrInvalidUser
	}
	return userID, nil
}

// CompleteAuth verifies state, exchanges code and stores the credential.
// The returned credential holds plaintext tokens.
func (c *Connector) CompleteAuth(ctx context.Context, code, state string) (*models.OAuthCredential, error) {
	userID, err := c.VerifyState(state)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("missing authorization code")
	}
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, models.Transient("Connector.CompleteAuth", fmt.Errorf("token exchange failed: %w", err))
	}
	cred := c.credentialFromToken(userID, tok, nil)
	if err := c.persist(cred); err != nil {
		return nil, err
	}
	slog.Info("Connector.CompleteAuth: connected", "userID", userID, "athleteID", cred.AthleteID)
	return cred, nil
}

// credentialFromToken maps a token response, keeping athlete data from prev
// when the response does not repeat it (refresh responses).
func (c *Connector) credentialFromToken(userID string, tok *oauth2.Token, prev *models.OAuthCredential) *models.OAuthCredential {
	cred := &models.OAuthCredential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        DefaultScope,
		UpdatedAt:    c.now(),
	}
	if prev != nil {
		cred.AthleteID = prev.AthleteID
		cred.AthleteName = prev.AthleteName
		cred.Scope = prev.Scope
		if cred.RefreshToken == "" {
			cred.RefreshToken = prev.RefreshToken
		}
	}
	if exp, ok := tok.Extra("expires_at").(float64); ok && exp > 0 {
		cred.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	if athlete, ok := tok.Extra("athlete").(map[string]interface{}); ok {
		if id, ok := athlete["id"].(float64); ok {
			cred.AthleteID = int64(id)
		}
		first, _ := athlete["firstname"].(string)
		last, _ := athlete["lastname"].(string)
		if name := strings.TrimSpace(first + " " + last); name != "" {
			cred.AthleteName = name
		}
	}
	return cred
}

// persist seals a plaintext credential and saves it.
func (c *Connector) persist(cred *models.OAuthCredential) error {
	sealed := *cred
	var err error
	if sealed.AccessToken, err = c.sealer.Seal(cred.UserID, cred.AccessToken); err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	if sealed.RefreshToken, err = c.sealer.Seal(cred.UserID, cred.RefreshToken); err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}
	if err := c.repo.SaveCredential(sealed); err != nil {
		return models.Transient("Connector.persist", err)
	}
	return nil
}

// Connected reports whether the user has a stored credential.
func (c *Connector) Connected(userID string) (bool, error) {
	cred, err := c.repo.GetCredential(util.CanonicalPhone(userID))
	if err != nil {
		return false, models.Transient("Connector.Connected", err)
	}
	return cred != nil, nil
}

// Disconnect deletes the stored credential.
func (c *Connector) Disconnect(userID string) error {
	if err := c.repo.DeleteCredential(util.CanonicalPhone(userID)); err != nil {
		return models.Transient("Connector.Disconnect", err)
	}
	return nil
}

// EnsureFresh returns a usable plaintext credential, refreshing it once when
// expired. Every failure other than storage errors is reported as
// models.ErrNoCredential so callers treat the user as disconnected.
func (c *Connector) EnsureFresh(ctx context.Context, userID string) (*models.OAuthCredential, error) {
	userID = util.CanonicalPhone(userID)
	stored, err := c.repo.GetCredential(userID)
	if err != nil {
		return nil, models.Transient("Connector.EnsureFresh", err)
	}
	if stored == nil {
		return nil, models.ErrNoCredential
	}
	cred := *stored
	if cred.AccessToken, err = c.sealer.Open(userID, stored.AccessToken); err != nil {
		slog.Error("Connector.EnsureFresh: cannot open access token", "userID", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrNoCredential, err)
	}
	if cred.RefreshToken, err = c.sealer.Open(userID, stored.RefreshToken); err != nil {
		slog.Error("Connector.EnsureFresh: cannot open refresh token", "userID", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrNoCredential, err)
	}

	if c.now().Before(cred.ExpiresAt) {
		return &cred, nil
	}

	slog.Debug("Connector.EnsureFresh: refreshing", "userID", userID, "expiredAt", cred.ExpiresAt)
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		slog.Warn("Connector.EnsureFresh: refresh failed", "userID", userID, "error", err)
		return nil, fmt.Errorf("%w: refresh failed: %v", models.ErrNoCredential, err)
	}
	fresh := c.credentialFromToken(userID, tok, &cred)
	if err := c.persist(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Fetch lists running activities started within window before now.
func (c *Connector) Fetch(ctx context.Context, cred *models.OAuthCredential, window time.Duration) ([]models.Activity, error) {
	after := c.now().Add(-window).Unix()
	var runs []models.Activity
	for page := 1; page <= MaxPages; page++ {
		batch, err := c.fetchPage(ctx, cred.AccessToken, after, page)
		if err != nil {
			return nil, err
		}
		for _, a := range batch {
			if IsRun(a) {
				runs = append(runs, a)
			}
		}
		if len(batch) < PageSize {
			break
		}
	}
	slog.Debug("Connector.Fetch: done", "userID", cred.UserID, "runs", len(runs), "window", window)
	return runs, nil
}

func (c *Connector) fetchPage(ctx context.Context, accessToken string, after int64, page int) ([]models.Activity, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(PageSize))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/athlete/activities?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build activities request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, models.Transient("Connector.fetchPage", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, models.Transient("Connector.fetchPage", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: activities returned 401", models.ErrNoCredential)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.Transient("Connector.fetchPage", fmt.Errorf("activities returned status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("activities returned status %d", resp.StatusCode)
	}
	var batch []models.Activity
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode activities: %w", err)
	}
	return batch, nil
}

// IsRun reports whether the activity is a running type.
func IsRun(a models.Activity) bool {
	for _, t := range []string{a.SportType, a.Type} {
		switch t {
		case "Run", "TrailRun", "VirtualRun":
			return true
		}
	}
	return false
}

// Summary fetches and summarizes the user's runs in window. A user without a
// usable credential yields ("", nil).
func (c *Connector) Summary(ctx context.Context, userID string, window time.Duration) (string, error) {
	cred, err := c.EnsureFresh(ctx, userID)
	if errors.Is(err, models.ErrNoCredential) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	runs, err := c.Fetch(ctx, cred, FetchWindow(window))
	if err != nil {
		return "", err
	}
	return Summarize(runs, c.now(), window), nil
}
