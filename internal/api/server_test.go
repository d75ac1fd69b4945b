package api

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PaceMate/internal/entitlement"
	"github.com/BTreeMap/PaceMate/internal/interest"
	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/store"
	"github.com/BTreeMap/PaceMate/internal/testutil"
)

const (
	testUser  = "5511987654321"
	adminUser = "coach"
	adminPass = "s3nha"
)

type fakePayments struct {
	subscription models.SubscriptionEvent
	payment      models.PaymentEvent
	err          error
	calls        int
}

func (f *fakePayments) FetchSubscription(ctx context.Context, id string) (models.SubscriptionEvent, error) {
	f.calls++
	return f.subscription, f.err
}

func (f *fakePayments) FetchPayment(ctx context.Context, id string) (models.PaymentEvent, error) {
	f.calls++
	return f.payment, f.err
}

type recordingNotifier struct {
	kinds []string
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, kind, text, dedupeKey string) error {
	n.kinds = append(n.kinds, kind)
	return nil
}

func newTestServer(t *testing.T, payments PaymentFetcher) (*Server, store.Backend) {
	t.Helper()
	s := store.NewInMemoryStore()
	deps := Dependencies{
		Store:     s,
		Ledger:    entitlement.NewLedger(s),
		Interests: interest.NewRegistrar(s),
		Notifier:  &recordingNotifier{},
		Payments:  payments,
		PaymentLink: func(userID string) string {
			return "https://pay.example.com/checkout?ref=" + userID
		},
		AdminUser: adminUser,
		AdminPass: adminPass,
		BaseURL:   "https://coach.example.com",
	}
	return NewServer(deps), s
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func adminRequest(t *testing.T, method, url, body string) *http.Request {
	req := testutil.CreateJSONRequest(t, method, url, body)
	req.SetBasicAuth(adminUser, adminPass)
	return req
}

func TestHealthHandler(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestMercadoPagoWebhook_SubscriptionActivates(t *testing.T) {
	fp := &fakePayments{subscription: models.SubscriptionEvent{
		SubscriptionID: "sub-1",
		Status:         models.SubscriptionAuthorized,
		NextChargeDate: time.Now().AddDate(0, 1, 0).Format("2006-01-02T15:04:05.000-04:00"),
		UserReference:  testUser,
	}}
	srv, s := newTestServer(t, fp)

	body := `{"type":"subscription_preapproval","data":{"id":"sub-1"}}`
	rr := serve(srv, testutil.CreateJSONRequest(t, http.MethodPost, "/webhook/mercadopago", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first delivery")
	testutil.AssertJSONResponse(t, rr, "ok")

	e, err := s.GetEntitlement(testUser)
	if err != nil || e == nil {
		t.Fatalf("entitlement not stored: %v", err)
	}
	if e.Status != models.EntitlementActive {
		t.Errorf("status = %q, want active", e.Status)
	}

	rr = serve(srv, testutil.CreateJSONRequest(t, http.MethodPost, "/webhook/mercadopago", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "replay")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusIgnored))
}

func TestMercadoPagoWebhook_RescheduledChargeApplied(t *testing.T) {
	fp := &fakePayments{subscription: models.SubscriptionEvent{
		SubscriptionID: "sub-1",
		Status:         models.SubscriptionAuthorized,
		NextChargeDate: time.Now().AddDate(0, 1, 0).Format("2006-01-02"),
		UserReference:  testUser,
	}}
	srv, s := newTestServer(t, fp)
	body := `{"type":"subscription_preapproval","data":{"id":"sub-1"}}`

	rr := serve(srv, testutil.CreateJSONRequest(t, http.MethodPost, "/webhook/mercadopago", body))
	testutil.AssertJSONResponse(t, rr, "ok")
	before, _ := s.GetEntitlement(testUser)

	fp.subscription.NextChargeDate = time.Now().AddDate(0, 2, 0).Format("2006-01-02")
	rr = serve(srv, testutil.CreateJSONRequest(t, http.MethodPost, "/webhook/mercadopago", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "rescheduled charge")
	testutil.AssertJSONResponse(t, rr, "ok")

	after, _ := s.GetEntitlement(testUser)
	if before == nil || after == nil || !after.ExpiresAt.After(*before.ExpiresAt) {
		t.Errorf("expiry not moved: before %+v, after %+v", before, after)
	}
}

func TestMercadoPagoWebhook_IgnoresUnactionable(t *testing.T) {
	fp := &fakePayments{}
	srv, _ := newTestServer(t, fp)

	for _, body := range []string{
		`not json`,
		`{"type":"merchant_order","data":{"id":"9"}}`,
		`{"type":"payment","data":{}}`,
	} {
		rr := serve(srv, testutil.CreateJSONRequest(t, http.MethodPost, "/webhook/mercadopago", body))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, body)
		testutil.AssertJSONResponse(t, rr, string(models.APIStatusIgnored))
	}
	if fp.calls != 0 {
		t.Errorf("provider fetched %d times, want 0", fp.calls)
	}
}

func TestMercadoPagoWebhook_ProviderFailures(t *testing.T) {
	body := `{"type":"payment","data":{"id":123}}`

	fp := &fakePayments{err: models.Transient("payments.get", errors.New("timeout"))}
	srv, _ := newTestServer(t, fp)
	rr := serve(srv, testutil.CreateJSONRequest(t, http.MethodPost, "/webhook/mercadopago", body))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "transient failure")

	fp = &fakePayments{err: errors.New("404 not found")}
	srv, _ = newTestServer(t, fp)
	rr = serve(srv, testutil.CreateJSONRequest(t, http.MethodPost, "/webhook/mercadopago", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "permanent failure")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusIgnored))

	fp = &fakePayments{payment: models.PaymentEvent{PaymentID: "123", Status: models.PaymentApproved}}
	srv, _ = newTestServer(t, fp)
	rr = serve(srv, testutil.CreateJSONRequest(t, http.MethodPost, "/webhook/mercadopago", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "missing reference")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusIgnored))
}

func TestMercadoPagoWebhook_NotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := serve(srv, testutil.CreateJSONRequest(t, http.MethodPost, "/webhook/mercadopago", `{"type":"payment","data":{"id":"1"}}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "no payments client")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusIgnored))
}

func TestPaymentThanks_ConfirmsApprovedCheckout(t *testing.T) {
	srv, s := newTestServer(t, nil)
	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/payment/thanks?collection_status=approved&external_reference="+testUser, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "thanks")
	if !strings.Contains(rr.Body.String(), "Pagamento confirmado") {
		t.Error("thanks page not rendered")
	}
	e, _ := s.GetEntitlement(testUser)
	if e == nil || e.Status != models.EntitlementActive {
		t.Errorf("checkout not confirmed: %+v", e)
	}

	rr = serve(srv, httptest.NewRequest(http.MethodGet, "/payment/thanks?collection_status=pending&external_reference=5511900000000", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "pending thanks")
	if e, _ := s.GetEntitlement("5511900000000"); e != nil {
		t.Error("pending checkout must not activate")
	}
}

func TestPaymentPage(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/payment?ref="+testUser, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "payment page")
	if !strings.Contains(rr.Body.String(), "ref="+testUser) {
		t.Errorf("checkout link missing from page: %s", rr.Body.String())
	}
}

func TestStravaRoutes_NotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for _, path := range []string{"/strava/connect?user=" + testUser, "/strava/callback?code=x&state=y"} {
		rr := serve(srv, httptest.NewRequest(http.MethodGet, path, nil))
		testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, path)
	}
}

func TestAdmin_RequiresBasicAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/admin/sessions", nil))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "no credentials")

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	req.SetBasicAuth(adminUser, "wrong")
	rr = serve(srv, req)
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "wrong password")
}

func TestAdmin_DisabledWithoutCredentials(t *testing.T) {
	srv := NewServer(Dependencies{Store: store.NewInMemoryStore()})
	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/admin/sessions", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "admin disabled")
}

func TestAdmin_Sessions(t *testing.T) {
	srv, s := newTestServer(t, nil)
	testutil.SeedTestData(t, s)

	rr := serve(srv, adminRequest(t, http.MethodGet, "/admin/sessions", ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list sessions")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list, ok := resp["result"].([]interface{}); !ok || len(list) != 1 {
		t.Errorf("sessions = %v, want one", resp["result"])
	}

	rr = serve(srv, adminRequest(t, http.MethodGet, "/admin/sessions/55-11-98765-4321", ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get session")

	rr = serve(srv, adminRequest(t, http.MethodDelete, "/admin/sessions/"+testutil.SeedUser, ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete session")
	if turns, _ := s.GetTurns(testutil.SeedUser, 0); len(turns) != 0 {
		t.Errorf("turns after delete = %d", len(turns))
	}
}

func TestAdmin_EntitlementLifecycle(t *testing.T) {
	srv, s := newTestServer(t, nil)

	rr := serve(srv, adminRequest(t, http.MethodPost, "/admin/entitlements/"+testUser+"/activate", `{"days":10}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "activate")
	e, _ := s.GetEntitlement(testUser)
	if e == nil || !e.IsEntitled(time.Now()) {
		t.Fatalf("user not entitled after activation: %+v", e)
	}
	if e.ExpiresAt == nil || e.ExpiresAt.Before(time.Now().AddDate(0, 0, 9)) {
		t.Errorf("expires = %v, want about 10 days out", e.ExpiresAt)
	}

	rr = serve(srv, adminRequest(t, http.MethodPost, "/admin/entitlements/"+testUser+"/deactivate", ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "deactivate")
	if e, _ := s.GetEntitlement(testUser); e == nil || e.Status != models.EntitlementInactive {
		t.Errorf("status after deactivate: %+v", e)
	}

	rr = serve(srv, adminRequest(t, http.MethodDelete, "/admin/entitlements/"+testUser, ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "remove")
	if e, _ := s.GetEntitlement(testUser); e != nil {
		t.Error("record still present after remove")
	}

	rr = serve(srv, adminRequest(t, http.MethodGet, "/admin/entitlements/abc", ""))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid user")
}

func TestAdmin_Interests(t *testing.T) {
	srv, s := newTestServer(t, nil)
	reg := interest.NewRegistrar(s)
	if _, err := reg.Register(testUser, "quero marcar consulta", []interest.Match{{Topic: "consulta"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rr := serve(srv, adminRequest(t, http.MethodGet, "/admin/interests", ""))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list, ok := resp["result"].([]interface{}); !ok || len(list) != 1 {
		t.Errorf("open interests = %v, want one", resp["result"])
	}

	rr = serve(srv, adminRequest(t, http.MethodPost, "/admin/interests/"+testUser+"/consulta/resolve", ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "resolve")

	rr = serve(srv, adminRequest(t, http.MethodGet, "/admin/interests", ""))
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if list, _ := resp["result"].([]interface{}); len(list) != 0 {
		t.Errorf("open interests after resolve = %v", list)
	}

	rr = serve(srv, adminRequest(t, http.MethodPost, "/admin/interests/"+testUser+"/outro/resolve", ""))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown topic")
}

func TestAdmin_Prompt(t *testing.T) {
	srv, s := newTestServer(t, nil)

	rr := serve(srv, adminRequest(t, http.MethodGet, "/admin/prompt", ""))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["is_default"] != true {
		t.Error("empty setting should report the default template")
	}

	rr = serve(srv, adminRequest(t, http.MethodPut, "/admin/prompt", `{"template":"Use [PLANILHA] e [LINK_PAGAMENTO]"}`))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "put prompt")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	docs := resp["result"].(map[string]interface{})["documents"].([]interface{})
	if len(docs) != 1 || docs[0] != "PLANILHA" {
		t.Errorf("referenced documents = %v", docs)
	}
	if got, _ := s.GetSetting(models.SettingAgentPrompt); got != "Use [PLANILHA] e [LINK_PAGAMENTO]" {
		t.Errorf("stored template = %q", got)
	}

	rr = serve(srv, adminRequest(t, http.MethodPut, "/admin/prompt", `{"template":"  "}`))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "blank template")
}

func TestAdmin_Documents(t *testing.T) {
	srv, s := newTestServer(t, nil)

	rr := serve(srv, adminRequest(t, http.MethodPost, "/admin/documents", `{"name":"Plano-Base","content":"semana 1: 3x5km"}`))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "json upload")
	d, _ := s.GetDocument("plano-base")
	if d == nil || d.Content != "semana 1: 3x5km" {
		t.Fatalf("document not stored under sanitized name: %+v", d)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "intervalados.txt")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("6x400m em ritmo de 5km"))
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/admin/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(adminUser, adminPass)
	rr = serve(srv, req)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "multipart upload")
	if d, _ := s.GetDocument("intervalados"); d == nil {
		t.Error("multipart document not stored")
	}

	rr = serve(srv, adminRequest(t, http.MethodGet, "/admin/documents", ""))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list, _ := resp["result"].([]interface{}); len(list) != 2 {
		t.Errorf("documents = %v, want two", list)
	}

	rr = serve(srv, adminRequest(t, http.MethodDelete, "/admin/documents/plano-base", ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete document")
	rr = serve(srv, adminRequest(t, http.MethodGet, "/admin/documents/plano-base", ""))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "deleted document")

	rr = serve(srv, adminRequest(t, http.MethodPost, "/admin/documents", `{"name":"vazio","content":""}`))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty document")
}

func TestAdmin_CredentialsAndOutbox(t *testing.T) {
	srv, s := newTestServer(t, nil)
	if err := s.SaveCredential(models.OAuthCredential{UserID: testUser, AccessToken: "secret", AthleteName: "Ana"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueOutboxMessage(testUser, "entitlement", `{"text":"oi"}`, "k1"); err != nil {
		t.Fatal(err)
	}

	rr := serve(srv, adminRequest(t, http.MethodGet, "/admin/credentials/"+testUser, ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get credential")
	if strings.Contains(rr.Body.String(), "secret") {
		t.Error("access token leaked in admin response")
	}

	rr = serve(srv, adminRequest(t, http.MethodGet, "/admin/outbox/"+testUser, ""))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list, _ := resp["result"].([]interface{}); len(list) != 1 {
		t.Errorf("outbox = %v, want one message", list)
	}

	rr = serve(srv, adminRequest(t, http.MethodDelete, "/admin/credentials/"+testUser, ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete credential")
	if c, _ := s.GetCredential(testUser); c != nil {
		t.Error("credential still stored")
	}
}
