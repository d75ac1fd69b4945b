// Package testutil provides common test utilities and helpers for PaceMate tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/store"
)

// TB is the subset of testing.TB the helpers use, so they can be tested themselves.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateJSONRequest creates a request carrying a raw JSON string.
func CreateJSONRequest(t TB, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// SeedUser is the phone number SeedTestData writes for.
const SeedUser = "5511987654321"

// SeedTestData adds a short conversation, an active entitlement and a
// reference document to the store.
func SeedTestData(t TB, s store.Store) {
	t.Helper()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	turns := []models.Turn{
		{UserID: SeedUser, Role: models.RoleUser, Content: "Quero correr 10 km", CreatedAt: base},
		{UserID: SeedUser, Role: models.RoleAssistant, Content: "Vamos montar sua planilha!", CreatedAt: base.Add(time.Minute)},
	}
	for _, turn := range turns {
		if err := s.AppendTurn(turn); err != nil {
			t.Fatalf("failed to add test turn: %v", err)
		}
	}

	expires := base.Add(35 * 24 * time.Hour)
	if err := s.SaveEntitlement(models.Entitlement{
		UserID:    SeedUser,
		Status:    models.EntitlementActive,
		Plan:      models.PlanPremium,
		Origin:    models.OriginManual,
		StartedAt: base,
		ExpiresAt: &expires,
		UpdatedAt: base,
	}); err != nil {
		t.Fatalf("failed to add test entitlement: %v", err)
	}

	if err := s.PutDocument(models.Document{Name: "aquecimento", Content: "5 minutos de trote leve", UpdatedAt: base}); err != nil {
		t.Fatalf("failed to add test document: %v", err)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
