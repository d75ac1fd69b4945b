package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/store"
)

// recorder is a TB that remembers failures; Fatal* abort through panic.
type recorder struct {
	failures []string
}

type fatalAbort struct{}

func (r *recorder) Helper() {}

func (r *recorder) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func (r *recorder) Error(args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprint(args...))
}

func (r *recorder) Fatalf(format string, args ...interface{}) {
	r.Errorf(format, args...)
	panic(fatalAbort{})
}

func (r *recorder) Fatal(args ...interface{}) {
	r.Error(args...)
	panic(fatalAbort{})
}

// failed runs fn against a fresh recorder and reports whether it failed.
func failed(fn func(TB)) (f bool) {
	r := &recorder{}
	defer func() {
		if v := recover(); v != nil {
			if _, ok := v.(fatalAbort); !ok {
				panic(v)
			}
		}
		f = len(r.failures) > 0
	}()
	fn(r)
	return false
}

func TestAssertHTTPStatus(t *testing.T) {
	if failed(func(tb TB) { AssertHTTPStatus(tb, 200, 200, "same") }) {
		t.Error("matching codes should pass")
	}
	if !failed(func(tb TB) { AssertHTTPStatus(tb, 200, 404, "different") }) {
		t.Error("different codes should fail")
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantFail bool
	}{
		{"matching status", `{"status":"ok","result":1}`, false},
		{"other status", `{"status":"error"}`, true},
		{"invalid JSON", `{"status":}`, true},
		{"missing status", `{"result":1}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := failed(func(tb TB) {
				rr := httptest.NewRecorder()
				rr.WriteString(tt.body)
				AssertJSONResponse(tb, rr, "ok")
			})
			if got != tt.wantFail {
				t.Errorf("failed = %v, want %v", got, tt.wantFail)
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/admin/prompt", map[string]string{"template": "oi"})
	if req.Method != http.MethodPost || req.URL.Path != "/admin/prompt" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	MustUnmarshalJSON(t, []byte(readAll(t, req)), &body)
	if body["template"] != "oi" {
		t.Errorf("body = %v", body)
	}

	if req := CreateHTTPRequest(t, http.MethodGet, "/health", nil); req.ContentLength != 0 {
		t.Errorf("nil body should be empty, got length %d", req.ContentLength)
	}
}

func readAll(t *testing.T, req *http.Request) string {
	t.Helper()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func TestCreateJSONRequest(t *testing.T) {
	req := CreateJSONRequest(t, http.MethodPut, "/admin/prompt", `{"template":"x"}`)
	if req.Method != http.MethodPut || req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected request %s %v", req.Method, req.Header)
	}
	if got := readAll(t, req); got != `{"template":"x"}` {
		t.Errorf("body = %q", got)
	}
}

func TestSeedTestData(t *testing.T) {
	st := store.NewInMemoryStore()
	SeedTestData(t, st)

	turns, err := st.GetTurns(SeedUser, 0)
	if err != nil || len(turns) != 2 {
		t.Errorf("turns = %d (%v), want 2", len(turns), err)
	}
	e, err := st.GetEntitlement(SeedUser)
	if err != nil || e == nil || e.Status != models.EntitlementActive {
		t.Errorf("expected active entitlement, got %+v (%v)", e, err)
	}
	if d, _ := st.GetDocument("aquecimento"); d == nil {
		t.Error("expected seeded document")
	}
}

func TestMustJSONRoundTrip(t *testing.T) {
	data := MustMarshalJSON(t, map[string]int{"km": 10})
	var out map[string]int
	MustUnmarshalJSON(t, data, &out)
	if out["km"] != 10 {
		t.Errorf("out = %v", out)
	}
	if !failed(func(tb TB) { MustMarshalJSON(tb, func() {}) }) {
		t.Error("unmarshalable value should fail")
	}
	if !failed(func(tb TB) { MustUnmarshalJSON(tb, []byte("{"), &out) }) {
		t.Error("invalid JSON should fail")
	}
}
