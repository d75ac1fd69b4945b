package store

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
)

func TestSessionTurns_KeepAllReturnRecent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 45; i++ {
			role := models.RoleUser
			if i%2 == 1 {
				role = models.RoleAssistant
			}
			err := b.AppendTurn(models.Turn{
				UserID:    "5511987654321",
				Role:      role,
				Content:   fmt.Sprintf("msg %d", i),
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				t.Fatalf("AppendTurn %d failed: %v", i, err)
			}
		}

		recent, err := b.GetTurns("5511987654321", models.MaxContextTurns)
		if err != nil {
			t.Fatalf("GetTurns failed: %v", err)
		}
		if len(recent) != models.MaxContextTurns {
			t.Fatalf("got %d turns, want %d", len(recent), models.MaxContextTurns)
		}
		if recent[0].Content != "msg 5" || recent[39].Content != "msg 44" {
			t.Errorf("window = %q .. %q, want msg 5 .. msg 44", recent[0].Content, recent[39].Content)
		}

		all, _ := b.GetTurns("5511987654321", 0)
		if len(all) != 45 {
			t.Errorf("full log has %d turns, want 45", len(all))
		}

		sessions, err := b.ListSessions()
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		if len(sessions) != 1 || sessions[0].TurnCount != 45 || sessions[0].LastMessage != "msg 44" {
			t.Errorf("unexpected sessions %+v", sessions)
		}

		if err := b.DeleteSession("5511987654321"); err != nil {
			t.Fatalf("DeleteSession failed: %v", err)
		}
		if turns, _ := b.GetTurns("5511987654321", 40); len(turns) != 0 {
			t.Errorf("turns survived DeleteSession: %d", len(turns))
		}
	})
}

func TestSessionTurns_RejectInvalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		if err := b.AppendTurn(models.Turn{UserID: "u1", Role: "system", Content: "x"}); err == nil {
			t.Error("expected error for invalid role")
		}
		if err := b.AppendTurn(models.Turn{Role: models.RoleUser, Content: "x"}); err == nil {
			t.Error("expected error for missing user")
		}
	})
}

func TestEntitlements_RoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		if e, err := b.GetEntitlement("u1"); err != nil || e != nil {
			t.Fatalf("GetEntitlement(missing) = %v, %v", e, err)
		}

		started := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
		expires := started.Add(35 * 24 * time.Hour)
		rec := models.Entitlement{
			UserID:         "u1",
			Status:         models.EntitlementActive,
			Plan:           models.PlanPremium,
			Origin:         models.OriginSubscription,
			StartedAt:      started,
			ExpiresAt:      &expires,
			ProviderStatus: "authorized",
			ExternalIDs:    map[string]string{models.ExternalSubscriptionID: "sub-9"},
			UpdatedAt:      started,
		}
		if err := b.SaveEntitlement(rec); err != nil {
			t.Fatalf("SaveEntitlement failed: %v", err)
		}

		got, err := b.GetEntitlement("u1")
		if err != nil || got == nil {
			t.Fatalf("GetEntitlement = %v, %v", got, err)
		}
		if got.Status != models.EntitlementActive || got.Origin != models.OriginSubscription {
			t.Errorf("unexpected record %+v", got)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
		}
		if got.LastPaymentAt != nil {
			t.Errorf("LastPaymentAt = %v, want nil", got.LastPaymentAt)
		}
		if got.ExternalIDs[models.ExternalSubscriptionID] != "sub-9" {
			t.Errorf("ExternalIDs = %v", got.ExternalIDs)
		}

		rec.Status = models.EntitlementInactive
		rec.ExpiresAt = nil
		if err := b.SaveEntitlement(rec); err != nil {
			t.Fatalf("SaveEntitlement (update) failed: %v", err)
		}
		got, _ = b.GetEntitlement("u1")
		if got.Status != models.EntitlementInactive || got.ExpiresAt != nil {
			t.Errorf("update not applied: %+v", got)
		}

		list, _ := b.ListEntitlements()
		if len(list) != 1 {
			t.Errorf("ListEntitlements returned %d records", len(list))
		}
		if err := b.DeleteEntitlement("u1"); err != nil {
			t.Fatalf("DeleteEntitlement failed: %v", err)
		}
		if e, _ := b.GetEntitlement("u1"); e != nil {
			t.Error("entitlement survived delete")
		}
	})
}

func TestCredentials_RoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		exp := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
		cred := models.OAuthCredential{
			UserID:       "u1",
			AccessToken:  "enc-access",
			RefreshToken: "enc-refresh",
			ExpiresAt:    exp,
			AthleteID:    4242,
			AthleteName:  "Ana Souza",
			Scope:        "read,activity:read_all",
		}
		if err := b.SaveCredential(cred); err != nil {
			t.Fatalf("SaveCredential failed: %v", err)
		}
		got, err := b.GetCredential("u1")
		if err != nil || got == nil {
			t.Fatalf("GetCredential = %v, %v", got, err)
		}
		if got.AccessToken != "enc-access" || got.RefreshToken != "enc-refresh" || got.AthleteID != 4242 {
			t.Errorf("unexpected credential %+v", got)
		}
		if !got.ExpiresAt.Equal(exp) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
		}

		if err := b.DeleteCredential("u1"); err != nil {
			t.Fatalf("DeleteCredential failed: %v", err)
		}
		if c, _ := b.GetCredential("u1"); c != nil {
			t.Error("credential survived delete")
		}
	})
}

func TestInterests_ResolvedFilter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		now := time.Now().UTC().Truncate(time.Second)
		b.SaveInterest(models.Interest{UserID: "u1", Topic: "consulta", Note: "quer agendar", CreatedAt: now})
		b.SaveInterest(models.Interest{UserID: "u2", Topic: "consulta", CreatedAt: now, Resolved: true, ResolvedAt: &now})

		open, err := b.ListInterests(false)
		if err != nil {
			t.Fatalf("ListInterests failed: %v", err)
		}
		if len(open) != 1 || open[0].UserID != "u1" {
			t.Errorf("open interests = %+v", open)
		}
		all, _ := b.ListInterests(true)
		if len(all) != 2 {
			t.Errorf("all interests = %d, want 2", len(all))
		}

		got, _ := b.GetInterest("u1", "consulta")
		if got == nil || got.Note != "quer agendar" {
			t.Errorf("GetInterest = %+v", got)
		}
		if missing, _ := b.GetInterest("u1", "outro"); missing != nil {
			t.Errorf("GetInterest(missing) = %+v", missing)
		}
	})
}

func TestSettings(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		if v, err := b.GetSetting(models.SettingAgentPrompt); err != nil || v != "" {
			t.Fatalf("unset setting = %q, %v", v, err)
		}
		b.SetSetting(models.SettingAgentPrompt, "v1")
		b.SetSetting(models.SettingAgentPrompt, "v2")
		if v, _ := b.GetSetting(models.SettingAgentPrompt); v != "v2" {
			t.Errorf("setting = %q, want v2", v)
		}
	})
}

func TestDocuments_CaseInsensitiveAndCapped(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		long := strings.Repeat("á", models.MaxDocumentChars+50)
		if err := b.PutDocument(models.Document{Name: "Planilha", Content: long}); err != nil {
			t.Fatalf("PutDocument failed: %v", err)
		}
		got, err := b.GetDocument("PLANILHA")
		if err != nil || got == nil {
			t.Fatalf("GetDocument = %v, %v", got, err)
		}
		if got.Name != "planilha" {
			t.Errorf("Name = %q, want planilha", got.Name)
		}
		if n := len([]rune(got.Content)); n != models.MaxDocumentChars {
			t.Errorf("content has %d runes, want %d", n, models.MaxDocumentChars)
		}

		b.PutDocument(models.Document{Name: "aquecimento", Content: "5 min trote"})
		docs, _ := b.ListDocuments()
		if len(docs) != 2 || docs[0].Name != "aquecimento" {
			t.Errorf("ListDocuments = %+v", docs)
		}

		b.DeleteDocument("Planilha")
		if d, _ := b.GetDocument("planilha"); d != nil {
			t.Error("document survived delete")
		}
	})
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@localhost/db", "postgres"},
		{"postgresql://localhost/db?sslmode=disable", "postgres"},
		{"host=localhost user=pace dbname=pace sslmode=disable", "postgres"},
		{"/var/lib/pacemate/state.db", "sqlite3"},
		{"file:state.db?_foreign_keys=on", "sqlite3"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance reachable through DATABASE_URL.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	pgStore.db.Exec("DELETE FROM session_turns WHERE user_id = 'pg-test'")

	for i := 0; i < 3; i++ {
		if err := pgStore.AppendTurn(models.Turn{UserID: "pg-test", Role: models.RoleUser, Content: fmt.Sprint(i)}); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}
	turns, err := pgStore.GetTurns("pg-test", 2)
	if err != nil {
		t.Fatalf("GetTurns failed: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "1" || turns[1].Content != "2" {
		t.Errorf("unexpected turns %+v", turns)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set; skipping", key)
	}
	return v
}
