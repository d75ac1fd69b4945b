package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PaceMate/internal/interest"
	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/store"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type mockGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	systems []string
	turns   [][]models.Turn
}

func (m *mockGenerator) GenerateWithHistory(ctx context.Context, system string, turns []models.Turn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systems = append(m.systems, system)
	m.turns = append(m.turns, append([]models.Turn(nil), turns...))
	return m.reply, m.err
}

type sentMessage struct{ to, body string }

type mockSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (m *mockSender) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{to, body})
	return nil
}

func (m *mockSender) all() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type fixedEntitlement struct {
	entitled bool
	err      error
}

func (f fixedEntitlement) Status(ctx context.Context, userID string) (models.EntitlementView, error) {
	return models.EntitlementView{UserID: userID, Entitled: f.entitled}, f.err
}

type fixedActivity struct {
	summary string
	err     error
}

func (f fixedActivity) Summary(ctx context.Context, userID string, window time.Duration) (string, error) {
	return f.summary, f.err
}

type fixedMedia struct{ text string }

func (f fixedMedia) Extract(ctx context.Context, msg models.InboundMessage) (string, bool) {
	if msg.Audio == nil && msg.Document == nil {
		return "", false
	}
	return f.text, true
}

type harness struct {
	store  *store.InMemoryStore
	model  *mockGenerator
	sender *mockSender
	flow   *ConversationFlow
}

func newHarness(t *testing.T, mutate func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewInMemoryStore(),
		model:  &mockGenerator{reply: "Bora correr 5 km leves hoje!"},
		sender: &mockSender{},
	}
	rules, err := interest.LoadRules("")
	if err != nil {
		t.Fatal(err)
	}
	deps := Dependencies{
		Store:       h.store,
		Entitlement: fixedEntitlement{},
		Model:       h.model,
		Sender:      h.sender,
		Rules:       rules,
		Interests:   interest.NewRegistrar(h.store),
		PaymentLink: func(u string) string { return "https://pay.example/" + u },
	}
	if mutate != nil {
		mutate(&deps)
	}
	f, err := NewConversationFlow(deps, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewConversationFlow failed: %v", err)
	}
	h.flow = f
	return h
}

func TestHandleMessage_HappyPath(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.flow.HandleMessage(context.Background(), models.InboundMessage{
		MessageID: "m1", SenderID: "+55 11 8765-4321", Text: "Como treino para 10k?",
	})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Outcome != OutcomeReplied || res.UserID != "5511987654321" {
		t.Fatalf("unexpected result %+v", res)
	}

	turns, _ := h.store.GetTurns("5511987654321", 0)
	if len(turns) != 2 || turns[0].Role != models.RoleUser || turns[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected turns %+v", turns)
	}
	if turns[0].Content != "Como treino para 10k?" || turns[1].Content != "Bora correr 5 km leves hoje!" {
		t.Errorf("turn contents = %q / %q", turns[0].Content, turns[1].Content)
	}

	sent := h.sender.all()
	if len(sent) != 1 || sent[0].to != "5511987654321" || sent[0].body != "Bora correr 5 km leves hoje!" {
		t.Errorf("sent = %+v", sent)
	}

	system := h.model.systems[0]
	for _, want := range []string{"STATUS DO USUARIO: FREEMIUM", "LINK DE PAGAMENTO: https://pay.example/5511987654321", "DATA ATUAL: quarta-feira, 01/04/2026"} {
		if !strings.Contains(system, want) {
			t.Errorf("system context missing %q", want)
		}
	}
	if got := h.model.turns[0]; len(got) != 1 || got[0].Role != models.RoleUser {
		t.Errorf("model saw history %+v, want the new user turn", got)
	}
}

func TestHandleMessage_DropsSelfAndGroup(t *testing.T) {
	h := newHarness(t, nil)
	for _, msg := range []models.InboundMessage{
		{SenderID: "5511987654321", FromMe: true, Text: "oi"},
		{SenderID: "5511987654321", IsGroup: true, Text: "oi"},
		{SenderID: "5511987654321"},
	} {
		res, err := h.flow.HandleMessage(context.Background(), msg)
		if err != nil || res.Outcome != OutcomeIgnored {
			t.Errorf("HandleMessage(%+v) = %+v, %v", msg, res, err)
		}
	}
	if len(h.model.systems) != 0 || len(h.sender.all()) != 0 {
		t.Error("ignored messages reached the model or the transport")
	}
	if _, err := h.flow.HandleMessage(context.Background(), models.InboundMessage{SenderID: "abc", Text: "oi"}); !errors.Is(err, models.ErrInvalidUser) {
		t.Errorf("expected ErrInvalidUser, got %v", err)
	}
}

func TestHandleMessage_ModelFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.model.err = errors.New("upstream 503")

	res, err := h.flow.HandleMessage(context.Background(), models.InboundMessage{SenderID: "5511987654321", Text: "oi"})
	if !models.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	turns, _ := h.store.GetTurns("5511987654321", 0)
	if len(turns) != 1 || turns[0].Role != models.RoleUser {
		t.Errorf("turns after failure = %+v, want only the user turn", turns)
	}
	sent := h.sender.all()
	if len(sent) != 1 || sent[0].body != ApologyMessage {
		t.Errorf("sent = %+v, want the apology", sent)
	}
}

func TestHandleMessage_MediaFirst(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Media = fixedMedia{text: "[Áudio transcrito]: quero correr uma maratona"}
	})
	_, err := h.flow.HandleMessage(context.Background(), models.InboundMessage{
		SenderID: "5511987654321",
		Text:     "legenda",
		Audio:    &models.Attachment{URL: "https://media.example/a.ogg"},
	})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	turns, _ := h.store.GetTurns("5511987654321", 0)
	if turns[0].Content != "[Áudio transcrito]: quero correr uma maratona\nlegenda" {
		t.Errorf("user turn = %q", turns[0].Content)
	}
}

func TestHandleMessage_ContextAssembly(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Entitlement = fixedEntitlement{entitled: true}
		d.Activity = fixedActivity{summary: "DADOS DO STRAVA (últimos 7 dias):\nCorridas: 3"}
	})
	h.store.SetSetting(models.SettingAgentPrompt, "Treinador. Status {STATUS}. Guia: [guia] [faltando]")
	h.store.PutDocument(models.Document{Name: "guia", Content: "aqueça 10 minutos"})

	if _, err := h.flow.HandleMessage(context.Background(), models.InboundMessage{SenderID: "5511987654321", Text: "oi"}); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	system := h.model.systems[0]
	for _, want := range []string{
		"Treinador. Status PREMIUM.",
		"=== CONTENT OF 'guia' ===\naqueça 10 minutos\n=== END ===",
		"[faltando]",
		"STATUS DO USUARIO: PREMIUM",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("system context missing %q:\n%s", want, system)
		}
	}
	if !strings.HasSuffix(system, "Corridas: 3") {
		t.Errorf("activity block not last:\n%s", system)
	}
}

func TestHandleMessage_ActivityAndEntitlementDegrade(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Entitlement = fixedEntitlement{err: errors.New("db down")}
		d.Activity = fixedActivity{err: errors.New("strava 500")}
	})
	res, err := h.flow.HandleMessage(context.Background(), models.InboundMessage{SenderID: "5511987654321", Text: "oi"})
	if err != nil || res.Outcome != OutcomeReplied {
		t.Fatalf("HandleMessage = %+v, %v", res, err)
	}
	if system := h.model.systems[0]; !strings.Contains(system, "STATUS DO USUARIO: FREEMIUM") || strings.Contains(system, "STRAVA") {
		t.Errorf("unexpected degraded context:\n%s", system)
	}
}

func TestHandleMessage_RegistersInterest(t *testing.T) {
	h := newHarness(t, nil)
	h.model.reply = "Perfeito, vou registrar seu interesse e a equipe te chama."

	res, err := h.flow.HandleMessage(context.Background(), models.InboundMessage{SenderID: "5511987654321", Text: "Quero agendar uma consulta"})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if len(res.Topics) != 1 || res.Topics[0] != "consulta" {
		t.Errorf("Topics = %v, want a single registration", res.Topics)
	}
	rec, _ := h.store.GetInterest("5511987654321", "consulta")
	if rec == nil || rec.Note != "Nome não informado" {
		t.Errorf("interest = %+v", rec)
	}

	res, _ = h.flow.HandleMessage(context.Background(), models.InboundMessage{SenderID: "5511987654321", Text: "marcar para sexta"})
	if len(res.Topics) != 0 {
		t.Errorf("unresolved interest registered again: %v", res.Topics)
	}
}

func TestHandleMessage_HistoryWindowAndSerialization(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 45; i++ {
		h.store.AppendTurn(models.Turn{UserID: "5511987654321", Role: models.RoleUser, Content: "antigo", CreatedAt: testNow})
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.flow.HandleMessage(context.Background(), models.InboundMessage{SenderID: "5511987654321", Text: "oi"})
		}()
	}
	wg.Wait()

	turns, _ := h.store.GetTurns("5511987654321", 0)
	if len(turns) != 55 {
		t.Fatalf("stored %d turns, want 55", len(turns))
	}
	// Under the per-user lock every user turn is immediately followed by its reply.
	for i := 45; i < len(turns); i += 2 {
		if turns[i].Role != models.RoleUser || turns[i+1].Role != models.RoleAssistant {
			t.Fatalf("turns %d/%d interleaved: %s/%s", i, i+1, turns[i].Role, turns[i+1].Role)
		}
	}
	for _, seen := range h.model.turns {
		if len(seen) != models.MaxContextTurns {
			t.Errorf("model saw %d turns, want %d", len(seen), models.MaxContextTurns)
		}
	}
}

func TestNewConversationFlow_RequiresDeps(t *testing.T) {
	if _, err := NewConversationFlow(Dependencies{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}
