package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/userlock"
)

// ProfileJobKind is the durable job kind of the one-time profile analysis.
const ProfileJobKind = "activity_profile_analysis"

// ProfileNotificationKind is the outbox kind of the analysis message.
const ProfileNotificationKind = "profile_analysis"

// MessageNoRuns is sent when the connected account has no runs in the long window.
const MessageNoRuns = "Conectei seu Strava! 🏃 Ainda não encontrei corridas no último ano, mas assim que você registrar seus treinos eu passo a acompanhar tudo por aqui."

const profileSystemPrompt = `Você é um treinador de corrida experiente que conversa pelo WhatsApp.
Analise o histórico de corridas do atleta abaixo e escreva, em português do Brasil, uma análise curta do perfil:
volume semanal, ritmo típico, consistência, pontos fortes e uma ou duas sugestões práticas para as próximas semanas.
Use no máximo 12 linhas, sem tabelas.`

// ProfilePayload is the job payload of a profile analysis.
type ProfilePayload struct {
	UserID string `json:"user_id"`
}

// JobEnqueuer is the part of the job repository used to schedule analyses.
type JobEnqueuer interface {
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)
}

// Generator produces the analysis text.
type Generator interface {
	GenerateWithHistory(ctx context.Context, system string, turns []models.Turn) (string, error)
}

// TurnAppender records the analysis in the user's session.
type TurnAppender interface {
	AppendTurn(turn models.Turn) error
}

// Notifier delivers the analysis to the user.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, text, dedupeKey string) error
}

// EnqueueProfileAnalysis schedules an analysis for userID; a pending one is reused.
func EnqueueProfileAnalysis(jobs JobEnqueuer, userID string, now time.Time) (string, error) {
	payload, err := json.Marshal(ProfilePayload{UserID: userID})
	if err != nil {
		return "", err
	}
	return jobs.EnqueueJob(ProfileJobKind, now, string(payload), "profile_analysis:"+userID)
}

// ProfileAnalyzer runs profile analysis jobs. The analysis turn is recorded
// under the same per-user lock as live conversation turns.
type ProfileAnalyzer struct {
	connector *Connector
	model     Generator
	turns     TurnAppender
	notifier  Notifier
	locker    userlock.Locker
}

// NewProfileAnalyzer creates a ProfileAnalyzer.
func NewProfileAnalyzer(connector *Connector, model Generator, turns TurnAppender, notifier Notifier, locker userlock.Locker) *ProfileAnalyzer {
	return &ProfileAnalyzer{connector: connector, model: model, turns: turns, notifier: notifier, locker: locker}
}

// Handle is the job handler. Errors are retried by the job runner.
func (p *ProfileAnalyzer) Handle(ctx context.Context, payloadJSON string) error {
	var payload ProfilePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil || payload.UserID == "" {
		return fmt.Errorf("invalid profile analysis payload %q", payloadJSON)
	}
	userID := payload.UserID
	dedupeKey := fmt.Sprintf("profile_analysis:%s:%s", userID, p.connector.now().Format("2006-01-02"))

	cred, err := p.connector.EnsureFresh(ctx, userID)
	if errors.Is(err, models.ErrNoCredential) {
		slog.Warn("ProfileAnalyzer.Handle: account disconnected, skipping", "userID", userID)
		return nil
	}
	if err != nil {
		return err
	}
	runs, err := p.connector.Fetch(ctx, cred, LongWindow)
	if err != nil {
		return fmt.Errorf("failed to fetch activities: %w", err)
	}
	summary := Summarize(runs, p.connector.now(), LongWindow)
	if summary == "" {
		slog.Info("ProfileAnalyzer.Handle: no runs found", "userID", userID)
		return p.notifier.Notify(ctx, userID, ProfileNotificationKind, MessageNoRuns, dedupeKey)
	}

	analysis, err := p.model.GenerateWithHistory(ctx, profileSystemPrompt, []models.Turn{
		{UserID: userID, Role: models.RoleUser, Content: summary},
	})
	if err != nil {
		return models.Transient("ProfileAnalyzer.Handle", err)
	}

	unlock, err := p.locker.Lock(ctx, userID)
	if err != nil {
		return models.Transient("ProfileAnalyzer.Handle", err)
	}
	defer unlock()
	if err := p.notifier.Notify(ctx, userID, ProfileNotificationKind, analysis, dedupeKey); err != nil {
		return err
	}
	if err := p.turns.AppendTurn(models.Turn{
		UserID:    userID,
		Role:      models.RoleAssistant,
		Content:   analysis,
		CreatedAt: p.connector.now(),
	}); err != nil {
		// The message is already queued; a retry would only repeat the model call.
		slog.Error("ProfileAnalyzer.Handle: failed to append analysis turn", "userID", userID, "error", err)
	}
	slog.Info("ProfileAnalyzer.Handle: analysis queued", "userID", userID, "length", len(analysis))
	return nil
}
