package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PaceMate/internal/activity"
	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/util"
)

// StravaConnectedKind is the outbox kind of the connection confirmation.
const StravaConnectedKind = "strava_connected"

const messageStravaConnected = "Strava conectado com sucesso! 🏃‍♂️ Vou analisar seu histórico de corridas e já te mando um resumo do seu perfil."

// stravaConnectHandler redirects the browser to the Strava consent screen.
func (s *Server) stravaConnectHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Activity == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Strava integration not configured"))
		return
	}
	userID := util.CanonicalPhone(r.URL.Query().Get("user"))
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing or invalid user"))
		return
	}
	u, err := s.deps.Activity.AuthCodeURL(userID)
	if err != nil {
		slog.Error("Server.stravaConnectHandler: auth URL failed", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start authorization"))
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// stravaCallbackHandler completes the OAuth round trip, confirms it to the
// user and schedules the one-time profile analysis.
func (s *Server) stravaCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Activity == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Strava integration not configured"))
		return
	}
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		slog.Info("Server.stravaCallbackHandler: authorization denied", "reason", reason)
		writePage(w, http.StatusOK, pageData{
			Emoji: "🤔",
			Title: "Conexão cancelada",
			Body:  "Você não autorizou o acesso ao Strava. Quando quiser, é só pedir o link de novo no WhatsApp.",
		})
		return
	}

	cred, err := s.deps.Activity.CompleteAuth(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		status := http.StatusBadRequest
		if models.IsTransient(err) {
			status = http.StatusBadGateway
		}
		slog.Warn("Server.stravaCallbackHandler: authorization failed", "error", err)
		writePage(w, status, pageData{
			Emoji: "⚠️",
			Title: "Não foi possível conectar",
			Body:  "O link expirou ou já foi usado. Peça um novo link no WhatsApp e tente de novo.",
		})
		return
	}

	now := s.now()
	if s.deps.Notifier != nil {
		key := fmt.Sprintf("strava_connected:%s:%d", cred.UserID, now.Unix())
		if err := s.deps.Notifier.Notify(r.Context(), cred.UserID, StravaConnectedKind, messageStravaConnected, key); err != nil {
			slog.Error("Server.stravaCallbackHandler: confirmation not queued", "userID", cred.UserID, "error", err)
		}
	}
	if _, err := activity.EnqueueProfileAnalysis(s.deps.Store, cred.UserID, now); err != nil {
		slog.Error("Server.stravaCallbackHandler: profile analysis not queued", "userID", cred.UserID, "error", err)
	}

	writePage(w, http.StatusOK, pageData{
		Emoji: "✅",
		Title: "Strava conectado!",
		Body:  "Pronto, " + cred.AthleteName + "! Volte ao WhatsApp, sua análise de perfil chega em instantes.",
	})
}
