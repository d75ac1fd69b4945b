package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/PaceMate/internal/media"
	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/prompt"
	"github.com/BTreeMap/PaceMate/internal/util"
)

const maxUploadBytes = 25 << 20

func (s *Server) adminRoutes(r chi.Router) {
	r.Use(middleware.BasicAuth("pacemate-admin", map[string]string{s.deps.AdminUser: s.deps.AdminPass}))

	r.Get("/sessions", s.listSessionsHandler)
	r.Get("/sessions/{user}", s.getSessionHandler)
	r.Delete("/sessions/{user}", s.deleteSessionHandler)

	r.Get("/entitlements", s.listEntitlementsHandler)
	r.Get("/entitlements/{user}", s.getEntitlementHandler)
	r.Post("/entitlements/{user}/activate", s.activateEntitlementHandler)
	r.Post("/entitlements/{user}/deactivate", s.deactivateEntitlementHandler)
	r.Delete("/entitlements/{user}", s.removeEntitlementHandler)

	r.Get("/interests", s.listInterestsHandler)
	r.Post("/interests/{user}/{topic}/resolve", s.resolveInterestHandler)

	r.Get("/prompt", s.getPromptHandler)
	r.Put("/prompt", s.putPromptHandler)

	r.Get("/documents", s.listDocumentsHandler)
	r.Post("/documents", s.uploadDocumentHandler)
	r.Get("/documents/{name}", s.getDocumentHandler)
	r.Delete("/documents/{name}", s.deleteDocumentHandler)

	r.Get("/credentials/{user}", s.getCredentialHandler)
	r.Delete("/credentials/{user}", s.deleteCredentialHandler)

	r.Get("/outbox/{user}", s.listOutboxHandler)
}

// userParam reads and canonicalizes the {user} route parameter.
func userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := util.CanonicalPhone(chi.URLParam(r, "user"))
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid user identifier"))
		return "", false
	}
	return userID, true
}

// internalError logs err and answers 500.
func internalError(w http.ResponseWriter, op string, err error) {
	slog.Error("Server."+op+": failed", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Store.ListSessions()
	if err != nil {
		internalError(w, "listSessionsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	turns, err := s.deps.Store.GetTurns(userID, 0)
	if err != nil {
		internalError(w, "getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turns))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteSession(userID); err != nil {
		internalError(w, "deleteSessionHandler", err)
		return
	}
	slog.Info("Server.deleteSessionHandler: session deleted", "userID", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}

func (s *Server) listEntitlementsHandler(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.Ledger.List(r.Context())
	if err != nil {
		internalError(w, "listEntitlementsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

func (s *Server) getEntitlementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	view, err := s.deps.Ledger.Status(r.Context(), userID)
	if err != nil {
		internalError(w, "getEntitlementHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

type activateRequest struct {
	Days int `json:"days"`
}

func (s *Server) activateEntitlementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req activateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	view, err := s.deps.Ledger.ActivateManual(r.Context(), userID, req.Days)
	if err != nil {
		internalError(w, "activateEntitlementHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) deactivateEntitlementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	view, err := s.deps.Ledger.Deactivate(r.Context(), userID)
	if err != nil {
		internalError(w, "deactivateEntitlementHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) removeEntitlementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Ledger.Remove(r.Context(), userID); err != nil {
		internalError(w, "removeEntitlementHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Entitlement removed", nil))
}

func (s *Server) listInterestsHandler(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	interests, err := s.deps.Store.ListInterests(all)
	if err != nil {
		internalError(w, "listInterestsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(interests))
}

func (s *Server) resolveInterestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	topic := chi.URLParam(r, "topic")
	if err := s.deps.Interests.Resolve(userID, topic); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Interest not found"))
			return
		}
		internalError(w, "resolveInterestHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Interest resolved", nil))
}

type promptBody struct {
	Template  string   `json:"template"`
	IsDefault bool     `json:"is_default"`
	Documents []string `json:"documents"`
}

func (s *Server) getPromptHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.GetSetting(models.SettingAgentPrompt)
	if err != nil {
		internalError(w, "getPromptHandler", err)
		return
	}
	body := promptBody{Template: t}
	if strings.TrimSpace(t) == "" {
		body = promptBody{Template: prompt.DefaultTemplate, IsDefault: true}
	}
	body.Documents = prompt.ReferencedDocuments(body.Template)
	writeJSONResponse(w, http.StatusOK, models.Success(body))
}

func (s *Server) putPromptHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req promptBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Template) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: template"))
		return
	}
	if err := s.deps.Store.SetSetting(models.SettingAgentPrompt, req.Template); err != nil {
		internalError(w, "putPromptHandler", err)
		return
	}
	slog.Info("Server.putPromptHandler: template saved", "length", len(req.Template))
	writeJSONResponse(w, http.StatusOK, models.Success(promptBody{
		Template:  req.Template,
		Documents: prompt.ReferencedDocuments(req.Template),
	}))
}

// documentInfo omits content from listings.
type documentInfo struct {
	Name      string    `json:"name"`
	Chars     int       `json:"chars"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) listDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Store.ListDocuments()
	if err != nil {
		internalError(w, "listDocumentsHandler", err)
		return
	}
	out := make([]documentInfo, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentInfo{Name: d.Name, Chars: len([]rune(d.Content)), UpdatedAt: d.UpdatedAt})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) getDocumentHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Store.GetDocument(chi.URLParam(r, "name"))
	if err != nil {
		internalError(w, "getDocumentHandler", err)
		return
	}
	if d == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Document not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(d))
}

type documentRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// uploadDocumentHandler accepts a multipart upload (field "file", optional
// "name") or a JSON body {name, content}.
func (s *Server) uploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var req documentRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing file"))
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read file"))
			return
		}
		text, err := media.DocumentText(header.Filename, data)
		if err != nil {
			slog.Warn("Server.uploadDocumentHandler: extraction failed", "file", header.Filename, "error", err)
			writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error("Could not read document"))
			return
		}
		req.Name = r.FormValue("name")
		if req.Name == "" {
			req.Name = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
		}
		req.Content = text
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Document is empty"))
		return
	}
	doc := models.Document{
		Name:      prompt.SanitizeDocumentName(req.Name),
		Content:   util.TruncateRunes(req.Content, models.MaxDocumentChars),
		UpdatedAt: s.now().UTC(),
	}
	if err := s.deps.Store.PutDocument(doc); err != nil {
		internalError(w, "uploadDocumentHandler", err)
		return
	}
	slog.Info("Server.uploadDocumentHandler: document saved", "name", doc.Name, "chars", len([]rune(doc.Content)))
	writeJSONResponse(w, http.StatusCreated, models.Success(documentInfo{
		Name:      doc.Name,
		Chars:     len([]rune(doc.Content)),
		UpdatedAt: doc.UpdatedAt,
	}))
}

func (s *Server) deleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteDocument(chi.URLParam(r, "name")); err != nil {
		internalError(w, "deleteDocumentHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Document deleted", nil))
}

type credentialInfo struct {
	Connected   bool                    `json:"connected"`
	ConnectURL  string                  `json:"connect_url,omitempty"`
	Credential  *models.OAuthCredential `json:"credential,omitempty"`
}

func (s *Server) getCredentialHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	cred, err := s.deps.Store.GetCredential(userID)
	if err != nil {
		internalError(w, "getCredentialHandler", err)
		return
	}
	info := credentialInfo{Connected: cred != nil, Credential: cred}
	if s.deps.Activity != nil && s.deps.BaseURL != "" {
		info.ConnectURL = strings.TrimRight(s.deps.BaseURL, "/") + "/strava/connect?user=" + userID
	}
	writeJSONResponse(w, http.StatusOK, models.Success(info))
}

func (s *Server) deleteCredentialHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteCredential(userID); err != nil {
		internalError(w, "deleteCredentialHandler", err)
		return
	}
	slog.Info("Server.deleteCredentialHandler: credential deleted", "userID", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Credential deleted", nil))
}

func (s *Server) listOutboxHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	msgs, err := s.deps.Store.ListOutboxMessages(userID)
	if err != nil {
		internalError(w, "listOutboxHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}
