package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/payments"
	"github.com/BTreeMap/PaceMate/internal/util"
)

const maxWebhookBody = 1 << 20

// dedupKey identifies one provider state per day:
// provider:resource:status[:detail]:date. Subscriptions pass their next charge
// date as detail so a rescheduled charge is applied the same day.
func (s *Server) dedupKey(resource, status string, detail ...string) string {
	state := strings.Join(append([]string{status}, detail...), ":")
	return fmt.Sprintf("mercadopago:%s:%s:%s", resource, state, s.now().In(s.loc).Format("2006-01-02"))
}

// mercadoPagoWebhookHandler re-fetches the notified resource and feeds its
// current state to the ledger. Anything not actionable is acknowledged so the
// provider stops retrying; transient failures answer 500 so it retries.
func (s *Server) mercadoPagoWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read body"))
		return
	}
	n, err := payments.ParseNotification(body)
	if err != nil {
		slog.Warn("Server.mercadoPagoWebhookHandler: unparseable notification", "error", err)
		writeJSONResponse(w, http.StatusOK, models.Ignored("invalid payload"))
		return
	}
	if n.ResourceID == "" || n.Kind == payments.KindUnknown {
		slog.Debug("Server.mercadoPagoWebhookHandler: ignoring notification", "type", n.Type, "resourceID", n.ResourceID)
		writeJSONResponse(w, http.StatusOK, models.Ignored("not actionable"))
		return
	}
	if s.deps.Payments == nil {
		slog.Warn("Server.mercadoPagoWebhookHandler: payments not configured, ignoring", "type", n.Type, "resourceID", n.ResourceID)
		writeJSONResponse(w, http.StatusOK, models.Ignored("payments not configured"))
		return
	}

	ctx := r.Context()
	var (
		key  string
		view models.EntitlementView
	)
	switch n.Kind {
	case payments.KindSubscription:
		ev, err := s.deps.Payments.FetchSubscription(ctx, n.ResourceID)
		if err != nil {
			s.providerFailure(w, "subscription", n.ResourceID, err)
			return
		}
		key = s.dedupKey("subscription:"+n.ResourceID, ev.Status, ev.NextChargeDate)
		if s.seen(key) {
			writeJSONResponse(w, http.StatusOK, models.Ignored("duplicate"))
			return
		}
		view, err = s.deps.Ledger.ApplySubscription(ctx, ev)
		if err != nil {
			s.ledgerFailure(w, "subscription", n.ResourceID, err)
			return
		}
	case payments.KindPayment:
		ev, err := s.deps.Payments.FetchPayment(ctx, n.ResourceID)
		if err != nil {
			s.providerFailure(w, "payment", n.ResourceID, err)
			return
		}
		key = s.dedupKey("payment:"+n.ResourceID, ev.Status)
		if s.seen(key) {
			writeJSONResponse(w, http.StatusOK, models.Ignored("duplicate"))
			return
		}
		view, err = s.deps.Ledger.ApplyPayment(ctx, ev)
		if err != nil {
			s.ledgerFailure(w, "payment", n.ResourceID, err)
			return
		}
	}

	if _, err := s.deps.Store.RecordEvent(key, view.UserID); err != nil {
		slog.Warn("Server.mercadoPagoWebhookHandler: dedup record failed", "key", key, "error", err)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// seen reports whether key was already applied. Lookup failures count as unseen.
func (s *Server) seen(key string) bool {
	dup, err := s.deps.Store.IsDuplicate(key)
	if err != nil {
		slog.Warn("Server.seen: dedup lookup failed", "key", key, "error", err)
		return false
	}
	if dup {
		slog.Info("Server.seen: replayed notification ignored", "key", key)
	}
	return dup
}

func (s *Server) providerFailure(w http.ResponseWriter, resource, id string, err error) {
	if models.IsTransient(err) {
		slog.Error("Server.mercadoPagoWebhookHandler: provider unavailable", "resource", resource, "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("provider unavailable"))
		return
	}
	slog.Warn("Server.mercadoPagoWebhookHandler: resource not fetchable, ignoring", "resource", resource, "id", id, "error", err)
	writeJSONResponse(w, http.StatusOK, models.Ignored("resource not fetchable"))
}

func (s *Server) ledgerFailure(w http.ResponseWriter, resource, id string, err error) {
	if errors.Is(err, models.ErrInvalidUser) {
		slog.Warn("Server.mercadoPagoWebhookHandler: resource without user reference", "resource", resource, "id", id)
		writeJSONResponse(w, http.StatusOK, models.Ignored("missing user reference"))
		return
	}
	slog.Error("Server.mercadoPagoWebhookHandler: ledger update failed", "resource", resource, "id", id, "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("ledger update failed"))
}

// paymentHandler sends the browser to the user's checkout link.
func (s *Server) paymentHandler(w http.ResponseWriter, r *http.Request) {
	userID := util.CanonicalPhone(r.URL.Query().Get("ref"))
	link := s.deps.PaymentLink(userID)
	if link == "" {
		writePage(w, http.StatusServiceUnavailable, pageData{
			Emoji: "⏳",
			Title: "Pagamento indisponível",
			Body:  "O pagamento ainda não está configurado. Fale com a gente pelo WhatsApp.",
		})
		return
	}
	writePage(w, http.StatusOK, pageData{
		Emoji:     "🏃",
		Title:     "PaceMate Premium",
		Body:      "Planilhas personalizadas, ajustes semanais e análise dos seus treinos do Strava, direto no WhatsApp.",
		Link:      link,
		LinkLabel: "Assinar agora",
	})
}

// paymentThanksHandler is the checkout return page. An approved return
// activates the user right away; the subscription webhook converges later.
func (s *Server) paymentThanksHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := q.Get("external_reference")
	if q.Get("collection_status") == models.PaymentApproved && ref != "" {
		if _, err := s.deps.Ledger.ConfirmCheckout(r.Context(), ref); err != nil {
			slog.Error("Server.paymentThanksHandler: confirm failed", "ref", ref, "error", err)
		}
	}
	writePage(w, http.StatusOK, pageData{
		Emoji: "🎉",
		Title: "Pagamento confirmado!",
		Body:  "Seu acesso Premium já está ativo. Volte ao WhatsApp, seu treinador está te esperando!",
	})
}
