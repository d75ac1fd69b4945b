// Package flow drives one inbound message through the assistant pipeline:
// media extraction, session bookkeeping, context assembly, the model call,
// follow-up rules and the reply.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/PaceMate/internal/activity"
	"github.com/BTreeMap/PaceMate/internal/interest"
	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/prompt"
	"github.com/BTreeMap/PaceMate/internal/userlock"
	"github.com/BTreeMap/PaceMate/internal/util"
)

// ApologyMessage replaces the reply when the model cannot be reached.
const ApologyMessage = "Desculpe, tive um problema para responder agora. 🙏 Pode me mandar a mensagem de novo em alguns minutos?"

// Outcome of a handled message.
type Outcome string

const (
	OutcomeIgnored Outcome = "ignored"
	OutcomeReplied Outcome = "replied"
	OutcomeFailed  Outcome = "failed"
)

// Result describes what happened to one inbound message.
type Result struct {
	Outcome Outcome
	UserID  string
	Reply   string
	Topics  []string // interests registered during the turn
}

// SessionStore is the storage the flow reads and writes.
type SessionStore interface {
	AppendTurn(turn models.Turn) error
	GetTurns(userID string, limit int) ([]models.Turn, error)
	GetSetting(key string) (string, error)
	GetDocument(name string) (*models.Document, error)
}

// EntitlementSource reports a user's entitlement.
type EntitlementSource interface {
	Status(ctx context.Context, userID string) (models.EntitlementView, error)
}

// ActivitySource summarizes a user's recent runs.
type ActivitySource interface {
	Summary(ctx context.Context, userID string, window time.Duration) (string, error)
}

// Generator is the model call.
type Generator interface {
	GenerateWithHistory(ctx context.Context, system string, turns []models.Turn) (string, error)
}

// MediaExtractor turns attachments into text.
type MediaExtractor interface {
	Extract(ctx context.Context, msg models.InboundMessage) (string, bool)
}

// Sender delivers the reply.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// InterestRegistrar records follow-up requests.
type InterestRegistrar interface {
	Register(userID, userText string, matches []interest.Match) ([]string, error)
}

// PaymentLinkFunc builds the payment link offered to userID.
type PaymentLinkFunc func(userID string) string

// Dependencies are the collaborators of a ConversationFlow. Activity, Media,
// Rules and Interests are optional.
type Dependencies struct {
	Store       SessionStore
	Entitlement EntitlementSource
	Activity    ActivitySource
	Model       Generator
	Sender      Sender
	Media       MediaExtractor
	Locker      userlock.Locker
	Rules       interest.Evaluator
	Interests   InterestRegistrar
	PaymentLink PaymentLinkFunc
}

// Opts holds tunables of a ConversationFlow.
type Opts struct {
	Now            func() time.Time
	Location       *time.Location
	ActivityWindow time.Duration
	HistoryLimit   int
}

// Option configures a ConversationFlow.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithLocation sets the zone used for the date in the context.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithActivityWindow sets the lookback of the per-turn activity summary.
func WithActivityWindow(d time.Duration) Option {
	return func(o *Opts) { o.ActivityWindow = d }
}

// WithHistoryLimit sets how many turns are handed to the model.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// ConversationFlow handles inbound messages one turn at a time.
type ConversationFlow struct {
	deps Dependencies
	opts Opts
}

// NewConversationFlow creates a ConversationFlow. Store, Entitlement, Model
// and Sender are required.
func NewConversationFlow(deps Dependencies, opts ...Option) (*ConversationFlow, error) {
	if deps.Store == nil || deps.Entitlement == nil || deps.Model == nil || deps.Sender == nil {
		return nil, fmt.Errorf("conversation flow: store, entitlement, model and sender are required")
	}
	cfg := Opts{
		Now:            time.Now,
		Location:       time.UTC,
		ActivityWindow: activity.ShortWindow,
		HistoryLimit:   models.MaxContextTurns,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if deps.Locker == nil {
		deps.Locker = userlock.NewLocal()
	}
	if deps.PaymentLink == nil {
		deps.PaymentLink = func(string) string { return "" }
	}
	slog.Debug("ConversationFlow.NewConversationFlow: created",
		"hasActivity", deps.Activity != nil, "hasMedia", deps.Media != nil, "hasRules", deps.Rules != nil)
	return &ConversationFlow{deps: deps, opts: cfg}, nil
}

// userText returns the text of the turn: extracted media first, then any caption or text.
func (f *ConversationFlow) userText(ctx context.Context, msg models.InboundMessage) string {
	var parts []string
	if f.deps.Media != nil {
		if text, ok := f.deps.Media.Extract(ctx, msg); ok && text != "" {
			parts = append(parts, text)
		}
	}
	if t := strings.TrimSpace(msg.Text); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n")
}

// HandleMessage runs one inbound message to completion. A non-nil error is
// either models.ErrInvalidUser or a *models.TransientError.
func (f *ConversationFlow) HandleMessage(ctx context.Context, msg models.InboundMessage) (Result, error) {
	if msg.FromMe || msg.IsGroup {
		slog.Debug("ConversationFlow.HandleMessage: dropping self or group message", "messageID", msg.MessageID)
		return Result{Outcome: OutcomeIgnored}, nil
	}
	userID := util.CanonicalPhone(msg.SenderID)
	if userID == "" {
		return Result{Outcome: OutcomeIgnored}, models.ErrInvalidUser
	}
	res := Result{Outcome: OutcomeIgnored, UserID: userID}

	text := f.userText(ctx, msg)
	if text == "" {
		slog.Debug("ConversationFlow.HandleMessage: nothing usable", "userID", userID, "messageID", msg.MessageID)
		return res, nil
	}

	unlock, err := f.deps.Locker.Lock(ctx, userID)
	if err != nil {
		return f.fail(ctx, res, models.Transient("userlock", err))
	}
	defer unlock()

	res.Topics = append(res.Topics, f.evaluate(userID, text, interest.SourceUser, text)...)

	if err := f.deps.Store.AppendTurn(models.Turn{
		UserID:    userID,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: f.opts.Now().UTC(),
	}); err != nil {
		return f.fail(ctx, res, models.Transient("append user turn", err))
	}

	system, turns, err := f.buildContext(ctx, userID)
	if err != nil {
		return f.fail(ctx, res, err)
	}

	reply, err := f.deps.Model.GenerateWithHistory(ctx, system, turns)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		return f.fail(ctx, res, models.Transient("model", err))
	}

	if err := f.deps.Store.AppendTurn(models.Turn{
		UserID:    userID,
		Role:      models.RoleAssistant,
		Content:   reply,
		CreatedAt: f.opts.Now().UTC(),
	}); err != nil {
		return f.fail(ctx, res, models.Transient("append assistant turn", err))
	}

	res.Topics = append(res.Topics, f.evaluate(userID, reply, interest.SourceReply, text)...)

	res.Outcome = OutcomeReplied
	res.Reply = reply
	if err := f.deps.Sender.SendMessage(ctx, userID, reply); err != nil {
		slog.Error("ConversationFlow.HandleMessage: reply send failed", "userID", userID, "error", err)
	}
	slog.Info("ConversationFlow.HandleMessage: replied", "userID", userID, "replyLength", len(reply), "historyTurns", len(turns))
	return res, nil
}

// fail sends the apology and reports err.
func (f *ConversationFlow) fail(ctx context.Context, res Result, err error) (Result, error) {
	slog.Error("ConversationFlow.HandleMessage: turn failed", "userID", res.UserID, "error", err)
	if sendErr := f.deps.Sender.SendMessage(ctx, res.UserID, ApologyMessage); sendErr != nil {
		slog.Error("ConversationFlow.HandleMessage: apology send failed", "userID", res.UserID, "error", sendErr)
	}
	res.Outcome = OutcomeFailed
	return res, err
}

// evaluate applies the follow-up rules for one side of the turn. Failures are logged.
func (f *ConversationFlow) evaluate(userID, text string, source interest.Source, userText string) []string {
	if f.deps.Rules == nil || f.deps.Interests == nil {
		return nil
	}
	matches := f.deps.Rules.Evaluate(source, text)
	if len(matches) == 0 {
		return nil
	}
	topics, err := f.deps.Interests.Register(userID, userText, matches)
	if err != nil {
		slog.Error("ConversationFlow.evaluate: interest registration failed", "userID", userID, "source", source, "error", err)
	}
	return topics
}

// buildContext gathers everything the assembler needs concurrently and
// returns the system context and the history window.
func (f *ConversationFlow) buildContext(ctx context.Context, userID string) (string, []models.Turn, error) {
	var (
		view     models.EntitlementView
		template string
		turns    []models.Turn
		summary  string
		docs     = map[string]string{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := f.deps.Entitlement.Status(gctx, userID)
		if err != nil {
			slog.Warn("ConversationFlow.buildContext: entitlement unavailable, treating as freemium", "userID", userID, "error", err)
			return nil
		}
		view = v
		return nil
	})
	g.Go(func() error {
		t, err := f.deps.Store.GetTurns(userID, f.opts.HistoryLimit)
		if err != nil {
			return models.Transient("read session", err)
		}
		turns = t
		return nil
	})
	g.Go(func() error {
		template = f.loadTemplate()
		// Documents depend on the template, so they resolve in the same goroutine.
		for _, name := range prompt.ReferencedDocuments(template) {
			d, err := f.deps.Store.GetDocument(name)
			if err != nil {
				slog.Warn("ConversationFlow.buildContext: document lookup failed", "name", name, "error", err)
				continue
			}
			if d != nil {
				docs[name] = d.Content
			}
		}
		return nil
	})
	if f.deps.Activity != nil {
		g.Go(func() error {
			s, err := f.deps.Activity.Summary(gctx, userID, f.opts.ActivityWindow)
			if err != nil {
				slog.Warn("ConversationFlow.buildContext: activity summary unavailable", "userID", userID, "error", err)
				return nil
			}
			summary = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}

	system := prompt.Assemble(prompt.Input{
		Template:        template,
		Documents:       docs,
		Status:          prompt.StatusFor(view.Entitled),
		PaymentLink:     f.deps.PaymentLink(userID),
		Now:             f.opts.Now().In(f.opts.Location),
		ActivitySummary: summary,
	})
	return system, turns, nil
}

func (f *ConversationFlow) loadTemplate() string {
	t, err := f.deps.Store.GetSetting(models.SettingAgentPrompt)
	if err != nil {
		slog.Warn("ConversationFlow.loadTemplate: falling back to default template", "error", err)
		return prompt.DefaultTemplate
	}
	if strings.TrimSpace(t) == "" {
		return prompt.DefaultTemplate
	}
	return t
}
