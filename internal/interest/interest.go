// Package interest detects follow-up requests in a conversation and records
// them for a human to act on. Rules are keyword based and can be loaded from
// a YAML file; the built-in set covers consultation requests.
package interest

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/util"
)

// Source says which side of a turn a rule inspects.
type Source string

const (
	SourceUser  Source = "user"
	SourceReply Source = "reply"
)

// NoteChars caps notes taken from the user's message.
const NoteChars = 50

// Rule registers Topic when any keyword occurs in text from Source.
// An empty Note means the note is taken from the user's message.
type Rule struct {
	Topic    string   `yaml:"topic"`
	Source   Source   `yaml:"source"`
	Keywords []string `yaml:"keywords"`
	Note     string   `yaml:"note,omitempty"`
}

// RuleSet is the YAML document shape.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// Match is one rule hit.
type Match struct {
	Topic string
	Note  string
}

// Evaluator inspects text from one side of a turn.
type Evaluator interface {
	Evaluate(source Source, text string) []Match
}

// DefaultRules mirror what the assistant is instructed to say when a user asks
// for a consultation.
var DefaultRules = RuleSet{Rules: []Rule{
	{
		Topic:    "consulta",
		Source:   SourceUser,
		Keywords: []string{"consulta", "agendar", "teleconsulta", "atendimento", "marcar"},
		Note:     "Nome não informado",
	},
	{
		Topic:    "consulta",
		Source:   SourceReply,
		Keywords: []string{"registrar seu interesse", "vou registrar"},
	},
}}

// KeywordEvaluator matches rules by case-insensitive substring.
type KeywordEvaluator struct {
	rules []Rule
}

// NewKeywordEvaluator validates and normalizes rules.
func NewKeywordEvaluator(set RuleSet) (*KeywordEvaluator, error) {
	ev := &KeywordEvaluator{}
	for i, r := range set.Rules {
		r.Topic = strings.TrimSpace(r.Topic)
		if r.Topic == "" {
			return nil, fmt.Errorf("rule %d: topic is required", i)
		}
		if r.Source != SourceUser && r.Source != SourceReply {
			return nil, fmt.Errorf("rule %d: invalid source %q", i, r.Source)
		}
		var kws []string
		for _, kw := range r.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		if len(kws) == 0 {
			return nil, fmt.Errorf("rule %d: at least one keyword is required", i)
		}
		r.Keywords = kws
		ev.rules = append(ev.rules, r)
	}
	return ev, nil
}

// ParseRules builds an evaluator from YAML.
func ParseRules(data []byte) (*KeywordEvaluator, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse interest rules: %w", err)
	}
	return NewKeywordEvaluator(set)
}

// LoadRules reads rules from path; an empty path yields DefaultRules.
func LoadRules(path string) (*KeywordEvaluator, error) {
	if path == "" {
		return NewKeywordEvaluator(DefaultRules)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read interest rules: %w", err)
	}
	ev, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	slog.Info("interest.LoadRules: rules loaded", "path", path, "count", len(ev.rules))
	return ev, nil
}

// Evaluate returns at most one match per topic.
func (e *KeywordEvaluator) Evaluate(source Source, text string) []Match {
	lower := strings.ToLower(text)
	var matches []Match
	seen := map[string]bool{}
	for _, r := range e.rules {
		if r.Source != source || seen[r.Topic] {
			continue
		}
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				seen[r.Topic] = true
				matches = append(matches, Match{Topic: r.Topic, Note: r.Note})
				break
			}
		}
	}
	return matches
}

// Repo is the storage the registrar needs.
type Repo interface {
	GetInterest(userID, topic string) (*models.Interest, error)
	SaveInterest(i models.Interest) error
}

// Registrar turns matches into interest records.
type Registrar struct {
	repo Repo
	now  func() time.Time
}

// NewRegistrar creates a Registrar.
func NewRegistrar(repo Repo) *Registrar {
	return &Registrar{repo: repo, now: time.Now}
}

// Register records each match unless an unresolved record for the same
// (user, topic) exists. A resolved record is reopened. userText fills empty
// notes. It returns the topics newly registered.
func (r *Registrar) Register(userID, userText string, matches []Match) ([]string, error) {
	var registered []string
	for _, m := range matches {
		existing, err := r.repo.GetInterest(userID, m.Topic)
		if err != nil {
			return registered, fmt.Errorf("failed to read interest: %w", err)
		}
		if existing != nil && !existing.Resolved {
			continue
		}
		note := m.Note
		if note == "" {
			note = util.TruncateRunes(strings.TrimSpace(userText), NoteChars)
		}
		rec := models.Interest{UserID: userID, Topic: m.Topic, Note: note, CreatedAt: r.now().UTC()}
		if err := r.repo.SaveInterest(rec); err != nil {
			return registered, fmt.Errorf("failed to save interest: %w", err)
		}
		slog.Info("Registrar.Register: interest registered", "userID", userID, "topic", m.Topic)
		registered = append(registered, m.Topic)
	}
	return registered, nil
}

// Resolve marks the (user, topic) record resolved.
func (r *Registrar) Resolve(userID, topic string) error {
	existing, err := r.repo.GetInterest(userID, topic)
	if err != nil {
		return fmt.Errorf("failed to read interest: %w", err)
	}
	if existing == nil {
		return models.ErrNotFound
	}
	if existing.Resolved {
		return nil
	}
	now := r.now().UTC()
	existing.Resolved = true
	existing.ResolvedAt = &now
	return r.repo.SaveInterest(*existing)
}
