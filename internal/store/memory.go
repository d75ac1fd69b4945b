package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
)

// InMemoryStore keeps all state in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu           sync.RWMutex
	nextTurnID   int64
	turns        map[string][]models.Turn
	entitlements map[string]models.Entitlement
	credentials  map[string]models.OAuthCredential
	interests    map[string]models.Interest
	settings     map[string]string
	documents    map[string]models.Document

	jobs   map[string]*Job
	outbox map[string]*OutboxMessage
	dedup  map[string]*DedupRecord
}

var _ Backend = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:        make(map[string][]models.Turn),
		entitlements: make(map[string]models.Entitlement),
		credentials:  make(map[string]models.OAuthCredential),
		interests:    make(map[string]models.Interest),
		settings:     make(map[string]string),
		documents:    make(map[string]models.Document),
		jobs:         make(map[string]*Job),
		outbox:       make(map[string]*OutboxMessage),
		dedup:        make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) AppendTurn(turn models.Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTurnID++
	turn.ID = s.nextTurnID
	s.turns[turn.UserID] = append(s.turns[turn.UserID], turn)
	return nil
}

func (s *InMemoryStore) GetTurns(userID string, limit int) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.turns[userID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]models.Turn, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

func (s *InMemoryStore) DeleteSession(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, userID)
	return nil
}

func (s *InMemoryStore) ListSessions() ([]models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SessionSummary
	for user, turns := range s.turns {
		if len(turns) == 0 {
			continue
		}
		last := turns[len(turns)-1]
		out = append(out, models.SessionSummary{
			UserID:      user,
			TurnCount:   len(turns),
			LastMessage: last.Content,
			LastAt:      last.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAt.After(out[j].LastAt) })
	return out, nil
}

func (s *InMemoryStore) GetEntitlement(userID string) (*models.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entitlements[userID]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (s *InMemoryStore) SaveEntitlement(e models.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entitlements[e.UserID] = *e.Clone()
	return nil
}

func (s *InMemoryStore) DeleteEntitlement(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entitlements, userID)
	return nil
}

func (s *InMemoryStore) ListEntitlements() ([]models.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Entitlement, 0, len(s.entitlements))
	for _, e := range s.entitlements {
		out = append(out, *e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *InMemoryStore) GetCredential(userID string) (*models.OAuthCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) SaveCredential(c models.OAuthCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.UserID] = c
	return nil
}

func (s *InMemoryStore) DeleteCredential(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, userID)
	return nil
}

func interestKey(userID, topic string) string {
	return userID + "\x00" + topic
}

func (s *InMemoryStore) GetInterest(userID, topic string) (*models.Interest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.interests[interestKey(userID, topic)]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

func (s *InMemoryStore) SaveInterest(i models.Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interests[interestKey(i.UserID, i.Topic)] = i
	return nil
}

func (s *InMemoryStore) ListInterests(includeResolved bool) ([]models.Interest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Interest
	for _, i := range s.interests {
		if i.Resolved && !includeResolved {
			continue
		}
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *InMemoryStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *InMemoryStore) GetDocument(name string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[strings.ToLower(name)]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *InMemoryStore) PutDocument(d models.Document) error {
	d.Name = strings.ToLower(d.Name)
	d.Content = capDocument(d.Content)
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[d.Name] = d
	return nil
}

func (s *InMemoryStore) DeleteDocument(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, strings.ToLower(name))
	return nil
}

func (s *InMemoryStore) ListDocuments() ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Document, 0, len(s.documents))
	for _, d := range s.documents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
