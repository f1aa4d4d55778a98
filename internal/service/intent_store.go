package service

import (
	"errors"
	"sort"
	"sync"

	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/pkg/metrics"
	"github.com/google/uuid"
)

// errStale aborts an Update whose precondition no longer holds.
var errStale = errors.New("intent state changed")

// AuditSink receives every intent transition.
type AuditSink interface {
	Record(rec *model.AuditRecord)
}

// IntentStore is the lifecycle record of every order intent. Stages hand each other clones;
// the only mutation path is Update.
type IntentStore struct {
	mu      sync.RWMutex
	intents map[string]*model.OrderIntent
	byOrder map[string]string // exchange order id -> intent id
	audit   AuditSink
}

func NewIntentStore(audit AuditSink) *IntentStore {
	return &IntentStore{
		intents: make(map[string]*model.OrderIntent),
		byOrder: make(map[string]string),
		audit:   audit,
	}
}

func (s *IntentStore) Create(in *model.OrderIntent) *model.OrderIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := in.Clone()
	s.intents[in.ID] = stored
	s.recordLocked(stored, 0)
	return stored.Clone()
}

func (s *IntentStore) Get(id string) (*model.OrderIntent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, false
	}
	return in.Clone(), true
}

// Update applies fn to the stored intent atomically. If fn fails nothing is kept.
func (s *IntentStore) Update(id string, fn func(in *model.OrderIntent) error) (*model.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.intents[id]
	if !ok {
		return nil, apperrors.NewNotFound("intent not found: " + id)
	}
	work := cur.Clone()
	if err := fn(work); err != nil {
		return cur.Clone(), err
	}
	known := len(cur.History)
	s.intents[id] = work
	s.recordLocked(work, known)
	return work.Clone(), nil
}

// BindOrder links an exchange order id to its intent. Old order ids stay bound.
func (s *IntentStore) BindOrder(orderID, intentID string) {
	s.mu.Lock()
	s.byOrder[orderID] = intentID
	s.mu.Unlock()
}

func (s *IntentStore) ByOrder(orderID string) (*model.OrderIntent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, false
	}
	in, ok := s.intents[id]
	if !ok {
		return nil, false
	}
	return in.Clone(), true
}

// List returns intents newest first, optionally filtered by state.
func (s *IntentStore) List(state model.IntentState, limit int) []*model.OrderIntent {
	s.mu.RLock()
	out := make([]*model.OrderIntent, 0, len(s.intents))
	for _, in := range s.intents {
		if state != "" && in.State != state {
			continue
		}
		out = append(out, in.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LiveInMarket lists non-terminal intents of a market.
func (s *IntentStore) LiveInMarket(marketID string) []*model.OrderIntent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.OrderIntent
	for _, in := range s.intents {
		if in.MarketID == marketID && !in.State.IsTerminal() {
			out = append(out, in.Clone())
		}
	}
	return out
}

func (s *IntentStore) recordLocked(in *model.OrderIntent, from int) {
	for _, tr := range in.History[from:] {
		metrics.IntentsTotal.WithLabelValues(string(tr.To)).Inc()
		if s.audit == nil {
			continue
		}
		s.audit.Record(&model.AuditRecord{
			ID:       uuid.NewString(),
			IntentID: in.ID,
			SignalID: in.SignalID,
			MarketID: in.MarketID,
			From:     tr.From,
			To:       tr.To,
			Reason:   tr.Reason,
			Notional: in.RequestedNotional.String(),
			At:       tr.At,
		})
	}
}
