package conversation

import (
	"sync"

	"mcp-meal-chat/internal/models"
)

// ContextUpdate lists explicit context changes for a merge. Nil fields keep
// the current value.
type ContextUpdate struct {
	PendingQuantity    *bool
	PendingDescription *string
	DetectedFoods      []string
	LastAction         *models.Action
}

// ContextStore holds the ConversationContext of a single session.
type ContextStore struct {
	mu  sync.RWMutex
	cur models.ConversationContext
}

func NewContextStore() *ContextStore {
	return &ContextStore{}
}

// Merge folds a turn's outcome into the context. turn and estimate may be nil
// (an action merge has neither).
func (s *ContextStore) Merge(turn models.Turn, estimate *models.NutritionEstimate, upd ContextUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn != nil {
		s.cur.LastModality = turn.Modality()
	}
	if estimate != nil && len(estimate.DetectedFoods) > 0 {
		s.cur.DetectedFoods = append([]string(nil), estimate.DetectedFoods...)
	}
	if upd.DetectedFoods != nil {
		s.cur.DetectedFoods = append([]string(nil), upd.DetectedFoods...)
	}
	if upd.PendingQuantity != nil {
		s.cur.PendingQuantity = *upd.PendingQuantity
	}
	if upd.PendingDescription != nil {
		s.cur.PendingDescription = *upd.PendingDescription
	}
	if upd.LastAction != nil {
		s.cur.LastAction = *upd.LastAction
	}
}

// Read returns a snapshot safe to hand to the scorer.
func (s *ContextStore) Read() models.ConversationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.cur
	out.DetectedFoods = append([]string(nil), s.cur.DetectedFoods...)
	return out
}

func ptr[T any](v T) *T { return &v }
