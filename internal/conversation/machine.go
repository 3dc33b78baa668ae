package conversation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcp-meal-chat/internal/logger"
	"mcp-meal-chat/internal/models"
)

type State string

const (
	StateIdle             State = "idle"
	StateProcessing       State = "processing"
	StateAwaitingQuantity State = "awaiting_quantity"
	StateFinalized        State = "finalized"
	StateFailed           State = "failed"
)

const DefaultConfidenceThreshold = 0.6

// Scorer is the external nutrition-estimation collaborator.
type Scorer interface {
	Estimate(ctx context.Context, turn models.Turn, cc models.ConversationContext) (*models.NutritionEstimate, error)
}

// Outcome is the result of one processed turn. Err is set for StateFailed.
type Outcome struct {
	Turn     models.Turn
	State    State
	Message  models.ChatMessage
	Estimate *models.NutritionEstimate
	Err      error
}

type MachineOption func(*Machine)

func WithThreshold(t float64) MachineOption {
	return func(m *Machine) { m.threshold = t }
}

func WithPortions(h PortionHeuristic) MachineOption {
	return func(m *Machine) { m.portions = h }
}

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

func WithMessageIDs(newID func() string) MachineOption {
	return func(m *Machine) { m.newID = newID }
}

func WithLogger(l *logger.Logger) MachineOption {
	return func(m *Machine) { m.log = l }
}

// Machine decides, per turn, between asking for a quantity, finalizing an
// estimate and reporting a scoring failure. One turn is processed at a time.
type Machine struct {
	scorer    Scorer
	ctxStore  *ContextStore
	log       *logger.Logger
	threshold float64
	portions  PortionHeuristic
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	state  State
	failed models.Turn
}

func NewMachine(scorer Scorer, store *ContextStore, opts ...MachineOption) *Machine {
	m := &Machine{
		scorer:    scorer,
		ctxStore:  store,
		log:       logger.NewNop(),
		threshold: DefaultConfidenceThreshold,
		portions:  CommonPortions,
		now:       time.Now,
		newID:     uuid.NewString,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset returns the machine to Idle. It is a no-op while a turn is in flight.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateProcessing {
		m.state = StateIdle
		m.failed = nil
	}
}

// Step processes one turn. The only error returned is ErrBusy; scoring
// failures come back as an Outcome in StateFailed.
func (m *Machine) Step(ctx context.Context, turn models.Turn) (*Outcome, error) {
	m.mu.Lock()
	if m.state == StateProcessing {
		m.mu.Unlock()
		return nil, models.ErrBusy
	}
	m.state = StateProcessing
	m.mu.Unlock()

	cc := m.ctxStore.Read()
	est, err := m.scorer.Estimate(ctx, turn, cc)
	if err == nil {
		err = checkEstimate(est)
	}
	if err != nil {
		return m.fail(turn, err), nil
	}

	if est.Confidence < m.threshold || !turnIsQuantified(turn, est) {
		return m.askQuantity(turn, est, cc), nil
	}
	return m.finalize(turn, est), nil
}

// Retry re-runs the last failed turn against the unchanged context.
func (m *Machine) Retry(ctx context.Context) (*Outcome, error) {
	m.mu.Lock()
	turn := m.failed
	state := m.state
	m.mu.Unlock()
	if state != StateFailed || turn == nil {
		return nil, models.ErrNothingToRetry
	}
	return m.Step(ctx, turn)
}

func (m *Machine) fail(turn models.Turn, err error) *Outcome {
	m.log.Warn("scoring failed", "modality", turn.Modality(), "error", err)
	m.settle(StateFailed, turn)
	return &Outcome{
		Turn:  turn,
		State: StateFailed,
		Message: m.botMessage(models.ChatMessage{
			Content: "Sorry, I couldn't analyze that. Want me to try again?",
			Actions: []models.Action{models.ActionRetry},
		}),
		Err: &models.ScoringFailure{Err: err},
	}
}

func (m *Machine) askQuantity(turn models.Turn, est *models.NutritionEstimate, cc models.ConversationContext) *Outcome {
	food := focusFood(turn, est, cc)
	suggestions := OrderSuggestions(m.portions(food))

	desc := est.Description
	if desc == "" {
		desc = food
	}
	m.ctxStore.Merge(turn, est, ContextUpdate{
		PendingQuantity:    ptr(true),
		PendingDescription: ptr(desc),
	})
	m.settle(StateAwaitingQuantity, nil)

	m.log.Debug("awaiting quantity", "food", food, "confidence", est.Confidence)
	return &Outcome{
		Turn:  turn,
		State: StateAwaitingQuantity,
		Message: m.botMessage(models.ChatMessage{
			Content:     fmt.Sprintf("How much %s did you have?", food),
			Suggestions: suggestions,
		}),
	}
}

func (m *Machine) finalize(turn models.Turn, est *models.NutritionEstimate) *Outcome {
	m.ctxStore.Merge(turn, est, ContextUpdate{
		PendingQuantity:    ptr(false),
		PendingDescription: ptr(""),
	})
	m.settle(StateFinalized, nil)

	final := cloneEstimate(est)
	// Completeness only describes spoken descriptions.
	if turn.Modality() != models.ModalityVoice {
		final.Completeness = nil
	}
	return &Outcome{
		Turn:  turn,
		State: StateFinalized,
		Message: m.botMessage(models.ChatMessage{
			Content:  summarize(final),
			Estimate: final,
			Actions:  []models.Action{models.ActionSave, models.ActionModify},
		}),
		Estimate: final,
	}
}

func (m *Machine) settle(s State, failed models.Turn) {
	m.mu.Lock()
	m.state = s
	m.failed = failed
	m.mu.Unlock()
}

func (m *Machine) botMessage(msg models.ChatMessage) models.ChatMessage {
	msg.ID = m.newID()
	msg.Author = models.AuthorBot
	msg.CreatedAt = m.now()
	return msg
}

func checkEstimate(est *models.NutritionEstimate) error {
	if est == nil {
		return errors.New("scorer returned no estimate")
	}
	if math.IsNaN(est.Confidence) || est.Confidence < 0 || est.Confidence > 1 {
		return fmt.Errorf("malformed estimate: confidence %v outside [0,1]", est.Confidence)
	}
	return nil
}

// focusFood names the food the quantity question is about.
func focusFood(turn models.Turn, est *models.NutritionEstimate, cc models.ConversationContext) string {
	if len(est.DetectedFoods) > 0 {
		return est.DetectedFoods[0]
	}
	if len(cc.DetectedFoods) > 0 {
		return cc.DetectedFoods[0]
	}
	if est.Description != "" {
		return est.Description
	}
	if text := models.TurnText(turn); text != "" {
		return text
	}
	return "of that"
}

func summarize(est *models.NutritionEstimate) string {
	var b strings.Builder
	desc := est.Description
	if desc == "" {
		desc = strings.Join(est.DetectedFoods, ", ")
	}
	fmt.Fprintf(&b, "%s: about %.0fg protein", desc, est.ProteinGrams)
	if est.Calories != nil {
		fmt.Fprintf(&b, " and %.0f kcal", *est.Calories)
	}
	fmt.Fprintf(&b, " (%s confidence).", models.ConfidenceLevelFor(est.Confidence))
	if est.Completeness != nil && *est.Completeness < 100 {
		fmt.Fprintf(&b, " The description seemed %.0f%% complete.", *est.Completeness)
	}
	return b.String()
}

func cloneEstimate(est *models.NutritionEstimate) *models.NutritionEstimate {
	out := *est
	out.DetectedFoods = append([]string(nil), est.DetectedFoods...)
	out.Suggestions = append([]string(nil), est.Suggestions...)
	if est.Calories != nil {
		out.Calories = ptr(*est.Calories)
	}
	if est.Completeness != nil {
		out.Completeness = ptr(*est.Completeness)
	}
	return &out
}
