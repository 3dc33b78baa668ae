package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcp-meal-chat/internal/logger"
	"mcp-meal-chat/internal/models"
)

// Committer turns the current estimate into a stored meal.
type Committer interface {
	Offer(est *models.NutritionEstimate, source models.Modality)
	Current() *models.NutritionEstimate
	Confirm(ctx context.Context, est *models.NutritionEstimate) (*models.MealEntry, error)
	Discard()
}

// Reply is what one user interaction produced. Failure carries a recoverable
// ScoringFailure or PersistenceFailure that was already shown to the user.
type Reply struct {
	Messages []models.ChatMessage `json:"messages"`
	State    State                `json:"state"`
	Meal     *models.MealEntry    `json:"meal,omitempty"`
	Failure  error                `json:"-"`
}

// Engine is the per-session entry point for the rendering layer. It owns an
// append-only transcript.
type Engine struct {
	machine  *Machine
	ctxStore *ContextStore
	commit   Committer
	log      *logger.Logger
	now      func() time.Time
	newID    func() string

	// turnMu serializes user interactions; overlapping calls get ErrBusy.
	turnMu     sync.Mutex
	mu         sync.Mutex
	transcript []models.ChatMessage
}

type EngineOption func(*Engine)

func WithEngineLogger(l *logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithEngineMessageIDs(newID func() string) EngineOption {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(machine *Machine, store *ContextStore, commit Committer, opts ...EngineOption) *Engine {
	e := &Engine{
		machine:  machine,
		ctxStore: store,
		commit:   commit,
		log:      logger.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) State() State {
	return e.machine.State()
}

func (e *Engine) Context() models.ConversationContext {
	return e.ctxStore.Read()
}

// Transcript returns a copy of every message so far.
func (e *Engine) Transcript() []models.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ChatMessage(nil), e.transcript...)
}

// Submit normalizes a capture payload and runs it as a new turn. Empty input
// is answered with a re-prompt and never reaches the state machine.
func (e *Engine) Submit(ctx context.Context, in models.Input) (*Reply, error) {
	turn, err := Normalize(in, e.now())
	if errors.Is(err, models.ErrEmptyInput) {
		msg := e.message(models.AuthorBot, models.ChatMessage{
			Content: "I didn't catch that. What did you eat?",
		})
		e.append(msg)
		return &Reply{Messages: []models.ChatMessage{msg}, State: e.machine.State()}, nil
	}
	if err != nil {
		return nil, err
	}
	if !e.turnMu.TryLock() {
		return nil, models.ErrBusy
	}
	defer e.turnMu.Unlock()
	return e.runTurn(ctx, turn)
}

// SuggestionSelected answers a quantity question with the chosen value.
func (e *Engine) SuggestionSelected(ctx context.Context, value string) (*Reply, error) {
	return e.Submit(ctx, models.Input{Modality: models.ModalityText, Text: value})
}

// ActionSelected dispatches save, modify and retry.
func (e *Engine) ActionSelected(ctx context.Context, action models.Action) (*Reply, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if !e.turnMu.TryLock() {
		return nil, models.ErrBusy
	}
	defer e.turnMu.Unlock()

	var (
		reply *Reply
		err   error
	)
	switch action {
	case models.ActionSave:
		reply, err = e.save(ctx)
	case models.ActionModify:
		reply, err = e.modify()
	case models.ActionRetry:
		reply, err = e.retry(ctx)
	}
	if err != nil {
		return nil, err
	}
	// A scoring failure leaves the context exactly as the failed turn saw it.
	var sf *models.ScoringFailure
	if !errors.As(reply.Failure, &sf) {
		e.ctxStore.Merge(nil, nil, ContextUpdate{LastAction: ptr(action)})
	}
	return reply, nil
}

func (e *Engine) runTurn(ctx context.Context, turn models.Turn) (*Reply, error) {
	userMsg := e.message(models.AuthorUser, userMessage(turn))

	// A new turn supersedes whatever estimate was current.
	e.commit.Discard()

	out, err := e.machine.Step(ctx, turn)
	if err != nil {
		return nil, err
	}
	if out.State == StateFinalized {
		e.commit.Offer(out.Estimate, out.Turn.Modality())
	}
	e.log.Info("turn processed", "modality", turn.Modality(), "state", out.State)
	e.append(userMsg, out.Message)
	return &Reply{
		Messages: []models.ChatMessage{userMsg, out.Message},
		State:    out.State,
		Failure:  out.Err,
	}, nil
}

func (e *Engine) save(ctx context.Context) (*Reply, error) {
	est := e.commit.Current()
	if est == nil || e.machine.State() != StateFinalized {
		return nil, models.ErrNoEstimate
	}

	meal, err := e.commit.Confirm(ctx, est)
	if err != nil {
		var pf *models.PersistenceFailure
		if !errors.As(err, &pf) {
			return nil, err
		}
		e.log.Warn("save failed", "op", pf.Op, "error", pf.Err)
		msg := e.message(models.AuthorBot, models.ChatMessage{
			Content:  "I couldn't save that meal. Try saving again?",
			Estimate: est,
			Actions:  []models.Action{models.ActionSave, models.ActionModify},
		})
		e.append(msg)
		return &Reply{Messages: []models.ChatMessage{msg}, State: e.machine.State(), Failure: err}, nil
	}

	e.machine.Reset()
	content := fmt.Sprintf("Saved! %dg protein logged.", meal.ProteinGrams)
	if meal.Calories != nil {
		content = fmt.Sprintf("Saved! %dg protein and %d kcal logged.", meal.ProteinGrams, *meal.Calories)
	}
	msg := e.message(models.AuthorBot, models.ChatMessage{Content: content})
	e.append(msg)
	return &Reply{Messages: []models.ChatMessage{msg}, State: e.machine.State(), Meal: meal}, nil
}

func (e *Engine) modify() (*Reply, error) {
	e.commit.Discard()
	e.machine.Reset()
	e.ctxStore.Merge(nil, nil, ContextUpdate{PendingQuantity: ptr(false)})
	msg := e.message(models.AuthorBot, models.ChatMessage{
		Content: "Sure. Tell me what to change.",
	})
	e.append(msg)
	return &Reply{Messages: []models.ChatMessage{msg}, State: e.machine.State()}, nil
}

func (e *Engine) retry(ctx context.Context) (*Reply, error) {
	e.commit.Discard()
	out, err := e.machine.Retry(ctx)
	if err != nil {
		return nil, err
	}
	if out.State == StateFinalized {
		e.commit.Offer(out.Estimate, out.Turn.Modality())
	}
	e.append(out.Message)
	return &Reply{Messages: []models.ChatMessage{out.Message}, State: out.State, Failure: out.Err}, nil
}

func (e *Engine) message(author models.Author, msg models.ChatMessage) models.ChatMessage {
	msg.ID = e.newID()
	msg.Author = author
	msg.CreatedAt = e.now()
	return msg
}

func (e *Engine) append(msgs ...models.ChatMessage) {
	e.mu.Lock()
	e.transcript = append(e.transcript, msgs...)
	e.mu.Unlock()
}

func userMessage(turn models.Turn) models.ChatMessage {
	switch t := turn.(type) {
	case models.TextTurn:
		return models.ChatMessage{Content: t.Text}
	case models.VoiceTurn:
		return models.ChatMessage{Content: t.Transcript, Attachment: models.ModalityVoice}
	case models.PhotoTurn:
		return models.ChatMessage{Content: "[photo]", Attachment: models.ModalityPhoto}
	case models.BarcodeTurn:
		content := t.Product.Name
		if content == "" {
			content = t.Product.Barcode
		}
		return models.ChatMessage{Content: content, Attachment: models.ModalityBarcode}
	default:
		return models.ChatMessage{}
	}
}
