package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-meal-chat/internal/models"
)

type fakeCommitter struct {
	mu        sync.Mutex
	current   *models.NutritionEstimate
	source    models.Modality
	confirmed []*models.NutritionEstimate
	discards  int
	fail      error
}

func (f *fakeCommitter) Offer(est *models.NutritionEstimate, source models.Modality) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current, f.source = est, source
}

func (f *fakeCommitter) Current() *models.NutritionEstimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeCommitter) Confirm(_ context.Context, est *models.NutritionEstimate) (*models.MealEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, &models.PersistenceFailure{Op: "create", Err: f.fail}
	}
	f.confirmed = append(f.confirmed, est)
	f.current = nil
	kcal := 290
	return &models.MealEntry{ID: "srv-1", Description: est.Description, ProteinGrams: int(est.ProteinGrams), Calories: &kcal}, nil
}

func (f *fakeCommitter) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = nil
	f.discards++
}

func newTestEngine(scorer Scorer) (*Engine, *fakeCommitter) {
	store := NewContextStore()
	m := NewMachine(scorer, store, WithClock(func() time.Time { return testNow }))
	commit := &fakeCommitter{}
	ids := 0
	e := NewEngine(m, store, commit,
		WithEngineClock(func() time.Time { return testNow }),
		WithEngineMessageIDs(func() string { ids++; return fmt.Sprintf("u%d", ids) }),
	)
	return e, commit
}

func textInput(s string) models.Input {
	return models.Input{Modality: models.ModalityText, Text: s}
}

func TestEngine_SubmitAndSave(t *testing.T) {
	e, commit := newTestEngine(newScripted())
	ctx := context.Background()

	reply, err := e.Submit(ctx, textInput("2 eggs and toast"))
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, reply.State)
	require.Len(t, reply.Messages, 2)
	assert.Equal(t, models.AuthorUser, reply.Messages[0].Author)
	assert.Equal(t, "2 eggs and toast", reply.Messages[0].Content)
	assert.Equal(t, models.AuthorBot, reply.Messages[1].Author)
	require.NotNil(t, commit.Current())
	assert.Equal(t, models.ModalityText, commit.source)

	saved, err := e.ActionSelected(ctx, models.ActionSave)
	require.NoError(t, err)
	require.NotNil(t, saved.Meal)
	assert.Equal(t, "srv-1", saved.Meal.ID)
	assert.Equal(t, StateIdle, saved.State)
	assert.Equal(t, "Saved! 16g protein and 290 kcal logged.", saved.Messages[0].Content)
	assert.Len(t, commit.confirmed, 1)
	assert.Equal(t, models.ActionSave, e.Context().LastAction)

	assert.Len(t, e.Transcript(), 3)
}

func TestEngine_TranscriptIsAppendOnly(t *testing.T) {
	e, _ := newTestEngine(newScripted())
	ctx := context.Background()

	_, err := e.Submit(ctx, models.Input{Modality: models.ModalityVoice, Transcript: "chicken"})
	require.NoError(t, err)
	first := e.Transcript()
	require.Len(t, first, 2)

	_, err = e.SuggestionSelected(ctx, "100g")
	require.NoError(t, err)
	second := e.Transcript()
	require.Len(t, second, 4)
	assert.Equal(t, first, second[:2])
	assert.Equal(t, "100g", second[2].Content)

	first[0].Content = "changed"
	assert.Equal(t, "chicken", e.Transcript()[0].Content)
}

func TestEngine_EmptyInputReprompts(t *testing.T) {
	calls := 0
	e, _ := newTestEngine(scorerFunc(func(context.Context, models.Turn, models.ConversationContext) (*models.NutritionEstimate, error) {
		calls++
		return nil, errors.New("unreachable")
	}))

	reply, err := e.Submit(context.Background(), textInput("   "))
	require.NoError(t, err)
	require.Len(t, reply.Messages, 1)
	assert.Equal(t, models.AuthorBot, reply.Messages[0].Author)
	assert.Equal(t, StateIdle, reply.State)
	assert.Zero(t, calls)
}

func TestEngine_SaveFailureKeepsEstimate(t *testing.T) {
	e, commit := newTestEngine(newScripted())
	ctx := context.Background()

	_, err := e.Submit(ctx, textInput("2 eggs and toast"))
	require.NoError(t, err)

	commit.fail = errors.New("503")
	reply, err := e.ActionSelected(ctx, models.ActionSave)
	require.NoError(t, err)
	var pf *models.PersistenceFailure
	require.ErrorAs(t, reply.Failure, &pf)
	assert.Equal(t, StateFinalized, reply.State)
	assert.Equal(t, []models.Action{models.ActionSave, models.ActionModify}, reply.Messages[0].Actions)
	assert.NotNil(t, commit.Current(), "estimate stays current for another save")

	commit.fail = nil
	saved, err := e.ActionSelected(ctx, models.ActionSave)
	require.NoError(t, err)
	assert.NotNil(t, saved.Meal)
}

func TestEngine_ModifyDiscards(t *testing.T) {
	e, commit := newTestEngine(newScripted())
	ctx := context.Background()

	_, err := e.Submit(ctx, textInput("2 eggs and toast"))
	require.NoError(t, err)

	reply, err := e.ActionSelected(ctx, models.ActionModify)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, reply.State)
	assert.Nil(t, commit.Current())
	assert.Equal(t, models.ActionModify, e.Context().LastAction)

	_, err = e.ActionSelected(ctx, models.ActionSave)
	assert.ErrorIs(t, err, models.ErrNoEstimate)
}

func TestEngine_NewTurnSupersedesEstimate(t *testing.T) {
	e, commit := newTestEngine(newScripted())
	ctx := context.Background()

	_, err := e.Submit(ctx, textInput("2 eggs and toast"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, models.Input{Modality: models.ModalityVoice, Transcript: "chicken"})
	require.NoError(t, err)

	assert.Nil(t, commit.Current())
	_, err = e.ActionSelected(ctx, models.ActionSave)
	assert.ErrorIs(t, err, models.ErrNoEstimate)
}

func TestEngine_RetryAfterFailure(t *testing.T) {
	scorer := newScripted()
	scorer.err = errors.New("timeout")
	e, commit := newTestEngine(scorer)
	ctx := context.Background()

	reply, err := e.Submit(ctx, models.Input{Modality: models.ModalityVoice, Transcript: "2 eggs and toast"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, reply.State)
	var sf *models.ScoringFailure
	assert.ErrorAs(t, reply.Failure, &sf)

	scorer.err = nil
	reply, err = e.ActionSelected(ctx, models.ActionRetry)
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, reply.State)
	assert.Nil(t, reply.Failure)
	assert.Equal(t, models.ModalityVoice, commit.source)
}

func TestEngine_FailedRetryKeepsContext(t *testing.T) {
	scorer := newScripted()
	e, _ := newTestEngine(scorer)
	ctx := context.Background()

	_, err := e.Submit(ctx, models.Input{Modality: models.ModalityVoice, Transcript: "chicken"})
	require.NoError(t, err)
	scorer.err = errors.New("timeout")
	reply, err := e.SuggestionSelected(ctx, "100g")
	require.NoError(t, err)
	require.Equal(t, StateFailed, reply.State)
	before := e.Context()

	reply, err = e.ActionSelected(ctx, models.ActionRetry)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, reply.State)
	assert.Equal(t, before, e.Context())
	assert.Empty(t, e.Context().LastAction)

	scorer.err = nil
	reply, err = e.ActionSelected(ctx, models.ActionRetry)
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, reply.State)
	assert.Equal(t, models.ActionRetry, e.Context().LastAction)
	assert.Equal(t, "chicken", scorer.contexts[len(scorer.contexts)-1].PendingDescription)
}

func TestEngine_UnknownAction(t *testing.T) {
	e, _ := newTestEngine(newScripted())
	_, err := e.ActionSelected(context.Background(), models.Action("eat"))
	assert.Error(t, err)
}

func TestEngine_OverlappingTurnsAreBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	e, _ := newTestEngine(scorerFunc(func(context.Context, models.Turn, models.ConversationContext) (*models.NutritionEstimate, error) {
		close(entered)
		<-release
		return &models.NutritionEstimate{Description: "2 eggs", DetectedFoods: []string{"egg"}, ProteinGrams: 12, Confidence: 0.9}, nil
	}))

	done := make(chan error)
	go func() {
		_, err := e.Submit(context.Background(), textInput("2 eggs"))
		done <- err
	}()
	<-entered

	_, err := e.Submit(context.Background(), textInput("3 eggs"))
	assert.ErrorIs(t, err, models.ErrBusy)
	_, err = e.ActionSelected(context.Background(), models.ActionSave)
	assert.ErrorIs(t, err, models.ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, e.Transcript(), 2)
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "[photo]", userMessage(models.PhotoTurn{}).Content)
	assert.Equal(t, models.ModalityPhoto, userMessage(models.PhotoTurn{}).Attachment)
	assert.Equal(t, "Skyr", userMessage(models.BarcodeTurn{Product: models.BarcodeProduct{Barcode: "1", Name: "Skyr"}}).Content)
	assert.Equal(t, "1", userMessage(models.BarcodeTurn{Product: models.BarcodeProduct{Barcode: "1"}}).Content)
}
