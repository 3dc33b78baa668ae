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

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type scorerFunc func(ctx context.Context, turn models.Turn, cc models.ConversationContext) (*models.NutritionEstimate, error)

func (f scorerFunc) Estimate(ctx context.Context, turn models.Turn, cc models.ConversationContext) (*models.NutritionEstimate, error) {
	return f(ctx, turn, cc)
}

// scripted returns canned estimates keyed by turn text and records the
// context each call saw.
type scripted struct {
	mu       sync.Mutex
	replies  map[string]*models.NutritionEstimate
	err      error
	contexts []models.ConversationContext
}

func (s *scripted) Estimate(_ context.Context, turn models.Turn, cc models.ConversationContext) (*models.NutritionEstimate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, cc)
	if s.err != nil {
		return nil, s.err
	}
	est, ok := s.replies[models.TurnText(turn)]
	if !ok {
		return nil, fmt.Errorf("no estimate for %q", models.TurnText(turn))
	}
	out := *est
	return &out, nil
}

func f64(v float64) *float64 { return &v }

func newScripted() *scripted {
	return &scripted{replies: map[string]*models.NutritionEstimate{
		"2 eggs and toast": {Description: "2 eggs and toast", DetectedFoods: []string{"egg", "toast"}, ProteinGrams: 16, Calories: f64(290), Confidence: 0.9},
		"chicken":          {Description: "chicken", DetectedFoods: []string{"chicken"}, ProteinGrams: 30, Confidence: 0.4, Completeness: f64(40)},
		"100g":             {Description: "chicken, 100g", DetectedFoods: []string{"chicken"}, ProteinGrams: 31, Confidence: 0.85},
		"grilled chicken":  {Description: "grilled chicken", DetectedFoods: []string{"chicken"}, ProteinGrams: 35, Confidence: 0.95},
	}}
}

func newTestMachine(scorer Scorer) (*Machine, *ContextStore) {
	store := NewContextStore()
	ids := 0
	m := NewMachine(scorer, store,
		WithClock(func() time.Time { return testNow }),
		WithMessageIDs(func() string { ids++; return fmt.Sprintf("m%d", ids) }),
	)
	return m, store
}

func TestStep_ConfidentQuantifiedTurnFinalizes(t *testing.T) {
	m, store := newTestMachine(newScripted())

	out, err := m.Step(context.Background(), models.TextTurn{Text: "2 eggs and toast", At: testNow})
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, out.State)
	assert.Equal(t, StateFinalized, m.State())
	assert.NoError(t, out.Err)

	require.NotNil(t, out.Estimate)
	assert.Equal(t, 16.0, out.Estimate.ProteinGrams)
	assert.Equal(t, []models.Action{models.ActionSave, models.ActionModify}, out.Message.Actions)
	assert.Equal(t, models.AuthorBot, out.Message.Author)
	assert.Equal(t, "m1", out.Message.ID)
	assert.Equal(t, testNow, out.Message.CreatedAt)
	assert.Contains(t, out.Message.Content, "16g protein")
	assert.Contains(t, out.Message.Content, "290 kcal")
	assert.Contains(t, out.Message.Content, "high confidence")

	cc := store.Read()
	assert.False(t, cc.PendingQuantity)
	assert.Equal(t, []string{"egg", "toast"}, cc.DetectedFoods)
	assert.Equal(t, models.ModalityText, cc.LastModality)
}

func TestStep_LowConfidenceAsksForQuantity(t *testing.T) {
	m, store := newTestMachine(newScripted())

	out, err := m.Step(context.Background(), models.VoiceTurn{Transcript: "chicken", At: testNow})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingQuantity, out.State)
	assert.Nil(t, out.Estimate)
	assert.Equal(t, "How much chicken did you have?", out.Message.Content)
	require.Len(t, out.Message.Suggestions, 2)
	assert.Equal(t, "Small portion (100g)", out.Message.Suggestions[0].Label)
	assert.True(t, out.Message.Suggestions[0].Default)
	assert.Equal(t, "Large portion (200g)", out.Message.Suggestions[1].Label)
	assert.Empty(t, out.Message.Actions)

	cc := store.Read()
	assert.True(t, cc.PendingQuantity)
	assert.Equal(t, "chicken", cc.PendingDescription)
	assert.Equal(t, models.ModalityVoice, cc.LastModality)
}

func TestStep_ConfidentButUnquantifiedAsksForQuantity(t *testing.T) {
	m, _ := newTestMachine(newScripted())

	out, err := m.Step(context.Background(), models.TextTurn{Text: "grilled chicken"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingQuantity, out.State)
}

func TestStep_AnswerUsesPendingContext(t *testing.T) {
	scorer := newScripted()
	m, store := newTestMachine(scorer)
	ctx := context.Background()

	_, err := m.Step(ctx, models.VoiceTurn{Transcript: "chicken"})
	require.NoError(t, err)
	out, err := m.Step(ctx, models.TextTurn{Text: "100g"})
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, out.State)
	assert.Equal(t, "chicken, 100g", out.Estimate.Description)

	require.Len(t, scorer.contexts, 2)
	assert.True(t, scorer.contexts[1].PendingQuantity)
	assert.Equal(t, "chicken", scorer.contexts[1].PendingDescription)

	cc := store.Read()
	assert.False(t, cc.PendingQuantity)
	assert.Empty(t, cc.PendingDescription)
}

func TestStep_ThresholdOption(t *testing.T) {
	store := NewContextStore()
	m := NewMachine(newScripted(), store, WithThreshold(0.95))

	out, err := m.Step(context.Background(), models.TextTurn{Text: "2 eggs and toast"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingQuantity, out.State)
	assert.Equal(t, "How much egg did you have?", out.Message.Content)
	assert.Equal(t, "2 eggs", out.Message.Suggestions[0].Value)
}

func TestStep_FailureLeavesContextAndRetries(t *testing.T) {
	scorer := newScripted()
	m, store := newTestMachine(scorer)
	ctx := context.Background()

	_, err := m.Step(ctx, models.VoiceTurn{Transcript: "chicken"})
	require.NoError(t, err)
	before := store.Read()

	scorer.err = errors.New("gateway timeout")
	out, err := m.Step(ctx, models.TextTurn{Text: "100g"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, []models.Action{models.ActionRetry}, out.Message.Actions)
	var sf *models.ScoringFailure
	require.ErrorAs(t, out.Err, &sf)
	assert.EqualError(t, sf.Err, "gateway timeout")
	assert.Equal(t, before, store.Read())

	scorer.err = nil
	out, err = m.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, out.State)
	assert.Equal(t, models.TextTurn{Text: "100g"}, out.Turn)

	_, err = m.Retry(ctx)
	assert.ErrorIs(t, err, models.ErrNothingToRetry)
}

func TestStep_MalformedEstimateFails(t *testing.T) {
	for name, est := range map[string]*models.NutritionEstimate{
		"nil":                nil,
		"confidence above 1": {Description: "x", Confidence: 1.5},
		"negative":           {Description: "x", Confidence: -0.1},
	} {
		t.Run(name, func(t *testing.T) {
			m, store := newTestMachine(scorerFunc(func(context.Context, models.Turn, models.ConversationContext) (*models.NutritionEstimate, error) {
				return est, nil
			}))
			out, err := m.Step(context.Background(), models.TextTurn{Text: "2 eggs"})
			require.NoError(t, err)
			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, models.ConversationContext{}, store.Read())
		})
	}
}

func TestStep_BusyWhileProcessing(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m, _ := newTestMachine(scorerFunc(func(context.Context, models.Turn, models.ConversationContext) (*models.NutritionEstimate, error) {
		close(entered)
		<-release
		return &models.NutritionEstimate{Description: "2 eggs", DetectedFoods: []string{"egg"}, ProteinGrams: 12, Confidence: 0.9}, nil
	}))

	done := make(chan *Outcome)
	go func() {
		out, _ := m.Step(context.Background(), models.TextTurn{Text: "2 eggs"})
		done <- out
	}()

	<-entered
	assert.Equal(t, StateProcessing, m.State())
	_, err := m.Step(context.Background(), models.TextTurn{Text: "3 eggs"})
	assert.ErrorIs(t, err, models.ErrBusy)

	m.Reset()
	assert.Equal(t, StateProcessing, m.State(), "reset is ignored mid-turn")

	close(release)
	out := <-done
	assert.Equal(t, StateFinalized, out.State)

	m.Reset()
	assert.Equal(t, StateIdle, m.State())
}

func TestStep_PhotoAndBarcodeCountAsQuantified(t *testing.T) {
	m, _ := newTestMachine(scorerFunc(func(context.Context, models.Turn, models.ConversationContext) (*models.NutritionEstimate, error) {
		return &models.NutritionEstimate{Description: "salmon bowl", DetectedFoods: []string{"salmon"}, ProteinGrams: 35, Confidence: 0.7}, nil
	}))

	out, err := m.Step(context.Background(), models.PhotoTurn{Image: models.ImageRef{URL: "https://example.com/a.jpg"}})
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, out.State)

	out, err = m.Step(context.Background(), models.BarcodeTurn{Product: models.BarcodeProduct{Barcode: "123"}})
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, out.State)
}

func TestSummarize_VoiceCompleteness(t *testing.T) {
	got := summarize(&models.NutritionEstimate{
		DetectedFoods: []string{"chicken", "rice"},
		ProteinGrams:  42.4,
		Confidence:    0.55,
		Completeness:  f64(70),
	})
	assert.Equal(t, "chicken, rice: about 42g protein (medium confidence). The description seemed 70% complete.", got)
}

func TestStep_CompletenessOnlyForVoice(t *testing.T) {
	m, _ := newTestMachine(scorerFunc(func(context.Context, models.Turn, models.ConversationContext) (*models.NutritionEstimate, error) {
		return &models.NutritionEstimate{Description: "2 eggs", DetectedFoods: []string{"egg"}, ProteinGrams: 12, Confidence: 0.9, Completeness: f64(60)}, nil
	}))

	out, err := m.Step(context.Background(), models.TextTurn{Text: "2 eggs"})
	require.NoError(t, err)
	require.Equal(t, StateFinalized, out.State)
	assert.Nil(t, out.Estimate.Completeness)
	assert.NotContains(t, out.Message.Content, "complete")

	out, err = m.Step(context.Background(), models.VoiceTurn{Transcript: "2 eggs"})
	require.NoError(t, err)
	require.NotNil(t, out.Estimate.Completeness)
	assert.Equal(t, 60.0, *out.Estimate.Completeness)
	assert.Contains(t, out.Message.Content, "60% complete")
}
