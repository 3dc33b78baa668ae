package conversation

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"mcp-meal-chat/internal/models"
)

func TestHasQuantity(t *testing.T) {
	for text, want := range map[string]bool{
		"2 eggs and toast":     true,
		"100g":                 true,
		"two slices of bread":  true,
		"a bowl of oats":       true,
		"half a chicken":       true,
		"chicken":              false,
		"eggs and toast":       false,
		"I can't remember":     false,
		"grilled salmon, rice": false,
	} {
		assert.Equal(t, want, hasQuantity(text), text)
	}
}

func TestTurnIsQuantified(t *testing.T) {
	bare := &models.NutritionEstimate{Description: "chicken"}
	assert.False(t, turnIsQuantified(models.VoiceTurn{Transcript: "chicken"}, bare))
	assert.True(t, turnIsQuantified(models.VoiceTurn{Transcript: "chicken"}, &models.NutritionEstimate{Description: "chicken breast, 150g"}))
	assert.True(t, turnIsQuantified(models.TextTurn{Text: "3 eggs"}, bare))
	assert.True(t, turnIsQuantified(models.PhotoTurn{}, bare))
	assert.True(t, turnIsQuantified(models.BarcodeTurn{}, bare))
}

func TestCommonPortions(t *testing.T) {
	eggs := CommonPortions("Scrambled Eggs")
	assert.Len(t, eggs, 3)
	assert.Equal(t, "2 eggs", eggs[1].Value)

	generic := CommonPortions("chicken")
	want := []models.QuantitySuggestion{
		{Label: "Small portion (100g)", Value: "100g", Weight: 1, Default: true},
		{Label: "Large portion (200g)", Value: "200g", Weight: 2},
	}
	if diff := cmp.Diff(want, generic); diff != "" {
		t.Errorf("generic portions mismatch (-want +got):\n%s", diff)
	}

	// Callers get their own copy.
	generic[0].Label = "changed"
	assert.Equal(t, "Small portion (100g)", CommonPortions("chicken")[0].Label)
}

func TestOrderSuggestions(t *testing.T) {
	tests := []struct {
		name string
		in   []models.QuantitySuggestion
		want []models.QuantitySuggestion
	}{
		{
			name: "default first then by weight",
			in: []models.QuantitySuggestion{
				{Label: "a", Weight: 3},
				{Label: "b", Weight: 1},
				{Label: "c", Weight: 2, Default: true},
			},
			want: []models.QuantitySuggestion{
				{Label: "c", Weight: 2, Default: true},
				{Label: "b", Weight: 1},
				{Label: "a", Weight: 3},
			},
		},
		{
			name: "equal weights keep input order",
			in: []models.QuantitySuggestion{
				{Label: "x", Weight: 1},
				{Label: "y", Weight: 1},
				{Label: "z", Weight: 1, Default: true},
				{Label: "w", Weight: 1},
			},
			want: []models.QuantitySuggestion{
				{Label: "z", Weight: 1, Default: true},
				{Label: "x", Weight: 1},
				{Label: "y", Weight: 1},
				{Label: "w", Weight: 1},
			},
		},
		{
			name: "only the first default survives",
			in: []models.QuantitySuggestion{
				{Label: "a", Weight: 2, Default: true},
				{Label: "b", Weight: 1, Default: true},
			},
			want: []models.QuantitySuggestion{
				{Label: "a", Weight: 2, Default: true},
				{Label: "b", Weight: 1},
			},
		},
		{
			name: "no default promotes the lightest",
			in: []models.QuantitySuggestion{
				{Label: "a", Weight: 2},
				{Label: "b", Weight: 1},
			},
			want: []models.QuantitySuggestion{
				{Label: "b", Weight: 1, Default: true},
				{Label: "a", Weight: 2},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OrderSuggestions(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("OrderSuggestions mismatch (-want +got):\n%s", diff)
			}
		})
	}

	assert.Nil(t, OrderSuggestions(nil))
}

func TestOrderSuggestions_DoesNotMutateInput(t *testing.T) {
	in := []models.QuantitySuggestion{{Label: "a", Default: true}, {Label: "b", Default: true}}
	OrderSuggestions(in)
	assert.True(t, in[1].Default)
}
