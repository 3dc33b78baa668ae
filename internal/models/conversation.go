package models

import (
	"time"
)

type Author string

const (
	AuthorUser Author = "user"
	AuthorBot  Author = "bot"
)

type Action string

const (
	ActionSave   Action = "save"
	ActionModify Action = "modify"
	ActionRetry  Action = "retry"
)

func (a Action) Valid() bool {
	switch a {
	case ActionSave, ActionModify, ActionRetry:
		return true
	}
	return false
}

// ConversationContext is the session-scoped state carried between turns.
// It is never persisted.
type ConversationContext struct {
	LastModality       Modality `json:"last_modality,omitempty"`
	PendingQuantity    bool     `json:"pending_quantity"`
	PendingDescription string   `json:"pending_description,omitempty"`
	DetectedFoods      []string `json:"detected_foods,omitempty"`
	LastAction         Action   `json:"last_action,omitempty"`
}

// NutritionEstimate is the scorer's output and is read-only to the engine.
type NutritionEstimate struct {
	Description   string   `json:"description"`
	DetectedFoods []string `json:"detected_foods"`
	ProteinGrams  float64  `json:"protein_g"`
	Calories      *float64 `json:"calories,omitempty"`
	Confidence    float64  `json:"confidence"`
	Completeness  *float64 `json:"completeness,omitempty"` // voice only
	Suggestions   []string `json:"suggestions,omitempty"`
}

type QuantitySuggestion struct {
	Label   string `json:"label"`
	Value   string `json:"value"`
	Weight  int    `json:"weight"`
	Default bool   `json:"default,omitempty"`
}

type ChatMessage struct {
	ID          string               `json:"id"`
	Author      Author               `json:"author"`
	Content     string               `json:"content"`
	Attachment  Modality             `json:"attachment,omitempty"`
	Estimate    *NutritionEstimate   `json:"estimate,omitempty"`
	Suggestions []QuantitySuggestion `json:"suggestions,omitempty"`
	Actions     []Action             `json:"actions,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}
