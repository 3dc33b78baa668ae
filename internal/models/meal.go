package models

import (
	"time"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// MealEntry is the durable meal record. Locally created entries carry a
// temporary id and SyncPending until the persistence API assigns the real id.
type MealEntry struct {
	ID           string     `json:"id"`
	Timestamp    time.Time  `json:"timestamp"`
	Description  string     `json:"description"`
	ProteinGrams int        `json:"protein_g"`
	Calories     *int       `json:"calories,omitempty"`
	Source       Source     `json:"source"`
	AIEstimated  bool       `json:"ai_estimated"`
	Tags         []string   `json:"tags,omitempty"`
	Status       SyncStatus `json:"status,omitempty"`
}

// Source is where a meal came from: one of the turn modalities or a favorite.
type Source string

const (
	SourceFavorite Source = "favorite"
	SourceManual   Source = "manual"
)

func SourceFromModality(m Modality) Source {
	return Source(m)
}

// CreateMealRequest is the body sent to the persistence API.
type CreateMealRequest struct {
	Timestamp      time.Time `json:"timestamp"`
	Description    string    `json:"description"`
	ProteinGrams   int       `json:"protein_g"`
	Calories       *int      `json:"calories,omitempty"`
	Source         Source    `json:"source"`
	AIEstimated    bool      `json:"ai_estimated"`
	Tags           []string  `json:"tags,omitempty"`
	IdempotencyKey string    `json:"-"`
}

type Favorite struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	ProteinGrams int       `json:"protein_g"`
	Calories     *int      `json:"calories,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// MealTemplate is what the persistence API returns when a favorite is reused.
type MealTemplate struct {
	FavoriteID   string   `json:"favorite_id"`
	Description  string   `json:"description"`
	ProteinGrams int      `json:"protein_g"`
	Calories     *int     `json:"calories,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

type Settings struct {
	DailyProteinGoal  int `json:"daily_protein_goal_g" yaml:"daily_protein_g"`
	DailyCaloriesGoal int `json:"daily_calories_goal" yaml:"daily_calories"`
}

type Progress struct {
	Date            string  `json:"date"`
	Meals           int     `json:"meals"`
	ProteinGrams    int     `json:"protein_g"`
	Calories        int     `json:"calories"`
	ProteinGoal     int     `json:"protein_goal_g"`
	CaloriesGoal    int     `json:"calories_goal"`
	ProteinPercent  float64 `json:"protein_percent"`
	CaloriesPercent float64 `json:"calories_percent"`
}

type ConfidenceLevel string

const (
	HighConfidence   ConfidenceLevel = "high"
	MediumConfidence ConfidenceLevel = "medium"
	LowConfidence    ConfidenceLevel = "low"
)

func ConfidenceLevelFor(score float64) ConfidenceLevel {
	switch {
	case score >= 0.8:
		return HighConfidence
	case score >= 0.5:
		return MediumConfidence
	default:
		return LowConfidence
	}
}
