package storage

import (
	"context"

	"mcp-meal-chat/internal/models"
)

// LocalAPI serves the persistence API straight from SQLite, for sessions
// running in the same process as the database.
type LocalAPI struct {
	s *SQLiteStorage
}

func (s *SQLiteStorage) API() *LocalAPI {
	return &LocalAPI{s: s}
}

func (a *LocalAPI) CreateMeal(ctx context.Context, req models.CreateMealRequest) (*models.MealEntry, error) {
	meal, _, err := a.s.CreateMeal(ctx, req)
	return meal, err
}

func (a *LocalAPI) DeleteMeal(ctx context.Context, id string) error {
	return a.s.DeleteMeal(ctx, id)
}

func (a *LocalAPI) ListMeals(ctx context.Context, startDate, endDate string, limit int) ([]models.MealEntry, error) {
	return a.s.GetMeals(ctx, startDate, endDate, limit)
}

func (a *LocalAPI) UseFavorite(ctx context.Context, id string) (*models.MealTemplate, error) {
	return a.s.UseFavorite(ctx, id)
}

func (a *LocalAPI) CreateFavorite(ctx context.Context, fav models.Favorite) (*models.Favorite, error) {
	return a.s.CreateFavorite(ctx, fav)
}

func (a *LocalAPI) ListFavorites(ctx context.Context) ([]models.Favorite, error) {
	return a.s.ListFavorites(ctx)
}
