// Package state is the in-memory copy of a user's meals, favorites and
// settings that a session renders from.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"mcp-meal-chat/internal/models"
)

type Store struct {
	mu        sync.RWMutex
	meals     map[string]models.MealEntry
	favorites []models.Favorite
	settings  models.Settings
}

func New(settings models.Settings) *Store {
	return &Store{
		meals:    make(map[string]models.MealEntry),
		settings: settings,
	}
}

func (s *Store) Insert(entry models.MealEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meals[entry.ID]; ok {
		return fmt.Errorf("meal %s already present", entry.ID)
	}
	s.meals[entry.ID] = cloneMeal(entry)
	return nil
}

// ReplaceID swaps a locally created entry for the server's copy.
func (s *Store) ReplaceID(oldID string, synced models.MealEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meals[oldID]; !ok {
		return fmt.Errorf("meal %s: %w", oldID, models.ErrNotFound)
	}
	delete(s.meals, oldID)
	synced.Status = models.SyncSynced
	s.meals[synced.ID] = cloneMeal(synced)
	return nil
}

func (s *Store) Remove(id string) (models.MealEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meals[id]
	if ok {
		delete(s.meals, id)
	}
	return m, ok
}

// RemoveSynced removes a meal unless it is still pending. A pending meal is
// left in place and reported with ok true and removed false.
func (s *Store) RemoveSynced(id string) (m models.MealEntry, ok, removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok = s.meals[id]
	if !ok || m.Status == models.SyncPending {
		return m, ok, false
	}
	delete(s.meals, id)
	return m, true, true
}

func (s *Store) Get(id string) (models.MealEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meals[id]
	if !ok {
		return models.MealEntry{}, false
	}
	return cloneMeal(m), true
}

// Meals returns every meal, newest first.
func (s *Store) Meals() []models.MealEntry {
	s.mu.RLock()
	out := make([]models.MealEntry, 0, len(s.meals))
	for _, m := range s.meals {
		out = append(out, cloneMeal(m))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Hydrate replaces all meals with a list fetched from the persistence API.
func (s *Store) Hydrate(meals []models.MealEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meals = make(map[string]models.MealEntry, len(meals))
	for _, m := range meals {
		m.Status = models.SyncSynced
		s.meals[m.ID] = cloneMeal(m)
	}
}

func (s *Store) Favorites() []models.Favorite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Favorite(nil), s.favorites...)
}

func (s *Store) SetFavorites(favs []models.Favorite) {
	s.mu.Lock()
	s.favorites = append([]models.Favorite(nil), favs...)
	s.mu.Unlock()
}

func (s *Store) Settings() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings applies non-zero goals.
func (s *Store) UpdateSettings(upd models.Settings) models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upd.DailyProteinGoal > 0 {
		s.settings.DailyProteinGoal = upd.DailyProteinGoal
	}
	if upd.DailyCaloriesGoal > 0 {
		s.settings.DailyCaloriesGoal = upd.DailyCaloriesGoal
	}
	return s.settings
}

// Progress totals the meals logged on day (in day's location) against the goals.
func (s *Store) Progress(day time.Time) models.Progress {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	p := models.Progress{
		Date:         start.Format(time.DateOnly),
		ProteinGoal:  s.settings.DailyProteinGoal,
		CaloriesGoal: s.settings.DailyCaloriesGoal,
	}
	for _, m := range s.meals {
		if m.Timestamp.Before(start) || !m.Timestamp.Before(end) {
			continue
		}
		p.Meals++
		p.ProteinGrams += m.ProteinGrams
		if m.Calories != nil {
			p.Calories += *m.Calories
		}
	}
	if p.ProteinGoal > 0 {
		p.ProteinPercent = float64(p.ProteinGrams) * 100 / float64(p.ProteinGoal)
	}
	if p.CaloriesGoal > 0 {
		p.CaloriesPercent = float64(p.Calories) * 100 / float64(p.CaloriesGoal)
	}
	return p
}

func cloneMeal(m models.MealEntry) models.MealEntry {
	m.Tags = append([]string(nil), m.Tags...)
	if m.Calories != nil {
		c := *m.Calories
		m.Calories = &c
	}
	return m
}
