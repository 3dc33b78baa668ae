package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"

	"mcp-meal-chat/internal/models"
	"mcp-meal-chat/internal/remote"
)

const defaultMealLimit = 20

func (s *MealChatServer) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/meals", s.handleCreateMeal)
	mux.HandleFunc("GET /api/meals", s.handleListMeals)
	mux.HandleFunc("DELETE /api/meals/{id}", s.handleDeleteMeal)
	mux.HandleFunc("GET /api/favorites", s.handleListFavorites)
	mux.HandleFunc("POST /api/favorites", s.handleCreateFavorite)
	mux.HandleFunc("POST /api/favorites/{id}/use", s.handleUseFavorite)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"name":     serverName,
			"version":  serverVersion,
			"sessions": s.sessions.Count(),
		})
	})
}

// handleCreateMeal answers 201 for a new meal and 200 when the
// Idempotency-Key matches an earlier request.
func (s *MealChatServer) handleCreateMeal(w http.ResponseWriter, r *http.Request) {
	var req models.CreateMealRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid meal: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		http.Error(w, "meal description is required", http.StatusBadRequest)
		return
	}
	if req.ProteinGrams < 0 || (req.Calories != nil && *req.Calories < 0) {
		http.Error(w, "nutrient values must not be negative", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = models.SourceManual
	}
	req.IdempotencyKey = r.Header.Get(remote.IdempotencyHeader)

	meal, created, err := s.storage.CreateMeal(r.Context(), req)
	if err != nil {
		s.log.Error("failed to create meal", "error", err)
		http.Error(w, "failed to save meal", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.log.Info("meal created", "meal_id", meal.ID, "protein_g", meal.ProteinGrams)
	}
	writeJSON(w, status, meal)
}

func (s *MealChatServer) handleListMeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultMealLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	meals, err := s.storage.GetMeals(r.Context(), q.Get("start_date"), q.Get("end_date"), limit)
	if err != nil {
		s.log.Error("failed to list meals", "error", err)
		http.Error(w, "failed to retrieve meals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meals)
}

func (s *MealChatServer) handleDeleteMeal(w http.ResponseWriter, r *http.Request) {
	err := s.storage.DeleteMeal(r.Context(), r.PathValue("id"))
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "meal not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to delete meal", "meal_id", r.PathValue("id"), "error", err)
		http.Error(w, "failed to delete meal", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MealChatServer) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	favs, err := s.storage.ListFavorites(r.Context())
	if err != nil {
		s.log.Error("failed to list favorites", "error", err)
		http.Error(w, "failed to retrieve favorites", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, favs)
}

func (s *MealChatServer) handleCreateFavorite(w http.ResponseWriter, r *http.Request) {
	var fav models.Favorite
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&fav); err != nil {
		http.Error(w, "invalid favorite: "+err.Error(), http.StatusBadRequest)
		return
	}
	if fav.Description == "" && fav.Name == "" {
		http.Error(w, "favorite name or description is required", http.StatusBadRequest)
		return
	}
	if fav.Description == "" {
		fav.Description = fav.Name
	}

	created, err := s.storage.CreateFavorite(r.Context(), fav)
	if err != nil {
		s.log.Error("failed to create favorite", "error", err)
		http.Error(w, "failed to save favorite", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *MealChatServer) handleUseFavorite(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.storage.UseFavorite(r.Context(), r.PathValue("id"))
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "favorite not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to use favorite", "favorite_id", r.PathValue("id"), "error", err)
		http.Error(w, "failed to use favorite", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sonic.ConfigDefault.NewEncoder(w).Encode(v)
}
