package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mcp-meal-chat/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(2),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
}

func TestCreateMeal_SendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/meals", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get(IdempotencyHeader))

		var req models.CreateMealRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 14, req.ProteinGrams)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.MealEntry{ID: "srv-1", Description: req.Description, ProteinGrams: req.ProteinGrams})
	}))
	defer srv.Close()

	meal, err := newTestClient(srv).CreateMeal(context.Background(), models.CreateMealRequest{
		Description:    "2 eggs",
		ProteinGrams:   14,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", meal.ID)
}

func TestCreateMeal_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(models.MealEntry{ID: "srv-2"})
	}))
	defer srv.Close()

	meal, err := newTestClient(srv).CreateMeal(context.Background(), models.CreateMealRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "srv-2", meal.ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCreateMeal_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).CreateMeal(context.Background(), models.CreateMealRequest{IdempotencyKey: "k"})
	var se *models.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, se.Status)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCreateMeal_WithoutKeyIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).CreateMeal(context.Background(), models.CreateMealRequest{})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "meal not found", http.StatusNotFound)
	}))
	defer srv.Close()

	err := newTestClient(srv).DeleteMeal(context.Background(), "missing")
	var se *models.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, "meal not found", se.Body)
	assert.EqualValues(t, 1, calls.Load())
}

func TestListMeals_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-05-01", r.URL.Query().Get("start_date"))
		assert.Equal(t, "2026-05-02", r.URL.Query().Get("end_date"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]models.MealEntry{{ID: "a"}, {ID: "b"}})
	}))
	defer srv.Close()

	meals, err := newTestClient(srv).ListMeals(context.Background(), "2026-05-01", "2026-05-02", 5)
	require.NoError(t, err)
	require.Len(t, meals, 2)
	assert.Equal(t, "a", meals[0].ID)
}

func TestFavorites(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/favorites/{id}/use", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.MealTemplate{FavoriteID: r.PathValue("id"), Description: "shake", ProteinGrams: 30})
	})
	mux.HandleFunc("GET /api/favorites", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Favorite{{ID: "f1", Name: "shake"}})
	})
	mux.HandleFunc("POST /api/favorites", func(w http.ResponseWriter, r *http.Request) {
		var fav models.Favorite
		require.NoError(t, json.NewDecoder(r.Body).Decode(&fav))
		fav.ID = "f2"
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(fav)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(srv)
	ctx := context.Background()

	tpl, err := c.UseFavorite(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", tpl.FavoriteID)
	assert.Equal(t, 30, tpl.ProteinGrams)

	favs, err := c.ListFavorites(ctx)
	require.NoError(t, err)
	assert.Len(t, favs, 1)

	created, err := c.CreateFavorite(ctx, models.Favorite{Name: "oats", ProteinGrams: 12})
	require.NoError(t, err)
	assert.Equal(t, "f2", created.ID)
	assert.Equal(t, "oats", created.Name)
}

func TestContextCancelStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv).ListFavorites(ctx)
	require.Error(t, err)
}
