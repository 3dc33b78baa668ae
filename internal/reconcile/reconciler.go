// Package reconcile turns confirmed estimates into persisted meals. Every
// write is applied to the local store first and rolled back if the
// persistence API rejects it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcp-meal-chat/internal/logger"
	"mcp-meal-chat/internal/models"
	"mcp-meal-chat/internal/state"
)

const (
	MaxProteinGrams = 500
	MaxCalories     = 5000
)

// MealAPI is the remote persistence API.
type MealAPI interface {
	CreateMeal(ctx context.Context, req models.CreateMealRequest) (*models.MealEntry, error)
	DeleteMeal(ctx context.Context, id string) error
	ListMeals(ctx context.Context, startDate, endDate string, limit int) ([]models.MealEntry, error)
	UseFavorite(ctx context.Context, id string) (*models.MealTemplate, error)
	CreateFavorite(ctx context.Context, fav models.Favorite) (*models.Favorite, error)
	ListFavorites(ctx context.Context) ([]models.Favorite, error)
}

type Option func(*Reconciler)

func WithLogger(l *logger.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithIdempotencyKeys(newKey func() string) Option {
	return func(r *Reconciler) { r.newKey = newKey }
}

type Reconciler struct {
	api    MealAPI
	store  *state.Store
	log    *logger.Logger
	now    func() time.Time
	newKey func() string

	mu         sync.Mutex
	current    *models.NutritionEstimate
	currentSrc models.Modality
	currentKey string
	inflight   bool
	seq        int
}

func New(api MealAPI, store *state.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		api:    api,
		store:  store,
		log:    logger.NewNop(),
		now:    time.Now,
		newKey: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Offer makes est the current estimate. It gets a fresh idempotency key that
// is reused by every save attempt until the estimate is saved or discarded.
func (r *Reconciler) Offer(est *models.NutritionEstimate, source models.Modality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = est
	r.currentSrc = source
	r.currentKey = r.newKey()
}

func (r *Reconciler) Current() *models.NutritionEstimate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Discard drops the current estimate. The store is not touched.
func (r *Reconciler) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
	r.currentSrc = ""
	r.currentKey = ""
}

// Confirm saves est. The meal is visible locally under a tmp- id while the
// create request runs; on failure it is removed again and a
// *models.PersistenceFailure is returned with est still current.
func (r *Reconciler) Confirm(ctx context.Context, est *models.NutritionEstimate) (*models.MealEntry, error) {
	if est == nil {
		return nil, models.ErrNoEstimate
	}

	r.mu.Lock()
	if r.inflight {
		r.mu.Unlock()
		return nil, models.ErrConfirmInFlight
	}
	if r.current != est {
		r.current = est
		r.currentSrc = models.ModalityText
		r.currentKey = r.newKey()
	}
	r.inflight = true
	key, src := r.currentKey, r.currentSrc
	tmpID := r.nextTmpID()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inflight = false
		r.mu.Unlock()
	}()

	req := r.requestFromEstimate(est, src)
	req.IdempotencyKey = key

	meal, err := r.commit(ctx, tmpID, req)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.current == est {
		r.current, r.currentSrc, r.currentKey = nil, "", ""
	}
	r.mu.Unlock()
	return meal, nil
}

// UseFavorite logs a saved favorite as a new meal.
func (r *Reconciler) UseFavorite(ctx context.Context, favoriteID string) (*models.MealEntry, error) {
	tpl, err := r.api.UseFavorite(ctx, favoriteID)
	if err != nil {
		return nil, &models.PersistenceFailure{Op: "use_favorite", Err: err}
	}

	protein, _ := clampRound(float64(tpl.ProteinGrams), MaxProteinGrams)
	req := models.CreateMealRequest{
		Timestamp:      r.now(),
		Description:    tpl.Description,
		ProteinGrams:   protein,
		Source:         models.SourceFavorite,
		AIEstimated:    false,
		Tags:           append([]string(nil), tpl.Tags...),
		IdempotencyKey: r.newKey(),
	}
	if tpl.Calories != nil {
		kcal, _ := clampRound(float64(*tpl.Calories), MaxCalories)
		req.Calories = &kcal
	}

	r.mu.Lock()
	tmpID := r.nextTmpID()
	r.mu.Unlock()
	return r.commit(ctx, tmpID, req)
}

// DeleteMeal removes a meal locally and remotely, restoring it if the remote
// delete fails. Meals still waiting for their create cannot be deleted.
func (r *Reconciler) DeleteMeal(ctx context.Context, id string) error {
	entry, ok, removed := r.store.RemoveSynced(id)
	if !ok {
		return fmt.Errorf("meal %s: %w", id, models.ErrNotFound)
	}
	if !removed {
		return models.ErrConfirmInFlight
	}

	err := r.api.DeleteMeal(context.WithoutCancel(ctx), id)
	if isGone(err) {
		err = nil
	}
	if err != nil {
		if insErr := r.store.Insert(entry); insErr != nil {
			r.log.Error("failed to restore meal after delete failure", "meal_id", id, "error", insErr)
		}
		r.log.Warn("delete rolled back", "meal_id", id, "error", err)
		return &models.PersistenceFailure{Op: "delete", Err: err}
	}
	r.log.Info("meal deleted", "meal_id", id)
	return nil
}

// SaveFavorite stores a favorite remotely and refreshes the local list.
func (r *Reconciler) SaveFavorite(ctx context.Context, fav models.Favorite) (*models.Favorite, error) {
	created, err := r.api.CreateFavorite(ctx, fav)
	if err != nil {
		return nil, &models.PersistenceFailure{Op: "create_favorite", Err: err}
	}
	r.store.SetFavorites(append(r.store.Favorites(), *created))
	return created, nil
}

// Refresh reloads meals for the given date range and all favorites.
func (r *Reconciler) Refresh(ctx context.Context, startDate, endDate string, limit int) error {
	meals, err := r.api.ListMeals(ctx, startDate, endDate, limit)
	if err != nil {
		return &models.PersistenceFailure{Op: "list", Err: err}
	}
	favs, err := r.api.ListFavorites(ctx)
	if err != nil {
		return &models.PersistenceFailure{Op: "list_favorites", Err: err}
	}
	r.store.Hydrate(meals)
	r.store.SetFavorites(favs)
	return nil
}

func (r *Reconciler) commit(ctx context.Context, tmpID string, req models.CreateMealRequest) (*models.MealEntry, error) {
	local := models.MealEntry{
		ID:           tmpID,
		Timestamp:    req.Timestamp,
		Description:  req.Description,
		ProteinGrams: req.ProteinGrams,
		Calories:     req.Calories,
		Source:       req.Source,
		AIEstimated:  req.AIEstimated,
		Tags:         req.Tags,
		Status:       models.SyncPending,
	}
	if err := r.store.Insert(local); err != nil {
		return nil, fmt.Errorf("failed to insert optimistic meal: %w", err)
	}

	// The create is not cancelled with the caller; the client's own timeout bounds it.
	created, err := r.api.CreateMeal(context.WithoutCancel(ctx), req)
	if err != nil {
		r.store.Remove(tmpID)
		r.log.Warn("create rolled back", "meal_id", tmpID, "error", err)
		return nil, &models.PersistenceFailure{Op: "create", Err: err}
	}

	synced := local
	synced.ID = created.ID
	if !created.Timestamp.IsZero() {
		synced.Timestamp = created.Timestamp
	}
	synced.Status = models.SyncSynced
	if err := r.store.ReplaceID(tmpID, synced); err != nil {
		return nil, fmt.Errorf("failed to swap meal id: %w", err)
	}
	r.log.Info("meal saved", "meal_id", synced.ID, "protein_g", synced.ProteinGrams)
	return &synced, nil
}

func (r *Reconciler) requestFromEstimate(est *models.NutritionEstimate, src models.Modality) models.CreateMealRequest {
	protein, clamped := clampRound(est.ProteinGrams, MaxProteinGrams)
	if clamped {
		r.log.Warn("validation failure: protein clamped", "raw", est.ProteinGrams, "stored", protein)
	}

	req := models.CreateMealRequest{
		Timestamp:    r.now(),
		Description:  describe(est),
		ProteinGrams: protein,
		Source:       models.SourceFromModality(src),
		AIEstimated:  true,
		Tags:         tagsFor(est.DetectedFoods),
	}
	if est.Calories != nil {
		kcal, clamped := clampRound(*est.Calories, MaxCalories)
		if clamped {
			r.log.Warn("validation failure: calories clamped", "raw", *est.Calories, "stored", kcal)
		}
		req.Calories = &kcal
	}
	return req
}

// isGone reports whether a delete failed only because the meal is already gone.
func isGone(err error) bool {
	var se *models.StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusNotFound
	}
	return errors.Is(err, models.ErrNotFound)
}

func (r *Reconciler) nextTmpID() string {
	r.seq++
	return fmt.Sprintf("tmp-%d", r.seq)
}

// clampRound bounds v to [0, max] and rounds it to the nearest integer.
func clampRound(v, max float64) (int, bool) {
	clamped := false
	switch {
	case math.IsNaN(v) || v < 0:
		v, clamped = 0, true
	case v > max:
		v, clamped = max, true
	}
	return int(math.Round(v)), clamped
}

func describe(est *models.NutritionEstimate) string {
	if d := strings.TrimSpace(est.Description); d != "" {
		return d
	}
	return strings.Join(est.DetectedFoods, ", ")
}

func tagsFor(foods []string) []string {
	seen := make(map[string]bool, len(foods))
	var tags []string
	for _, f := range foods {
		t := strings.ToLower(strings.TrimSpace(f))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}
