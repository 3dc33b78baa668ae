package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mcp-meal-chat/internal/models"
)

// timeLayout keeps timestamps lexically sortable and readable by DATE().
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps SQLite out of SQLITE_BUSY and makes :memory: usable.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{db: db, now: time.Now}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS meals (
        id TEXT PRIMARY KEY,
        description TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        protein_g INTEGER NOT NULL,
        calories INTEGER,
        source TEXT NOT NULL,
        ai_estimated INTEGER NOT NULL DEFAULT 0,
        tags TEXT NOT NULL DEFAULT '[]',
        idempotency_key TEXT UNIQUE,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS favorites (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        description TEXT NOT NULL,
        protein_g INTEGER NOT NULL,
        calories INTEGER,
        tags TEXT NOT NULL DEFAULT '[]',
        use_count INTEGER NOT NULL DEFAULT 0,
        last_used_at TEXT,
        created_at TEXT NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_meals_timestamp ON meals(timestamp);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// CreateMeal inserts a meal and returns it with its assigned id. A repeated
// non-empty idempotency key returns the row created by the first request and
// created=false.
func (s *SQLiteStorage) CreateMeal(ctx context.Context, req models.CreateMealRequest) (meal *models.MealEntry, created bool, err error) {
	if req.IdempotencyKey != "" {
		existing, err := s.mealByKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, false, err
		}
	}

	tags, err := sonic.Marshal(nonNil(req.Tags))
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode tags: %w", err)
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	now := s.now().UTC().Format(timeLayout)
	id := uuid.NewString()

	var key sql.NullString
	if req.IdempotencyKey != "" {
		key = sql.NullString{String: req.IdempotencyKey, Valid: true}
	}

	query := `
        INSERT INTO meals (id, description, timestamp, protein_g, calories, source, ai_estimated, tags, idempotency_key, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(idempotency_key) DO NOTHING
    `
	res, err := s.db.ExecContext(ctx, query,
		id, req.Description, ts.UTC().Format(timeLayout), req.ProteinGrams, nullInt(req.Calories),
		string(req.Source), req.AIEstimated, string(tags), key, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert meal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && key.Valid {
		existing, err := s.mealByKey(ctx, key.String)
		return existing, false, err
	}

	meal, err = s.GetMeal(ctx, id)
	return meal, err == nil, err
}

func (s *SQLiteStorage) GetMeal(ctx context.Context, id string) (*models.MealEntry, error) {
	row := s.db.QueryRowContext(ctx, mealSelect+` WHERE id = ?`, id)
	return scanMeal(row)
}

func (s *SQLiteStorage) mealByKey(ctx context.Context, key string) (*models.MealEntry, error) {
	row := s.db.QueryRowContext(ctx, mealSelect+` WHERE idempotency_key = ?`, key)
	return scanMeal(row)
}

const mealSelect = `
        SELECT id, description, timestamp, protein_g, calories, source, ai_estimated, tags
        FROM meals`

func (s *SQLiteStorage) GetMeals(ctx context.Context, startDate, endDate string, limit int) ([]models.MealEntry, error) {
	query := mealSelect + ` WHERE 1=1`
	args := []interface{}{}

	if startDate != "" {
		query += " AND DATE(timestamp) >= ?"
		args = append(args, startDate)
	}
	if endDate != "" {
		query += " AND DATE(timestamp) <= ?"
		args = append(args, endDate)
	}

	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query meals: %w", err)
	}
	defer rows.Close()

	meals := []models.MealEntry{}
	for rows.Next() {
		meal, err := scanMeal(rows)
		if err != nil {
			return nil, err
		}
		meals = append(meals, *meal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate meals: %w", err)
	}

	return meals, nil
}

func (s *SQLiteStorage) DeleteMeal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM meals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete meal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("meal %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStorage) CreateFavorite(ctx context.Context, fav models.Favorite) (*models.Favorite, error) {
	tags, err := sonic.Marshal(nonNil(fav.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	fav.ID = uuid.NewString()
	fav.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	if fav.Name == "" {
		fav.Name = fav.Description
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO favorites (id, name, description, protein_g, calories, tags, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, fav.ID, fav.Name, fav.Description, fav.ProteinGrams, nullInt(fav.Calories), string(tags),
		fav.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to insert favorite: %w", err)
	}
	return &fav, nil
}

func (s *SQLiteStorage) ListFavorites(ctx context.Context) ([]models.Favorite, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, name, description, protein_g, calories, tags, created_at
        FROM favorites
        ORDER BY use_count DESC, created_at DESC
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to query favorites: %w", err)
	}
	defer rows.Close()

	favs := []models.Favorite{}
	for rows.Next() {
		var (
			fav       models.Favorite
			calories  sql.NullInt64
			tags      string
			createdAt string
		)
		if err := rows.Scan(&fav.ID, &fav.Name, &fav.Description, &fav.ProteinGrams, &calories, &tags, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan favorite: %w", err)
		}
		fav.Calories = intPtr(calories)
		if err := sonic.Unmarshal([]byte(tags), &fav.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode favorite tags: %w", err)
		}
		if fav.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		favs = append(favs, fav)
	}
	return favs, rows.Err()
}

// UseFavorite records a use and returns the favorite as a meal template.
func (s *SQLiteStorage) UseFavorite(ctx context.Context, id string) (*models.MealTemplate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		tpl      = models.MealTemplate{FavoriteID: id}
		calories sql.NullInt64
		tags     string
	)
	err = tx.QueryRowContext(ctx, `SELECT description, protein_g, calories, tags FROM favorites WHERE id = ?`, id).
		Scan(&tpl.Description, &tpl.ProteinGrams, &calories, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("favorite %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load favorite: %w", err)
	}
	tpl.Calories = intPtr(calories)
	if err := sonic.Unmarshal([]byte(tags), &tpl.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode favorite tags: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE favorites SET use_count = use_count + 1, last_used_at = ? WHERE id = ?`,
		s.now().UTC().Format(timeLayout), id); err != nil {
		return nil, fmt.Errorf("failed to record favorite use: %w", err)
	}

	return &tpl, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMeal(row rowScanner) (*models.MealEntry, error) {
	var (
		meal      models.MealEntry
		timestamp string
		calories  sql.NullInt64
		source    string
		tags      string
	)
	err := row.Scan(&meal.ID, &meal.Description, &timestamp, &meal.ProteinGrams, &calories,
		&source, &meal.AIEstimated, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan meal: %w", err)
	}

	if meal.Timestamp, err = time.Parse(timeLayout, timestamp); err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	meal.Calories = intPtr(calories)
	meal.Source = models.Source(source)
	meal.Status = models.SyncSynced
	if err := sonic.Unmarshal([]byte(tags), &meal.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return &meal, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
