// Package remote is the HTTP client for the meal persistence API.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v5"

	"mcp-meal-chat/internal/logger"
	"mcp-meal-chat/internal/models"
)

const IdempotencyHeader = "Idempotency-Key"

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	newBackOff func() backoff.BackOff
	log        *logger.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		log: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateMeal posts a new meal. Requests without an idempotency key are sent
// once, since a retry could create a duplicate.
func (c *Client) CreateMeal(ctx context.Context, req models.CreateMealRequest) (*models.MealEntry, error) {
	var meal models.MealEntry
	headers := map[string]string{}
	retry := false
	if req.IdempotencyKey != "" {
		headers[IdempotencyHeader] = req.IdempotencyKey
		retry = true
	}
	if err := c.do(ctx, http.MethodPost, "/api/meals", req, &meal, headers, retry); err != nil {
		return nil, err
	}
	return &meal, nil
}

func (c *Client) DeleteMeal(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/meals/"+url.PathEscape(id), nil, nil, nil, true)
}

func (c *Client) ListMeals(ctx context.Context, startDate, endDate string, limit int) ([]models.MealEntry, error) {
	q := url.Values{}
	if startDate != "" {
		q.Set("start_date", startDate)
	}
	if endDate != "" {
		q.Set("end_date", endDate)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/meals"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var meals []models.MealEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &meals, nil, true); err != nil {
		return nil, err
	}
	return meals, nil
}

func (c *Client) UseFavorite(ctx context.Context, id string) (*models.MealTemplate, error) {
	var tpl models.MealTemplate
	if err := c.do(ctx, http.MethodPost, "/api/favorites/"+url.PathEscape(id)+"/use", nil, &tpl, nil, false); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (c *Client) CreateFavorite(ctx context.Context, fav models.Favorite) (*models.Favorite, error) {
	var created models.Favorite
	if err := c.do(ctx, http.MethodPost, "/api/favorites", fav, &created, nil, false); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) ListFavorites(ctx context.Context) ([]models.Favorite, error) {
	var favs []models.Favorite
	if err := c.do(ctx, http.MethodGet, "/api/favorites", nil, &favs, nil, true); err != nil {
		return nil, err
	}
	return favs, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, headers map[string]string, retry bool) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = sonic.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	tries := uint(1)
	if retry && c.maxRetries > 0 {
		tries += uint(c.maxRetries)
	}

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			statusErr := &models.StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return struct{}{}, statusErr
			}
			return struct{}{}, backoff.Permanent(statusErr)
		}

		if out != nil {
			if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Warn("persistence request failed, retrying", "method", method, "path", path, "wait", wait, "error", err)
		}),
	)
	return err
}
