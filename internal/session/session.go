// Package session wires one conversation: its context, dialogue machine,
// local meal store, reconciler and engine.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"mcp-meal-chat/internal/conversation"
	"mcp-meal-chat/internal/logger"
	"mcp-meal-chat/internal/models"
	"mcp-meal-chat/internal/reconcile"
	"mcp-meal-chat/internal/state"
)

// hydrateLimit bounds how many recent meals a new session loads.
const hydrateLimit = 100

type Options struct {
	Threshold float64
	Settings  models.Settings
	Logger    *logger.Logger
	Now       func() time.Time

	// IdleTimeout expires sessions nobody touched for that long. Zero keeps
	// them until they are ended.
	IdleTimeout time.Duration
	// MaxSessions caps live sessions in a Registry. Zero means no cap.
	MaxSessions int
}

type Session struct {
	ID         string
	Engine     *conversation.Engine
	Store      *state.Store
	Reconciler *reconcile.Reconciler
	CreatedAt  time.Time

	lastActive atomic.Int64
}

func New(id string, scorer conversation.Scorer, api reconcile.MealAPI, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("session_id", id)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = conversation.DefaultConfidenceThreshold
	}

	ctxStore := conversation.NewContextStore()
	store := state.New(opts.Settings)
	rec := reconcile.New(api, store, reconcile.WithLogger(log), reconcile.WithClock(now))
	machine := conversation.NewMachine(scorer, ctxStore,
		conversation.WithThreshold(threshold),
		conversation.WithLogger(log),
		conversation.WithClock(now),
	)
	engine := conversation.NewEngine(machine, ctxStore, rec,
		conversation.WithEngineLogger(log),
		conversation.WithEngineClock(now),
	)

	s := &Session{
		ID:         id,
		Engine:     engine,
		Store:      store,
		Reconciler: rec,
		CreatedAt:  now(),
	}
	s.Touch(s.CreatedAt)
	return s
}

// Touch records activity on the session.
func (s *Session) Touch(at time.Time) {
	s.lastActive.Store(at.UnixNano())
}

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Hydrate loads recent meals and all favorites into the local store.
func (s *Session) Hydrate(ctx context.Context) error {
	return s.Reconciler.Refresh(ctx, "", "", hydrateLimit)
}
