package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"mcp-meal-chat/internal/conversation"
	"mcp-meal-chat/internal/logger"
	"mcp-meal-chat/internal/models"
	"mcp-meal-chat/internal/reconcile"
)

// ErrSessionLimit is returned when a new session would exceed MaxSessions.
var ErrSessionLimit = errors.New("too many live sessions")

// Registry holds the live sessions of a server process.
type Registry struct {
	sessions cmap.ConcurrentMap[string, *Session]
	scorer   conversation.Scorer
	api      reconcile.MealAPI
	opts     Options
	log      *logger.Logger
	now      func() time.Time
}

func NewRegistry(scorer conversation.Scorer, api reconcile.MealAPI, opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: cmap.New[*Session](),
		scorer:   scorer,
		api:      api,
		opts:     opts,
		log:      log,
		now:      now,
	}
}

func (r *Registry) Get(id string) (*Session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	s.Touch(r.now())
	return s, nil
}

// GetOrCreate returns the session with the given id, creating and hydrating
// it on first use. An empty id always creates a new session. A failed
// hydration is logged; the session starts with an empty store.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if s, ok := r.sessions.Get(id); ok {
		s.Touch(r.now())
		return s, nil
	}
	if r.full() {
		r.Sweep()
		if r.full() {
			return nil, ErrSessionLimit
		}
	}

	s := New(id, r.scorer, r.api, r.opts)
	if err := s.Hydrate(ctx); err != nil {
		r.log.Warn("session hydration failed", "session_id", id, "error", err)
	}
	if !r.sessions.SetIfAbsent(id, s) {
		// Lost a race with a concurrent create.
		return r.Get(id)
	}
	r.log.Info("session started", "session_id", id)
	return s, nil
}

// End forgets a session. It reports whether the session existed.
func (r *Registry) End(id string) bool {
	if _, ok := r.sessions.Pop(id); !ok {
		return false
	}
	r.log.Info("session ended", "session_id", id)
	return true
}

func (r *Registry) Count() int {
	return r.sessions.Count()
}

// Sweep ends every session idle for longer than IdleTimeout and returns how
// many were removed.
func (r *Registry) Sweep() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.opts.IdleTimeout)
	removed := 0
	for item := range r.sessions.IterBuffered() {
		// Re-checked under the shard lock so a session touched meanwhile survives.
		if r.sessions.RemoveCb(item.Key, func(_ string, s *Session, exists bool) bool {
			return exists && s.LastActive().Before(cutoff)
		}) {
			removed++
			r.log.Info("session expired", "session_id", item.Key)
		}
	}
	return removed
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if r.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) full() bool {
	return r.opts.MaxSessions > 0 && r.sessions.Count() >= r.opts.MaxSessions
}
