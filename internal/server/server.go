package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/server"
	"github.com/bytedance/sonic"

	"mcp-meal-chat/internal/config"
	"mcp-meal-chat/internal/conversation"
	"mcp-meal-chat/internal/logger"
	"mcp-meal-chat/internal/reconcile"
	"mcp-meal-chat/internal/remote"
	"mcp-meal-chat/internal/scoring"
	"mcp-meal-chat/internal/session"
	"mcp-meal-chat/internal/storage"
)

const (
	serverName    = "meal-chat"
	serverVersion = "1.0.0"

	sessionSweepInterval = time.Minute
)

// MealChatServer serves the chat tools on POST / and the meal persistence
// API under /api.
type MealChatServer struct {
	server     *server.Server
	httpServer *http.Server
	storage    *storage.SQLiteStorage
	sessions   *session.Registry
	config     *config.Config
	log        *logger.Logger

	scorer    conversation.Scorer
	api       reconcile.MealAPI
	inProcess bool
}

type Option func(*MealChatServer)

// WithScorer replaces the gateway-backed scorer.
func WithScorer(s conversation.Scorer) Option {
	return func(m *MealChatServer) { m.scorer = s }
}

// WithMealAPI replaces the HTTP persistence client used by sessions.
func WithMealAPI(api reconcile.MealAPI) Option {
	return func(m *MealChatServer) { m.api = api }
}

// WithInProcessPersistence lets sessions write to this server's database
// directly instead of going through the HTTP persistence API.
func WithInProcessPersistence() Option {
	return func(m *MealChatServer) { m.inProcess = true }
}

func WithLogger(l *logger.Logger) Option {
	return func(m *MealChatServer) { m.log = l }
}

func NewMealChatServer(cfg *config.Config, opts ...Option) (*MealChatServer, error) {
	stor, err := storage.NewSQLiteStorage(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	s := &MealChatServer{
		storage: stor,
		config:  cfg,
		log:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scorer == nil {
		s.scorer = scoring.NewClient(cfg.Scoring.ProxyURL, cfg.Scoring.APIKey, cfg.Scoring.Model,
			cfg.ScoringTimeout(), scoring.WithLogger(s.log))
	}
	if s.api == nil && s.inProcess {
		s.api = stor.API()
	}
	if s.api == nil {
		s.api = remote.NewClient(cfg.PersistenceURL(),
			remote.WithTimeout(cfg.PersistenceTimeout()),
			remote.WithMaxRetries(cfg.Persistence.MaxRetries),
			remote.WithLogger(s.log))
	}

	// The MCP server only carries identity; transport is handled below.
	mcpServer, err := server.NewServer(
		nil,
		server.WithServerInfo(protocol.Implementation{
			Name:    serverName,
			Version: serverVersion,
		}),
	)
	if err != nil {
		stor.Close()
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}
	s.server = mcpServer

	s.sessions = session.NewRegistry(s.scorer, s.api, session.Options{
		Threshold:   cfg.Scoring.ConfidenceThreshold,
		Settings:    cfg.Goals,
		Logger:      s.log,
		IdleTimeout: cfg.SessionIdleTimeout(),
		MaxSessions: cfg.Sessions.MaxSessions,
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the full HTTP routing table.
func (s *MealChatServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/", s.handleHTTP)
	return mux
}

func (s *MealChatServer) handleHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request protocol.CallToolRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	handler, ok := s.tools()[request.Name]
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown tool: %s", request.Name), http.StatusNotFound)
		return
	}

	result, err := handler(r.Context(), &request)
	if err != nil {
		s.log.Warn("tool call failed", "tool", request.Name, "error", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(result); err != nil {
		s.log.Error("failed to encode response", "tool", request.Name, "error", err)
	}
}

func (s *MealChatServer) Start(ctx context.Context) error {
	s.log.Info("starting meal chat server", "addr", s.httpServer.Addr, "transport", s.config.Server.Transport)
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ExpireSessions drops idle sessions every minute until ctx is done.
func (s *MealChatServer) ExpireSessions(ctx context.Context) error {
	return s.sessions.Run(ctx, sessionSweepInterval)
}

func (s *MealChatServer) Stop(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.storage != nil {
		if cerr := s.storage.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func createJSONResponse(data interface{}) (*protocol.CallToolResult, error) {
	text, err := sonic.MarshalString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}, nil
}
