package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/bytedance/sonic"

	"mcp-meal-chat/internal/conversation"
	"mcp-meal-chat/internal/models"
	"mcp-meal-chat/internal/session"
)

var errInvalidParams = errors.New("invalid parameters")

type toolHandler func(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error)

type ChatSendParams struct {
	SessionID   string                 `json:"session_id,omitempty" description:"Conversation to continue; a new one is started when empty"`
	Modality    string                 `json:"modality,omitempty" description:"text (default), voice, photo or barcode"`
	Text        string                 `json:"text,omitempty" description:"Typed meal description"`
	Transcript  string                 `json:"transcript,omitempty" description:"Voice transcript"`
	ImageBase64 string                 `json:"image_base64,omitempty" description:"Base64 encoded photo"`
	ImageURL    string                 `json:"image_url,omitempty" description:"URL of a photo"`
	MIMEType    string                 `json:"mime_type,omitempty" description:"Photo MIME type"`
	Product     *models.BarcodeProduct `json:"product,omitempty" description:"Product resolved from a scanned barcode"`
}

type ChatSelectParams struct {
	SessionID string `json:"session_id" description:"Conversation id"`
	Value     string `json:"value" description:"Value of the chosen quantity suggestion"`
}

type ChatActionParams struct {
	SessionID string `json:"session_id" description:"Conversation id"`
	Action    string `json:"action" description:"save, modify or retry"`
}

type SessionParams struct {
	SessionID string `json:"session_id" description:"Conversation id"`
}

type GetMealsParams struct {
	SessionID string `json:"session_id,omitempty" description:"Read the session's local view, including unsynced meals"`
	StartDate string `json:"start_date,omitempty" description:"Start date for meal query (YYYY-MM-DD)"`
	EndDate   string `json:"end_date,omitempty" description:"End date for meal query (YYYY-MM-DD)"`
	Limit     int    `json:"limit,omitempty" description:"Maximum number of meals to return"`
}

type DeleteMealParams struct {
	SessionID string `json:"session_id" description:"Conversation id"`
	MealID    string `json:"meal_id" description:"Meal to delete"`
}

type UseFavoriteParams struct {
	SessionID  string `json:"session_id" description:"Conversation id"`
	FavoriteID string `json:"favorite_id" description:"Favorite to log as a meal"`
}

type AddFavoriteParams struct {
	SessionID    string   `json:"session_id" description:"Conversation id"`
	Name         string   `json:"name" description:"Short name shown in the favorites list"`
	Description  string   `json:"description,omitempty" description:"Meal description"`
	ProteinGrams int      `json:"protein_g" description:"Protein in grams"`
	Calories     *int     `json:"calories,omitempty" description:"Calories in kcal"`
	Tags         []string `json:"tags,omitempty" description:"Food tags"`
}

type GetProgressParams struct {
	SessionID string `json:"session_id" description:"Conversation id"`
	Date      string `json:"date,omitempty" description:"Day to total (YYYY-MM-DD, defaults to today)"`
}

type UpdateSettingsParams struct {
	SessionID         string `json:"session_id" description:"Conversation id"`
	DailyProteinGoal  int    `json:"daily_protein_goal_g,omitempty" description:"Daily protein goal in grams"`
	DailyCaloriesGoal int    `json:"daily_calories_goal,omitempty" description:"Daily calorie goal in kcal"`
}

// ChatResponse is returned by every chat_* tool that runs the engine.
type ChatResponse struct {
	SessionID   string                     `json:"session_id"`
	State       conversation.State         `json:"state"`
	Messages    []models.ChatMessage       `json:"messages"`
	Meal        *models.MealEntry          `json:"meal,omitempty"`
	Failure     string                     `json:"failure,omitempty"`
	FailureKind string                     `json:"failure_kind,omitempty"`
	Context     models.ConversationContext `json:"context"`
}

func (s *MealChatServer) tools() map[string]toolHandler {
	return map[string]toolHandler{
		"chat_send":       s.handleChatSend,
		"chat_select":     s.handleChatSelect,
		"chat_action":     s.handleChatAction,
		"chat_transcript": s.handleChatTranscript,
		"chat_end":        s.handleChatEnd,
		"get_meals":       s.handleGetMeals,
		"delete_meal":     s.handleDeleteMealTool,
		"use_favorite":    s.handleUseFavoriteTool,
		"add_favorite":    s.handleAddFavorite,
		"get_favorites":   s.handleGetFavorites,
		"get_progress":    s.handleGetProgress,
		"update_settings": s.handleUpdateSettings,
	}
}

// extractParams converts the request arguments into target.
func extractParams(req *protocol.CallToolRequest, target interface{}) error {
	jsonBytes, err := sonic.Marshal(req.Arguments)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal arguments: %v", errInvalidParams, err)
	}
	if err := sonic.Unmarshal(jsonBytes, target); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func (s *MealChatServer) handleChatSend(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params ChatSendParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	in, err := params.input()
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.GetOrCreate(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	reply, err := sess.Engine.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(chatResponse(sess, reply))
}

func (s *MealChatServer) handleChatSelect(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params ChatSelectParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if params.Value == "" {
		return nil, fmt.Errorf("%w: value is required", errInvalidParams)
	}
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	reply, err := sess.Engine.SuggestionSelected(ctx, params.Value)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(chatResponse(sess, reply))
}

func (s *MealChatServer) handleChatAction(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params ChatActionParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	action := models.Action(params.Action)
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", errInvalidParams, params.Action)
	}
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	reply, err := sess.Engine.ActionSelected(ctx, action)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(chatResponse(sess, reply))
}

func (s *MealChatServer) handleChatTranscript(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SessionParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(ChatResponse{
		SessionID: sess.ID,
		State:     sess.Engine.State(),
		Messages:  sess.Engine.Transcript(),
		Context:   sess.Engine.Context(),
	})
}

func (s *MealChatServer) handleChatEnd(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SessionParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if !s.sessions.End(params.SessionID) {
		return nil, fmt.Errorf("session %s: %w", params.SessionID, models.ErrNotFound)
	}
	return createJSONResponse(map[string]interface{}{"session_id": params.SessionID, "ended": true})
}

// handleGetMeals reads the session's local view when a session is given and
// the database otherwise.
func (s *MealChatServer) handleGetMeals(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params GetMealsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = defaultMealLimit
	}

	if params.SessionID == "" {
		meals, err := s.storage.GetMeals(ctx, params.StartDate, params.EndDate, params.Limit)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve meals: %w", err)
		}
		return createJSONResponse(meals)
	}

	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	meals := []models.MealEntry{}
	for _, m := range sess.Store.Meals() {
		day := m.Timestamp.Format(time.DateOnly)
		if (params.StartDate != "" && day < params.StartDate) || (params.EndDate != "" && day > params.EndDate) {
			continue
		}
		meals = append(meals, m)
		if len(meals) == params.Limit {
			break
		}
	}
	return createJSONResponse(meals)
}

func (s *MealChatServer) handleDeleteMealTool(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params DeleteMealParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Reconciler.DeleteMeal(ctx, params.MealID); err != nil {
		return nil, err
	}
	return createJSONResponse(map[string]interface{}{"meal_id": params.MealID, "deleted": true})
}

func (s *MealChatServer) handleUseFavoriteTool(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UseFavoriteParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	meal, err := sess.Reconciler.UseFavorite(ctx, params.FavoriteID)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(meal)
}

func (s *MealChatServer) handleAddFavorite(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params AddFavoriteParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" && params.Description == "" {
		return nil, fmt.Errorf("%w: name or description is required", errInvalidParams)
	}
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	fav, err := sess.Reconciler.SaveFavorite(ctx, models.Favorite{
		Name:         params.Name,
		Description:  params.Description,
		ProteinGrams: params.ProteinGrams,
		Calories:     params.Calories,
		Tags:         params.Tags,
	})
	if err != nil {
		return nil, err
	}
	return createJSONResponse(fav)
}

func (s *MealChatServer) handleGetFavorites(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SessionParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(sess.Store.Favorites())
}

func (s *MealChatServer) handleGetProgress(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params GetProgressParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	day := time.Now()
	if params.Date != "" {
		if day, err = time.ParseInLocation(time.DateOnly, params.Date, time.Local); err != nil {
			return nil, fmt.Errorf("%w: invalid date: %v", errInvalidParams, err)
		}
	}
	return createJSONResponse(sess.Store.Progress(day))
}

func (s *MealChatServer) handleUpdateSettings(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params UpdateSettingsParams
	if err := extractParams(req, &params); err != nil {
		return nil, err
	}
	if params.DailyProteinGoal < 0 || params.DailyCaloriesGoal < 0 {
		return nil, fmt.Errorf("%w: goals must not be negative", errInvalidParams)
	}
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, err
	}
	return createJSONResponse(sess.Store.UpdateSettings(models.Settings{
		DailyProteinGoal:  params.DailyProteinGoal,
		DailyCaloriesGoal: params.DailyCaloriesGoal,
	}))
}

func (p ChatSendParams) input() (models.Input, error) {
	in := models.Input{
		Modality:   models.Modality(p.Modality),
		Text:       p.Text,
		Transcript: p.Transcript,
		Product:    p.Product,
	}
	if in.Modality == "" {
		in.Modality = models.ModalityText
	}
	if in.Modality == models.ModalityPhoto {
		img := &models.ImageRef{MIMEType: p.MIMEType, URL: p.ImageURL}
		if p.ImageBase64 != "" {
			data, err := base64.StdEncoding.DecodeString(p.ImageBase64)
			if err != nil {
				return models.Input{}, fmt.Errorf("%w: image_base64: %v", errInvalidParams, err)
			}
			img.Data = data
		}
		in.Image = img
	}
	return in, nil
}

func chatResponse(sess *session.Session, reply *conversation.Reply) ChatResponse {
	resp := ChatResponse{
		SessionID: sess.ID,
		State:     reply.State,
		Messages:  reply.Messages,
		Meal:      reply.Meal,
		Context:   sess.Engine.Context(),
	}
	if reply.Failure != nil {
		resp.Failure = reply.Failure.Error()
		var sf *models.ScoringFailure
		var pf *models.PersistenceFailure
		switch {
		case errors.As(reply.Failure, &sf):
			resp.FailureKind = "scoring"
		case errors.As(reply.Failure, &pf):
			resp.FailureKind = "persistence"
		}
	}
	return resp
}

// statusFor maps engine and reconciler errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		pf *models.PersistenceFailure
		se *models.StatusError
	)
	switch {
	case errors.Is(err, errInvalidParams),
		errors.Is(err, models.ErrUnknownModality),
		errors.Is(err, models.ErrNoEstimate),
		errors.Is(err, models.ErrNothingToRetry):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrBusy), errors.Is(err, models.ErrConfirmInFlight):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionLimit):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &se) && se.Status == http.StatusNotFound:
		return http.StatusNotFound
	case errors.As(err, &pf):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
