// Package scoring estimates the nutrition of a meal turn through the
// OpenRouter gateway behind the MCP proxy.
package scoring

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"

	"mcp-meal-chat/internal/logger"
	"mcp-meal-chat/internal/models"
)

// barcodeConfidence is reported for estimates computed from product data.
const barcodeConfidence = 0.95

const systemPrompt = `You are a nutrition expert helping someone log the protein and calories of what they eat.

IMPORTANT: Always respond with valid JSON in this exact format:
{
  "description": "short description of the meal including portions",
  "detected_foods": ["food1", "food2"],
  "protein_g": [number],
  "calories": [number],
  "confidence": [number between 0 and 1],
  "completeness": [number between 0 and 100],
  "suggestions": ["optional follow up question"]
}

Lower the confidence when the portion size is unclear. "chicken" with no amount is low
confidence; "150g grilled chicken breast" is high confidence. List detected foods from the
most to the least protein.`

type Client struct {
	httpClient *http.Client
	proxyURL   string
	apiKey     string
	model      string
	log        *logger.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(proxyURL, apiKey, model string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		proxyURL:   strings.TrimRight(proxyURL, "/"),
		apiKey:     apiKey,
		model:      model,
		log:        logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Estimate scores one turn. Barcode turns with complete product data are
// computed locally; everything else goes to the model.
func (c *Client) Estimate(ctx context.Context, turn models.Turn, cc models.ConversationContext) (*models.NutritionEstimate, error) {
	if bt, ok := turn.(models.BarcodeTurn); ok {
		if est := fromProduct(bt.Product); est != nil {
			return est, nil
		}
	}

	content, err := userContent(turn, cc)
	if err != nil {
		return nil, err
	}

	completionRequest := map[string]interface{}{
		"model":         c.model,
		"system_prompt": systemPrompt,
		"messages": []map[string]interface{}{
			{
				"role":    "user",
				"content": content,
			},
		},
		"max_tokens":  1000,
		"temperature": 0.1,
	}

	started := time.Now()
	gatewayResponse, err := c.callGateway(ctx, "create_completion", completionRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to get AI completion: %w", err)
	}
	c.log.Debug("completion received", "modality", turn.Modality(), "elapsed", time.Since(started))

	est, err := parseEstimate(gatewayResponse)
	if err != nil {
		return nil, err
	}
	if turn.Modality() != models.ModalityVoice {
		est.Completeness = nil
	}
	return est, nil
}

func (c *Client) callGateway(ctx context.Context, toolName string, args interface{}) (string, error) {
	url := fmt.Sprintf("%s/openrouter-gateway", c.proxyURL)

	requestData := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      toolName,
			"arguments": args,
		},
	}

	jsonData, err := sonic.Marshal(requestData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return "", fmt.Errorf("gateway error: %s", msg.String())
	}
	text := gjson.GetBytes(body, "result.content.0.text")
	if !text.Exists() {
		return "", errors.New("unexpected response format")
	}
	return text.String(), nil
}

// parseEstimate pulls the estimate JSON out of the completion text. A
// response without a usable estimate is an error, never a guess.
func parseEstimate(aiOutput string) (*models.NutritionEstimate, error) {
	content := aiOutput
	if gjson.Valid(aiOutput) {
		if inner := gjson.Get(aiOutput, "content"); inner.Type == gjson.String {
			content = inner.String()
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, errors.New("malformed estimate: no JSON object in completion")
	}

	var est models.NutritionEstimate
	if err := sonic.UnmarshalString(content[start:end+1], &est); err != nil {
		return nil, fmt.Errorf("malformed estimate: %w", err)
	}
	if len(est.DetectedFoods) == 0 && strings.TrimSpace(est.Description) == "" {
		return nil, errors.New("malformed estimate: no foods detected")
	}
	// Some models answer on a 0-100 scale.
	if est.Confidence > 1 && est.Confidence <= 100 {
		est.Confidence /= 100
	}
	return &est, nil
}

func userContent(turn models.Turn, cc models.ConversationContext) (interface{}, error) {
	preamble := contextPreamble(cc)

	switch t := turn.(type) {
	case models.TextTurn:
		return fmt.Sprintf("%sEstimate the protein and calories of this meal: %q", preamble, t.Text), nil
	case models.VoiceTurn:
		return fmt.Sprintf("%sThis is a voice transcript, so words may be missing or misheard. "+
			"Estimate the protein and calories and report how complete the description seems: %q", preamble, t.Transcript), nil
	case models.PhotoTurn:
		imageURL := t.Image.URL
		if imageURL == "" {
			mime := t.Image.MIMEType
			if mime == "" {
				mime = "image/jpeg"
			}
			imageURL = fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(t.Image.Data))
		}
		return []map[string]interface{}{
			{"type": "text", "text": preamble + "Identify the foods in this photo and estimate their protein and calories."},
			{"type": "image_url", "image_url": map[string]string{"url": imageURL}},
		}, nil
	case models.BarcodeTurn:
		p := t.Product
		return fmt.Sprintf("%sEstimate the protein and calories of one serving of this packaged product: %s %s (serving: %s, barcode %s)",
			preamble, p.Brand, p.Name, p.ServingSize, p.Barcode), nil
	default:
		return nil, fmt.Errorf("unsupported turn type %T", turn)
	}
}

func contextPreamble(cc models.ConversationContext) string {
	if !cc.PendingQuantity {
		return ""
	}
	var b strings.Builder
	b.WriteString("Earlier in this conversation the user mentioned")
	if cc.PendingDescription != "" {
		fmt.Fprintf(&b, " %q", cc.PendingDescription)
	}
	if len(cc.DetectedFoods) > 0 {
		fmt.Fprintf(&b, " (foods: %s)", strings.Join(cc.DetectedFoods, ", "))
	}
	b.WriteString(" and was asked how much they had. The message below answers that question.\n\n")
	return b.String()
}

func fromProduct(p models.BarcodeProduct) *models.NutritionEstimate {
	if p.ServingGrams <= 0 || p.ProteinPer100g <= 0 {
		return nil
	}
	name := strings.TrimSpace(p.Brand + " " + p.Name)
	if name == "" {
		name = p.Barcode
	}
	serving := p.ServingSize
	if serving == "" {
		serving = fmt.Sprintf("%.0fg", p.ServingGrams)
	}
	desc := fmt.Sprintf("%s (%s)", name, serving)

	est := &models.NutritionEstimate{
		Description:   desc,
		DetectedFoods: []string{name},
		ProteinGrams:  round1(p.ProteinPer100g * p.ServingGrams / 100),
		Confidence:    barcodeConfidence,
	}
	if p.CaloriesPer100g > 0 {
		kcal := round1(p.CaloriesPer100g * p.ServingGrams / 100)
		est.Calories = &kcal
	}
	return est
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
