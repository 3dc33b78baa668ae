package conversation

import (
	"fmt"
	"strings"
	"time"

	"mcp-meal-chat/internal/models"
)

// Normalize converts a capture payload into a Turn. Text and voice are
// trimmed; photos and barcode products are carried as-is. No I/O happens here.
func Normalize(in models.Input, now time.Time) (models.Turn, error) {
	switch in.Modality {
	case models.ModalityText:
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return nil, models.ErrEmptyInput
		}
		return models.TextTurn{Text: text, At: now}, nil
	case models.ModalityVoice:
		transcript := strings.TrimSpace(in.Transcript)
		if transcript == "" {
			// Some capture layers put the transcript in Text.
			transcript = strings.TrimSpace(in.Text)
		}
		if transcript == "" {
			return nil, models.ErrEmptyInput
		}
		return models.VoiceTurn{Transcript: transcript, At: now}, nil
	case models.ModalityPhoto:
		if in.Image == nil || (len(in.Image.Data) == 0 && in.Image.URL == "") {
			return nil, models.ErrEmptyInput
		}
		return models.PhotoTurn{Image: *in.Image, At: now}, nil
	case models.ModalityBarcode:
		if in.Product == nil || (strings.TrimSpace(in.Product.Barcode) == "" && strings.TrimSpace(in.Product.Name) == "") {
			return nil, models.ErrEmptyInput
		}
		return models.BarcodeTurn{Product: *in.Product, At: now}, nil
	default:
		return nil, fmt.Errorf("%w %q", models.ErrUnknownModality, in.Modality)
	}
}
