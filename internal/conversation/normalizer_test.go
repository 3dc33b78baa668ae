package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-meal-chat/internal/models"
)

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	img := &models.ImageRef{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8}}
	product := &models.BarcodeProduct{Barcode: "4006381333931", Name: "Skyr"}

	tests := []struct {
		name string
		in   models.Input
		want models.Turn
	}{
		{"text trimmed", models.Input{Modality: models.ModalityText, Text: "  2 eggs and toast \n"}, models.TextTurn{Text: "2 eggs and toast", At: now}},
		{"voice", models.Input{Modality: models.ModalityVoice, Transcript: " chicken "}, models.VoiceTurn{Transcript: "chicken", At: now}},
		{"voice in text field", models.Input{Modality: models.ModalityVoice, Text: "chicken"}, models.VoiceTurn{Transcript: "chicken", At: now}},
		{"photo", models.Input{Modality: models.ModalityPhoto, Image: img}, models.PhotoTurn{Image: *img, At: now}},
		{"photo url", models.Input{Modality: models.ModalityPhoto, Image: &models.ImageRef{URL: "https://example.com/a.jpg"}},
			models.PhotoTurn{Image: models.ImageRef{URL: "https://example.com/a.jpg"}, At: now}},
		{"barcode", models.Input{Modality: models.ModalityBarcode, Product: product}, models.BarcodeTurn{Product: *product, At: now}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in.Modality, got.Modality())
			assert.Equal(t, now, got.Timestamp())
		})
	}
}

func TestNormalize_EmptyInput(t *testing.T) {
	for _, in := range []models.Input{
		{Modality: models.ModalityText, Text: "   "},
		{Modality: models.ModalityVoice},
		{Modality: models.ModalityPhoto},
		{Modality: models.ModalityPhoto, Image: &models.ImageRef{MIMEType: "image/png"}},
		{Modality: models.ModalityBarcode},
		{Modality: models.ModalityBarcode, Product: &models.BarcodeProduct{Barcode: " "}},
	} {
		_, err := Normalize(in, time.Now())
		assert.ErrorIs(t, err, models.ErrEmptyInput, "input %+v", in)
	}
}

func TestNormalize_UnknownModality(t *testing.T) {
	_, err := Normalize(models.Input{Modality: "smell", Text: "x"}, time.Now())
	assert.ErrorIs(t, err, models.ErrUnknownModality)
}
