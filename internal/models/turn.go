package models

import (
	"time"
)

type Modality string

const (
	ModalityText    Modality = "text"
	ModalityVoice   Modality = "voice"
	ModalityPhoto   Modality = "photo"
	ModalityBarcode Modality = "barcode"
)

// Turn is one normalized user contribution to a conversation. The set of
// implementations is closed: TextTurn, VoiceTurn, PhotoTurn and BarcodeTurn.
type Turn interface {
	Modality() Modality
	Timestamp() time.Time
	isTurn()
}

type TextTurn struct {
	Text string
	At   time.Time
}

type VoiceTurn struct {
	Transcript string
	At         time.Time
}

type PhotoTurn struct {
	Image ImageRef
	At    time.Time
}

type BarcodeTurn struct {
	Product BarcodeProduct
	At      time.Time
}

func (TextTurn) Modality() Modality    { return ModalityText }
func (VoiceTurn) Modality() Modality   { return ModalityVoice }
func (PhotoTurn) Modality() Modality   { return ModalityPhoto }
func (BarcodeTurn) Modality() Modality { return ModalityBarcode }

func (t TextTurn) Timestamp() time.Time    { return t.At }
func (t VoiceTurn) Timestamp() time.Time   { return t.At }
func (t PhotoTurn) Timestamp() time.Time   { return t.At }
func (t BarcodeTurn) Timestamp() time.Time { return t.At }

func (TextTurn) isTurn()    {}
func (VoiceTurn) isTurn()   {}
func (PhotoTurn) isTurn()   {}
func (BarcodeTurn) isTurn() {}

// ImageRef is an opaque reference to a captured photo. Either Data or URL is set.
type ImageRef struct {
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// BarcodeProduct is a product record already resolved from a scanned code.
type BarcodeProduct struct {
	Barcode         string  `json:"barcode"`
	Name            string  `json:"name"`
	Brand           string  `json:"brand,omitempty"`
	ServingSize     string  `json:"serving_size,omitempty"`
	ServingGrams    float64 `json:"serving_grams,omitempty"`
	ProteinPer100g  float64 `json:"protein_per_100g,omitempty"`
	CaloriesPer100g float64 `json:"calories_per_100g,omitempty"`
}

// Input is the raw shape handed over by a capture collaborator. Exactly one
// payload field is expected to match Modality.
type Input struct {
	Modality   Modality        `json:"modality"`
	Text       string          `json:"text,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Image      *ImageRef       `json:"image,omitempty"`
	Product    *BarcodeProduct `json:"product,omitempty"`
}

// TurnText returns the verbatim text carried by text and voice turns.
func TurnText(t Turn) string {
	switch v := t.(type) {
	case TextTurn:
		return v.Text
	case VoiceTurn:
		return v.Transcript
	case PhotoTurn, BarcodeTurn:
		return ""
	default:
		return ""
	}
}
