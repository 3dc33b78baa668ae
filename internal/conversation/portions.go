package conversation

import (
	"regexp"
	"sort"
	"strings"

	"mcp-meal-chat/internal/models"
)

var (
	wordRe  = regexp.MustCompile(`[a-z0-9/.]+`)
	digitRe = regexp.MustCompile(`[0-9]`)

	quantityWords = map[string]bool{
		"one": true, "two": true, "three": true, "four": true, "five": true,
		"six": true, "seven": true, "eight": true, "nine": true, "ten": true,
		"dozen": true, "half": true, "couple": true, "few": true, "several": true,
		"single": true, "double": true, "triple": true,
	}

	unitWords = map[string]bool{
		"g": true, "gram": true, "grams": true, "kg": true, "oz": true, "ounce": true, "ounces": true,
		"lb": true, "lbs": true, "pound": true, "pounds": true, "ml": true, "l": true, "liter": true, "liters": true,
		"cup": true, "cups": true, "tbsp": true, "tsp": true, "tablespoon": true, "tablespoons": true,
		"teaspoon": true, "teaspoons": true, "slice": true, "slices": true, "piece": true, "pieces": true,
		"serving": true, "servings": true, "bowl": true, "bowls": true, "plate": true, "plates": true,
		"glass": true, "glasses": true, "scoop": true, "scoops": true, "cans": true,
		"bottle": true, "bottles": true, "handful": true, "portion": true, "portions": true,
		"small": true, "medium": true, "large": true,
	}
)

// hasQuantity reports whether text names an amount: a number, a number word
// or a unit/portion word.
func hasQuantity(text string) bool {
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if digitRe.MatchString(w) || quantityWords[w] || unitWords[w] {
			return true
		}
	}
	return false
}

// turnIsQuantified reports whether the portion is already fixed by the turn
// or by the scorer's description.
func turnIsQuantified(turn models.Turn, est *models.NutritionEstimate) bool {
	switch t := turn.(type) {
	case models.BarcodeTurn, models.PhotoTurn:
		return true
	case models.TextTurn:
		return hasQuantity(t.Text) || hasQuantity(est.Description)
	case models.VoiceTurn:
		return hasQuantity(t.Transcript) || hasQuantity(est.Description)
	default:
		return false
	}
}

type portionRule struct {
	keywords []string
	options  []models.QuantitySuggestion
}

var portionRules = []portionRule{
	{
		keywords: []string{"egg"},
		options: []models.QuantitySuggestion{
			{Label: "1 egg", Value: "1 egg", Weight: 2},
			{Label: "2 eggs", Value: "2 eggs", Weight: 1, Default: true},
			{Label: "3 eggs", Value: "3 eggs", Weight: 3},
		},
	},
	{
		keywords: []string{"steak", "beef"},
		options: []models.QuantitySuggestion{
			{Label: "Small steak (150g)", Value: "150g", Weight: 2},
			{Label: "Medium steak (225g)", Value: "225g", Weight: 1, Default: true},
			{Label: "Large steak (340g)", Value: "340g", Weight: 3},
		},
	},
	{
		keywords: []string{"rice", "pasta", "oat", "quinoa", "noodle"},
		options: []models.QuantitySuggestion{
			{Label: "Half cup (90g)", Value: "90g", Weight: 2},
			{Label: "1 cup (180g)", Value: "180g", Weight: 1, Default: true},
			{Label: "2 cups (360g)", Value: "360g", Weight: 3},
		},
	},
	{
		keywords: []string{"milk", "shake", "smoothie"},
		options: []models.QuantitySuggestion{
			{Label: "1 cup (240ml)", Value: "240ml", Weight: 1, Default: true},
			{Label: "Large glass (350ml)", Value: "350ml", Weight: 2},
		},
	},
	{
		keywords: []string{"bread", "toast"},
		options: []models.QuantitySuggestion{
			{Label: "1 slice", Value: "1 slice", Weight: 1, Default: true},
			{Label: "2 slices", Value: "2 slices", Weight: 2},
		},
	},
	{
		keywords: []string{"yogurt", "yoghurt", "skyr"},
		options: []models.QuantitySuggestion{
			{Label: "Single cup (150g)", Value: "150g", Weight: 1, Default: true},
			{Label: "Large bowl (250g)", Value: "250g", Weight: 2},
		},
	},
}

var genericPortions = []models.QuantitySuggestion{
	{Label: "Small portion (100g)", Value: "100g", Weight: 1, Default: true},
	{Label: "Large portion (200g)", Value: "200g", Weight: 2},
}

// PortionHeuristic proposes portion choices for a food.
type PortionHeuristic func(food string) []models.QuantitySuggestion

// CommonPortions matches the food against known portion tables and falls back
// to a small/large split.
func CommonPortions(food string) []models.QuantitySuggestion {
	food = strings.ToLower(food)
	for _, rule := range portionRules {
		for _, kw := range rule.keywords {
			if strings.Contains(food, kw) {
				return append([]models.QuantitySuggestion(nil), rule.options...)
			}
		}
	}
	return append([]models.QuantitySuggestion(nil), genericPortions...)
}

// OrderSuggestions puts the default entry first and stable-sorts the rest by
// weight. Exactly one entry carries Default afterwards.
func OrderSuggestions(in []models.QuantitySuggestion) []models.QuantitySuggestion {
	if len(in) == 0 {
		return nil
	}
	out := append([]models.QuantitySuggestion(nil), in...)

	def := -1
	for i := range out {
		if out[i].Default && def < 0 {
			def = i
			continue
		}
		out[i].Default = false
	}

	var head models.QuantitySuggestion
	rest := make([]models.QuantitySuggestion, 0, len(out))
	for i, s := range out {
		if i == def {
			head = s
			continue
		}
		rest = append(rest, s)
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Weight < rest[j].Weight })

	if def < 0 {
		rest[0].Default = true
		return rest
	}
	return append([]models.QuantitySuggestion{head}, rest...)
}
