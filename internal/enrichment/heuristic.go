package enrichment

import (
	"context"
	"strings"
	"unicode"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

// HeuristicModel is a lexicon-based Enricher used when no external NLP
// service is configured. Entities are capitalized tokens away from
// sentence starts; sentiment is the normalized balance of a small
// Spanish polarity lexicon.
type HeuristicModel struct{}

// NewHeuristicModel constructs a HeuristicModel.
func NewHeuristicModel() *HeuristicModel {
	return &HeuristicModel{}
}

var positiveWords = map[string]bool{
	"crecimiento":  true,
	"mejora":       true,
	"acuerdo":      true,
	"avance":       true,
	"aumento":      true,
	"exito":        true,
	"beneficio":    true,
	"recuperacion": true,
}

var negativeWords = map[string]bool{
	"crisis":     true,
	"caida":      true,
	"violencia":  true,
	"desempleo":  true,
	"corrupcion": true,
	"inflacion":  true,
	"deficit":    true,
	"conflicto":  true,
}

// EnrichBatch scores each text independently. It never fails.
func (m *HeuristicModel) EnrichBatch(_ context.Context, texts []string) ([]collection.EnrichmentResult, error) {
	results := make([]collection.EnrichmentResult, len(texts))
	for i, text := range texts {
		results[i] = collection.EnrichmentResult{
			Entities:  extractEntities(text),
			Sentiment: scoreSentiment(text),
		}
	}
	return results, nil
}

func extractEntities(text string) []string {
	var entities []string
	seen := make(map[string]bool)
	sentenceStart := true
	for _, token := range strings.Fields(text) {
		word := strings.TrimFunc(token, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		endsSentence := strings.ContainsAny(token, ".!?")
		if word == "" {
			sentenceStart = sentenceStart || endsSentence
			continue
		}
		runes := []rune(word)
		if !sentenceStart && unicode.IsUpper(runes[0]) && len(runes) > 1 && !seen[word] {
			seen[word] = true
			entities = append(entities, word)
		}
		sentenceStart = endsSentence
	}
	return entities
}

func scoreSentiment(text string) float64 {
	var positive, negative int
	for _, token := range strings.Fields(strings.ToLower(text)) {
		word := strings.TrimFunc(token, func(r rune) bool {
			return !unicode.IsLetter(r)
		})
		switch {
		case positiveWords[word]:
			positive++
		case negativeWords[word]:
			negative++
		}
	}
	total := positive + negative
	if total == 0 {
		return 0
	}
	return float64(positive-negative) / float64(total)
}
