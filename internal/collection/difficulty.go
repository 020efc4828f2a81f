package collection

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Difficulty score bounds and bump thresholds.
const (
	difficultyBase = 1.0
	difficultyMax  = 5.0

	meanWordLenBump      = 6.0
	meanWordLenExtraBump = 8.0
	meanSentLenBump      = 20.0
	meanSentLenExtraBump = 30.0
)

// DifficultyScore derives a reading-difficulty score from text.
// Base 1.0; +1.0 when mean word length exceeds 6 characters (+0.5 more past
// 8); +1.0 when mean sentence length exceeds 20 words (+0.5 more past 30);
// capped at 5.0. Monotonic non-decreasing in both means.
func DifficultyScore(text string) float64 {
	score := difficultyBase

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) == 0 {
		return score
	}

	// Word length counts runes, not bytes, so accented words score like
	// their unaccented spellings.
	var letters int
	for _, w := range words {
		letters += utf8.RuneCountInString(strings.TrimFunc(w, unicode.IsPunct))
	}
	meanWord := float64(letters) / float64(len(words))
	if meanWord > meanWordLenBump {
		score += 1.0
		if meanWord > meanWordLenExtraBump {
			score += 0.5
		}
	}

	sentences := countSentences(text)
	meanSentence := float64(len(words)) / float64(sentences)
	if meanSentence > meanSentLenBump {
		score += 1.0
		if meanSentence > meanSentLenExtraBump {
			score += 0.5
		}
	}

	if score > difficultyMax {
		score = difficultyMax
	}
	return score
}

func countSentences(text string) int {
	n := 0
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}
