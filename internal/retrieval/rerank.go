package retrieval

import (
	"strings"

	"docvault/internal/passage"
	"docvault/internal/text"
)

const (
	similarityWeight = 0.7
	heuristicWeight  = 0.3
	// substantialWords is the word count above which a passage earns the
	// length bonus.
	substantialWords = 50
)

// HeuristicScore rates how well a passage matches the query on surface
// features alone. The result is in [0, 1].
func HeuristicScore(query string, p passage.Passage) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	body := strings.ToLower(p.Text)

	signals := text.DetectSignals(p.Text)
	if p.Signals != nil {
		signals = *p.Signals
	}
	querySignals := text.DetectSignals(query)

	score := 0.0
	if q != "" && strings.Contains(body, q) {
		score += 0.5
	}

	if queryWords := strings.Fields(q); len(queryWords) > 0 {
		passageWords := strings.Fields(body)
		matched := 0
		for _, qw := range queryWords {
			for _, pw := range passageWords {
				if strings.Contains(pw, qw) {
					matched++
					break
				}
			}
		}
		score += 0.3 * float64(matched) / float64(len(queryWords))
	}

	if querySignals.HasQuestion && signals.HasQuestion {
		score += 0.1
	}
	if querySignals.HasDigits && signals.HasDigits {
		score += 0.1
	}
	if signals.WordCount > substantialWords {
		score += 0.1
	}
	return min(score, 1.0)
}

// CombinedScore blends vector similarity with the heuristic score.
func CombinedScore(similarity, heuristic float64) float64 {
	return similarityWeight*similarity + heuristicWeight*heuristic
}
