package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"docvault/internal/passage"
)

func TestHeuristicScore(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		passage passage.Passage
		want    float64
	}{
		{
			name:    "verbatim phrase",
			query:   "Refund Policy",
			passage: passage.Passage{Text: "Our refund policy is simple."},
			want:    0.8,
		},
		{
			name:    "partial word overlap",
			query:   "refund window",
			passage: passage.Passage{Text: "Refunds are processed weekly."},
			want:    0.15,
		},
		{
			name:    "shared question",
			query:   "how long?",
			passage: passage.Passage{Text: "How long is it? Ten days."},
			want:    0.25,
		},
		{
			name:    "shared digits",
			query:   "30 days",
			passage: passage.Passage{Text: "Returns are accepted within 30 days."},
			want:    0.9,
		},
		{
			name:    "substantial passage",
			query:   "x",
			passage: passage.Passage{Text: strings.Repeat("lorem ", 60)},
			want:    0.1,
		},
		{
			name:    "capped at one",
			query:   "Is 42 the answer?",
			passage: passage.Passage{Text: strings.Repeat("is 42 the answer? ", 15)},
			want:    1.0,
		},
		{
			name:    "stored signals win",
			query:   "y",
			passage: passage.Passage{Text: "x", Signals: &passage.Signals{WordCount: 120}},
			want:    0.1,
		},
		{
			name:    "no overlap",
			query:   "shipping",
			passage: passage.Passage{Text: "Refunds take a week."},
			want:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, HeuristicScore(tt.query, tt.passage), 1e-9)
		})
	}
}

func TestCombinedScore(t *testing.T) {
	assert.InDelta(t, 0.7*0.8+0.3*0.5, CombinedScore(0.8, 0.5), 1e-9)
	assert.InDelta(t, 1.0, CombinedScore(1, 1), 1e-9)
	assert.InDelta(t, 0.0, CombinedScore(0, 0), 1e-9)
}
