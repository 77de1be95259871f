package scoring

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Scoring versions selectable through the rollout config. The version is
// resolved once per execution, at start time.
const (
	VersionV1 = "v1"
	VersionV2 = "v2"
)

// Result is the structured view of one raw provider answer for one brand.
type Result struct {
	Brand          string   `json:"brand"`
	Mentioned      bool     `json:"mentioned"`
	Rank           int      `json:"rank"` // 1-based mention order; 0 when absent
	Sentiment      float64  `json:"sentiment"`
	SentimentLabel string   `json:"sentiment_label"`
	Citations      []string `json:"citations,omitempty"`
	Excerpt        string   `json:"excerpt,omitempty"`
	ScoringVersion string   `json:"scoring_version"`
}

// Scorer turns a raw provider answer into a structured result. The engine
// treats it as an opaque collaborator; alternative implementations can be
// swapped in without touching the dispatcher.
type Scorer interface {
	Score(ctx context.Context, brand, answer string) (Result, error)
	Version() string
}

// ForVersion returns the scorer implementing a resolved scoring version.
func ForVersion(version string) Scorer {
	if version == VersionV2 {
		return &WeightedScorer{}
	}
	return &KeywordScorer{}
}

var citationRe = regexp.MustCompile(`https?://[^\s)\]">]+`)

var positiveWords = []string{
	"best", "excellent", "reliable", "recommend", "leading", "popular",
	"trusted", "great", "innovative", "top", "strong", "favorite",
}

var negativeWords = []string{
	"worst", "avoid", "unreliable", "poor", "expensive", "overpriced",
	"outdated", "weak", "complaint", "problem", "lawsuit", "recall",
}

// KeywordScorer is the v1 collaborator: mention order for rank, a lexicon
// count for sentiment, regex extraction for citations.
type KeywordScorer struct{}

func (s *KeywordScorer) Version() string { return VersionV1 }

func (s *KeywordScorer) Score(ctx context.Context, brand, answer string) (Result, error) {
	res := Result{Brand: brand, ScoringVersion: VersionV1}
	lower := strings.ToLower(answer)
	brandLower := strings.ToLower(brand)

	idx := strings.Index(lower, brandLower)
	if idx < 0 {
		res.SentimentLabel = "neutral"
		return res, nil
	}
	res.Mentioned = true
	res.Rank = mentionRank(lower, brandLower, idx)
	res.Excerpt = excerptAround(answer, idx, len(brand))
	res.Citations = citationRe.FindAllString(answer, -1)

	score := 0
	window := sentimentWindow(lower, idx, len(brandLower))
	for _, w := range positiveWords {
		score += strings.Count(window, w)
	}
	for _, w := range negativeWords {
		score -= strings.Count(window, w)
	}
	res.Sentiment = clamp(float64(score) / 3.0)
	res.SentimentLabel = label(res.Sentiment)
	return res, nil
}

// WeightedScorer is the v2 collaborator: same signals as v1, but sentiment
// weights words by proximity to the brand mention and rank discounts
// mentions inside negative context.
type WeightedScorer struct{}

func (s *WeightedScorer) Version() string { return VersionV2 }

func (s *WeightedScorer) Score(ctx context.Context, brand, answer string) (Result, error) {
	base := &KeywordScorer{}
	res, err := base.Score(ctx, brand, answer)
	if err != nil {
		return res, err
	}
	res.ScoringVersion = VersionV2
	if !res.Mentioned {
		return res, nil
	}

	lower := strings.ToLower(answer)
	idx := strings.Index(lower, strings.ToLower(brand))
	var weighted float64
	for _, w := range positiveWords {
		weighted += proximityWeight(lower, w, idx)
	}
	for _, w := range negativeWords {
		weighted -= proximityWeight(lower, w, idx)
	}
	res.Sentiment = clamp(weighted)
	res.SentimentLabel = label(res.Sentiment)
	if res.Sentiment < -0.5 && res.Rank > 0 {
		res.Rank++ // a hostile mention is not a real recommendation slot
	}
	return res, nil
}

// mentionRank counts how many earlier capitalized-brand-looking tokens
// precede this mention, approximating "position in the recommendation list".
func mentionRank(lower, brand string, idx int) int {
	prefix := lower[:idx]
	// list markers are the strongest ordering signal in LLM answers
	rank := 1
	for _, marker := range []string{"\n1.", "\n2.", "\n3.", "\n4.", "\n5.", "\n- "} {
		if strings.Contains(prefix, marker) {
			rank++
		}
	}
	return rank
}

func sentimentWindow(lower string, idx, brandLen int) string {
	start := idx - 200
	if start < 0 {
		start = 0
	}
	end := idx + brandLen + 200
	if end > len(lower) {
		end = len(lower)
	}
	return lower[start:end]
}

func proximityWeight(lower, word string, brandIdx int) float64 {
	var total float64
	offset := 0
	for {
		i := strings.Index(lower[offset:], word)
		if i < 0 {
			break
		}
		pos := offset + i
		dist := pos - brandIdx
		if dist < 0 {
			dist = -dist
		}
		if dist < 400 {
			total += 1.0 - float64(dist)/400.0
		}
		offset = pos + len(word)
	}
	return total / 3.0
}

func excerptAround(answer string, idx, length int) string {
	start := idx - 80
	if start < 0 {
		start = 0
	}
	end := idx + length + 80
	if end > len(answer) {
		end = len(answer)
	}
	return strings.TrimSpace(answer[start:end])
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func label(v float64) string {
	switch {
	case v > 0.2:
		return "positive"
	case v < -0.2:
		return "negative"
	default:
		return "neutral"
	}
}

// SortByRank orders results for presentation: mentioned brands by rank, then
// unmentioned ones.
func SortByRank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Mentioned != results[j].Mentioned {
			return results[i].Mentioned
		}
		return results[i].Rank < results[j].Rank
	})
}
