package memory

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// Ranking weights. Vector distance carries most of the signal when
// available; the fuzzy component keeps near-verbatim repeats of names and
// phrases from being drowned out by paraphrases.
const (
	vectorWeight = 0.7
	fuzzyWeight  = 0.3
)

// FuzzyScore returns the Jaro-Winkler similarity between query and text in
// [0, 1]. Multi-word inputs are compared three ways and the best score
// wins: full strings, space-stripped strings, and the best pairwise token
// match. Spoken queries often garble only one word of a stored phrase.
func FuzzyScore(query, text string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	t := strings.ToLower(strings.TrimSpace(text))
	if q == "" || t == "" {
		return 0
	}

	score := matchr.JaroWinkler(q, t, false)

	qTokens := strings.Fields(q)
	tTokens := strings.Fields(t)
	if len(qTokens) > 1 || len(tTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(tTokens, ""), false); s > score {
			score = s
		}
	}
	for _, qt := range qTokens {
		for _, tt := range tTokens {
			if s := matchr.JaroWinkler(qt, tt, false); s > score {
				score = s
			}
		}
	}
	return score
}

// RankByDistance scores candidates that carry a cosine distance in [0, 2],
// blending similarity with the fuzzy match against query, and orders them
// best first. The distances slice must parallel candidates.
func RankByDistance(query string, candidates []TranscriptEntry, distances []float64) []RecallResult {
	results := make([]RecallResult, 0, len(candidates))
	for i, c := range candidates {
		similarity := 1 - distances[i]/2
		if similarity < 0 {
			similarity = 0
		}
		score := vectorWeight*similarity + fuzzyWeight*FuzzyScore(query, c.Text)
		results = append(results, RecallResult{Entry: c, Score: score})
	}
	sortResults(results)
	return results
}

// RankFuzzy scores candidates purely by fuzzy string match, for stores
// without embeddings.
func RankFuzzy(query string, candidates []TranscriptEntry) []RecallResult {
	results := make([]RecallResult, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, RecallResult{Entry: c, Score: FuzzyScore(query, c.Text)})
	}
	sortResults(results)
	return results
}

func sortResults(results []RecallResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
