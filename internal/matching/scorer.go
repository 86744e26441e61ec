package matching

import (
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Scorer rates the similarity of two names in [0,1]. It is injected into
// the detector so tests can substitute a deterministic implementation
// instead of asserting against fuzzy thresholds.
type Scorer interface {
	Score(a, b string) float64
}

// TokenSetScorer is the production scorer: a token-set comparison where
// exact token matches count fully and near-miss tokens contribute their
// Levenshtein similarity when above 0.8. Token order does not matter.
type TokenSetScorer struct{}

func (TokenSetScorer) Score(a, b string) float64 {
	tokensA := dedupe(NameTokens(a))
	tokensB := dedupe(NameTokens(b))
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	matched := 0.0
	usedB := make([]bool, len(tokensB))

	for _, ta := range tokensA {
		bestIdx, bestSim := -1, 0.0
		for j, tb := range tokensB {
			if usedB[j] {
				continue
			}
			sim := tokenSimilarity(ta, tb)
			if sim > bestSim {
				bestIdx, bestSim = j, sim
			}
		}
		if bestIdx >= 0 && bestSim >= 0.8 {
			usedB[bestIdx] = true
			matched += bestSim
		}
	}

	return 2 * matched / float64(len(tokensA)+len(tokensB))
}

func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	dist := fuzzy.LevenshteinDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
