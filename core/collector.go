package core

import "sort"

// Result is one scored hit returned by Search: DocID with the number of
// query hashes it matched.
type Result struct {
	DocID uint32
	Score uint32
}

// collector implements §4.8's top-k scoring: accumulate a weight per doc id
// as the evaluator walks segments, then keep only docs scoring at least
// topScorePercent percent of the best score, sorted by score descending (ties
// broken by doc id ascending for determinism), truncated to maxResults.
type collector struct {
	scores          map[uint32]uint32
	maxResults      int
	topScorePercent int
}

func newCollector(maxResults, topScorePercent int) *collector {
	if topScorePercent > 100 {
		topScorePercent = 100
	}
	return &collector{
		scores:          make(map[uint32]uint32),
		maxResults:      maxResults,
		topScorePercent: topScorePercent,
	}
}

func (c *collector) add(docID uint32, weight uint32) {
	c.scores[docID] += weight
}

// topResults applies the relative-threshold cutoff: a doc survives only if
// its score >= ceil(best * topScorePercent / 100). max_results = 0 (or
// negative) means "return nothing", per §8 — it is not a sentinel for
// "use a default".
func (c *collector) topResults() []Result {
	if c.maxResults <= 0 || len(c.scores) == 0 {
		return nil
	}

	var best uint32
	for _, s := range c.scores {
		if s > best {
			best = s
		}
	}

	threshold := (best*uint32(c.topScorePercent) + 99) / 100
	if threshold == 0 {
		threshold = 1
	}

	out := make([]Result, 0, len(c.scores))
	for doc, score := range c.scores {
		if score >= threshold {
			out = append(out, Result{DocID: doc, Score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})

	if len(out) > c.maxResults {
		out = out[:c.maxResults]
	}
	return out
}
