package core

import "strconv"

// recognised session-local attribute names (§6) and their defaults, used
// when a caller searches without specifying explicit parameters.
const (
	attrMaxResults      = "max_results"
	attrTopScorePercent = "top_score_percent"

	defaultMaxResults      = 500
	defaultTopScorePercent = 10
)

// evaluateQuery implements §4.7/§4.8: for each distinct query hash, walk
// every live segment in the snapshot (already ordered newest-first by
// snapshot()) and feed every matching, non-deleted doc id into col with
// weight 1. Hash multiplicity within a single document collapses to a
// single presence match rather than an additive score — see DESIGN.md's
// Open Question decision.
func evaluateQuery(snap *Snapshot, hashes []uint32, col *collector) {
	unique := dedupUint32(hashes)

	for _, hash := range unique {
		seen := make(map[uint32]struct{})
		for i, seg := range snap.segments {
			sd := snap.m.Segments[len(snap.m.Segments)-1-i]
			docs := seg.postingsFor(hash, deletedFunc(sd))
			for _, doc := range docs {
				if _, ok := seen[doc]; ok {
					continue
				}
				seen[doc] = struct{}{}
				col.add(doc, 1)
			}
		}
	}
}

func dedupUint32(in []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(in))
	out := make([]uint32, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// SearchWithParams runs a query against the index's current published
// snapshot with caller-supplied maxResults/topScorePercent, returning the
// top-scoring documents per §4.8. Both are taken literally: maxResults <= 0
// means no results, topScorePercent = 0 means every doc with a non-zero
// score survives the cutoff.
func (idx *Index) SearchWithParams(hashes []uint32, maxResults, topScorePercent int) ([]Result, error) {
	snap, err := idx.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.release()

	col := newCollector(maxResults, topScorePercent)
	evaluateQuery(snap, hashes, col)
	return col.topResults(), nil
}

// searchParams reads the recognised max_results/top_score_percent
// attributes off the published manifest, falling back to §6's defaults
// (500, 10) for whichever is unset or unparsable.
func (idx *Index) searchParams() (maxResults, topScorePercent int) {
	maxResults, topScorePercent = defaultMaxResults, defaultTopScorePercent
	if v, ok := idx.GetAttribute(attrMaxResults); ok {
		if n, err := strconv.Atoi(v); err == nil {
			maxResults = n
		}
	}
	if v, ok := idx.GetAttribute(attrTopScorePercent); ok {
		if n, err := strconv.Atoi(v); err == nil {
			topScorePercent = n
		}
	}
	return maxResults, topScorePercent
}

// Search runs a query using the recognised max_results/top_score_percent
// attributes currently set on the index (§6's defaults of 500/10 apply
// until a Session writes different values via SetAttribute).
func (idx *Index) Search(hashes []uint32) ([]Result, error) {
	maxResults, topScorePercent := idx.searchParams()
	return idx.SearchWithParams(hashes, maxResults, topScorePercent)
}
