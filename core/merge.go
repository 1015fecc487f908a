package core

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"go.uber.org/multierr"
)

// mergeSource is one input segment to a merge, paired with the descriptor
// naming its current deleted set. A posting is live iff its doc id is not
// marked deleted in its own segment's descriptor — invariant 1 (§3) is that
// a superseded doc id is always recorded against its owning segment
// regardless of whether the superseding write landed inside or outside the
// merge set, so this single check is equivalent to the two-part liveness
// rule the literal wording describes.
type mergeSource struct {
	seg *segment
	sd  *segmentDescriptor
}

// postingCursor walks one source segment's posting stream for the heap,
// skipping dead entries as it advances.
type postingCursor struct {
	src      *mergeSource
	postings []Posting
	pos      int
}

func newPostingCursor(src *mergeSource) *postingCursor {
	return &postingCursor{src: src, postings: src.seg.allPostings()}
}

// advance moves past dead entries and reports whether a live one remains.
func (c *postingCursor) advance() bool {
	for c.pos < len(c.postings) {
		p := c.postings[c.pos]
		if !c.src.sd.Deleted.Contains(p.DocID) {
			return true
		}
		c.pos++
	}
	return false
}

func (c *postingCursor) peek() Posting { return c.postings[c.pos] }

type cursorHeap []*postingCursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	pi, pj := h[i].peek(), h[j].peek()
	if pi.Hash != pj.Hash {
		return pi.Hash < pj.Hash
	}
	if pi.DocID != pj.DocID {
		return pi.DocID < pj.DocID
	}
	return h[i].src.sd.SegmentID > h[j].src.sd.SegmentID
}
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)        { *h = append(*h, x.(*postingCursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeSegments streams a k-way merge of sources in ascending (hash, doc_id)
// order via a container/heap priority queue, the same pattern
// google-codesearch's index merge uses over its own posting iterators
// (there is no merge/heap library anywhere in the pack, so this stage is
// stdlib by necessity — see DESIGN.md). It returns the merged, deduplicated
// posting list plus the distinct doc count, ready for encodeSegment.
func mergeSegments(sources []*mergeSource) ([]Posting, uint32) {
	h := make(cursorHeap, 0, len(sources))
	for _, src := range sources {
		c := newPostingCursor(src)
		if c.advance() {
			h = append(h, c)
		}
	}
	heap.Init(&h)

	var out []Posting
	var lastHash, lastDoc uint32
	hasLast := false
	docSeen := make(map[uint32]struct{})

	for h.Len() > 0 {
		c := h[0]
		p := c.peek()

		if !hasLast || p.Hash != lastHash || p.DocID != lastDoc {
			out = append(out, p)
			docSeen[p.DocID] = struct{}{}
			lastHash, lastDoc, hasLast = p.Hash, p.DocID, true
		}

		c.pos++
		if c.advance() {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	return out, uint32(len(docSeen))
}

// mergeTiers groups the manifest's segments into size-ratio levels
// (geometric levelling): segments are sorted by on-disk size ascending and a
// tier collects every following segment whose size is at most ratio times
// the tier's smallest member. Only tiers holding at least fanIn segments are
// returned, each ordered by size ascending.
func mergeTiers(dir string, m *manifest, ratio float64, fanIn int) ([][]*segmentDescriptor, error) {
	type sized struct {
		sd   *segmentDescriptor
		size int64
	}
	sizes := make([]sized, 0, len(m.Segments))
	for _, sd := range m.Segments {
		fi, err := os.Stat(segmentPath(dir, sd.SegmentID))
		if err != nil {
			return nil, newIndexError(KindIOError, "mergeTiers", err)
		}
		sizes = append(sizes, sized{sd: sd, size: fi.Size()})
	}

	sort.Slice(sizes, func(i, j int) bool { return sizes[i].size < sizes[j].size })

	var tiers [][]*segmentDescriptor
	var current []*segmentDescriptor
	var currentMin int64

	for _, s := range sizes {
		if len(current) == 0 {
			current = append(current, s.sd)
			currentMin = s.size
			continue
		}
		if currentMin == 0 || float64(s.size) <= float64(currentMin)*ratio {
			current = append(current, s.sd)
			continue
		}
		tiers = append(tiers, current)
		current = []*segmentDescriptor{s.sd}
		currentMin = s.size
	}
	if len(current) > 0 {
		tiers = append(tiers, current)
	}

	var ready [][]*segmentDescriptor
	for _, tier := range tiers {
		if len(tier) >= fanIn {
			ready = append(ready, tier)
		}
	}
	return ready, nil
}

// tryAcquireWriter grabs the same single-writer gate BeginSession uses, so
// a background merge and a foreground Commit never overlap. It returns
// false if a writer is already active.
func (idx *Index) tryAcquireWriter() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.writerOpen {
		return false
	}
	idx.writerOpen = true
	return true
}

func (idx *Index) releaseWriter() {
	idx.mu.Lock()
	idx.writerOpen = false
	idx.mu.Unlock()
}

// maybeMerge runs one round of geometric-levelling merge policy (§4.5):
// find the first size tier with at least mergeFanIn segments, merge it into
// a single new segment, and commit the result. Called after every Commit;
// a no-op if no tier currently qualifies or another writer is active.
func (idx *Index) maybeMerge() {
	if !idx.tryAcquireWriter() {
		return
	}
	defer idx.releaseWriter()

	if err := idx.runOneMerge(idx.cfg.mergeRatio, idx.cfg.mergeFanIn); err != nil {
		idx.reportMergeError(err)
	}
}

// Optimize forces a single merge of every currently live segment into one,
// regardless of the size-tier policy (§4.5's "optimize" operation).
func (idx *Index) Optimize() error {
	if !idx.tryAcquireWriter() {
		return newIndexError(KindAlreadyInTransaction, "Optimize", nil)
	}
	defer idx.releaseWriter()

	current := idx.manifest.Load()
	if len(current.Segments) < 2 {
		return nil
	}
	return idx.runOneMerge(1e18, 2)
}

func (idx *Index) runOneMerge(ratio float64, fanIn int) error {
	current := idx.manifest.Load()
	tiers, err := mergeTiers(idx.dir, current, ratio, fanIn)
	if err != nil {
		return err
	}
	if len(tiers) == 0 {
		return nil
	}
	tier := tiers[0]
	if len(tier) > len(current.Segments) {
		tier = current.Segments
	}

	merging := make(map[uint64]bool, len(tier))
	sources := make([]*mergeSource, 0, len(tier))
	for _, sd := range tier {
		seg, ok := idx.peekSegment(sd.SegmentID)
		if !ok {
			return newIndexError(KindIOError, "runOneMerge", fmt.Errorf("segment %d not open", sd.SegmentID))
		}
		sources = append(sources, &mergeSource{seg: seg, sd: sd})
		merging[sd.SegmentID] = true
	}

	postings, docCount := mergeSegments(sources)

	next := current.clone()
	next.Generation = current.Generation + 1
	newID := next.NextSegmentID
	next.NextSegmentID++

	var minHash, maxHash uint32
	if len(postings) > 0 {
		minHash, maxHash = postings[0].Hash, postings[len(postings)-1].Hash
	}

	if _, err := writeSegmentFile(idx.dir, newID, postings, docCount, idx.cfg.blockSize, idx.cfg.fsync); err != nil {
		return err
	}

	kept := next.Segments[:0]
	for _, sd := range next.Segments {
		if !merging[sd.SegmentID] {
			kept = append(kept, sd)
		}
	}
	kept = append(kept, &segmentDescriptor{
		SegmentID:    newID,
		DocCount:     docCount,
		PostingCount: uint32(len(postings)),
		MinHash:      minHash,
		MaxHash:      maxHash,
		Deleted:      roaring.New(),
	})
	next.Segments = kept

	if _, err := idx.acquireSegment(newID); err != nil {
		return err
	}

	if err := commitManifest(idx.dir, next, idx.cfg.fsync); err != nil {
		return err
	}
	idx.manifest.Store(next)

	for id := range merging {
		idx.releaseSegment(id)
	}

	idx.log.Infow("merged segments", "into", newID, "count", len(tier), "docs", docCount)
	return nil
}

// Cleanup unlinks any segment_*.dat file on disk that the published
// manifest no longer references and that is not currently held open by a
// snapshot, plus any leftover .tmp files from an interrupted write.
// Adapted from Epokhe-bitdb's Merge cleanup pass; like that pass, every
// removal is attempted even if an earlier one fails, and the failures are
// aggregated with go.uber.org/multierr instead of stopping at the first.
func (idx *Index) Cleanup() error {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		return newIndexError(KindIOError, "Cleanup", err)
	}

	live := make(map[uint64]bool)
	for _, sd := range idx.manifest.Load().Segments {
		live[sd.SegmentID] = true
	}

	idx.mu.Lock()
	open := make(map[uint64]bool, len(idx.segments))
	for id := range idx.segments {
		open[id] = true
	}
	idx.mu.Unlock()

	var errs error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if len(name) > 4 && name[len(name)-4:] == ".tmp" {
			if err := os.Remove(filepath.Join(idx.dir, name)); err != nil {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name, "segment_%020d.dat", &id); err != nil {
			continue
		}
		if !live[id] && !open[id] {
			if err := os.Remove(filepath.Join(idx.dir, name)); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	if errs != nil {
		return newIndexError(KindIOError, "Cleanup", errs)
	}
	return nil
}
