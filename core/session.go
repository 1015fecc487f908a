package core

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring"
)

// Session is the single writer transaction §5 describes: BeginSession is
// the only way a caller opens a transaction (there is no separate begin()
// call), and the returned Session holds the writer role until Commit or
// Rollback ends it. Background merges and Optimize take the same writer
// gate. A second BeginSession while the gate is held fails immediately with
// ErrAlreadyInTransaction.
type Session struct {
	idx    *Index
	buffer map[uint32][]uint32 // doc_id -> hashes, in insertion order, duplicates preserved
	attrs  map[string]string   // pending attribute writes
	done   bool
}

// BeginSession acquires the single writer slot for idx. Callers must end
// the returned Session with Commit or Rollback before another BeginSession
// can succeed.
func (idx *Index) BeginSession() (*Session, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.writerOpen {
		return nil, newIndexError(KindAlreadyInTransaction, "BeginSession", nil)
	}
	idx.writerOpen = true
	return &Session{idx: idx, buffer: make(map[uint32][]uint32), attrs: make(map[string]string)}, nil
}

func (s *Session) checkOpen(op string) error {
	if s.done {
		return newIndexError(KindNotInTransaction, op, nil)
	}
	return nil
}

// Insert appends hashes to docID's buffered posting list. Per §4.6 hashes
// are stored as a sequence, not a set: a repeated hash within the same
// document is preserved and contributes its own posting at Commit. It is
// only visible to other sessions after Commit.
func (s *Session) Insert(docID uint32, hashes []uint32) error {
	if err := s.checkOpen("Insert"); err != nil {
		return err
	}
	s.buffer[docID] = append(s.buffer[docID], hashes...)
	return nil
}

// SetAttribute stages an attribute write, applied to the manifest on
// Commit. Recognised names (max_results, top_score_percent) get validated
// against §6's typed ranges before the write is staged; anything else
// passes through as an opaque string. Reading a committed attribute does
// not require a Session — see Index.GetAttribute.
func (s *Session) SetAttribute(name, value string) error {
	if err := s.checkOpen("SetAttribute"); err != nil {
		return err
	}
	if name == "" {
		return newIndexError(KindInvalidAttribute, "SetAttribute", fmt.Errorf("empty attribute name"))
	}
	if err := validateRecognisedAttribute(name, value); err != nil {
		return newIndexError(KindInvalidAttribute, "SetAttribute", err)
	}
	s.attrs[name] = value
	return nil
}

// validateRecognisedAttribute enforces §6/§7's typed ranges for the
// session-local attributes search consults: top_score_percent must be an
// integer in [0, 100], max_results must be a non-negative integer. Any
// other attribute name is unrecognised and passes through unchecked.
func validateRecognisedAttribute(name, value string) error {
	switch name {
	case attrMaxResults:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_results must be an integer: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("max_results must be non-negative, got %d", n)
		}
	case attrTopScorePercent:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("top_score_percent must be an integer: %w", err)
		}
		if n < 0 || n > 100 {
			return fmt.Errorf("top_score_percent must be in [0, 100], got %d", n)
		}
	}
	return nil
}

// GetAttribute reads the index's persisted attribute map as of the
// published manifest at the time of the call; it never requires a Session
// since it does not mutate state.
func (idx *Index) GetAttribute(name string) (string, bool) {
	v, ok := idx.manifest.Load().Attributes[name]
	return v, ok
}

// Rollback discards every buffered insert and attribute write and releases
// the writer slot. The published manifest is untouched.
func (s *Session) Rollback() error {
	if err := s.checkOpen("Rollback"); err != nil {
		return err
	}
	s.finish()
	return nil
}

// finish marks the session done and releases the writer slot. It must only
// be called once a session has reached a terminal, non-retryable state:
// Rollback, or a successful Commit. A Commit that returns an error must
// NOT call finish — §7 requires the writer to stay in its pre-commit
// state, buffer intact, so the caller can fix the problem and retry.
func (s *Session) finish() {
	s.done = true
	s.idx.mu.Lock()
	s.idx.writerOpen = false
	s.idx.mu.Unlock()
}

// Commit implements §4.4/§4.6: write a new segment from the buffer (if
// non-empty), propagate deletions into older segments whose doc ids the
// new buffer supersedes, clone the manifest with the new segment appended
// and the superseded deletions recorded, and commit it atomically. It then
// checks whether a background merge should start.
//
// On any error the session remains open: s.done stays false, the writer
// slot stays held, and the buffer and staged attributes are untouched, so
// the caller may retry Commit (or Rollback) after addressing the failure.
func (s *Session) Commit() error {
	if err := s.checkOpen("Commit"); err != nil {
		return err
	}

	idx := s.idx
	current := idx.manifest.Load()

	if len(s.buffer) == 0 && len(s.attrs) == 0 {
		s.finish()
		return nil
	}

	next := current.clone()
	next.Generation = current.Generation + 1
	for k, v := range s.attrs {
		next.Attributes[k] = v
	}

	segID := uint64(0)
	wroteSegment := false

	if len(s.buffer) > 0 {
		postings, docCount, minHash, maxHash := flattenBuffer(s.buffer)
		segID = next.NextSegmentID
		next.NextSegmentID++

		if _, err := writeSegmentFile(idx.dir, segID, postings, docCount, idx.cfg.blockSize, idx.cfg.fsync); err != nil {
			return err
		}
		wroteSegment = true

		bufferedDocs := make([]uint32, 0, len(s.buffer))
		for doc := range s.buffer {
			bufferedDocs = append(bufferedDocs, doc)
		}

		if err := propagateDeletions(idx, next, bufferedDocs); err != nil {
			return err
		}

		next.Segments = append(next.Segments, &segmentDescriptor{
			SegmentID:    segID,
			DocCount:     docCount,
			PostingCount: uint32(len(postings)),
			MinHash:      minHash,
			MaxHash:      maxHash,
			Deleted:      roaring.New(),
		})
	}

	if err := commitManifest(idx.dir, next, idx.cfg.fsync); err != nil {
		return err
	}

	if wroteSegment {
		if _, err := idx.acquireSegment(segID); err != nil {
			return err
		}
	}

	idx.manifest.Store(next)
	s.finish()
	go idx.maybeMerge()

	return nil
}

// flattenBuffer sorts the session's buffered (doc_id, hash) pairs into
// ascending (hash, doc_id) order ready for encodeSegment. Repeated hashes
// within the same document yield one posting per occurrence, preserving
// the multiset §4.6 requires.
func flattenBuffer(buffer map[uint32][]uint32) (postings []Posting, docCount, minHash, maxHash uint32) {
	for doc, hashes := range buffer {
		for _, h := range hashes {
			postings = append(postings, Posting{Hash: h, DocID: doc})
		}
	}
	sort.Slice(postings, func(i, j int) bool {
		if postings[i].Hash != postings[j].Hash {
			return postings[i].Hash < postings[j].Hash
		}
		return postings[i].DocID < postings[j].DocID
	})
	docCount = uint32(len(buffer))
	if len(postings) > 0 {
		minHash = postings[0].Hash
		maxHash = postings[len(postings)-1].Hash
	}
	return postings, docCount, minHash, maxHash
}

// propagateDeletions implements §4.4's Bloom-probe-then-confirm procedure:
// for every older live segment, probe its Bloom filter with each newly
// buffered doc id; on a maybe-contains hit, confirm with a full doc id scan
// and mark the doc id deleted in that segment's descriptor within next.
func propagateDeletions(idx *Index, next *manifest, bufferedDocs []uint32) error {
	for _, sd := range next.Segments {
		bf, err := idx.bloomForSegment(sd.SegmentID)
		if err != nil {
			return err
		}

		var candidates []uint32
		for _, doc := range bufferedDocs {
			if bf.mayContain(doc) {
				candidates = append(candidates, doc)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		seg, err := idx.acquireSegment(sd.SegmentID)
		if err != nil {
			return err
		}
		owned := seg.docIDs()
		idx.releaseSegment(sd.SegmentID)

		for _, doc := range candidates {
			i := sort.Search(len(owned), func(i int) bool { return owned[i] >= doc })
			if i < len(owned) && owned[i] == doc {
				sd.Deleted.Add(doc)
			}
		}
	}
	return nil
}
