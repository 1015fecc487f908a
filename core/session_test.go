package core

import (
	"errors"
	"os"
	"testing"
)

func TestInsertCommitSearch(t *testing.T) {
	idx := setupTempIndex(t)

	sess, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := sess.Insert(1, []uint32{10, 20, 30}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := sess.Insert(2, []uint32{10, 20}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	results, err := idx.SearchWithParams([]uint32{10, 20, 30}, 10, 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].DocID != 1 || results[0].Score != 3 {
		t.Errorf("best result = %+v, want doc 1 score 3", results[0])
	}
}

func TestBeginSessionRejectsConcurrentWriter(t *testing.T) {
	idx := setupTempIndex(t)

	sess, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	defer sess.Rollback()

	_, err = idx.BeginSession()
	if !errors.Is(err, ErrAlreadyInTransaction) {
		t.Fatalf("expected ErrAlreadyInTransaction, got %v", err)
	}
}

func TestRollbackDiscardsBufferedInserts(t *testing.T) {
	idx := setupTempIndex(t)

	sess, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := sess.Insert(1, []uint32{42}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := sess.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	results, err := idx.SearchWithParams([]uint32{42}, 10, 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results after rollback, got %+v", results)
	}

	// writer slot must be free again
	sess2, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession after rollback: %v", err)
	}
	_ = sess2.Rollback()
}

func TestCommitAfterDoneFails(t *testing.T) {
	idx := setupTempIndex(t)
	sess, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := sess.Commit(); !errors.Is(err, ErrNotInTransaction) {
		t.Fatalf("expected ErrNotInTransaction on double commit, got %v", err)
	}
}

func TestReinsertPropagatesDeletionToOlderSegment(t *testing.T) {
	idx := setupTempIndex(t)

	s1, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := s1.Insert(1, []uint32{100}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := s2.Insert(1, []uint32{200}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	results, err := idx.SearchWithParams([]uint32{100}, 10, 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected doc 1's old hash 100 to be superseded, got %+v", results)
	}

	results, err = idx.SearchWithParams([]uint32{200}, 10, 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].DocID != 1 {
		t.Errorf("expected doc 1 to match its new hash 200, got %+v", results)
	}
}

func TestSetAttributeAndGetAttribute(t *testing.T) {
	idx := setupTempIndex(t)

	sess, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := sess.Insert(1, []uint32{1, 2, 3}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := sess.Insert(2, []uint32{1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := sess.SetAttribute("max_results", "1"); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, ok := idx.GetAttribute("max_results")
	if !ok || v != "1" {
		t.Errorf("GetAttribute(max_results) = (%q, %v), want (1, true)", v, ok)
	}

	// doc 1 matches all 3 hashes, doc 2 matches 1 of them: with
	// top_score_percent defaulting to 10, both clear the cutoff, but
	// max_results=1 (set above) must cap Search to doc 1 alone.
	results, err := idx.Search([]uint32{1, 2, 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].DocID != 1 {
		t.Errorf("Search with max_results=1 attribute = %+v, want exactly doc 1", results)
	}
}

func TestSetAttributeValidatesRecognisedRange(t *testing.T) {
	idx := setupTempIndex(t)

	sess, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	cases := []struct {
		name, value string
	}{
		{"top_score_percent", "101"},
		{"top_score_percent", "-1"},
		{"top_score_percent", "abc"},
		{"max_results", "-5"},
		{"max_results", "abc"},
	}
	for _, c := range cases {
		err := sess.SetAttribute(c.name, c.value)
		if !errors.Is(err, ErrInvalidAttribute) {
			t.Errorf("SetAttribute(%q, %q) = %v, want ErrInvalidAttribute", c.name, c.value, err)
		}
	}

	if err := sess.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
}

func TestInsertPreservesDuplicateHashesWithinDocument(t *testing.T) {
	idx := setupTempIndex(t)

	sess, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := sess.Insert(1, []uint32{7, 7, 7}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := sess.Insert(2, []uint32{7}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	postings, _, _, _ := flattenBuffer(sess.buffer)
	if len(postings) != 4 {
		t.Fatalf("flattenBuffer collapsed duplicate hashes: got %d postings, want 4", len(postings))
	}
}

// TestCommitErrorLeavesSessionRetryable covers §7: a Commit that fails to
// write its segment must not mark the session done or release the writer
// slot, so the caller can retry once the underlying problem is fixed.
func TestCommitErrorLeavesSessionRetryable(t *testing.T) {
	idx := setupTempIndex(t)

	sess, err := idx.BeginSession()
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := sess.Insert(1, []uint32{1, 2, 3}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Remove the index directory out from under the session so the
	// segment write inside Commit fails, regardless of file permissions.
	if err := os.RemoveAll(idx.dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	if err := sess.Commit(); err == nil {
		t.Fatal("expected Commit to fail once its directory is gone")
	}

	if sess.done {
		t.Error("Commit error marked the session done; want it to stay open for retry")
	}
	if !idx.writerOpen {
		t.Error("Commit error released the writer slot; want it held for retry")
	}
	if len(sess.buffer) != 1 {
		t.Errorf("Commit error discarded the buffer: got %d docs, want 1", len(sess.buffer))
	}

	// Recreate the directory and retry the same session to completion.
	if err := os.MkdirAll(idx.dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("retry Commit: %v", err)
	}
	if !sess.done {
		t.Error("retried Commit succeeded but session is not marked done")
	}
}
