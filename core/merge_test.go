package core

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
)

func TestMergeSegmentsDedupesAndOrders(t *testing.T) {
	dir := t.TempDir()

	pathA, err := writeSegmentFile(dir, 1, []Posting{{Hash: 1, DocID: 1}, {Hash: 3, DocID: 1}}, 1, 16, true)
	if err != nil {
		t.Fatalf("writeSegmentFile A: %v", err)
	}
	segA, err := openSegment(1, pathA)
	if err != nil {
		t.Fatalf("openSegment A: %v", err)
	}
	defer segA.close()

	pathB, err := writeSegmentFile(dir, 2, []Posting{{Hash: 1, DocID: 1}, {Hash: 2, DocID: 5}}, 2, 16, true)
	if err != nil {
		t.Fatalf("writeSegmentFile B: %v", err)
	}
	segB, err := openSegment(2, pathB)
	if err != nil {
		t.Fatalf("openSegment B: %v", err)
	}
	defer segB.close()

	srcA := &mergeSource{seg: segA, sd: &segmentDescriptor{SegmentID: 1, Deleted: roaring.New()}}
	srcB := &mergeSource{seg: segB, sd: &segmentDescriptor{SegmentID: 2, Deleted: roaring.New()}}

	merged, docCount := mergeSegments([]*mergeSource{srcA, srcB})

	want := []Posting{{Hash: 1, DocID: 1}, {Hash: 2, DocID: 5}, {Hash: 3, DocID: 1}}
	if len(merged) != len(want) {
		t.Fatalf("merged = %+v, want %+v", merged, want)
	}
	for i, p := range want {
		if merged[i] != p {
			t.Errorf("merged[%d] = %+v, want %+v", i, merged[i], p)
		}
	}
	if docCount != 2 {
		t.Errorf("docCount = %d, want 2", docCount)
	}
}

func TestMergeSegmentsSkipsDeletedPostings(t *testing.T) {
	dir := t.TempDir()

	path, err := writeSegmentFile(dir, 1, []Posting{{Hash: 1, DocID: 1}, {Hash: 1, DocID: 2}}, 2, 16, true)
	if err != nil {
		t.Fatalf("writeSegmentFile: %v", err)
	}
	seg, err := openSegment(1, path)
	if err != nil {
		t.Fatalf("openSegment: %v", err)
	}
	defer seg.close()

	deleted := roaring.New()
	deleted.Add(1)
	src := &mergeSource{seg: seg, sd: &segmentDescriptor{SegmentID: 1, Deleted: deleted}}

	merged, docCount := mergeSegments([]*mergeSource{src})
	if len(merged) != 1 || merged[0].DocID != 2 {
		t.Fatalf("merged = %+v, want only doc 2's posting", merged)
	}
	if docCount != 1 {
		t.Errorf("docCount = %d, want 1", docCount)
	}
}

func TestOptimizeMergesDownToOneSegment(t *testing.T) {
	idx := setupTempIndex(t)

	for doc := uint32(1); doc <= 3; doc++ {
		sess, err := idx.BeginSession()
		if err != nil {
			t.Fatalf("BeginSession: %v", err)
		}
		if err := sess.Insert(doc, []uint32{doc * 10}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := sess.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	if got := len(idx.manifest.Load().Segments); got != 3 {
		t.Fatalf("expected 3 segments before Optimize, got %d", got)
	}

	if err := idx.Optimize(); err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	if got := len(idx.manifest.Load().Segments); got != 1 {
		t.Fatalf("expected 1 segment after Optimize, got %d", got)
	}

	for doc := uint32(1); doc <= 3; doc++ {
		results, err := idx.SearchWithParams([]uint32{doc * 10}, 10, 100)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) != 1 || results[0].DocID != doc {
			t.Errorf("Search(%d) after Optimize = %+v, want doc %d", doc*10, results, doc)
		}
	}
}
