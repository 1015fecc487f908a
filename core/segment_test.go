package core

import (
	"path/filepath"
	"testing"
)

func TestWriteAndOpenSegment(t *testing.T) {
	dir := t.TempDir()

	postings := []Posting{
		{Hash: 5, DocID: 1},
		{Hash: 5, DocID: 2},
		{Hash: 9, DocID: 1},
		{Hash: 12, DocID: 3},
	}

	path, err := writeSegmentFile(dir, 7, postings, 3, 2, true)
	if err != nil {
		t.Fatalf("writeSegmentFile: %v", err)
	}
	if path != segmentPath(dir, 7) {
		t.Fatalf("path = %q, want %q", path, segmentPath(dir, 7))
	}

	seg, err := openSegment(7, path)
	if err != nil {
		t.Fatalf("openSegment: %v", err)
	}
	defer seg.close()

	docs := seg.postingsFor(5, nil)
	if len(docs) != 2 || docs[0] != 1 || docs[1] != 2 {
		t.Errorf("postingsFor(5) = %v, want [1 2]", docs)
	}

	docs = seg.postingsFor(9, nil)
	if len(docs) != 1 || docs[0] != 1 {
		t.Errorf("postingsFor(9) = %v, want [1]", docs)
	}

	if docs := seg.postingsFor(100, nil); docs != nil {
		t.Errorf("postingsFor(100) = %v, want nil (out of range)", docs)
	}

	all := seg.docIDs()
	if len(all) != 3 {
		t.Fatalf("docIDs() = %v, want 3 distinct ids", all)
	}
}

func TestPostingsForFiltersDeleted(t *testing.T) {
	dir := t.TempDir()
	postings := []Posting{
		{Hash: 1, DocID: 1},
		{Hash: 1, DocID: 2},
	}
	path, err := writeSegmentFile(dir, 1, postings, 2, 16, true)
	if err != nil {
		t.Fatalf("writeSegmentFile: %v", err)
	}
	seg, err := openSegment(1, path)
	if err != nil {
		t.Fatalf("openSegment: %v", err)
	}
	defer seg.close()

	deleted := func(id uint32) bool { return id == 1 }
	docs := seg.postingsFor(1, deleted)
	if len(docs) != 1 || docs[0] != 2 {
		t.Errorf("postingsFor with deleted filter = %v, want [2]", docs)
	}
}

func TestOpenSegmentRejectsIDMismatch(t *testing.T) {
	dir := t.TempDir()
	path, err := writeSegmentFile(dir, 3, []Posting{{Hash: 1, DocID: 1}}, 1, 16, true)
	if err != nil {
		t.Fatalf("writeSegmentFile: %v", err)
	}

	// copy so the path implies a different id than the header stores
	other := filepath.Join(dir, "segment_other.dat")
	if err := copyFile(path, other); err != nil {
		t.Fatalf("copyFile: %v", err)
	}

	if _, err := openSegment(99, other); err == nil {
		t.Fatal("expected id mismatch error")
	} else if !isKind(err, KindCorruptSegment) {
		t.Errorf("expected CorruptSegment, got %v", err)
	}
}
