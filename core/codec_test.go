package core

import "testing"

func TestEncodeDecodeSegmentRoundTrip(t *testing.T) {
	postings := []Posting{
		{Hash: 1, DocID: 10},
		{Hash: 1, DocID: 20},
		{Hash: 3, DocID: 10},
		{Hash: 3, DocID: 30},
		{Hash: 7, DocID: 10},
	}

	data, err := encodeSegment(42, postings, 3, 2)
	if err != nil {
		t.Fatalf("encodeSegment: %v", err)
	}

	hdr, err := decodeHeader(data)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if hdr.SegmentID != 42 {
		t.Fatalf("segment id = %d, want 42", hdr.SegmentID)
	}
	if hdr.PostingCount != uint32(len(postings)) {
		t.Fatalf("posting count = %d, want %d", hdr.PostingCount, len(postings))
	}
	if hdr.MinHash != 1 || hdr.MaxHash != 7 {
		t.Fatalf("min/max hash = %d/%d, want 1/7", hdr.MinHash, hdr.MaxHash)
	}

	skip := decodeSkipTable(data, hdr)
	if len(skip) != 3 {
		t.Fatalf("skip table len = %d, want 3 (ceil(5/2))", len(skip))
	}

	region := data[hdr.PostingsOffset : hdr.PostingsOffset+hdr.PostingsLength]
	var decoded []Posting
	for i, entry := range skip {
		count := blockEntryCount(i, len(skip), int(hdr.BlockSize), int(hdr.PostingCount))
		block, _ := decodeBlock(region, int(entry.Offset), count)
		decoded = append(decoded, block...)
	}

	if len(decoded) != len(postings) {
		t.Fatalf("decoded %d postings, want %d", len(decoded), len(postings))
	}
	for i, p := range postings {
		if decoded[i] != p {
			t.Errorf("posting %d = %+v, want %+v", i, decoded[i], p)
		}
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	data, err := encodeSegment(1, []Posting{{Hash: 1, DocID: 1}}, 1, 16)
	if err != nil {
		t.Fatalf("encodeSegment: %v", err)
	}
	data[0] = 'X'

	if _, err := decodeHeader(data); err == nil {
		t.Fatal("expected error for corrupted magic")
	} else if !isKind(err, KindCorruptSegment) {
		t.Errorf("expected CorruptSegment, got %v", err)
	}
}

func TestDecodeHeaderRejectsChecksumMismatch(t *testing.T) {
	data, err := encodeSegment(1, []Posting{{Hash: 1, DocID: 1}, {Hash: 2, DocID: 2}}, 2, 16)
	if err != nil {
		t.Fatalf("encodeSegment: %v", err)
	}
	hdr, err := decodeHeader(data)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	// flip a byte inside the postings region
	data[hdr.PostingsOffset] ^= 0xFF

	if _, err := decodeHeader(data); err == nil {
		t.Fatal("expected checksum mismatch error")
	} else if !isKind(err, KindCorruptSegment) {
		t.Errorf("expected CorruptSegment, got %v", err)
	}
}

func isKind(err error, kind ErrorKind) bool {
	ie, ok := err.(*IndexError)
	return ok && ie.Kind == kind
}
