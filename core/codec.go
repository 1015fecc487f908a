package core

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// A Posting is a single (hash, doc_id) occurrence inside a segment. Within a
// segment postings are ordered by Hash ascending then DocID ascending; a
// given pair may repeat if a document contains the same hash more than once.
type Posting struct {
	Hash  uint32
	DocID uint32
}

const (
	segmentMagic         = "AIDX"
	segmentFormatVersion = uint32(1)

	// defaultBlockSize is B from §4.1: the number of postings per delta block
	// and the skip-table stride.
	defaultBlockSize = 1024
)

// onDiskHeader is region 1 of §4.1, written verbatim with binary.Write since
// every field is fixed width; the posting-block and skip-table regions
// follow immediately at PostingsOffset and SkipOffset.
type onDiskHeader struct {
	Magic          [4]byte
	Version        uint32
	SegmentID      uint64
	DocCount       uint32
	PostingCount   uint32
	MinHash        uint32
	MaxHash        uint32
	BlockSize      uint32
	PostingsOffset uint64
	PostingsLength uint64
	SkipOffset     uint64
	SkipLength     uint64
	// Checksum is the xxh3 hash of the posting-block region, checked on open.
	Checksum uint64
}

var headerSize = binary.Size(onDiskHeader{})

// skipEntry is one (first_hash_of_block, byte_offset_of_block) row of the
// skip table, stored as a fixed-width pair for binary search.
type skipEntry struct {
	FirstHash uint32
	Offset    uint64
}

const skipEntrySize = 4 + 8

// encodeSegment builds the on-disk bytes for a segment out of postings
// already sorted by (Hash, DocID). docCount is the number of distinct doc
// ids present (callers compute this while building the buffer).
func encodeSegment(id uint64, postings []Posting, docCount uint32, blockSize int) ([]byte, error) {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}

	var postingsBuf bytes.Buffer
	var skip []skipEntry

	var minHash, maxHash uint32
	if len(postings) > 0 {
		minHash = postings[0].Hash
		maxHash = postings[len(postings)-1].Hash
	}

	for i := 0; i < len(postings); i += blockSize {
		end := i + blockSize
		if end > len(postings) {
			end = len(postings)
		}
		block := postings[i:end]

		skip = append(skip, skipEntry{FirstHash: block[0].Hash, Offset: uint64(postingsBuf.Len())})

		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], block[0].Hash)
		postingsBuf.Write(tmp[:])
		binary.LittleEndian.PutUint32(tmp[:], block[0].DocID)
		postingsBuf.Write(tmp[:])

		prevHash, prevDoc := block[0].Hash, block[0].DocID
		var varintBuf [binary.MaxVarintLen64]byte
		for _, p := range block[1:] {
			hashDelta := uint64(p.Hash - prevHash)
			var docField uint64
			if hashDelta == 0 {
				docField = uint64(p.DocID - prevDoc)
			} else {
				docField = uint64(p.DocID)
			}

			n := binary.PutUvarint(varintBuf[:], hashDelta)
			postingsBuf.Write(varintBuf[:n])
			n = binary.PutUvarint(varintBuf[:], docField)
			postingsBuf.Write(varintBuf[:n])

			prevHash, prevDoc = p.Hash, p.DocID
		}
	}

	postingsBytes := postingsBuf.Bytes()
	checksum := xxh3.Hash(postingsBytes)

	skipBytes := make([]byte, 0, len(skip)*skipEntrySize)
	for _, e := range skip {
		var tmp [skipEntrySize]byte
		binary.LittleEndian.PutUint32(tmp[0:4], e.FirstHash)
		binary.LittleEndian.PutUint64(tmp[4:12], e.Offset)
		skipBytes = append(skipBytes, tmp[:]...)
	}

	hdr := onDiskHeader{
		Version:        segmentFormatVersion,
		SegmentID:      id,
		DocCount:       docCount,
		PostingCount:   uint32(len(postings)),
		MinHash:        minHash,
		MaxHash:        maxHash,
		BlockSize:      uint32(blockSize),
		PostingsOffset: uint64(headerSize),
		PostingsLength: uint64(len(postingsBytes)),
		SkipOffset:     uint64(headerSize + len(postingsBytes)),
		SkipLength:     uint64(len(skipBytes)),
		Checksum:       checksum,
	}
	copy(hdr.Magic[:], segmentMagic)

	out := bytes.NewBuffer(make([]byte, 0, headerSize+len(postingsBytes)+len(skipBytes)))
	if err := binary.Write(out, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	out.Write(postingsBytes)
	out.Write(skipBytes)

	return out.Bytes(), nil
}

// decodeHeader parses and validates region 1, returning CorruptSegment on any
// structural mismatch.
func decodeHeader(data []byte) (onDiskHeader, error) {
	var hdr onDiskHeader
	if len(data) < headerSize {
		return hdr, newIndexError(KindCorruptSegment, "decodeHeader", fmt.Errorf("file too small: %d bytes", len(data)))
	}
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return hdr, newIndexError(KindCorruptSegment, "decodeHeader", err)
	}
	if string(hdr.Magic[:]) != segmentMagic {
		return hdr, newIndexError(KindCorruptSegment, "decodeHeader", fmt.Errorf("bad magic %q", hdr.Magic[:]))
	}
	if hdr.Version != segmentFormatVersion {
		return hdr, newIndexError(KindCorruptSegment, "decodeHeader", fmt.Errorf("unsupported version %d", hdr.Version))
	}
	end := hdr.SkipOffset + hdr.SkipLength
	if end > uint64(len(data)) || hdr.PostingsOffset+hdr.PostingsLength > hdr.SkipOffset {
		return hdr, newIndexError(KindCorruptSegment, "decodeHeader", fmt.Errorf("region offsets out of range"))
	}
	postings := data[hdr.PostingsOffset : hdr.PostingsOffset+hdr.PostingsLength]
	if xxh3.Hash(postings) != hdr.Checksum {
		return hdr, newIndexError(KindCorruptSegment, "decodeHeader", fmt.Errorf("checksum mismatch"))
	}
	return hdr, nil
}

func decodeSkipTable(data []byte, hdr onDiskHeader) []skipEntry {
	n := int(hdr.SkipLength / skipEntrySize)
	table := make([]skipEntry, n)
	base := hdr.SkipOffset
	for i := 0; i < n; i++ {
		off := base + uint64(i*skipEntrySize)
		table[i] = skipEntry{
			FirstHash: binary.LittleEndian.Uint32(data[off : off+4]),
			Offset:    binary.LittleEndian.Uint64(data[off+4 : off+12]),
		}
	}
	return table
}

// decodeBlock returns the postings of the block starting at byte offset
// within the postings region, given how many entries it holds, plus the
// byte offset just past the block.
func decodeBlock(postings []byte, offset int, count int) ([]Posting, int) {
	out := make([]Posting, 0, count)
	pos := offset

	hash := binary.LittleEndian.Uint32(postings[pos : pos+4])
	doc := binary.LittleEndian.Uint32(postings[pos+4 : pos+8])
	pos += 8
	out = append(out, Posting{Hash: hash, DocID: doc})

	for i := 1; i < count; i++ {
		hashDelta, n := binary.Uvarint(postings[pos:])
		pos += n
		docField, n := binary.Uvarint(postings[pos:])
		pos += n

		if hashDelta == 0 {
			doc = doc + uint32(docField)
		} else {
			hash = hash + uint32(hashDelta)
			doc = uint32(docField)
		}
		out = append(out, Posting{Hash: hash, DocID: doc})
	}

	return out, pos
}

// blockEntryCount returns how many postings live in block index i, given the
// total posting count and block size (every block is full except the last).
func blockEntryCount(blockIdx, numBlocks int, blockSize, postingCount int) int {
	if blockIdx < numBlocks-1 {
		return blockSize
	}
	rem := postingCount % blockSize
	if rem == 0 {
		return blockSize
	}
	return rem
}
