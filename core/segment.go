package core

import (
	"fmt"
	"os"
	"sort"

	"github.com/tysonmote/gommap"
)

// segment is a memory-mapped, read-only view of one on-disk segment file,
// per §4.2. It is opened once and shared by every snapshot that references
// it; writes never touch it again after creation (§3 invariant 4).
type segment struct {
	id     uint64
	path   string
	file   *os.File
	data   gommap.MMap
	header onDiskHeader
	skip   []skipEntry
}

func segmentPath(dir string, id uint64) string {
	return fmt.Sprintf("%s/segment_%020d.dat", dir, id)
}

// openSegment memory-maps the segment file at path and validates its header,
// mirroring lipandr-go-microsrv-distib-log's index.go (gommap.Map with a
// read-only protection here since segments never change after creation).
func openSegment(id uint64, path string) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newIndexError(KindIOError, "openSegment", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, newIndexError(KindIOError, "openSegment", err)
	}
	if fi.Size() == 0 {
		_ = f.Close()
		return nil, newIndexError(KindCorruptSegment, "openSegment", fmt.Errorf("empty segment file %q", path))
	}

	data, err := gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, newIndexError(KindIOError, "openSegment", err)
	}

	hdr, err := decodeHeader(data)
	if err != nil {
		_ = data.UnsafeUnmap()
		_ = f.Close()
		return nil, err
	}
	if hdr.SegmentID != id {
		_ = data.UnsafeUnmap()
		_ = f.Close()
		return nil, newIndexError(KindCorruptSegment, "openSegment",
			fmt.Errorf("segment id mismatch: file has %d, expected %d", hdr.SegmentID, id))
	}

	skip := decodeSkipTable(data, hdr)

	return &segment{id: id, path: path, file: f, data: data, header: hdr, skip: skip}, nil
}

func (s *segment) close() error {
	if err := s.data.UnsafeUnmap(); err != nil {
		return err
	}
	return s.file.Close()
}

func (s *segment) numBlocks() int {
	return len(s.skip)
}

// postingsFor implements §4.2's primary operation: binary search the skip
// table for the block that could hold hash, scan forward decoding deltas
// until the hash is exceeded, and return the matching doc ids ascending,
// filtering out anything the caller's deleted set reports.
func (s *segment) postingsFor(hash uint32, deleted func(uint32) bool) []uint32 {
	if len(s.skip) == 0 || hash < s.header.MinHash || hash > s.header.MaxHash {
		return nil
	}

	// start one block before the first block with FirstHash >= hash: a run of
	// postings for hash can begin at the tail of that earlier block
	idx := sort.Search(len(s.skip), func(i int) bool { return s.skip[i].FirstHash >= hash }) - 1
	if idx < 0 {
		idx = 0
	}

	postings := s.data[s.header.PostingsOffset : s.header.PostingsOffset+s.header.PostingsLength]
	var out []uint32

	for blockIdx := idx; blockIdx < len(s.skip); blockIdx++ {
		count := blockEntryCount(blockIdx, len(s.skip), int(s.header.BlockSize), int(s.header.PostingCount))
		block, _ := decodeBlock(postings, int(s.skip[blockIdx].Offset), count)

		exceeded := false
		for _, p := range block {
			switch {
			case p.Hash < hash:
				continue
			case p.Hash > hash:
				exceeded = true
			default:
				if deleted == nil || !deleted(p.DocID) {
					out = append(out, p.DocID)
				}
			}
		}
		if exceeded {
			break
		}
	}

	return out
}

// allPostings decodes the entire posting stream in order; used by the
// merger and by lazy doc-id-list materialisation for Bloom filter positives.
func (s *segment) allPostings() []Posting {
	postings := s.data[s.header.PostingsOffset : s.header.PostingsOffset+s.header.PostingsLength]
	out := make([]Posting, 0, s.header.PostingCount)
	for blockIdx, entry := range s.skip {
		count := blockEntryCount(blockIdx, len(s.skip), int(s.header.BlockSize), int(s.header.PostingCount))
		block, _ := decodeBlock(postings, int(entry.Offset), count)
		out = append(out, block...)
	}
	return out
}

// docIDs returns the sorted set of distinct doc ids in the segment. It is
// the "full scan of that segment's doc id inventory" §4.4 calls for when a
// Bloom filter probe comes back positive.
func (s *segment) docIDs() []uint32 {
	all := s.allPostings()
	seen := make(map[uint32]struct{}, s.header.DocCount)
	out := make([]uint32, 0, s.header.DocCount)
	for _, p := range all {
		if _, ok := seen[p.DocID]; !ok {
			seen[p.DocID] = struct{}{}
			out = append(out, p.DocID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// writeSegmentFile encodes postings and durably writes them to
// segment_<id>.dat via the same temp-write/fsync/rename/fsync-dir sequence
// the manifest commit uses (§4.4 step 1-4), adapted from
// Epokhe-bitdb/core/file.go's writeFileAtomic/createFileDurable.
func writeSegmentFile(dir string, id uint64, postings []Posting, docCount uint32, blockSize int, fsync bool) (string, error) {
	data, err := encodeSegment(id, postings, docCount, blockSize)
	if err != nil {
		return "", err
	}

	path := segmentPath(dir, id)
	if err := writeFileDurable(path, data, fsync); err != nil {
		return "", newIndexError(KindIOError, "writeSegmentFile", err)
	}
	return path, nil
}
