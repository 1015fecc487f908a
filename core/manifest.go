package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/zeebo/xxh3"
)

const (
	manifestMagic         = "AIDX"
	manifestFormatVersion = uint32(2)
	manifestFilePrefix    = "info_"
)

// segmentDescriptor is one entry of the manifest's live-segment list (§3).
// Deleted is the set of doc ids this segment owned that have since been
// superseded by a newer segment; it is never nil.
type segmentDescriptor struct {
	SegmentID    uint64
	DocCount     uint32
	PostingCount uint32
	MinHash      uint32
	MaxHash      uint32
	Deleted      *roaring.Bitmap
}

func (d *segmentDescriptor) clone() *segmentDescriptor {
	cp := *d
	cp.Deleted = d.Deleted.Clone()
	return &cp
}

// manifest is the totally-ordered snapshot of §3/§4.4: generation,
// next_segment_id, live segment descriptors, and the attribute map.
type manifest struct {
	Generation    uint64
	NextSegmentID uint64
	Segments      []*segmentDescriptor
	Attributes    map[string]string
}

func newManifest() *manifest {
	return &manifest{NextSegmentID: 0, Attributes: make(map[string]string)}
}

func (m *manifest) clone() *manifest {
	cp := &manifest{
		Generation:    m.Generation,
		NextSegmentID: m.NextSegmentID,
		Attributes:    make(map[string]string, len(m.Attributes)),
		Segments:      make([]*segmentDescriptor, len(m.Segments)),
	}
	for k, v := range m.Attributes {
		cp.Attributes[k] = v
	}
	for i, s := range m.Segments {
		cp.Segments[i] = s.clone()
	}
	return cp
}

func (m *manifest) segmentByID(id uint64) *segmentDescriptor {
	for _, s := range m.Segments {
		if s.SegmentID == id {
			return s
		}
	}
	return nil
}

func manifestFileName(gen uint64) string {
	return fmt.Sprintf("%s%020d", manifestFilePrefix, gen)
}

// encodeManifest implements the §6 on-disk layout verbatim (magic, version,
// generation, next_segment_id, attribute map, segment descriptor list with
// deleted doc ids), except deleted_doc_ids is a length-prefixed serialised
// roaring.Bitmap instead of a raw u32 array (still "count then sorted ids"
// in spirit — see DESIGN.md). A trailing xxh3 checksum over everything
// before it is appended so CorruptManifest can be detected on load.
func encodeManifest(m *manifest) []byte {
	var buf bytes.Buffer

	var tmp4 [4]byte
	buf.WriteString(manifestMagic)
	binary.LittleEndian.PutUint32(tmp4[:], manifestFormatVersion)
	buf.Write(tmp4[:])

	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], m.Generation)
	buf.Write(tmp8[:])
	binary.LittleEndian.PutUint64(tmp8[:], m.NextSegmentID)
	buf.Write(tmp8[:])

	// attribute map, sorted by name for determinism
	names := make([]string, 0, len(m.Attributes))
	for n := range m.Attributes {
		names = append(names, n)
	}
	sort.Strings(names)

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(names)))
	buf.Write(tmp4[:])
	for _, name := range names {
		val := m.Attributes[name]
		var tmp2 [2]byte
		binary.LittleEndian.PutUint16(tmp2[:], uint16(len(name)))
		buf.Write(tmp2[:])
		buf.WriteString(name)
		binary.LittleEndian.PutUint32(tmp4[:], uint32(len(val)))
		buf.Write(tmp4[:])
		buf.WriteString(val)
	}

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(m.Segments)))
	buf.Write(tmp4[:])
	for _, s := range m.Segments {
		binary.LittleEndian.PutUint64(tmp8[:], s.SegmentID)
		buf.Write(tmp8[:])
		binary.LittleEndian.PutUint32(tmp4[:], s.DocCount)
		buf.Write(tmp4[:])
		binary.LittleEndian.PutUint32(tmp4[:], s.PostingCount)
		buf.Write(tmp4[:])
		binary.LittleEndian.PutUint32(tmp4[:], s.MinHash)
		buf.Write(tmp4[:])
		binary.LittleEndian.PutUint32(tmp4[:], s.MaxHash)
		buf.Write(tmp4[:])

		deleted := s.Deleted
		if deleted == nil {
			deleted = roaring.New()
		}
		binary.LittleEndian.PutUint32(tmp4[:], uint32(deleted.GetCardinality()))
		buf.Write(tmp4[:])
		delBytes, _ := deleted.ToBytes()
		binary.LittleEndian.PutUint32(tmp4[:], uint32(len(delBytes)))
		buf.Write(tmp4[:])
		buf.Write(delBytes)
	}

	checksum := xxh3.Hash(buf.Bytes())
	binary.LittleEndian.PutUint64(tmp8[:], checksum)
	buf.Write(tmp8[:])

	return buf.Bytes()
}

func decodeManifest(data []byte) (*manifest, error) {
	if len(data) < 8 {
		return nil, newIndexError(KindCorruptManifest, "decodeManifest", fmt.Errorf("missing checksum"))
	}
	body, trailer := data[:len(data)-8], data[len(data)-8:]
	want := binary.LittleEndian.Uint64(trailer)
	if xxh3.Hash(body) != want {
		return nil, newIndexError(KindCorruptManifest, "decodeManifest", fmt.Errorf("checksum mismatch"))
	}

	r := bytes.NewReader(body)
	readN := func(n int) ([]byte, error) {
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	magic, err := readN(4)
	if err != nil || string(magic) != manifestMagic {
		return nil, newIndexError(KindCorruptManifest, "decodeManifest", fmt.Errorf("bad magic"))
	}
	verB, err := readN(4)
	if err != nil {
		return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
	}
	if binary.LittleEndian.Uint32(verB) != manifestFormatVersion {
		return nil, newIndexError(KindCorruptManifest, "decodeManifest", fmt.Errorf("unsupported version"))
	}

	genB, err := readN(8)
	if err != nil {
		return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
	}
	nextB, err := readN(8)
	if err != nil {
		return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
	}

	m := &manifest{
		Generation:    binary.LittleEndian.Uint64(genB),
		NextSegmentID: binary.LittleEndian.Uint64(nextB),
		Attributes:    make(map[string]string),
	}

	attrCountB, err := readN(4)
	if err != nil {
		return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
	}
	attrCount := binary.LittleEndian.Uint32(attrCountB)
	for i := uint32(0); i < attrCount; i++ {
		nameLenB, err := readN(2)
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		nameLen := binary.LittleEndian.Uint16(nameLenB)
		nameB, err := readN(int(nameLen))
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		valLenB, err := readN(4)
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		valLen := binary.LittleEndian.Uint32(valLenB)
		valB, err := readN(int(valLen))
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		m.Attributes[string(nameB)] = string(valB)
	}

	segCountB, err := readN(4)
	if err != nil {
		return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
	}
	segCount := binary.LittleEndian.Uint32(segCountB)
	for i := uint32(0); i < segCount; i++ {
		idB, err := readN(8)
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		docCountB, err := readN(4)
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		postCountB, err := readN(4)
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		minHashB, err := readN(4)
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		maxHashB, err := readN(4)
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		_, err = readN(4) // deleted_count, redundant with the bitmap's own cardinality
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		delLenB, err := readN(4)
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		delLen := binary.LittleEndian.Uint32(delLenB)
		delBytes, err := readN(int(delLen))
		if err != nil {
			return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
		}
		deleted := roaring.New()
		if delLen > 0 {
			if _, err := deleted.FromBuffer(delBytes); err != nil {
				return nil, newIndexError(KindCorruptManifest, "decodeManifest", err)
			}
		}

		m.Segments = append(m.Segments, &segmentDescriptor{
			SegmentID:    binary.LittleEndian.Uint64(idB),
			DocCount:     binary.LittleEndian.Uint32(docCountB),
			PostingCount: binary.LittleEndian.Uint32(postCountB),
			MinHash:      binary.LittleEndian.Uint32(minHashB),
			MaxHash:      binary.LittleEndian.Uint32(maxHashB),
			Deleted:      deleted,
		})
	}

	return m, nil
}

// loadManifest scans dir for info_* files and loads the highest generation,
// verifying every referenced segment file exists. The segment headers are
// checked afterwards, when Open maps each segment.
func loadManifest(dir string) (*manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, newIndexError(KindIOError, "loadManifest", err)
	}

	var best uint64
	var bestName string
	found := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), manifestFilePrefix) {
			continue
		}
		if strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		genStr := strings.TrimPrefix(e.Name(), manifestFilePrefix)
		gen, err := strconv.ParseUint(genStr, 10, 64)
		if err != nil {
			continue
		}
		if !found || gen > best {
			best, bestName, found = gen, e.Name(), true
		}
	}

	if !found {
		return newManifest(), nil
	}

	data, err := os.ReadFile(filepath.Join(dir, bestName))
	if err != nil {
		return nil, newIndexError(KindIOError, "loadManifest", err)
	}

	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}

	for _, s := range m.Segments {
		if _, err := os.Stat(segmentPath(dir, s.SegmentID)); err != nil {
			return nil, newIndexError(KindCorruptManifest, "loadManifest", fmt.Errorf("missing segment file for segment %d: %w", s.SegmentID, err))
		}
	}

	return m, nil
}

// commitManifest implements §4.4's 5-step commit procedure: write the temp
// file, fsync it, atomically rename it, fsync the directory. The caller
// swaps the in-memory published pointer after this returns successfully;
// on any failure here, the old generation remains authoritative (§7).
func commitManifest(dir string, m *manifest, fsync bool) error {
	data := encodeManifest(m)
	path := filepath.Join(dir, manifestFileName(m.Generation))
	if err := writeFileDurable(path, data, fsync); err != nil {
		return newIndexError(KindIOError, "commitManifest", err)
	}
	return nil
}
