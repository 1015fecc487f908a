package core

import (
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// bloomFilter is the per-segment doc-id membership filter of §4.4/§9: a
// small double-hashing Bloom filter built on bits-and-blooms/bitset, the
// bit-array primitive the pack carries (it ships as an indirect dependency
// of heroiclabs-nakama's full-text search stack, but the pack has no
// ready-made Bloom filter package to reach for instead). m and k are sized
// by bloomParams (k clamped to [1, 16]). h1 is the xxhash sum of the doc
// id's bytes and h2 the xxhash sum of the same bytes plus a trailing 0xAC
// byte, combined per Kirsch-Mitzenmacher double hashing:
// g_i(x) = h1(x) + i*h2(x).
type bloomFilter struct {
	bits *bitset.BitSet
	m    uint64 // number of bits
	k    uint64 // number of hash functions
}

// newBloomFilter sizes the filter for n expected items at the given false
// positive rate (false positives only cost an extra segment scan; they never
// affect correctness, per §4.4).
func newBloomFilter(n int, falsePositiveRate float64) *bloomFilter {
	if n < 1 {
		n = 1
	}
	m, k := bloomParams(uint64(n), falsePositiveRate)
	return &bloomFilter{bits: bitset.New(uint(m)), m: m, k: k}
}

func bloomParams(n uint64, p float64) (m, k uint64) {
	// standard optimal-m/k formulas: m = -n*ln(p)/(ln2)^2, k = (m/n)*ln2
	const ln2 = 0.6931471805599453
	const ln2sq = ln2 * ln2
	lnp := math.Log(p)
	mf := -float64(n) * lnp / ln2sq
	if mf < 64 {
		mf = 64
	}
	m = uint64(mf)
	kf := (mf / float64(n)) * ln2
	if kf < 1 {
		kf = 1
	}
	if kf > 16 {
		kf = 16
	}
	k = uint64(kf)
	return m, k
}

func (b *bloomFilter) hashes(docID uint32) (h1, h2 uint64) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], docID)
	h1 = xxhash.Sum64(buf[:])
	h2 = xxhash.Sum64(append(buf[:], 0xAC))
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func (b *bloomFilter) add(docID uint32) {
	h1, h2 := b.hashes(docID)
	for i := uint64(0); i < b.k; i++ {
		b.bits.Set(uint((h1 + i*h2) % b.m))
	}
}

// mayContain returns false only if docID is definitely absent.
func (b *bloomFilter) mayContain(docID uint32) bool {
	h1, h2 := b.hashes(docID)
	for i := uint64(0); i < b.k; i++ {
		if !b.bits.Test(uint((h1 + i*h2) % b.m)) {
			return false
		}
	}
	return true
}
