package persistence

import (
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
)

// BloomFilter answers "definitely absent" for user keys of one SSTable.
// Probes use double hashing over a single xxhash of the key.
type BloomFilter struct {
	bits []byte
	m    uint32
	k    uint8
}

const (
	ln2         = 0.6931471805599453
	minBloomBit = 64
	maxProbes   = 30
)

// NewBloomFilter sizes a filter for expectedItems keys at the given false positive rate.
func NewBloomFilter(expectedItems int, fpRate float64) *BloomFilter {
	n := float64(max(expectedItems, 1))
	m := uint32(math.Ceil(-n * math.Log(fpRate) / (ln2 * ln2)))
	m = max(m, minBloomBit)

	k := int(math.Round(float64(m) / n * ln2))
	k = min(max(k, 1), maxProbes)

	return &BloomFilter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    uint8(k),
	}
}

func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func (bf *BloomFilter) Add(key []byte) {
	bf.addHash(hashKey(key))
}

func (bf *BloomFilter) addHash(h uint64) {
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < uint32(bf.k); i++ {
		bit := (h1 + i*h2) % bf.m
		bf.bits[bit/8] |= 1 << (bit % 8)
	}
}

func (bf *BloomFilter) MayContain(key []byte) bool {
	h := hashKey(key)
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < uint32(bf.k); i++ {
		bit := (h1 + i*h2) % bf.m
		if bf.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode layout: k u8 | bits.
func (bf *BloomFilter) Encode() []byte {
	out := make([]byte, 0, 1+len(bf.bits))
	out = append(out, bf.k)
	return append(out, bf.bits...)
}

func DecodeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 2 {
		return nil, dberrors.Corrupt("bloom filter too short: %d bytes", len(data))
	}
	k := data[0]
	if k == 0 || k > maxProbes {
		return nil, dberrors.Corrupt("bloom filter with %d probes", k)
	}
	bits := append([]byte(nil), data[1:]...)
	return &BloomFilter{bits: bits, m: uint32(len(bits)) * 8, k: k}, nil
}
