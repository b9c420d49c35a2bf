package remote

import (
	"crypto/md5" //nolint:gosec // the server hashes names with MD5; this is not a security use
	"encoding/binary"
	"fmt"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/wire"
)

// BloomFilter is the server's filter of the document names a target still matches.
// Bit i of the filter is bit i%8 of byte i/8.
type BloomFilter struct {
	bitmap    []byte
	bitCount  uint64
	hashCount int
}

// NewBloomFilter validates the filter parameters.
func NewBloomFilter(bitmap []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, fmt.Errorf("%w: padding %d", constants.ErrInvalidBloomFilter, padding)
	}
	if hashCount < 0 {
		return nil, fmt.Errorf("%w: hash count %d", constants.ErrInvalidBloomFilter, hashCount)
	}
	if len(bitmap) > 0 && hashCount == 0 {
		return nil, fmt.Errorf("%w: hash count 0 with a non-empty bitmap", constants.ErrInvalidBloomFilter)
	}
	if len(bitmap) == 0 && padding != 0 {
		return nil, fmt.Errorf("%w: padding %d with an empty bitmap", constants.ErrInvalidBloomFilter, padding)
	}
	return &BloomFilter{
		bitmap:    bitmap,
		bitCount:  uint64(len(bitmap)*8 - padding),
		hashCount: hashCount,
	}, nil
}

// BloomFilterFromWire validates a filter received in an existence filter.
func BloomFilterFromWire(f *wire.BloomFilter) (*BloomFilter, error) {
	if f == nil || f.Bits == nil {
		return nil, fmt.Errorf("%w: no bits", constants.ErrInvalidBloomFilter)
	}
	return NewBloomFilter(f.Bits.Bitmap, int(f.Bits.Padding), int(f.HashCount))
}

// BitCount is the number of usable bits.
func (f *BloomFilter) BitCount() int {
	return int(f.bitCount)
}

// MightContain reports whether value may have been added. False answers are exact.
func (f *BloomFilter) MightContain(value string) bool {
	if f.bitCount == 0 {
		return false
	}
	h1, h2 := md5Halves(value)
	for i := 0; i < f.hashCount; i++ {
		if !f.isBitSet(f.bitIndex(h1, h2, i)) {
			return false
		}
	}
	return true
}

func (f *BloomFilter) insert(value string) {
	h1, h2 := md5Halves(value)
	for i := 0; i < f.hashCount; i++ {
		idx := f.bitIndex(h1, h2, i)
		f.bitmap[idx/8] |= 1 << (idx % 8)
	}
}

// bitIndex is the double hash h1 + i*h2, wrapping at 64 bits.
func (f *BloomFilter) bitIndex(h1, h2 uint64, i int) uint64 {
	return (h1 + uint64(i)*h2) % f.bitCount
}

func (f *BloomFilter) isBitSet(idx uint64) bool {
	return f.bitmap[idx/8]&(1<<(idx%8)) != 0
}

// md5Halves splits the MD5 digest of value into two little-endian uint64s.
func md5Halves(value string) (uint64, uint64) {
	sum := md5.Sum([]byte(value)) //nolint:gosec
	return binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:])
}

// BuildBloomFilter returns the wire form of a filter holding values, sized bitCount bits
// with hashCount hash functions. Servers and tests use it to produce existence filters.
func BuildBloomFilter(values []string, bitCount, hashCount int) *wire.BloomFilter {
	if bitCount <= 0 {
		return &wire.BloomFilter{Bits: &wire.BitSequence{}, HashCount: 0}
	}
	size := (bitCount + 7) / 8
	padding := size*8 - bitCount
	f := &BloomFilter{
		bitmap:    make([]byte, size),
		bitCount:  uint64(bitCount),
		hashCount: hashCount,
	}
	for _, v := range values {
		f.insert(v)
	}
	return &wire.BloomFilter{
		Bits:      &wire.BitSequence{Bitmap: f.bitmap, Padding: int32(padding)},
		HashCount: int32(hashCount),
	}
}
