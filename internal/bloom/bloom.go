// Package bloom implements a standard bit-array bloom filter for
// approximate level-file membership testing. The bit array is stored in
// a roaring bitmap, which keeps the serialized form small at the low
// fill fractions a bloom filter runs at and gives the filter a
// compressed, self-describing wire format for free.
package bloom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/RoaringBitmap/roaring"
)

// Filter is an approximate set of keys. Contains never returns false for
// a key that was Inserted; it may return true for a key that was not
// (a false positive), bounded by the configured false-positive rate.
type Filter struct {
	bitCount  uint64
	hashCount uint32
	bits      *roaring.Bitmap
}

// New sizes a filter for expectedElements keys at falsePositiveRate
// (e.g. 0.01 for 1%).
func New(expectedElements int, falsePositiveRate float64) *Filter {
	if expectedElements < 1 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	n := float64(expectedElements)
	m := math.Ceil(-1 * n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	k := math.Round((m / n) * math.Ln2)
	if k < 1 {
		k = 1
	}

	return &Filter{
		bitCount:  uint64(m),
		hashCount: uint32(k),
		bits:      roaring.New(),
	}
}

// Insert adds key to the filter.
func (f *Filter) Insert(key []byte) {
	h1, h2 := doubleHash(key)
	for i := uint32(0); i < f.hashCount; i++ {
		pos := f.position(h1, h2, i)
		f.bits.Add(pos)
	}
}

// Contains reports whether key may be present. False means certainly
// absent; true means possibly present.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := doubleHash(key)
	for i := uint32(0); i < f.hashCount; i++ {
		pos := f.position(h1, h2, i)
		if !f.bits.Contains(pos) {
			return false
		}
	}
	return true
}

func (f *Filter) position(h1, h2 uint64, i uint32) uint32 {
	combined := h1 + uint64(i)*h2
	return uint32(combined % f.bitCount)
}

// doubleHash derives two independent hash values from key using the
// Kirsch-Mitzenmacher construction, so the filter needs only two FNV
// passes regardless of hashCount.
func doubleHash(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	sum1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(key)
	h2.Write([]byte{0xff})
	sum2 := h2.Sum64()
	if sum2 == 0 {
		sum2 = 1
	}
	return sum1, sum2
}

// Serialize writes the filter to a self-describing byte slice: bit
// count, hash count, then the roaring-encoded bitmap.
func (f *Filter) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, f.bitCount); err != nil {
		return nil, fmt.Errorf("bloom: write bit count: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, f.hashCount); err != nil {
		return nil, fmt.Errorf("bloom: write hash count: %w", err)
	}
	if _, err := f.bits.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("bloom: write bitmap: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize reverses Serialize.
func Deserialize(b []byte) (*Filter, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("bloom: truncated filter (%d bytes)", len(b))
	}
	r := bytes.NewReader(b)

	f := &Filter{bits: roaring.New()}
	if err := binary.Read(r, binary.BigEndian, &f.bitCount); err != nil {
		return nil, fmt.Errorf("bloom: read bit count: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &f.hashCount); err != nil {
		return nil, fmt.Errorf("bloom: read hash count: %w", err)
	}
	if _, err := f.bits.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("bloom: read bitmap: %w", err)
	}
	return f, nil
}
