package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4 implements Compressor using LZ4 block (de)compression. The
// compressed form is prefixed with the uncompressed length so Decompress
// never has to guess a destination buffer size.
type LZ4 struct{}

// NewLZ4 creates a new LZ4 compressor.
func NewLZ4() *LZ4 {
	return &LZ4{}
}

// Compress compresses src, prefixing the result with its original length.
func (c *LZ4) Compress(src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	dst := make([]byte, 4+bound)
	binary.BigEndian.PutUint32(dst[:4], uint32(len(src)))

	n, err := lz4.CompressBlock(src, dst[4:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible (or too small to benefit): store raw, with the
		// prefix length equal to -1 (max uint32) as a "stored" marker.
		stored := make([]byte, 4+len(src))
		binary.BigEndian.PutUint32(stored[:4], storedMarker)
		copy(stored[4:], src)
		return stored, nil
	}
	return dst[:4+n], nil
}

// storedMarker flags a block that was stored without compression because
// LZ4 could not shrink it.
const storedMarker = 0xFFFFFFFF

// Decompress reverses Compress.
func (c *LZ4) Decompress(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("lz4 decompress: truncated header")
	}
	size := binary.BigEndian.Uint32(src[:4])
	if size == storedMarker {
		out := make([]byte, len(src)-4)
		copy(out, src[4:])
		return out, nil
	}

	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return dst[:n], nil
}
