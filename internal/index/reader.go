package index

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/0xReLogic/riverbed/internal/block"
	"github.com/0xReLogic/riverbed/internal/bloom"
	"github.com/0xReLogic/riverbed/internal/compress"
	"github.com/0xReLogic/riverbed/internal/record"
	"github.com/0xReLogic/riverbed/internal/rivererr"
)

// Mode selects the reader's I/O strategy. Point lookups always use
// unbuffered ReadAt regardless of Mode; Mode only governs the
// bufio.Reader used for sequential leaf iteration.
type Mode int

const (
	// ModeRandom allocates no read-ahead buffer at open; one is created
	// only if a sequential method (FirstLeaf, RangeFold, RangeCursor) is
	// later called.
	ModeRandom Mode = iota
	// ModeSequential allocates a read-ahead buffer for NextLeaf/RangeFold.
	ModeSequential
)

const trailerSize = 12 // bloom_size:u32 + root_offset:u64

// Reader opens one immutable level file.
type Reader struct {
	path       string
	mode       Mode
	f          *os.File
	br         *bufio.Reader
	cursor     int64
	size       int64
	bloomStart int64
	rootOffset int64
	filter     *bloom.Filter
	minKey     []byte
	maxKey     []byte
}

// Open reads the trailer, the bloom filter, and the root block's offset.
func Open(path string, mode Mode) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rivererr.Io("open", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, rivererr.Io("stat", path, err)
	}
	size := info.Size()
	if size < trailerSize {
		f.Close()
		return nil, rivererr.CorruptErr(path, "file shorter than trailer")
	}

	trailer := make([]byte, trailerSize)
	if _, err := f.ReadAt(trailer, size-trailerSize); err != nil {
		f.Close()
		return nil, rivererr.Io("read trailer", path, err)
	}
	bloomSize := beUint32(trailer[0:4])
	rootOffset := beUint64(trailer[4:12])

	bloomStart := size - trailerSize - int64(bloomSize)
	if bloomStart < 0 {
		f.Close()
		return nil, rivererr.CorruptErr(path, "trailer bloom size exceeds file")
	}

	bloomBytes := make([]byte, bloomSize)
	if bloomSize > 0 {
		if _, err := f.ReadAt(bloomBytes, bloomStart); err != nil {
			f.Close()
			return nil, rivererr.Io("read bloom", path, err)
		}
	}
	serialized, err := compress.NewLZ4().Decompress(bloomBytes)
	if err != nil {
		f.Close()
		return nil, rivererr.CorruptErr(path, fmt.Sprintf("bloom decompress: %v", err))
	}
	filter, err := bloom.Deserialize(serialized)
	if err != nil {
		f.Close()
		return nil, rivererr.CorruptErr(path, fmt.Sprintf("bloom deserialize: %v", err))
	}

	r := &Reader{
		path:       path,
		mode:       mode,
		f:          f,
		size:       size,
		bloomStart: bloomStart,
		rootOffset: int64(rootOffset),
		filter:     filter,
	}

	if err := r.loadKeyRange(); err != nil {
		f.Close()
		return nil, err
	}

	if mode == ModeSequential {
		r.br = bufio.NewReader(f)
	}
	return r, nil
}

// Path returns the file path this reader was opened against.
func (r *Reader) Path() string { return r.path }

// Close releases the underlying file descriptor.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return rivererr.Io("close", r.path, err)
	}
	return nil
}

// MinKey and MaxKey return the smallest and largest key in the file.
func (r *Reader) MinKey() []byte { return r.minKey }
func (r *Reader) MaxKey() []byte { return r.maxKey }

func (r *Reader) loadKeyRange() error {
	root, err := r.readBlockAt(r.rootOffset)
	if err != nil {
		return err
	}
	first, err := r.descendFirstKey(root)
	if err != nil {
		return err
	}
	last, err := r.descendLastKey(root)
	if err != nil {
		return err
	}
	r.minKey, r.maxKey = first, last
	return nil
}

func (r *Reader) descendFirstKey(b *block.Block) ([]byte, error) {
	if b.Level == block.LeafLevel {
		if len(b.Leaf) == 0 {
			return nil, nil
		}
		return b.Leaf[0].Key, nil
	}
	if len(b.Inner) == 0 {
		return nil, rivererr.CorruptErr(r.path, "empty inner node")
	}
	child, err := r.readBlockAt(int64(b.Inner[0].Child.Offset))
	if err != nil {
		return nil, err
	}
	return r.descendFirstKey(child)
}

func (r *Reader) descendLastKey(b *block.Block) ([]byte, error) {
	if b.Level == block.LeafLevel {
		if len(b.Leaf) == 0 {
			return nil, nil
		}
		return b.Leaf[len(b.Leaf)-1].Key, nil
	}
	if len(b.Inner) == 0 {
		return nil, rivererr.CorruptErr(r.path, "empty inner node")
	}
	last := b.Inner[len(b.Inner)-1]
	child, err := r.readBlockAt(int64(last.Child.Offset))
	if err != nil {
		return nil, err
	}
	return r.descendLastKey(child)
}

// readBlockAt reads and decodes the block at offset via unbuffered
// ReadAt, independent of the sequential cursor.
func (r *Reader) readBlockAt(offset int64) (*block.Block, error) {
	header := make([]byte, 6)
	if _, err := r.f.ReadAt(header, offset); err != nil {
		return nil, rivererr.Io("read block header", r.path, err)
	}
	length := beUint32(header[0:4])
	if length < 2 {
		return nil, rivererr.CorruptErr(r.path, fmt.Sprintf("block at %d has invalid length %d", offset, length))
	}
	body := make([]byte, int64(length)-2)
	if len(body) > 0 {
		if _, err := r.f.ReadAt(body, offset+6); err != nil {
			return nil, rivererr.Io("read block body", r.path, err)
		}
	}
	full := append(header, body...)
	b, err := block.Decode(bytes.NewReader(full))
	if err != nil {
		return nil, rivererr.CorruptErr(r.path, fmt.Sprintf("block at %d: %v", offset, err))
	}
	return b, nil
}

// Lookup performs a point lookup, descending the inner spine via
// random-access reads after a bloom-filter short-circuit.
func (r *Reader) Lookup(key []byte) (record.Record, bool, error) {
	if !r.filter.Contains(key) {
		return record.Record{}, false, nil
	}

	offset := r.rootOffset
	for {
		b, err := r.readBlockAt(offset)
		if err != nil {
			return record.Record{}, false, err
		}
		if b.Level == block.LeafLevel {
			idx := sort.Search(len(b.Leaf), func(i int) bool {
				return bytes.Compare(b.Leaf[i].Key, key) >= 0
			})
			if idx < len(b.Leaf) && bytes.Equal(b.Leaf[idx].Key, key) {
				e := b.Leaf[idx]
				return record.Record{Key: e.Key, Value: e.Value, Tombstone: e.Tombstone}, true, nil
			}
			return record.Record{}, false, nil
		}

		idx := childForKey(b.Inner, key)
		offset = int64(b.Inner[idx].Child.Offset)
	}
}

// childForKey picks the child whose separator is the greatest key <= k;
// the last child covers [K_n, +inf).
func childForKey(entries []block.InnerEntry, key []byte) int {
	idx := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) > 0
	}) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// resetCursor seeks the sequential reader to offset and discards any
// buffered read-ahead.
func (r *Reader) resetCursor(offset int64) error {
	if r.br == nil {
		r.br = bufio.NewReader(r.f)
	}
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return rivererr.Io("seek", r.path, err)
	}
	r.br.Reset(r.f)
	r.cursor = offset
	return nil
}

// FirstLeaf returns the members of the first leaf in the file.
func (r *Reader) FirstLeaf() ([]block.LeafEntry, error) {
	if err := r.resetCursor(0); err != nil {
		return nil, err
	}
	return r.nextLeafLocked()
}

// NextLeaf advances past the current block and returns the next leaf's
// members, skipping inner blocks transparently. It returns io.EOF once
// the end-of-blocks sentinel is reached.
func (r *Reader) NextLeaf() ([]block.LeafEntry, error) {
	if r.br == nil {
		return r.FirstLeaf()
	}
	return r.nextLeafLocked()
}

func (r *Reader) nextLeafLocked() ([]block.LeafEntry, error) {
	for {
		header := make([]byte, 6)
		if _, err := io.ReadFull(r.br, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, io.EOF
			}
			return nil, rivererr.Io("read block header", r.path, err)
		}
		length := beUint32(header[0:4])
		if length == 0 {
			return nil, io.EOF
		}
		level := beUint16(header[4:6])
		body := make([]byte, int64(length)-2)
		if len(body) > 0 {
			if _, err := io.ReadFull(r.br, body); err != nil {
				return nil, rivererr.Io("read block body", r.path, err)
			}
		}
		r.cursor += 6 + int64(len(body))

		if level != block.LeafLevel {
			continue // skip inner blocks transparently
		}
		full := append(header, body...)
		b, err := block.Decode(bytes.NewReader(full))
		if err != nil {
			return nil, rivererr.CorruptErr(r.path, err.Error())
		}
		return b.Leaf, nil
	}
}

// Range bounds a scan: nil FromKey/ToKey means unbounded on that side.
type Range struct {
	FromKey       []byte
	FromInclusive bool
	ToKey         []byte
	ToInclusive   bool
}

// Contains reports whether key falls within the range.
func (rg Range) Contains(key []byte) bool {
	if rg.FromKey != nil {
		cmp := bytes.Compare(key, rg.FromKey)
		if cmp < 0 || (cmp == 0 && !rg.FromInclusive) {
			return false
		}
	}
	if rg.ToKey != nil {
		cmp := bytes.Compare(key, rg.ToKey)
		if cmp > 0 || (cmp == 0 && !rg.ToInclusive) {
			return false
		}
	}
	return true
}

// pastEnd reports whether key is at or beyond the range's upper bound,
// i.e. iteration can stop.
func (rg Range) pastEnd(key []byte) bool {
	if rg.ToKey == nil {
		return false
	}
	cmp := bytes.Compare(key, rg.ToKey)
	if rg.ToInclusive {
		return cmp > 0
	}
	return cmp >= 0
}

// FoldOutcome is the terminal condition a RangeFold call stopped on.
type FoldOutcome int

const (
	FoldDone FoldOutcome = iota
	FoldLimit
)

// RangeFold positions the cursor at the first leaf that can contain
// rng.FromKey, then invokes fn on every record in range, in ascending
// key order, until fn returns an error, limit results have been
// emitted, a key at or past the upper bound is reached, or EOF. A
// negative limit means unbounded.
func (r *Reader) RangeFold(rng Range, limit int, fn func(record.Record) error) (FoldOutcome, []byte, error) {
	startOffset, err := r.locateStart(rng.FromKey)
	if err != nil {
		return FoldDone, nil, err
	}
	if err := r.resetCursor(startOffset); err != nil {
		return FoldDone, nil, err
	}

	emitted := 0
	for {
		leaf, err := r.nextLeafLocked()
		if err == io.EOF {
			return FoldDone, nil, nil
		}
		if err != nil {
			return FoldDone, nil, err
		}
		for _, e := range leaf {
			if rng.pastEnd(e.Key) {
				return FoldDone, nil, nil
			}
			if !rng.Contains(e.Key) {
				continue
			}
			if limit >= 0 && emitted >= limit {
				next := append([]byte(nil), e.Key...)
				return FoldLimit, next, nil
			}
			rec := record.Record{Key: e.Key, Value: e.Value, Tombstone: e.Tombstone}
			if err := fn(rec); err != nil {
				return FoldDone, nil, err
			}
			emitted++
		}
	}
}

// locateStart descends the inner spine to find the leaf offset that
// could contain fromKey; nil means "from the beginning of the file".
func (r *Reader) locateStart(fromKey []byte) (int64, error) {
	if fromKey == nil {
		return 0, nil
	}
	offset := r.rootOffset
	for {
		b, err := r.readBlockAt(offset)
		if err != nil {
			return 0, err
		}
		if b.Level == block.LeafLevel {
			return offset, nil
		}
		idx := childForKey(b.Inner, fromKey)
		offset = int64(b.Inner[idx].Child.Offset)
	}
}

// RangeCursor is a pull-based iterator over one reader's records within
// a range, used by the fold package's online k-way merge across
// levels. Unlike RangeFold it does not drive a callback itself: the
// caller peeks to compare keys across sources, then advances the
// source it chose to consume from.
type RangeCursor struct {
	r       *Reader
	rng     Range
	buf     []block.LeafEntry
	pos     int
	done    bool
	started bool
}

// RangeCursor opens a pull-based cursor over rng. The reader must be in
// ModeSequential.
func (r *Reader) RangeCursor(rng Range) (*RangeCursor, error) {
	offset, err := r.locateStart(rng.FromKey)
	if err != nil {
		return nil, err
	}
	if err := r.resetCursor(offset); err != nil {
		return nil, err
	}
	c := &RangeCursor{r: r, rng: rng}
	if err := c.fill(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RangeCursor) fill() error {
	for {
		leaf, err := c.r.nextLeafLocked()
		if err == io.EOF {
			c.done = true
			c.buf = nil
			c.pos = 0
			return nil
		}
		if err != nil {
			return err
		}
		if len(leaf) == 0 {
			continue
		}
		c.buf = leaf
		c.pos = 0
		return nil
	}
}

// Peek returns the next in-range record without consuming it. ok is
// false once the cursor is exhausted or has passed the range's upper
// bound.
func (c *RangeCursor) Peek() (record.Record, bool, error) {
	for {
		if c.done {
			return record.Record{}, false, nil
		}
		if c.pos >= len(c.buf) {
			if err := c.fill(); err != nil {
				return record.Record{}, false, err
			}
			continue
		}
		e := c.buf[c.pos]
		if c.rng.pastEnd(e.Key) {
			c.done = true
			return record.Record{}, false, nil
		}
		if !c.rng.Contains(e.Key) {
			c.pos++
			continue
		}
		return record.Record{Key: e.Key, Value: e.Value, Tombstone: e.Tombstone}, true, nil
	}
}

// Advance consumes the record last returned by Peek.
func (c *RangeCursor) Advance() error {
	c.pos++
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
