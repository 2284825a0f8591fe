package index

import (
	"bufio"
	"fmt"
	"os"

	"github.com/0xReLogic/riverbed/internal/block"
	"github.com/0xReLogic/riverbed/internal/bloom"
	"github.com/0xReLogic/riverbed/internal/compress"
	"github.com/0xReLogic/riverbed/internal/record"
	"github.com/0xReLogic/riverbed/internal/rivererr"
)

// WriterOptions tunes the shape of the B-tree spine a level file builds.
type WriterOptions struct {
	LeafFanout       int
	InnerFanout      int
	BloomFPRate      float64
	ExpectedElements int // sizing hint only; the bloom filter still holds every key actually seen
}

// DefaultWriterOptions returns reasonable defaults for a level file.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		LeafFanout:       128,
		InnerFanout:      128,
		BloomFPRate:      0.01,
		ExpectedElements: 1024,
	}
}

// RecordIterator is a lazy, key-ordered, duplicate-free stream of
// records: the nursery's sorted snapshot, or the merger's online merge.
type RecordIterator interface {
	// Next returns the next record in ascending key order, or ok=false
	// at end of stream.
	Next() (rec record.Record, ok bool, err error)
}

// WriteStats summarizes a level file that was just written. The zero
// value (Path == "") means the input stream held no surviving records,
// so no file was written at all.
type WriteStats struct {
	Path        string
	RecordCount int
	ByteSize    int64
	MinKey      []byte
	MaxKey      []byte
}

type stagedChild struct {
	key  []byte
	ptr  block.ChildPointer
}

// Write consumes it and produces a level file at finalPath: leaves,
// then an inner spine built bottom-up, then the end-of-blocks sentinel,
// the compressed bloom filter, and the 12-byte trailer. It writes under
// a temporary name and renames atomically on success; on failure the
// temporary file is left in place for cleanup. If it consumes zero
// records it removes its own temporary file and returns a zero
// WriteStats rather than treating an empty result as an error.
func Write(finalPath string, it RecordIterator, opts WriterOptions) (WriteStats, error) {
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return WriteStats{}, rivererr.Io("create", tmpPath, err)
	}
	w := bufio.NewWriter(f)

	filter := bloom.New(maxInt(opts.ExpectedElements, 1), opts.BloomFPRate)
	var offset int64
	var minKey, maxKey []byte
	count := 0

	var leafBuf []block.LeafEntry
	var staged [][]stagedChild // staged[i] = pending (key, pointer) entries one tree-level above level i

	flushLeaf := func() error {
		if len(leafBuf) == 0 {
			return nil
		}
		n, err := block.EncodeLeaf(w, leafBuf)
		if err != nil {
			return err
		}
		first := leafBuf[0].Key
		ensureStageLevel(&staged, 0)
		staged[0] = append(staged[0], stagedChild{
			key: first,
			ptr: block.ChildPointer{Offset: uint64(offset), Size: uint32(n)},
		})
		offset += int64(n)
		leafBuf = leafBuf[:0]
		return nil
	}

	// flushInner flushes the staged children at tree-level lvl (lvl-1 is
	// the level of the children themselves) into one inner block, and
	// stages the result one level higher.
	flushInner := func(lvl int) error {
		children := staged[lvl-1]
		if len(children) == 0 {
			return nil
		}
		entries := make([]block.InnerEntry, len(children))
		for i, c := range children {
			entries[i] = block.InnerEntry{Key: c.key, Child: c.ptr}
		}
		n, err := block.EncodeInner(w, uint16(lvl), entries)
		if err != nil {
			return err
		}
		first := children[0].key
		ensureStageLevel(&staged, lvl)
		staged[lvl] = append(staged[lvl], stagedChild{
			key: first,
			ptr: block.ChildPointer{Offset: uint64(offset), Size: uint32(n)},
		})
		offset += int64(n)
		staged[lvl-1] = nil
		return nil
	}

	abort := func(cause error) (WriteStats, error) {
		w.Flush()
		f.Close()
		return WriteStats{}, rivererr.Io("write", tmpPath, cause)
	}

	for {
		rec, ok, err := it.Next()
		if err != nil {
			return abort(err)
		}
		if !ok {
			break
		}
		filter.Insert(rec.Key)
		count++
		if minKey == nil {
			minKey = append([]byte(nil), rec.Key...)
		}
		maxKey = append([]byte(nil), rec.Key...)

		leafBuf = append(leafBuf, block.LeafEntry{Key: rec.Key, Value: rec.Value, Tombstone: rec.Tombstone})
		if len(leafBuf) >= opts.LeafFanout {
			if err := flushLeaf(); err != nil {
				return abort(err)
			}
			if err := bubbleUp(&staged, opts.InnerFanout, flushInner); err != nil {
				return abort(err)
			}
		}
	}

	if err := flushLeaf(); err != nil {
		return abort(err)
	}

	if count == 0 {
		// A merge whose every input was a tombstone can legitimately
		// produce no surviving records (e.g. the deepest level dropping
		// tombstones with nothing underneath them). That is not a
		// failure: there is simply no file to write. A disk error while
		// discarding the temp file still is one, though.
		if err := w.Flush(); err != nil {
			return abort(err)
		}
		if err := f.Close(); err != nil {
			return WriteStats{}, rivererr.Io("close", tmpPath, err)
		}
		if err := os.Remove(tmpPath); err != nil {
			return WriteStats{}, rivererr.Io("remove", tmpPath, err)
		}
		return WriteStats{}, nil
	}

	rootOffset, err := finalize(&staged, flushInner)
	if err != nil {
		return abort(err)
	}

	if err := block.WriteEndOfBlocks(w); err != nil {
		return abort(err)
	}

	serialized, err := filter.Serialize()
	if err != nil {
		return abort(fmt.Errorf("serialize bloom: %w", err))
	}
	compressed, err := compress.NewLZ4().Compress(serialized)
	if err != nil {
		return abort(fmt.Errorf("compress bloom: %w", err))
	}
	if _, err := w.Write(compressed); err != nil {
		return abort(fmt.Errorf("write bloom: %w", err))
	}

	if err := writeTrailer(w, uint32(len(compressed)), uint64(rootOffset)); err != nil {
		return abort(err)
	}

	if err := w.Flush(); err != nil {
		return abort(err)
	}
	if err := f.Sync(); err != nil {
		return abort(err)
	}
	if err := f.Close(); err != nil {
		return WriteStats{}, rivererr.Io("close", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return WriteStats{}, rivererr.Io("rename", finalPath, err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return WriteStats{}, rivererr.Io("stat", finalPath, err)
	}

	return WriteStats{
		Path:        finalPath,
		RecordCount: count,
		ByteSize:    info.Size(),
		MinKey:      minKey,
		MaxKey:      maxKey,
	}, nil
}

func ensureStageLevel(staged *[][]stagedChild, lvl int) {
	for len(*staged) <= lvl {
		*staged = append(*staged, nil)
	}
}

// bubbleUp flushes any staging level that has reached innerFanout,
// cascading upward as each flush stages a new child one level higher.
func bubbleUp(staged *[][]stagedChild, innerFanout int, flushInner func(lvl int) error) error {
	for lvl := 1; lvl <= len(*staged); lvl++ {
		if len((*staged)[lvl-1]) >= innerFanout {
			if err := flushInner(lvl); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalize flushes all remaining staged levels bottom-up until exactly
// one block remains at the top; that block's offset is the root.
func finalize(staged *[][]stagedChild, flushInner func(lvl int) error) (int64, error) {
	if len(*staged) == 0 {
		return 0, fmt.Errorf("index writer: empty stream produced no blocks")
	}

	// Only one leaf was ever written and it was never promoted: it is
	// the root.
	if len(*staged) == 1 && len((*staged)[0]) == 1 {
		return int64((*staged)[0][0].ptr.Offset), nil
	}

	lvl := 1
	for {
		ensureStageLevel(staged, lvl)
		if err := flushInner(lvl); err != nil {
			return 0, err
		}
		if len((*staged)[lvl]) == 1 && allLevelsAboveEmpty(*staged, lvl) {
			return int64((*staged)[lvl][0].ptr.Offset), nil
		}
		lvl++
		if lvl > 64 {
			return 0, fmt.Errorf("index writer: spine did not converge")
		}
	}
}

func allLevelsAboveEmpty(staged [][]stagedChild, lvl int) bool {
	for i := lvl + 1; i < len(staged); i++ {
		if len(staged[i]) != 0 {
			return false
		}
	}
	return true
}

func writeTrailer(w *bufio.Writer, bloomSize uint32, rootOffset uint64) error {
	buf := make([]byte, 12)
	buf[0] = byte(bloomSize >> 24)
	buf[1] = byte(bloomSize >> 16)
	buf[2] = byte(bloomSize >> 8)
	buf[3] = byte(bloomSize)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(rootOffset >> (56 - 8*i))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
