// Package merger combines two or more immutable level files into one,
// via a k-way merge over their leaf entries. Ties are broken by rank:
// the lowest rank wins, matching "the shallower level's write is
// newer". The merge can optionally drop tombstones once they have
// reached the deepest level and no older value can remain underneath
// them.
package merger

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/0xReLogic/riverbed/internal/block"
	"github.com/0xReLogic/riverbed/internal/index"
	"github.com/0xReLogic/riverbed/internal/record"
)

// Input is one source level file to merge, tagged with its rank:
// rank 0 is the shallowest (newest) input, so on a key collision it
// wins.
type Input struct {
	Path string
	Rank int
}

// Merge opens every input in parallel, streams their leaf entries
// through a k-way merge, and writes the result to outputPath via
// index.Write. If dropTombstones is set, tombstone winners are
// discarded instead of carried forward, which is only sound when
// merging into the deepest level (no older data can remain under a
// dropped tombstone there).
func Merge(inputs []Input, outputPath string, dropTombstones bool, opts index.WriterOptions) (index.WriteStats, error) {
	readers := make([]*index.Reader, len(inputs))

	g := new(errgroup.Group)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			r, err := index.Open(in.Path, index.ModeSequential)
			if err != nil {
				return fmt.Errorf("merger: open %s: %w", in.Path, err)
			}
			readers[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range readers {
			if r != nil {
				r.Close()
			}
		}
		return index.WriteStats{}, err
	}
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	cursors := make([]*cursor, 0, len(inputs))
	for i, in := range inputs {
		c, err := newCursor(readers[i], in.Rank)
		if err != nil {
			return index.WriteStats{}, err
		}
		if c != nil {
			cursors = append(cursors, c)
		}
	}

	it := &mergeIterator{cursors: cursors, dropTombstones: dropTombstones}
	heap.Init(it)

	return index.Write(outputPath, it, opts)
}

// cursor walks one input's leaf entries in order, refilling its buffer
// from the underlying reader as it's exhausted.
type cursor struct {
	reader *index.Reader
	rank   int
	buf    []block.LeafEntry
	pos    int
	done   bool
}

func newCursor(r *index.Reader, rank int) (*cursor, error) {
	c := &cursor{reader: r, rank: rank}
	if err := c.fill(true); err != nil {
		return nil, err
	}
	if c.done {
		return nil, nil
	}
	return c, nil
}

func (c *cursor) fill(first bool) error {
	for {
		var leaf []block.LeafEntry
		var err error
		if first {
			leaf, err = c.reader.FirstLeaf()
		} else {
			leaf, err = c.reader.NextLeaf()
		}
		if err != nil {
			c.done = true
			c.buf = nil
			c.pos = 0
			return classifyEOF(err)
		}
		if len(leaf) > 0 {
			c.buf = leaf
			c.pos = 0
			return nil
		}
		// An empty leaf (shouldn't normally occur, but tolerate it) just
		// advances to the next one.
		first = false
	}
}

func classifyEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *cursor) current() block.LeafEntry { return c.buf[c.pos] }

// advance moves past the current entry, refilling from the reader if
// the buffer is exhausted.
func (c *cursor) advance() error {
	c.pos++
	if c.pos < len(c.buf) {
		return nil
	}
	return c.fill(false)
}

// mergeIterator implements both index.RecordIterator and
// container/heap.Interface over the live cursor set.
type mergeIterator struct {
	cursors        []*cursor
	dropTombstones bool
}

func (m *mergeIterator) Len() int { return len(m.cursors) }

func (m *mergeIterator) Less(i, j int) bool {
	a, b := m.cursors[i].current(), m.cursors[j].current()
	c := bytes.Compare(a.Key, b.Key)
	if c != 0 {
		return c < 0
	}
	return m.cursors[i].rank < m.cursors[j].rank
}

func (m *mergeIterator) Swap(i, j int) { m.cursors[i], m.cursors[j] = m.cursors[j], m.cursors[i] }

func (m *mergeIterator) Push(x any) { m.cursors = append(m.cursors, x.(*cursor)) }

func (m *mergeIterator) Pop() any {
	old := m.cursors
	n := len(old)
	c := old[n-1]
	m.cursors = old[:n-1]
	return c
}

// Next returns the next merged record: the winner among every cursor
// currently positioned at the smallest key, with losing cursors on
// that key silently advanced past (shadowed). Tombstone winners are
// dropped only when dropTombstones is set.
func (m *mergeIterator) Next() (record.Record, bool, error) {
	for {
		if m.Len() == 0 {
			return record.Record{}, false, nil
		}

		winner := m.cursors[0]
		key := append([]byte(nil), winner.current().Key...)
		entry := winner.current()

		for m.Len() > 0 && bytes.Compare(m.cursors[0].current().Key, key) == 0 {
			c := m.cursors[0]
			if err := c.advance(); err != nil {
				return record.Record{}, false, err
			}
			if c.done {
				heap.Pop(m)
			} else {
				heap.Fix(m, 0)
			}
		}

		if entry.Tombstone && m.dropTombstones {
			continue
		}
		return record.Record{Key: key, Value: entry.Value, Tombstone: entry.Tombstone}, true, nil
	}
}

