package fold

import (
	"bytes"

	"github.com/0xReLogic/riverbed/internal/index"
	"github.com/0xReLogic/riverbed/internal/record"
)

// readerSource adapts an index.Reader's RangeCursor to Source, closing
// the reader itself when the fold is done with it.
type readerSource struct {
	reader *index.Reader
	cursor *index.RangeCursor
	rank   int
}

// NewReaderSource opens a sequential reader over path and positions it
// at the start of rng, tagged with rank for tie-breaking.
func NewReaderSource(path string, rng Range, rank int) (Source, error) {
	r, err := index.Open(path, index.ModeSequential)
	if err != nil {
		return nil, err
	}
	cursor, err := r.RangeCursor(rng)
	if err != nil {
		r.Close()
		return nil, err
	}
	return &readerSource{reader: r, cursor: cursor, rank: rank}, nil
}

func (s *readerSource) Peek() (record.Record, bool, error) { return s.cursor.Peek() }
func (s *readerSource) Advance() error                     { return s.cursor.Advance() }
func (s *readerSource) Rank() int                           { return s.rank }
func (s *readerSource) Close() error { return s.reader.Close() }

// sliceSource adapts an in-memory sorted slice (the nursery's snapshot)
// to Source.
type sliceSource struct {
	recs []record.Record
	rng  Range
	pos  int
	rank int
}

// NewSliceSource wraps a key-sorted, duplicate-free slice of records,
// filtering it to rng, tagged with rank for tie-breaking.
func NewSliceSource(recs []record.Record, rng Range, rank int) Source {
	return &sliceSource{recs: recs, rng: rng, rank: rank}
}

func (s *sliceSource) Peek() (record.Record, bool, error) {
	for s.pos < len(s.recs) {
		rec := s.recs[s.pos]
		if s.pastEnd(rec.Key) {
			s.pos = len(s.recs)
			return record.Record{}, false, nil
		}
		if !s.rng.Contains(rec.Key) {
			s.pos++
			continue
		}
		return rec, true, nil
	}
	return record.Record{}, false, nil
}

func (s *sliceSource) pastEnd(key []byte) bool {
	if s.rng.ToKey == nil {
		return false
	}
	c := bytes.Compare(key, s.rng.ToKey)
	if s.rng.ToInclusive {
		return c > 0
	}
	return c >= 0
}

func (s *sliceSource) Advance() error {
	s.pos++
	return nil
}

func (s *sliceSource) Rank() int { return s.rank }
func (s *sliceSource) Close() error { return nil }
