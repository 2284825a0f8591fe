// Package fold implements the range-fold engine: an online k-way merge
// across any number of key-ordered sources (level-file readers, the
// nursery's sorted snapshot), in ascending key order, with tombstones
// filtered out and ties broken in favor of the shallower (newer)
// source. It is the single engine behind both the synchronous,
// unbounded fold and the asynchronous, chunked one.
package fold

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/0xReLogic/riverbed/internal/index"
	"github.com/0xReLogic/riverbed/internal/record"
	"github.com/0xReLogic/riverbed/internal/rivererr"
)

// Range bounds a fold; it is index.Range under another name so callers
// outside the index package never need to import it directly.
type Range = index.Range

// Source is one key-ordered stream a fold merges across. Rank orders
// sources for tie-breaking: the source with the lowest rank wins when
// two sources hold the same key (it is the newer write).
type Source interface {
	Peek() (rec record.Record, ok bool, err error)
	Advance() error
	Rank() int
	Close() error
}

// Outcome is the terminal condition a Run call stopped on.
type Outcome int

const (
	Done Outcome = iota
	Limit
)

// Run merges sources in ascending key order and invokes sink for every
// live (non-tombstone) winning record, until sink returns an error,
// limit results have been emitted (limit < 0 means unbounded), every
// source is exhausted, or ctx is done. On Limit, nextKey is the first
// key that was not emitted; resuming a fold there with FromInclusive
// set reproduces it.
func Run(ctx context.Context, sources []Source, limit int, sink func(record.Record) error) (Outcome, []byte, error) {
	emitted := 0
	for {
		if err := ctx.Err(); err != nil {
			return Done, nil, classifyContextErr(err)
		}

		winner := -1
		var winKey []byte
		for i, s := range sources {
			rec, ok, err := s.Peek()
			if err != nil {
				return Done, nil, err
			}
			if !ok {
				continue
			}
			if winner == -1 {
				winner, winKey = i, rec.Key
				continue
			}
			c := bytes.Compare(rec.Key, winKey)
			if c < 0 || (c == 0 && s.Rank() < sources[winner].Rank()) {
				winner, winKey = i, rec.Key
			}
		}
		if winner == -1 {
			return Done, nil, nil
		}

		if limit >= 0 && emitted >= limit {
			return Limit, append([]byte(nil), winKey...), nil
		}

		winRec, ok, err := sources[winner].Peek()
		if err != nil {
			return Done, nil, err
		}
		if !ok {
			return Done, nil, fmt.Errorf("fold: winner source emptied between peeks")
		}

		for _, s := range sources {
			rec, ok, err := s.Peek()
			if err != nil {
				return Done, nil, err
			}
			if ok && bytes.Equal(rec.Key, winKey) {
				if err := s.Advance(); err != nil {
					return Done, nil, err
				}
			}
		}

		if winRec.Tombstone {
			continue
		}
		if err := sink(winRec); err != nil {
			return Done, nil, err
		}
		emitted++
	}
}

func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rivererr.ErrTimeout
	}
	return rivererr.ErrCancelled
}

// CloseAll closes every source, collecting the first error encountered
// (callers typically ignore close errors on a read path but the first
// one is still surfaced for logging).
func CloseAll(sources []Source) error {
	var first error
	for _, s := range sources {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
