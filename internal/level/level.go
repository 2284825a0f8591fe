// Package level models one level of the tree as a small chain:
// Level 0 holds the most recently flushed nursery snapshots, and each
// Level points at the next, deeper one. A level never holds more than
// two files; the moment it reaches two, a background merge combines
// them into one file one level deeper. Reads walk the chain
// newest-first, consulting a level's files before falling through to
// the next level.
package level

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/0xReLogic/riverbed/internal/fold"
	"github.com/0xReLogic/riverbed/internal/index"
	"github.com/0xReLogic/riverbed/internal/merger"
	"github.com/0xReLogic/riverbed/internal/record"
)

// rankBucket spaces out each level's rank space so that any file at
// level N always has a lower rank than (wins ties against) every file
// at level N+1,
// regardless of how many files a level transiently holds.
const rankBucket = 1024

// FileMeta describes one level file tracked in memory: its path, the
// slot it occupies on disk, and its key range (used to skip opening
// files that cannot contain a lookup key).
type FileMeta struct {
	Path   string
	Slot   index.Slot
	MinKey []byte
	MaxKey []byte
}

// Outcome reports a background merge's result back to the tree's
// single writer goroutine, which is the only place level state (files,
// next) is allowed to mutate.
type Outcome struct {
	Level    int
	Err      error
	OldFiles []FileMeta
	NewFile  FileMeta // Path is a temporary file ApplyOutcome renames into place; empty means the merge dropped every input as tombstones
}

// ReportFunc delivers a completed (or failed) background merge. It is a
// plain function value, not an interface back to the owning tree, so
// this package never needs to import its caller.
type ReportFunc func(Outcome)

// Level is one level of the tree.
type Level struct {
	mu       sync.RWMutex
	number   int
	dir      string
	files    []FileMeta // oldest first; Inject appends, so the newest is always last
	next     *Level
	merging  bool
	report   ReportFunc
	opts     index.WriterOptions
	makeNext func(number int) *Level
}

// New builds a level. makeNext lazily constructs the next, deeper level
// the first time this level needs one; it is supplied by the owning
// tree so this package never has to know how the chain as a whole is
// wired together.
func New(number int, dir string, opts index.WriterOptions, report ReportFunc, makeNext func(int) *Level) *Level {
	return &Level{
		number:   number,
		dir:      dir,
		opts:     opts,
		report:   report,
		makeNext: makeNext,
	}
}

// Number returns this level's depth (0 is shallowest).
func (l *Level) Number() int { return l.number }

// Files returns a snapshot of the files currently tracked at this
// level, for diagnostics.
func (l *Level) Files() []FileMeta {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]FileMeta(nil), l.files...)
}

// EnsureNext returns the next, deeper level, creating it via makeNext
// on first use.
func (l *Level) EnsureNext() *Level {
	l.mu.Lock()
	if l.next == nil {
		l.next = l.makeNext(l.number + 1)
	}
	next := l.next
	l.mu.Unlock()
	return next
}

// Next returns the next, deeper level, or nil if none has been created
// yet.
func (l *Level) Next() *Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// Inject attaches a newly written file to this level. It is only ever
// called from the tree's single writer goroutine (either with a fresh
// nursery flush at level 0, or with a merged file cascading down from
// a shallower level), so no external synchronization beyond that
// single-writer discipline is required for writes; Inject itself still
// takes the lock because Lookup and CollectSources read concurrently.
func (l *Level) Inject(file FileMeta) {
	l.mu.Lock()
	l.files = append(l.files, file)
	shouldMerge := len(l.files) >= 2 && !l.merging
	if shouldMerge {
		l.merging = true
	}
	snapshot := append([]FileMeta(nil), l.files...)
	l.mu.Unlock()

	if shouldMerge {
		go l.runMerge(snapshot)
	}
}

// runMerge merges every file currently staged (oldest to newest; rank 0
// is the newest so it wins ties) into one file, and reports the
// outcome. It never mutates Level state directly: only ApplyOutcome,
// invoked from the writer goroutine after this function reports, does
// that.
func (l *Level) runMerge(files []FileMeta) {
	inputs := make([]merger.Input, len(files))
	for i, f := range files {
		inputs[i] = merger.Input{Path: f.Path, Rank: len(files) - 1 - i}
	}

	tmpPath := fmt.Sprintf("%s.merge-%d.tmp", index.FilePath(l.dir, l.number, index.SlotA), l.number)
	dropTombstones := l.Next() == nil

	stats, err := merger.Merge(inputs, tmpPath, dropTombstones, l.opts)
	if err != nil {
		l.report(Outcome{Level: l.number, Err: err, OldFiles: files})
		return
	}

	// A deepest-level merge of nothing but tombstones can legitimately
	// drop every record; stats.Path is empty in that case, and
	// NewFile.Path stays empty too, so ApplyOutcome knows there is
	// nothing to carry forward.
	l.report(Outcome{
		Level:    l.number,
		OldFiles: files,
		NewFile: FileMeta{
			Path:   stats.Path,
			MinKey: stats.MinKey,
			MaxKey: stats.MaxKey,
		},
	})
}

// MergeFailed clears the merging flag after a background merge reported
// a failure, without touching l.files, so the same file set can be
// retried (via RetryMerge) or abandoned by the caller.
func (l *Level) MergeFailed() {
	l.mu.Lock()
	l.merging = false
	l.mu.Unlock()
}

// RetryMerge re-runs a background merge over the same file set as a
// previous attempt that reported a failure. The caller is responsible
// for deciding how many retries are allowed; this just performs one.
func (l *Level) RetryMerge(files []FileMeta) {
	l.mu.Lock()
	l.merging = true
	l.mu.Unlock()
	go l.runMerge(files)
}

// ApplyOutcome applies a completed, successful merge's result: it
// removes the merged-away files from this level and, if the merge
// produced a file, moves it into the next level's directory under its
// own canonical name and injects it there (creating the next level on
// first use). The merged-away files are unlinked from disk only after
// that rename. A merge that dropped every input as tombstones produces
// no file, in which case only the removal happens. It must only be
// called from the tree's single writer goroutine, and only for an
// Outcome with Err == nil.
func (l *Level) ApplyOutcome(o Outcome) error {
	l.mu.Lock()
	l.merging = false

	oldSet := make(map[string]bool, len(o.OldFiles))
	for _, f := range o.OldFiles {
		oldSet[f.Path] = true
	}
	remaining := l.files[:0:0]
	for _, f := range l.files {
		if !oldSet[f.Path] {
			remaining = append(remaining, f)
		}
	}
	l.files = remaining
	needsMoreMerge := len(l.files) >= 2
	if needsMoreMerge {
		l.merging = true
	}
	survivors := append([]FileMeta(nil), l.files...)

	var next *Level
	if o.NewFile.Path != "" {
		next = l.next
		if next == nil {
			next = l.makeNext(l.number + 1)
			l.next = next
		}
	}
	l.mu.Unlock()

	if next != nil {
		slot := next.pickSlot()
		finalPath := index.FilePath(next.dir, next.number, slot)
		if err := os.Rename(o.NewFile.Path, finalPath); err != nil {
			return fmt.Errorf("level: place merged file: %w", err)
		}
		next.Inject(FileMeta{Path: finalPath, Slot: slot, MinKey: o.NewFile.MinKey, MaxKey: o.NewFile.MaxKey})
	}

	for _, f := range o.OldFiles {
		os.Remove(f.Path)
	}

	if needsMoreMerge {
		go l.runMerge(survivors)
	}
	return nil
}

func (l *Level) pickSlot() index.Slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	used := make(map[index.Slot]bool, len(l.files))
	for _, f := range l.files {
		used[f.Slot] = true
	}
	if !used[index.SlotA] {
		return index.SlotA
	}
	return index.SlotB
}

// Lookup answers a point query, consulting this level's files
// newest-first and falling through to the next level if this level
// has no entry for key. A tombstone still counts as an answer: it
// stops the descent with ok=false but no error, exactly like a true
// absence, because the key is evidenced to be deleted.
func (l *Level) Lookup(key []byte) (record.Record, bool, error) {
	l.mu.RLock()
	files := append([]FileMeta(nil), l.files...)
	next := l.next
	l.mu.RUnlock()

	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		if !keyInRange(f, key) {
			continue
		}
		r, err := index.Open(f.Path, index.ModeRandom)
		if err != nil {
			return record.Record{}, false, err
		}
		rec, ok, err := r.Lookup(key)
		closeErr := r.Close()
		if err != nil {
			return record.Record{}, false, err
		}
		if closeErr != nil {
			return record.Record{}, false, closeErr
		}
		if ok {
			if rec.Tombstone {
				return record.Record{}, false, nil
			}
			return rec, true, nil
		}
	}

	if next != nil {
		return next.Lookup(key)
	}
	return record.Record{}, false, nil
}

// CollectSources opens a fold.Source over every file in this level (and
// every deeper level) whose key range can intersect rng, ranked so
// that shallower levels always win ties over deeper ones. Callers must
// fold.CloseAll the result once done with it, even on error paths that
// occur after a partial collection (handled internally here too).
func (l *Level) CollectSources(rng fold.Range) ([]fold.Source, error) {
	l.mu.RLock()
	files := append([]FileMeta(nil), l.files...)
	next := l.next
	l.mu.RUnlock()

	var sources []fold.Source
	for i, f := range files {
		if !rangeMayIntersect(f, rng) {
			continue
		}
		rank := l.number*rankBucket + (len(files) - 1 - i)
		src, err := fold.NewReaderSource(f.Path, rng, rank)
		if err != nil {
			fold.CloseAll(sources)
			return nil, err
		}
		sources = append(sources, src)
	}

	if next != nil {
		more, err := next.CollectSources(rng)
		if err != nil {
			fold.CloseAll(sources)
			return nil, err
		}
		sources = append(sources, more...)
	}
	return sources, nil
}

func rangeMayIntersect(f FileMeta, rng fold.Range) bool {
	if rng.ToKey != nil && f.MinKey != nil {
		c := bytes.Compare(f.MinKey, rng.ToKey)
		if c > 0 || (c == 0 && !rng.ToInclusive) {
			return false
		}
	}
	if rng.FromKey != nil && f.MaxKey != nil {
		c := bytes.Compare(f.MaxKey, rng.FromKey)
		if c < 0 || (c == 0 && !rng.FromInclusive) {
			return false
		}
	}
	return true
}

func keyInRange(f FileMeta, key []byte) bool {
	if f.MinKey != nil && bytes.Compare(key, f.MinKey) < 0 {
		return false
	}
	if f.MaxKey != nil && bytes.Compare(key, f.MaxKey) > 0 {
		return false
	}
	return true
}
