package riverbed

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/0xReLogic/riverbed/internal/fold"
	"github.com/0xReLogic/riverbed/internal/index"
	"github.com/0xReLogic/riverbed/internal/level"
	"github.com/0xReLogic/riverbed/internal/nursery"
	"github.com/0xReLogic/riverbed/internal/record"
	"github.com/0xReLogic/riverbed/internal/rivererr"
)

// Tree is an open store rooted at one directory. All of its exported
// methods are safe for concurrent use.
type Tree struct {
	dir        string
	opts       Options
	writerOpts index.WriterOptions

	nursery *nursery.Nursery
	level0  *level.Level

	ctx    context.Context
	cancel context.CancelFunc

	cmdCh       chan writeOp
	mergeDoneCh chan level.Outcome
	closeCh     chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	degraded      atomic.Bool
	mergeFailures map[int]int // writer-actor-goroutine-only; no lock needed
}

type writeOp struct {
	rec  record.Record
	resp chan error
}

// Open opens (or creates) a tree rooted at dir, recovering the nursery
// log and discovering existing level files on disk; there is no
// separate manifest file, the level chain is rebuilt from filenames
// alone.
func Open(dir string, opts Options) (*Tree, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rivererr.Io("mkdir", dir, err)
	}

	n, full, err := nursery.Recover(dir, opts.NurseryMax)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tree{
		dir:  dir,
		opts: opts,
		writerOpts: index.WriterOptions{
			LeafFanout:       opts.LeafFanout,
			InnerFanout:      opts.InnerFanout,
			BloomFPRate:      opts.BloomFPRate,
			ExpectedElements: opts.NurseryMax,
		},
		nursery:       n,
		ctx:           ctx,
		cancel:        cancel,
		cmdCh:         make(chan writeOp),
		mergeDoneCh:   make(chan level.Outcome, 16),
		closeCh:       make(chan struct{}),
		mergeFailures: make(map[int]int),
	}

	var makeLevel func(number int) *level.Level
	makeLevel = func(number int) *level.Level {
		return level.New(number, dir, t.writerOpts, t.reportMerge, makeLevel)
	}
	t.level0 = makeLevel(0)

	if err := t.loadExistingLevels(); err != nil {
		cancel()
		n.Close()
		return nil, err
	}

	if full {
		if err := t.flushNursery(); err != nil {
			cancel()
			n.Close()
			return nil, err
		}
	}

	t.wg.Add(1)
	go t.run()

	return t, nil
}

// loadExistingLevels scans dir for level files (BTree-<N>.data,
// BTreeB-<N>.data) and injects each into its level, ordered deepest
// first, so every deeper level already holds its files before a
// shallower level that recovery finds holding two files starts its
// catch-up merge (which decides from the chain below it whether
// tombstones may be dropped).
func (t *Tree) loadExistingLevels() error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return rivererr.Io("readdir", t.dir, err)
	}

	type found struct {
		path  string
		level int
		slot  index.Slot
	}
	var files []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		lvl, ok := index.ParseLevel(name)
		if !ok {
			continue
		}
		slot := index.SlotA
		if strings.HasPrefix(name, "BTreeB-") {
			slot = index.SlotB
		}
		files = append(files, found{path: filepath.Join(t.dir, name), level: lvl, slot: slot})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].level > files[j].level })

	for _, f := range files {
		r, err := index.Open(f.path, index.ModeRandom)
		if err != nil {
			return err
		}
		minKey, maxKey := r.MinKey(), r.MaxKey()
		if err := r.Close(); err != nil {
			return err
		}
		lvl := t.levelAt(f.level)
		lvl.Inject(level.FileMeta{Path: f.path, Slot: f.slot, MinKey: minKey, MaxKey: maxKey})
	}
	return nil
}

// levelAt returns the level at the given number, creating every
// intervening level on the way there.
func (t *Tree) levelAt(number int) *level.Level {
	l := t.level0
	for l.Number() < number {
		l = l.EnsureNext()
	}
	return l
}

// run is the tree's single writer-actor goroutine: every mutation
// (Put, Delete, nursery flush, merge outcome application) is serialized
// through it, so no other goroutine ever mutates the nursery or level
// chain directly.
func (t *Tree) run() {
	defer t.wg.Done()
	for {
		select {
		case op := <-t.cmdCh:
			op.resp <- t.applyWrite(op.rec)
		case outcome := <-t.mergeDoneCh:
			t.applyMergeOutcome(outcome)
		case <-t.closeCh:
			return
		}
	}
}

func (t *Tree) reportMerge(o level.Outcome) {
	select {
	case t.mergeDoneCh <- o:
	case <-t.closeCh:
	}
}

func (t *Tree) applyWrite(rec record.Record) error {
	full, err := t.nursery.Add(rec)
	if err != nil {
		return err
	}
	if full {
		return t.flushNursery()
	}
	return nil
}

// flushNursery writes the nursery's sorted contents to a new level-0
// file, discards the nursery log, and injects the new file into
// level 0, where it may itself trigger a cascading merge.
func (t *Tree) flushNursery() error {
	sorted := t.nursery.Sorted()
	if len(sorted) == 0 {
		return t.nursery.DiscardLog()
	}

	slot := pickSlot(t.level0)
	path := index.FilePath(t.dir, 0, slot)
	stats, err := index.Write(path, &recordSlice{recs: sorted}, t.writerOpts)
	if err != nil {
		return err
	}
	if err := t.nursery.DiscardLog(); err != nil {
		return err
	}
	t.level0.Inject(level.FileMeta{Path: path, Slot: slot, MinKey: stats.MinKey, MaxKey: stats.MaxKey})
	return nil
}

func pickSlot(l *level.Level) index.Slot {
	used := make(map[index.Slot]bool)
	for _, f := range l.Files() {
		used[f.Slot] = true
	}
	if !used[index.SlotA] {
		return index.SlotA
	}
	return index.SlotB
}

// applyMergeOutcome applies a completed background merge. A merge that
// fails outright is retried once against the same file set, counting as
// the level's first strike; a second consecutive failure puts the whole
// tree into degraded, read-only mode, since a level stuck at two files
// can never safely accept a third.
func (t *Tree) applyMergeOutcome(o level.Outcome) {
	lvl := t.levelAt(o.Level)

	if o.Err != nil {
		lvl.MergeFailed()
		t.mergeFailures[o.Level]++
		if t.mergeFailures[o.Level] < maxMergeFailuresPerLevel {
			lvl.RetryMerge(o.OldFiles)
		} else {
			t.degraded.Store(true)
		}
		return
	}

	if err := lvl.ApplyOutcome(o); err != nil {
		t.mergeFailures[o.Level]++
		if t.mergeFailures[o.Level] >= maxMergeFailuresPerLevel {
			t.degraded.Store(true)
		}
		return
	}
	delete(t.mergeFailures, o.Level)
}

// recordSlice adapts a sorted []record.Record to index.RecordIterator.
type recordSlice struct {
	recs []record.Record
	pos  int
}

func (s *recordSlice) Next() (record.Record, bool, error) {
	if s.pos >= len(s.recs) {
		return record.Record{}, false, nil
	}
	r := s.recs[s.pos]
	s.pos++
	return r, true, nil
}

// Put writes key/value durably. It blocks until the write is applied
// by the tree's writer actor.
func (t *Tree) Put(key, value []byte) error {
	return t.submit(record.Record{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
}

// Delete marks key as deleted. Lookups for key return not-found from
// the moment Delete returns, even though the tombstone may still be
// physically present until it reaches the deepest level.
func (t *Tree) Delete(key []byte) error {
	return t.submit(record.Record{
		Key:       append([]byte(nil), key...),
		Tombstone: true,
	})
}

func (t *Tree) submit(rec record.Record) error {
	if t.degraded.Load() {
		return rivererr.Io("write", t.dir, rivererr.ErrDegraded)
	}
	resp := make(chan error, 1)
	select {
	case t.cmdCh <- writeOp{rec: rec, resp: resp}:
	case <-t.closeCh:
		return rivererr.ErrClosed
	}
	select {
	case err := <-resp:
		return err
	case <-t.closeCh:
		return rivererr.ErrClosed
	}
}

// Lookup answers a point query: the nursery is consulted first (it is
// always the newest data), then the level chain newest-first.
func (t *Tree) Lookup(key []byte) (record.Record, bool, error) {
	if rec, ok := t.nursery.Lookup(key); ok {
		if rec.Tombstone {
			return record.Record{}, false, nil
		}
		return rec, true, nil
	}
	return t.level0.Lookup(key)
}

// SyncRange folds every live record in rng, in ascending key order,
// through fn in a single unbounded call, bounded by the tree's
// configured fold timeout. The fold is a snapshot taken at the moment
// this call opens its sources: writes submitted after that do not
// appear in it, whether or not they land before fn returns.
func (t *Tree) SyncRange(rng Range, fn func(record.Record) error) error {
	sources, err := t.openFoldSources(rng)
	if err != nil {
		return err
	}
	defer fold.CloseAll(sources)

	ctx, cancel := t.foldContext()
	defer cancel()
	_, _, err = fold.Run(ctx, sources, -1, fn)
	return err
}

// AsyncRange folds every live record in rng through fn in chunks of at
// most AsyncChunkSize, resuming transparently between chunks so no
// single underlying fold call can run past the tree's configured fold
// timeout. Sources are opened once, before the first chunk, so the
// whole fold is a single consistent snapshot: a Put or Delete that
// lands between two chunks never appears in a later one.
func (t *Tree) AsyncRange(rng Range, fn func(record.Record) error) error {
	sources, err := t.openFoldSources(rng)
	if err != nil {
		return err
	}
	defer fold.CloseAll(sources)

	for {
		ctx, cancel := t.foldContext()
		outcome, _, err := fold.Run(ctx, sources, t.opts.AsyncChunkSize, fn)
		cancel()
		if err != nil {
			return err
		}
		if outcome == fold.Done {
			return nil
		}
	}
}

// openFoldSources opens one snapshot of every source a fold over rng
// must merge: the nursery's current sorted contents, plus a cursor over
// every live level file whose key range can intersect rng. Taking the
// snapshot here, once, rather than once per chunk, is what makes an
// AsyncRange fold a single consistent view instead of one that can
// observe writes that land partway through it.
func (t *Tree) openFoldSources(rng Range) ([]fold.Source, error) {
	nurserySrc := fold.NewSliceSource(t.nursery.Sorted(), rng, nurseryRank)

	levelSources, err := t.level0.CollectSources(rng)
	if err != nil {
		nurserySrc.Close()
		return nil, err
	}
	return append([]fold.Source{nurserySrc}, levelSources...), nil
}

// foldContext derives a per-chunk timeout context from the tree's
// lifetime context, so a Close call cancels any fold still in progress
// instead of leaving it to read from files a discarded background merge
// may already be removing.
func (t *Tree) foldContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.ctx, t.opts.FoldTimeout)
}

// nurseryRank is lower than any level's rank bucket, so the nursery
// always wins a key collision against anything on disk.
const nurseryRank = -1

// Close stops the writer actor and closes the nursery log. It does not
// block on any in-flight background merge; those goroutines notice the
// tree is closing via closeCh and their results are discarded. Any
// SyncRange or AsyncRange call still in flight has its context
// cancelled and returns rivererr.ErrCancelled.
func (t *Tree) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.cancel()
		t.wg.Wait()
		err = t.nursery.Close()
	})
	return err
}

// Degraded reports whether the tree has entered read-only mode after
// repeated merge failures at some level.
func (t *Tree) Degraded() bool { return t.degraded.Load() }

// Stats summarizes the tree's current shape, for diagnostics.
type Stats struct {
	NurseryKeys int
	LevelFiles  []int
	Degraded    bool
}

// Stats returns a snapshot of the tree's current shape.
func (t *Tree) Stats() Stats {
	var fileCounts []int
	for l := t.level0; l != nil; l = l.Next() {
		fileCounts = append(fileCounts, len(l.Files()))
	}
	return Stats{
		NurseryKeys: t.nursery.Len(),
		LevelFiles:  fileCounts,
		Degraded:    t.degraded.Load(),
	}
}
