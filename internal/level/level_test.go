package level

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/0xReLogic/riverbed/internal/fold"
	"github.com/0xReLogic/riverbed/internal/index"
	"github.com/0xReLogic/riverbed/internal/record"
)

type sliceIterator struct {
	recs []record.Record
	pos  int
}

func (s *sliceIterator) Next() (record.Record, bool, error) {
	if s.pos >= len(s.recs) {
		return record.Record{}, false, nil
	}
	r := s.recs[s.pos]
	s.pos++
	return r, true, nil
}

func writeFile(t *testing.T, path string, recs []record.Record) index.WriteStats {
	t.Helper()
	opts := index.WriterOptions{LeafFanout: 4, InnerFanout: 4, BloomFPRate: 0.01, ExpectedElements: len(recs) + 1}
	stats, err := index.Write(path, &sliceIterator{recs: recs}, opts)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return stats
}

func rec(key, value string) record.Record {
	return record.Record{Key: []byte(key), Value: []byte(value)}
}

// harness wires a small chain of levels with a report function that
// feeds outcomes to a channel, and a goroutine applying them, mimicking
// the tree's single writer actor.
type harness struct {
	t       *testing.T
	dir     string
	root    *Level
	doneCh  chan Outcome
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), doneCh: make(chan Outcome, 16), closeCh: make(chan struct{})}
	opts := index.DefaultWriterOptions()

	var makeNext func(int) *Level
	makeNext = func(n int) *Level {
		return New(n, h.dir, opts, h.reportFunc, makeNext)
	}
	h.root = makeNext(0)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case o := <-h.doneCh:
				if err := h.levelAt(o.Level).ApplyOutcome(o); err != nil {
					t.Errorf("apply outcome: %v", err)
				}
			case <-h.closeCh:
				return
			}
		}
	}()
	return h
}

func (h *harness) reportFunc(o Outcome) { h.doneCh <- o }

func (h *harness) levelAt(n int) *Level {
	l := h.root
	for l.Number() != n {
		next := l.Next()
		if next == nil {
			panic("level not yet created")
		}
		l = next
	}
	return l
}

func (h *harness) stop() {
	close(h.closeCh)
	h.wg.Wait()
}

func (h *harness) inject(n int, recs []record.Record) {
	l := h.levelAt(n)
	slot := pickSlotFor(l)
	path := index.FilePath(h.dir, n, slot)
	stats := writeFile(h.t, path, recs)
	l.Inject(FileMeta{Path: path, Slot: slot, MinKey: stats.MinKey, MaxKey: stats.MaxKey})
}

func pickSlotFor(l *Level) index.Slot {
	used := map[index.Slot]bool{}
	for _, f := range l.Files() {
		used[f.Slot] = true
	}
	if !used[index.SlotA] {
		return index.SlotA
	}
	return index.SlotB
}

func TestLookupFindsInjectedFile(t *testing.T) {
	dir := t.TempDir()
	opts := index.DefaultWriterOptions()
	l := New(0, dir, opts, func(Outcome) {}, func(int) *Level { return nil })

	path := filepath.Join(dir, "BTree-0.data")
	stats := writeFile(t, path, []record.Record{rec("a", "1"), rec("b", "2")})
	l.Inject(FileMeta{Path: path, Slot: index.SlotA, MinKey: stats.MinKey, MaxKey: stats.MaxKey})

	got, ok, err := l.Lookup([]byte("b"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok || string(got.Value) != "2" {
		t.Fatalf("expected hit value 2, got %+v ok=%v", got, ok)
	}

	_, ok, err = l.Lookup([]byte("z"))
	if err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestTwoFilesTriggerMergeAndCascade(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	h.inject(0, []record.Record{rec("a", "old-a"), rec("c", "old-c")})
	h.inject(0, []record.Record{rec("b", "new-b"), rec("c", "new-c")})

	deadline := time.After(2 * time.Second)
	for {
		lvl1 := h.root.Next()
		if lvl1 != nil && len(lvl1.Files()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for merge to cascade to level 1")
		case <-time.After(5 * time.Millisecond):
		}
	}

	got, ok, err := h.root.Lookup([]byte("c"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok || string(got.Value) != "new-c" {
		t.Fatalf("expected newer value new-c, got %+v ok=%v", got, ok)
	}

	got, ok, err = h.root.Lookup([]byte("a"))
	if err != nil || !ok || string(got.Value) != "old-a" {
		t.Fatalf("expected old-a to survive merge, got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestMergeFailureReportsErrorAndRetryReusesSameFiles(t *testing.T) {
	dir := t.TempDir()
	opts := index.DefaultWriterOptions()
	doneCh := make(chan Outcome, 4)
	l := New(0, dir, opts, func(o Outcome) { doneCh <- o }, func(int) *Level { return nil })

	missing := []FileMeta{
		{Path: filepath.Join(dir, "does-not-exist-a.data"), Slot: index.SlotA},
		{Path: filepath.Join(dir, "does-not-exist-b.data"), Slot: index.SlotB},
	}

	l.RetryMerge(missing)
	o := <-doneCh
	if o.Err == nil {
		t.Fatal("expected a merge over nonexistent files to fail")
	}
	if len(o.OldFiles) != len(missing) {
		t.Fatalf("expected the outcome to carry the same file set, got %+v", o.OldFiles)
	}

	l.MergeFailed()
	l.RetryMerge(o.OldFiles)
	o2 := <-doneCh
	if o2.Err == nil {
		t.Fatal("expected the retried merge to fail again over the same nonexistent files")
	}
}

func TestApplyOutcomeWithNoNewFileSkipsNextLevel(t *testing.T) {
	dir := t.TempDir()
	opts := index.DefaultWriterOptions()
	var nextCreated bool
	l := New(0, dir, opts, func(Outcome) {}, func(n int) *Level {
		nextCreated = true
		return New(n, dir, opts, func(Outcome) {}, func(int) *Level { return nil })
	})

	old := []FileMeta{
		{Path: filepath.Join(dir, "a.data"), Slot: index.SlotA},
		{Path: filepath.Join(dir, "b.data"), Slot: index.SlotB},
	}
	for _, f := range old {
		if err := os.WriteFile(f.Path, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	}
	l.files = old

	if err := l.ApplyOutcome(Outcome{Level: 0, OldFiles: old}); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}
	if nextCreated {
		t.Fatal("expected no next level to be created when the merge produced no new file")
	}
	if len(l.Files()) != 0 {
		t.Fatalf("expected the old files removed from this level, got %+v", l.Files())
	}
	for _, f := range old {
		if _, err := os.Stat(f.Path); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, stat err=%v", f.Path, err)
		}
	}
}

func TestCollectSourcesReadsInjectedFile(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	h.inject(0, []record.Record{rec("a", "1")})

	sources, err := h.root.CollectSources(fold.Range{})
	if err != nil {
		t.Fatalf("collect sources: %v", err)
	}
	defer fold.CloseAll(sources)
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}

	var got []record.Record
	_, _, err = fold.Run(context.Background(), sources, -1, func(r record.Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("fold run: %v", err)
	}
	if len(got) != 1 || string(got[0].Key) != "a" {
		t.Fatalf("expected [a], got %+v", got)
	}
}
