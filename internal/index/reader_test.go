package index

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/0xReLogic/riverbed/internal/record"
)

func writeTruncatedCopy(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read %s: %v", src, err)
	}
	if len(data) < 4 {
		t.Fatalf("source file too small to truncate")
	}
	if err := os.WriteFile(dst, data[:len(data)/2], 0o644); err != nil {
		t.Fatalf("write %s: %v", dst, err)
	}
}

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

func buildLevelFile(t *testing.T, path string, n int) []record.Record {
	t.Helper()
	var recs []record.Record
	for i := 0; i < n; i++ {
		recs = append(recs, record.Record{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: []byte(fmt.Sprintf("value-%05d", i)),
		})
	}
	opts := WriterOptions{LeafFanout: 4, InnerFanout: 4, BloomFPRate: 0.01, ExpectedElements: n}
	if _, err := Write(path, &sliceIterator{recs: recs}, opts); err != nil {
		t.Fatalf("write: %v", err)
	}
	return recs
}

func TestReaderLookupHitsAndMisses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTree-0.data")
	recs := buildLevelFile(t, path, 50)

	r, err := Open(path, ModeRandom)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	for _, want := range recs {
		got, ok, err := r.Lookup(want.Key)
		if err != nil {
			t.Fatalf("lookup %s: %v", want.Key, err)
		}
		if !ok {
			t.Fatalf("lookup %s: expected hit", want.Key)
		}
		if string(got.Value) != string(want.Value) {
			t.Fatalf("lookup %s: expected value %s, got %s", want.Key, want.Value, got.Value)
		}
	}

	if _, ok, err := r.Lookup([]byte("not-there")); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestReaderSequentialScanOrdersAllRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTree-0.data")
	recs := buildLevelFile(t, path, 37)

	r, err := Open(path, ModeSequential)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	var seen []string
	leaf, err := r.FirstLeaf()
	if err != nil {
		t.Fatalf("first leaf: %v", err)
	}
	for {
		for _, e := range leaf {
			seen = append(seen, string(e.Key))
		}
		leaf, err = r.NextLeaf()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next leaf: %v", err)
		}
	}

	if len(seen) != len(recs) {
		t.Fatalf("expected %d keys, saw %d", len(recs), len(seen))
	}
	for i, rec := range recs {
		if seen[i] != string(rec.Key) {
			t.Fatalf("key %d: expected %s, got %s", i, rec.Key, seen[i])
		}
	}
}

func TestReaderRangeFoldBounded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTree-0.data")
	buildLevelFile(t, path, 30)

	r, err := Open(path, ModeSequential)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	rng := Range{
		FromKey:       []byte("key-00005"),
		FromInclusive: true,
		ToKey:         []byte("key-00010"),
		ToInclusive:   false,
	}
	var got []string
	outcome, next, err := r.RangeFold(rng, -1, func(rec record.Record) error {
		got = append(got, string(rec.Key))
		return nil
	})
	if err != nil {
		t.Fatalf("range fold: %v", err)
	}
	if outcome != FoldDone {
		t.Fatalf("expected FoldDone, got %v (next=%q)", outcome, next)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 keys in [00005,00010), got %d: %v", len(got), got)
	}
	if got[0] != "key-00005" || got[len(got)-1] != "key-00009" {
		t.Fatalf("unexpected bounds: %v", got)
	}
}

func TestReaderRangeFoldLimitAndResume(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTree-0.data")
	buildLevelFile(t, path, 20)

	r, err := Open(path, ModeSequential)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	var first []string
	outcome, next, err := r.RangeFold(Range{}, 7, func(rec record.Record) error {
		first = append(first, string(rec.Key))
		return nil
	})
	if err != nil {
		t.Fatalf("first fold: %v", err)
	}
	if outcome != FoldLimit {
		t.Fatalf("expected FoldLimit, got %v", outcome)
	}
	if len(first) != 7 {
		t.Fatalf("expected 7 results, got %d", len(first))
	}
	if string(next) != "key-00007" {
		t.Fatalf("expected resume key key-00007, got %q", next)
	}

	var second []string
	resumeRng := Range{FromKey: next, FromInclusive: true}
	outcome, _, err = r.RangeFold(resumeRng, -1, func(rec record.Record) error {
		second = append(second, string(rec.Key))
		return nil
	})
	if err != nil {
		t.Fatalf("second fold: %v", err)
	}
	if outcome != FoldDone {
		t.Fatalf("expected FoldDone on resume, got %v", outcome)
	}
	if len(first)+len(second) != 20 {
		t.Fatalf("expected 20 total keys across resume, got %d", len(first)+len(second))
	}
	if second[0] != "key-00007" {
		t.Fatalf("expected resume to include key-00007, got %s", second[0])
	}
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTree-0.data")
	buildLevelFile(t, path, 5)

	truncated := filepath.Join(dir, "BTree-1.data")
	writeTruncatedCopy(t, path, truncated)

	if _, err := Open(truncated, ModeRandom); err == nil {
		t.Fatal("expected error opening truncated file")
	}
}
