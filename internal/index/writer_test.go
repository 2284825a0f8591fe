package index

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteEmptyStreamReturnsZeroStatsWithoutError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTree-1.data")
	opts := WriterOptions{LeafFanout: 4, InnerFanout: 4, BloomFPRate: 0.01, ExpectedElements: 1}

	stats, err := Write(path, &sliceIterator{}, opts)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if stats.Path != "" || stats.RecordCount != 0 {
		t.Fatalf("expected zero WriteStats, got %+v", stats)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file at %s, stat err=%v", path, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be cleaned up, stat err=%v", err)
	}
}
