package index

import "testing"

func TestFilePathRoundTrip(t *testing.T) {
	for _, slot := range []Slot{SlotA, SlotB} {
		path := FilePath("/data/tree", 3, slot)
		level, ok := ParseLevel(baseName(path))
		if !ok {
			t.Fatalf("ParseLevel could not parse %q", path)
		}
		if level != 3 {
			t.Fatalf("expected level 3, got %d", level)
		}
	}
}

func TestParseLevelRejectsNurseryFile(t *testing.T) {
	if _, ok := ParseLevel("nursery.data"); ok {
		t.Fatal("nursery.data must not parse as a level file")
	}
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
