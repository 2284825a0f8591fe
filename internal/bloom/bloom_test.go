package bloom

import (
	"fmt"
	"testing"
)

func TestFilterSoundness(t *testing.T) {
	f := New(1000, 0.01)

	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%04d", i))
		f.Insert(keys[i])
	}

	for _, k := range keys {
		if !f.Contains(k) {
			t.Fatalf("inserted key %q reported absent", k)
		}
	}
}

func TestFilterFalsePositiveRateBounded(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Insert([]byte(fmt.Sprintf("present-%04d", i)))
	}

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if f.Contains([]byte(fmt.Sprintf("absent-%04d", i))) {
			falsePositives++
		}
	}

	if rate := float64(falsePositives) / 1000; rate > 0.05 {
		t.Fatalf("false positive rate too high: %.3f", rate)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	f := New(100, 0.01)
	for i := 0; i < 100; i++ {
		f.Insert([]byte(fmt.Sprintf("k%d", i)))
	}

	b, err := f.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	f2, err := Deserialize(b)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		if !f2.Contains(k) {
			t.Fatalf("round-tripped filter lost key %q", k)
		}
	}
}
