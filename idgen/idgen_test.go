package idgen

import (
	"testing"
	"time"
)

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestNew_TimeSortable(t *testing.T) {
	first := New()
	time.Sleep(2 * time.Millisecond)
	second := New()
	if first >= second {
		t.Fatalf("ids not time-ordered: %s then %s", first, second)
	}
}
