package agos

import (
	"sort"
	"testing"
	"time"
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if len(id) != 36 {
			t.Fatalf("id = %q, want canonical UUID form", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewIDTimeSortable(t *testing.T) {
	first := NewID()
	time.Sleep(2 * time.Millisecond)
	second := NewID()

	ids := []string{second, first}
	sort.Strings(ids)
	if ids[0] != first {
		t.Errorf("ids did not sort by creation time: %v", ids)
	}
}
