package irrigation

import (
	"fmt"
	"slices"
	"sync"
	"testing"
)

func TestRegistryMarkStoppedAbsentIsNoop(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MarkStopped("switch.none", 1)
	r.MarkRunning("switch.a", 1)
	r.MarkStopped("switch.a", 2)
	if got := r.Snapshot()["switch.a"]; !slices.Equal(got, []int64{1}) {
		t.Fatalf("unexpected holders %v", got)
	}
	r.MarkStopped("switch.a", 1)
	r.MarkStopped("switch.a", 1)
	if r.Len() != 0 || r.IsRunning("switch.a") {
		t.Fatalf("registry should be empty, got %v", r.Snapshot())
	}
}

func TestRegistryOrderedSet(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MarkRunning("switch.a", 3)
	r.MarkRunning("switch.a", 1)
	r.MarkRunning("switch.a", 3)
	if got := r.Snapshot()["switch.a"]; !slices.Equal(got, []int64{3, 1}) {
		t.Fatalf("holders=%v want [3 1]", got)
	}

	snap := r.Snapshot()
	snap["switch.a"][0] = 99
	if r.Snapshot()["switch.a"][0] != 3 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestRegistryHolders(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MarkRunning("switch.a", 1)
	r.MarkRunning("switch.a", 2)
	if got := r.Holders("switch.a", 1); !slices.Equal(got, []int64{2}) {
		t.Fatalf("holders besides 1 = %v", got)
	}
	if got := r.Holders("switch.a", 5); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("holders besides 5 = %v", got)
	}
	if got := r.Holders("switch.b", 1); len(got) != 0 {
		t.Fatalf("unknown valve holders = %v", got)
	}
}

func TestRegistryConcurrent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := fmt.Sprintf("switch.%d", i%4)
			r.MarkRunning(e, int64(i))
			_ = r.Snapshot()
			r.MarkStopped(e, int64(i))
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %v", r.Snapshot())
	}
}
