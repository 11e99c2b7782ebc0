package history

import (
	"testing"
	"time"

	"github.com/galpt/cake-sched/pkg/types"
)

func BenchmarkHistoryRecord(b *testing.B) {
	store := NewHistoryStore(10)
	stats := []types.InstanceStats{{Instance: "wan0"}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Record(stats, time.Second)
	}
}

func TestHistorySnapshot(t *testing.T) {
	store := NewHistoryStore(3)
	stats := []types.InstanceStats{{Instance: "wan0"}}
	// first record establishes state, no sample
	store.Record(stats, time.Second)
	store.Record(stats, time.Second)
	snap := store.Snapshot()
	if _, ok := snap["wan0"]; !ok {
		t.Fatal("expected snapshot for wan0")
	}
}

func TestHistoryRecordComputesDropRate(t *testing.T) {
	store := NewHistoryStore(5)
	a := []types.InstanceStats{{Instance: "wan0", Drops: 100}}
	store.Record(a, time.Second)

	b := []types.InstanceStats{{Instance: "wan0", Drops: 150}}
	store.Record(b, time.Second)

	if b[0].DropsPerS <= 0 {
		t.Fatalf("expected positive drop rate after an increase, got %f", b[0].DropsPerS)
	}
}

func TestHistoryRecordDropsStaleInstances(t *testing.T) {
	store := NewHistoryStore(3)
	store.Record([]types.InstanceStats{{Instance: "wan0"}, {Instance: "lan0"}}, time.Second)
	store.Record([]types.InstanceStats{{Instance: "wan0"}, {Instance: "lan0"}}, time.Second)
	store.Record([]types.InstanceStats{{Instance: "wan0"}}, time.Second)

	snap := store.Snapshot()
	if _, ok := snap["lan0"]; ok {
		t.Fatal("expected lan0 to be dropped once it stops appearing in Record calls")
	}
}

func TestHistoryRingBufferCapsSampleCount(t *testing.T) {
	store := NewHistoryStore(3)
	for i := 0; i < 10; i++ {
		store.Record([]types.InstanceStats{{Instance: "wan0", Drops: uint64(i)}}, time.Second)
	}
	snap := store.Snapshot()
	if len(snap["wan0"]) != 3 {
		t.Fatalf("expected ring buffer to cap at capacity 3, got %d", len(snap["wan0"]))
	}
}
