package history

import (
	"sync"
	"time"

	"github.com/galpt/cake-sched/pkg/types"
)

// instanceState tracks per-instance counters and the ring buffer backing
// its time series.
type instanceState struct {
	prevDrops      uint64
	prevOverlimits uint64
	prevTime       time.Time
	samples        []types.HistorySample
	head           int
	count          int
}

func newInstanceState(capacity int, st *types.InstanceStats) *instanceState {
	return &instanceState{
		prevDrops:      st.Drops,
		prevOverlimits: st.Overlimits,
		prevTime:       time.Now(),
		samples:        make([]types.HistorySample, capacity),
	}
}

func (st *instanceState) push(s types.HistorySample, capacity int) {
	st.samples[st.head] = s
	st.head = (st.head + 1) % capacity
	if st.count < capacity {
		st.count++
	}
}

func (st *instanceState) ordered(capacity int) []types.HistorySample {
	if st.count == 0 {
		return nil
	}
	out := make([]types.HistorySample, st.count)
	if st.count < capacity {
		copy(out, st.samples[:st.count])
	} else {
		n := copy(out, st.samples[st.head:])
		copy(out[n:], st.samples[:st.head])
	}
	return out
}

// HistoryStore is a thread-safe collection of per-instance ring buffers,
// one per named cake.Scheduler a caller is polling via dump_stats.
type HistoryStore struct {
	mu        sync.RWMutex
	instances map[string]*instanceState
	capacity  int
}

func NewHistoryStore(capacity int) *HistoryStore {
	if capacity < 2 {
		capacity = 2
	}
	return &HistoryStore{
		instances: make(map[string]*instanceState),
		capacity:  capacity,
	}
}

// Record diffs a fresh batch of InstanceStats snapshots against the
// previous poll, fills in the derived per-second rate fields in place,
// and appends a sample to each instance's ring buffer.
func (hs *HistoryStore) Record(stats []types.InstanceStats, interval time.Duration) {
	now := time.Now()
	hs.mu.Lock()
	defer hs.mu.Unlock()

	for i := range stats {
		is := &stats[i]
		key := is.Instance
		st, exists := hs.instances[key]
		if !exists {
			hs.instances[key] = newInstanceState(hs.capacity, is)
			continue
		}

		elapsed := now.Sub(st.prevTime).Seconds()
		if elapsed <= 0 {
			elapsed = interval.Seconds()
		}

		var drRate float64
		if is.Drops >= st.prevDrops {
			drRate = float64(is.Drops-st.prevDrops) / elapsed
		}
		var ovRate float64
		if is.Overlimits >= st.prevOverlimits {
			ovRate = float64(is.Overlimits-st.prevOverlimits) / elapsed
		}

		is.DropsPerS = drRate
		is.OverlimitsPerS = ovRate

		st.push(types.HistorySample{
			T:  now.Unix(),
			Bk: float64(is.BacklogBytes),
			Dr: drRate,
			Ov: ovRate,
		}, hs.capacity)

		st.prevDrops = is.Drops
		st.prevOverlimits = is.Overlimits
		st.prevTime = now
	}

	active := make(map[string]struct{}, len(stats))
	for _, is := range stats {
		active[is.Instance] = struct{}{}
	}
	for key := range hs.instances {
		if _, ok := active[key]; !ok {
			delete(hs.instances, key)
		}
	}
}

// Snapshot returns every instance's currently buffered samples, keyed by
// instance name.
func (hs *HistoryStore) Snapshot() types.HistoryResponse {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	out := make(types.HistoryResponse, len(hs.instances))
	for key, st := range hs.instances {
		if samples := st.ordered(hs.capacity); len(samples) > 0 {
			out[key] = samples
		}
	}
	return out
}
