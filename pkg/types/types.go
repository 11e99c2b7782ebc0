package types

import (
	"encoding/json"
	"time"
)

//go:generate easyjson -all

// TierSnapshot is the wire representation of one tin's counters (see
// cake.TinStats), named after the priority tier it represents (e.g.
// "Bulk", "Best Effort", "Video", "Voice" under diffserv4).
type TierSnapshot struct {
	Name          string `json:"name"`
	Packets       uint64 `json:"packets"`
	Bytes         uint64 `json:"bytes"`
	Backlog       uint32 `json:"backlog"`
	Dropped       uint32 `json:"dropped"`
	ECNMark       uint32 `json:"ecn_mark"`
	DropOverlimit uint32 `json:"drop_overlimit"`
	BulkFlows     uint16 `json:"bulk_flows"`
	RateBps       uint64 `json:"rate_bps"`
	Quantum       uint16 `json:"quantum"`
}

// InstanceStats holds a single named scheduler's dump_stats snapshot,
// enriched with the derived rates HistoryStore computes between polls.
type InstanceStats struct {
	Instance string         `json:"instance"`
	ID       string         `json:"id"`
	Tiers    []TierSnapshot `json:"tiers"`

	BacklogBytes   uint32 `json:"backlog_bytes"`
	BacklogPackets uint32 `json:"backlog_packets"`
	Drops          uint64 `json:"drops"`
	Overlimits     uint64 `json:"overlimits"`
	MemoryUsed     uint32 `json:"memory_used"`
	MemoryLimit    uint32 `json:"memory_limit"`

	UpdatedAt time.Time `json:"updated_at"`

	// Computed per-poll by HistoryStore.Record, not part of a raw dump.
	// Zero on the first poll (no previous sample to diff against).
	DropsPerS      float64 `json:"drops_per_s"`
	OverlimitsPerS float64 `json:"overlimits_per_s"`
}

// HistorySample is one time-series data point for a single scheduler
// instance. All numeric values are float64 so they can be directly
// consumed by charting libraries (uPlot, Chart.js, etc.).
type HistorySample struct {
	T  int64   `json:"t"`  // unix timestamp (seconds)
	Bk float64 `json:"bk"` // backlog bytes at sample time
	Dr float64 `json:"dr"` // drops per second
	Ov float64 `json:"ov"` // overlimits per second
}

// StatsResponse is the JSON message sent to SSE clients containing every
// instance's current statistics along with a timestamp.
type StatsResponse struct {
	Instances []InstanceStats `json:"instances"`
	UpdatedAt string          `json:"updated_at"`
}

// HistoryResponse is the serializable representation of the in-memory
// history store: a map from instance name to an ordered slice of samples.
type HistoryResponse map[string][]HistorySample

// MarshalJSON implements json.Marshaler using a manually allocated buffer.
// It mirrors the allocation behaviour that easyjson would produce; we
// include it here so the repository can build without requiring codegen.
// In a real release, run `go generate ./...` to produce optimized functions.
func (r StatsResponse) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, '{')
	buf = append(buf, `"instances":`...)
	if v, err := jsonMarshal(r.Instances); err == nil {
		buf = append(buf, v...)
	} else {
		return nil, err
	}
	buf = append(buf, ',')
	buf = append(buf, `"updated_at":`...)
	buf = append(buf, '"')
	buf = append(buf, r.UpdatedAt...)
	buf = append(buf, '"')
	buf = append(buf, '}')
	return buf, nil
}

// jsonMarshal is a thin wrapper around the stdlib json package. It's
// defined here so StatsResponse.MarshalJSON can reference it without
// creating an import cycle.
func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
