package cake

// TinStats is a point-in-time snapshot of one tin's counters, the per-tin
// portion of spec §6's "dump_stats" operation.
type TinStats struct {
	Packets       uint64
	Bytes         uint64
	Backlog       uint32
	Dropped       uint32
	ECNMark       uint32
	DropOverlimit uint32
	BulkFlows     uint16
	RateBps       uint64
	Quantum       uint16
}

// Stats is the full snapshot returned by Scheduler.DumpStats: aggregate
// backlog and drop counters plus one TinStats per active tin, in priority
// order.
type Stats struct {
	ID   string
	Tins []TinStats

	BacklogBytes   uint32
	BacklogPackets uint32

	Drops      uint64
	Overlimits uint64

	MemoryUsed  uint32
	MemoryLimit uint32
}

// DumpStats implements spec §6's "dump_stats" operation.
func (s *Scheduler) DumpStats() Stats {
	st := Stats{
		ID:             s.ID,
		Tins:           make([]TinStats, 0, s.tinCnt),
		BacklogPackets: uint32(s.qlen),
		Drops:          s.dropsTotal,
		Overlimits:     s.overlimits,
		MemoryUsed:     s.bufferUsed,
		MemoryLimit:    s.bufferLimit,
	}

	for i := 0; i < s.tinCnt; i++ {
		b := s.tins[i]
		st.BacklogBytes += b.backlog
		st.Tins = append(st.Tins, TinStats{
			Packets:       b.packets,
			Bytes:         b.bytes,
			Backlog:       b.backlog,
			Dropped:       b.dropped,
			ECNMark:       b.ecnMark,
			DropOverlimit: b.dropOverlimit,
			BulkFlows:     b.bulkFlowCount,
			RateBps:       b.rate.rateBps,
			Quantum:       b.quantum,
		})
	}

	return st
}
