package cake

// L3Proto identifies which L3 header a Packet carries, matching the
// cake_handle_diffserv switch in the original qdisc (IPv4, IPv6, or
// anything else).
type L3Proto uint8

const (
	L3Other L3Proto = iota
	L3IPv4
	L3IPv6
)

// FlowKey is the header-derived material the flow hasher (§4.2) dissects:
// the 5-tuple plus the L3 source/destination addresses. IPv4 addresses are
// stored left-padded into the 16-byte field.
type FlowKey struct {
	SrcIP   [16]byte
	DstIP   [16]byte
	Proto   uint8
	SrcPort uint16
	DstPort uint16
}

// Packet is the data-plane contract named in spec §6: a byte length, a
// truesize (memory-accounting footprint distinct from wire length), an L3
// protocol hint carrying the Diffserv codepoint and ECN bits, flow-key
// material for hashing, and optional GSO segmentation / ECN marking
// callbacks into the surrounding framework.
//
// Header dissection, real packet-buffer storage, and socket-buffer memory
// accounting are external collaborators (spec §1); Packet only carries the
// fields the engine's algorithms read.
type Packet struct {
	// Len is the on-wire byte length charged against deficits and shapers
	// (before framing overhead, see effectiveLength in rate.go).
	Len uint32
	// Truesize is the memory footprint charged against the buffer budget.
	Truesize uint32

	L3   L3Proto
	DSCP uint8 // 6-bit Diffserv codepoint, valid when L3 != L3Other
	ECN  uint8 // 2-bit ECN field, preserved across wash

	Key FlowKey

	// GSO marks this Packet as an aggregate that must be split before
	// admission; Segment must be non-nil when GSO is true.
	GSO     bool
	Segment func() ([]*Packet, bool)

	// Mark attempts an ECN mark in place of a drop; nil means the packet
	// is not ECN-capable and CoDel must drop instead.
	Mark func() bool

	// EnqueueTime is stamped by Scheduler.Enqueue and read back by CoDel
	// to compute sojourn time.
	EnqueueTime Time

	// Dropped and Marked are set by the engine on any path that handles
	// this packet's life after dequeue from its flow subqueue, useful for
	// callers that want per-packet disposition (e.g. test harnesses).
	Dropped bool
	Marked  bool

	seq  uint64
	next *Packet
}
