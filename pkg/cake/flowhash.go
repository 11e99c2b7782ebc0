package cake

import "encoding/binary"

// FlowMode selects which parts of a packet's header the flow hasher
// dissects (spec §4.2), a lattice over {src_ip, dst_ip, 5tuple}.
type FlowMode uint8

const (
	FlowNone FlowMode = iota
	FlowSrcIP
	FlowDstIP
	FlowHosts   // = SrcIP | DstIP
	FlowFlows   // full 5-tuple
	FlowDualSrc // = SrcIP | Flows
	FlowDualDst // = DstIP | Flows
	FlowDual    // = Hosts | Flows
)

const (
	flowBitSrc   = 1 << 0
	flowBitDst   = 1 << 1
	flowBit5Tup  = 1 << 2
)

var flowModeBits = [...]uint8{
	FlowNone:    0,
	FlowSrcIP:   flowBitSrc,
	FlowDstIP:   flowBitDst,
	FlowHosts:   flowBitSrc | flowBitDst,
	FlowFlows:   flowBit5Tup,
	FlowDualSrc: flowBitSrc | flowBit5Tup,
	FlowDualDst: flowBitDst | flowBit5Tup,
	FlowDual:    flowBitSrc | flowBitDst | flowBit5Tup,
}

// hasher computes a per-tin-perturbed 32-bit hash of a packet's flow key
// and reduces it to [0, flowsCnt) by multiply-shift, never modulo (spec
// §4.2).
type hasher struct {
	perturbation uint32
	flowsCnt     uint32
}

func newHasher(perturbation uint32, flowsCnt uint32) hasher {
	return hasher{perturbation: perturbation, flowsCnt: flowsCnt}
}

// index returns the flow-table slot for pkt under the given mode. The
// three "dual" modes set more than one bit (e.g. FlowDual sets
// src|dst|5tuple), so each field is written into buf at most once rather
// than once per contributing bit: SrcIP/DstIP are needed either because
// their own bit is set or because the 5-tuple bit is, and the protocol
// and port fields are only ever needed by the 5-tuple bit.
func (h hasher) index(pkt *Packet, mode FlowMode) uint32 {
	if mode == FlowNone {
		return 0
	}
	bits := flowModeBits[mode]
	var buf [37]byte
	n := 0
	if bits&(flowBitSrc|flowBit5Tup) != 0 {
		copy(buf[n:], pkt.Key.SrcIP[:])
		n += 16
	}
	if bits&(flowBitDst|flowBit5Tup) != 0 {
		copy(buf[n:], pkt.Key.DstIP[:])
		n += 16
	}
	if bits&flowBit5Tup != 0 {
		buf[n] = pkt.Key.Proto
		n++
		binary.BigEndian.PutUint16(buf[n:], pkt.Key.SrcPort)
		n += 2
		binary.BigEndian.PutUint16(buf[n:], pkt.Key.DstPort)
		n += 2
	}
	flowHash := fnv32a(buf[:n], h.perturbation)
	return reduce(flowHash, h.flowsCnt)
}

// fnv32a is a 32-bit FNV-1a hash seeded with the tin's perturbation value,
// standing in for the kernel's jhash_3words: any non-cryptographic,
// well-distributed hash satisfies spec §4.2's contract.
func fnv32a(data []byte, seed uint32) uint32 {
	const prime = 16777619
	h := uint32(2166136261) ^ seed
	for _, b := range data {
		h ^= uint32(b)
		h *= prime
	}
	return h
}

// reduce maps a 32-bit hash into [0, n) by multiply-shift rather than
// modulo, matching reciprocal_scale in the kernel source.
func reduce(hash uint32, n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return uint32((uint64(hash) * uint64(n)) >> 32)
}
