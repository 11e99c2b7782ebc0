package cake

// maxTins is the hard cap on traffic classes (spec §2, CAKE_MAX_TINS).
const maxTins = 8

// flowsPerTin is the size of each tin's flow-subqueue array (spec §3:
// "power-of-two-ish, multiple of a set-associative ways constant; default
// 1024"). The base design accepts direct-mapped hash collisions rather than
// set-associative disambiguation (spec §4.2), so this is a plain array.
const flowsPerTin = 1024

// Tin is a traffic class (spec §3): a fixed array of flow subqueues, the
// hasher that picks among them, the DRR quanta and deficit that drive
// scheduling within and across tins, and the per-tin shaper accumulator.
type Tin struct {
	flows        []Flow
	flowsCnt     uint32
	perturbation uint32

	quantum      uint16 // per-flow DRR quantum, derived from this tin's rate
	quantumPrio  uint16 // credited when under the tin's bandwidth share
	quantumBand  uint16 // credited when over it

	deficit int32 // tin-level deficit (spec §4.5)
	backlog uint32
	bulkFlowCount uint16

	newFlows flowList
	oldFlows flowList

	rate           shaperRate
	timeNextPacket Time

	packets       uint64
	bytes         uint64
	dropped       uint32
	ecnMark       uint32
	dropOverlimit uint32
}

func newTin(perturbation uint32) *Tin {
	t := &Tin{
		flows:        make([]Flow, flowsPerTin),
		flowsCnt:     flowsPerTin,
		perturbation: perturbation,
		newFlows:     flowList{kind: flowOnNew},
		oldFlows:     flowList{kind: flowOnOld},
	}
	for i := range t.flows {
		t.flows[i].idx = uint32(i)
	}
	return t
}

// flowIndex returns the position of f within t.flows. Flows never move
// between tins or get reallocated, so the index is stamped once at
// construction rather than recomputed.
func (t *Tin) flowIndex(f *Flow) uint32 {
	return f.idx
}
