package cake

// DiffservMode selects one of the four Diffserv classifier configurations
// of spec §4.1.
type DiffservMode uint8

const (
	ModeBestEffort DiffservMode = iota
	ModePrecedence
	ModeDiffserv8
	ModeDiffserv4
)

// TinCount returns the number of tins a mode uses.
func (m DiffservMode) TinCount() int {
	switch m {
	case ModeBestEffort:
		return 1
	case ModePrecedence, ModeDiffserv8:
		return 8
	case ModeDiffserv4:
		return 4
	default:
		return 1
	}
}

// buildTinIndex returns the 64-entry DSCP codepoint -> tin index map for a
// mode (spec §4.1). BestEffort maps everything to tin 0.
func buildTinIndex(mode DiffservMode) [64]uint8 {
	var idx [64]uint8
	switch mode {
	case ModeBestEffort:
		// all zero already.
	case ModePrecedence:
		for i := range idx {
			t := i >> 3
			if t > 7 {
				t = 7
			}
			idx[i] = uint8(t)
		}
	case ModeDiffserv8:
		for i := range idx {
			idx[i] = 2 // default to best-effort
		}
		idx[0x08] = 0 // CS1
		idx[0x02] = 1 // TOS2
		idx[0x18] = 3 // CS3
		idx[0x04] = 4 // TOS4
		idx[0x01] = 5 // TOS1
		idx[0x10] = 5 // CS2
		idx[0x20] = 6 // CS4
		idx[0x28] = 6 // CS5
		idx[0x2c] = 6 // VA
		idx[0x2e] = 6 // EF
		idx[0x30] = 7 // CS6
		idx[0x38] = 7 // CS7
		for i := 2; i <= 6; i += 2 {
			idx[0x08+i] = 1 // AF1x
			idx[0x10+i] = 4 // AF2x
			idx[0x18+i] = 3 // AF3x
			idx[0x20+i] = 3 // AF4x
		}
	case ModeDiffserv4:
		for i := range idx {
			idx[i] = 1 // default to best-effort
		}
		idx[0x08] = 0 // CS1
		idx[0x18] = 2 // CS3
		idx[0x04] = 2 // TOS4
		idx[0x01] = 2 // TOS1
		idx[0x10] = 2 // CS2
		idx[0x20] = 3 // CS4
		idx[0x28] = 3 // CS5
		idx[0x2c] = 3 // VA
		idx[0x2e] = 3 // EF
		idx[0x30] = 3 // CS6
		idx[0x38] = 3 // CS7
		for i := 2; i <= 6; i += 2 {
			idx[0x10+i] = 2 // AF2x
			idx[0x18+i] = 2 // AF3x
			idx[0x20+i] = 2 // AF4x
		}
	}
	return idx
}

// tinSpec is the per-tin rate and DRR weight pair produced by a mode's
// progression rule (spec §4.1).
type tinSpec struct {
	rate        uint64
	quantumPrio uint16
	quantumBand uint16
}

func clampQ16(v uint32) uint16 {
	if v < 1 {
		v = 1
	}
	if v > 0xffff {
		v = 0xffff
	}
	return uint16(v)
}

// tinSpecs computes the rate/quantum progression across a mode's tins from
// a base rate (spec §4.1: Precedence 7/8 geometric decay with 3/2, 7/8
// quantum scaling; Diffserv8 the same; Diffserv4 the fixed 15/16, 3/4, 1/4
// split with the q>>4 family of weights).
func tinSpecs(mode DiffservMode, baseRate uint64) []tinSpec {
	switch mode {
	case ModeBestEffort:
		return []tinSpec{{rate: baseRate, quantumPrio: 65535, quantumBand: 65535}}
	case ModePrecedence, ModeDiffserv8:
		n := 8
		specs := make([]tinSpec, n)
		rate := baseRate
		q1 := uint32(256)
		q2 := uint32(256)
		for i := 0; i < n; i++ {
			specs[i] = tinSpec{rate: rate, quantumPrio: clampQ16(q1), quantumBand: clampQ16(q2)}
			rate = rate * 7 / 8
			q1 = q1 * 3 / 2
			q2 = q2 * 7 / 8
		}
		return specs
	case ModeDiffserv4:
		q := uint32(256)
		rates := [4]uint64{baseRate, baseRate - (baseRate >> 4), baseRate - (baseRate >> 2), baseRate >> 2}
		prio := [4]uint32{q >> 4, q, q << 2, q << 4}
		band := [4]uint32{q >> 4, (q >> 3) + (q >> 4), q >> 1, q >> 2}
		specs := make([]tinSpec, 4)
		for i := 0; i < 4; i++ {
			specs[i] = tinSpec{rate: rates[i], quantumPrio: clampQ16(prio[i]), quantumBand: clampQ16(band[i])}
		}
		return specs
	default:
		return []tinSpec{{rate: baseRate, quantumPrio: 65535, quantumBand: 65535}}
	}
}

// classify implements spec §4.1's public operation: map a packet to a tin
// index, and wash its Diffserv field if requested. Non-IP packets always
// land in tin 0 regardless of mode.
func classify(pkt *Packet, mode DiffservMode, tinIndex [64]uint8, tinCnt int, wash bool) int {
	var tin int
	if pkt.L3 == L3Other {
		tin = 0
	} else if mode == ModeBestEffort {
		tin = 0
	} else {
		dscp := pkt.DSCP & 0x3f
		tin = int(tinIndex[dscp])
		if tin >= tinCnt {
			tin = 0
		}
	}
	if wash && pkt.L3 != L3Other {
		pkt.DSCP = 0
	}
	return tin
}
