package cake

import "testing"

func TestDiffservModeTinCount(t *testing.T) {
	cases := []struct {
		mode DiffservMode
		want int
	}{
		{ModeBestEffort, 1},
		{ModePrecedence, 8},
		{ModeDiffserv8, 8},
		{ModeDiffserv4, 4},
	}
	for _, c := range cases {
		if got := c.mode.TinCount(); got != c.want {
			t.Errorf("mode %d: want %d tins, got %d", c.mode, c.want, got)
		}
	}
}

func TestClassifyNonIPAlwaysTinZero(t *testing.T) {
	idx := buildTinIndex(ModeDiffserv4)
	p := &Packet{L3: L3Other, DSCP: 0x2e}
	tin := classify(p, ModeDiffserv4, idx, ModeDiffserv4.TinCount(), false)
	if tin != 0 {
		t.Fatalf("expected non-IP packet in tin 0, got %d", tin)
	}
}

func TestClassifyBestEffortAlwaysTinZero(t *testing.T) {
	idx := buildTinIndex(ModeBestEffort)
	p := &Packet{L3: L3IPv4, DSCP: 0x2e}
	tin := classify(p, ModeBestEffort, idx, ModeBestEffort.TinCount(), false)
	if tin != 0 {
		t.Fatalf("expected besteffort mode to always classify to tin 0, got %d", tin)
	}
}

func TestClassifyDiffserv4VoiceToTin3(t *testing.T) {
	idx := buildTinIndex(ModeDiffserv4)
	// EF (0x2e) is voice-class traffic and must land in the highest tin.
	p := &Packet{L3: L3IPv4, DSCP: 0x2e}
	tin := classify(p, ModeDiffserv4, idx, ModeDiffserv4.TinCount(), false)
	if tin != 3 {
		t.Fatalf("expected EF to classify to tin 3, got %d", tin)
	}
}

func TestClassifyDiffserv4BulkToTin0(t *testing.T) {
	idx := buildTinIndex(ModeDiffserv4)
	// CS1 (0x08) is the bulk/scavenger class and must land in the lowest tin.
	p := &Packet{L3: L3IPv4, DSCP: 0x08}
	tin := classify(p, ModeDiffserv4, idx, ModeDiffserv4.TinCount(), false)
	if tin != 0 {
		t.Fatalf("expected CS1 to classify to tin 0, got %d", tin)
	}
}

func TestClassifyWashZeroesDSCPButNotECN(t *testing.T) {
	idx := buildTinIndex(ModeDiffserv4)
	p := &Packet{L3: L3IPv4, DSCP: 0x2e, ECN: 0x3}
	classify(p, ModeDiffserv4, idx, ModeDiffserv4.TinCount(), true)
	if p.DSCP != 0 {
		t.Fatalf("expected wash to zero DSCP, got %#x", p.DSCP)
	}
	if p.ECN != 0x3 {
		t.Fatalf("expected wash to leave ECN untouched, got %#x", p.ECN)
	}
}

func TestClassifyOutOfRangeTinFallsBackToZero(t *testing.T) {
	idx := buildTinIndex(ModeDiffserv4)
	// Force a pathological tinCnt smaller than what the index table expects.
	p := &Packet{L3: L3IPv4, DSCP: 0x2e} // would normally map to tin 3
	tin := classify(p, ModeDiffserv4, idx, 1, false)
	if tin != 0 {
		t.Fatalf("expected clamp to tin 0 when tinCnt shrinks, got %d", tin)
	}
}

func TestTinSpecsDiffserv4Progression(t *testing.T) {
	specs := tinSpecs(ModeDiffserv4, 1_000_000)
	if len(specs) != 4 {
		t.Fatalf("expected 4 tin specs, got %d", len(specs))
	}
	// diffserv4's rate table is bulk=base, be=base*15/16, video=base*3/4,
	// voice=base/4.
	if specs[0].rate != 1_000_000 {
		t.Fatalf("expected tin0 rate == base rate, got %d", specs[0].rate)
	}
	if specs[3].rate != 250_000 {
		t.Fatalf("expected tin3 (voice) rate == base>>2, got %d", specs[3].rate)
	}
}

func TestTinSpecsPrecedenceDecays(t *testing.T) {
	specs := tinSpecs(ModePrecedence, 8_000_000)
	for i := 1; i < len(specs); i++ {
		if specs[i].rate >= specs[i-1].rate {
			t.Fatalf("expected strictly decaying rates in precedence mode, tin %d rate %d >= tin %d rate %d",
				i, specs[i].rate, i-1, specs[i-1].rate)
		}
	}
}
