package cake

import "testing"

func TestSetRateUnlimited(t *testing.T) {
	r, quantum := setRate(0)
	if r.rateNs != 0 {
		t.Fatalf("expected rateNs=0 for unlimited rate, got %d", r.rateNs)
	}
	if quantum != mtu {
		t.Fatalf("expected quantum=%d for unlimited rate, got %d", mtu, quantum)
	}
	if r.transmitTime(1500) != 0 {
		t.Fatalf("expected unlimited rate to charge no time")
	}
}

func TestSetRateQuantumBounds(t *testing.T) {
	// A very small rate should still clamp the quantum to its 300-byte floor.
	_, quantum := setRate(1000)
	if quantum != 300 {
		t.Fatalf("expected quantum floor of 300, got %d", quantum)
	}

	// A very large rate should clamp the quantum to the MTU ceiling.
	_, quantum = setRate(1_000_000_000)
	if quantum != mtu {
		t.Fatalf("expected quantum ceiling of %d, got %d", mtu, quantum)
	}
}

func TestSetRateTransmitTimeScalesWithRate(t *testing.T) {
	slow, _ := setRate(1_000_000)  // 1MB/s
	fast, _ := setRate(10_000_000) // 10MB/s

	tSlow := slow.transmitTime(1500)
	tFast := fast.transmitTime(1500)

	if tFast >= tSlow {
		t.Fatalf("expected faster rate to take less time: slow=%d fast=%d", tSlow, tFast)
	}
	// Roughly an order of magnitude difference, within fixed-point rounding.
	ratio := float64(tSlow) / float64(tFast)
	if ratio < 8 || ratio > 12 {
		t.Fatalf("expected ~10x time ratio between 1/10th rates, got %f", ratio)
	}
}

func TestEffectiveLengthOverhead(t *testing.T) {
	if got := effectiveLength(1000, 40, false); got != 1040 {
		t.Fatalf("expected 1040, got %d", got)
	}
	if got := effectiveLength(10, -40, false); got != 0 {
		t.Fatalf("expected negative overhead to clamp at 0, got %d", got)
	}
}

func TestEffectiveLengthATM(t *testing.T) {
	// 48 bytes of payload fits in exactly one 53-byte ATM cell.
	if got := effectiveLength(48, 0, true); got != 53 {
		t.Fatalf("expected one ATM cell (53), got %d", got)
	}
	// 49 bytes spills into a second cell.
	if got := effectiveLength(49, 0, true); got != 106 {
		t.Fatalf("expected two ATM cells (106), got %d", got)
	}
}
