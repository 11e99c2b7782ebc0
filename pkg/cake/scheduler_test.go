package cake

import (
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, cfg Config, clk *manualClock) *Scheduler {
	t.Helper()
	s, err := New(cfg, clk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func udpPacket(srcIP, dstIP byte, srcPort, dstPort uint16, length uint32, dscp uint8) *Packet {
	p := mkFlowPacket(srcIP, dstIP, srcPort, dstPort)
	p.Len = length
	p.Truesize = length
	p.DSCP = dscp
	return p
}

func TestSchedulerEnqueueDequeueFIFOSingleFlow(t *testing.T) {
	clk := &manualClock{}
	s := newTestScheduler(t, DefaultConfig(), clk)

	for i := 0; i < 5; i++ {
		p := udpPacket(1, 2, 1000, 80, 500, 0)
		if err := s.Enqueue(p); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var seen []uint64
	for i := 0; i < 5; i++ {
		p := s.Dequeue()
		if p == nil {
			t.Fatalf("Dequeue %d: expected a packet, got nil", i)
		}
		seen = append(seen, p.seq)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("expected FIFO order within a single flow, got sequence %v", seen)
		}
	}
	if p := s.Dequeue(); p != nil {
		t.Fatalf("expected nil once drained, got %+v", p)
	}
}

func TestSchedulerDRRFairnessBetweenTwoFlows(t *testing.T) {
	clk := &manualClock{}
	s := newTestScheduler(t, DefaultConfig(), clk)

	const perFlow = 40
	for i := 0; i < perFlow; i++ {
		if err := s.Enqueue(udpPacket(1, 2, 1000, 80, 500, 0)); err != nil {
			t.Fatalf("enqueue flow A: %v", err)
		}
		if err := s.Enqueue(udpPacket(5, 6, 2000, 443, 500, 0)); err != nil {
			t.Fatalf("enqueue flow B: %v", err)
		}
	}

	countA, countB := 0, 0
	for i := 0; i < perFlow*2; i++ {
		p := s.Dequeue()
		if p == nil {
			t.Fatalf("dequeue %d: expected a packet", i)
		}
		if p.Key.SrcPort == 1000 {
			countA++
		} else {
			countB++
		}
	}

	diff := countA - countB
	if diff < 0 {
		diff = -diff
	}
	if diff > perFlow/4 {
		t.Fatalf("expected roughly even service between flows, got A=%d B=%d", countA, countB)
	}
}

func TestSchedulerClassificationSeparatesTins(t *testing.T) {
	clk := &manualClock{}
	cfg := DefaultConfig()
	s := newTestScheduler(t, cfg, clk)

	// EF (voice, 0x2e) should reach tin 3; CS1 (bulk, 0x08) tin 0.
	voice := udpPacket(1, 2, 1000, 80, 200, 0x2e)
	bulk := udpPacket(3, 4, 2000, 443, 200, 0x08)

	if err := s.Enqueue(bulk); err != nil {
		t.Fatalf("enqueue bulk: %v", err)
	}
	if err := s.Enqueue(voice); err != nil {
		t.Fatalf("enqueue voice: %v", err)
	}

	if s.tins[3].backlog == 0 {
		t.Fatal("expected voice packet to land in tin 3")
	}
	if s.tins[0].backlog == 0 {
		t.Fatal("expected bulk packet to land in tin 0")
	}
}

func TestSchedulerShaperBlocksDequeueAndReportsWakeup(t *testing.T) {
	clk := &manualClock{}
	cfg := DefaultConfig()
	cfg.BaseRate = 8000 // very slow: 8000 bytes/sec
	// BestEffort keeps a single tin whose rate is derived identically to
	// the global shaper, so the two never stagger out of lockstep and the
	// wakeup this test observes is the only one in play.
	cfg.DiffservMode = ModeBestEffort
	s := newTestScheduler(t, cfg, clk)

	if err := s.Enqueue(udpPacket(1, 2, 1000, 80, 1000, 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(udpPacket(1, 2, 1000, 80, 1000, 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first := s.Dequeue()
	if first == nil {
		t.Fatal("expected the first packet to dequeue immediately")
	}

	second := s.Dequeue()
	if second != nil {
		t.Fatal("expected the second packet to be shaper-blocked")
	}
	wake, ok := s.NextWakeup()
	if !ok {
		t.Fatal("expected NextWakeup to report a pending wakeup")
	}
	if wake <= clk.Now() {
		t.Fatalf("expected wakeup in the future, got wake=%d now=%d", wake, clk.Now())
	}

	clk.now = wake
	if p := s.Dequeue(); p == nil {
		t.Fatal("expected the second packet to dequeue once the shaper releases it")
	}
}

func TestSchedulerMemoryPressureDropsFattestFlow(t *testing.T) {
	clk := &manualClock{}
	cfg := DefaultConfig()
	cfg.Memory = 4000 // tiny budget, forces overflow quickly
	s := newTestScheduler(t, cfg, clk)

	// Flow A gets many large packets (the "fat" flow); flow B gets one.
	for i := 0; i < 10; i++ {
		if err := s.Enqueue(udpPacket(9, 9, 9000, 9000, 1000, 0)); err != nil {
			t.Fatalf("enqueue fat flow: %v", err)
		}
	}
	if err := s.Enqueue(udpPacket(1, 2, 1000, 80, 500, 0)); err != nil {
		t.Fatalf("enqueue thin flow: %v", err)
	}

	if s.bufferUsed > s.bufferLimit {
		t.Fatalf("expected overflow loop to bring bufferUsed under bufferLimit, used=%d limit=%d",
			s.bufferUsed, s.bufferLimit)
	}

	stats := s.DumpStats()
	if stats.Drops == 0 {
		t.Fatal("expected at least one drop from memory pressure")
	}
}

func TestSchedulerResetClearsBacklog(t *testing.T) {
	clk := &manualClock{}
	s := newTestScheduler(t, DefaultConfig(), clk)

	for i := 0; i < 10; i++ {
		if err := s.Enqueue(udpPacket(1, 2, 1000, 80, 500, 0)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	s.Reset()

	if s.qlen != 0 {
		t.Fatalf("expected qlen=0 after reset, got %d", s.qlen)
	}
	if s.bufferUsed != 0 {
		t.Fatalf("expected bufferUsed=0 after reset, got %d", s.bufferUsed)
	}
	if p := s.Dequeue(); p != nil {
		t.Fatalf("expected no packets after reset, got %+v", p)
	}
}

func TestSchedulerReconfigureChangesTinCount(t *testing.T) {
	clk := &manualClock{}
	s := newTestScheduler(t, DefaultConfig(), clk)
	if s.tinCnt != 4 {
		t.Fatalf("expected 4 tins for default diffserv4 config, got %d", s.tinCnt)
	}

	cfg := DefaultConfig()
	cfg.DiffservMode = ModeBestEffort
	if err := s.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if s.tinCnt != 1 {
		t.Fatalf("expected 1 tin after switching to besteffort, got %d", s.tinCnt)
	}

	if got := s.Config(); got.DiffservMode != ModeBestEffort {
		t.Fatalf("expected Config() to round-trip the new mode, got %d", got.DiffservMode)
	}
}

func TestSchedulerReconfigureRejectsInvalidConfig(t *testing.T) {
	clk := &manualClock{}
	s := newTestScheduler(t, DefaultConfig(), clk)

	bad := DefaultConfig()
	bad.Interval = -1 * time.Second
	if err := s.Reconfigure(bad); err == nil {
		t.Fatal("expected Reconfigure to reject an invalid config")
	}
	if got := s.Config(); got.Interval < 0 {
		t.Fatal("expected a rejected Reconfigure to leave the prior config in place")
	}
}

func TestSchedulerGSOSegmentationFailureReturnsError(t *testing.T) {
	clk := &manualClock{}
	s := newTestScheduler(t, DefaultConfig(), clk)

	p := udpPacket(1, 2, 1000, 80, 9000, 0)
	p.GSO = true
	p.Segment = func() ([]*Packet, bool) { return nil, false }

	if err := s.Enqueue(p); err == nil {
		t.Fatal("expected Enqueue to report a reshape failure")
	}
}

func TestSchedulerGSOSegmentsAdmittedSeparately(t *testing.T) {
	clk := &manualClock{}
	s := newTestScheduler(t, DefaultConfig(), clk)

	p := udpPacket(1, 2, 1000, 80, 3000, 0)
	p.GSO = true
	p.Segment = func() ([]*Packet, bool) {
		return []*Packet{
			udpPacket(1, 2, 1000, 80, 1000, 0),
			udpPacket(1, 2, 1000, 80, 1000, 0),
			udpPacket(1, 2, 1000, 80, 1000, 0),
		}, true
	}

	if err := s.Enqueue(p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := 0
	for {
		pkt := s.Dequeue()
		if pkt == nil {
			break
		}
		got++
	}
	if got != 3 {
		t.Fatalf("expected 3 segments to dequeue individually, got %d", got)
	}
}

func TestSchedulerDropOperationRemovesFattestFlow(t *testing.T) {
	clk := &manualClock{}
	s := newTestScheduler(t, DefaultConfig(), clk)

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(udpPacket(9, 9, 9000, 9000, 1000, 0)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := s.Enqueue(udpPacket(1, 2, 1000, 80, 100, 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	before := s.DumpStats().Drops
	if !s.Drop() {
		t.Fatal("expected Drop() to find a victim")
	}
	after := s.DumpStats().Drops
	if after != before+1 {
		t.Fatalf("expected drop counter to increase by 1, went from %d to %d", before, after)
	}
}

func TestSchedulerDumpStatsConfigRoundTrip(t *testing.T) {
	clk := &manualClock{}
	cfg := DefaultConfig()
	cfg.BaseRate = 5_000_000
	s := newTestScheduler(t, cfg, clk)

	dumped := s.Config()
	if err := s.Reconfigure(dumped); err != nil {
		t.Fatalf("Reconfigure(dumped config): %v", err)
	}
	if s.Config().BaseRate != cfg.BaseRate {
		t.Fatalf("expected dump/change round-trip to preserve BaseRate, got %d", s.Config().BaseRate)
	}
}
